package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/aixgo-dev/agentcore/pkg/observability"
)

// TopicLatencyAlert is the topic the bus publishes its own latency alerts on.
const TopicLatencyAlert = "bus:latency-alert"

const (
	// DefaultRetention is how long persisted events are kept.
	DefaultRetention = 24 * time.Hour
	// DefaultDedupCapacity bounds the per-subscriber processed-id registry.
	DefaultDedupCapacity = 1024
	// DefaultLatencyThreshold is the p95 fan-out latency that triggers a
	// critical alert.
	DefaultLatencyThreshold = 10 * time.Millisecond
	// latencyWindow is the rolling window the p95 is computed over.
	latencyWindow = 5 * time.Minute
	// maxPendingDispatch bounds the queue of handler-initiated publishes
	// drained by the root publish.
	maxPendingDispatch = 1024
	// retentionSweepSpec is the cron schedule for the retention purge.
	retentionSweepSpec = "@every 1h"
)

// Handler processes a delivered event. Errors are logged and isolated to
// this subscriber; they never propagate to the publisher or to other
// subscribers.
type Handler func(ctx context.Context, evt *Event) error

// subscription binds a handler to a topic pattern plus optional filters.
type subscription struct {
	topic          string
	subscriberID   string
	handler        Handler
	priority       Priority
	sessionID      string
	conversationID string
}

// wants applies the subscription's option filters to an event.
func (s *subscription) wants(evt *Event) bool {
	if s.priority != "" && evt.Priority != s.priority {
		return false
	}
	if s.sessionID != "" && evt.SessionID != s.sessionID {
		return false
	}
	if s.conversationID != "" && evt.ConversationID != s.conversationID {
		return false
	}
	return true
}

// processedSet is a bounded FIFO set of event IDs already handled by one
// subscriber. Once full, the oldest entry is evicted.
type processedSet struct {
	capacity int
	order    []string
	seen     map[string]struct{}
}

func newProcessedSet(capacity int) *processedSet {
	return &processedSet{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

func (p *processedSet) has(id string) bool {
	_, ok := p.seen[id]
	return ok
}

func (p *processedSet) add(id string) {
	if p.has(id) {
		return
	}
	p.seen[id] = struct{}{}
	p.order = append(p.order, id)
	for len(p.order) > p.capacity {
		delete(p.seen, p.order[0])
		p.order = p.order[1:]
	}
}

// publishOptions collects per-publish settings.
type publishOptions struct {
	priority       Priority
	sessionID      string
	conversationID string
	metadata       map[string]string
}

// PublishOption configures a single publish.
type PublishOption func(*publishOptions)

// Critical marks the event critical-priority.
func Critical() PublishOption {
	return func(o *publishOptions) { o.priority = PriorityCritical }
}

// WithPriority sets the event priority explicitly.
func WithPriority(p Priority) PublishOption {
	return func(o *publishOptions) { o.priority = p }
}

// WithSessionID scopes the event to a session.
func WithSessionID(id string) PublishOption {
	return func(o *publishOptions) { o.sessionID = id }
}

// WithConversationID scopes the event to a conversation.
func WithConversationID(id string) PublishOption {
	return func(o *publishOptions) { o.conversationID = id }
}

// WithMetadata attaches free-form metadata.
func WithMetadata(md map[string]string) PublishOption {
	return func(o *publishOptions) { o.metadata = md }
}

// SubscribeOption configures a subscription's delivery filters.
type SubscribeOption func(*subscription)

// FilterPriority delivers only events of the given priority.
func FilterPriority(p Priority) SubscribeOption {
	return func(s *subscription) { s.priority = p }
}

// FilterSession delivers only events scoped to the given session.
func FilterSession(id string) SubscribeOption {
	return func(s *subscription) { s.sessionID = id }
}

// FilterConversation delivers only events scoped to the given conversation.
func FilterConversation(id string) SubscribeOption {
	return func(s *subscription) { s.conversationID = id }
}

// Option configures a Bus.
type Option func(*Bus)

// WithEventLog attaches append-only persistence, enabling replay.
func WithEventLog(log *EventLog) Option {
	return func(b *Bus) { b.log = log }
}

// WithBusLogger sets the bus's logger.
func WithBusLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithRetention overrides how long persisted events are kept.
func WithRetention(d time.Duration) Option {
	return func(b *Bus) { b.retention = d }
}

// WithDedupCapacity overrides the per-subscriber processed-id registry size.
func WithDedupCapacity(n int) Option {
	return func(b *Bus) { b.dedupCapacity = n }
}

// WithLatencyThreshold overrides the p95 latency alert threshold.
func WithLatencyThreshold(d time.Duration) Option {
	return func(b *Bus) { b.latencyThreshold = d }
}

// Bus is an in-process topic-based event router. Delivery is synchronous
// fan-out in publish order per topic; persistence is best-effort append-only.
// The subscription and processed-id registries are owned by the Bus instance,
// so multiple independently-testable buses can coexist in one process.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]map[string]*subscription // topic -> subscriberID
	processed map[string]*processedSet            // subscriberID
	policies  map[string]ReplayPolicy             // subscriberID

	log    *EventLog
	logger *slog.Logger
	tracer trace.Tracer

	latency          *latencyTracker
	latencyThreshold time.Duration
	alertLimiter     *rate.Limiter

	retention     time.Duration
	dedupCapacity int

	cronMu  sync.Mutex
	sweeper *cron.Cron

	published     atomic.Uint64
	delivered     atomic.Uint64
	handlerErrors atomic.Uint64
	deduplicated  atomic.Uint64
	replayed      atomic.Uint64
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:             make(map[string]map[string]*subscription),
		processed:        make(map[string]*processedSet),
		policies:         make(map[string]ReplayPolicy),
		logger:           slog.Default(),
		tracer:           otel.Tracer("agentcore/eventbus"),
		latency:          newLatencyTracker(latencyWindow),
		latencyThreshold: DefaultLatencyThreshold,
		alertLimiter:     rate.NewLimiter(rate.Every(time.Minute), 1),
		retention:        DefaultRetention,
		dedupCapacity:    DefaultDedupCapacity,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// dispatchCtxKey carries the in-flight dispatch queue so handler-initiated
// publishes are drained iteratively instead of recursing.
type dispatchCtxKey struct{}

type dispatchState struct {
	queue []*Event
}

// Publish assigns identity to the event, appends it to the per-topic log
// (best-effort; persistence failure is logged, never blocks delivery), and
// synchronously fans it out to all matching subscriptions. It returns the
// new event's ID.
func (b *Bus) Publish(ctx context.Context, topic string, payload any, opts ...PublishOption) (string, error) {
	if topic == "" {
		return "", errors.New("topic must not be empty")
	}

	var po publishOptions
	for _, opt := range opts {
		opt(&po)
	}
	evt := newEvent(topic, payload, po)

	ctx, span := b.tracer.Start(ctx, "eventbus.Publish",
		trace.WithAttributes(
			attribute.String("event.topic", topic),
			attribute.String("event.priority", string(evt.Priority)),
		))
	defer span.End()

	b.published.Add(1)

	if b.log != nil {
		if err := b.log.Append(evt); err != nil {
			b.logger.Warn("event persistence failed",
				"topic", topic, "event_id", evt.ID, "error", err)
		}
	}

	// Nested publish from a handler: enqueue on the root dispatch.
	if st, ok := ctx.Value(dispatchCtxKey{}).(*dispatchState); ok {
		if len(st.queue) >= maxPendingDispatch {
			b.logger.Error("dispatch queue full, dropping nested publish",
				"topic", topic, "event_id", evt.ID)
			return evt.ID, errors.New("dispatch queue full")
		}
		st.queue = append(st.queue, evt)
		return evt.ID, nil
	}

	st := &dispatchState{}
	ctx = context.WithValue(ctx, dispatchCtxKey{}, st)

	b.dispatch(ctx, evt)
	for len(st.queue) > 0 {
		next := st.queue[0]
		st.queue = st.queue[1:]
		b.dispatch(ctx, next)
	}
	return evt.ID, nil
}

// dispatch fans one event out to all matching subscriptions and records the
// fan-out latency.
func (b *Bus) dispatch(ctx context.Context, evt *Event) {
	start := time.Now()

	// Snapshot so a subscriber unsubscribing mid-fan-out cannot corrupt
	// the iteration.
	b.mu.RLock()
	var matching []*subscription
	for topic, bySub := range b.subs {
		if !TopicMatches(topic, evt.Topic) {
			continue
		}
		for _, sub := range bySub {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matching {
		if !sub.wants(evt) {
			continue
		}
		if !b.firstDelivery(sub.subscriberID, evt.ID) {
			b.deduplicated.Add(1)
			continue
		}
		b.invoke(ctx, sub, evt)
	}

	elapsed := time.Since(start)
	b.latency.record(start, elapsed)
	observability.RecordEventPublish(evt.Topic, string(evt.Priority), elapsed)

	if p95 := b.latency.p95(time.Now()); p95 > b.latencyThreshold && evt.Topic != TopicLatencyAlert {
		if b.alertLimiter.Allow() {
			b.logger.Error("event fan-out p95 latency above threshold",
				"p95", p95, "threshold", b.latencyThreshold)
			observability.RecordLatencyAlert()
			_, _ = b.Publish(ctx, TopicLatencyAlert, map[string]any{
				"p95Ms":       p95.Milliseconds(),
				"thresholdMs": b.latencyThreshold.Milliseconds(),
			}, Critical())
		}
	}
}

// firstDelivery records the event in the subscriber's processed set and
// reports whether this is the first time the subscriber sees it.
func (b *Bus) firstDelivery(subscriberID, eventID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.processed[subscriberID]
	if set == nil {
		set = newProcessedSet(b.dedupCapacity)
		b.processed[subscriberID] = set
	}
	if set.has(eventID) {
		return false
	}
	set.add(eventID)
	return true
}

// invoke runs one handler, isolating panics and errors so a failing handler
// never prevents other subscribers from receiving the event.
func (b *Bus) invoke(ctx context.Context, sub *subscription, evt *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			observability.RecordHandlerFailure(evt.Topic)
			b.logger.Error("event handler panicked",
				"topic", evt.Topic, "subscriber", sub.subscriberID, "panic", r)
		}
	}()

	if err := sub.handler(ctx, evt); err != nil {
		b.handlerErrors.Add(1)
		observability.RecordHandlerFailure(evt.Topic)
		b.logger.Warn("event handler failed",
			"topic", evt.Topic, "subscriber", sub.subscriberID, "error", err)
		return
	}
	b.delivered.Add(1)
}

// Subscribe registers a handler for a topic pattern and returns an
// unsubscribe function. Re-subscribing the same (topic, subscriberID) pair
// replaces the previous handler.
func (b *Bus) Subscribe(topic, subscriberID string, handler Handler, opts ...SubscribeOption) (func(), error) {
	if topic == "" {
		return nil, errors.New("topic must not be empty")
	}
	if subscriberID == "" {
		return nil, errors.New("subscriber id must not be empty")
	}
	if handler == nil {
		return nil, errors.New("handler must not be nil")
	}

	sub := &subscription{
		topic:        topic,
		subscriberID: subscriberID,
		handler:      handler,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	bySub := b.subs[topic]
	if bySub == nil {
		bySub = make(map[string]*subscription)
		b.subs[topic] = bySub
	}
	bySub[subscriberID] = sub
	b.mu.Unlock()

	return func() { b.Unsubscribe(topic, subscriberID) }, nil
}

// Unsubscribe removes one subscription. Unknown pairs are a no-op.
func (b *Bus) Unsubscribe(topic, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bySub, ok := b.subs[topic]; ok {
		delete(bySub, subscriberID)
		if len(bySub) == 0 {
			delete(b.subs, topic)
		}
	}
}

// UnsubscribeAll removes every subscription held by a subscriber.
func (b *Bus) UnsubscribeAll(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, bySub := range b.subs {
		delete(bySub, subscriberID)
		if len(bySub) == 0 {
			delete(b.subs, topic)
		}
	}
}

// SetReplayPolicy sets a subscriber's replay policy.
func (b *Bus) SetReplayPolicy(subscriberID string, policy ReplayPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policies[subscriberID] = policy
}

// ReplayPolicyFor returns a subscriber's replay policy, defaulting to
// critical-only.
func (b *Bus) ReplayPolicyFor(subscriberID string) ReplayPolicy {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if p, ok := b.policies[subscriberID]; ok {
		return p
	}
	return ReplayCriticalOnly
}

// ReplayOptions narrows which persisted events Replay considers.
type ReplayOptions struct {
	// Since keeps events at or after this time.
	Since time.Time
	// Until keeps events at or before this time. Zero means no upper bound.
	Until time.Time
	// Topic restricts replay to matching topics, trailing wildcard allowed.
	Topic string
	// Priority restricts replay to one priority.
	Priority Priority
	// Limit caps how many persisted events are considered.
	Limit int
}

// Replay redelivers persisted events to one subscriber through the same
// idempotent delivery path as live events. Events are filtered by the
// options, then by the subscriber's currently-registered subscriptions, then
// by its replay policy. It returns the number of events delivered.
func (b *Bus) Replay(ctx context.Context, subscriberID string, opts ReplayOptions) (int, error) {
	if b.log == nil {
		return 0, errors.New("replay requires event persistence")
	}

	policy := b.ReplayPolicyFor(subscriberID)
	if policy == ReplayNone {
		return 0, nil
	}

	events, err := b.log.Load(LoadFilter{
		Topic:    opts.Topic,
		Since:    opts.Since,
		Until:    opts.Until,
		Priority: opts.Priority,
		Limit:    opts.Limit,
	})
	if err != nil {
		return 0, fmt.Errorf("load persisted events: %w", err)
	}

	b.mu.RLock()
	var subs []*subscription
	for _, bySub := range b.subs {
		if sub, ok := bySub[subscriberID]; ok {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	if len(subs) == 0 {
		return 0, nil
	}

	count := 0
	for _, evt := range events {
		if !policy.allows(evt) {
			continue
		}
		for _, sub := range subs {
			if !TopicMatches(sub.topic, evt.Topic) || !sub.wants(evt) {
				continue
			}
			if !b.firstDelivery(subscriberID, evt.ID) {
				b.deduplicated.Add(1)
				break
			}
			b.invoke(ctx, sub, evt)
			b.replayed.Add(1)
			count++
			break
		}
	}
	return count, nil
}

// ClearEventHistory removes persisted events matching the given scope: a
// non-empty sessionID restricts to that session, a non-zero olderThan to
// events published before it. Both zero clears everything.
func (b *Bus) ClearEventHistory(sessionID string, olderThan time.Time) error {
	if b.log == nil {
		return nil
	}
	return b.log.Prune(func(evt *Event) bool {
		if sessionID != "" && evt.SessionID != sessionID {
			return true
		}
		if !olderThan.IsZero() && !evt.Timestamp.Before(olderThan) {
			return true
		}
		return false
	})
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published     uint64        `json:"published"`
	Delivered     uint64        `json:"delivered"`
	HandlerErrors uint64        `json:"handlerErrors"`
	Deduplicated  uint64        `json:"deduplicated"`
	Replayed      uint64        `json:"replayed"`
	Topics        int           `json:"topics"`
	Subscriptions int           `json:"subscriptions"`
	LatencyP95    time.Duration `json:"latencyP95"`
}

// GetStats returns current bus counters.
func (b *Bus) GetStats() Stats {
	b.mu.RLock()
	topics := len(b.subs)
	subscriptions := 0
	for _, bySub := range b.subs {
		subscriptions += len(bySub)
	}
	b.mu.RUnlock()

	return Stats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Deduplicated:  b.deduplicated.Load(),
		Replayed:      b.replayed.Load(),
		Topics:        topics,
		Subscriptions: subscriptions,
		LatencyP95:    b.latency.p95(time.Now()),
	}
}

// Start launches the periodic retention purge of persisted events.
func (b *Bus) Start() error {
	if b.log == nil {
		return nil
	}

	b.cronMu.Lock()
	defer b.cronMu.Unlock()

	if b.sweeper != nil {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(retentionSweepSpec, func() {
		cutoff := time.Now().Add(-b.retention)
		if err := b.log.PurgeOlderThan(cutoff); err != nil {
			b.logger.Error("event retention purge failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule retention purge: %w", err)
	}

	c.Start()
	b.sweeper = c
	return nil
}

// Stop halts the retention purge.
func (b *Bus) Stop() {
	b.cronMu.Lock()
	sweeper := b.sweeper
	b.sweeper = nil
	b.cronMu.Unlock()

	if sweeper != nil {
		<-sweeper.Stop().Done()
	}
}
