package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/agentcore/pkg/observability"
)

const (
	// DefaultTTL is the default session lifetime.
	DefaultTTL = time.Hour
	// DefaultSweepInterval is how often the background cleanup runs.
	DefaultSweepInterval = 5 * time.Minute

	// saveRetries is the conflict retry budget for plain saves.
	saveRetries = 3
	// messageRetries is the conflict retry budget for message appends,
	// the highest-contention path.
	messageRetries = 5
	// backoffStep is the linear backoff unit between conflict retries.
	backoffStep = 100 * time.Millisecond
)

// Manager owns session lifecycle on top of a Store. It enforces the
// optimistic-locking write discipline, the state transition table and
// expiration sweeps. Manager is safe for concurrent use and never depends
// on a concrete backend.
type Manager struct {
	store  Store
	logger *slog.Logger
	tracer trace.Tracer

	defaultTTL    time.Duration
	sweepInterval time.Duration
	sweepGrace    time.Duration

	mu      sync.Mutex
	sweeper *cron.Cron
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithDefaultTTL overrides the default session lifetime.
func WithDefaultTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.defaultTTL = ttl }
}

// WithSweepInterval overrides how often the background cleanup runs.
func WithSweepInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) { m.sweepInterval = interval }
}

// WithSweepGrace sets how long past expiry a session survives before the
// sweep deletes it.
func WithSweepGrace(grace time.Duration) ManagerOption {
	return func(m *Manager) { m.sweepGrace = grace }
}

// NewManager creates a session manager backed by the given store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:         store,
		logger:        slog.Default(),
		tracer:        otel.Tracer("agentcore/session"),
		defaultTTL:    DefaultTTL,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateOptions configures session creation.
type CreateOptions struct {
	// TTL overrides the default session lifetime.
	TTL time.Duration
	// AgentIDs pre-registers participating agents.
	AgentIDs []string
	// SharedContext seeds the shared variable map.
	SharedContext map[string]any
	// Metadata seeds the free-form metadata map.
	Metadata map[string]any
}

// CreateSession builds a new active session with version 1. It is NOT
// persisted; the caller must SaveSession explicitly.
func (m *Manager) CreateSession(opts *CreateOptions) *Session {
	if opts == nil {
		opts = &CreateOptions{}
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	now := time.Now().UTC()
	s := &Session{
		ID:            uuid.New().String(),
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		State:         StateActive,
		AgentIDs:      opts.AgentIDs,
		SharedContext: opts.SharedContext,
		Metadata:      opts.Metadata,
		Version:       1,
	}
	if len(opts.AgentIDs) > 0 {
		s.AgentStates = make(map[string]*AgentState, len(opts.AgentIDs))
		for _, id := range opts.AgentIDs {
			s.AgentStates[id] = &AgentState{}
		}
	}
	return s
}

// validateID checks that an identifier parses as a UUID.
func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return &ValidationError{Field: "session id", Reason: fmt.Sprintf("not a valid UUID: %q", id)}
	}
	return nil
}

// SaveSession persists a session under optimistic locking. The session's
// version is incremented and UpdatedAt stamped on success. Version conflicts
// are retried with linear backoff; a save whose base version is genuinely
// stale still fails with ConflictError once the budget is exhausted. The
// caller's copy is never silently merged with storage.
func (m *Manager) SaveSession(ctx context.Context, s *Session) error {
	if s == nil {
		return &ValidationError{Field: "session", Reason: "must not be nil"}
	}
	if err := validateID(s.ID); err != nil {
		return err
	}

	ctx, span := m.tracer.Start(ctx, "session.Save",
		trace.WithAttributes(attribute.String("session.id", s.ID)))
	defer span.End()

	var lastErr error
	for attempt := 0; attempt <= saveRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*backoffStep); err != nil {
				return err
			}
		}

		s.Version++
		s.UpdatedAt = time.Now().UTC()

		err := m.store.SaveSession(ctx, s)
		if err == nil {
			observability.RecordSessionSave("success")
			return nil
		}
		s.Version--

		if !IsConflict(err) {
			observability.RecordSessionSave("error")
			return err
		}
		observability.RecordSessionConflict()
		lastErr = err
		m.logger.Debug("session save conflict, retrying",
			"session_id", s.ID, "attempt", attempt+1)
	}
	observability.RecordSessionSave("conflict")
	return lastErr
}

// RestoreSession retrieves a stored session by ID.
func (m *Manager) RestoreSession(ctx context.Context, id string) (*Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	ctx, span := m.tracer.Start(ctx, "session.Restore",
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	return m.store.GetSession(ctx, id)
}

// DeleteSession removes a session permanently.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	return m.store.DeleteSession(ctx, id)
}

// ListSessions returns sessions matching the filter.
func (m *Manager) ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error) {
	return m.store.ListSessions(ctx, opts)
}

// UpdateSessionState transitions a session to a new lifecycle state,
// enforcing the transition table. Returns ErrSessionNotFound if the session
// is absent and a ValidationError for a disallowed transition.
func (m *Manager) UpdateSessionState(ctx context.Context, id string, next State) (*Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if !next.Valid() {
		return nil, &ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", next)}
	}

	return m.readModifyWrite(ctx, id, saveRetries, func(s *Session) error {
		if !s.State.CanTransition(next) {
			return &ValidationError{
				Field:  "state",
				Reason: fmt.Sprintf("transition %s -> %s not allowed", s.State, next),
			}
		}
		s.State = next
		return nil
	})
}

// AddMessage appends a conversation turn to a session with the conflict
// retry discipline. Message appends are the highest-contention path, so the
// retry budget is higher than for plain saves.
func (m *Manager) AddMessage(ctx context.Context, id, userMessage string, responses ...AgentResponse) (*Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	ctx, span := m.tracer.Start(ctx, "session.AddMessage",
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	return m.readModifyWrite(ctx, id, messageRetries, func(s *Session) error {
		if s.State != StateActive {
			return &ValidationError{
				Field:  "state",
				Reason: fmt.Sprintf("cannot add message to %s session", s.State),
			}
		}
		s.AddTurn(userMessage, responses...)
		return nil
	})
}

// UpdateAgentState installs or replaces one agent's state within a session.
func (m *Manager) UpdateAgentState(ctx context.Context, id, agentID string, state *AgentState) (*Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if agentID == "" {
		return nil, &ValidationError{Field: "agent id", Reason: "must not be empty"}
	}

	return m.readModifyWrite(ctx, id, saveRetries, func(s *Session) error {
		s.SetAgentState(agentID, state)
		return nil
	})
}

// readModifyWrite reloads the session and reapplies mutate on every conflict,
// so concurrent writers race on the version and losers retry against the
// now-current copy.
func (m *Manager) readModifyWrite(ctx context.Context, id string, retries int, mutate func(*Session) error) (*Session, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*backoffStep); err != nil {
				return nil, err
			}
		}

		s, err := m.store.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(s); err != nil {
			return nil, err
		}

		s.Version++
		s.UpdatedAt = time.Now().UTC()

		err = m.store.SaveSession(ctx, s)
		if err == nil {
			observability.RecordSessionSave("success")
			return s, nil
		}
		if !IsConflict(err) {
			observability.RecordSessionSave("error")
			return nil, err
		}
		observability.RecordSessionConflict()
		lastErr = err
		m.logger.Debug("session write conflict, reloading",
			"session_id", id, "attempt", attempt+1)
	}
	observability.RecordSessionSave("conflict")
	return nil, lastErr
}

// CleanupExpiredSessions scans all sessions, moves expired active/paused
// sessions to the expired state, and deletes sessions whose expiry passed
// more than grace ago. It returns the number of sessions deleted.
func (m *Manager) CleanupExpiredSessions(ctx context.Context, grace time.Duration) (int, error) {
	ctx, span := m.tracer.Start(ctx, "session.Cleanup")
	defer span.End()

	sessions, err := m.store.ListSessions(ctx, ListOptions{})
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	deleted := 0
	for _, s := range sessions {
		if !s.Expired(now) {
			continue
		}

		if now.Sub(s.ExpiresAt) >= grace {
			if err := m.store.DeleteSession(ctx, s.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
				return deleted, err
			}
			deleted++
			continue
		}

		if s.State == StateActive || s.State == StatePaused {
			s.State = StateExpired
			s.Version++
			s.UpdatedAt = now
			if err := m.store.SaveSession(ctx, s); err != nil && !IsConflict(err) {
				return deleted, err
			}
		}
	}

	span.SetAttributes(attribute.Int("sessions.deleted", deleted))
	observability.RecordSessionsCleaned(deleted)
	return deleted, nil
}

// Stats aggregates storage stats into session-state counts.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	return m.store.Stats(ctx)
}

// Start launches the periodic cleanup sweep.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sweeper != nil {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", m.sweepInterval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.sweepInterval)
		defer cancel()

		deleted, err := m.CleanupExpiredSessions(ctx, m.sweepGrace)
		if err != nil {
			m.logger.Error("session cleanup sweep failed", "error", err)
			return
		}
		if deleted > 0 {
			m.logger.Info("session cleanup sweep", "deleted", deleted)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cleanup sweep: %w", err)
	}

	c.Start()
	m.sweeper = c
	return nil
}

// Stop halts the cleanup sweep and waits for an in-flight run to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	sweeper := m.sweeper
	m.sweeper = nil
	m.mu.Unlock()

	if sweeper != nil {
		<-sweeper.Stop().Done()
	}
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
