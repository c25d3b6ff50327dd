package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aixgo-dev/agentcore/pkg/eventbus"
	"github.com/aixgo-dev/agentcore/pkg/observability"
)

const (
	// DefaultHeartbeatInterval is how often the heartbeat loop checks agents.
	DefaultHeartbeatInterval = 2 * time.Second
	// DefaultMissThreshold is how many consecutive missed heartbeats mark an
	// agent disconnected.
	DefaultMissThreshold = 2
	// DefaultLivenessInterval is how often the liveness loop probes agents.
	DefaultLivenessInterval = 5 * time.Second
	// DefaultRecoveryTimeout bounds a single recovery attempt.
	DefaultRecoveryTimeout = 30 * time.Second

	// degradationEvalInterval is how often the fleet loop re-evaluates
	// degradation mode.
	degradationEvalInterval = 5 * time.Second
)

// Topics published by the monitor.
const (
	TopicAgentFailure   = "health:agent-failure"
	TopicAgentRecovered = "health:agent-recovered"
	TopicRecoveryAlert  = "health:recovery-alert"
	TopicDegradation    = "health:degradation"
)

// agentEntry is the monitor's bookkeeping for one registered agent.
type agentEntry struct {
	agent      Agent
	status     Status
	strategy   RecoveryStrategy
	pinging    bool
	probing    bool
	recovering bool
}

// Monitor watches registered agents and recovers them when they fail.
type Monitor struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry

	bus     *eventbus.Bus
	logger  *slog.Logger
	tracker *degradationTracker

	heartbeatInterval time.Duration
	livenessInterval  time.Duration
	missThreshold     int
	recoveryTimeout   time.Duration
	defaultStrategy   RecoveryStrategy

	runMu   sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool

	failuresSeen atomic.Int64
	recoveries   atomic.Int64
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the structured logger.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// WithHeartbeatInterval overrides the heartbeat check interval.
func WithHeartbeatInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.heartbeatInterval = d
		}
	}
}

// WithLivenessInterval overrides the liveness probe interval.
func WithLivenessInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.livenessInterval = d
		}
	}
}

// WithMissThreshold overrides how many missed heartbeats mark an agent
// disconnected.
func WithMissThreshold(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.missThreshold = n
		}
	}
}

// WithRecoveryTimeout bounds a single recovery attempt.
func WithRecoveryTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.recoveryTimeout = d
		}
	}
}

// WithDefaultStrategy sets the recovery strategy for agents that have no
// per-agent override.
func WithDefaultStrategy(s RecoveryStrategy) MonitorOption {
	return func(m *Monitor) { m.defaultStrategy = s }
}

// NewMonitor creates a monitor publishing on bus. The bus may be nil, in
// which case failure and recovery events are not emitted and post-recovery
// replay is skipped.
func NewMonitor(bus *eventbus.Bus, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		agents:            make(map[string]*agentEntry),
		bus:               bus,
		logger:            slog.Default(),
		tracker:           newDegradationTracker(),
		heartbeatInterval: DefaultHeartbeatInterval,
		livenessInterval:  DefaultLivenessInterval,
		missThreshold:     DefaultMissThreshold,
		recoveryTimeout:   DefaultRecoveryTimeout,
		defaultStrategy:   StrategyRestart,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds an agent to the watch set. The agent starts healthy.
func (m *Monitor) Register(agent Agent) error {
	if agent == nil || agent.ID() == "" {
		return fmt.Errorf("register agent: missing agent id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := agent.ID()
	if _, ok := m.agents[id]; ok {
		return fmt.Errorf("register agent %s: already registered", id)
	}
	now := time.Now()
	m.agents[id] = &agentEntry{
		agent:    agent,
		strategy: m.defaultStrategy,
		status: Status{
			AgentID:       id,
			State:         StatusHealthy,
			LastHeartbeat: now,
			Since:         now,
		},
	}
	m.logger.Info("agent registered", "agent", id)
	return nil
}

// Unregister removes an agent from the watch set.
func (m *Monitor) Unregister(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
}

// SetRecoveryStrategy overrides the recovery strategy for one agent.
func (m *Monitor) SetRecoveryStrategy(agentID string, strategy RecoveryStrategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("set strategy: agent %s not registered", agentID)
	}
	entry.strategy = strategy
	return nil
}

// SendHeartbeat records a heartbeat pushed by the agent itself. A
// disconnected agent that resumes heartbeating is restored to healthy
// without a recovery cycle.
func (m *Monitor) SendHeartbeat(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("heartbeat: agent %s not registered", agentID)
	}
	m.markHeartbeatLocked(entry, time.Now())
	return nil
}

// RecordActivity notes that the agent just processed an event of the given
// type. The monitor stamps the time itself so the replay point only ever
// moves forward; recovery replays from this point.
func (m *Monitor) RecordActivity(agentID, activityType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.agents[agentID]
	if !ok {
		return
	}
	now := time.Now()
	if now.After(entry.status.LastProcessed) {
		entry.status.LastProcessed = now
	}
	m.logger.Debug("agent activity", "agent", agentID, "type", activityType)
}

// GetAgentHealth returns a snapshot of one agent's status.
func (m *Monitor) GetAgentHealth(agentID string) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.agents[agentID]
	if !ok {
		return Status{}, fmt.Errorf("agent %s not registered", agentID)
	}
	return entry.status, nil
}

// GetAllAgentHealth returns a snapshot of every registered agent's status.
func (m *Monitor) GetAllAgentHealth() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.agents))
	for id, entry := range m.agents {
		out[id] = entry.status
	}
	return out
}

// IsDegraded reports whether the fleet is in degradation mode.
func (m *Monitor) IsDegraded() bool {
	return m.tracker.isDegraded()
}

// Start launches the heartbeat, liveness, and degradation loops. The loops
// run until Stop is called.
func (m *Monitor) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})

	m.wg.Add(3)
	go m.heartbeatLoop()
	go m.livenessLoop()
	go m.degradationLoop()
	m.logger.Info("health monitor started",
		"heartbeatInterval", m.heartbeatInterval,
		"livenessInterval", m.livenessInterval)
}

// Stop halts all monitoring loops and waits for them to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.runMu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkHeartbeats()
		}
	}
}

func (m *Monitor) livenessLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.probeLiveness()
		}
	}
}

func (m *Monitor) degradationLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(degradationEvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.evaluateDegradation()
		}
	}
}

// checkHeartbeats pings every agent, one goroutine per agent so a hung
// agent never delays checks on the others. An agent already being pinged
// from the previous tick is skipped.
func (m *Monitor) checkHeartbeats() {
	m.mu.Lock()
	var due []*agentEntry
	for _, entry := range m.agents {
		if entry.pinging || entry.recovering {
			continue
		}
		entry.pinging = true
		due = append(due, entry)
	}
	m.mu.Unlock()

	for _, entry := range due {
		go m.pingAgent(entry)
	}
}

func (m *Monitor) pingAgent(entry *agentEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), m.heartbeatInterval)
	err := entry.agent.Ping(ctx)
	cancel()

	m.mu.Lock()
	entry.pinging = false
	if err == nil {
		m.markHeartbeatLocked(entry, time.Now())
		m.mu.Unlock()
		return
	}

	entry.status.MissedHeartbeats++
	entry.status.LastError = err.Error()
	missed := entry.status.MissedHeartbeats
	disconnected := missed >= m.missThreshold && entry.status.State == StatusHealthy
	if disconnected {
		m.transitionLocked(entry, StatusDisconnected)
	}
	id := entry.status.AgentID
	m.mu.Unlock()

	if disconnected {
		m.logger.Warn("agent disconnected",
			"agent", id, "missedHeartbeats", missed, "error", err)
		m.onFailure(entry, "missed heartbeats")
	}
}

// probeLiveness runs the deeper probe against agents that look healthy on
// the heartbeat path. An agent that heartbeats but fails its probe is a
// zombie. Zombies keep being probed so one that starts responding again is
// restored without a recovery cycle.
func (m *Monitor) probeLiveness() {
	m.mu.Lock()
	var due []*agentEntry
	for _, entry := range m.agents {
		if entry.probing || entry.recovering {
			continue
		}
		switch entry.status.State {
		case StatusHealthy, StatusDegraded, StatusZombie:
		default:
			continue
		}
		entry.probing = true
		due = append(due, entry)
	}
	m.mu.Unlock()

	for _, entry := range due {
		go m.probeAgent(entry)
	}
}

func (m *Monitor) probeAgent(entry *agentEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), m.livenessInterval)
	err := entry.agent.Probe(ctx)
	cancel()

	m.mu.Lock()
	entry.probing = false
	entry.status.LastProbe = time.Now()
	if err == nil {
		if entry.status.State == StatusZombie {
			entry.status.LastError = ""
			m.transitionLocked(entry, StatusHealthy)
			id := entry.status.AgentID
			m.mu.Unlock()
			m.logger.Info("agent liveness resumed", "agent", id)
			return
		}
		m.mu.Unlock()
		return
	}

	entry.status.LastError = err.Error()
	zombie := entry.status.State == StatusHealthy || entry.status.State == StatusDegraded
	if zombie {
		m.transitionLocked(entry, StatusZombie)
	}
	id := entry.status.AgentID
	m.mu.Unlock()

	if zombie {
		m.logger.Warn("agent is a zombie", "agent", id, "error", err)
		m.onZombie(entry)
	}
}

func (m *Monitor) evaluateDegradation() {
	degraded, changed := m.tracker.evaluate(time.Now(), m.failedAgents())
	if !changed {
		return
	}
	if degraded {
		m.logger.Error("fleet entering degradation mode",
			"recentFailures", m.tracker.recentFailures(time.Now()))
	} else {
		m.logger.Info("fleet leaving degradation mode")
	}
	if m.bus != nil {
		_, err := m.bus.Publish(context.Background(), TopicDegradation,
			map[string]any{"degraded": degraded}, eventbus.Critical())
		if err != nil {
			m.logger.Warn("publish degradation event failed", "error", err)
		}
	}
}

// failedAgents counts agents currently disconnected or failed. Zombies are
// excluded: they still heartbeat and may recover on their own.
func (m *Monitor) failedAgents() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, entry := range m.agents {
		switch entry.status.State {
		case StatusDisconnected, StatusFailed:
			n++
		}
	}
	return n
}

// onFailure records a disconnection fleet-wide and kicks off recovery in
// its own goroutine so detection loops keep running.
func (m *Monitor) onFailure(entry *agentEntry, reason string) {
	m.failuresSeen.Add(1)
	m.tracker.recordFailure(time.Now())
	m.publishFailure(entry, reason)
	m.recoverAsync(entry)
}

// onZombie reports a zombie agent. Zombies do not count toward fleet
// degradation (they still heartbeat) and enter recovery only when the
// strategy can actually remediate; alert and none leave the agent zombie so
// the probe loop can watch it come back on its own.
func (m *Monitor) onZombie(entry *agentEntry) {
	m.failuresSeen.Add(1)
	m.publishFailure(entry, "liveness probe failed")

	m.mu.RLock()
	strategy := entry.strategy
	m.mu.RUnlock()

	if strategy == StrategyRestart || strategy == StrategyReplace {
		m.recoverAsync(entry)
	}
}

func (m *Monitor) publishFailure(entry *agentEntry, reason string) {
	m.mu.RLock()
	id := entry.status.AgentID
	state := entry.status.State
	m.mu.RUnlock()

	if m.bus == nil {
		return
	}
	_, err := m.bus.Publish(context.Background(), TopicAgentFailure,
		map[string]any{"agentId": id, "state": string(state), "reason": reason},
		eventbus.Critical())
	if err != nil {
		m.logger.Warn("publish failure event failed", "agent", id, "error", err)
	}
}

func (m *Monitor) recoverAsync(entry *agentEntry) {
	m.mu.RLock()
	id := entry.status.AgentID
	m.mu.RUnlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.recoveryTimeout)
		defer cancel()
		if _, err := m.RecoverAgent(ctx, id); err != nil {
			m.logger.Error("recovery failed", "agent", id, "error", err)
		}
	}()
}

// RecoverAgent applies the agent's recovery strategy. On a successful
// restart or replace the monitor replays events the agent missed since its
// last recorded activity; if no activity was ever recorded, or replay
// fails, the agent comes back degraded instead of healthy. The alert and
// none strategies take no remedial action and leave the agent's state
// untouched, so a resumed heartbeat or passing probe can still restore it.
func (m *Monitor) RecoverAgent(ctx context.Context, agentID string) (RecoveryResult, error) {
	m.mu.Lock()
	entry, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return RecoveryResult{}, fmt.Errorf("recover: agent %s not registered", agentID)
	}
	if entry.recovering {
		m.mu.Unlock()
		return RecoveryResult{}, fmt.Errorf("recover: agent %s recovery already in flight", agentID)
	}
	entry.recovering = true
	strategy := entry.strategy
	if strategy == StrategyRestart || strategy == StrategyReplace {
		m.transitionLocked(entry, StatusRecovering)
	}
	m.mu.Unlock()

	start := time.Now()
	result := RecoveryResult{AgentID: agentID, Strategy: strategy}

	defer func() {
		result.Duration = time.Since(start)
		status := "failure"
		if result.Success {
			status = "success"
			m.recoveries.Add(1)
		}
		if strategy == StrategyRestart || strategy == StrategyReplace {
			observability.RecordRecovery(string(strategy), status)
		}
		m.mu.Lock()
		entry.recovering = false
		m.mu.Unlock()
	}()

	switch strategy {
	case StrategyNone:
		m.logger.Info("recovery disabled for agent", "agent", agentID)
		return result, nil

	case StrategyAlert:
		if m.bus != nil {
			_, err := m.bus.Publish(ctx, TopicRecoveryAlert,
				map[string]any{"agentId": agentID, "strategy": string(strategy)},
				eventbus.Critical())
			if err != nil {
				result.Err = fmt.Errorf("publish recovery alert: %w", err)
			}
		}
		return result, result.Err

	case StrategyRestart:
		r, ok := entry.agent.(Restarter)
		if !ok {
			result.Err = fmt.Errorf("agent %s does not support restart", agentID)
			m.settle(entry, StatusFailed)
			return result, result.Err
		}
		if err := r.Restart(ctx); err != nil {
			result.Err = fmt.Errorf("restart agent %s: %w", agentID, err)
			m.settle(entry, StatusFailed)
			return result, result.Err
		}

	case StrategyReplace:
		r, ok := entry.agent.(Replacer)
		if !ok {
			result.Err = fmt.Errorf("agent %s does not support replacement", agentID)
			m.settle(entry, StatusFailed)
			return result, result.Err
		}
		replacement, err := r.Replace(ctx)
		if err != nil {
			result.Err = fmt.Errorf("replace agent %s: %w", agentID, err)
			m.settle(entry, StatusFailed)
			return result, result.Err
		}
		m.mu.Lock()
		entry.agent = replacement
		m.mu.Unlock()

	default:
		result.Err = fmt.Errorf("unknown recovery strategy %q", strategy)
		m.settle(entry, StatusFailed)
		return result, result.Err
	}

	// Restart or replace succeeded; catch the agent up on what it missed.
	result.Success = true
	final := StatusHealthy

	m.mu.RLock()
	since := entry.status.LastProcessed
	m.mu.RUnlock()

	switch {
	case m.bus == nil || since.IsZero():
		// No way to know what was missed.
		final = StatusDegraded
	default:
		replayed, err := m.bus.Replay(ctx, agentID, eventbus.ReplayOptions{Since: since})
		result.Replayed = replayed
		if err != nil {
			m.logger.Warn("post-recovery replay failed", "agent", agentID, "error", err)
			final = StatusDegraded
		}
	}

	m.mu.Lock()
	entry.status.MissedHeartbeats = 0
	entry.status.LastHeartbeat = time.Now()
	entry.status.LastError = ""
	entry.status.Failures++
	m.transitionLocked(entry, final)
	m.mu.Unlock()

	m.logger.Info("agent recovered",
		"agent", agentID, "strategy", strategy, "state", final, "replayed", result.Replayed)

	if m.bus != nil {
		_, err := m.bus.Publish(ctx, TopicAgentRecovered,
			map[string]any{
				"agentId":  agentID,
				"strategy": string(strategy),
				"state":    string(final),
				"replayed": result.Replayed,
			})
		if err != nil {
			m.logger.Warn("publish recovery event failed", "agent", agentID, "error", err)
		}
	}
	return result, nil
}

// settle moves an agent to a terminal post-recovery state.
func (m *Monitor) settle(entry *agentEntry, state AgentStatus) {
	m.mu.Lock()
	entry.status.Failures++
	m.transitionLocked(entry, state)
	m.mu.Unlock()
}

// markHeartbeatLocked records a successful heartbeat. Callers hold m.mu.
func (m *Monitor) markHeartbeatLocked(entry *agentEntry, now time.Time) {
	entry.status.LastHeartbeat = now
	entry.status.MissedHeartbeats = 0
	if entry.status.State == StatusDisconnected {
		m.transitionLocked(entry, StatusHealthy)
	}
}

// transitionLocked changes an agent's state. Callers hold m.mu.
func (m *Monitor) transitionLocked(entry *agentEntry, state AgentStatus) {
	if entry.status.State == state {
		return
	}
	entry.status.State = state
	entry.status.Since = time.Now()
	observability.RecordAgentStateTransition(string(state))
}

// MonitorStats summarizes the monitor's counters.
type MonitorStats struct {
	Agents         int   `json:"agents"`
	Healthy        int   `json:"healthy"`
	Degraded       bool  `json:"degraded"`
	RecentFailures int   `json:"recentFailures"`
	FailuresSeen   int64 `json:"failuresSeen"`
	Recoveries     int64 `json:"recoveries"`
}

// Stats returns a snapshot of the monitor's counters.
func (m *Monitor) Stats() MonitorStats {
	m.mu.RLock()
	agents := len(m.agents)
	healthy := 0
	for _, entry := range m.agents {
		if entry.status.State == StatusHealthy {
			healthy++
		}
	}
	m.mu.RUnlock()

	return MonitorStats{
		Agents:         agents,
		Healthy:        healthy,
		Degraded:       m.tracker.isDegraded(),
		RecentFailures: m.tracker.recentFailures(time.Now()),
		FailuresSeen:   m.failuresSeen.Load(),
		Recoveries:     m.recoveries.Load(),
	}
}
