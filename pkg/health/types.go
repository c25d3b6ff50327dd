// Package health tracks the liveness of registered agents and drives
// automatic recovery when they fail.
//
// Detection runs on three independent loops: a heartbeat loop that marks
// agents disconnected after consecutive missed heartbeats, a liveness loop
// that probes for zombie agents (heartbeating but unresponsive), and a
// fleet-level loop that toggles degradation mode based on the recent
// failure rate. None of the loops block each other; a slow probe against
// one agent never delays detection for the rest.
package health

import (
	"context"
	"time"
)

// AgentStatus describes the monitor's view of a single agent.
type AgentStatus string

const (
	// StatusHealthy means heartbeats and probes are both current.
	StatusHealthy AgentStatus = "healthy"
	// StatusDisconnected means the agent missed consecutive heartbeats.
	StatusDisconnected AgentStatus = "disconnected"
	// StatusZombie means the agent heartbeats but fails liveness probes.
	StatusZombie AgentStatus = "zombie"
	// StatusRecovering means a recovery attempt is in flight.
	StatusRecovering AgentStatus = "recovering"
	// StatusDegraded means the agent recovered but lost events it could
	// not replay.
	StatusDegraded AgentStatus = "degraded"
	// StatusFailed means recovery was attempted and did not succeed.
	StatusFailed AgentStatus = "failed"
)

// RecoveryStrategy selects what the monitor does when an agent fails.
type RecoveryStrategy string

const (
	// StrategyRestart restarts the failed agent in place.
	StrategyRestart RecoveryStrategy = "restart"
	// StrategyReplace provisions a fresh instance to take over.
	StrategyReplace RecoveryStrategy = "replace"
	// StrategyAlert emits an alert event and leaves the agent down.
	StrategyAlert RecoveryStrategy = "alert"
	// StrategyNone disables automatic recovery for the agent.
	StrategyNone RecoveryStrategy = "none"
)

// Agent is the minimal surface the monitor needs from a managed agent.
type Agent interface {
	// ID returns the agent's stable identifier.
	ID() string
	// Ping is a cheap reachability check used by the heartbeat loop.
	Ping(ctx context.Context) error
	// Probe is a deeper liveness check that exercises the agent's event
	// handling path. An agent that Pings but fails Probe is a zombie.
	Probe(ctx context.Context) error
}

// Restarter is implemented by agents that support in-place restart.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Replacer is implemented by agents that can hand off to a fresh instance.
// The returned agent takes over the failed agent's registration.
type Replacer interface {
	Replace(ctx context.Context) (Agent, error)
}

// Status is a point-in-time snapshot of one agent's health.
type Status struct {
	AgentID          string      `json:"agentId"`
	State            AgentStatus `json:"state"`
	LastHeartbeat    time.Time   `json:"lastHeartbeat"`
	MissedHeartbeats int         `json:"missedHeartbeats"`
	LastProbe        time.Time   `json:"lastProbe"`
	LastProcessed    time.Time   `json:"lastProcessed"`
	Failures         int         `json:"failures"`
	LastError        string      `json:"lastError,omitempty"`
	Since            time.Time   `json:"since"`
}

// RecoveryResult reports the outcome of a recovery attempt.
type RecoveryResult struct {
	AgentID  string           `json:"agentId"`
	Strategy RecoveryStrategy `json:"strategy"`
	Success  bool             `json:"success"`
	Replayed int              `json:"replayed"`
	Duration time.Duration    `json:"duration"`
	Err      error            `json:"-"`
}
