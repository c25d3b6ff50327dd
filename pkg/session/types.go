// Package session provides durable conversation state for agentcore.
// It defines the storage backend contract, four interchangeable backends
// (memory, file, Redis, SQLite) and a Manager that enforces optimistic
// locking, state transitions and expiration sweeps on top of them.
package session

import (
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateActive is a live session accepting messages.
	StateActive State = "active"
	// StatePaused is a suspended session that can be resumed.
	StatePaused State = "paused"
	// StateExpired marks a session whose expiry has passed.
	StateExpired State = "expired"
	// StateInvalidated marks a session awaiting cleanup.
	StateInvalidated State = "invalidated_pending_cleanup"
	// StateClosed is terminal. No transitions leave it.
	StateClosed State = "closed"
)

// Valid reports whether s is one of the known session states.
func (s State) Valid() bool {
	switch s {
	case StateActive, StatePaused, StateExpired, StateInvalidated, StateClosed:
		return true
	}
	return false
}

// transitions is the allowed state transition table.
var transitions = map[State][]State{
	StateActive:      {StatePaused, StateClosed},
	StatePaused:      {StateActive, StateClosed},
	StateExpired:     {StateClosed},
	StateInvalidated: {StateClosed},
	StateClosed:      {},
}

// CanTransition reports whether a session may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// AgentResponse is a single agent's reply within a message turn.
type AgentResponse struct {
	// AgentID identifies the responding agent.
	AgentID string `json:"agentId"`
	// Content is the response text.
	Content string `json:"content"`
	// Timestamp is when the response was produced.
	Timestamp time.Time `json:"timestamp"`
}

// MessageTurn is one ordered turn of conversation: a user message and the
// agent responses it produced.
type MessageTurn struct {
	// Seq is the turn's position in the conversation, starting at 1.
	Seq int `json:"seq"`
	// Timestamp is when the turn was recorded.
	Timestamp time.Time `json:"timestamp"`
	// UserMessage is the user's input for this turn.
	UserMessage string `json:"userMessage"`
	// Responses holds one or more agent replies.
	Responses []AgentResponse `json:"responses,omitempty"`
}

// ContextField is a single context variable with a trimmable flag so
// context-window management above the core knows what it may drop.
type ContextField struct {
	Value     any  `json:"value"`
	Trimmable bool `json:"trimmable,omitempty"`
}

// AgentState is the per-agent slice of a session: a configuration snapshot,
// working context and a bounded recent-message window.
type AgentState struct {
	// Config is a snapshot of the agent's configuration at join time.
	Config map[string]any `json:"config,omitempty"`
	// Context holds the agent's working variables.
	Context map[string]ContextField `json:"context,omitempty"`
	// RecentMessages is a bounded window of the agent's latest messages.
	RecentMessages []string `json:"recentMessages,omitempty"`
}

// MaxRecentMessages bounds the per-agent recent message window.
const MaxRecentMessages = 50

// Session is a durable conversation context shared by one or more agents.
// Version is the sole concurrency-control token: a save is accepted iff the
// writer's expected version matches the version currently in storage.
type Session struct {
	// ID is a random 128-bit identifier (UUID).
	ID string `json:"id"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the session was last persisted.
	UpdatedAt time.Time `json:"updatedAt"`
	// ExpiresAt is when the session becomes eligible for cleanup.
	// Always after CreatedAt.
	ExpiresAt time.Time `json:"expiresAt"`
	// State is the lifecycle state.
	State State `json:"state"`
	// AgentIDs lists participating agents.
	AgentIDs []string `json:"agentIds,omitempty"`
	// AgentStates maps agent ID to that agent's session-scoped state.
	AgentStates map[string]*AgentState `json:"agentStates,omitempty"`
	// History is the ordered conversation transcript.
	History []MessageTurn `json:"conversationHistory,omitempty"`
	// SharedContext holds variables visible to all participants.
	SharedContext map[string]any `json:"sharedContext,omitempty"`
	// Metadata is free-form (user id, tags, ...).
	Metadata map[string]any `json:"metadata,omitempty"`
	// Version increments by exactly one on every successful save.
	Version int64 `json:"version"`
}

// Expired reports whether the session's expiry has passed at t.
func (s *Session) Expired(t time.Time) bool {
	return !s.ExpiresAt.IsZero() && t.After(s.ExpiresAt)
}

// AddTurn appends a conversation turn with the next sequence number.
func (s *Session) AddTurn(userMessage string, responses ...AgentResponse) {
	s.History = append(s.History, MessageTurn{
		Seq:         len(s.History) + 1,
		Timestamp:   time.Now().UTC(),
		UserMessage: userMessage,
		Responses:   responses,
	})
}

// SetAgentState installs or replaces an agent's state, registering the
// agent ID and trimming the recent-message window to its bound.
func (s *Session) SetAgentState(agentID string, state *AgentState) {
	if s.AgentStates == nil {
		s.AgentStates = make(map[string]*AgentState)
	}
	if state != nil && len(state.RecentMessages) > MaxRecentMessages {
		state.RecentMessages = state.RecentMessages[len(state.RecentMessages)-MaxRecentMessages:]
	}
	s.AgentStates[agentID] = state

	for _, id := range s.AgentIDs {
		if id == agentID {
			return
		}
	}
	s.AgentIDs = append(s.AgentIDs, agentID)
}
