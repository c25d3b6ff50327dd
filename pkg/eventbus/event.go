// Package eventbus provides an in-process topic-based publish/subscribe
// router with append-only persistence, configurable replay and at-least-once
// delivery. Handlers must be idempotent: a bounded processed-id registry per
// subscriber, not exactly-once delivery, is what prevents duplicate handler
// invocation on redelivery and replay.
package eventbus

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority classifies an event for filtering and replay decisions.
type Priority string

const (
	// PriorityNormal is the default event priority.
	PriorityNormal Priority = "normal"
	// PriorityCritical marks events that must survive replay-policy
	// filtering and fleet incidents.
	PriorityCritical Priority = "critical"
)

// Event is an immutable fact published once. It is never mutated after
// publication, only superseded by later events.
type Event struct {
	// ID is a random unique identifier.
	ID string `json:"id"`
	// Topic is a hierarchical routing key, e.g. "agent:started".
	Topic string `json:"topic"`
	// Payload is an opaque serializable value.
	Payload any `json:"payload"`
	// Priority is critical or normal.
	Priority Priority `json:"priority"`
	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`
	// SessionID optionally scopes the event to a session.
	SessionID string `json:"sessionId,omitempty"`
	// ConversationID optionally scopes the event to a conversation.
	ConversationID string `json:"conversationId,omitempty"`
	// Metadata is free-form.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// newEvent builds a published event with identity and timestamp assigned.
func newEvent(topic string, payload any, opts publishOptions) *Event {
	priority := opts.priority
	if priority == "" {
		priority = PriorityNormal
	}
	return &Event{
		ID:             uuid.NewString(),
		Topic:          topic,
		Payload:        payload,
		Priority:       priority,
		Timestamp:      time.Now().UTC(),
		SessionID:      opts.sessionID,
		ConversationID: opts.conversationID,
		Metadata:       opts.metadata,
	}
}

// TopicMatches reports whether a subscription pattern matches an event
// topic. A pattern matches exactly, or by trailing-wildcard prefix:
// "agent:*" matches "agent:started".
func TopicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	}
	return false
}

// ReplayPolicy governs which persisted events are redelivered to a
// subscriber on replay.
type ReplayPolicy string

const (
	// ReplayNone replays nothing.
	ReplayNone ReplayPolicy = "none"
	// ReplayFull replays everything in the requested range.
	ReplayFull ReplayPolicy = "full"
	// ReplayCriticalOnly replays only critical-priority events.
	// This is the default policy.
	ReplayCriticalOnly ReplayPolicy = "critical_only"
)

// allows reports whether the policy permits redelivery of an event.
func (p ReplayPolicy) allows(evt *Event) bool {
	switch p {
	case ReplayFull:
		return true
	case ReplayCriticalOnly:
		return evt.Priority == PriorityCritical
	default:
		return false
	}
}
