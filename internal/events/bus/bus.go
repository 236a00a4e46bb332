// Package bus provides the typed event plane connecting codeman's
// supervision components (sessions, trackers, respawn controllers, fanout).
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`    // client-facing event name, e.g. "session:output"
	SessionID string                 `json:"session_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, sessionID string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
//
// Ordering: events published on the same subject are delivered to each
// subscriber in publish order. The respawn controller relies on this for
// its single-inbox view of tracker and session events.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// Patterns use NATS-style wildcards: * (one token) and > (rest).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}

// Subjects. Session-scoped subjects embed the session id as the second
// token so consumers can subscribe per session ("session.<id>.*") or
// globally ("session.*.status").
const (
	tokenSession = "session"
	tokenRalph   = "ralph"
	tokenRespawn = "respawn"
	tokenHook    = "hook"
)

// SessionSubject returns "session.<id>.<kind>".
func SessionSubject(sessionID, kind string) string {
	return tokenSession + "." + sessionID + "." + kind
}

// RalphSubject returns "ralph.<id>.<kind>".
func RalphSubject(sessionID, kind string) string {
	return tokenRalph + "." + sessionID + "." + kind
}

// RespawnSubject returns "respawn.<id>.<kind>".
func RespawnSubject(sessionID, kind string) string {
	return tokenRespawn + "." + sessionID + "." + kind
}

// HookSubject returns "hook.<kind>".
func HookSubject(kind string) string {
	return tokenHook + "." + kind
}
