// Package dispatch fans out store/IMAP events to matching listener
// rules and exposes the capability context (notify, archive, star,
// label, callAgent) those rules act through. The dispatcher never lets
// a listener's failure escape: every handler invocation is isolated,
// logged, and skipped on error, matching "Dispatcher never raises."
package dispatch

import "time"

// EventKind is one of the six dispatchable event kinds.
type EventKind string

const (
	EventEmailReceived EventKind = "email_received"
	EventEmailSent     EventKind = "email_sent"
	EventEmailStarred  EventKind = "email_starred"
	EventEmailArchived EventKind = "email_archived"
	EventEmailLabeled  EventKind = "email_labeled"
	EventScheduledTime EventKind = "scheduled_time"
)

// Priority is the urgency of a notify() call.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Notification is emitted by context.notify and broadcast to the UI
// as a listener_notification WebSocket frame.
type Notification struct {
	ListenerID   string    `json:"listener_id"`
	ListenerName string    `json:"listener_name"`
	Priority     Priority  `json:"priority"`
	Message      string    `json:"message"`
	MessageID    string    `json:"message_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
