// Package types defines the shared domain types for the RallyPoint scheduling
// core: schedule entries, schedule kinds, the outbound event envelope, and the
// application error type. It has no dependencies on other internal packages so
// every layer can import it freely.
package types

import "time"

// ScheduleKind discriminates which event-builder and routing logic applies to
// a schedule entry. Each kind runs as exactly one scheduler process.
type ScheduleKind string

const (
	// KindReminder fires session reminder notifications ahead of start time.
	KindReminder ScheduleKind = "reminder"
	// KindJoinNotification announces a participant joining an upcoming session.
	KindJoinNotification ScheduleKind = "join_notification"
	// KindStatusTransition moves a session between lifecycle states
	// (e.g. open -> locked -> started) at the scheduled moment.
	KindStatusTransition ScheduleKind = "status_transition"
)

// Valid reports whether k is a known schedule kind.
func (k ScheduleKind) Valid() bool {
	switch k {
	case KindReminder, KindJoinNotification, KindStatusTransition:
		return true
	}
	return false
}

// ScheduleEntry is one row of the schedule_entries table: a single future
// action awaiting execution. The executed flag transitions false -> true
// exactly once and never reverses. DueAt is immutable after creation;
// rescheduling deletes and recreates the row. Deleting the parent session
// cascade-deletes pending entries, cancelling them without any event.
type ScheduleEntry struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	GuildID   string         `json:"guild_id"`
	DueAt     time.Time      `json:"due_at"`
	Executed  bool           `json:"executed"`
	Kind      ScheduleKind   `json:"kind"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// EventSchemaVersion is the current version of the outbound event envelope.
const EventSchemaVersion = 1

// Event is the versioned structured payload published to the broker when a
// schedule entry comes due. Consumers must treat delivery as at-least-once
// and deduplicate on EventID.
type Event struct {
	SchemaVersion int            `json:"schema_version"`
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	GuildID       string         `json:"guild_id"`
	SessionID     string         `json:"session_id"`
	EmittedAt     time.Time      `json:"emitted_at"`
	TraceID       string         `json:"trace_id"`
	Payload       map[string]any `json:"payload"`
}

// WakeReason is the two-outcome result of an idle wait: either a change
// notification arrived or the deadline elapsed. Channel loss is reported as
// WakeTimedOut so the engine's session-recovery path handles reconnection
// instead of overloading the wait call with error control flow.
type WakeReason int

const (
	// WakeTimedOut means the deadline elapsed (or the notification channel
	// was lost) without a notification.
	WakeTimedOut WakeReason = iota
	// WakeNotified means a change notification arrived before the deadline.
	WakeNotified
)

// String returns the wake reason name for logging.
func (w WakeReason) String() string {
	if w == WakeNotified {
		return "notified"
	}
	return "timed_out"
}
