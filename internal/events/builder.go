// Package events defines the outbound event builders for the scheduling
// engine. Each schedule kind has one EventBuilder strategy that turns a due
// schedule entry into a routed broker message. Routing keys encode the kind
// and target scope as session.<action>.<guild_id>.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rallypoint/internal/types"
)

// Event type names carried in the envelope's event_type field.
const (
	EventTypeReminder         = "session_reminder"
	EventTypeParticipantJoined = "participant_joined"
	EventTypeStatusTransition = "session_status_changed"
)

// OutboundMessage is a built, routed event ready for publishing. TTL, when
// set, expresses the message's staleness tolerance: consumers (and the
// broker) may drop it once the TTL has passed.
type OutboundMessage struct {
	RoutingKey string
	Body       []byte
	TTL        *time.Duration
}

// EventBuilder turns a due schedule entry into an outbound message.
// A nil message with a nil error means the entry is already stale and should
// be marked executed without publishing (dropped, not delivered late).
type EventBuilder interface {
	Build(entry *types.ScheduleEntry) (*OutboundMessage, error)
}

// ForKind returns the builder for the given schedule kind.
func ForKind(kind types.ScheduleKind, staleness time.Duration, clock func() time.Time) (EventBuilder, error) {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	switch kind {
	case types.KindReminder:
		return &ReminderBuilder{StalenessTolerance: staleness, Clock: clock}, nil
	case types.KindJoinNotification:
		return &JoinNotificationBuilder{Clock: clock}, nil
	case types.KindStatusTransition:
		return &StatusTransitionBuilder{Clock: clock}, nil
	default:
		return nil, &types.AppError{
			Code:    types.ErrCodeInvalidKind,
			Message: fmt.Sprintf("no event builder for kind %q", kind),
		}
	}
}

// envelope assembles the versioned event body shared by all builders.
func envelope(entry *types.ScheduleEntry, eventType string, emittedAt time.Time, payload map[string]any) ([]byte, error) {
	evt := types.Event{
		SchemaVersion: types.EventSchemaVersion,
		EventID:       uuid.New().String(),
		EventType:     eventType,
		GuildID:       entry.GuildID,
		SessionID:     entry.SessionID,
		EmittedAt:     emittedAt,
		TraceID:       uuid.New().String(),
		Payload:       payload,
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s event: %w", eventType, err)
	}
	return body, nil
}

// stringField extracts a required string payload field.
func stringField(entry *types.ScheduleEntry, key string) (string, error) {
	v, ok := entry.Payload[key].(string)
	if !ok || v == "" {
		return "", &types.AppError{
			Code:    types.ErrCodeInvalidPayload,
			Message: fmt.Sprintf("entry %d (%s) missing payload field %q", entry.ID, entry.Kind, key),
		}
	}
	return v, nil
}

// ReminderBuilder builds session reminder events. The message TTL is derived
// from how stale the reminder would be by the time a consumer sees it: a
// reminder past its staleness tolerance is better dropped than delivered
// late, so Build returns nil for entries already beyond the tolerance.
type ReminderBuilder struct {
	StalenessTolerance time.Duration
	Clock              func() time.Time
}

// Build implements EventBuilder.
func (b *ReminderBuilder) Build(entry *types.ScheduleEntry) (*OutboundMessage, error) {
	now := b.Clock()

	remaining := entry.DueAt.Add(b.StalenessTolerance).Sub(now)
	if remaining <= 0 {
		// Already stale; never deliver a reminder this late.
		return nil, nil
	}

	title, err := stringField(entry, "session_title")
	if err != nil {
		return nil, err
	}
	channelID, err := stringField(entry, "channel_id")
	if err != nil {
		return nil, err
	}

	body, err := envelope(entry, EventTypeReminder, now, map[string]any{
		"session_title": title,
		"channel_id":    channelID,
		"starts_at":     entry.DueAt.Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}

	return &OutboundMessage{
		RoutingKey: fmt.Sprintf("session.reminder.%s", entry.GuildID),
		Body:       body,
		TTL:        &remaining,
	}, nil
}

// JoinNotificationBuilder builds participant-joined announcement events.
// Join announcements have no staleness tolerance; they are informational and
// delivered whenever they surface.
type JoinNotificationBuilder struct {
	Clock func() time.Time
}

// Build implements EventBuilder.
func (b *JoinNotificationBuilder) Build(entry *types.ScheduleEntry) (*OutboundMessage, error) {
	participantID, err := stringField(entry, "participant_id")
	if err != nil {
		return nil, err
	}
	channelID, err := stringField(entry, "channel_id")
	if err != nil {
		return nil, err
	}

	body, err := envelope(entry, EventTypeParticipantJoined, b.Clock(), map[string]any{
		"participant_id": participantID,
		"channel_id":     channelID,
	})
	if err != nil {
		return nil, err
	}

	return &OutboundMessage{
		RoutingKey: fmt.Sprintf("session.participant_joined.%s", entry.GuildID),
		Body:       body,
	}, nil
}

// StatusTransitionBuilder builds session lifecycle transition events.
type StatusTransitionBuilder struct {
	Clock func() time.Time
}

// Build implements EventBuilder.
func (b *StatusTransitionBuilder) Build(entry *types.ScheduleEntry) (*OutboundMessage, error) {
	fromStatus, err := stringField(entry, "from_status")
	if err != nil {
		return nil, err
	}
	toStatus, err := stringField(entry, "to_status")
	if err != nil {
		return nil, err
	}

	body, err := envelope(entry, EventTypeStatusTransition, b.Clock(), map[string]any{
		"from_status": fromStatus,
		"to_status":   toStatus,
	})
	if err != nil {
		return nil, err
	}

	return &OutboundMessage{
		RoutingKey: fmt.Sprintf("session.status.%s", entry.GuildID),
		Body:       body,
	}, nil
}
