package audit

import "time"

// Event is an immutable, append-only audit log record of desk activity.
//
// Invariants:
// - Events are never updated or deleted.
// - desk_session_id is required.
// - Audit capture is best-effort; call handling never waits on it.
//
// Storage (Postgres): table desk_audit_events, INSERT only. See
// PostgresRepo.EnsureSchema.
type Event struct {
	ID            string `json:"id" db:"id"`
	DeskSessionID string `json:"desk_session_id" db:"desk_session_id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	// Target identifiers, depending on the event type.
	LegID      string `json:"leg_id,omitempty" db:"leg_id"`
	BookingRef string `json:"booking_ref,omitempty" db:"booking_ref"`
	Phone      string `json:"phone,omitempty" db:"phone"`

	// DurationSeconds is set on call_ended.
	DurationSeconds int `json:"duration_seconds,omitempty" db:"duration_seconds"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeOnline            EventType = "desk_online"
	EventTypeOffline           EventType = "desk_offline"
	EventTypeCallStarted       EventType = "call_started"
	EventTypeCallEnded         EventType = "call_ended"
	EventTypeParticipantAdded  EventType = "participant_added"
	EventTypeParticipantFailed EventType = "participant_failed"
)

func (t EventType) Valid() bool {
	switch t {
	case EventTypeOnline, EventTypeOffline, EventTypeCallStarted, EventTypeCallEnded,
		EventTypeParticipantAdded, EventTypeParticipantFailed:
		return true
	}
	return false
}
