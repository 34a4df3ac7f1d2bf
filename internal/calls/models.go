package calls

import (
	"time"

	"linguist-desk/internal/telephony"
)

// Call is one accepted call in a desk session's history.
//
// Call log invariant: a Call exists only once it was accepted; rejected or
// cancelled rings never show up here.
type Call struct {
	LegID         string              `json:"leg_id"`
	DeskSessionID string              `json:"desk_session_id"`
	UserID        string              `json:"user_id"`
	Direction     telephony.Direction `json:"direction"`

	Caller     string `json:"caller"`
	BookingRef string `json:"booking_ref,omitempty"`
	Language   string `json:"language,omitempty"`

	Status CallStatus `json:"status"`

	// DurationSeconds is the elapsed time shown on the desk when the call ended.
	DurationSeconds int `json:"duration"`

	// Participants are the numbers successfully bridged into the call.
	Participants       []string `json:"participants,omitempty"`
	FailedParticipants int      `json:"failed_participants,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

type CallStatus string

const (
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
)
