package session

import (
	"fmt"

	"linguist-desk/internal/telephony"
)

// State is a snapshot of one desk session as the UI renders it.
type State struct {
	SessionID        string                       `json:"session_id"`
	Online           bool                         `json:"online"`
	Registration     telephony.RegistrationStatus `json:"registration"`
	IncomingPending  bool                         `json:"incoming_pending"`
	Accepted         bool                         `json:"accepted"`
	Held             bool                         `json:"held"`
	CallerNumber     string                       `json:"caller_number"`
	Client           *Booking                     `json:"client_info"`
	MetadataLoading  bool                         `json:"metadata_loading"`
	CallSeconds      int                          `json:"call_seconds"`
	CallTime         string                       `json:"call_time"`
	ParticipantAdded bool                         `json:"participant_added"`
	LegID            string                       `json:"leg_id,omitempty"`
	LastError        string                       `json:"last_error,omitempty"`
	Version          uint64                       `json:"version"`
}

// Phase names the coarse state machine position.
type Phase string

const (
	PhaseOffline  Phase = "offline"
	PhaseIdle     Phase = "idle"
	PhaseRinging  Phase = "ringing"
	PhaseAccepted Phase = "accepted"
)

func (s State) Phase() Phase {
	switch {
	case !s.Online:
		return PhaseOffline
	case s.Accepted:
		return PhaseAccepted
	case s.IncomingPending:
		return PhaseRinging
	default:
		return PhaseIdle
	}
}

// FormatCallTime renders elapsed seconds as mm:ss.
func FormatCallTime(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func (s *State) clone() State {
	out := *s
	if s.Client != nil {
		b := *s.Client
		out.Client = &b
	}
	out.CallTime = FormatCallTime(s.CallSeconds)
	return out
}

// resetCall clears every call scoped field.
func (s *State) resetCall() {
	s.IncomingPending = false
	s.Accepted = false
	s.Held = false
	s.CallerNumber = ""
	s.Client = nil
	s.MetadataLoading = false
	s.CallSeconds = 0
	s.ParticipantAdded = false
	s.LegID = ""
}
