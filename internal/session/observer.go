package session

import (
	"time"

	"linguist-desk/internal/telephony"
)

type ActivityKind string

const (
	ActivityOnline            ActivityKind = "online"
	ActivityOffline           ActivityKind = "offline"
	ActivityCallStarted       ActivityKind = "call_started"
	ActivityCallEnded         ActivityKind = "call_ended"
	ActivityMetadata          ActivityKind = "metadata_resolved"
	ActivityParticipantAdded  ActivityKind = "participant_added"
	ActivityParticipantFailed ActivityKind = "participant_failed"
)

// Activity is a notable change in a desk session, fed to observers such as
// the call log and the audit trail.
type Activity struct {
	Kind       ActivityKind
	SessionID  string
	UserID     string
	LegID      string
	Direction  telephony.Direction
	Caller     string
	BookingRef string
	Language   string
	Phone      string
	Duration   time.Duration
	Err        error
	At         time.Time
}

// Observer is called on the controller goroutine and must not block.
type Observer interface {
	Observe(a Activity)
}

type ObserverFunc func(a Activity)

func (f ObserverFunc) Observe(a Activity) { f(a) }

// Observers fans out to every non-nil observer.
type Observers []Observer

func (o Observers) Observe(a Activity) {
	for _, ob := range o {
		if ob != nil {
			ob.Observe(a)
		}
	}
}
