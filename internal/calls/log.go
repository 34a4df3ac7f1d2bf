package calls

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"linguist-desk/internal/session"
)

// DefaultHistory is how many calls are kept per desk session.
const DefaultHistory = 50

var ErrNoSession = errors.New("calls: desk session id required")

// Log is the in-memory call history of every desk session in this process.
// It is fed by session activity and implements session.Observer.
type Log struct {
	mu      sync.Mutex
	limit   int
	history map[string][]*Call
}

func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = DefaultHistory
	}
	return &Log{limit: limit, history: make(map[string][]*Call)}
}

func (l *Log) Observe(a session.Activity) {
	if a.SessionID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	switch a.Kind {
	case session.ActivityCallStarted:
		l.append(a.SessionID, &Call{
			LegID:         a.LegID,
			DeskSessionID: a.SessionID,
			UserID:        a.UserID,
			Direction:     a.Direction,
			Caller:        a.Caller,
			Status:        CallStatusInProgress,
			StartedAt:     a.At,
		})

	case session.ActivityMetadata:
		if c := l.find(a.SessionID, a.LegID); c != nil {
			c.BookingRef, c.Language = a.BookingRef, a.Language
		}

	case session.ActivityCallEnded:
		c := l.find(a.SessionID, a.LegID)
		if c == nil {
			return
		}
		c.Status = CallStatusCompleted
		c.DurationSeconds = int(a.Duration / time.Second)
		c.EndedAt = a.At
		if a.BookingRef != "" {
			c.BookingRef, c.Language = a.BookingRef, a.Language
		}

	case session.ActivityParticipantAdded:
		if c := l.current(a.SessionID); c != nil {
			c.Participants = append(c.Participants, a.Phone)
		}

	case session.ActivityParticipantFailed:
		if c := l.current(a.SessionID); c != nil {
			c.FailedParticipants++
		}
	}
}

func (l *Log) append(sid string, c *Call) {
	h := append(l.history[sid], c)
	if len(h) > l.limit {
		h = slices.Clone(h[len(h)-l.limit:])
	}
	l.history[sid] = h
}

func (l *Log) find(sid, legID string) *Call {
	h := l.history[sid]
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].LegID == legID {
			return h[i]
		}
	}
	return nil
}

// current is the call still in progress, if any.
func (l *Log) current(sid string) *Call {
	h := l.history[sid]
	if len(h) == 0 || h[len(h)-1].Status != CallStatusInProgress {
		return nil
	}
	return h[len(h)-1]
}

// List returns the calls of sid started in [from, to), newest first. Zero
// bounds are open.
func (l *Log) List(sid string, from, to time.Time) []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.history[sid]
	out := make([]Call, 0, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		c := h[i]
		if !from.IsZero() && c.StartedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !c.StartedAt.Before(to) {
			continue
		}
		cp := *c
		cp.Participants = slices.Clone(c.Participants)
		out = append(out, cp)
	}
	return out
}

// ListCalls is List in the shape reporting reads it.
func (l *Log) ListCalls(ctx context.Context, sid string, from, to time.Time) ([]Call, error) {
	if sid == "" {
		return nil, ErrNoSession
	}
	return l.List(sid, from, to), nil
}

// Forget drops the history of sid.
func (l *Log) Forget(sid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.history, sid)
}
