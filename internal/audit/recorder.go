package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"linguist-desk/internal/session"
)

const (
	defaultBuffer = 256
	appendTimeout = 5 * time.Second
)

// Recorder turns desk session activity into audit events and appends them
// from a background goroutine. Observe never blocks: when the buffer is
// full the event is dropped and counted.
type Recorder struct {
	svc *Service
	log *slog.Logger

	mu     sync.Mutex
	closed bool
	ch     chan Event
	done   chan struct{}

	dropped atomic.Int64
}

func NewRecorder(svc *Service, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		svc:  svc,
		log:  log.With("component", "audit"),
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		if err := r.svc.Append(ctx, e); err != nil {
			r.log.Warn("audit append failed", "type", string(e.Type), "desk_session", e.DeskSessionID, "error", err)
		}
		cancel()
	}
}

// Observe implements session.Observer.
func (r *Recorder) Observe(a session.Activity) {
	e, ok := eventFor(a)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		r.dropped.Add(1)
		r.log.Warn("audit buffer full, event dropped", "type", string(e.Type), "desk_session", e.DeskSessionID)
	}
}

// Dropped reports how many events were lost to a full buffer.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Close stops accepting events and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	<-r.done
}

func eventFor(a session.Activity) (Event, bool) {
	e := Event{
		DeskSessionID: a.SessionID,
		ActorUserID:   a.UserID,
		LegID:         a.LegID,
		BookingRef:    a.BookingRef,
		Phone:         a.Phone,
		CreatedAt:     a.At.UTC(),
	}
	switch a.Kind {
	case session.ActivityOnline:
		e.Type, e.Message = EventTypeOnline, "went online"
	case session.ActivityOffline:
		e.Type, e.Message = EventTypeOffline, "went offline"
	case session.ActivityCallStarted:
		e.Type, e.Message = EventTypeCallStarted, "call accepted"
		e.Metadata = callMetadata(a)
	case session.ActivityCallEnded:
		e.Type, e.Message = EventTypeCallEnded, "call ended"
		e.DurationSeconds = int(a.Duration / time.Second)
		e.Metadata = callMetadata(a)
	case session.ActivityParticipantAdded:
		e.Type, e.Message = EventTypeParticipantAdded, "participant added"
	case session.ActivityParticipantFailed:
		e.Type, e.Message = EventTypeParticipantFailed, "participant add failed"
		if a.Err != nil {
			e.Message = a.Err.Error()
		}
	default:
		return Event{}, false
	}
	return e, true
}

func callMetadata(a session.Activity) string {
	m := map[string]string{"direction": string(a.Direction)}
	if a.Caller != "" {
		m["caller"] = a.Caller
	}
	if a.Language != "" {
		m["language"] = a.Language
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
