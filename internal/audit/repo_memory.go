package audit

import (
	"context"
	"sync"
)

// DefaultMemoryLimit bounds MemoryRepo when no limit is given.
const DefaultMemoryLimit = 10000

// MemoryRepo keeps the most recent events in process. It backs deployments
// without a database, so the oldest events are dropped past the limit.
type MemoryRepo struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

func NewMemoryRepo(limit int) *MemoryRepo {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &MemoryRepo{limit: limit}
}

func (r *MemoryRepo) Append(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == r.limit {
		copy(r.events, r.events[1:])
		r.events = r.events[:len(r.events)-1]
	}
	r.events = append(r.events, e)
	return nil
}

// Events returns every retained event, oldest first.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ForSession returns the retained events of one desk session, oldest first.
func (r *MemoryRepo) ForSession(sid string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.DeskSessionID == sid {
			out = append(out, e)
		}
	}
	return out
}
