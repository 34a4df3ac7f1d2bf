package session

import (
	"sync"
	"time"

	"linguist-desk/pkg/clock"
)

// repeater calls fn every interval until stopped. It re-arms from the
// timer callback so a fake clock can fire several ticks in one Advance.
type repeater struct {
	clk   clock.Clock
	every time.Duration
	fn    func()

	mu      sync.Mutex
	timer   clock.Timer
	stopped bool
}

func startRepeater(clk clock.Clock, every time.Duration, fn func()) *repeater {
	r := &repeater{clk: clk, every: every, fn: fn}
	r.mu.Lock()
	r.timer = clk.AfterFunc(every, r.fire)
	r.mu.Unlock()
	return r
}

func (r *repeater) fire() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.timer = r.clk.AfterFunc(r.every, r.fire)
	r.mu.Unlock()
	r.fn()
}

func (r *repeater) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
}
