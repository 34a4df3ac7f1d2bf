package clock

import (
	"testing"
	"time"
)

func TestFakeClock_FiresInDeadlineOrder(t *testing.T) {
	c := Fake(time.Unix(1700000000, 0))
	var got []int
	c.AfterFunc(2*time.Second, func() { got = append(got, 2) })
	c.AfterFunc(1*time.Second, func() { got = append(got, 1) })

	c.Advance(1500 * time.Millisecond)
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected [1], got %v", got)
	}
	c.Advance(time.Second)
	if len(got) != 2 || got[1] != 2 {
		t.Fatalf("expected [1 2], got %v", got)
	}
}

func TestFakeClock_StopPreventsFire(t *testing.T) {
	c := Fake(time.Unix(1700000000, 0))
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatalf("expected stop to report pending timer")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Fatalf("stopped timer fired")
	}
	if tm.Stop() {
		t.Fatalf("second stop should report false")
	}
}

func TestFakeClock_RearmWithinAdvance(t *testing.T) {
	c := Fake(time.Unix(1700000000, 0))
	ticks := 0
	var arm func()
	arm = func() {
		c.AfterFunc(time.Second, func() {
			ticks++
			arm()
		})
	}
	arm()

	c.Advance(3 * time.Second)
	if ticks != 3 {
		t.Fatalf("expected 3 ticks, got %d", ticks)
	}
	if c.Pending() != 1 {
		t.Fatalf("expected one re-armed timer pending, got %d", c.Pending())
	}
}
