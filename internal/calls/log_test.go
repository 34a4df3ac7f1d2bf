package calls

import (
	"context"
	"errors"
	"testing"
	"time"

	"linguist-desk/internal/session"
	"linguist-desk/internal/telephony"
)

func TestLog_RecordsCallLifecycle(t *testing.T) {
	l := NewLog(0)
	t0 := time.Unix(1700000000, 0)

	l.Observe(session.Activity{Kind: session.ActivityCallStarted, SessionID: "d", UserID: "42", LegID: "leg-1", Direction: telephony.DirectionInbound, Caller: "+447700900123", At: t0})
	l.Observe(session.Activity{Kind: session.ActivityMetadata, SessionID: "d", LegID: "leg-1", BookingRef: "BR123", Language: "Polish", At: t0.Add(5 * time.Second)})
	l.Observe(session.Activity{Kind: session.ActivityParticipantAdded, SessionID: "d", Phone: "+447700900999"})
	l.Observe(session.Activity{Kind: session.ActivityParticipantFailed, SessionID: "d", Phone: "+1", Err: errors.New("x")})

	got := l.List("d", time.Time{}, time.Time{})
	if len(got) != 1 || got[0].Status != CallStatusInProgress {
		t.Fatalf("expected one in-progress call, got %+v", got)
	}

	l.Observe(session.Activity{Kind: session.ActivityCallEnded, SessionID: "d", LegID: "leg-1", Duration: 90 * time.Second, At: t0.Add(90 * time.Second)})

	c := l.List("d", time.Time{}, time.Time{})[0]
	if c.Status != CallStatusCompleted || c.DurationSeconds != 90 {
		t.Fatalf("unexpected completion %+v", c)
	}
	if c.BookingRef != "BR123" || c.Language != "Polish" || c.Caller != "+447700900123" {
		t.Fatalf("unexpected call details %+v", c)
	}
	if len(c.Participants) != 1 || c.Participants[0] != "+447700900999" || c.FailedParticipants != 1 {
		t.Fatalf("unexpected participants %+v", c)
	}

	// a participant after the call ended is not attributed
	l.Observe(session.Activity{Kind: session.ActivityParticipantAdded, SessionID: "d", Phone: "+2"})
	if c := l.List("d", time.Time{}, time.Time{})[0]; len(c.Participants) != 1 {
		t.Fatalf("late participant attributed to ended call")
	}
}

func TestLog_HistoryLimitAndOrder(t *testing.T) {
	l := NewLog(2)
	t0 := time.Unix(1700000000, 0)
	for i, id := range []string{"a", "b", "c"} {
		l.Observe(session.Activity{Kind: session.ActivityCallStarted, SessionID: "d", LegID: id, At: t0.Add(time.Duration(i) * time.Minute)})
	}
	got := l.List("d", time.Time{}, time.Time{})
	if len(got) != 2 || got[0].LegID != "c" || got[1].LegID != "b" {
		t.Fatalf("expected newest two calls, got %+v", got)
	}

	got = l.List("d", t0.Add(2*time.Minute), time.Time{})
	if len(got) != 1 || got[0].LegID != "c" {
		t.Fatalf("expected range filter, got %+v", got)
	}
}

func TestLog_SessionIsolationAndForget(t *testing.T) {
	l := NewLog(0)
	l.Observe(session.Activity{Kind: session.ActivityCallStarted, SessionID: "d1", LegID: "a"})
	l.Observe(session.Activity{Kind: session.ActivityCallStarted, SessionID: "d2", LegID: "b"})

	if got, _ := l.ListCalls(context.Background(), "d1", time.Time{}, time.Time{}); len(got) != 1 || got[0].LegID != "a" {
		t.Fatalf("unexpected d1 history %+v", got)
	}
	if _, err := l.ListCalls(context.Background(), "", time.Time{}, time.Time{}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	l.Forget("d1")
	if got := l.List("d1", time.Time{}, time.Time{}); len(got) != 0 {
		t.Fatalf("expected history forgotten")
	}
	if got := l.List("d2", time.Time{}, time.Time{}); len(got) != 1 {
		t.Fatalf("forget touched another session")
	}
}
