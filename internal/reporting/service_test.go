package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"linguist-desk/internal/calls"
	"linguist-desk/internal/session"
	"linguist-desk/internal/telephony"
)

func seed(l *calls.Log, sid, leg string, at time.Time, dur time.Duration, booking, lang string, participants ...string) {
	l.Observe(session.Activity{Kind: session.ActivityCallStarted, SessionID: sid, LegID: leg, Direction: telephony.DirectionInbound, At: at})
	for _, p := range participants {
		l.Observe(session.Activity{Kind: session.ActivityParticipantAdded, SessionID: sid, Phone: p})
	}
	if dur > 0 {
		l.Observe(session.Activity{Kind: session.ActivityCallEnded, SessionID: sid, LegID: leg, Duration: dur, BookingRef: booking, Language: lang, At: at.Add(dur)})
	}
}

func TestReporting_SessionIsolation(t *testing.T) {
	l := calls.NewLog(0)
	now := time.Unix(1700000000, 0).UTC()
	seed(l, "d1", "a", now, 30*time.Second, "BR1", "Polish")
	seed(l, "d2", "b", now, 50*time.Second, "BR2", "Polish")
	svc := NewService(l)

	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{DeskSessionID: "d1"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 1 || out.TotalDurationSeconds != 30 {
		t.Fatalf("expected 1 call of 30s, got %+v", out)
	}
}

func TestReporting_CallsSummaryAggregates(t *testing.T) {
	l := calls.NewLog(0)
	now := time.Unix(1700000000, 0).UTC()
	seed(l, "d", "a", now, 60*time.Second, "BR1", "Polish", "+1")
	seed(l, "d", "b", now.Add(time.Minute), 120*time.Second, "BR2", "Polish")
	seed(l, "d", "c", now.Add(2*time.Minute), 0, "", "")
	svc := NewService(l)

	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{DeskSessionID: "d", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 3 || out.CompletedCalls != 2 || out.InProgressCalls != 1 || out.InboundCalls != 3 {
		t.Fatalf("unexpected counts %+v", out)
	}
	if out.AverageDurationSeconds != 90 || out.TotalTime != "03:00" {
		t.Fatalf("unexpected durations %+v", out)
	}
	if out.BookedCalls != 2 || out.Languages["Polish"] != 2 || out.ParticipantsAdded != 1 {
		t.Fatalf("unexpected booking stats %+v", out)
	}
}

func TestReporting_InvalidRequest(t *testing.T) {
	svc := NewService(calls.NewLog(0))
	now := time.Now()
	if _, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	_, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{DeskSessionID: "d", Range: TimeRange{From: now, To: now.Add(-time.Minute)}})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for inverted range, got %v", err)
	}
}
