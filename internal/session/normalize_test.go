package session

import "testing"

func TestCallerNumberPrecedence(t *testing.T) {
	cases := []struct {
		params map[string]string
		want   string
	}{
		{map[string]string{"From": "+447700900123", "caller": "x"}, "+447700900123"},
		{map[string]string{"From": "", "from": "+1555"}, "+1555"},
		{map[string]string{"Caller": "+33", "caller": "+34"}, "+33"},
		{map[string]string{"caller": " +49 "}, "+49"},
		{map[string]string{"To": "+1"}, ""},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := CallerNumber(tc.params); got != tc.want {
			t.Fatalf("CallerNumber(%v) = %q, want %q", tc.params, got, tc.want)
		}
	}
}

func TestProviderCallID(t *testing.T) {
	if got := ProviderCallID(map[string]string{"callSid": "c", "callsid": "b"}); got != "b" {
		t.Fatalf("expected callsid to win over callSid, got %q", got)
	}
	if got := ProviderCallID(map[string]string{"CallSid": "a", "callsid": "b"}); got != "a" {
		t.Fatalf("expected CallSid first, got %q", got)
	}
	if got := ProviderCallID(map[string]string{}); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestBookingFromParams(t *testing.T) {
	b, ok := BookingFromParams(map[string]string{"bookingRef": "BR123", "language": "Polish"})
	if !ok || b != (Booking{BookingRef: "BR123", Language: "Polish"}) {
		t.Fatalf("unexpected booking %+v ok=%v", b, ok)
	}
	b, ok = BookingFromParams(map[string]string{"BookingReference": "BR9", "PreferredLanguage": "French"})
	if !ok || b.BookingRef != "BR9" || b.Language != "French" {
		t.Fatalf("unexpected booking %+v", b)
	}
	if _, ok := BookingFromParams(map[string]string{"From": "+1"}); ok {
		t.Fatalf("expected no booking")
	}
}

func TestNormalizeBooking(t *testing.T) {
	b, ok := NormalizeBooking(map[string]any{"bookingReference": float64(12345), "preferredLanguage": "Urdu"})
	if !ok || b.BookingRef != "12345" || b.Language != "Urdu" {
		t.Fatalf("unexpected booking %+v", b)
	}
	b, ok = NormalizeBooking(map[string]any{"bookingRef": "", "BookingRef": "BR7", "Language": nil})
	if !ok || b.BookingRef != "BR7" || b.Language != "" {
		t.Fatalf("unexpected booking %+v", b)
	}
	if _, ok := NormalizeBooking(map[string]any{"other": "x"}); ok {
		t.Fatalf("expected no booking")
	}
}

func TestFormatCallTime(t *testing.T) {
	cases := map[int]string{0: "00:00", 7: "00:07", 65: "01:05", 3600: "60:00", -3: "00:00"}
	for in, want := range cases {
		if got := FormatCallTime(in); got != want {
			t.Fatalf("FormatCallTime(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestStatePhase(t *testing.T) {
	cases := []struct {
		s    State
		want Phase
	}{
		{State{}, PhaseOffline},
		{State{Online: true}, PhaseIdle},
		{State{Online: true, IncomingPending: true}, PhaseRinging},
		{State{Online: true, Accepted: true}, PhaseAccepted},
	}
	for _, tc := range cases {
		if got := tc.s.Phase(); got != tc.want {
			t.Fatalf("Phase(%+v) = %s, want %s", tc.s, got, tc.want)
		}
	}
}
