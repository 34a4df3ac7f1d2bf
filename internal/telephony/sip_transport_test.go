package telephony

import (
	"testing"
	"time"
)

func TestParseContactExpires(t *testing.T) {
	cases := map[string]int{
		"<sip:42@10.0.0.1:5060>;expires=300":           300,
		"<sip:42@10.0.0.1:5060>;Expires=120;q=0.5":     120,
		"<sip:42@10.0.0.1:5060>":                       0,
		"<sip:42@10.0.0.1:5060>;expires=abc":           0,
		"<sip:42@10.0.0.1:5060>;expires=60, <sip:x@y>": 60,
	}
	for in, want := range cases {
		if got := parseContactExpires(in); got != want {
			t.Fatalf("parseContactExpires(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestRefreshInterval(t *testing.T) {
	if got := refreshInterval(300); got != 240*time.Second {
		t.Fatalf("expected 240s, got %s", got)
	}
	if got := refreshInterval(0); got != 48*time.Second {
		t.Fatalf("expected fallback 48s, got %s", got)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := newBackoff()
	prev := time.Duration(0)
	for i := 0; i < 4; i++ {
		d := b.next()
		if d <= prev/2 {
			t.Fatalf("attempt %d: delay %s did not grow from %s", i, d, prev)
		}
		prev = d
	}
	for i := 0; i < 20; i++ {
		if d := b.next(); d > b.maxDelay+b.maxDelay/5 {
			t.Fatalf("delay %s exceeds cap", d)
		}
	}
	b.reset()
	if d := b.next(); d > b.baseDelay+b.baseDelay/5 {
		t.Fatalf("expected base delay after reset, got %s", d)
	}
}

func TestSIPConfigHelpers(t *testing.T) {
	c := SIPConfig{RegistrarHost: "pbx.example", RegistrarPort: 5080, Transport: "tcp"}
	if c.registrar() != "pbx.example:5080" {
		t.Fatalf("unexpected registrar %q", c.registrar())
	}
	if c.transportName() != "TCP" {
		t.Fatalf("unexpected transport %q", c.transportName())
	}
}
