package telephony

import (
	"errors"
	"strings"
	"testing"

	"github.com/pion/sdp/v3"
)

const remoteOffer = "v=0\r\n" +
	"o=- 1 1 IN IP4 203.0.113.5\r\n" +
	"s=-\r\n" +
	"c=IN IP4 203.0.113.5\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0 8 96\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:96 opus/48000/2\r\n" +
	"a=sendrecv\r\n"

func parseAudio(t *testing.T, raw []byte) *sdp.MediaDescription {
	t.Helper()
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(raw); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, raw)
	}
	if len(desc.MediaDescriptions) != 1 {
		t.Fatalf("expected one media section, got %d", len(desc.MediaDescriptions))
	}
	return desc.MediaDescriptions[0]
}

func TestAnswerPrefersOpusThenPCMU(t *testing.T) {
	m, err := newMediaSession("198.51.100.1:10000")
	if err != nil {
		t.Fatalf("newMediaSession: %v", err)
	}
	raw, err := m.answer([]byte(remoteOffer), directionSendRecv)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	md := parseAudio(t, raw)
	if got := strings.Join(md.MediaName.Formats, " "); got != "96 0" {
		t.Fatalf("expected formats \"96 0\", got %q", got)
	}
	if md.MediaName.Port.Value != 10000 {
		t.Fatalf("expected port 10000, got %d", md.MediaName.Port.Value)
	}
	if mediaDirectionOf(raw) != directionSendRecv {
		t.Fatalf("expected sendrecv")
	}
}

func TestAnswerWithoutCommonCodec(t *testing.T) {
	m, _ := newMediaSession("198.51.100.1:10000")
	offer := strings.Replace(remoteOffer, "m=audio 40000 RTP/AVP 0 8 96", "m=audio 40000 RTP/AVP 8", 1)
	offer = strings.Replace(offer, "a=rtpmap:96 opus/48000/2\r\n", "", 1)
	if _, err := m.answer([]byte(offer), directionSendRecv); !errors.Is(err, errNoCommonCodec) {
		t.Fatalf("expected errNoCommonCodec, got %v", err)
	}
}

func TestHoldOfferIsSendOnly(t *testing.T) {
	m, _ := newMediaSession("198.51.100.1:10000")
	first, err := m.offer(directionSendRecv)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	held, err := m.offer(directionSendOnly)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if mediaDirectionOf(held) != directionSendOnly {
		t.Fatalf("expected sendonly offer")
	}

	var a, b sdp.SessionDescription
	if err := a.Unmarshal(first); err != nil {
		t.Fatal(err)
	}
	if err := b.Unmarshal(held); err != nil {
		t.Fatal(err)
	}
	if b.Origin.SessionVersion <= a.Origin.SessionVersion {
		t.Fatalf("expected session version to increase")
	}
}

func TestNewMediaSessionRejectsBadAddr(t *testing.T) {
	for _, addr := range []string{"", "host", "host:0", "host:x"} {
		if _, err := newMediaSession(addr); err == nil {
			t.Fatalf("expected error for %q", addr)
		}
	}
}
