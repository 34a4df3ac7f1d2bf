package telephony

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// Codec preference order for answers and offers: opus, then PCMU.
const (
	opusPayloadType = 111
	pcmuPayloadType = 0
)

var errNoCommonCodec = errors.New("no common audio codec")

type mediaDirection string

const (
	directionSendRecv mediaDirection = "sendrecv"
	directionSendOnly mediaDirection = "sendonly"
)

// mediaSession renders the local side of one call's SDP.
type mediaSession struct {
	host      string
	port      int
	sessionID uint64
	version   uint64
}

func newMediaSession(mediaAddr string) (*mediaSession, error) {
	host, portStr, err := net.SplitHostPort(mediaAddr)
	if err != nil {
		return nil, fmt.Errorf("media addr %q: %w", mediaAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return nil, fmt.Errorf("media addr %q: bad port", mediaAddr)
	}
	return &mediaSession{host: host, port: port, sessionID: rand.Uint64N(1 << 62)}, nil
}

type codec struct {
	payloadType uint8
	rtpmap      string
}

var preferredCodecs = []codec{
	{payloadType: opusPayloadType, rtpmap: "opus/48000/2"},
	{payloadType: pcmuPayloadType, rtpmap: "PCMU/8000"},
}

// offer renders a fresh offer with both preferred codecs.
func (m *mediaSession) offer(dir mediaDirection) ([]byte, error) {
	return m.render(preferredCodecs, dir)
}

// answer picks the preferred codecs present in the remote offer, keeping the
// remote payload type numbers.
func (m *mediaSession) answer(remote []byte, dir mediaDirection) ([]byte, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(remote); err != nil {
		return nil, fmt.Errorf("parse remote sdp: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audio = md
			break
		}
	}
	if audio == nil {
		return nil, errNoCommonCodec
	}

	offered := offeredCodecs(audio)
	var chosen []codec
	for _, want := range preferredCodecs {
		name := strings.ToLower(strings.SplitN(want.rtpmap, "/", 2)[0])
		if c, ok := offered[name]; ok {
			chosen = append(chosen, c)
		}
	}
	if len(chosen) == 0 {
		return nil, errNoCommonCodec
	}
	return m.render(chosen, dir)
}

func (m *mediaSession) render(codecs []codec, dir mediaDirection) ([]byte, error) {
	m.version++

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: m.port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, c := range codecs {
		pt := strconv.Itoa(int(c.payloadType))
		media.MediaName.Formats = append(media.MediaName.Formats, pt)
		media.Attributes = append(media.Attributes, sdp.NewAttribute("rtpmap", pt+" "+c.rtpmap))
	}
	media.Attributes = append(media.Attributes, sdp.NewPropertyAttribute(string(dir)))

	desc := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      m.sessionID,
			SessionVersion: m.version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: m.host,
		},
		SessionName: "linguist-desk",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: m.host},
		},
		TimeDescriptions:  []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{media},
	}
	return desc.Marshal()
}

// offeredCodecs maps lower-case codec names to what the remote offered.
// Static payload 0 is PCMU even without an rtpmap line.
func offeredCodecs(md *sdp.MediaDescription) map[string]codec {
	rtpmaps := make(map[string]string)
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		pt, rest, ok := strings.Cut(a.Value, " ")
		if ok {
			rtpmaps[pt] = rest
		}
	}

	out := make(map[string]codec)
	for _, f := range md.MediaName.Formats {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 || n > 127 {
			continue
		}
		rtpmap, ok := rtpmaps[f]
		if !ok && n == pcmuPayloadType {
			rtpmap = "PCMU/8000"
		}
		if rtpmap == "" {
			continue
		}
		name := strings.ToLower(strings.SplitN(rtpmap, "/", 2)[0])
		if _, seen := out[name]; !seen {
			out[name] = codec{payloadType: uint8(n), rtpmap: rtpmap}
		}
	}
	return out
}

// mediaDirectionOf returns the direction attribute of the first audio stream.
func mediaDirectionOf(raw []byte) mediaDirection {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(raw); err != nil {
		return directionSendRecv
	}
	for _, md := range desc.MediaDescriptions {
		for _, a := range md.Attributes {
			switch a.Key {
			case "sendrecv", "sendonly", "recvonly", "inactive":
				return mediaDirection(a.Key)
			}
		}
	}
	return directionSendRecv
}
