package telephony

import "maps"

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type LegState string

const (
	LegRinging LegState = "ringing"
	LegDialing LegState = "dialing"
	LegActive  LegState = "active"
	LegEnded   LegState = "ended"
)

// leg is owned by the Adapter; only the dispatch goroutine and explicit
// commands (under Adapter.mu) mutate it.
type leg struct {
	id        string
	direction Direction
	remote    string
	call      ProviderCall
	params    map[string]string
	state     LegState
	held      bool
}

// terminal marks the leg ended. It reports false when the leg already was.
func (l *leg) terminal() bool {
	if l.state == LegEnded {
		return false
	}
	l.state = LegEnded
	return true
}

func (l *leg) info() *LegInfo {
	return &LegInfo{
		ID:             l.id,
		Direction:      l.direction,
		Remote:         l.remote,
		ProviderCallID: l.call.ID(),
		Params:         maps.Clone(l.params),
		State:          l.state,
		Held:           l.held,
	}
}

// LegInfo is an immutable snapshot of a call leg.
type LegInfo struct {
	ID             string            `json:"id"`
	Direction      Direction         `json:"direction"`
	Remote         string            `json:"remote"`
	ProviderCallID string            `json:"provider_call_id"`
	Params         map[string]string `json:"params"`
	State          LegState          `json:"state"`
	Held           bool              `json:"held"`
}
