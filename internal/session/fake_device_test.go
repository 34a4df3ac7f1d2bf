package session

import (
	"context"
	"sync"

	"linguist-desk/internal/telephony"
)

type fakeDevice struct {
	mu       sync.Mutex
	handlers map[telephony.EventKind]map[int]telephony.Handler
	nextID   int

	status    telephony.RegistrationStatus
	onlineErr error
	lastReq   telephony.TokenRequest
	pending   *telephony.LegInfo
	active    *telephony.LegInfo

	onlineCalls     int
	offlineCalls    int
	refreshCalls    int
	acceptCalls     int
	rejectCalls     int
	disconnectCalls int
	holdCalls       int
	dialed          []string
	closed          bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		handlers: make(map[telephony.EventKind]map[int]telephony.Handler),
		status:   telephony.StatusUnregistered,
	}
}

func (d *fakeDevice) On(kind telephony.EventKind, h telephony.Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	if d.handlers[kind] == nil {
		d.handlers[kind] = make(map[int]telephony.Handler)
	}
	d.handlers[kind][id] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers[kind], id)
	}
}

func (d *fakeDevice) emit(ev telephony.Event) {
	d.mu.Lock()
	hs := make([]telephony.Handler, 0, len(d.handlers[ev.Kind]))
	for _, h := range d.handlers[ev.Kind] {
		hs = append(hs, h)
	}
	d.mu.Unlock()
	for _, h := range hs {
		_ = h(ev)
	}
}

func (d *fakeDevice) subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, m := range d.handlers {
		n += len(m)
	}
	return n
}

func (d *fakeDevice) GoOnline(ctx context.Context, req telephony.TokenRequest) error {
	d.mu.Lock()
	d.onlineCalls++
	d.lastReq = req
	if d.onlineErr != nil {
		d.status = telephony.StatusUnregistered
		err := d.onlineErr
		d.mu.Unlock()
		d.emit(telephony.Event{Kind: telephony.EventError, Err: err})
		return err
	}
	d.status = telephony.StatusRegistered
	d.mu.Unlock()
	d.emit(telephony.Event{Kind: telephony.EventRegistered})
	return nil
}

func (d *fakeDevice) GoOffline() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offlineCalls++
	d.status = telephony.StatusUnregistered
	d.pending, d.active = nil, nil
}

func (d *fakeDevice) Refresh(ctx context.Context) error {
	d.mu.Lock()
	d.refreshCalls++
	d.mu.Unlock()
	return nil
}

// ring announces an inbound leg.
func (d *fakeDevice) ring(leg *telephony.LegInfo) {
	d.mu.Lock()
	leg.State = telephony.LegRinging
	d.pending = leg
	d.mu.Unlock()
	d.emit(telephony.Event{Kind: telephony.EventIncoming, Leg: leg})
}

func (d *fakeDevice) AcceptIncoming(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acceptCalls++
	if d.pending != nil {
		l := *d.pending
		l.State = telephony.LegActive
		d.active = &l
		d.pending = nil
	}
	return nil
}

func (d *fakeDevice) RejectIncoming(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejectCalls++
	d.pending = nil
	return nil
}

func (d *fakeDevice) Connect(ctx context.Context, destination string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, destination)
	return nil
}

// hangupRemote ends the active leg from the far side.
func (d *fakeDevice) hangupRemote() {
	d.mu.Lock()
	l := d.active
	d.active = nil
	d.mu.Unlock()
	if l != nil {
		d.emit(telephony.Event{Kind: telephony.EventDisconnect, Leg: l})
	}
}

func (d *fakeDevice) DisconnectAll(ctx context.Context) error {
	d.mu.Lock()
	d.disconnectCalls++
	d.mu.Unlock()
	d.hangupRemote()
	return nil
}

func (d *fakeDevice) SetHold(ctx context.Context, hold bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.holdCalls++
	if d.active == nil {
		return telephony.ErrNoActiveLeg
	}
	d.active.Held = hold
	return nil
}

func (d *fakeDevice) ActiveLeg() (*telephony.LegInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return nil, false
	}
	l := *d.active
	return &l, true
}

func (d *fakeDevice) PendingLeg() (*telephony.LegInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return nil, false
	}
	l := *d.pending
	return &l, true
}

func (d *fakeDevice) Status() telephony.RegistrationStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *fakeDevice) Claims() map[string]any { return map[string]any{"identity": "42"} }

func (d *fakeDevice) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

func (d *fakeDevice) counts() (online, offline, disconnect int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onlineCalls, d.offlineCalls, d.disconnectCalls
}
