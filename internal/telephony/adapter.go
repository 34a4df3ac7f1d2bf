package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"linguist-desk/internal/auth"
	"linguist-desk/internal/backend"

	"github.com/google/uuid"
)

// AdapterConfig wires an Adapter. Backend and Factory are required.
type AdapterConfig struct {
	Backend *backend.Client
	Tokens  auth.TokenSource
	Factory TransportFactory
	Logger  *slog.Logger

	// RefreshTimeout bounds a credential refresh triggered by the transport.
	RefreshTimeout time.Duration
	Now            func() time.Time
}

type handlerEntry struct {
	id uint64
	h  Handler
}

// Adapter owns at most one registered Transport and translates its
// callbacks into the EventKind vocabulary. Events are dispatched in order
// from a single goroutine.
type Adapter struct {
	log            *slog.Logger
	creds          credentialSource
	factory        TransportFactory
	now            func() time.Time
	refreshTimeout time.Duration

	mu        sync.Mutex
	status    RegistrationStatus
	transport Transport
	gen       uint64
	lastReq   *TokenRequest
	identity  string
	lastToken string
	legs      map[string]*leg
	pending   *leg
	outgoing  *leg
	active    *leg
	closed    bool

	hmu      sync.RWMutex
	handlers map[EventKind][]handlerEntry
	nextID   uint64

	q         *eventQueue
	done      chan struct{}
	closeOnce sync.Once
}

func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if cfg.Backend == nil {
		return nil, errors.New("telephony: backend client is required")
	}
	if cfg.Factory == nil {
		return nil, errors.New("telephony: transport factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	a := &Adapter{
		log:            cfg.Logger.With("component", "telephony_adapter"),
		creds:          credentialSource{client: cfg.Backend, tokens: cfg.Tokens},
		factory:        cfg.Factory,
		now:            cfg.Now,
		refreshTimeout: cfg.RefreshTimeout,
		status:         StatusUnregistered,
		legs:           make(map[string]*leg),
		handlers:       make(map[EventKind][]handlerEntry),
		q:              newEventQueue(),
		done:           make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// On subscribes h to kind. The returned func unsubscribes and is idempotent.
func (a *Adapter) On(kind EventKind, h Handler) func() {
	a.hmu.Lock()
	a.nextID++
	id := a.nextID
	a.handlers[kind] = append(a.handlers[kind], handlerEntry{id: id, h: h})
	a.hmu.Unlock()

	return func() {
		a.hmu.Lock()
		defer a.hmu.Unlock()
		entries := a.handlers[kind]
		for i, e := range entries {
			if e.id == id {
				a.handlers[kind] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// GoOnline fetches a credential, replaces any previous transport and
// registers the new one. Failures are published as a single error event
// and also returned.
func (a *Adapter) GoOnline(ctx context.Context, req TokenRequest) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	r := req
	a.lastReq = &r
	a.identity = req.Params["identity"]
	// A live transport keeps its registration until the new one replaces it.
	replacing := a.transport != nil
	if !replacing {
		a.status = StatusRegistering
	}
	startGen := a.gen
	identity := a.identity
	a.mu.Unlock()

	a.log.Info("going online", "identity", identity, "token_path", req.path())

	tok, err := a.creds.fetch(ctx, req)
	if err != nil {
		if !replacing {
			a.setStatusIfGen(startGen, StatusUnregistered)
		}
		a.log.Warn("credential fetch failed", "error", err)
		a.emitError(err)
		return err
	}

	a.mu.Lock()
	if a.closed || a.gen != startGen {
		a.mu.Unlock()
		return fmt.Errorf("telephony: registration superseded")
	}
	old := a.transport
	a.transport = nil
	a.status = StatusRegistering
	a.gen++
	gen := a.gen
	a.lastToken = tok
	a.resetLegsLocked()
	a.mu.Unlock()

	if old != nil {
		old.Destroy()
	}

	t, err := a.factory(TransportConfig{Identity: identity, Token: tok, Emit: a.emitter(gen)})
	if err != nil {
		a.setStatusIfGen(gen, StatusUnregistered)
		err = fmt.Errorf("%w: build transport: %v", ErrProvider, err)
		a.emitError(err)
		return err
	}

	a.mu.Lock()
	if a.closed || a.gen != gen {
		a.mu.Unlock()
		t.Destroy()
		return fmt.Errorf("telephony: registration superseded")
	}
	a.transport = t
	a.mu.Unlock()

	if err := t.Register(ctx); err != nil {
		a.mu.Lock()
		if a.gen == gen {
			a.transport = nil
			a.gen++
			a.status = StatusUnregistered
		}
		a.mu.Unlock()
		t.Destroy()
		err = fmt.Errorf("%w: register: %v", ErrProvider, err)
		a.log.Warn("registration failed", "error", err)
		a.emitError(err)
		return err
	}
	return nil
}

// GoOffline destroys the transport and forgets every leg. It does nothing
// when already offline.
func (a *Adapter) GoOffline() {
	a.mu.Lock()
	t := a.transport
	if t == nil && a.status == StatusUnregistered {
		a.mu.Unlock()
		return
	}
	a.transport = nil
	a.gen++
	a.status = StatusUnregistered
	a.resetLegsLocked()
	a.mu.Unlock()

	if t != nil {
		t.Destroy()
	}
	a.log.Info("went offline")
}

// Refresh re-runs the last registration with a fresh credential.
func (a *Adapter) Refresh(ctx context.Context) error {
	a.mu.Lock()
	req := a.lastReq
	a.mu.Unlock()
	if req == nil {
		return ErrNeverRegistered
	}
	a.log.Info("manual refresh")
	return a.GoOnline(ctx, *req)
}

// AcceptIncoming answers the pending inbound leg; no-op without one.
func (a *Adapter) AcceptIncoming(ctx context.Context) error {
	a.mu.Lock()
	l := a.pending
	a.mu.Unlock()
	if l == nil {
		return nil
	}
	if err := l.call.Accept(ctx); err != nil {
		err = fmt.Errorf("%w: accept: %v", ErrProvider, err)
		a.emitError(err)
		return err
	}
	return nil
}

// RejectIncoming declines the pending inbound leg; no-op without one.
func (a *Adapter) RejectIncoming(ctx context.Context) error {
	a.mu.Lock()
	l := a.pending
	a.pending = nil
	a.mu.Unlock()
	if l == nil {
		return nil
	}
	if err := l.call.Reject(ctx); err != nil {
		err = fmt.Errorf("%w: reject: %v", ErrProvider, err)
		a.emitError(err)
		return err
	}
	return nil
}

// Connect dials destination with parameter To. It is a no-op without a
// transport or with an empty destination.
func (a *Adapter) Connect(ctx context.Context, destination string) error {
	destination = strings.TrimSpace(destination)

	a.mu.Lock()
	t := a.transport
	if t == nil || destination == "" {
		a.mu.Unlock()
		return nil
	}
	if a.active != nil || a.pending != nil || a.outgoing != nil {
		a.mu.Unlock()
		return ErrLegInProgress
	}

	params := map[string]string{"To": destination}
	call, err := t.Connect(ctx, params)
	if err != nil {
		a.mu.Unlock()
		err = fmt.Errorf("%w: connect: %v", ErrProvider, err)
		a.emitError(err)
		return err
	}
	l := &leg{
		id:        uuid.NewString(),
		direction: DirectionOutbound,
		remote:    destination,
		call:      call,
		params:    params,
		state:     LegDialing,
	}
	a.legs[call.ID()] = l
	a.outgoing = l
	a.mu.Unlock()

	a.log.Info("dialing", "leg_id", l.id, "call_id", call.ID())
	return nil
}

// DisconnectAll hangs up the active and dialing legs and rejects a
// pending inbound one.
func (a *Adapter) DisconnectAll(ctx context.Context) error {
	a.mu.Lock()
	pending, outgoing, active := a.pending, a.outgoing, a.active
	a.mu.Unlock()

	var errs []error
	if pending != nil {
		if err := pending.call.Reject(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, l := range []*leg{outgoing, active} {
		if l == nil {
			continue
		}
		if err := l.call.Hangup(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		err := fmt.Errorf("%w: disconnect: %v", ErrProvider, errors.Join(errs...))
		a.emitError(err)
		return err
	}
	return nil
}

// SetHold toggles hold on the active leg.
func (a *Adapter) SetHold(ctx context.Context, hold bool) error {
	a.mu.Lock()
	l := a.active
	a.mu.Unlock()
	if l == nil {
		return ErrNoActiveLeg
	}
	if err := l.call.SetHold(ctx, hold); err != nil {
		err = fmt.Errorf("%w: hold: %v", ErrProvider, err)
		a.emitError(err)
		return err
	}
	a.mu.Lock()
	l.held = hold
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Status() RegistrationStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Adapter) Registered() bool { return a.Status() == StatusRegistered }

func (a *Adapter) Identity() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

// ActiveLeg, PendingLeg and OutgoingLeg return snapshots of the current legs.
func (a *Adapter) ActiveLeg() (*LegInfo, bool) {
	return a.legSnapshot(func() *leg { return a.active })
}

func (a *Adapter) PendingLeg() (*LegInfo, bool) {
	return a.legSnapshot(func() *leg { return a.pending })
}

func (a *Adapter) OutgoingLeg() (*LegInfo, bool) {
	return a.legSnapshot(func() *leg { return a.outgoing })
}

func (a *Adapter) legSnapshot(pick func() *leg) (*LegInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l := pick()
	if l == nil {
		return nil, false
	}
	return l.info(), true
}

// Claims decodes the last voice credential for diagnostics. Nil for
// opaque credentials.
func (a *Adapter) Claims() map[string]any {
	a.mu.Lock()
	tok := a.lastToken
	a.mu.Unlock()
	claims, ok := auth.UnverifiedClaims(tok)
	if !ok {
		return nil
	}
	return claims
}

// Flush blocks until every event queued before the call has been dispatched.
func (a *Adapter) Flush(ctx context.Context) error {
	ch := make(chan struct{})
	if !a.q.push(queueItem{flushed: ch}) {
		return ErrClosed
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close goes offline and stops dispatching. Queued events are delivered first.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		a.GoOffline()
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		a.q.close()
		<-a.done
	})
}

func (a *Adapter) emitter(gen uint64) func(ProviderEvent) {
	return func(pe ProviderEvent) {
		a.q.push(queueItem{provider: &pe, gen: gen})
	}
}

func (a *Adapter) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = a.now()
	}
	a.q.push(queueItem{event: &ev})
}

func (a *Adapter) emitError(err error) {
	a.emit(Event{Kind: EventError, Err: err})
}

func (a *Adapter) setStatusIfGen(gen uint64, s RegistrationStatus) {
	a.mu.Lock()
	if a.gen == gen {
		a.status = s
	}
	a.mu.Unlock()
}

func (a *Adapter) resetLegsLocked() {
	a.legs = make(map[string]*leg)
	a.pending, a.outgoing, a.active = nil, nil, nil
}

func (a *Adapter) run() {
	defer close(a.done)
	for {
		it, ok := a.q.pop()
		if !ok {
			return
		}
		switch {
		case it.flushed != nil:
			close(it.flushed)
		case it.provider != nil:
			if ev, ok := a.apply(it.gen, *it.provider); ok {
				a.dispatch(ev)
			}
		case it.event != nil:
			a.dispatch(*it.event)
		}
	}
}

// apply folds a provider event into registration and leg state and returns
// the public event to publish, if any.
func (a *Adapter) apply(gen uint64, pe ProviderEvent) (Event, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if gen != a.gen {
		return Event{}, false
	}
	ev := Event{At: a.now(), Err: pe.Err}

	switch pe.Kind {
	case ProviderRegistered:
		a.status = StatusRegistered
		ev.Kind = EventRegistered
		return ev, true

	case ProviderUnregistered:
		a.status = StatusUnregistered
		ev.Kind = EventUnregistered
		return ev, true

	case ProviderOffline:
		a.status = StatusUnregistered
		ev.Kind = EventOffline
		return ev, true

	case ProviderError:
		ev.Kind = EventError
		if pe.Err != nil && !errors.Is(pe.Err, ErrProvider) {
			ev.Err = fmt.Errorf("%w: %v", ErrProvider, pe.Err)
		}
		return ev, true

	case ProviderTokenWillExpire:
		go a.refreshToken(gen)
		return Event{}, false
	}

	if pe.Call == nil {
		return Event{}, false
	}
	callID := pe.Call.ID()
	l := a.legs[callID]

	switch pe.Kind {
	case ProviderIncoming:
		if l != nil {
			return Event{}, false
		}
		if a.pending != nil || a.active != nil || a.outgoing != nil {
			call := pe.Call
			go func() {
				if err := call.Reject(context.Background()); err != nil {
					a.log.Warn("busy reject failed", "call_id", call.ID(), "error", err)
				}
			}()
			a.log.Info("rejected incoming call while busy", "call_id", callID)
			return Event{}, false
		}
		params := pe.Call.Params()
		l = &leg{
			id:        uuid.NewString(),
			direction: DirectionInbound,
			remote:    params["From"],
			call:      pe.Call,
			params:    params,
			state:     LegRinging,
		}
		a.legs[callID] = l
		a.pending = l
		ev.Kind = EventIncoming

	case ProviderAccepted:
		if l == nil || l.state != LegRinging {
			return Event{}, false
		}
		l.state = LegActive
		a.active = l
		if a.pending == l {
			a.pending = nil
		}
		ev.Kind = EventConnect

	case ProviderAnswered:
		if l == nil || l.state != LegDialing {
			return Event{}, false
		}
		l.state = LegActive
		a.active = l
		if a.outgoing == l {
			a.outgoing = nil
		}
		ev.Kind = EventConnect

	case ProviderDisconnected, ProviderCanceled:
		if l == nil {
			return Event{}, false
		}
		wasActive := l.state == LegActive
		if !l.terminal() {
			return Event{}, false
		}
		a.forgetLocked(callID, l)
		ev.Kind = EventCancel
		if wasActive {
			ev.Kind = EventDisconnect
		}

	default:
		return Event{}, false
	}

	ev.Leg = l.info()
	return ev, true
}

func (a *Adapter) forgetLocked(callID string, l *leg) {
	delete(a.legs, callID)
	if a.pending == l {
		a.pending = nil
	}
	if a.outgoing == l {
		a.outgoing = nil
	}
	if a.active == l {
		a.active = nil
	}
}

func (a *Adapter) refreshToken(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), a.refreshTimeout)
	defer cancel()

	a.mu.Lock()
	if gen != a.gen || a.lastReq == nil {
		a.mu.Unlock()
		return
	}
	req := *a.lastReq
	a.mu.Unlock()

	tok, err := a.creds.fetch(ctx, req)
	if err != nil {
		a.log.Warn("credential refresh failed", "error", err)
		a.emitError(err)
		return
	}

	a.mu.Lock()
	t := a.transport
	if gen != a.gen || t == nil {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	if err := t.UpdateToken(ctx, tok); err != nil {
		err = fmt.Errorf("%w: update token: %v", ErrProvider, err)
		a.log.Warn("credential hot swap failed", "error", err)
		a.emitError(err)
		return
	}

	a.mu.Lock()
	if gen == a.gen {
		a.lastToken = tok
	}
	a.mu.Unlock()
	a.log.Info("credential refreshed")
	a.emit(Event{Kind: EventTokenRefreshed})
}

func (a *Adapter) dispatch(ev Event) {
	a.hmu.RLock()
	entries := append([]handlerEntry(nil), a.handlers[ev.Kind]...)
	a.hmu.RUnlock()

	for _, e := range entries {
		a.invoke(e.h, ev)
	}
}

func (a *Adapter) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("event handler panicked", "event", string(ev.Kind), "panic", r)
		}
	}()
	if err := h(ev); err != nil {
		a.log.Error("event handler failed", "event", string(ev.Kind), "error", err)
	}
}
