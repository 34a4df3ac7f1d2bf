package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"linguist-desk/internal/auth"
	"linguist-desk/internal/guard"
	"linguist-desk/internal/telephony"
	"linguist-desk/pkg/clock"
)

var (
	ErrOffline        = errors.New("session: desk session is offline")
	ErrClosed         = errors.New("session: desk session closed")
	ErrNotStarted     = errors.New("session: controller not started")
	ErrNoIncomingCall = errors.New("session: no incoming call")
	ErrNoBridge       = errors.New("session: participant bridge not configured")
)

const (
	DefaultMetadataGrace = 5 * time.Second
	lookupTimeout        = 15 * time.Second
	inboxSize            = 256
)

// Device is the telephony surface a Controller drives.
// *telephony.Adapter implements it.
type Device interface {
	On(kind telephony.EventKind, h telephony.Handler) func()
	GoOnline(ctx context.Context, req telephony.TokenRequest) error
	GoOffline()
	Refresh(ctx context.Context) error
	AcceptIncoming(ctx context.Context) error
	RejectIncoming(ctx context.Context) error
	Connect(ctx context.Context, destination string) error
	DisconnectAll(ctx context.Context) error
	SetHold(ctx context.Context, hold bool) error
	ActiveLeg() (*telephony.LegInfo, bool)
	PendingLeg() (*telephony.LegInfo, bool)
	Status() telephony.RegistrationStatus
	Claims() map[string]any
	Close()
}

// Bridge adds a third party to the call for a booking.
type Bridge interface {
	AddParticipant(ctx context.Context, bookingRef, phone string) error
}

type Config struct {
	SessionID string
	UserID    string

	Device    Device
	Store     guard.Store
	Bridge    Bridge
	Metadata  MetadataSource
	Lock      *guard.OnlineLock
	Confirmer Confirmer
	Observer  Observer
	Clock     clock.Clock
	Logger    *slog.Logger

	TokenPath     string
	MetadataGrace time.Duration
}

// Controller is the call session state machine for one desk session. All
// state lives on a single loop goroutine; commands and device events are
// posted to it in order.
type Controller struct {
	id        string
	userID    string
	dev       Device
	store     guard.Store
	bridge    Bridge
	meta      MetadataSource
	lock      *guard.OnlineLock
	confirmer Confirmer
	observer  Observer
	clk       clock.Clock
	log       *slog.Logger
	tokenPath string
	grace     time.Duration

	inbox     chan func()
	quit      chan struct{}
	done      chan struct{}
	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	last      atomic.Pointer[State]

	// intentMu orders the persisted intent and online lock I/O of
	// GoOnline and GoOffline. It is never taken on the loop.
	intentMu sync.Mutex

	smu     sync.Mutex
	subs    map[uint64]chan State
	nextSub uint64
	closed  bool

	// loop owned
	state      State
	unsubs     []func()
	pending    *telephony.LegInfo
	leg        *telephony.LegInfo
	ticker     *repeater
	tickGen    uint64
	graceTimer clock.Timer
	lookupGen  uint64
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("session: session id is required")
	}
	if cfg.Device == nil {
		return nil, errors.New("session: device is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MetadataGrace <= 0 {
		cfg.MetadataGrace = DefaultMetadataGrace
	}
	if cfg.Observer == nil {
		cfg.Observer = Observers(nil)
	}

	c := &Controller{
		id:        cfg.SessionID,
		userID:    cfg.UserID,
		dev:       cfg.Device,
		store:     cfg.Store,
		bridge:    cfg.Bridge,
		meta:      cfg.Metadata,
		lock:      cfg.Lock,
		confirmer: cfg.Confirmer,
		observer:  cfg.Observer,
		clk:       cfg.Clock,
		log:       cfg.Logger.With("component", "desk_session", "desk_session", cfg.SessionID),
		tokenPath: cfg.TokenPath,
		grace:     cfg.MetadataGrace,
		inbox:     make(chan func(), inboxSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		subs:      make(map[uint64]chan State),
		state: State{
			SessionID:    cfg.SessionID,
			Registration: telephony.StatusUnregistered,
		},
	}
	snap := c.state.clone()
	c.last.Store(&snap)
	return c, nil
}

// Start runs the event loop. It is idempotent.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		c.started.Store(true)
		go c.loop()
	})
}

func (c *Controller) ID() string     { return c.id }
func (c *Controller) UserID() string { return c.userID }

func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.inbox:
			prev := c.state
			fn()
			if !sameState(prev, c.state) {
				c.publish()
			}
		case <-c.quit:
			return
		}
	}
}

func (c *Controller) post(fn func()) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.inbox <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	res := make(chan error, 1)
	if !c.post(func() { res <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) publish() {
	c.state.Version++
	snap := c.state.clone()
	c.last.Store(&snap)

	c.smu.Lock()
	defer c.smu.Unlock()
	for _, ch := range c.subs {
		offer(ch, snap)
	}
}

// offer replaces whatever the subscriber has not read yet.
func offer(ch chan State, s State) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

func sameState(a, b State) bool {
	ac, bc := a.Client, b.Client
	a.Client, b.Client = nil, nil
	if a != b {
		return false
	}
	if (ac == nil) != (bc == nil) {
		return false
	}
	return ac == nil || *ac == *bc
}

// State returns the current snapshot. After Close it returns the last one.
func (c *Controller) State() State {
	var out State
	err := c.do(context.Background(), func() error {
		out = c.state.clone()
		return nil
	})
	if err != nil {
		return *c.last.Load()
	}
	return out
}

// Snapshot returns the last published state without going through the loop.
func (c *Controller) Snapshot() State { return *c.last.Load() }

// Subscribe returns a feed of state changes starting with the current
// state. Slow readers only see the latest snapshot.
func (c *Controller) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	c.smu.Lock()
	if c.closed {
		c.smu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.nextSub++
	id := c.nextSub
	c.subs[id] = ch
	c.smu.Unlock()

	offer(ch, c.State())

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.smu.Lock()
			defer c.smu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

// Claims exposes the decoded voice credential for diagnostics.
func (c *Controller) Claims() map[string]any { return c.dev.Claims() }

// GoOnline marks the session online, persists the intent and registers the
// device. Calling it while online does nothing.
func (c *Controller) GoOnline(ctx context.Context) error {
	req, err := c.enterOnline(ctx)
	if err != nil || req == nil {
		return err
	}
	if err := c.dev.GoOnline(ctx, *req); err != nil {
		c.syncRegistration()
		return err
	}
	return nil
}

// enterOnline does the store and lock I/O off the loop, then flips the
// state on it. req is nil when the session was already online.
func (c *Controller) enterOnline(ctx context.Context) (*telephony.TokenRequest, error) {
	c.intentMu.Lock()
	defer c.intentMu.Unlock()

	var online bool
	if err := c.do(ctx, func() error { online = c.state.Online; return nil }); err != nil {
		return nil, err
	}
	if online {
		return nil, nil
	}

	if c.lock != nil {
		if err := c.lock.Acquire(ctx, c.userID, c.id); err != nil {
			return nil, err
		}
	}
	if err := c.store.SetOnline(ctx, c.id); err != nil {
		c.log.Warn("failed to persist online intent", "error", err)
	}
	identity := c.identity(ctx)

	var req *telephony.TokenRequest
	err := c.do(ctx, func() error {
		if c.state.Online {
			return nil
		}
		c.subscribeDevice()
		c.state.Online = true
		c.state.Registration = telephony.StatusRegistering
		c.state.LastError = ""
		req = &telephony.TokenRequest{Path: c.tokenPath, Params: map[string]string{"identity": identity}}
		c.observe(Activity{Kind: ActivityOnline})
		c.log.Info("going online", "identity", identity)
		return nil
	})
	if err != nil && c.lock != nil {
		c.lock.Release(context.WithoutCancel(ctx), c.userID, c.id)
	}
	return req, err
}

func (c *Controller) syncRegistration() {
	c.post(func() {
		if c.state.Online {
			c.state.Registration = c.dev.Status()
		}
	})
}

func (c *Controller) identity(ctx context.Context) string {
	uid, err := c.store.UserID(ctx, c.id)
	if err != nil {
		c.log.Warn("failed to read persisted user id", "error", err)
	}
	if uid == "" {
		uid = c.userID
	}
	return uid
}

// GoOffline leaves online mode. With a call in progress the Confirmer is
// asked first; a refusal returns false and changes nothing. Going offline
// while already offline is a no-op.
func (c *Controller) GoOffline(ctx context.Context) (bool, error) {
	var online, active bool
	err := c.do(ctx, func() error {
		online = c.state.Online
		active = c.callActive()
		return nil
	})
	if err != nil {
		return false, err
	}
	if !online {
		return true, nil
	}
	if active && !confirmerFrom(ctx, c.confirmer).Confirm(ctx, OfflinePrompt) {
		c.log.Info("going offline declined during call")
		return false, nil
	}

	c.intentMu.Lock()
	defer c.intentMu.Unlock()

	var left bool
	err = c.do(ctx, func() error {
		if !c.state.Online {
			return nil
		}
		left = true
		if c.callActive() {
			if err := c.dev.DisconnectAll(ctx); err != nil {
				c.log.Warn("disconnect before offline failed", "error", err)
			}
		}
		c.dev.GoOffline()
		c.unsubscribeDevice()
		c.endCall()
		c.pending = nil
		c.state.resetCall()
		c.state.Online = false
		c.state.Registration = telephony.StatusUnregistered
		c.state.LastError = ""
		c.observe(Activity{Kind: ActivityOffline})
		c.log.Info("went offline")
		return nil
	})
	if err != nil {
		return false, err
	}
	if left {
		if err := c.store.ClearOnline(ctx, c.id); err != nil {
			c.log.Warn("failed to clear online intent", "error", err)
		}
		if c.lock != nil {
			c.lock.Release(ctx, c.userID, c.id)
		}
	}
	return true, nil
}

func (c *Controller) callActive() bool {
	if c.state.Accepted {
		return true
	}
	_, ok := c.dev.ActiveLeg()
	return ok
}

// Resume re-enters online mode when the desk session was online before and
// authentication is valid.
func (c *Controller) Resume(ctx context.Context, authValid bool) (bool, error) {
	if c.State().Online {
		return true, nil
	}
	auth := guard.AuthInvalid
	if authValid {
		auth = guard.AuthValid
	}
	return guard.Resume(ctx, c.store, c.id, auth, c.GoOnline)
}

// Refresh re-registers the device with a fresh credential.
func (c *Controller) Refresh(ctx context.Context) error {
	if err := c.requireOnline(ctx); err != nil {
		return err
	}
	return c.dev.Refresh(ctx)
}

func (c *Controller) requireOnline(ctx context.Context) error {
	return c.do(ctx, func() error {
		if !c.state.Online {
			return ErrOffline
		}
		return nil
	})
}

// AcceptIncoming answers the ringing call and enters Accepted without
// waiting for the provider to confirm.
func (c *Controller) AcceptIncoming(ctx context.Context) error {
	err := c.do(ctx, func() error {
		if !c.state.Online {
			return ErrOffline
		}
		if c.pending == nil {
			return ErrNoIncomingCall
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := c.dev.AcceptIncoming(ctx); err != nil {
		return err
	}

	return c.do(ctx, func() error {
		if c.state.Accepted {
			return nil
		}
		// The caller may have hung up before the cancel reached the loop.
		leg, ok := c.dev.ActiveLeg()
		if !ok {
			leg, ok = c.dev.PendingLeg()
		}
		if !ok || leg == nil {
			c.pending = nil
			c.state.IncomingPending = false
			return ErrNoIncomingCall
		}
		c.enterAccepted(leg)
		return nil
	})
}

// RejectIncoming declines the ringing call.
func (c *Controller) RejectIncoming(ctx context.Context) error {
	if err := c.requireOnline(ctx); err != nil {
		return err
	}
	if err := c.dev.RejectIncoming(ctx); err != nil {
		return err
	}
	return c.do(ctx, func() error {
		c.state.IncomingPending = false
		c.pending = nil
		return nil
	})
}

// Connect dials destination.
func (c *Controller) Connect(ctx context.Context, destination string) error {
	if err := c.requireOnline(ctx); err != nil {
		return err
	}
	return c.dev.Connect(ctx, destination)
}

// DisconnectAll hangs up every leg. State follows the device events.
func (c *Controller) DisconnectAll(ctx context.Context) error {
	return c.dev.DisconnectAll(ctx)
}

func (c *Controller) SetHold(ctx context.Context, hold bool) error {
	if err := c.requireOnline(ctx); err != nil {
		return err
	}
	if err := c.dev.SetHold(ctx, hold); err != nil {
		return err
	}
	return c.do(ctx, func() error {
		if c.state.Accepted {
			c.state.Held = hold
		}
		return nil
	})
}

// AddParticipant bridges phone into the current call using the resolved
// booking reference. The result is dropped if the call changed meanwhile.
func (c *Controller) AddParticipant(ctx context.Context, phone string) error {
	if c.bridge == nil {
		return ErrNoBridge
	}
	var ref, legID string
	err := c.do(ctx, func() error {
		if c.state.Client != nil {
			ref = c.state.Client.BookingRef
		}
		legID = c.state.LegID
		return nil
	})
	if err != nil {
		return err
	}

	bridgeErr := c.bridge.AddParticipant(ctx, ref, phone)

	err = c.do(ctx, func() error {
		if c.state.LegID != legID {
			return nil
		}
		c.state.ParticipantAdded = bridgeErr == nil
		a := Activity{Kind: ActivityParticipantAdded, BookingRef: ref, Phone: phone, Err: bridgeErr}
		if bridgeErr != nil {
			a.Kind = ActivityParticipantFailed
		}
		c.observe(a)
		return nil
	})
	if bridgeErr != nil {
		return bridgeErr
	}
	return err
}

// Close stops timers and the loop and releases the device. Persisted
// online intent is kept so a later attach can resume.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		if c.started.Load() {
			var online bool
			_ = c.do(context.Background(), func() error {
				c.unsubscribeDevice()
				c.stopTicker()
				c.stopGrace()
				online = c.state.Online
				return nil
			})
			close(c.quit)
			<-c.done
			if c.lock != nil && online {
				c.lock.Release(context.Background(), c.userID, c.id)
			}
		} else {
			close(c.quit)
		}
		c.dev.Close()

		c.smu.Lock()
		c.closed = true
		for id, ch := range c.subs {
			delete(c.subs, id)
			close(ch)
		}
		c.smu.Unlock()
		c.log.Info("desk session closed")
	})
}

func (c *Controller) subscribeDevice() {
	c.unsubscribeDevice()
	for _, kind := range telephony.EventKinds {
		c.unsubs = append(c.unsubs, c.dev.On(kind, func(ev telephony.Event) error {
			c.post(func() { c.onEvent(ev) })
			return nil
		}))
	}
}

func (c *Controller) unsubscribeDevice() {
	for _, off := range c.unsubs {
		off()
	}
	c.unsubs = nil
}

func (c *Controller) onEvent(ev telephony.Event) {
	if !c.state.Online {
		return
	}
	switch ev.Kind {
	case telephony.EventRegistered:
		c.state.Registration = telephony.StatusRegistered
		c.state.IncomingPending = false
		c.state.LastError = ""

	case telephony.EventIncoming:
		if ev.Leg == nil {
			return
		}
		c.pending = ev.Leg
		c.state.IncomingPending = true
		c.state.Accepted = false
		c.state.CallerNumber = CallerNumber(ev.Leg.Params)
		c.log.Info("incoming call", "leg_id", ev.Leg.ID, "caller", c.state.CallerNumber)

	case telephony.EventCancel:
		c.state.IncomingPending = false
		if ev.Leg != nil && c.pending != nil && c.pending.ID == ev.Leg.ID {
			c.pending = nil
		}
		if c.state.Accepted && ev.Leg != nil && ev.Leg.ID == c.state.LegID {
			c.endCall()
		}

	case telephony.EventConnect:
		if ev.Leg == nil {
			return
		}
		if !c.state.Accepted {
			c.enterAccepted(ev.Leg)
		}

	case telephony.EventDisconnect:
		if ev.Leg != nil && c.state.LegID != "" && ev.Leg.ID != c.state.LegID {
			return
		}
		c.endCall()

	case telephony.EventOffline, telephony.EventUnregistered:
		c.state.Registration = telephony.StatusUnregistered
		c.log.Warn("provider registration lost", "event", string(ev.Kind))

	case telephony.EventError:
		if ev.Err != nil {
			c.state.LastError = ev.Err.Error()
			if c.state.Registration == telephony.StatusRegistering && c.dev.Status() == telephony.StatusUnregistered {
				c.state.Registration = telephony.StatusUnregistered
			}
		}

	case telephony.EventTokenRefreshed:
		c.log.Debug("voice credential refreshed")
	}
}

func (c *Controller) enterAccepted(leg *telephony.LegInfo) {
	c.leg = leg
	c.pending = nil
	c.state.Accepted = true
	c.state.IncomingPending = false
	c.state.LegID = leg.ID
	c.state.Held = leg.Held
	c.state.CallSeconds = 0
	c.state.ParticipantAdded = false
	if c.state.CallerNumber == "" {
		c.state.CallerNumber = CallerNumber(leg.Params)
		if c.state.CallerNumber == "" && leg.Direction == telephony.DirectionOutbound {
			c.state.CallerNumber = leg.Remote
		}
	}

	c.startTicker()
	c.startMetadata(leg)
	c.observe(Activity{
		Kind:      ActivityCallStarted,
		LegID:     leg.ID,
		Direction: leg.Direction,
		Caller:    c.state.CallerNumber,
	})
	c.log.Info("call accepted", "leg_id", leg.ID, "direction", string(leg.Direction))
}

// endCall stops call timers and resets call scoped state. Online is kept.
func (c *Controller) endCall() {
	if c.state.Accepted && c.leg != nil {
		a := Activity{
			Kind:      ActivityCallEnded,
			LegID:     c.leg.ID,
			Direction: c.leg.Direction,
			Caller:    c.state.CallerNumber,
			Duration:  time.Duration(c.state.CallSeconds) * time.Second,
		}
		if c.state.Client != nil {
			a.BookingRef = c.state.Client.BookingRef
			a.Language = c.state.Client.Language
		}
		c.observe(a)
	}
	c.stopTicker()
	c.stopGrace()
	c.leg = nil
	c.pending = nil
	c.state.resetCall()
}

func (c *Controller) startTicker() {
	c.stopTicker()
	gen := c.tickGen
	c.ticker = startRepeater(c.clk, time.Second, func() {
		c.post(func() { c.onTick(gen) })
	})
}

func (c *Controller) stopTicker() {
	if c.ticker != nil {
		c.ticker.stop()
		c.ticker = nil
	}
	c.tickGen++
}

func (c *Controller) onTick(gen uint64) {
	if gen != c.tickGen || !c.state.Accepted {
		return
	}
	c.state.CallSeconds++
}

func (c *Controller) startMetadata(leg *telephony.LegInfo) {
	c.stopGrace()

	callID := ProviderCallID(leg.Params)
	if callID == "" {
		if b, ok := BookingFromParams(leg.Params); ok {
			c.state.Client = &b
		}
		return
	}

	c.state.MetadataLoading = true
	gen := c.lookupGen
	c.graceTimer = c.clk.AfterFunc(c.grace, func() {
		c.post(func() { c.lookup(gen, leg, callID) })
	})
}

func (c *Controller) stopGrace() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.lookupGen++
}

func (c *Controller) lookup(gen uint64, leg *telephony.LegInfo, callID string) {
	if gen != c.lookupGen || c.state.LegID != leg.ID {
		return
	}
	c.graceTimer = nil
	if c.meta == nil {
		c.applyMetadata(gen, leg, Booking{}, ErrMetadataUnavailable)
		return
	}

	meta := c.meta
	go func() {
		ctx, cancel := context.WithTimeout(auth.WithDeskSession(context.Background(), c.id), lookupTimeout)
		defer cancel()
		b, err := meta.Resolve(ctx, callID)
		c.post(func() { c.applyMetadata(gen, leg, b, err) })
	}()
}

func (c *Controller) applyMetadata(gen uint64, leg *telephony.LegInfo, b Booking, err error) {
	if gen != c.lookupGen || c.state.LegID != leg.ID {
		c.log.Debug("discarding stale metadata", "leg_id", leg.ID)
		return
	}
	c.state.MetadataLoading = false

	if err != nil {
		c.log.Info("metadata lookup failed, using call parameters", "leg_id", leg.ID, "error", err)
		if fb, ok := BookingFromParams(leg.Params); ok {
			c.state.Client = &fb
		} else {
			c.state.Client = nil
		}
	} else {
		c.state.Client = &b
	}

	a := Activity{Kind: ActivityMetadata, LegID: leg.ID, Direction: leg.Direction, Caller: c.state.CallerNumber}
	if c.state.Client != nil {
		a.BookingRef = c.state.Client.BookingRef
		a.Language = c.state.Client.Language
	}
	c.observe(a)
}

func (c *Controller) observe(a Activity) {
	a.SessionID = c.id
	a.UserID = c.userID
	if a.At.IsZero() {
		a.At = c.clk.Now()
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("observer panicked", "activity", string(a.Kind), "panic", fmt.Sprint(r))
		}
	}()
	c.observer.Observe(a)
}
