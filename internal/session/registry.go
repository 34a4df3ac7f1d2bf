package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"linguist-desk/internal/guard"
	"linguist-desk/pkg/clock"

	"github.com/google/uuid"
)

var (
	ErrUnknownSession = errors.New("session: unknown desk session")
	ErrForbidden      = errors.New("session: desk session belongs to another user")
)

// DeviceFactory builds the telephony device for a new desk session.
type DeviceFactory func(sessionID, userID string) (Device, error)

type RegistryConfig struct {
	NewDevice DeviceFactory
	Store     guard.Store
	Bridge    Bridge
	Metadata  MetadataSource
	Lock      *guard.OnlineLock
	Observer  Observer
	Clock     clock.Clock
	Logger    *slog.Logger

	TokenPath     string
	MetadataGrace time.Duration
	// IdleTTL closes offline sessions nobody touched for this long.
	IdleTTL time.Duration
	// OnClose runs after a session is removed or swept.
	OnClose func(sid string)
}

type entry struct {
	c        *Controller
	owner    string
	lastSeen time.Time
}

// Registry owns the Controllers of this process, keyed by desk session id.
type Registry struct {
	cfg RegistryConfig
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.NewDevice == nil {
		return nil, errors.New("session: device factory is required")
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
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 12 * time.Hour
	}
	return &Registry{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "session_registry"),
		sessions: make(map[string]*entry),
	}, nil
}

// Create starts a new desk session for userID.
func (r *Registry) Create(ctx context.Context, userID string) (*Controller, error) {
	return r.open(ctx, uuid.NewString(), userID)
}

// Attach returns the desk session sid for userID. A session known only to
// the store (for example after a restart) is rebuilt under the same id.
func (r *Registry) Attach(ctx context.Context, sid, userID string) (*Controller, error) {
	if c, err := r.Get(sid, userID); err == nil {
		return c, nil
	} else if !errors.Is(err, ErrUnknownSession) {
		return nil, err
	}

	owner, err := r.cfg.Store.UserID(ctx, sid)
	if err != nil {
		return nil, err
	}
	if owner == "" {
		return nil, ErrUnknownSession
	}
	if owner != userID {
		return nil, ErrForbidden
	}
	return r.open(ctx, sid, userID)
}

func (r *Registry) open(ctx context.Context, sid, userID string) (*Controller, error) {
	if c, ok, err := r.live(sid, userID); ok || err != nil {
		return c, err
	}

	// Device construction and store I/O run outside r.mu; a concurrent open
	// of the same sid keeps whichever controller registers first.
	if err := r.cfg.Store.SetUserID(ctx, sid, userID); err != nil {
		return nil, fmt.Errorf("session: persist user id: %w", err)
	}
	dev, err := r.cfg.NewDevice(sid, userID)
	if err != nil {
		return nil, fmt.Errorf("session: build device: %w", err)
	}
	c, err := NewController(Config{
		SessionID:     sid,
		UserID:        userID,
		Device:        dev,
		Store:         r.cfg.Store,
		Bridge:        r.cfg.Bridge,
		Metadata:      r.cfg.Metadata,
		Lock:          r.cfg.Lock,
		Observer:      r.cfg.Observer,
		Clock:         r.cfg.Clock,
		Logger:        r.cfg.Logger,
		TokenPath:     r.cfg.TokenPath,
		MetadataGrace: r.cfg.MetadataGrace,
	})
	if err != nil {
		dev.Close()
		return nil, err
	}

	r.mu.Lock()
	if e, ok := r.sessions[sid]; ok {
		r.mu.Unlock()
		dev.Close()
		if e.owner != userID {
			return nil, ErrForbidden
		}
		return e.c, nil
	}
	c.Start()
	r.sessions[sid] = &entry{c: c, owner: userID, lastSeen: r.cfg.Clock.Now()}
	r.mu.Unlock()

	r.log.Info("desk session opened", "desk_session", sid, "user_id", userID)
	return c, nil
}

// live returns the registered controller for sid, touching it.
func (r *Registry) live(sid, userID string) (*Controller, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil, false, nil
	}
	if e.owner != userID {
		return nil, true, ErrForbidden
	}
	e.lastSeen = r.cfg.Clock.Now()
	return e.c, true, nil
}

// Get returns the live session sid if userID owns it.
func (r *Registry) Get(sid, userID string) (*Controller, error) {
	c, owner, err := r.Lookup(sid)
	if err != nil {
		return nil, err
	}
	if owner != userID {
		return nil, ErrForbidden
	}
	return c, nil
}

// Lookup returns a live session and its owner without an ownership check.
func (r *Registry) Lookup(sid string) (*Controller, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil, "", ErrUnknownSession
	}
	e.lastSeen = r.cfg.Clock.Now()
	return e.c, e.owner, nil
}

// Remove closes sid and forgets its persisted state.
func (r *Registry) Remove(ctx context.Context, sid string) error {
	r.mu.Lock()
	e, ok := r.sessions[sid]
	delete(r.sessions, sid)
	r.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	if _, err := e.c.GoOffline(WithConfirmer(ctx, Answer(true))); err != nil {
		r.log.Warn("offline on remove failed", "desk_session", sid, "error", err)
	}
	e.c.Close()
	r.closed(sid)
	return r.cfg.Store.Forget(ctx, sid)
}

func (r *Registry) closed(sid string) {
	if r.cfg.OnClose != nil {
		r.cfg.OnClose(sid)
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep closes offline sessions idle for longer than IdleTTL and returns
// how many it closed.
func (r *Registry) Sweep() int {
	now := r.cfg.Clock.Now()
	var stale []*entry

	r.mu.Lock()
	for sid, e := range r.sessions {
		if now.Sub(e.lastSeen) < r.cfg.IdleTTL {
			continue
		}
		if e.c.Snapshot().Online {
			continue
		}
		delete(r.sessions, sid)
		stale = append(stale, e)
	}
	r.mu.Unlock()

	for _, e := range stale {
		e.c.Close()
		r.closed(e.c.ID())
	}
	if len(stale) > 0 {
		r.log.Info("closed idle desk sessions", "count", len(stale))
	}
	return len(stale)
}

// Run sweeps idle sessions until ctx is done.
func (r *Registry) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep()
		}
	}
}

// Close closes every session. Persisted intent is kept.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*entry, 0, len(r.sessions))
	for sid, e := range r.sessions {
		all = append(all, e)
		delete(r.sessions, sid)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range all {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			c.Close()
		}(e.c)
	}
	wg.Wait()
}
