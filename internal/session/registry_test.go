package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"linguist-desk/internal/guard"
	"linguist-desk/pkg/clock"
	"linguist-desk/pkg/logger"
)

type deviceRecorder struct {
	mu   sync.Mutex
	devs map[string]*fakeDevice
}

func (r *deviceRecorder) factory(sid, _ string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := newFakeDevice()
	r.devs[sid] = d
	return d, nil
}

func newTestRegistry(t *testing.T, store guard.Store, clk clock.Clock) (*Registry, *deviceRecorder) {
	t.Helper()
	rec := &deviceRecorder{devs: make(map[string]*fakeDevice)}
	r, err := NewRegistry(RegistryConfig{
		NewDevice: rec.factory,
		Store:     store,
		Clock:     clk,
		Logger:    logger.Discard(),
		IdleTTL:   time.Hour,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(r.Close)
	return r, rec
}

func TestNewRegistryRequirements(t *testing.T) {
	if _, err := NewRegistry(RegistryConfig{Store: guard.NewMemoryStore()}); err == nil {
		t.Fatalf("expected error without device factory")
	}
	if _, err := NewRegistry(RegistryConfig{NewDevice: (&deviceRecorder{}).factory}); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestRegistryCreateAndGet(t *testing.T) {
	store := guard.NewMemoryStore()
	r, _ := newTestRegistry(t, store, nil)
	ctx := context.Background()

	c, err := r.Create(ctx, "42")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.ID() == "" || c.UserID() != "42" {
		t.Fatalf("unexpected controller %q %q", c.ID(), c.UserID())
	}
	if uid, _ := store.UserID(ctx, c.ID()); uid != "42" {
		t.Fatalf("expected owner persisted, got %q", uid)
	}

	got, err := r.Get(c.ID(), "42")
	if err != nil || got != c {
		t.Fatalf("Get: %v", err)
	}
	if _, err := r.Get(c.ID(), "7"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := r.Get("missing", "42"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected one session, got %d", r.Len())
	}
}

func TestRegistryAttachRebuildsFromStore(t *testing.T) {
	store := guard.NewMemoryStore()
	ctx := context.Background()

	first, _ := newTestRegistry(t, store, nil)
	c, err := first.Create(ctx, "42")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sid := c.ID()
	if err := c.GoOnline(ctx); err != nil {
		t.Fatalf("GoOnline: %v", err)
	}
	first.Close()

	second, rec := newTestRegistry(t, store, nil)
	if _, err := second.Attach(ctx, sid, "7"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := second.Attach(ctx, "unknown", "42"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}

	rebuilt, err := second.Attach(ctx, sid, "42")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if rebuilt.ID() != sid || rebuilt.State().Online {
		t.Fatalf("expected a fresh offline controller for %s", sid)
	}
	if ok, err := rebuilt.Resume(ctx, true); err != nil || !ok {
		t.Fatalf("expected resume of persisted intent, got %v %v", ok, err)
	}
	rec.mu.Lock()
	dev := rec.devs[sid]
	rec.mu.Unlock()
	if on, _, _ := dev.counts(); on != 1 {
		t.Fatalf("expected rebuilt device to go online once, got %d", on)
	}

	again, err := second.Attach(ctx, sid, "42")
	if err != nil || again != rebuilt {
		t.Fatalf("expected the live controller on second attach")
	}
}

func TestRegistrySweepClosesIdleOfflineSessions(t *testing.T) {
	clk := clock.Fake(time.Unix(1700000000, 0))
	r, _ := newTestRegistry(t, guard.NewMemoryStore(), clk)
	ctx := context.Background()

	idle, err := r.Create(ctx, "1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	busy, err := r.Create(ctx, "2")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := busy.GoOnline(ctx); err != nil {
		t.Fatalf("GoOnline: %v", err)
	}

	if n := r.Sweep(); n != 0 {
		t.Fatalf("expected nothing swept yet, got %d", n)
	}
	clk.Advance(2 * time.Hour)
	if n := r.Sweep(); n != 1 {
		t.Fatalf("expected one idle session swept, got %d", n)
	}
	if _, err := r.Get(idle.ID(), "1"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected idle session gone, got %v", err)
	}
	if _, err := r.Get(busy.ID(), "2"); err != nil {
		t.Fatalf("online session swept: %v", err)
	}
}

func TestRegistryRemove(t *testing.T) {
	store := guard.NewMemoryStore()
	r, _ := newTestRegistry(t, store, nil)
	var closedIDs []string
	r.cfg.OnClose = func(sid string) { closedIDs = append(closedIDs, sid) }
	ctx := context.Background()

	c, err := r.Create(ctx, "42")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.GoOnline(ctx); err != nil {
		t.Fatalf("GoOnline: %v", err)
	}
	if err := r.Remove(ctx, c.ID()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(closedIDs) != 1 || closedIDs[0] != c.ID() {
		t.Fatalf("expected OnClose for %s, got %v", c.ID(), closedIDs)
	}
	if online, _ := store.Online(ctx, c.ID()); online {
		t.Fatalf("expected online intent cleared")
	}
	if uid, _ := store.UserID(ctx, c.ID()); uid != "" {
		t.Fatalf("expected owner forgotten, got %q", uid)
	}
	if r.Len() != 0 {
		t.Fatalf("expected no sessions")
	}
	if err := r.Remove(ctx, c.ID()); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestRegistryOpenDoesNotHoldLockDuringStoreWrite(t *testing.T) {
	store := newGatedStore()
	store.user = "slow"
	r, _ := newTestRegistry(t, store, nil)
	ctx := context.Background()

	fast, err := r.Create(ctx, "42")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := r.Create(ctx, "slow")
		errc <- err
	}()
	<-store.entered

	got := make(chan error, 1)
	go func() {
		_, err := r.Get(fast.ID(), "42")
		got <- err
	}()
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("registry blocked on the store")
	}

	close(store.gate)
	if err := <-errc; err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", r.Len())
	}
}
