package session

import (
	"context"

	"linguist-desk/internal/guard"
)

// gatedStore holds SetOnline, or SetUserID for one user, until gate closes.
type gatedStore struct {
	*guard.MemoryStore
	online  bool
	user    string
	entered chan struct{}
	gate    chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: guard.NewMemoryStore(),
		entered:     make(chan struct{}, 1),
		gate:        make(chan struct{}),
	}
}

func (g *gatedStore) hold(ctx context.Context) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.gate:
	case <-ctx.Done():
	}
}

func (g *gatedStore) SetOnline(ctx context.Context, sid string) error {
	if g.online {
		g.hold(ctx)
	}
	return g.MemoryStore.SetOnline(ctx, sid)
}

func (g *gatedStore) SetUserID(ctx context.Context, sid, userID string) error {
	if g.user != "" && userID == g.user {
		g.hold(ctx)
	}
	return g.MemoryStore.SetUserID(ctx, sid, userID)
}
