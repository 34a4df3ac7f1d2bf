package telephony

import (
	"context"
	"errors"
	"maps"
	"sync"
)

// fakeFactory records every transport it builds.
type fakeFactory struct {
	mu          sync.Mutex
	built       []*fakeTransport
	registerErr error
}

func (f *fakeFactory) Factory() TransportFactory {
	return func(cfg TransportConfig) (Transport, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		t := &fakeTransport{cfg: cfg, registerErr: f.registerErr}
		f.built = append(f.built, t)
		return t, nil
	}
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.built) == 0 {
		return nil
	}
	return f.built[len(f.built)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

type fakeTransport struct {
	cfg         TransportConfig
	registerErr error

	mu        sync.Mutex
	updateErr error
	destroyed int
	tokens    []string
	dialed    []*fakeCall
}

func (t *fakeTransport) Register(ctx context.Context) error {
	if t.registerErr != nil {
		return t.registerErr
	}
	t.cfg.Emit(ProviderEvent{Kind: ProviderRegistered})
	return nil
}

func (t *fakeTransport) Connect(ctx context.Context, params map[string]string) (ProviderCall, error) {
	c := &fakeCall{t: t, id: "out-" + params["To"], params: maps.Clone(params)}
	t.mu.Lock()
	t.dialed = append(t.dialed, c)
	t.mu.Unlock()
	return c, nil
}

func (t *fakeTransport) UpdateToken(ctx context.Context, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.updateErr != nil {
		return t.updateErr
	}
	t.tokens = append(t.tokens, token)
	return nil
}

func (t *fakeTransport) Destroy() {
	t.mu.Lock()
	t.destroyed++
	t.mu.Unlock()
}

func (t *fakeTransport) destroyCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destroyed
}

func (t *fakeTransport) updatedTokens() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.tokens...)
}

func (t *fakeTransport) incoming(id, from string) *fakeCall {
	c := &fakeCall{t: t, id: id, params: map[string]string{"From": from, "CallSid": id}}
	t.cfg.Emit(ProviderEvent{Kind: ProviderIncoming, Call: c})
	return c
}

type fakeCall struct {
	t      *fakeTransport
	id     string
	params map[string]string

	mu       sync.Mutex
	accepted bool
	rejected bool
	hungUp   bool
	held     bool
}

func (c *fakeCall) ID() string                { return c.id }
func (c *fakeCall) Params() map[string]string { return maps.Clone(c.params) }

func (c *fakeCall) Accept(ctx context.Context) error {
	c.mu.Lock()
	c.accepted = true
	c.mu.Unlock()
	c.t.cfg.Emit(ProviderEvent{Kind: ProviderAccepted, Call: c})
	return nil
}

func (c *fakeCall) Reject(ctx context.Context) error {
	c.mu.Lock()
	c.rejected = true
	c.mu.Unlock()
	c.t.cfg.Emit(ProviderEvent{Kind: ProviderCanceled, Call: c})
	return nil
}

func (c *fakeCall) Hangup(ctx context.Context) error {
	c.mu.Lock()
	c.hungUp = true
	c.mu.Unlock()
	c.t.cfg.Emit(ProviderEvent{Kind: ProviderDisconnected, Call: c})
	return nil
}

func (c *fakeCall) SetHold(ctx context.Context, hold bool) error {
	if c.id == "" {
		return errors.New("no call")
	}
	c.mu.Lock()
	c.held = hold
	c.mu.Unlock()
	return nil
}

func (c *fakeCall) wasRejected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}
