package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"linguist-desk/internal/auth"
	"linguist-desk/internal/backend"
	"linguist-desk/internal/bridge"
	"linguist-desk/internal/calls"
	"linguist-desk/internal/config"
	"linguist-desk/internal/guard"
	"linguist-desk/internal/reporting"
	"linguist-desk/internal/session"
	"linguist-desk/internal/telephony"
	"linguist-desk/pkg/logger"

	"github.com/gin-gonic/gin"
)

// stubDevice is a session.Device that registers immediately and lets
// tests ring calls in.
type stubDevice struct {
	mu       sync.Mutex
	handlers map[telephony.EventKind][]telephony.Handler
	status   telephony.RegistrationStatus
	pending  *telephony.LegInfo
	active   *telephony.LegInfo
	dialed   []string
}

func newStubDevice() *stubDevice {
	return &stubDevice{handlers: map[telephony.EventKind][]telephony.Handler{}, status: telephony.StatusUnregistered}
}

func (d *stubDevice) On(kind telephony.EventKind, h telephony.Handler) func() {
	d.mu.Lock()
	d.handlers[kind] = append(d.handlers[kind], h)
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.handlers, kind)
		d.mu.Unlock()
	}
}

func (d *stubDevice) emit(ev telephony.Event) {
	d.mu.Lock()
	hs := append([]telephony.Handler(nil), d.handlers[ev.Kind]...)
	d.mu.Unlock()
	for _, h := range hs {
		_ = h(ev)
	}
}

func (d *stubDevice) GoOnline(ctx context.Context, req telephony.TokenRequest) error {
	d.mu.Lock()
	d.status = telephony.StatusRegistered
	d.mu.Unlock()
	d.emit(telephony.Event{Kind: telephony.EventRegistered})
	return nil
}

func (d *stubDevice) GoOffline() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = telephony.StatusUnregistered
	d.pending, d.active = nil, nil
}

func (d *stubDevice) Refresh(ctx context.Context) error { return nil }

func (d *stubDevice) ring(leg *telephony.LegInfo) {
	d.mu.Lock()
	d.pending = leg
	d.mu.Unlock()
	d.emit(telephony.Event{Kind: telephony.EventIncoming, Leg: leg})
}

func (d *stubDevice) AcceptIncoming(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active, d.pending = d.pending, nil
	return nil
}

func (d *stubDevice) RejectIncoming(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = nil
	return nil
}

func (d *stubDevice) Connect(ctx context.Context, destination string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, destination)
	return nil
}

func (d *stubDevice) DisconnectAll(ctx context.Context) error {
	d.mu.Lock()
	l := d.active
	d.active = nil
	d.mu.Unlock()
	if l != nil {
		d.emit(telephony.Event{Kind: telephony.EventDisconnect, Leg: l})
	}
	return nil
}

func (d *stubDevice) SetHold(ctx context.Context, hold bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return telephony.ErrNoActiveLeg
	}
	d.active.Held = hold
	return nil
}

func (d *stubDevice) ActiveLeg() (*telephony.LegInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return nil, false
	}
	l := *d.active
	return &l, true
}

func (d *stubDevice) PendingLeg() (*telephony.LegInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return nil, false
	}
	l := *d.pending
	return &l, true
}

func (d *stubDevice) Status() telephony.RegistrationStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *stubDevice) Claims() map[string]any { return nil }
func (d *stubDevice) Close()                 {}

type testEnv struct {
	router      *gin.Engine
	mgr         *auth.Manager
	store       *guard.MemoryStore
	tokens      *auth.SessionTokens
	bridgeHits  *atomic.Int32
	bridgeQuery chan string

	mu   sync.Mutex
	devs map[string]*stubDevice
}

func (e *testEnv) device(sid string) *stubDevice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.devs[sid]
}

func newTestEnv(t *testing.T, bridgeStatus int) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		store:       guard.NewMemoryStore(),
		bridgeHits:  &atomic.Int32{},
		bridgeQuery: make(chan string, 4),
		devs:        map[string]*stubDevice{},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.bridgeHits.Add(1)
		select {
		case env.bridgeQuery <- r.Header.Get("Authorization") + " " + r.URL.RawQuery:
		default:
		}
		w.WriteHeader(bridgeStatus)
	}))
	t.Cleanup(srv.Close)
	be := backend.New(srv.URL, time.Second, logger.Discard())
	env.tokens = auth.NewSessionTokens(be, logger.Discard())

	callLog := calls.NewLog(0)
	reg, err := session.NewRegistry(session.RegistryConfig{
		NewDevice: func(sid, _ string) (session.Device, error) {
			d := newStubDevice()
			env.mu.Lock()
			env.devs[sid] = d
			env.mu.Unlock()
			return d, nil
		},
		Store:    env.store,
		Bridge:   bridge.NewClient(be, env.tokens, "", logger.Discard()),
		Observer: callLog,
		Logger:   logger.Discard(),
		OnClose:  env.tokens.Forget,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(reg.Close)

	mgr, err := auth.NewManager(config.AuthConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: 2 * time.Hour})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	env.mgr = mgr

	h := Handlers{
		Registry: reg,
		Tokens:   env.tokens,
		Backend:  be,
		Calls:    callLog,
		Reports:  reporting.NewService(callLog),
	}
	r := gin.New()
	r.Use(logger.Middleware(logger.Discard()))
	r.GET("/healthz", Health)
	h.RegisterDesk(r.Group("/v1/desk", auth.RequireAccessToken(mgr)))
	env.router = r
	return env
}

func (e *testEnv) token(t *testing.T, userID, role string) string {
	t.Helper()
	pair, err := e.mgr.IssuePair(time.Now(), userID, role)
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	return pair.AccessToken
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

// createSession opens a desk session for token's user and returns its id.
func (e *testEnv) createSession(t *testing.T, token string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/desk/sessions", token, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", w.Code, w.Body.String())
	}
	out := decode[struct {
		SessionID string `json:"session_id"`
	}](t, w)
	return out.SessionID
}
