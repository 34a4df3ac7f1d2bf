package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"linguist-desk/internal/auth"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// sipTransport is one linguist registration on the shared SIPStack. The
// identity is the digest username and the voice credential the password.
type sipTransport struct {
	stack    *SIPStack
	log      *slog.Logger
	identity string
	emit     func(ProviderEvent)

	mu         sync.Mutex
	token      string
	registered bool
	destroyed  bool
	cancel     context.CancelFunc
	expiry     *time.Timer
	calls      map[string]*sipCall
}

func newSIPTransport(s *SIPStack, cfg TransportConfig) *sipTransport {
	return &sipTransport{
		stack:    s,
		log:      s.log.With("identity", cfg.Identity),
		identity: cfg.Identity,
		emit:     cfg.Emit,
		token:    cfg.Token,
		calls:    make(map[string]*sipCall),
	}
}

func (t *sipTransport) expirySeconds() int {
	return int(t.stack.cfg.RegisterExpiry / time.Second)
}

// Register performs the first REGISTER synchronously and then keeps the
// binding fresh in the background.
func (t *sipTransport) Register(ctx context.Context) error {
	granted, err := t.sendRegister(ctx, t.expirySeconds())
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		cancel()
		return fmt.Errorf("sip: transport destroyed")
	}
	t.registered = true
	t.cancel = cancel
	tok := t.token
	t.mu.Unlock()

	t.log.Info("registered", "expires_in", granted)
	t.scheduleTokenSignal(tok)
	t.emit(ProviderEvent{Kind: ProviderRegistered})
	go t.registrationLoop(loopCtx, granted)
	return nil
}

func (t *sipTransport) registrationLoop(ctx context.Context, granted int) {
	b := newBackoff()
	wait := refreshInterval(granted)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		g, err := t.sendRegister(ctx, t.expirySeconds())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = b.next()
			t.log.Error("re-registration failed", "error", err, "attempt", b.attempt, "retry_in", wait.String())

			t.mu.Lock()
			was := t.registered
			t.registered = false
			t.mu.Unlock()
			if was {
				t.emit(ProviderEvent{Kind: ProviderOffline, Err: err})
			}
			continue
		}

		b.reset()
		wait = refreshInterval(g)
		t.mu.Lock()
		was := t.registered
		t.registered = true
		t.mu.Unlock()
		if !was {
			t.log.Info("registration recovered")
			t.emit(ProviderEvent{Kind: ProviderRegistered})
		}
	}
}

// refreshInterval re-registers at 80% of the granted expiry.
func refreshInterval(grantedSeconds int) time.Duration {
	if grantedSeconds <= 0 {
		grantedSeconds = 60
	}
	return time.Duration(float64(grantedSeconds)*0.8) * time.Second
}

// UpdateToken swaps the credential and proves it with an immediate
// re-REGISTER. The old credential stays on failure.
func (t *sipTransport) UpdateToken(ctx context.Context, token string) error {
	t.mu.Lock()
	old := t.token
	t.token = token
	t.mu.Unlock()

	if _, err := t.sendRegister(ctx, t.expirySeconds()); err != nil {
		t.mu.Lock()
		t.token = old
		t.mu.Unlock()
		return err
	}
	t.scheduleTokenSignal(token)
	return nil
}

func (t *sipTransport) scheduleTokenSignal(token string) {
	exp, ok := auth.ExpiresAt(token)
	if !ok {
		return
	}
	d := time.Until(exp) - t.stack.cfg.TokenRefreshMargin
	if d < 0 {
		d = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return
	}
	if t.expiry != nil {
		t.expiry.Stop()
	}
	t.expiry = time.AfterFunc(d, func() {
		t.emit(ProviderEvent{Kind: ProviderTokenWillExpire})
	})
}

func (t *sipTransport) Connect(ctx context.Context, params map[string]string) (ProviderCall, error) {
	dest := strings.TrimSpace(params["To"])
	if dest == "" {
		return nil, fmt.Errorf("sip: destination is required")
	}
	c, err := newOutboundCall(t, params)
	if err != nil {
		return nil, err
	}
	t.addCall(c)
	go c.dial()
	return c, nil
}

// Destroy hangs up every call, unregisters and unbinds from the stack.
func (t *sipTransport) Destroy() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	if t.cancel != nil {
		t.cancel()
	}
	if t.expiry != nil {
		t.expiry.Stop()
	}
	registered := t.registered
	t.registered = false
	calls := make([]*sipCall, 0, len(t.calls))
	for _, c := range t.calls {
		calls = append(calls, c)
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, c := range calls {
		if err := c.Hangup(ctx); err != nil {
			t.log.Warn("hangup on destroy failed", "call_id", c.id, "error", err)
		}
	}
	if registered {
		if _, err := t.sendRegister(ctx, 0); err != nil {
			t.log.Warn("failed to un-register", "error", err)
		}
	}
	t.stack.unbind(t)
	t.log.Info("endpoint destroyed")
}

func (t *sipTransport) addCall(c *sipCall) {
	t.mu.Lock()
	t.calls[c.id] = c
	t.mu.Unlock()
}

func (t *sipTransport) removeCall(id string) {
	t.mu.Lock()
	delete(t.calls, id)
	t.mu.Unlock()
}

func (t *sipTransport) call(id string) *sipCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[id]
}

func (t *sipTransport) password() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

func (t *sipTransport) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	t.mu.Lock()
	destroyed := t.destroyed
	t.mu.Unlock()
	if destroyed {
		t.stack.respond(req, tx, 480, "Temporarily Unavailable")
		return
	}

	c, err := newInboundCall(t, req, tx)
	if err != nil {
		t.log.Warn("rejecting malformed invite", "error", err)
		t.stack.respond(req, tx, 400, "Bad Request")
		return
	}
	t.addCall(c)
	c.ring()
}

// sendRegister sends REGISTER with digest handling and returns the
// server-granted expiry.
func (t *sipTransport) sendRegister(ctx context.Context, expiry int) (int, error) {
	cfg := t.stack.cfg
	recipientStr := "sip:" + cfg.registrar()
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(cfg.transportName())

	aor := fmt.Sprintf("<sip:%s@%s>", t.identity, cfg.RegistrarHost)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", t.stack.contactURI(t.identity)))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := t.stack.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}
	res, err := getFinalResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := t.authorize(req, res, recipientStr)
		if err != nil {
			return 0, err
		}
		tx2, err := t.stack.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}
		res, err = getFinalResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	granted := expiry
	if h := res.GetHeader("Contact"); h != nil {
		if parsed := parseContactExpires(h.Value()); parsed > 0 {
			granted = parsed
		}
	} else if h := res.GetHeader("Expires"); h != nil {
		if parsed, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && parsed > 0 {
			granted = parsed
		}
	}
	return granted, nil
}

// authorize answers a 401/407 challenge with a cloned, signed request.
func (t *sipTransport) authorize(req *sip.Request, res *sip.Response, uri string) (*sip.Request, error) {
	authHeader, authzHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		authHeader, authzHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := res.GetHeader(authHeader)
	if h == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: t.identity,
		Password: t.password(),
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.RemoveHeader(authzHeader)
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// parseContactExpires extracts ;expires= from a Contact header value.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]
	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}
	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// backoff is exponential with ±20% jitter, capped at maxDelay.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{baseDelay: 5 * time.Second, maxDelay: 5 * time.Minute}
}

func (b *backoff) next() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	b.attempt++
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() { b.attempt = 0 }
