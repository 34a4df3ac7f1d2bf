package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// SIPConfig configures the process wide SIP user agent.
type SIPConfig struct {
	ListenAddr    string
	RegistrarHost string
	RegistrarPort int
	Transport     string // udp or tcp
	MediaAddr     string
	// RegisterExpiry is the requested REGISTER expiry.
	RegisterExpiry time.Duration
	// TokenRefreshMargin is how long before credential expiry the transport
	// asks for a fresh one.
	TokenRefreshMargin time.Duration
}

func (c SIPConfig) registrar() string {
	return net.JoinHostPort(c.RegistrarHost, strconv.Itoa(c.RegistrarPort))
}

func (c SIPConfig) transportName() string {
	return strings.ToUpper(c.Transport)
}

// SIPStack owns one sipgo UserAgent, Server and Client and routes inbound
// requests to the endpoint registered under the Request-URI user.
type SIPStack struct {
	cfg    SIPConfig
	log    *slog.Logger
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	contactHost string
	contactPort int

	mu        sync.RWMutex
	endpoints map[string]*sipTransport
}

func NewSIPStack(cfg SIPConfig, log *slog.Logger) (*SIPStack, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RegistrarHost == "" {
		return nil, errors.New("sip: registrar host is required")
	}
	if cfg.RegisterExpiry <= 0 {
		cfg.RegisterExpiry = 5 * time.Minute
	}
	if cfg.TokenRefreshMargin <= 0 {
		cfg.TokenRefreshMargin = time.Minute
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}

	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("sip: listen addr %q: %w", cfg.ListenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("sip: listen port %q: %w", portStr, err)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		if mh, _, err := net.SplitHostPort(cfg.MediaAddr); err == nil && mh != "" {
			host = mh
		} else {
			host = "127.0.0.1"
		}
	}
	if cfg.MediaAddr == "" {
		cfg.MediaAddr = net.JoinHostPort(host, "10000")
	}

	l := log.With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("linguist-desk"),
		sipgo.WithUserAgentHostname(host),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(l))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(l))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	s := &SIPStack{
		cfg:         cfg,
		log:         l,
		ua:          ua,
		srv:         srv,
		client:      client,
		contactHost: host,
		contactPort: port,
		endpoints:   make(map[string]*sipTransport),
	}

	srv.OnInvite(s.handleInvite)
	srv.OnCancel(s.handleCancel)
	srv.OnBye(s.handleBye)
	srv.OnAck(s.handleAck)
	srv.OnOptions(s.handleOptions)
	return s, nil
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *SIPStack) ListenAndServe(ctx context.Context) error {
	s.log.Info("sip listening", "addr", s.cfg.ListenAddr, "transport", s.cfg.Transport)
	return s.srv.ListenAndServe(ctx, s.cfg.Transport, s.cfg.ListenAddr)
}

func (s *SIPStack) Close() {
	s.mu.RLock()
	eps := make([]*sipTransport, 0, len(s.endpoints))
	for _, t := range s.endpoints {
		eps = append(eps, t)
	}
	s.mu.RUnlock()
	for _, t := range eps {
		t.Destroy()
	}

	s.client.Close()
	s.srv.Close()
	s.ua.Close()
}

// Factory returns a TransportFactory that binds endpoints to this stack.
func (s *SIPStack) Factory() TransportFactory {
	return func(cfg TransportConfig) (Transport, error) {
		if cfg.Identity == "" {
			return nil, errors.New("sip: identity is required")
		}
		if cfg.Emit == nil {
			return nil, errors.New("sip: emit callback is required")
		}
		t := newSIPTransport(s, cfg)
		s.bind(t)
		return t, nil
	}
}

func (s *SIPStack) bind(t *sipTransport) {
	s.mu.Lock()
	prev := s.endpoints[t.identity]
	s.endpoints[t.identity] = t
	s.mu.Unlock()
	if prev != nil && prev != t {
		s.log.Warn("identity rebound to a new endpoint", "identity", t.identity)
	}
}

func (s *SIPStack) unbind(t *sipTransport) {
	s.mu.Lock()
	if s.endpoints[t.identity] == t {
		delete(s.endpoints, t.identity)
	}
	s.mu.Unlock()
}

func (s *SIPStack) endpoint(user string) *sipTransport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoints[user]
}

func (s *SIPStack) callByID(callID string) *sipCall {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.endpoints {
		if c := t.call(callID); c != nil {
			return c
		}
	}
	return nil
}

func (s *SIPStack) contactURI(user string) string {
	return fmt.Sprintf("<sip:%s@%s>", user, net.JoinHostPort(s.contactHost, strconv.Itoa(s.contactPort)))
}

func (s *SIPStack) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	if to := req.To(); to != nil {
		if _, ok := to.Params.Get("tag"); ok {
			s.handleReInvite(req, tx)
			return
		}
	}

	t := s.endpoint(req.Recipient.User)
	if t == nil {
		s.respond(req, tx, 404, "Not Found")
		return
	}
	t.handleInvite(req, tx)
}

func (s *SIPStack) handleReInvite(req *sip.Request, tx sip.ServerTransaction) {
	c := s.callByID(callIDOf(req))
	if c == nil {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	c.handleReInvite(req, tx)
}

func (s *SIPStack) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	c := s.callByID(callIDOf(req))
	if c == nil {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	s.respond(req, tx, 200, "OK")
	c.remoteCancel()
}

func (s *SIPStack) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	c := s.callByID(callIDOf(req))
	if c == nil {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	s.respond(req, tx, 200, "OK")
	c.remoteBye()
}

func (s *SIPStack) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	s.log.Debug("ack received", "call_id", callIDOf(req))
}

func (s *SIPStack) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		s.log.Error("failed to respond to options", "error", err)
	}
}

func (s *SIPStack) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.log.Error("failed to send response", "code", code, "call_id", callIDOf(req), "error", err)
	}
}

func callIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

// getResponse waits for the next response on a client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// getFinalResponse skips provisional responses.
func getFinalResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		res, err := getResponse(ctx, tx)
		if err != nil {
			return nil, err
		}
		if res.StatusCode >= 200 {
			return res, nil
		}
	}
}
