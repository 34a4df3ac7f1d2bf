package telephony

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

const customHeaderPrefix = "X-"

var errCallEnded = errors.New("sip: call already ended")

// sipCall is one SIP dialog. It implements ProviderCall.
type sipCall struct {
	t         *sipTransport
	id        string
	direction Direction
	params    map[string]string
	media     *mediaSession

	mu        sync.Mutex
	state     LegState
	localTag  string
	inviteReq *sip.Request
	inviteTx  sip.ServerTransaction
	inviteRes *sip.Response
	cseq      uint32

	dialCtx    context.Context
	dialCancel context.CancelFunc

	decided     chan struct{}
	decidedOnce sync.Once
}

func newInboundCall(t *sipTransport, req *sip.Request, tx sip.ServerTransaction) (*sipCall, error) {
	id := callIDOf(req)
	if id == "" {
		return nil, errors.New("missing Call-ID")
	}
	media, err := newMediaSession(t.stack.cfg.MediaAddr)
	if err != nil {
		return nil, err
	}

	params := map[string]string{"CallSid": id}
	if from := req.From(); from != nil {
		params["From"] = from.Address.User
	}
	params["To"] = req.Recipient.User
	for _, h := range req.Headers() {
		name := h.Name()
		if len(name) > len(customHeaderPrefix) && strings.EqualFold(name[:len(customHeaderPrefix)], customHeaderPrefix) {
			params[name[len(customHeaderPrefix):]] = h.Value()
		}
	}

	var cseq uint32
	if h := req.CSeq(); h != nil {
		cseq = h.SeqNo
	}

	return &sipCall{
		t:         t,
		id:        id,
		direction: DirectionInbound,
		params:    params,
		media:     media,
		state:     LegRinging,
		localTag:  sip.GenerateTagN(16),
		inviteReq: req,
		inviteTx:  tx,
		cseq:      cseq,
		decided:   make(chan struct{}),
	}, nil
}

func newOutboundCall(t *sipTransport, params map[string]string) (*sipCall, error) {
	media, err := newMediaSession(t.stack.cfg.MediaAddr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &sipCall{
		t:          t,
		id:         uuid.NewString(),
		direction:  DirectionOutbound,
		params:     maps.Clone(params),
		media:      media,
		state:      LegDialing,
		localTag:   sip.GenerateTagN(16),
		dialCtx:    ctx,
		dialCancel: cancel,
		decided:    make(chan struct{}),
	}, nil
}

func (c *sipCall) ID() string { return c.id }

func (c *sipCall) Params() map[string]string { return maps.Clone(c.params) }

func (c *sipCall) log() []any {
	return []any{"call_id", c.id, "direction", string(c.direction)}
}

func (c *sipCall) decide() {
	c.decidedOnce.Do(func() { close(c.decided) })
}

// end marks the call terminal and reports whether this caller did it.
func (c *sipCall) end() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == LegEnded {
		return false
	}
	c.state = LegEnded
	return true
}

func (c *sipCall) finish(kind ProviderEventKind, err error) {
	if !c.end() {
		return
	}
	c.decide()
	if c.dialCancel != nil {
		c.dialCancel()
	}
	c.t.removeCall(c.id)
	c.t.emit(ProviderEvent{Kind: kind, Call: c, Err: err})
}

// ring answers 180 and holds the INVITE transaction open until the call is
// accepted, rejected or cancelled.
func (c *sipCall) ring() {
	res := sip.NewResponseFromRequest(c.inviteReq, 180, "Ringing", nil)
	c.tagResponse(res)
	if err := c.inviteTx.Respond(res); err != nil {
		c.t.log.Error("failed to send ringing", append(c.log(), "error", err)...)
		c.finish(ProviderCanceled, err)
		return
	}
	c.t.log.Info("incoming call", append(c.log(), "from", c.params["From"])...)
	c.t.emit(ProviderEvent{Kind: ProviderIncoming, Call: c})

	select {
	case <-c.decided:
	case <-c.inviteTx.Done():
		c.mu.Lock()
		ringing := c.state == LegRinging
		c.mu.Unlock()
		if ringing {
			c.finish(ProviderCanceled, nil)
		}
	}
}

func (c *sipCall) tagResponse(res *sip.Response) {
	if to := res.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", c.localTag)
		}
	}
	res.AppendHeader(sip.NewHeader("Contact", c.t.stack.contactURI(c.t.identity)))
}

func (c *sipCall) Accept(ctx context.Context) error {
	if c.direction != DirectionInbound {
		return fmt.Errorf("sip: accept on outbound call")
	}
	c.mu.Lock()
	if c.state != LegRinging {
		c.mu.Unlock()
		return errCallEnded
	}
	c.mu.Unlock()

	var body []byte
	var err error
	if remote := c.inviteReq.Body(); len(remote) > 0 {
		body, err = c.media.answer(remote, directionSendRecv)
	} else {
		body, err = c.media.offer(directionSendRecv)
	}
	if err != nil {
		c.t.log.Warn("no usable media in offer", append(c.log(), "error", err)...)
		c.respondInvite(488, "Not Acceptable Here", nil)
		c.finish(ProviderCanceled, err)
		return err
	}

	if err := c.respondInvite(200, "OK", body); err != nil {
		c.finish(ProviderCanceled, err)
		return err
	}

	c.mu.Lock()
	c.state = LegActive
	c.mu.Unlock()
	c.decide()
	c.t.emit(ProviderEvent{Kind: ProviderAccepted, Call: c})
	return nil
}

func (c *sipCall) respondInvite(code int, reason string, body []byte) error {
	res := sip.NewResponseFromRequest(c.inviteReq, code, reason, body)
	c.tagResponse(res)
	if len(body) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	if err := c.inviteTx.Respond(res); err != nil {
		c.t.log.Error("failed to respond to invite", append(c.log(), "code", code, "error", err)...)
		return err
	}
	if code >= 200 && code < 300 {
		c.mu.Lock()
		c.inviteRes = res
		c.mu.Unlock()
	}
	return nil
}

func (c *sipCall) Reject(ctx context.Context) error {
	if c.direction != DirectionInbound {
		return c.Hangup(ctx)
	}
	c.mu.Lock()
	ringing := c.state == LegRinging
	c.mu.Unlock()
	if !ringing {
		return errCallEnded
	}
	err := c.respondInvite(486, "Busy Here", nil)
	c.finish(ProviderCanceled, nil)
	return err
}

func (c *sipCall) Hangup(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case LegRinging:
		return c.Reject(ctx)
	case LegDialing:
		// dial observes the cancellation and sends CANCEL.
		c.dialCancel()
		return nil
	case LegActive:
		err := c.sendInDialog(ctx, sip.BYE, nil)
		if err != nil {
			c.t.log.Warn("bye failed", append(c.log(), "error", err)...)
		}
		c.finish(ProviderDisconnected, nil)
		return err
	}
	return nil
}

func (c *sipCall) remoteCancel() {
	c.mu.Lock()
	ringing := c.state == LegRinging && c.direction == DirectionInbound
	c.mu.Unlock()
	if !ringing {
		return
	}
	c.respondInvite(487, "Request Terminated", nil)
	c.t.log.Info("caller cancelled", c.log()...)
	c.finish(ProviderCanceled, nil)
}

func (c *sipCall) remoteBye() {
	c.t.log.Info("remote hangup", c.log()...)
	c.mu.Lock()
	active := c.state == LegActive
	c.mu.Unlock()
	if active {
		c.finish(ProviderDisconnected, nil)
		return
	}
	c.finish(ProviderCanceled, nil)
}

func (c *sipCall) handleReInvite(req *sip.Request, tx sip.ServerTransaction) {
	dir := directionSendRecv
	var body []byte
	var err error
	if remote := req.Body(); len(remote) > 0 {
		c.t.log.Info("remote re-invite", append(c.log(), "remote_direction", string(mediaDirectionOf(remote)))...)
		body, err = c.media.answer(remote, dir)
	} else {
		body, err = c.media.offer(dir)
	}
	if err != nil {
		c.t.stack.respond(req, tx, 488, "Not Acceptable Here")
		return
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	res.AppendHeader(sip.NewHeader("Contact", c.t.stack.contactURI(c.t.identity)))
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		c.t.log.Error("failed to answer re-invite", append(c.log(), "error", err)...)
	}
}

// SetHold re-offers media as sendonly (hold) or sendrecv (resume).
func (c *sipCall) SetHold(ctx context.Context, hold bool) error {
	c.mu.Lock()
	active := c.state == LegActive
	c.mu.Unlock()
	if !active {
		return errCallEnded
	}
	dir := directionSendRecv
	if hold {
		dir = directionSendOnly
	}
	body, err := c.media.offer(dir)
	if err != nil {
		return err
	}
	return c.sendInDialog(ctx, sip.INVITE, body)
}

// inDialogRequest builds a request inside the established dialog.
func (c *sipCall) inDialogRequest(method sip.RequestMethod) (*sip.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cseq++
	var req *sip.Request

	switch c.direction {
	case DirectionOutbound:
		if c.inviteReq == nil || c.inviteRes == nil {
			return nil, errors.New("dialog not established")
		}
		recipient := c.inviteReq.Recipient.Clone()
		if contact := c.inviteRes.Contact(); contact != nil {
			recipient = contact.Address.Clone()
		}
		req = sip.NewRequest(method, *recipient)
		if h := c.inviteReq.From(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
		if h := c.inviteRes.To(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
		for i := len(c.inviteRes.GetHeaders("Record-Route")) - 1; i >= 0; i-- {
			rr := c.inviteRes.GetHeaders("Record-Route")[i]
			req.AppendHeader(sip.NewHeader("Route", rr.Value()))
		}

	default:
		if c.inviteReq == nil {
			return nil, errors.New("dialog not established")
		}
		recipient := c.inviteReq.Recipient.Clone()
		if contact := c.inviteReq.Contact(); contact != nil {
			recipient = contact.Address.Clone()
		}
		req = sip.NewRequest(method, *recipient)
		if to := c.inviteReq.To(); to != nil {
			from := &sip.FromHeader{DisplayName: to.DisplayName, Address: *to.Address.Clone()}
			from.Params.Add("tag", c.localTag)
			req.AppendHeader(from)
		}
		if from := c.inviteReq.From(); from != nil {
			to := &sip.ToHeader{DisplayName: from.DisplayName, Address: *from.Address.Clone()}
			if tag, ok := from.Params.Get("tag"); ok {
				to.Params.Add("tag", tag)
			}
			req.AppendHeader(to)
		}
		for _, rr := range c.inviteReq.GetHeaders("Record-Route") {
			req.AppendHeader(sip.NewHeader("Route", rr.Value()))
		}
	}

	req.AppendHeader(sip.NewHeader("Call-ID", c.id))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.cseq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(sip.NewHeader("Contact", c.t.stack.contactURI(c.t.identity)))
	req.SetTransport(c.t.stack.cfg.transportName())
	return req, nil
}

// sendInDialog sends BYE or a re-INVITE, answers one digest challenge and
// ACKs a 2xx to INVITE.
func (c *sipCall) sendInDialog(ctx context.Context, method sip.RequestMethod, body []byte) error {
	req, err := c.inDialogRequest(method)
	if err != nil {
		return err
	}
	if len(body) > 0 {
		req.SetBody(body)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := c.transact(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return err
	}
	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := c.t.authorize(req, res, req.Recipient.String())
		if err != nil {
			return err
		}
		res, err = c.transact(ctx, authReq, sipgo.ClientRequestIncreaseCSEQ, sipgo.ClientRequestAddVia)
		if err != nil {
			return err
		}
		req = authReq
		if cs := authReq.CSeq(); cs != nil {
			c.mu.Lock()
			c.cseq = cs.SeqNo
			c.mu.Unlock()
		}
	}

	if method == sip.INVITE && res.StatusCode >= 200 && res.StatusCode < 300 {
		if err := c.t.stack.client.WriteRequest(buildACKFor2xx(req, res)); err != nil {
			c.t.log.Warn("failed to ack re-invite", append(c.log(), "error", err)...)
		}
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("%s rejected with %d %s", method, res.StatusCode, res.Reason)
	}
	return nil
}

func (c *sipCall) transact(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (*sip.Response, error) {
	tx, err := c.t.stack.client.TransactionRequest(ctx, req, opts...)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Method, err)
	}
	defer tx.Terminate()
	return getFinalResponse(ctx, tx)
}

// dial runs the outbound INVITE transaction until a final answer or until
// Hangup cancels it.
func (c *sipCall) dial() {
	cfg := c.t.stack.cfg
	dest := strings.TrimSpace(c.params["To"])

	var recipient sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", dest, cfg.registrar()), &recipient); err != nil {
		c.finish(ProviderCanceled, fmt.Errorf("parsing destination: %w", err))
		return
	}

	offer, err := c.media.offer(directionSendRecv)
	if err != nil {
		c.finish(ProviderCanceled, err)
		return
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(cfg.transportName())
	req.SetBody(offer)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.AppendHeader(sip.NewHeader("Call-ID", c.id))

	from := &sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: c.t.identity, Host: cfg.RegistrarHost},
	}
	from.Params.Add("tag", c.localTag)
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: *recipient.Clone()})
	req.AppendHeader(sip.NewHeader("Contact", c.t.stack.contactURI(c.t.identity)))
	for k, v := range c.params {
		if k == "To" || v == "" {
			continue
		}
		req.AppendHeader(sip.NewHeader(customHeaderPrefix+k, v))
	}

	c.t.log.Info("dialing", append(c.log(), "to", dest)...)

	res, sent, err := c.invite(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.sendCancel(sent)
			c.t.log.Info("dial cancelled", c.log()...)
			c.finish(ProviderCanceled, nil)
			return
		}
		c.t.log.Warn("dial failed", append(c.log(), "error", err)...)
		c.finish(ProviderCanceled, err)
		return
	}

	if res.StatusCode >= 300 {
		c.t.log.Info("dial rejected", append(c.log(), "status", res.StatusCode)...)
		c.finish(ProviderCanceled, fmt.Errorf("remote answered %d %s", res.StatusCode, res.Reason))
		return
	}

	if err := c.t.stack.client.WriteRequest(buildACKFor2xx(sent, res)); err != nil {
		c.t.log.Warn("failed to ack answer", append(c.log(), "error", err)...)
	}

	c.mu.Lock()
	if c.state != LegDialing {
		c.mu.Unlock()
		return
	}
	c.state = LegActive
	c.inviteReq = sent
	c.inviteRes = res
	if cs := sent.CSeq(); cs != nil {
		c.cseq = cs.SeqNo
	}
	c.mu.Unlock()

	c.t.log.Info("call answered", c.log()...)
	c.t.emit(ProviderEvent{Kind: ProviderAnswered, Call: c})
}

// invite sends req and returns the final response along with the request
// that produced it (the authorized clone after a challenge).
func (c *sipCall) invite(req *sip.Request) (*sip.Response, *sip.Request, error) {
	ctx := c.dialCtx
	authed := false

	for {
		opts := []sipgo.ClientRequestOption{sipgo.ClientRequestBuild}
		if authed {
			opts = []sipgo.ClientRequestOption{sipgo.ClientRequestIncreaseCSEQ, sipgo.ClientRequestAddVia}
		}
		tx, err := c.t.stack.client.TransactionRequest(ctx, req, opts...)
		if err != nil {
			return nil, req, fmt.Errorf("sending invite: %w", err)
		}

		res, err := getFinalResponse(ctx, tx)
		tx.Terminate()
		if err != nil {
			return nil, req, err
		}

		if (res.StatusCode == 401 || res.StatusCode == 407) && !authed {
			authReq, err := c.t.authorize(req, res, req.Recipient.String())
			if err != nil {
				return nil, req, err
			}
			req = authReq
			authed = true
			continue
		}
		return res, req, nil
	}
}

// sendCancel cancels a pending INVITE. CANCEL reuses the INVITE's Via
// branch, From, To, Call-ID and CSeq number.
func (c *sipCall) sendCancel(invite *sip.Request) {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancelReq.SetTransport(invite.Transport())
	if h := invite.Via(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	cancelReq.AppendHeader(sip.NewHeader("Call-ID", c.id))
	if h := invite.CSeq(); h != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := c.t.stack.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		c.t.log.Debug("failed to send cancel", append(c.log(), "error", err)...)
		return
	}
	tx.Terminate()
}

func buildACKFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	for i := len(inviteRes.GetHeaders("Record-Route")) - 1; i >= 0; i-- {
		ack.AppendHeader(sip.NewHeader("Route", inviteRes.GetHeaders("Record-Route")[i].Value()))
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())
	return ack
}
