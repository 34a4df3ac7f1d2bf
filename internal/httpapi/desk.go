package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"linguist-desk/internal/auth"
	"linguist-desk/internal/bridge"
	"linguist-desk/internal/guard"
	"linguist-desk/internal/reporting"
	"linguist-desk/internal/session"

	"github.com/gin-gonic/gin"
)

const sseKeepAlive = 15 * time.Second

// CreateSession opens a desk session for the caller. One per browser tab.
func (h Handlers) CreateSession(c *gin.Context) {
	if h.Registry == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "desk sessions not configured"})
		return
	}
	ctx := c.Request.Context()
	uid, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	ctrl, err := h.Registry.Create(ctx, uid)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if h.Tokens != nil {
		h.Tokens.Observe(ctrl.ID(), auth.Bearer(ctx))
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": ctrl.ID(), "state": ctrl.State()})
}

// AttachSession reconnects to a desk session after a reload and resumes
// online mode when it was online before.
func (h Handlers) AttachSession(c *gin.Context) {
	if h.Registry == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "desk sessions not configured"})
		return
	}
	ctx := c.Request.Context()
	uid, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	sid := c.Param("sid")
	ctrl, err := h.Registry.Attach(ctx, sid, uid)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if h.Tokens != nil {
		h.Tokens.Observe(sid, auth.Bearer(ctx))
	}
	resumed, err := ctrl.Resume(deskContext(c), true)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": resumed, "state": ctrl.State()})
}

func (h Handlers) CloseSession(c *gin.Context) {
	if _, ok := h.deskSession(c, true); !ok {
		return
	}
	sid := c.Param("sid")
	if err := h.Registry.Remove(c.Request.Context(), sid); err != nil {
		abortWithError(c, err)
		return
	}
	if h.Calls != nil {
		h.Calls.Forget(sid)
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) GetState(c *gin.Context) {
	ctrl, ok := h.deskSession(c, false)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ctrl.State())
}

// Events streams state snapshots as server-sent events.
func (h Handlers) Events(c *gin.Context) {
	ctrl, ok := h.deskSession(c, false)
	if !ok {
		return
	}
	feed, cancel := ctrl.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	c.Stream(func(_ io.Writer) bool {
		select {
		case st, ok := <-feed:
			if !ok {
				return false
			}
			c.SSEvent("state", st)
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// command runs fn against the caller's own desk session and answers with
// the resulting state.
func (h Handlers) command(c *gin.Context, fn func(ctrl *session.Controller) error) {
	ctrl, ok := h.deskSession(c, true)
	if !ok {
		return
	}
	if err := fn(ctrl); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ctrl.State())
}

func (h Handlers) GoOnline(c *gin.Context) {
	h.command(c, func(ctrl *session.Controller) error {
		return ctrl.GoOnline(deskContext(c))
	})
}

type offlineRequest struct {
	// Confirm is the user's answer to the in-call prompt.
	Confirm bool `json:"confirm"`
}

// GoOffline leaves online mode. During a call it needs confirm=true;
// otherwise it answers 409 with the prompt to show.
func (h Handlers) GoOffline(c *gin.Context) {
	ctrl, ok := h.deskSession(c, true)
	if !ok {
		return
	}
	var req offlineRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	ctx := session.WithConfirmer(deskContext(c), session.Answer(req.Confirm))
	done, err := ctrl.GoOffline(ctx)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !done {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":  "call in progress",
			"prompt": session.OfflinePrompt,
			"state":  ctrl.State(),
		})
		return
	}
	c.JSON(http.StatusOK, ctrl.State())
}

func (h Handlers) Accept(c *gin.Context) {
	h.command(c, func(ctrl *session.Controller) error {
		return ctrl.AcceptIncoming(deskContext(c))
	})
}

func (h Handlers) Reject(c *gin.Context) {
	h.command(c, func(ctrl *session.Controller) error {
		return ctrl.RejectIncoming(deskContext(c))
	})
}

func (h Handlers) Disconnect(c *gin.Context) {
	h.command(c, func(ctrl *session.Controller) error {
		return ctrl.DisconnectAll(deskContext(c))
	})
}

func (h Handlers) Refresh(c *gin.Context) {
	h.command(c, func(ctrl *session.Controller) error {
		return ctrl.Refresh(deskContext(c))
	})
}

type connectRequest struct {
	To string `json:"to"`
}

func (h Handlers) Connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	to := bridge.SanitizePhone(req.To)
	if to == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to required"})
		return
	}
	h.command(c, func(ctrl *session.Controller) error {
		return ctrl.Connect(deskContext(c), to)
	})
}

type holdRequest struct {
	Hold bool `json:"hold"`
}

func (h Handlers) Hold(c *gin.Context) {
	var req holdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	h.command(c, func(ctrl *session.Controller) error {
		return ctrl.SetHold(deskContext(c), req.Hold)
	})
}

type participantRequest struct {
	Phone string `json:"phone"`
}

// AddParticipant bridges a service user into the current call.
func (h Handlers) AddParticipant(c *gin.Context) {
	var req participantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	phone := bridge.SanitizePhone(req.Phone)
	h.command(c, func(ctrl *session.Controller) error {
		return ctrl.AddParticipant(deskContext(c), phone)
	})
}

type guardResponse struct {
	Online bool `json:"online"`
	guard.Policy
	Active bool `json:"active"`
}

// GuardPolicy tells the UI which navigation guards to install.
func (h Handlers) GuardPolicy(c *gin.Context) {
	ctrl, ok := h.deskSession(c, false)
	if !ok {
		return
	}
	online := ctrl.State().Online
	p := guard.PolicyFor(online)
	c.JSON(http.StatusOK, guardResponse{Online: online, Policy: p, Active: p.Active()})
}

type keyRequest struct {
	Key  string `json:"key"`
	Ctrl bool   `json:"ctrl"`
	Meta bool   `json:"meta"`
}

func (h Handlers) GuardKey(c *gin.Context) {
	ctrl, ok := h.deskSession(c, false)
	if !ok {
		return
	}
	var req keyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	block, msg := guard.PolicyFor(ctrl.State().Online).InterceptKey(req.Key, req.Ctrl, req.Meta)
	c.JSON(http.StatusOK, gin.H{"intercept": block, "message": msg})
}

func (h Handlers) GuardHistory(c *gin.Context) {
	ctrl, ok := h.deskSession(c, false)
	if !ok {
		return
	}
	block, msg := guard.PolicyFor(ctrl.State().Online).InterceptHistory()
	c.JSON(http.StatusOK, gin.H{"intercept": block, "message": msg})
}

// CallHistory lists the desk session's calls with a summary.
func (h Handlers) CallHistory(c *gin.Context) {
	if _, ok := h.deskSession(c, false); !ok {
		return
	}
	if h.Calls == nil || h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log not configured"})
		return
	}
	sid := c.Param("sid")

	var rng reporting.TimeRange
	for name, dst := range map[string]*time.Time{"from": &rng.From, "to": &rng.To} {
		if v := c.Query(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": name + " must be RFC3339"})
				return
			}
			*dst = t
		}
	}

	summary, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{DeskSessionID: sid, Range: rng})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": h.Calls.List(sid, rng.From, rng.To), "summary": summary})
}
