package httpapi

import (
	"context"
	"errors"
	"net/http"

	"linguist-desk/internal/auth"
	"linguist-desk/internal/backend"
	"linguist-desk/internal/bridge"
	"linguist-desk/internal/calls"
	"linguist-desk/internal/guard"
	"linguist-desk/internal/rbac"
	"linguist-desk/internal/reporting"
	"linguist-desk/internal/session"
	"linguist-desk/internal/telephony"
	"linguist-desk/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Registry *session.Registry
	Tokens   *auth.SessionTokens
	Backend  *backend.Client
	Calls    *calls.Log
	Reports  *reporting.Service
}

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// deskSession resolves :sid for the caller. write requires ownership;
// observers may read.
func (h Handlers) deskSession(c *gin.Context, write bool) (*session.Controller, bool) {
	if h.Registry == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "desk sessions not configured"})
		return nil, false
	}
	ctx := c.Request.Context()
	uid, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return nil, false
	}
	role, _ := auth.Role(ctx)

	sid := c.Param("sid")
	ctrl, owner, err := h.Registry.Lookup(sid)
	if err != nil {
		abortWithError(c, err)
		return nil, false
	}
	if !rbac.CanAccessSession(role, uid, owner, write) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return nil, false
	}
	if write && h.Tokens != nil {
		h.Tokens.Observe(sid, auth.Bearer(ctx))
	}
	return ctrl, true
}

// deskContext tags the request context with its desk session for backend calls.
func deskContext(c *gin.Context) context.Context {
	return auth.WithDeskSession(c.Request.Context(), c.Param("sid"))
}

// abortWithError maps domain errors onto HTTP status codes.
func abortWithError(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.FromGin(c).Error("desk request failed", "error", err)
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, session.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, bridge.ErrMissingParameter), errors.Is(err, bridge.ErrInvalidPhone):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrOffline),
		errors.Is(err, session.ErrNoIncomingCall),
		errors.Is(err, guard.ErrAlreadyOnline),
		errors.Is(err, telephony.ErrLegInProgress),
		errors.Is(err, telephony.ErrNoActiveLeg),
		errors.Is(err, telephony.ErrNeverRegistered):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone
	case errors.Is(err, bridge.ErrBridgeRequestFailed),
		errors.Is(err, telephony.ErrCredentialFetchFailed),
		errors.Is(err, telephony.ErrProvider):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrNoBridge):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
