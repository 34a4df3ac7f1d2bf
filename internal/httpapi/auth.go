package httpapi

import (
	"net/http"

	"linguist-desk/internal/auth"
	"linguist-desk/internal/backend"
	"linguist-desk/pkg/logger"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	CardNo   string `json:"cardNo"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login forwards credentials to the booking backend and returns its token.
func (h Handlers) Login(c *gin.Context) {
	if h.Backend == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "backend not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Password == "" || (req.Username == "" && req.CardNo == "") {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "username or cardNo, and password required"})
		return
	}

	s := auth.NewBackendSession(h.Backend, "", logger.FromGin(c))
	res, err := s.Login(c.Request.Context(), auth.LoginRequest(req))
	if err != nil {
		abortBackendAuth(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": res.Token, "user_id": res.UserID})
}

// RefreshToken exchanges the caller's bearer for a fresh one.
func (h Handlers) RefreshToken(c *gin.Context) {
	if h.Backend == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "backend not configured"})
		return
	}
	tok, ok := auth.BearerFromHeader(c.GetHeader("Authorization"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	s := auth.NewBackendSession(h.Backend, tok, logger.FromGin(c))
	fresh, err := s.Refresh(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "refresh failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": fresh})
}

// Logout tells the backend the token is done with.
func (h Handlers) Logout(c *gin.Context) {
	if h.Backend == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "backend not configured"})
		return
	}
	tok, ok := auth.BearerFromHeader(c.GetHeader("Authorization"))
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	if err := auth.NewBackendSession(h.Backend, tok, logger.FromGin(c)).Logout(c.Request.Context()); err != nil {
		abortBackendAuth(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func abortBackendAuth(c *gin.Context, err error) {
	switch code := backend.StatusCode(err); code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		c.AbortWithStatusJSON(code, gin.H{"error": "authentication failed"})
	default:
		logger.FromGin(c).Warn("backend auth call failed", "error", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "auth backend unavailable"})
	}
}
