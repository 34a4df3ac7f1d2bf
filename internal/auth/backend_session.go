package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"linguist-desk/internal/backend"
)

const (
	loginPath   = "/Auth/login"
	refreshPath = "/Auth/refresh"
	logoutPath  = "/Auth/logout"
)

// LoginRequest is the backend login payload.
type LoginRequest struct {
	CardNo   string `json:"cardNo"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult is what the desk keeps from a backend login.
type LoginResult struct {
	Token  string `json:"token"`
	UserID string `json:"userId,omitempty"`
}

// BackendSession holds a linguist's backend bearer token and refreshes it
// shortly before it expires. It is a TokenSource.
type BackendSession struct {
	client *backend.Client
	log    *slog.Logger
	now    func() time.Time
	margin time.Duration

	mu     sync.Mutex
	token  string
	userID string
}

func NewBackendSession(client *backend.Client, token string, log *slog.Logger) *BackendSession {
	if log == nil {
		log = slog.Default()
	}
	return &BackendSession{
		client: client,
		log:    log.With("component", "auth_session"),
		now:    time.Now,
		margin: 30 * time.Second,
		token:  token,
	}
}

// Login authenticates against the backend and captures token and user id.
func (s *BackendSession) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	res, err := s.client.Do(ctx, backend.Request{Method: http.MethodPost, Path: loginPath, Body: req})
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: login: %w", err)
	}
	var payload map[string]any
	if err := res.DecodeJSON(&payload); err != nil {
		return LoginResult{}, fmt.Errorf("auth: login: %w", err)
	}

	out := LoginResult{Token: ExtractToken(payload), UserID: ExtractUserID(payload)}
	if out.Token == "" {
		return LoginResult{}, errors.New("auth: login response carried no token")
	}

	s.mu.Lock()
	s.token = out.Token
	if out.UserID != "" {
		s.userID = out.UserID
	}
	s.mu.Unlock()
	return out, nil
}

// Refresh exchanges the current token for a new one. Failure clears the session.
func (s *BackendSession) Refresh(ctx context.Context) (string, error) {
	return s.refresh(ctx, true)
}

func (s *BackendSession) refresh(ctx context.Context, clearOnFailure bool) (string, error) {
	s.mu.Lock()
	cur := s.token
	s.mu.Unlock()

	res, err := s.client.Do(ctx, backend.Request{Method: http.MethodPost, Path: refreshPath, Bearer: cur})
	var tok string
	if err == nil {
		var payload map[string]any
		if derr := res.DecodeJSON(&payload); derr == nil {
			tok = ExtractToken(payload)
		}
	}
	if tok == "" {
		if clearOnFailure {
			s.clear()
		}
		if err == nil {
			err = errors.New("refresh response carried no token")
		}
		s.log.Debug("refresh failed", "error", err)
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
	return tok, nil
}

// Token returns the current token, refreshing it first when it is about to
// expire. A failed refresh falls back to the current token while it is still
// valid.
func (s *BackendSession) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	cur := s.token
	s.mu.Unlock()
	if cur == "" {
		return "", ErrUnauthenticated
	}

	exp, ok := ExpiresAt(cur)
	if !ok || s.now().Add(s.margin).Before(exp) {
		return cur, nil
	}

	stillValid := s.now().Before(exp)
	tok, err := s.refresh(ctx, !stillValid)
	if err != nil {
		if stillValid {
			return cur, nil
		}
		return "", err
	}
	return tok, nil
}

// SetToken replaces the held token, e.g. with the bearer of a newer request.
func (s *BackendSession) SetToken(token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Logout notifies the backend and always clears local state. Backends
// without a logout route (404/405) are not an error.
func (s *BackendSession) Logout(ctx context.Context) error {
	s.mu.Lock()
	cur := s.token
	s.mu.Unlock()
	defer s.clear()

	_, err := s.client.Do(ctx, backend.Request{Method: http.MethodPost, Path: logoutPath, Bearer: cur})
	switch backend.StatusCode(err) {
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return nil
	}
	if err != nil {
		s.log.Warn("logout failed", "error", err)
		return err
	}
	return nil
}

func (s *BackendSession) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *BackendSession) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != ""
}

func (s *BackendSession) clear() {
	s.mu.Lock()
	s.token = ""
	s.userID = ""
	s.mu.Unlock()
}

// ExtractToken finds the bearer in a backend auth payload:
// token, accessToken, data.token or response.token.
func ExtractToken(payload map[string]any) string {
	if s := stringField(payload, "token"); s != "" {
		return s
	}
	if s := stringField(payload, "accessToken"); s != "" {
		return s
	}
	for _, k := range []string{"data", "response"} {
		if nested, ok := payload[k].(map[string]any); ok {
			if s := stringField(nested, "token"); s != "" {
				return s
			}
		}
	}
	return ""
}

// ExtractUserID finds the user id in response.userId, data.userId or userId.
// Numeric ids are rendered as integers.
func ExtractUserID(payload map[string]any) string {
	for _, k := range []string{"response", "data"} {
		if nested, ok := payload[k].(map[string]any); ok {
			if s := idField(nested, "userId"); s != "" {
				return s
			}
		}
	}
	return idField(payload, "userId")
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func idField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
