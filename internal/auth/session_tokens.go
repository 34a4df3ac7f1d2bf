package auth

import (
	"context"
	"log/slog"
	"sync"

	"linguist-desk/internal/backend"
)

// SessionTokens keeps one BackendSession per desk session, so backend calls
// made on behalf of a desk carry that linguist's bearer.
//
// As a TokenSource it resolves, in order: the BackendSession of the desk
// session tagged on ctx, then the request bearer on ctx.
type SessionTokens struct {
	client *backend.Client
	log    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*BackendSession
}

func NewSessionTokens(client *backend.Client, log *slog.Logger) *SessionTokens {
	if log == nil {
		log = slog.Default()
	}
	return &SessionTokens{client: client, log: log, sessions: make(map[string]*BackendSession)}
}

// For returns the BackendSession of sid, creating an empty one on first use.
func (s *SessionTokens) For(sid string) *BackendSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs, ok := s.sessions[sid]
	if !ok {
		bs = NewBackendSession(s.client, "", s.log)
		s.sessions[sid] = bs
	}
	return bs
}

// Observe records the bearer a desk request arrived with.
func (s *SessionTokens) Observe(sid, bearer string) {
	if sid == "" || bearer == "" {
		return
	}
	s.For(sid).SetToken(bearer)
}

func (s *SessionTokens) Forget(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sid)
}

func (s *SessionTokens) Token(ctx context.Context) (string, error) {
	if sid := DeskSession(ctx); sid != "" {
		s.mu.Lock()
		bs, ok := s.sessions[sid]
		s.mu.Unlock()
		if ok && bs.Authenticated() {
			if tok, err := bs.Token(ctx); err == nil {
				return tok, nil
			}
		}
	}
	if b := Bearer(ctx); b != "" {
		return b, nil
	}
	return "", ErrUnauthenticated
}
