package auth

import (
	"context"
	"errors"
)

// ErrUnauthenticated means no bearer credential is available.
var ErrUnauthenticated = errors.New("auth: not authenticated")

// TokenSource yields the current bearer credential, refreshing it on demand.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that never refreshes.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrUnauthenticated
	}
	return string(s), nil
}
