package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxRole
	ctxBearer
	ctxDeskSession
)

func WithIdentity(ctx context.Context, userID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

// WithBearer keeps the raw access token so it can be forwarded to the backend.
func WithBearer(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ctxBearer, token)
}

func UserID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxUserID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("user_id not in context")
}

func Role(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRole)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}

func Bearer(ctx context.Context) string {
	s, _ := ctx.Value(ctxBearer).(string)
	return s
}

// WithDeskSession tags ctx with the desk session a backend call is made for.
func WithDeskSession(ctx context.Context, sid string) context.Context {
	return context.WithValue(ctx, ctxDeskSession, sid)
}

func DeskSession(ctx context.Context) string {
	s, _ := ctx.Value(ctxDeskSession).(string)
	return s
}
