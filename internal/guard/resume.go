package guard

import (
	"context"
	"fmt"
)

// AuthState is how far authentication has progressed for a desk session.
type AuthState int

const (
	AuthPending AuthState = iota
	AuthValid
	AuthInvalid
)

// Resume re-enters online mode for sid when the persisted flag is set and
// authentication is valid. It never resumes while auth is pending.
func Resume(ctx context.Context, store Store, sid string, auth AuthState, goOnline func(context.Context) error) (bool, error) {
	if auth != AuthValid {
		return false, nil
	}
	online, err := store.Online(ctx, sid)
	if err != nil {
		return false, fmt.Errorf("guard: resume: %w", err)
	}
	if !online {
		return false, nil
	}
	if err := goOnline(ctx); err != nil {
		return false, err
	}
	return true, nil
}
