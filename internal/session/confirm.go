package session

import "context"

// OfflinePrompt is shown before going offline drops an active call.
const OfflinePrompt = "You're currently in a call.\nGoing offline will end your current call and reset the session.\nDo you want to proceed?"

// Confirmer asks the user a yes/no question. It may block.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) bool
}

type ConfirmFunc func(ctx context.Context, prompt string) bool

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) bool { return f(ctx, prompt) }

// Answer is a Confirmer with a fixed answer, used for requests that
// carry the user's decision.
type Answer bool

func (a Answer) Confirm(context.Context, string) bool { return bool(a) }

type confirmerKey struct{}

// WithConfirmer overrides the controller's Confirmer for one call.
func WithConfirmer(ctx context.Context, c Confirmer) context.Context {
	return context.WithValue(ctx, confirmerKey{}, c)
}

func confirmerFrom(ctx context.Context, fallback Confirmer) Confirmer {
	if c, ok := ctx.Value(confirmerKey{}).(Confirmer); ok && c != nil {
		return c
	}
	if fallback != nil {
		return fallback
	}
	return Answer(false)
}
