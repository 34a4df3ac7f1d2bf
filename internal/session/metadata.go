package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"linguist-desk/internal/auth"
	"linguist-desk/internal/backend"
)

// ErrMetadataUnavailable means no candidate endpoint produced usable
// metadata. Callers fall back to the leg's parameter bag.
var ErrMetadataUnavailable = errors.New("session: call metadata unavailable")

// DefaultMetadataPaths are tried in order.
var DefaultMetadataPaths = []string{
	"/Call/OnDemondClientData",
	"/call/OnDemondClientData",
	"/api/Call/OnDemondClientData",
	"/Call/OnDemandClientData",
}

// MetadataSource resolves booking metadata for a provider call id.
type MetadataSource interface {
	Resolve(ctx context.Context, callID string) (Booking, error)
}

// MetadataResolver queries candidate backend paths with ClientCallSid. The
// first 2xx answer is authoritative; an empty object counts as a failure.
type MetadataResolver struct {
	backend *backend.Client
	tokens  auth.TokenSource
	paths   []string
	log     *slog.Logger
}

func NewMetadataResolver(b *backend.Client, tokens auth.TokenSource, paths []string, log *slog.Logger) *MetadataResolver {
	if len(paths) == 0 {
		paths = DefaultMetadataPaths
	}
	if log == nil {
		log = slog.Default()
	}
	return &MetadataResolver{
		backend: b,
		tokens:  tokens,
		paths:   append([]string(nil), paths...),
		log:     log.With("component", "metadata"),
	}
}

func (r *MetadataResolver) Resolve(ctx context.Context, callID string) (Booking, error) {
	if callID == "" {
		return Booking{}, ErrMetadataUnavailable
	}

	var bearer string
	if r.tokens != nil {
		if tok, err := r.tokens.Token(ctx); err == nil {
			bearer = tok
		}
	}

	var errs []error
	for _, p := range r.paths {
		res, err := r.backend.Do(ctx, backend.Request{
			Method: http.MethodGet,
			Path:   p,
			Query:  url.Values{"ClientCallSid": {callID}},
			Bearer: bearer,
		})
		if err != nil {
			if ctx.Err() != nil {
				return Booking{}, fmt.Errorf("%w: %v", ErrMetadataUnavailable, ctx.Err())
			}
			errs = append(errs, err)
			continue
		}

		var payload map[string]any
		if err := res.DecodeJSON(&payload); err != nil || len(payload) == 0 {
			r.log.Info("metadata endpoint returned no data", "path", p, "call_id", callID)
			return Booking{}, ErrMetadataUnavailable
		}
		b, ok := NormalizeBooking(payload)
		if !ok {
			r.log.Info("metadata carried no booking fields", "path", p, "call_id", callID)
			return Booking{}, ErrMetadataUnavailable
		}
		return b, nil
	}
	return Booking{}, fmt.Errorf("%w: %v", ErrMetadataUnavailable, errors.Join(errs...))
}
