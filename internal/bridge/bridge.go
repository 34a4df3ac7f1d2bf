package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"linguist-desk/internal/auth"
	"linguist-desk/internal/backend"
)

// DefaultPath is the backend endpoint that dials a third party into the
// call identified by a booking reference.
const DefaultPath = "/Call/AddParticipant"

var (
	ErrMissingParameter    = errors.New("bridge: booking reference and phone number are required")
	ErrInvalidPhone        = errors.New("bridge: phone number must be digits with an optional leading +")
	ErrBridgeRequestFailed = errors.New("bridge: add participant request failed")
)

var phonePattern = regexp.MustCompile(`^\+?\d+$`)

// Client adds service users to an active interpreted call.
type Client struct {
	backend *backend.Client
	tokens  auth.TokenSource
	path    string
	log     *slog.Logger
}

func NewClient(b *backend.Client, tokens auth.TokenSource, path string, log *slog.Logger) *Client {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{backend: b, tokens: tokens, path: path, log: log.With("component", "bridge")}
}

// AddParticipant asks the backend to bridge phone into the call for
// bookingRef. Validation failures never reach the network. There is no retry.
func (c *Client) AddParticipant(ctx context.Context, bookingRef, phone string) error {
	bookingRef = strings.TrimSpace(bookingRef)
	phone = strings.TrimSpace(phone)
	if bookingRef == "" || phone == "" {
		return ErrMissingParameter
	}
	if !phonePattern.MatchString(phone) {
		return ErrInvalidPhone
	}

	var bearer string
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBridgeRequestFailed, err)
		}
		bearer = tok
	}

	_, err := c.backend.Do(ctx, backend.Request{
		Method: http.MethodPost,
		Path:   c.path,
		Query:  url.Values{"BookingRef": {bookingRef}, "phoneNumber": {phone}},
		Bearer: bearer,
	})
	if err != nil {
		c.log.Warn("add participant failed", "booking_ref", bookingRef, "status", backend.StatusCode(err), "error", err)
		return fmt.Errorf("%w: %v", ErrBridgeRequestFailed, err)
	}
	c.log.Info("participant added", "booking_ref", bookingRef)
	return nil
}

// SanitizePhone keeps digits and a single leading '+'.
func SanitizePhone(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range strings.TrimSpace(s) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
