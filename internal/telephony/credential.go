package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"linguist-desk/internal/auth"
	"linguist-desk/internal/backend"
)

// DefaultTokenPath is used when a TokenRequest carries no path.
const DefaultTokenPath = "/Call/GenerateVoiceToken"

// TokenRequest locates the voice credential endpoint. Params become query
// parameters; empty values are skipped.
type TokenRequest struct {
	Path   string
	Params map[string]string
}

func (r TokenRequest) path() string {
	if strings.TrimSpace(r.Path) == "" {
		return DefaultTokenPath
	}
	return r.Path
}

func (r TokenRequest) query() url.Values {
	q := url.Values{}
	for k, v := range r.Params {
		if v != "" {
			q.Set(k, v)
		}
	}
	return q
}

// credentialSource fetches short-lived voice credentials from the backend.
type credentialSource struct {
	client *backend.Client
	tokens auth.TokenSource
}

func (s credentialSource) fetch(ctx context.Context, req TokenRequest) (string, error) {
	var bearer string
	if s.tokens != nil {
		if tok, err := s.tokens.Token(ctx); err == nil {
			bearer = tok
		}
	}

	res, err := s.client.Do(ctx, backend.Request{
		Method: http.MethodGet,
		Path:   req.path(),
		Query:  req.query(),
		Bearer: bearer,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialFetchFailed, err)
	}

	tok, err := parseCredential(res.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialFetchFailed, err)
	}
	return tok, nil
}

// parseCredential accepts {"token": ...}, {"accessToken": ...} or a bare
// JSON string.
func parseCredential(body []byte) (string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "", errors.New("empty body")
	}

	var obj struct {
		Token       string `json:"token"`
		AccessToken string `json:"accessToken"`
	}
	if body[0] == '{' {
		if err := json.Unmarshal(body, &obj); err != nil {
			return "", fmt.Errorf("malformed json: %w", err)
		}
		if obj.Token != "" {
			return obj.Token, nil
		}
		if obj.AccessToken != "" {
			return obj.AccessToken, nil
		}
		return "", errors.New("response carried no token")
	}

	var s string
	if err := json.Unmarshal(body, &s); err != nil {
		return "", fmt.Errorf("malformed json: %w", err)
	}
	if s == "" {
		return "", errors.New("response carried no token")
	}
	return s, nil
}
