// Package captcha verifies bot-verification tokens against the reCAPTCHA
// siteverify endpoint.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultEndpoint = "https://www.google.com/recaptcha/api/siteverify"

var (
	// ErrNotConfigured means no secret was provided; tokens cannot be
	// verified and creation must be rejected.
	ErrNotConfigured = errors.New("captcha is not configured on the server")
	// ErrTokenExpired is returned for timeout-or-duplicate verdicts.
	ErrTokenExpired = errors.New("captcha has expired")
	// ErrTokenInvalid is any other unsuccessful verdict.
	ErrTokenInvalid = errors.New("invalid captcha")
)

type Verifier struct {
	secret   string
	endpoint string
	client   *http.Client
}

func New(secret string) *Verifier {
	return &Verifier{
		secret:   secret,
		endpoint: defaultEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// NewWithEndpoint points the verifier at a non-default endpoint; used by
// tests to substitute a local server.
func NewWithEndpoint(secret, endpoint string) *Verifier {
	v := New(secret)
	v.endpoint = endpoint
	return v
}

type verifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify checks the token. ErrNotConfigured/ErrTokenExpired/ErrTokenInvalid
// are user-caused; any other error means the verification service itself
// was unreachable and the caller should treat the request as a server-side
// failure.
func (v *Verifier) Verify(ctx context.Context, token string) error {
	if v.secret == "" {
		return ErrNotConfigured
	}

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build captcha request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("captcha verification request: %w", err)
	}
	defer resp.Body.Close()

	var result verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode captcha response: %w", err)
	}

	if result.Success {
		return nil
	}
	for _, code := range result.ErrorCodes {
		if code == "timeout-or-duplicate" {
			return ErrTokenExpired
		}
	}
	return ErrTokenInvalid
}
