package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/doctoknow/kbchat/internal/domain"
)

// TokenSource supplies bearer tokens and the single-refresh hook the client
// invokes on a 401. The credential broker implements it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// StatusError is a non-2xx backend response other than the handled 401 path.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend returned status %d", e.StatusCode)
}

// Client is the single chokepoint through which every component reaches the
// backend. It attaches the current bearer credential and, on a 401, refreshes
// exactly once and resends exactly once. It never loops.
type Client struct {
	http   *http.Client
	tokens TokenSource
}

// NewClient creates an authenticated request client.
func NewClient(tokens TokenSource, timeout time.Duration) *Client {
	return &Client{
		http:   &http.Client{Timeout: timeout},
		tokens: tokens,
	}
}

// DoJSON sends an authenticated JSON request and decodes a 2xx response body
// into out (skipped when out is nil). The request body is marshaled up front
// so the 401 resend carries identical bytes.
func (c *Client) DoJSON(ctx context.Context, method, url string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	resp, err := c.send(ctx, method, url, payload)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()

		// Refresh once, resend once. A second 401 is terminal.
		if err := c.tokens.Refresh(ctx); err != nil {
			log.Warn().Err(err).Str("url", url).Msg("credential refresh after 401 failed")
			return domain.ErrSessionExpired
		}

		resp, err = c.send(ctx, method, url, payload)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			return domain.ErrSessionExpired
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, url string, payload []byte) (*http.Response, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// errorMessage pulls the backend's error string out of an error response body.
func errorMessage(body io.Reader) string {
	var decoded struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(body).Decode(&decoded); err != nil {
		return ""
	}
	if decoded.Error != "" {
		return decoded.Error
	}
	return decoded.Message
}
