package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/doctoknow/kbchat/internal/domain"
)

// Provider is the slice of the identity provider the broker depends on:
// sign-in and refresh. Both return structured results, never panic past the
// boundary.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (*domain.Credential, error)
	Refresh(ctx context.Context, refreshToken string) (*domain.Credential, error)
}

// HTTPProvider talks to the identity provider over HTTP/JSON.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider creates an identity provider client.
func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type credentialResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error,omitempty"`
}

// SignIn exchanges email/password for a credential set.
func (p *HTTPProvider) SignIn(ctx context.Context, email, password string) (*domain.Credential, error) {
	body := map[string]string{"email": email, "password": password}
	resp, err := p.post(ctx, "/signin", body)
	if err != nil {
		return nil, err
	}
	return p.toCredential(resp, "")
}

// Refresh exchanges a refresh token for a new access/id token pair. A
// provider-reported invalid refresh token maps to domain.ErrRefreshTokenInvalid
// so the broker knows to clear stored credentials.
func (p *HTTPProvider) Refresh(ctx context.Context, refreshToken string) (*domain.Credential, error) {
	body := map[string]string{"refresh_token": refreshToken}
	resp, err := p.post(ctx, "/refresh", body)
	if err != nil {
		return nil, err
	}
	// Providers typically omit the refresh token from refresh responses; the
	// original one stays valid.
	return p.toCredential(resp, refreshToken)
}

func (p *HTTPProvider) post(ctx context.Context, path string, body any) (*credentialResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity provider request failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded credentialResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode identity provider response: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		return &decoded, nil
	}

	if isInvalidRefreshToken(resp.StatusCode, decoded.Error) {
		return nil, domain.ErrRefreshTokenInvalid
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("identity provider error: %s", decoded.Error)
	}
	return nil, fmt.Errorf("identity provider returned status %d", resp.StatusCode)
}

func isInvalidRefreshToken(status int, providerError string) bool {
	if status != http.StatusBadRequest && status != http.StatusUnauthorized {
		return false
	}
	msg := strings.ToLower(providerError)
	return strings.Contains(msg, "refresh token") || msg == "not_authorized" || msg == "invalid_grant"
}

func (p *HTTPProvider) toCredential(resp *credentialResponse, fallbackRefresh string) (*domain.Credential, error) {
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("identity provider returned no access token")
	}

	refresh := resp.RefreshToken
	if refresh == "" {
		refresh = fallbackRefresh
	}

	cred := &domain.Credential{
		AccessToken:  resp.AccessToken,
		IDToken:      resp.IDToken,
		RefreshToken: refresh,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}

	// Access tokens are JWTs; their exp claim is authoritative when present.
	if exp, ok := tokenExpiry(resp.AccessToken); ok {
		cred.ExpiresAt = exp
	}

	return cred, nil
}

// tokenExpiry reads the exp claim from a JWT without verifying the signature.
// Validation is the provider's job; we only need the lifetime.
func tokenExpiry(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
