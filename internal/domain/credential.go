package domain

import (
	"context"
	"time"
)

// Credential is the bearer token set issued by the identity provider. It is
// replaced wholesale on refresh, never mutated field by field.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	IDToken      string    `json:"id_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the credential's lifetime has already passed.
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// ExpiresWithin reports whether less than d remains before expiry.
func (c *Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	return c.ExpiresAt.Sub(now) < d
}

// CredentialStore persists the current credential set durably so a restarted
// process can resume without re-authentication.
type CredentialStore interface {
	Load(ctx context.Context) (*Credential, error)
	Save(ctx context.Context, cred *Credential) error
	Clear(ctx context.Context) error
}
