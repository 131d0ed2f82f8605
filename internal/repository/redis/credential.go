package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doctoknow/kbchat/internal/domain"
	"github.com/redis/go-redis/v9"
)

const credentialKey = "credential:current"

// CredentialStore persists the active token set in Redis so a restarted
// gateway resumes an authenticated session instead of forcing a new sign-in.
type CredentialStore struct {
	client *Client
}

// NewCredentialStore creates a credential store backed by the given client.
func NewCredentialStore(client *Client) *CredentialStore {
	return &CredentialStore{client: client}
}

// Load returns the stored credential, or nil when none is stored.
func (s *CredentialStore) Load(ctx context.Context) (*domain.Credential, error) {
	data, err := s.client.rdb.Get(ctx, credentialKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	var cred domain.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return &cred, nil
}

// Save replaces the stored credential. The entry expires a day past the
// token expiry so stale refresh tokens eventually age out on their own.
func (s *CredentialStore) Save(ctx context.Context, cred *domain.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	ttl := time.Until(cred.ExpiresAt) + 24*time.Hour
	return s.client.rdb.Set(ctx, credentialKey, data, ttl).Err()
}

// Clear removes the stored credential.
func (s *CredentialStore) Clear(ctx context.Context) error {
	return s.client.rdb.Del(ctx, credentialKey).Err()
}
