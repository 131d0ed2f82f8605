package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/doctoknow/kbchat/internal/domain"
)

// DefaultRefreshLookahead is how long before expiry the background loop
// refreshes proactively.
const DefaultRefreshLookahead = 5 * time.Minute

// Broker owns the process-wide credential set: it hands out valid tokens,
// refreshes expiring ones, and clears state when the provider reports the
// refresh token dead. It is the leaf dependency of every networked component
// and is always passed in explicitly, never reached as a global.
type Broker struct {
	provider  Provider
	store     domain.CredentialStore
	clock     clockwork.Clock
	lookahead time.Duration

	mu       sync.Mutex
	cred     *domain.Credential
	loaded   bool
	inflight *refreshCall
}

// refreshCall serializes concurrent refreshes: the first caller performs the
// provider exchange, later callers wait on done and share the result.
type refreshCall struct {
	done chan struct{}
	err  error
}

// NewBroker creates a credential broker backed by the given provider and
// durable store.
func NewBroker(provider Provider, store domain.CredentialStore, clock clockwork.Clock, lookahead time.Duration) *Broker {
	if lookahead <= 0 {
		lookahead = DefaultRefreshLookahead
	}
	return &Broker{
		provider:  provider,
		store:     store,
		clock:     clock,
		lookahead: lookahead,
	}
}

// SignIn authenticates with the identity provider and persists the returned
// credential set.
func (b *Broker) SignIn(ctx context.Context, email, password string) error {
	cred, err := b.provider.SignIn(ctx, email, password)
	if err != nil {
		return err
	}
	return b.replace(ctx, cred)
}

// SignOut clears the credential set from memory and durable storage.
func (b *Broker) SignOut(ctx context.Context) error {
	b.mu.Lock()
	b.cred = nil
	b.loaded = true
	b.mu.Unlock()
	return b.store.Clear(ctx)
}

// SignedIn reports whether a credential set is present, expired or not.
func (b *Broker) SignedIn(ctx context.Context) bool {
	cred, _ := b.current(ctx)
	return cred != nil
}

// AccessToken returns a currently valid access token, refreshing first if the
// stored credential already expired. domain.ErrNoCredential signals the
// caller to fall back to re-authentication.
func (b *Broker) AccessToken(ctx context.Context) (string, error) {
	cred, err := b.validCredential(ctx)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// IDToken returns a currently valid id token, with the same refresh-on-expiry
// behavior as AccessToken.
func (b *Broker) IDToken(ctx context.Context) (string, error) {
	cred, err := b.validCredential(ctx)
	if err != nil {
		return "", err
	}
	return cred.IDToken, nil
}

// ExpiringSoon reports whether less than the lookahead window remains before
// the credential expires. Used by the background loop to refresh proactively
// without blocking any in-flight request.
func (b *Broker) ExpiringSoon(ctx context.Context) bool {
	cred, _ := b.current(ctx)
	if cred == nil {
		return false
	}
	return cred.ExpiresWithin(b.clock.Now(), b.lookahead)
}

// Refresh exchanges the refresh token for a fresh access/id token pair.
// Concurrent calls collapse into a single provider exchange. A
// provider-reported invalid refresh token clears all stored credentials so
// the next access attempt forces re-authentication.
func (b *Broker) Refresh(ctx context.Context) error {
	// Force the lazy store load so a freshly started process can refresh
	// before any token read.
	if _, err := b.current(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	if call := b.inflight; call != nil {
		b.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	cred := b.cred
	if cred == nil || cred.RefreshToken == "" {
		b.mu.Unlock()
		return domain.ErrNoCredential
	}

	call := &refreshCall{done: make(chan struct{})}
	b.inflight = call
	refreshToken := cred.RefreshToken
	b.mu.Unlock()

	call.err = b.doRefresh(ctx, refreshToken)

	b.mu.Lock()
	b.inflight = nil
	b.mu.Unlock()
	close(call.done)

	return call.err
}

func (b *Broker) doRefresh(ctx context.Context, refreshToken string) error {
	cred, err := b.provider.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, domain.ErrRefreshTokenInvalid) {
			log.Warn().Msg("refresh token rejected, clearing stored credentials")
			if clearErr := b.SignOut(ctx); clearErr != nil {
				log.Error().Err(clearErr).Msg("failed to clear credentials after rejected refresh")
			}
		}
		return err
	}
	return b.replace(ctx, cred)
}

// StartAutoRefresh runs the proactive refresh loop until ctx is cancelled,
// checking once per interval whether the credential is expiring soon.
func (b *Broker) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	ticker := b.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !b.ExpiringSoon(ctx) {
				continue
			}
			if err := b.Refresh(ctx); err != nil && !errors.Is(err, domain.ErrNoCredential) {
				log.Error().Err(err).Msg("proactive credential refresh failed")
			}
		}
	}
}

func (b *Broker) validCredential(ctx context.Context) (*domain.Credential, error) {
	cred, err := b.current(ctx)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, domain.ErrNoCredential
	}

	if cred.Expired(b.clock.Now()) {
		if err := b.Refresh(ctx); err != nil {
			return nil, domain.ErrNoCredential
		}
		b.mu.Lock()
		cred = b.cred
		b.mu.Unlock()
		if cred == nil {
			return nil, domain.ErrNoCredential
		}
	}

	return cred, nil
}

// current returns the in-memory credential, lazily loading from the durable
// store on first use.
func (b *Broker) current(ctx context.Context) (*domain.Credential, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.loaded {
		return b.cred, nil
	}

	cred, err := b.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	b.cred = cred
	b.loaded = true
	return b.cred, nil
}

func (b *Broker) replace(ctx context.Context, cred *domain.Credential) error {
	b.mu.Lock()
	b.cred = cred
	b.loaded = true
	b.mu.Unlock()

	if err := b.store.Save(ctx, cred); err != nil {
		log.Error().Err(err).Msg("failed to persist credentials")
		return err
	}
	return nil
}
