// Package token maintains a small rotating pool of bearer tokens for
// username/password-authenticated REST APIs. Tokens are persisted through a
// cache backend so several worker processes can share one pool instead of
// hammering the authorization server.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/geocollect/geocollect/internal/cache"
	"github.com/geocollect/geocollect/internal/logctx"
	"github.com/geocollect/geocollect/internal/provider"
	"golang.org/x/oauth2"
)

const (
	defaultPoolSize = 2
	defaultKey      = "geocollect:tokens"
	defaultLockName = "geocollect:tokens:lock"

	// fetchSpacing pauses between consecutive token requests so filling the
	// pool does not trip the authorization server's rate limiting.
	fetchSpacing = time.Second

	// expiryMargin is subtracted from the declared lifetime before a token is
	// considered usable, so a token cannot expire mid-transfer because of
	// clock skew or network latency.
	expiryMargin = 30 * time.Second
)

// AccessToken is one cached bearer token. It is replaced upon expiry, never
// mutated in place.
type AccessToken struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresIn int       `json:"expires_in"`
}

// Expired reports whether the token is unusable at the given instant.
func (t AccessToken) Expired(now time.Time) bool {
	lifetime := time.Duration(t.ExpiresIn)*time.Second - expiryMargin

	return !now.Before(t.CreatedAt.Add(lifetime))
}

// Manager refreshes and hands out bearer tokens for one account.
type Manager struct {
	store    cache.Store
	key      string
	lock     cache.Mutex
	poolSize int

	username string
	password string
	oauth    *oauth2.Config

	httpClient *http.Client

	// Injection points for tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// Option tweaks manager construction.
type Option func(*Manager)

// WithPoolSize overrides the number of tokens kept warm.
func WithPoolSize(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			m.poolSize = size
		}
	}
}

// WithKey namespaces the token list inside the store.
func WithKey(key string) Option {
	return func(m *Manager) {
		m.key = key
		m.lock = m.store.Lock(key + ":lock")
	}
}

// WithHTTPClient sets the client used against the authorization endpoint.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		m.httpClient = client
	}
}

// NewManager builds a token manager for the password grant at tokenURL.
func NewManager(store cache.Store, username, password, clientID, tokenURL string, opts ...Option) (*Manager, error) {
	if username == "" || password == "" {
		return nil, &provider.ConfigurationError{Reason: "token manager requires username/password"}
	}

	m := &Manager{
		store:    store,
		key:      defaultKey,
		lock:     store.Lock(defaultLockName),
		poolSize: defaultPoolSize,
		username: username,
		password: password,
		oauth: &oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{TokenURL: tokenURL},
		},
		httpClient: http.DefaultClient,
		now:        time.Now,
		sleep:      time.Sleep,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// GetToken returns a token guaranteed unexpired at the moment of return. The
// pool is refreshed under the cross-process lock: missing tokens are fetched
// one at a time, expired ones replaced, and one of the survivors is picked at
// random to spread load across the pool.
func (m *Manager) GetToken(ctx context.Context) (AccessToken, error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := m.lock.Lock(ctx); err != nil {
		return AccessToken{}, fmt.Errorf("failed to lock token pool: %w", err)
	}
	defer m.lock.Unlock()

	cached, err := m.read(ctx)
	if err != nil {
		return AccessToken{}, err
	}

	tokens := make([]AccessToken, 0, m.poolSize)

	for missing := m.poolSize - len(cached); missing > 0; missing-- {
		fresh, err := m.fetch(ctx)
		if err != nil {
			return AccessToken{}, err
		}

		m.sleep(fetchSpacing)

		tokens = append(tokens, fresh)
	}

	now := m.now()

	for _, tok := range cached {
		if tok.Expired(now) {
			logger.Debug("token expired, refreshing")

			fresh, err := m.fetch(ctx)
			if err != nil {
				return AccessToken{}, err
			}

			tok = fresh
		}

		tokens = append(tokens, tok)
	}

	if err := m.write(ctx, tokens); err != nil {
		return AccessToken{}, err
	}

	return tokens[rand.Intn(len(tokens))], nil
}

// fetch exchanges the username/password for a fresh token.
func (m *Manager) fetch(ctx context.Context) (AccessToken, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	tok, err := m.oauth.PasswordCredentialsToken(ctx, m.username, m.password)
	if err != nil {
		return AccessToken{}, &provider.AuthenticationError{Operation: "token exchange", Err: err}
	}

	if tok.AccessToken == "" {
		return AccessToken{}, &provider.AuthenticationError{Operation: "token exchange",
			Err: fmt.Errorf("server did not return an access token")}
	}

	now := m.now()

	expiresIn := int(tok.Expiry.Sub(now).Seconds())
	if expiresIn <= 0 {
		// Server declared no lifetime; Copernicus issues 600s tokens.
		expiresIn = 600
	}

	return AccessToken{Token: tok.AccessToken, CreatedAt: now, ExpiresIn: expiresIn}, nil
}

func (m *Manager) read(ctx context.Context) ([]AccessToken, error) {
	data, ok, err := m.store.Get(ctx, m.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read token pool: %w", err)
	}

	if !ok {
		return nil, nil
	}

	var tokens []AccessToken
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("corrupt token pool entry: %w", err)
	}

	return tokens, nil
}

func (m *Manager) write(ctx context.Context, tokens []AccessToken) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to encode token pool: %w", err)
	}

	if err := m.store.Store(ctx, m.key, data, 0); err != nil {
		return fmt.Errorf("failed to write token pool: %w", err)
	}

	return nil
}
