// Package creds implements mutual exclusion over a small fixed set of
// provider accounts, so no account exceeds its allowed concurrent-connection
// count. Counters live in a shared cache backend, making the limit hold
// across every worker, including workers in separate processes.
package creds

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/geocollect/geocollect/internal/cache"
	"github.com/geocollect/geocollect/internal/logctx"
	"github.com/geocollect/geocollect/internal/provider"
)

const (
	defaultKey          = "geocollect:accounts"
	defaultLockName     = "geocollect:accounts:lock"
	defaultPollInterval = 5 * time.Second
	defaultLimit        = 2
)

// Account is one provider login with its live checkout counter.
type Account struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Count    int    `json:"count"`
}

// Pool tracks concurrent usage per account and hands accounts out under a
// cross-process lock.
type Pool struct {
	store        cache.Store
	key          string
	lock         cache.Mutex
	limit        int
	pollInterval time.Duration
}

// Option tweaks pool construction.
type Option func(*Pool)

// WithLimit overrides the per-account concurrency limit.
func WithLimit(limit int) Option {
	return func(p *Pool) {
		if limit > 0 {
			p.limit = limit
		}
	}
}

// WithPollInterval overrides how long Acquire sleeps between free-slot scans.
func WithPollInterval(interval time.Duration) Option {
	return func(p *Pool) {
		if interval > 0 {
			p.pollInterval = interval
		}
	}
}

// WithKey namespaces the pool inside the store, so two providers can keep
// separate account sets in one backend.
func WithKey(key string) Option {
	return func(p *Pool) {
		p.key = key
		p.lock = p.store.Lock(key + ":lock")
	}
}

// NewPool seeds the shared store with the account set. The store must be
// reachable: a pool that cannot synchronize counters would let accounts
// exceed the provider rate limit and get blacklisted, so construction fails
// instead of falling back to unsynchronized access.
func NewPool(ctx context.Context, store cache.Store, accounts []Account, opts ...Option) (*Pool, error) {
	if len(accounts) == 0 {
		return nil, &provider.ConfigurationError{Reason: "credential pool requires at least one account"}
	}

	pool := &Pool{
		store:        store,
		key:          defaultKey,
		lock:         store.Lock(defaultLockName),
		limit:        defaultLimit,
		pollInterval: defaultPollInterval,
	}

	for _, opt := range opts {
		opt(pool)
	}

	seeded := make([]Account, len(accounts))
	for i, account := range accounts {
		account.Count = 0
		seeded[i] = account
	}

	if err := pool.write(ctx, seeded); err != nil {
		return nil, &provider.ConfigurationError{Reason: "credential store unreachable", Err: err}
	}

	return pool, nil
}

// Acquire blocks until an account with a free slot exists, then atomically
// increments its counter and returns a handle bound to it.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		handle, err := p.tryAcquire(ctx)
		if err != nil {
			return nil, err
		}

		if handle != nil {
			return handle, nil
		}

		logger.Info("waiting for available account to download...")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

func (p *Pool) tryAcquire(ctx context.Context) (*Handle, error) {
	if err := p.lock.Lock(ctx); err != nil {
		return nil, fmt.Errorf("failed to lock credential pool: %w", err)
	}
	defer p.lock.Unlock()

	accounts, err := p.read(ctx)
	if err != nil {
		return nil, err
	}

	for i := range accounts {
		if accounts[i].Count < p.limit {
			accounts[i].Count++

			if err := p.write(ctx, accounts); err != nil {
				return nil, err
			}

			return &Handle{
				Username: accounts[i].Username,
				Password: accounts[i].Password,
				pool:     p,
			}, nil
		}
	}

	return nil, nil
}

// release decrements the counter for username. Called through Handle.Release.
func (p *Pool) release(ctx context.Context, username string) error {
	if err := p.lock.Lock(ctx); err != nil {
		return fmt.Errorf("failed to lock credential pool: %w", err)
	}
	defer p.lock.Unlock()

	accounts, err := p.read(ctx)
	if err != nil {
		return err
	}

	for i := range accounts {
		if accounts[i].Username == username && accounts[i].Count > 0 {
			accounts[i].Count--
		}
	}

	return p.write(ctx, accounts)
}

func (p *Pool) read(ctx context.Context) ([]Account, error) {
	data, ok, err := p.store.Get(ctx, p.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential pool: %w", err)
	}

	if !ok {
		return nil, nil
	}

	var accounts []Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("corrupt credential pool entry: %w", err)
	}

	return accounts, nil
}

func (p *Pool) write(ctx context.Context, accounts []Account) error {
	data, err := json.Marshal(accounts)
	if err != nil {
		return fmt.Errorf("failed to encode credential pool: %w", err)
	}

	if err := p.store.Store(ctx, p.key, data, 0); err != nil {
		return fmt.Errorf("failed to write credential pool: %w", err)
	}

	return nil
}

// Handle is one checked-out account. Release it on every exit path; releasing
// twice is a no-op.
type Handle struct {
	Username string
	Password string

	pool     *Pool
	mu       sync.Mutex
	released bool
}

// Release returns the account to the pool. Idempotent: only the first call
// decrements the counter. The counter write runs detached from the caller's
// cancellation, so a cancelled download still frees the slot for the other
// workers sharing the store.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()

		return nil
	}

	h.released = true
	h.mu.Unlock()

	return h.pool.release(context.WithoutCancel(ctx), h.Username)
}
