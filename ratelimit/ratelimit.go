package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Common errors.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrEmptyKey      = errors.New("empty key")
)

// Config configures a KeyedLimiter.
type Config struct {
	// Limit is the number of requests allowed per Window.
	// Default: 10
	Limit int

	// Window is the period over which Limit applies.
	// Default: 60s
	Window time.Duration

	// IdleTTL is how long an unused key is kept. Default: 10m
	IdleTTL time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Limit:   10,
		Window:  time.Minute,
		IdleTTL: 10 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Limit < 0 || c.Window < 0 || c.IdleTTL < 0 {
		return ErrInvalidConfig
	}
	return nil
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter rate limits independently per key.
// It is safe for concurrent use.
type KeyedLimiter struct {
	config Config
	every  rate.Limit

	mu      sync.Mutex
	entries map[string]*entry
	nowFunc func() time.Time
}

// New creates a KeyedLimiter. Zero fields take their defaults.
func New(cfg Config) *KeyedLimiter {
	def := DefaultConfig()
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	return &KeyedLimiter{
		config:  cfg,
		every:   rate.Every(cfg.Window / time.Duration(cfg.Limit)),
		entries: make(map[string]*entry),
		nowFunc: time.Now,
	}
}

// Config returns the effective configuration.
func (k *KeyedLimiter) Config() Config {
	return k.config
}

func (k *KeyedLimiter) get(key string, now time.Time) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.every, k.config.Limit)}
		k.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// Allow consumes one token for key if available. When it is not, Allow
// returns false and how long until the next token.
func (k *KeyedLimiter) Allow(key string) (bool, time.Duration) {
	now := k.nowFunc()
	lim := k.get(key, now)

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, k.config.Window
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Wait blocks until key has a token or ctx is done.
func (k *KeyedLimiter) Wait(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return k.get(key, k.nowFunc()).Wait(ctx)
}

// Sweep drops keys idle for longer than IdleTTL and returns how many
// were removed.
func (k *KeyedLimiter) Sweep() int {
	now := k.nowFunc()
	k.mu.Lock()
	defer k.mu.Unlock()
	removed := 0
	for key, e := range k.entries {
		if now.Sub(e.lastSeen) > k.config.IdleTTL {
			delete(k.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
