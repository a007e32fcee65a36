// Package redis provides a Redis-backed idempotency store for saga
// participants that do not share a relational database with the
// orchestrator. Entries expire after a configurable TTL, so retention
// should cover the longest plausible redelivery window.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/velmie/saga"
)

const (
	defaultKeyPrefix = "saga:idem:"
	defaultTTL       = 24 * time.Hour
)

// ErrClientRequired is returned when a nil redis client is provided.
var ErrClientRequired = errors.New("saga redis: client is required")

// Config defines idempotency store behavior.
type Config struct {
	// KeyPrefix namespaces idempotency keys within the Redis keyspace.
	KeyPrefix string
	// TTL bounds how long recorded results are kept.
	TTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}

	return c
}

// Option configures the idempotency store.
type Option func(*Config)

// WithKeyPrefix sets the key namespace prefix.
func WithKeyPrefix(prefix string) Option {
	return func(c *Config) {
		c.KeyPrefix = prefix
	}
}

// WithTTL sets how long recorded results are retained.
func WithTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.TTL = ttl
	}
}

// IdempotencyStore implements saga.IdempotencyStore on Redis using
// SET NX as the first-writer-wins barrier. Losing a concurrent race
// returns the winner's recorded result.
type IdempotencyStore struct {
	client redis.UniversalClient
	cfg    Config
}

var _ saga.IdempotencyStore = (*IdempotencyStore)(nil)

// NewIdempotencyStore constructs a Redis idempotency store.
func NewIdempotencyStore(client redis.UniversalClient, opts ...Option) (*IdempotencyStore, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}

	return &IdempotencyStore{client: client, cfg: cfg.withDefaults()}, nil
}

// CheckOrRecord implements saga.IdempotencyStore. A stored result is
// returned verbatim and never overwritten.
func (s *IdempotencyStore) CheckOrRecord(ctx context.Context, key string, compute saga.ComputeFunc) (json.RawMessage, error) {
	if key == "" {
		return nil, saga.ErrIdempotencyKeyRequired
	}
	fullKey := s.cfg.KeyPrefix + key

	stored, err := s.client.Get(ctx, fullKey).Bytes()
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("saga redis: idempotency get failed: %w", err)
	}

	result, err := compute(ctx)
	if err != nil {
		// Nothing is recorded; the next delivery runs compute again.
		return nil, err
	}

	set, err := s.client.SetNX(ctx, fullKey, []byte(result), s.cfg.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("saga redis: idempotency set failed: %w", err)
	}
	if set {
		return result, nil
	}

	// Lost the race; another delivery recorded first.
	winner, err := s.client.Get(ctx, fullKey).Bytes()
	if err != nil {
		return nil, fmt.Errorf("saga redis: idempotency race lookup failed: %w", err)
	}

	return winner, nil
}
