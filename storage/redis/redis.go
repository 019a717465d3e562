// Package redis provides a Redis-backed storage.TokenStore so that several
// machines or containers can share one provider login.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/authflight/storage"
)

// Config for the Redis-backed TokenStore. Defaults can be loaded via envdecode.
type Config struct {
	// Client is an existing Redis client. When nil a client is created for Addr.
	Client *redis.Client

	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`

	// KeyPrefix for all keys. ENV: AUTHFLIGHT_TOKENS_KEY_PREFIX
	KeyPrefix string `env:"AUTHFLIGHT_TOKENS_KEY_PREFIX,default=authflight:tokens:"`
}

// Store implements storage.TokenStore on top of Redis string keys.
type Store struct {
	client    *redis.Client
	keyPrefix string
	ownClient bool
}

var _ storage.TokenStore = (*Store)(nil)

// New creates a Store and verifies connectivity with a PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	s := &Store{client: cfg.Client, keyPrefix: cfg.KeyPrefix}
	if s.client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		s.client = redis.NewClient(&redis.Options{Addr: addr})
		s.ownClient = true
	}
	if s.keyPrefix == "" {
		s.keyPrefix = "authflight:tokens:"
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		if s.ownClient {
			_ = s.client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return s, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redis config: %w", err)
	}
	return New(ctx, cfg)
}

func (s *Store) key(provider string) string { return s.keyPrefix + provider }

// Load returns the record for provider.
func (s *Store) Load(ctx context.Context, provider string) (*storage.Record, error) {
	if err := storage.ValidateProvider(provider); err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, s.key(provider)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", s.key(provider), err)
	}
	var rec storage.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored record: %w", err)
	}
	return &rec, nil
}

// Save replaces the record for provider.
func (s *Store) Save(ctx context.Context, provider string, rec *storage.Record) error {
	if err := storage.ValidateProvider(provider); err != nil {
		return err
	}
	dup := rec.Clone()
	if dup == nil {
		dup = &storage.Record{}
	}
	dup.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(dup)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(provider), raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", s.key(provider), err)
	}
	return nil
}

// Delete removes the record for provider.
func (s *Store) Delete(ctx context.Context, provider string) error {
	if err := storage.ValidateProvider(provider); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(provider)).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", s.key(provider), err)
	}
	return nil
}

// Close closes the Redis client if the Store created it.
func (s *Store) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}
