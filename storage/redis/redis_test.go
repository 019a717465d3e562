package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/authflight/storage"
	"github.com/ggoodman/authflight/storage/storagetest"
)

func TestRedisTokenStore(t *testing.T) {
	storagetest.RunTokenStoreTests(t, func(t *testing.T) storage.TokenStore {
		mr := miniredis.RunT(t)
		s, err := New(context.Background(), Config{Addr: mr.Addr(), KeyPrefix: "test:tokens:"})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return s
	})
}

func TestRedisTokenStore_KeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s, err := New(context.Background(), Config{Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Save(context.Background(), "corp", &storage.Record{AccessToken: "abc"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !mr.Exists("authflight:tokens:corp") {
		t.Fatalf("expected default key prefix, keys: %v", mr.Keys())
	}
	// A caller-supplied client is left open.
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("client closed by store: %v", err)
	}
}

func TestRedisTokenStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := New(context.Background(), Config{Addr: addr}); err == nil {
		t.Fatalf("expected ping failure")
	}
}

func TestNewFromEnv(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("AUTHFLIGHT_TOKENS_KEY_PREFIX", "env:")

	s, err := NewFromEnv(context.Background())
	if err != nil {
		t.Fatalf("NewFromEnv: %v", err)
	}
	defer s.Close()
	if err := s.Save(context.Background(), "corp", &storage.Record{AccessToken: "abc"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !mr.Exists("env:corp") {
		t.Fatalf("expected env key prefix, keys: %v", mr.Keys())
	}
}
