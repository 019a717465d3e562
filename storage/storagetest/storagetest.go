// Package storagetest provides a conformance suite for storage.TokenStore
// implementations.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/authflight/storage"
)

// StoreFactory creates a new, empty TokenStore for a single test.
type StoreFactory func(t *testing.T) storage.TokenStore

// RunTokenStoreTests runs the complete TokenStore suite against factory.
func RunTokenStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("LoadMissing", func(t *testing.T) { testLoadMissing(t, factory) })
	t.Run("SaveLoadDelete", func(t *testing.T) { testSaveLoadDelete(t, factory) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, factory) })
	t.Run("ProviderIsolation", func(t *testing.T) { testProviderIsolation(t, factory) })
	t.Run("ReturnedRecordIsACopy", func(t *testing.T) { testReturnedRecordIsACopy(t, factory) })
	t.Run("InvalidProvider", func(t *testing.T) { testInvalidProvider(t, factory) })
	t.Run("ConcurrentAccess", func(t *testing.T) { testConcurrentAccess(t, factory) })
}

func newStore(t *testing.T, factory StoreFactory) storage.TokenStore {
	t.Helper()
	s := factory(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sample(access string) *storage.Record {
	return &storage.Record{
		AccessToken:  access,
		RefreshToken: "refresh-" + access,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
}

func testLoadMissing(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	rec, err := s.Load(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
	if err := s.Delete(context.Background(), "missing"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func testSaveLoadDelete(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	ctx := context.Background()
	want := sample("abc")

	if err := s.Save(ctx, "corp", want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, "corp")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil {
		t.Fatalf("expected record")
	}
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken || !got.Expiry.Equal(want.Expiry) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatalf("UpdatedAt not set")
	}

	if err := s.Delete(ctx, "corp"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = s.Load(ctx, "corp")
	if err != nil {
		t.Fatalf("Load after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("record survived delete: %+v", got)
	}
}

func testOverwrite(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	ctx := context.Background()
	if err := s.Save(ctx, "corp", sample("one")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	logout := &storage.Record{LoggedOut: true}
	if err := s.Save(ctx, "corp", logout); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, "corp")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil || !got.LoggedOut || got.AccessToken != "" {
		t.Fatalf("overwrite not applied: %+v", got)
	}
}

func testProviderIsolation(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	ctx := context.Background()
	if err := s.Save(ctx, "a", sample("token-a")); err != nil {
		t.Fatalf("Save a: %v", err)
	}
	if err := s.Save(ctx, "b", sample("token-b")); err != nil {
		t.Fatalf("Save b: %v", err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete a: %v", err)
	}
	got, err := s.Load(ctx, "b")
	if err != nil {
		t.Fatalf("Load b: %v", err)
	}
	if got == nil || got.AccessToken != "token-b" {
		t.Fatalf("provider b affected by operations on a: %+v", got)
	}
}

func testReturnedRecordIsACopy(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	ctx := context.Background()
	rec := sample("orig")
	if err := s.Save(ctx, "corp", rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	rec.AccessToken = "mutated-after-save"

	got, err := s.Load(ctx, "corp")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got.AccessToken = "mutated-after-load"

	again, err := s.Load(ctx, "corp")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if again.AccessToken != "orig" {
		t.Fatalf("store shares memory with callers: %q", again.AccessToken)
	}
}

func testInvalidProvider(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	for _, name := range []string{"", "../escape", "a/b"} {
		if _, err := s.Load(context.Background(), name); !errors.Is(err, storage.ErrInvalidProvider) {
			t.Fatalf("Load(%q): want ErrInvalidProvider, got %v", name, err)
		}
		if err := s.Save(context.Background(), name, sample("x")); !errors.Is(err, storage.ErrInvalidProvider) {
			t.Fatalf("Save(%q): want ErrInvalidProvider, got %v", name, err)
		}
	}
}

func testConcurrentAccess(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers*10)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("p%d", i%3)
			for j := 0; j < 10; j++ {
				if err := s.Save(ctx, name, sample(fmt.Sprintf("t%d-%d", i, j))); err != nil {
					errs <- err
					return
				}
				if _, err := s.Load(ctx, name); err != nil {
					errs <- err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent op failed: %v", err)
	}
}
