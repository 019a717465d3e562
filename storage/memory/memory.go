// Package memory provides an in-process implementation of storage.TokenStore.
// Records do not survive the process; it is intended for tests and for
// short-lived tools that should never write credentials to disk.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/authflight/storage"
)

// Store implements storage.TokenStore with a map.
type Store struct {
	mu      sync.RWMutex
	records map[string]*storage.Record
}

var _ storage.TokenStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{records: make(map[string]*storage.Record)}
}

// Load returns a copy of the stored record.
func (s *Store) Load(ctx context.Context, provider string) (*storage.Record, error) {
	if err := storage.ValidateProvider(provider); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[provider].Clone(), nil
}

// Save stores a copy of rec.
func (s *Store) Save(ctx context.Context, provider string, rec *storage.Record) error {
	if err := storage.ValidateProvider(provider); err != nil {
		return err
	}
	dup := rec.Clone()
	if dup == nil {
		dup = &storage.Record{}
	}
	dup.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[provider] = dup
	return nil
}

// Delete removes the record for provider.
func (s *Store) Delete(ctx context.Context, provider string) error {
	if err := storage.ValidateProvider(provider); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, provider)
	return nil
}

// Close drops every record.
func (s *Store) Close() error {
	s.mu.Lock()
	s.records = make(map[string]*storage.Record)
	s.mu.Unlock()
	return nil
}
