// Package file provides a storage.TokenStore that keeps one file per provider
// in a directory, optionally encrypted with a symmetric key (compact JWE,
// dir + A256GCM). Watch reports changes made by other processes, such as a
// separate login command, so callers can drop cached credentials.
package file

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	jose "github.com/go-jose/go-jose/v4"

	"github.com/ggoodman/authflight/storage"
)

const fileExt = ".token"

// KeySize is the required encryption key length in bytes.
const KeySize = 32

// Store implements storage.TokenStore on the local filesystem.
type Store struct {
	dir string
	key []byte
	log *slog.Logger

	mu sync.Mutex
	// written tracks the digest of the last content this Store wrote (or
	// nil after a delete) so Watch can skip its own changes.
	written map[string][]byte
}

var _ storage.TokenStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithEncryptionKey encrypts records at rest with key, which must be KeySize
// bytes long.
func WithEncryptionKey(key []byte) Option {
	return func(s *Store) { s.key = append([]byte(nil), key...) }
}

// WithLogger sets the logger used by Watch. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("file store: directory is required")
	}
	s := &Store{dir: dir, log: slog.Default(), written: make(map[string][]byte)}
	for _, opt := range opts {
		opt(s)
	}
	if s.key != nil && len(s.key) != KeySize {
		return nil, fmt.Errorf("file store: encryption key must be %d bytes, got %d", KeySize, len(s.key))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("file store: create %s: %w", dir, err)
	}
	return s, nil
}

// Dir returns the directory holding the token files.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(provider string) string {
	return filepath.Join(s.dir, provider+fileExt)
}

// Load reads and decodes the record for provider.
func (s *Store) Load(ctx context.Context, provider string) (*storage.Record, error) {
	if err := storage.ValidateProvider(provider); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.path(provider))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file store: read %s: %w", provider, err)
	}
	plain, err := s.open(raw)
	if err != nil {
		return nil, fmt.Errorf("file store: decode %s: %w", provider, err)
	}
	var rec storage.Record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, fmt.Errorf("file store: unmarshal %s: %w", provider, err)
	}
	return &rec, nil
}

// Save atomically replaces the record for provider.
func (s *Store) Save(ctx context.Context, provider string, rec *storage.Record) error {
	if err := storage.ValidateProvider(provider); err != nil {
		return err
	}
	dup := rec.Clone()
	if dup == nil {
		dup = &storage.Record{}
	}
	dup.UpdatedAt = time.Now().UTC()
	plain, err := json.Marshal(dup)
	if err != nil {
		return fmt.Errorf("file store: marshal: %w", err)
	}
	sealed, err := s.seal(plain)
	if err != nil {
		return fmt.Errorf("file store: encrypt: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+provider+"-*.tmp")
	if err != nil {
		return fmt.Errorf("file store: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(sealed); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("file store: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("file store: close: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("file store: chmod: %w", err)
	}
	if err := os.Rename(tmpName, s.path(provider)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("file store: rename: %w", err)
	}
	sum := sha256.Sum256(sealed)
	s.written[provider] = sum[:]
	return nil
}

// Delete removes the record for provider.
func (s *Store) Delete(ctx context.Context, provider string) error {
	if err := storage.ValidateProvider(provider); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(provider)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("file store: remove %s: %w", provider, err)
	}
	s.written[provider] = nil
	return nil
}

// Close is a no-op; files remain on disk.
func (s *Store) Close() error { return nil }

// Watch invokes onChange with the provider name whenever another process
// creates, rewrites or removes a token file. Changes made through this Store
// are not reported. Watch blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(provider string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("file store: watcher: %w", err)
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = w.Close()
	}()
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("file store: watch %s: %w", s.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			provider := strings.TrimSuffix(name, fileExt)
			if s.isOwnChange(provider) {
				continue
			}
			s.log.DebugContext(ctx, "filestore.change", slog.String("provider", provider), slog.String("op", ev.Op.String()))
			onChange(provider)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.DebugContext(ctx, "filestore.watch.error", slog.String("err", err.Error()))
		}
	}
}

// isOwnChange compares the file's current content with what this Store last
// wrote for provider.
func (s *Store) isOwnChange(provider string) bool {
	raw, err := os.ReadFile(s.path(provider))
	missing := errors.Is(err, os.ErrNotExist)
	if err != nil && !missing {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	want, known := s.written[provider]
	if !known {
		return false
	}
	if missing {
		return want == nil
	}
	sum := sha256.Sum256(raw)
	return want != nil && bytes.Equal(want, sum[:])
}

func (s *Store) seal(plain []byte) ([]byte, error) {
	if s.key == nil {
		return plain, nil
	}
	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: s.key}, nil)
	if err != nil {
		return nil, err
	}
	obj, err := enc.Encrypt(plain)
	if err != nil {
		return nil, err
	}
	compact, err := obj.CompactSerialize()
	if err != nil {
		return nil, err
	}
	return []byte(compact), nil
}

func (s *Store) open(raw []byte) ([]byte, error) {
	if s.key == nil {
		return raw, nil
	}
	obj, err := jose.ParseEncrypted(strings.TrimSpace(string(raw)), []jose.KeyAlgorithm{jose.DIRECT}, []jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return nil, err
	}
	return obj.Decrypt(s.key)
}
