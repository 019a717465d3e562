// Package storage defines the token store used by identity provider managers
// to persist credentials between processes, along with the record format
// shared by every backend.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// TokenStore persists provider tokens keyed by provider name.
// Implementations must be safe for concurrent use.
type TokenStore interface {
	// Load returns the record for provider. A missing record is reported as
	// (nil, nil); an error is returned only for backend failures.
	Load(ctx context.Context, provider string) (*Record, error)

	// Save replaces the record for provider.
	Save(ctx context.Context, provider string, rec *Record) error

	// Delete removes the record for provider. Deleting a missing record is
	// not an error.
	Delete(ctx context.Context, provider string) error

	// Close releases backend resources.
	Close() error
}

// Record is the persisted state of one provider login.
type Record struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	// LoggedOut marks an explicit logout. Managers must not attempt a silent
	// refresh for a logged out provider.
	LoggedOut bool      `json:"logged_out,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of r safe for mutation by the caller.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	dup := *r
	return &dup
}

// Error types
var (
	// ErrInvalidProvider is returned when a provider name is empty or cannot be
	// used as a storage key.
	ErrInvalidProvider = errors.New("storage: invalid provider name")
)

// ValidateProvider checks that name is usable as a key by every backend.
func ValidateProvider(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\:\x00") || name == "." || name == ".." {
		return ErrInvalidProvider
	}
	return nil
}
