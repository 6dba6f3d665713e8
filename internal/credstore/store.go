// Package credstore persists the access/refresh credential pair across
// restarts.
//
// The Store is the only place that reads or writes credentials. Reads never
// fail: a broken backend is logged and treated as "no credential", so the
// session simply falls back to signed-out.
package credstore

import (
	"context"
	"errors"
	"log/slog"

	"github.com/reservei/backoffice/pkg/slogx"
)

// Well-known storage keys.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

// ErrEmptyAccessToken is returned by Save when asked to persist a pair without
// an access token.
var ErrEmptyAccessToken = errors.New("credstore: empty access token")

// Credentials is the persisted pair. RefreshToken may be empty.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// Backend is a storage driver. Load returns a zero Credentials when nothing
// is stored.
type Backend interface {
	Load(ctx context.Context) (Credentials, error)
	Save(ctx context.Context, c Credentials) error
	Clear(ctx context.Context) error
}

// Store wraps a Backend with the fail-open read policy.
type Store struct {
	backend Backend
	logger  *slog.Logger
}

// New creates a Store over backend.
func New(backend Backend, logger *slog.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  slogx.OrDiscard(logger).With("component", "credstore"),
	}
}

// Save writes both tokens, replacing whatever was stored.
func (s *Store) Save(ctx context.Context, accessToken, refreshToken string) error {
	if accessToken == "" {
		return ErrEmptyAccessToken
	}
	if err := s.backend.Save(ctx, Credentials{AccessToken: accessToken, RefreshToken: refreshToken}); err != nil {
		s.logger.Error("failed to save credentials", "error", err)
		return err
	}
	return nil
}

// AccessToken returns the stored access token, or "" when none is stored or
// the backend cannot be read.
func (s *Store) AccessToken(ctx context.Context) string {
	return s.load(ctx).AccessToken
}

// RefreshToken returns the stored refresh token, or "".
func (s *Store) RefreshToken(ctx context.Context) string {
	return s.load(ctx).RefreshToken
}

// HasAccess reports whether an access token is stored.
func (s *Store) HasAccess(ctx context.Context) bool {
	return s.AccessToken(ctx) != ""
}

// Clear removes both tokens. Clearing an empty store is not an error.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Clear(ctx); err != nil {
		s.logger.Error("failed to clear credentials", "error", err)
		return err
	}
	return nil
}

func (s *Store) load(ctx context.Context) Credentials {
	creds, err := s.backend.Load(ctx)
	if err != nil {
		s.logger.Warn("failed to load credentials, treating as signed out", "error", err)
		return Credentials{}
	}
	return creds
}
