package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reservei/backoffice/internal/credstore"
	"github.com/reservei/backoffice/pkg/cryptox"
)

func newTestBackend(t *testing.T, path string, sealer *cryptox.Sealer) *Backend {
	t.Helper()

	b, err := NewBackend(path, sealer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, b.ApplyMigrations())
	return b
}

func newSealer(t *testing.T, secret string) *cryptox.Sealer {
	t.Helper()
	s, err := cryptox.NewSealer([]byte(secret), []byte("profile-salt"))
	require.NoError(t, err)
	return s
}

func TestBackend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("empty database loads nothing", func(t *testing.T) {
		t.Parallel()

		b := newTestBackend(t, filepath.Join(t.TempDir(), "creds.db"), nil)

		creds, err := b.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, credstore.Credentials{}, creds)
	})

	t.Run("save replaces both tokens", func(t *testing.T) {
		t.Parallel()

		b := newTestBackend(t, filepath.Join(t.TempDir(), "creds.db"), nil)

		require.NoError(t, b.Save(ctx, credstore.Credentials{AccessToken: "a1", RefreshToken: "r1"}))
		require.NoError(t, b.Save(ctx, credstore.Credentials{AccessToken: "a2", RefreshToken: "r2"}))

		creds, err := b.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, credstore.Credentials{AccessToken: "a2", RefreshToken: "r2"}, creds)
	})

	t.Run("empty refresh token removes the stored one", func(t *testing.T) {
		t.Parallel()

		b := newTestBackend(t, filepath.Join(t.TempDir(), "creds.db"), nil)

		require.NoError(t, b.Save(ctx, credstore.Credentials{AccessToken: "a1", RefreshToken: "r1"}))
		require.NoError(t, b.Save(ctx, credstore.Credentials{AccessToken: "a2"}))

		creds, err := b.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, credstore.Credentials{AccessToken: "a2"}, creds)
	})

	t.Run("clear is idempotent", func(t *testing.T) {
		t.Parallel()

		b := newTestBackend(t, filepath.Join(t.TempDir(), "creds.db"), nil)

		require.NoError(t, b.Save(ctx, credstore.Credentials{AccessToken: "a1", RefreshToken: "r1"}))
		require.NoError(t, b.Clear(ctx))
		require.NoError(t, b.Clear(ctx))

		creds, err := b.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, credstore.Credentials{}, creds)
	})

	t.Run("survives reopen", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "creds.db")
		sealer := newSealer(t, "s3cret")

		first, err := NewBackend(path, sealer)
		require.NoError(t, err)
		require.NoError(t, first.ApplyMigrations())
		require.NoError(t, first.Save(ctx, credstore.Credentials{AccessToken: "a1", RefreshToken: "r1"}))
		require.NoError(t, first.Close())

		second := newTestBackend(t, path, sealer)
		creds, err := second.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, credstore.Credentials{AccessToken: "a1", RefreshToken: "r1"}, creds)
	})

	t.Run("sealed values are not stored in the clear", func(t *testing.T) {
		t.Parallel()

		b := newTestBackend(t, filepath.Join(t.TempDir(), "creds.db"), newSealer(t, "s3cret"))
		require.NoError(t, b.Save(ctx, credstore.Credentials{AccessToken: "plain-access", RefreshToken: "plain-refresh"}))

		var raw []byte
		require.NoError(t, b.db.QueryRowContext(ctx,
			`SELECT value FROM credentials WHERE key = ?`, credstore.KeyAccessToken).Scan(&raw))
		require.NotContains(t, string(raw), "plain-access")
	})

	t.Run("wrong secret fails to load", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "creds.db")

		writer, err := NewBackend(path, newSealer(t, "right"))
		require.NoError(t, err)
		require.NoError(t, writer.ApplyMigrations())
		require.NoError(t, writer.Save(ctx, credstore.Credentials{AccessToken: "a1"}))
		require.NoError(t, writer.Close())

		wrong := newTestBackend(t, path, newSealer(t, "wrong"))
		_, err = wrong.Load(ctx)
		require.ErrorIs(t, err, cryptox.ErrCiphertext)

		unsealed := newTestBackend(t, path, nil)
		_, err = unsealed.Load(ctx)
		require.Error(t, err)
	})

	t.Run("store fails open over an unreadable backend", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "creds.db")

		writer := newTestBackend(t, path, newSealer(t, "right"))
		require.NoError(t, writer.Save(ctx, credstore.Credentials{AccessToken: "a1", RefreshToken: "r1"}))

		store := credstore.New(newTestBackend(t, path, newSealer(t, "wrong")), nil)
		require.Empty(t, store.AccessToken(ctx))
		require.False(t, store.HasAccess(ctx))
	})
}
