// Package sqlite is a durable credstore.Backend backed by a SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/reservei/backoffice/internal/credstore"
	"github.com/reservei/backoffice/pkg/cryptox"

	_ "modernc.org/sqlite"
)

// Backend stores the credential pair as two rows keyed by
// credstore.KeyAccessToken and credstore.KeyRefreshToken. When a Sealer is
// configured the values are encrypted at rest, bound to their key.
type Backend struct {
	db     *sql.DB
	sealer *cryptox.Sealer
}

var _ credstore.Backend = (*Backend)(nil)

// NewBackend opens the database at dsn. sealer may be nil, in which case
// tokens are stored in the clear. Call ApplyMigrations before first use.
func NewBackend(dsn string, sealer *cryptox.Sealer) (*Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), `PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Backend{db: db, sealer: sealer}, nil
}

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) Load(ctx context.Context) (credstore.Credentials, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key, value, sealed FROM credentials WHERE key IN (?, ?)`,
		credstore.KeyAccessToken, credstore.KeyRefreshToken,
	)
	if err != nil {
		return credstore.Credentials{}, fmt.Errorf("sqlite: load credentials: %w", err)
	}
	defer rows.Close()

	var creds credstore.Credentials
	for rows.Next() {
		var (
			key    string
			value  []byte
			sealed bool
		)
		if err := rows.Scan(&key, &value, &sealed); err != nil {
			return credstore.Credentials{}, fmt.Errorf("sqlite: scan credential: %w", err)
		}

		plain, err := b.open(key, value, sealed)
		if err != nil {
			return credstore.Credentials{}, err
		}

		switch key {
		case credstore.KeyAccessToken:
			creds.AccessToken = plain
		case credstore.KeyRefreshToken:
			creds.RefreshToken = plain
		}
	}
	if err := rows.Err(); err != nil {
		return credstore.Credentials{}, fmt.Errorf("sqlite: load credentials: %w", err)
	}
	return creds, nil
}

// Save replaces both rows in one transaction. An empty refresh token removes
// the stored one.
func (b *Backend) Save(ctx context.Context, c credstore.Credentials) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if err := b.put(ctx, tx, credstore.KeyAccessToken, c.AccessToken); err != nil {
			return err
		}
		if c.RefreshToken == "" {
			_, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, credstore.KeyRefreshToken)
			return err
		}
		return b.put(ctx, tx, credstore.KeyRefreshToken, c.RefreshToken)
	})
}

func (b *Backend) Clear(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE key IN (?, ?)`,
		credstore.KeyAccessToken, credstore.KeyRefreshToken,
	)
	if err != nil {
		return fmt.Errorf("sqlite: clear credentials: %w", err)
	}
	return nil
}

func (b *Backend) put(ctx context.Context, tx *sql.Tx, key, value string) error {
	stored, sealed, err := b.seal(key, value)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO credentials (key, value, sealed, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, sealed = excluded.sealed, updated_at = excluded.updated_at`,
		key, stored, sealed, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: store %s: %w", key, err)
	}
	return nil
}

func (b *Backend) seal(key, value string) ([]byte, bool, error) {
	if b.sealer == nil {
		return []byte(value), false, nil
	}
	out, err := b.sealer.Seal([]byte(value), []byte(key))
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: seal %s: %w", key, err)
	}
	return out, true, nil
}

func (b *Backend) open(key string, value []byte, sealed bool) (string, error) {
	if !sealed {
		return string(value), nil
	}
	if b.sealer == nil {
		return "", fmt.Errorf("sqlite: %s is sealed but no secret is configured", key)
	}
	plain, err := b.sealer.Open(value, []byte(key))
	if err != nil {
		return "", fmt.Errorf("sqlite: open %s: %w", key, err)
	}
	return string(plain), nil
}

// withTx executes fn within a transaction, automatically handling
// commit/rollback.
func (b *Backend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback() // safe to call even after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
