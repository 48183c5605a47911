package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/bihubihu/tokenserver-client/internal/tokenserver"
)

// Save stores token as the current token for endpoint, replacing any
// previous one. The token key is encrypted before it is written.
func (s *SQLiteStorage) Save(ctx context.Context, endpoint string, token *tokenserver.Token) error {
	if token.UID > math.MaxInt64 || token.DurationInSeconds > math.MaxInt64 || token.RemoteTimestamp > math.MaxInt64 {
		return ErrOutOfRange
	}

	encrypted, err := EncryptSecret(token.Key, s.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt token key: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tokens
			(endpoint, token_id, key_encrypted, api_endpoint, uid, hashed_fxa_uid, duration, remote_timestamp, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		endpoint, token.ID, encrypted, token.APIEndpoint, int64(token.UID), token.HashedFxAUID,
		int64(token.DurationInSeconds), int64(token.RemoteTimestamp))
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	return nil
}

// Load returns the cached token for endpoint.
// Returns ErrNotFound if nothing is cached for it.
func (s *SQLiteStorage) Load(ctx context.Context, endpoint string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT endpoint, token_id, key_encrypted, api_endpoint, uid, hashed_fxa_uid, duration, remote_timestamp, cached_at
		FROM tokens WHERE endpoint = ?`, endpoint)

	e, err := s.scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	return e, nil
}

// List returns every cached token ordered by endpoint.
func (s *SQLiteStorage) List(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint, token_id, key_encrypted, api_endpoint, uid, hashed_fxa_uid, duration, remote_timestamp, cached_at
		FROM tokens ORDER BY endpoint`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer func() {
		_ = rows.Close() //nolint:errcheck
	}()

	var entries []*Entry
	for rows.Next() {
		e, err := s.scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tokens: %w", err)
	}

	return entries, nil
}

// Delete removes the cached token for endpoint.
// Returns ErrNotFound if nothing is cached for it.
func (s *SQLiteStorage) Delete(ctx context.Context, endpoint string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM tokens WHERE endpoint = ?", endpoint)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStorage) scanEntry(row scanner) (*Entry, error) {
	var (
		e         Entry
		encrypted []byte
		uid       int64
		duration  int64
		timestamp int64
	)
	if err := row.Scan(&e.Endpoint, &e.Token.ID, &encrypted, &e.Token.APIEndpoint, &uid,
		&e.Token.HashedFxAUID, &duration, &timestamp, &e.CachedAt); err != nil {
		return nil, err
	}

	key, err := DecryptSecret(encrypted, s.encryptionKey)
	if err != nil {
		return nil, err
	}
	e.Token.Key = key
	e.Token.UID = uint64(uid)
	e.Token.DurationInSeconds = uint64(duration)
	e.Token.RemoteTimestamp = uint64(timestamp)

	return &e, nil
}
