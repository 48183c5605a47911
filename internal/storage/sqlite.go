package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStorage implements the Cache interface using SQLite.
type SQLiteStorage struct {
	db            *sql.DB
	encryptionKey []byte
}

// New opens the token cache at dbPath, creating the schema if needed.
// The dbPath is the file path for the SQLite database (or ":memory:" for tests).
// The encryptionKey must be exactly 32 bytes for AES-256.
func New(dbPath string, encryptionKey []byte) (*SQLiteStorage, error) {
	// Validate encryption key length
	if len(encryptionKey) != 32 {
		return nil, ErrInvalidKey
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite requires single connection for in-process file databases
	// to avoid "database is locked" errors
	db.SetMaxOpenConns(1)

	if err := InitSchema(db); err != nil {
		_ = db.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Set busy timeout to wait for locks instead of failing immediately (5 seconds)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &SQLiteStorage{
		db:            db,
		encryptionKey: encryptionKey,
	}, nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
