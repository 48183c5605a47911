package storage

import (
	"database/sql"
	"fmt"
)

// InitSchema creates all required tables.
// This is idempotent - safe to call multiple times.
func InitSchema(db *sql.DB) error {
	ddlStatements := []string{
		// tokens table: one row per token endpoint, the MAC key encrypted
		`CREATE TABLE IF NOT EXISTS tokens (
			endpoint TEXT PRIMARY KEY,
			token_id TEXT NOT NULL,
			key_encrypted BLOB NOT NULL,
			api_endpoint TEXT NOT NULL,
			uid INTEGER NOT NULL,
			hashed_fxa_uid TEXT NOT NULL,
			duration INTEGER NOT NULL DEFAULT 0,
			remote_timestamp INTEGER NOT NULL,
			cached_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, stmt := range ddlStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute DDL: %w", err)
		}
	}

	return nil
}
