// Package storage persists the most recent token per endpoint in SQLite.
package storage

import (
	"context"
	"time"

	"github.com/bihubihu/tokenserver-client/internal/tokenserver"
)

// Cache defines the token cache operations used by tokenctl.
type Cache interface {
	Save(ctx context.Context, endpoint string, token *tokenserver.Token) error
	Load(ctx context.Context, endpoint string) (*Entry, error)
	List(ctx context.Context) ([]*Entry, error)
	Delete(ctx context.Context, endpoint string) error
	Ping(ctx context.Context) error
	Close() error
}

// Entry is a cached token together with the endpoint it was issued by.
type Entry struct {
	Endpoint string
	Token    tokenserver.Token
	CachedAt time.Time
}

// Expired reports whether the token has lapsed at now by the server clock.
// Tokens without a reported duration never expire from the cache's view.
func (e *Entry) Expired(now time.Time) bool {
	expiresAt := e.Token.ExpiresAt()
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}
