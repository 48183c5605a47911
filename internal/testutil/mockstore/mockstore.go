// Package mockstore provides a configurable in-memory implementation of storage.Cache for testing.
//
// Each method can be overridden through a function field. When the field is
// nil the method falls back to an in-memory map, so the mock behaves like a
// working cache unless a test says otherwise.
package mockstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bihubihu/tokenserver-client/internal/storage"
	"github.com/bihubihu/tokenserver-client/internal/tokenserver"
)

// MockStorage is a configurable mock implementation of storage.Cache.
type MockStorage struct {
	SaveFunc   func(ctx context.Context, endpoint string, token *tokenserver.Token) error
	LoadFunc   func(ctx context.Context, endpoint string) (*storage.Entry, error)
	ListFunc   func(ctx context.Context) ([]*storage.Entry, error)
	DeleteFunc func(ctx context.Context, endpoint string) error

	// Lifecycle
	PingFunc  func(ctx context.Context) error
	CloseFunc func() error

	mu      sync.Mutex
	entries map[string]storage.Entry
	closed  bool
}

var _ storage.Cache = (*MockStorage)(nil)

// Save stores a copy of token for endpoint.
func (m *MockStorage) Save(ctx context.Context, endpoint string, token *tokenserver.Token) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, endpoint, token)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]storage.Entry)
	}
	m.entries[endpoint] = storage.Entry{Endpoint: endpoint, Token: *token, CachedAt: time.Now().UTC()}
	return nil
}

// Load returns the entry for endpoint or storage.ErrNotFound.
func (m *MockStorage) Load(ctx context.Context, endpoint string) (*storage.Entry, error) {
	if m.LoadFunc != nil {
		return m.LoadFunc(ctx, endpoint)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[endpoint]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &e, nil
}

// List returns all entries ordered by endpoint.
func (m *MockStorage) List(ctx context.Context) ([]*storage.Entry, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]*storage.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, &e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Endpoint < entries[j].Endpoint
	})
	return entries, nil
}

// Delete removes the entry for endpoint or returns storage.ErrNotFound.
func (m *MockStorage) Delete(ctx context.Context, endpoint string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, endpoint)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[endpoint]; !ok {
		return storage.ErrNotFound
	}
	delete(m.entries, endpoint)
	return nil
}

// Ping verifies database connectivity.
func (m *MockStorage) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

// Close marks the mock closed.
func (m *MockStorage) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockStorage) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
