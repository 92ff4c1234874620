package discovery

import (
	"context"
	"sync"
	"time"
)

// MockSource is a Source implementation for testing.
type MockSource struct {
	mu       sync.Mutex
	feed     *Feed
	fetchErr error
	fetches  int
	closed   bool
}

// NewMockSource creates a new MockSource serving rawJSON.
func NewMockSource(rawJSON []byte, name string) *MockSource {
	m := &MockSource{}
	m.Set(rawJSON, name)
	return m
}

// Set replaces the served document.
func (m *MockSource) Set(rawJSON []byte, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feed = &Feed{FetchedAt: time.Now(), RawJSON: rawJSON, Name: name}
}

// SetError makes subsequent fetches fail with err, or succeed again when err is nil.
func (m *MockSource) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

func (m *MockSource) FetchLatest(ctx context.Context) (*Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.feed, nil
}

// Fetches returns how many times FetchLatest was called.
func (m *MockSource) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockSource) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
