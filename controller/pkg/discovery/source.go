package discovery

import (
	"context"
	"time"
)

// Feed is one raw topology document fetched from a source.
type Feed struct {
	FetchedAt time.Time
	RawJSON   []byte
	Name      string
}

// Source provides access to topology feed documents.
type Source interface {
	// FetchLatest retrieves the most recent topology document.
	FetchLatest(ctx context.Context) (*Feed, error)

	// Close releases any resources held by the source.
	Close() error
}
