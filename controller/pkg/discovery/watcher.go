package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/mtd/controller/pkg/metrics"
	"github.com/malbeclabs/mtd/controller/pkg/southbound"
)

// DefaultPollInterval is the time between two fetches of the topology feed.
const DefaultPollInterval = 30 * time.Second

type WatcherConfig struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	Source       Source
	PollInterval time.Duration
	// Events receives a TopologyChanged event whenever the feed content changes.
	Events chan<- southbound.Event
}

func (cfg *WatcherConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.Events == nil {
		return errors.New("events channel is required")
	}
	if cfg.PollInterval < 0 {
		return errors.New("poll interval must not be negative")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Watcher polls a Source and turns content changes into topology-changed events.
type Watcher struct {
	log       *slog.Logger
	cfg       WatcherConfig
	refreshMu sync.Mutex

	last      []byte
	readyOnce sync.Once
	readyCh   chan struct{}
}

func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Watcher{
		log:     cfg.Logger,
		cfg:     cfg,
		readyCh: make(chan struct{}),
	}, nil
}

// Ready returns true once a topology has been emitted.
func (w *Watcher) Ready() bool {
	select {
	case <-w.readyCh:
		return true
	default:
		return false
	}
}

// WaitReady blocks until a topology has been emitted or ctx is done.
func (w *Watcher) WaitReady(ctx context.Context) error {
	select {
	case <-w.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for topology feed: %w", ctx.Err())
	}
}

func (w *Watcher) Start(ctx context.Context) {
	go func() {
		w.log.Info("discovery: starting feed watcher", "interval", w.cfg.PollInterval)

		w.safeRefresh(ctx)

		ticker := w.cfg.Clock.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				w.safeRefresh(ctx)
			}
		}
	}()
}

func (w *Watcher) safeRefresh(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("discovery: refresh panicked", "panic", r)
			metrics.DiscoveryFetchTotal.WithLabelValues("panic").Inc()
		}
	}()

	if _, err := w.Refresh(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.log.Error("discovery: refresh failed", "error", err)
	}
}

// Refresh fetches the feed once and emits TopologyChanged if its content differs from
// the last emitted document. It reports whether an event was emitted.
func (w *Watcher) Refresh(ctx context.Context) (bool, error) {
	w.refreshMu.Lock()
	defer w.refreshMu.Unlock()

	feed, err := w.cfg.Source.FetchLatest(ctx)
	if err != nil {
		metrics.DiscoveryFetchTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("failed to fetch topology feed: %w", err)
	}
	if w.last != nil && bytes.Equal(w.last, feed.RawJSON) {
		metrics.DiscoveryFetchTotal.WithLabelValues("unchanged").Inc()
		return false, nil
	}

	topo, err := Parse(feed.RawJSON)
	if err != nil {
		metrics.DiscoveryFetchTotal.WithLabelValues("invalid").Inc()
		return false, fmt.Errorf("failed to parse topology feed %s: %w", feed.Name, err)
	}

	select {
	case w.cfg.Events <- southbound.TopologyChanged{Switches: topo.Switches, Links: topo.Links}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	w.last = bytes.Clone(feed.RawJSON)
	metrics.DiscoveryFetchTotal.WithLabelValues("changed").Inc()

	w.log.Info("discovery: topology changed",
		"feed", feed.Name,
		"switches", len(topo.Switches),
		"links", len(topo.Links))
	w.readyOnce.Do(func() {
		close(w.readyCh)
	})
	return true, nil
}
