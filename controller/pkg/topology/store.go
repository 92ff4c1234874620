package topology

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/mtd/controller/pkg/metrics"
)

// StoreConfig holds configuration for the Store.
type StoreConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// MonitoredSrc and MonitoredDst designate the switch pair whose simple paths form
	// the candidate pool. Zero is a valid datapath id; the pair only has to be distinct.
	MonitoredSrc SwitchID
	MonitoredDst SwitchID

	Limits Limits
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.MonitoredSrc == cfg.MonitoredDst {
		return errors.New("monitored switch pair must name two distinct switches")
	}
	if cfg.Limits.MaxPaths < 0 || cfg.Limits.MaxLength < 0 {
		return errors.New("path limits must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Snapshot pairs a graph with the candidate paths computed from it. Snapshots are never
// modified after being published.
type Snapshot struct {
	Graph      *Graph
	Candidates []Path
	Generation uint64
	BuiltAt    time.Time
}

// Store publishes topology snapshots. Rebuilds are serialized; readers always see a
// complete snapshot, the previous one until a rebuild succeeds.
type Store struct {
	log *slog.Logger
	cfg StoreConfig

	rebuildMu sync.Mutex
	current   atomic.Pointer[Snapshot]
}

// NewStore creates a Store holding an empty snapshot.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	empty, err := NewGraph(nil, nil)
	if err != nil {
		return nil, err
	}
	s := &Store{
		log: cfg.Logger,
		cfg: cfg,
	}
	s.current.Store(&Snapshot{Graph: empty, BuiltAt: cfg.Clock.Now()})
	return s, nil
}

// Snapshot returns the active snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// MonitoredPair returns the switch pair used for candidate-path precomputation.
func (s *Store) MonitoredPair() (SwitchID, SwitchID) {
	return s.cfg.MonitoredSrc, s.cfg.MonitoredDst
}

// Rebuild replaces the adjacency map with one built from switches and links and
// recomputes the candidate pool. On error the active snapshot is left in place.
func (s *Store) Rebuild(switches []SwitchID, links []Link) (*Snapshot, error) {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	g, err := NewGraph(switches, links)
	if err != nil {
		metrics.TopologyRebuildTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to build graph: %w", err)
	}

	candidates := g.AllSimplePaths(s.cfg.MonitoredSrc, s.cfg.MonitoredDst, s.cfg.Limits)

	prev := s.current.Load()
	next := &Snapshot{
		Graph:      g,
		Candidates: candidates,
		Generation: prev.Generation + 1,
		BuiltAt:    s.cfg.Clock.Now(),
	}
	s.current.Store(next)

	metrics.TopologyRebuildTotal.WithLabelValues("ok").Inc()
	metrics.TopologySwitches.Set(float64(len(g.switches)))
	metrics.TopologyAdjacencies.Set(float64(g.Adjacencies()))
	metrics.CandidatePaths.Set(float64(len(candidates)))

	s.log.Info("topology: rebuilt",
		"generation", next.Generation,
		"switches", len(g.switches),
		"adjacencies", g.Adjacencies())
	s.log.Info("topology: precomputed candidate paths",
		"src", s.cfg.MonitoredSrc,
		"dst", s.cfg.MonitoredDst,
		"paths", len(candidates))

	return next, nil
}
