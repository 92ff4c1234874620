package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/mtd/controller/pkg/hosts"
	"github.com/malbeclabs/mtd/controller/pkg/installer"
	"github.com/malbeclabs/mtd/controller/pkg/metrics"
	"github.com/malbeclabs/mtd/controller/pkg/topology"
)

// DefaultInterval is the time between two mutation cycles.
const DefaultInterval = 120 * time.Second

var (
	// ErrHostsUnknown means a monitored host has not been learned yet.
	ErrHostsUnknown = errors.New("monitored hosts not learned")
	// ErrNoCandidates means the active snapshot holds no candidate path.
	ErrNoCandidates = errors.New("no candidate paths")
	// ErrEndpointMismatch means the monitored hosts are not attached to the ends of the
	// selected candidate path. Candidates are computed for the configured monitored switch
	// pair, so this is a configuration error rather than a transient condition.
	ErrEndpointMismatch = errors.New("configuration error: monitored hosts are not attached to the monitored switch pair")
)

type SnapshotSource interface {
	Snapshot() *topology.Snapshot
}

type HostLookup interface {
	Lookup(mac net.HardwareAddr) (hosts.Location, bool)
}

type PathInstaller interface {
	Install(hops installer.HopList, src, dst net.HardwareAddr) installer.Result
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Interval  time.Duration
	SrcHost   net.HardwareAddr
	DstHost   net.HardwareAddr
	Topology  SnapshotSource
	Hosts     HostLookup
	Installer PathInstaller

	// Rand picks the candidate path. Defaults to a randomly seeded PCG source.
	Rand *rand.Rand
	// Bidirectional also installs the reply direction along the selected path.
	Bidirectional bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if len(cfg.SrcHost) == 0 || len(cfg.DstHost) == 0 {
		return errors.New("monitored host pair is required")
	}
	if cfg.Topology == nil {
		return errors.New("topology is required")
	}
	if cfg.Hosts == nil {
		return errors.New("host table is required")
	}
	if cfg.Installer == nil {
		return errors.New("installer is required")
	}
	if cfg.Interval < 0 {
		return errors.New("interval must not be negative")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return nil
}

// Result describes one completed mutation cycle.
type Result struct {
	ID             string            `json:"id"`
	At             time.Time         `json:"at"`
	Generation     uint64            `json:"generation"`
	Path           topology.Path     `json:"path"`
	Hops           installer.HopList `json:"hops"`
	Install        installer.Result  `json:"install"`
	ReverseHops    installer.HopList `json:"reverse_hops,omitempty"`
	ReverseInstall *installer.Result `json:"reverse_install,omitempty"`
}

// Scheduler periodically moves the monitored host pair onto a randomly chosen candidate
// path.
type Scheduler struct {
	log *slog.Logger
	cfg Config

	mutateMu sync.Mutex
	lastMu   sync.RWMutex
	last     *Result
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{log: cfg.Logger, cfg: cfg}, nil
}

// Start runs a mutation cycle every interval until ctx is done. The first cycle runs
// one interval after Start.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		s.log.Info("mutation: starting scheduler", "interval", s.cfg.Interval, "src", s.cfg.SrcHost, "dst", s.cfg.DstHost)

		ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.log.Info("mutation: scheduler stopped")
				return
			case <-ticker.Chan():
				s.safeMutate(ctx)
			}
		}
	}()
}

func (s *Scheduler) safeMutate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("mutation: cycle panicked", "panic", r)
			metrics.MutationTotal.WithLabelValues("panic").Inc()
			hub := sentry.GetHubFromContext(ctx)
			if hub == nil {
				hub = sentry.CurrentHub()
			}
			hub.Recover(r)
		}
	}()

	if _, err := s.Mutate(ctx); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
		case errors.Is(err, ErrHostsUnknown):
			s.log.Info("mutation: waiting for monitored hosts to be learned")
		case errors.Is(err, ErrNoCandidates):
			s.log.Info("mutation: no candidate paths, skipping cycle")
		case errors.Is(err, ErrEndpointMismatch):
			s.log.Error("mutation: cycle skipped, check the monitored switch pair against the monitored host attachment points", "error", err)
		default:
			s.log.Warn("mutation: cycle skipped", "error", err)
		}
	}
}

// Mutate runs one cycle: it picks a candidate path uniformly at random from the active
// snapshot and installs it for the monitored pair. Cycles are serialized.
func (s *Scheduler) Mutate(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	start := s.cfg.Clock.Now()
	defer func() {
		metrics.MutationDuration.Observe(s.cfg.Clock.Since(start).Seconds())
	}()

	srcLoc, srcOK := s.cfg.Hosts.Lookup(s.cfg.SrcHost)
	dstLoc, dstOK := s.cfg.Hosts.Lookup(s.cfg.DstHost)
	if !srcOK || !dstOK {
		metrics.MutationTotal.WithLabelValues("hosts_unknown").Inc()
		return Result{}, ErrHostsUnknown
	}

	snap := s.cfg.Topology.Snapshot()
	if len(snap.Candidates) == 0 {
		metrics.MutationTotal.WithLabelValues("no_candidates").Inc()
		return Result{}, ErrNoCandidates
	}

	path := snap.Candidates[s.cfg.Rand.IntN(len(snap.Candidates))]
	if path[0] != srcLoc.Switch || path[len(path)-1] != dstLoc.Switch {
		metrics.MutationTotal.WithLabelValues("endpoint_mismatch").Inc()
		return Result{}, fmt.Errorf("%w: path %s, hosts at %s and %s", ErrEndpointMismatch, path, srcLoc.Switch, dstLoc.Switch)
	}

	hops, err := installer.BuildHopList(snap.Graph, path, srcLoc.Port, dstLoc.Port)
	if err != nil {
		metrics.MutationTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("failed to build hop list: %w", err)
	}

	res := Result{
		ID:         uuid.NewString(),
		At:         start,
		Generation: snap.Generation,
		Path:       path,
		Hops:       hops,
		Install:    s.cfg.Installer.Install(hops, s.cfg.SrcHost, s.cfg.DstHost),
	}
	complete := res.Install.Complete()
	if s.cfg.Bidirectional {
		res.ReverseHops = installer.Reverse(hops)
		rev := s.cfg.Installer.Install(res.ReverseHops, s.cfg.DstHost, s.cfg.SrcHost)
		res.ReverseInstall = &rev
		complete = complete && rev.Complete()
	}

	if complete {
		metrics.MutationTotal.WithLabelValues("installed").Inc()
	} else {
		metrics.MutationTotal.WithLabelValues("partial").Inc()
	}
	s.log.Info("mutation: path mutated",
		"id", res.ID,
		"path", path,
		"candidates", len(snap.Candidates),
		"skipped", res.Install.Skipped)

	s.lastMu.Lock()
	s.last = &res
	s.lastMu.Unlock()

	return res, nil
}

// Last returns the most recent completed cycle.
func (s *Scheduler) Last() (Result, bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

// Interval returns the time between two cycles.
func (s *Scheduler) Interval() time.Duration {
	return s.cfg.Interval
}
