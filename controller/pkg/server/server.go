package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/malbeclabs/mtd/controller/pkg/hosts"
	"github.com/malbeclabs/mtd/controller/pkg/metrics"
	"github.com/malbeclabs/mtd/controller/pkg/mutation"
	"github.com/malbeclabs/mtd/controller/pkg/topology"
)

const (
	// DefaultListenAddr keeps the admin API on the loopback interface. Binding it to a
	// routable address exposes the mutation trigger when it is enabled.
	DefaultListenAddr = "127.0.0.1:8080"

	shutdownTimeout = 5 * time.Second
)

type SnapshotSource interface {
	Snapshot() *topology.Snapshot
	MonitoredPair() (topology.SwitchID, topology.SwitchID)
}

type HostLister interface {
	All() map[string]hosts.Location
}

type DeviceLister interface {
	IDs() []topology.SwitchID
}

type Mutator interface {
	Mutate(ctx context.Context) (mutation.Result, error)
	Last() (mutation.Result, bool)
	Interval() time.Duration
}

type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger     *slog.Logger
	ListenAddr string
	Topology   SnapshotSource
	Hosts      HostLister
	Devices    DeviceLister
	Mutation   Mutator
	Build      BuildInfo
	// Ready reports whether the controller has a topology to work with. Nil means always ready.
	Ready       func() bool
	CORSOrigins []string

	// EnableMutationTrigger registers POST /api/mutation. The endpoint is unauthenticated,
	// so it stays off unless asked for.
	EnableMutationTrigger bool
	// Sentry reports handler panics and request transactions to the hub on the request
	// context, or the global hub when there is none.
	Sentry bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Topology == nil {
		return errors.New("topology is required")
	}
	if cfg.Hosts == nil {
		return errors.New("host table is required")
	}
	if cfg.Devices == nil {
		return errors.New("device registry is required")
	}
	if cfg.Mutation == nil {
		return errors.New("mutation scheduler is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	return nil
}

// Server is the admin HTTP API.
type Server struct {
	log          *slog.Logger
	cfg          Config
	router       chi.Router
	shuttingDown atomic.Bool
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{log: cfg.Logger, cfg: cfg}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Sentry sits inside Recoverer: it captures a handler panic first and re-panics so
	// Recoverer still answers 500.
	if s.cfg.Sentry {
		sentryHandler := sentryhttp.New(sentryhttp.Options{
			Repanic: true,
		})
		r.Use(sentryHandler.Handle)
		r.Use(sentryTransactionName)
	}

	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.getReady)

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", s.getVersion)
		r.Get("/topology", s.getTopology)
		r.Get("/hosts", s.getHosts)
		r.Get("/mutation", s.getMutation)
		if s.cfg.EnableMutationTrigger {
			r.Post("/mutation", s.postMutation)
		}
	})
	return r
}

// sentryTransactionName renames the request transaction after the chi route pattern once
// routing has resolved it, so /api/topology and friends group by route rather than URL.
func sentryTransactionName(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		txn := sentry.TransactionFromContext(r.Context())
		if txn == nil {
			return
		}
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				txn.Name = r.Method + " " + pattern
			}
		}
	})
}

// Run serves on the configured address until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: admin API listening", "address", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin API server failed: %w", err)
	case <-ctx.Done():
	}

	s.shuttingDown.Store(true)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down admin API: %w", err)
	}
	s.log.Info("server: admin API stopped")
	return nil
}
