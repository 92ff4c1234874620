package ofp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/malbeclabs/mtd/controller/pkg/southbound"
)

const DefaultListenAddr = ":6633"

type Config struct {
	Logger     *slog.Logger
	ListenAddr string
	// Events receives device and frame events from every session.
	Events chan<- southbound.Event
	// QueueSize bounds each device's command queue.
	QueueSize int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Events == nil {
		return errors.New("events channel is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	return nil
}

// Server accepts OpenFlow 1.3 device connections.
type Server struct {
	log *slog.Logger
	cfg Config

	wg sync.WaitGroup
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{log: cfg.Logger, cfg: cfg}, nil
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes every session and
// waits for them to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("ofp: listening for devices", "address", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}
		s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer conn.Close()
		sess := newSession(s.log, conn, s.cfg.Events, s.cfg.QueueSize)
		if err := sess.run(ctx); err != nil {
			s.log.Warn("ofp: session ended", "remote", conn.RemoteAddr().String(), "error", err)
		}
	}()
}
