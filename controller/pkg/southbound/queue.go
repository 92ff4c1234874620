package southbound

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/malbeclabs/mtd/controller/pkg/metrics"
	"github.com/malbeclabs/mtd/controller/pkg/topology"
)

const defaultQueueSize = 1024

// Writer puts commands on the wire to a single device.
type Writer interface {
	WriteRule(ctx context.Context, rule Rule) error
	WritePacketOut(ctx context.Context, out PacketOut) error
}

type QueueConfig struct {
	Logger *slog.Logger
	Switch topology.SwitchID
	Writer Writer
	Size   int
}

func (cfg *QueueConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Writer == nil {
		return errors.New("writer is required")
	}
	if cfg.Size <= 0 {
		cfg.Size = defaultQueueSize
	}
	return nil
}

type command struct {
	rule *Rule
	out  *PacketOut
}

// Queue is a Device that hands commands to a bounded channel drained by Run. Callers
// never block: a full or closed queue drops the command.
type Queue struct {
	log *slog.Logger
	cfg QueueConfig

	cmds      chan command
	done      chan struct{}
	closeOnce sync.Once
}

func NewQueue(cfg QueueConfig) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Queue{
		log:  cfg.Logger,
		cfg:  cfg,
		cmds: make(chan command, cfg.Size),
		done: make(chan struct{}),
	}, nil
}

func (q *Queue) ID() topology.SwitchID {
	return q.cfg.Switch
}

func (q *Queue) InstallRule(rule Rule) error {
	return q.enqueue(command{rule: &rule}, "install_rule")
}

func (q *Queue) ForwardNow(out PacketOut) error {
	return q.enqueue(command{out: &out}, "forward_now")
}

func (q *Queue) enqueue(cmd command, kind string) error {
	select {
	case <-q.done:
		metrics.SouthboundDroppedTotal.WithLabelValues(kind).Inc()
		return ErrDeviceClosed
	default:
	}
	select {
	case q.cmds <- cmd:
		return nil
	default:
		metrics.SouthboundDroppedTotal.WithLabelValues(kind).Inc()
		return ErrQueueFull
	}
}

// Close stops accepting commands and ends Run.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Run writes queued commands until ctx is done or the queue is closed. Write errors are
// logged and the command is dropped.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case cmd := <-q.cmds:
			q.write(ctx, cmd)
		}
	}
}

func (q *Queue) write(ctx context.Context, cmd command) {
	var err error
	switch {
	case cmd.rule != nil:
		err = q.cfg.Writer.WriteRule(ctx, *cmd.rule)
	case cmd.out != nil:
		err = q.cfg.Writer.WritePacketOut(ctx, *cmd.out)
	}
	if err != nil {
		q.log.Warn("southbound: failed to write command", "switch", q.cfg.Switch, "error", err)
	}
}
