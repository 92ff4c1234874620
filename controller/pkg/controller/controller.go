package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"
	"github.com/malbeclabs/mtd/controller/pkg/forwarding"
	"github.com/malbeclabs/mtd/controller/pkg/metrics"
	"github.com/malbeclabs/mtd/controller/pkg/southbound"
	"github.com/malbeclabs/mtd/controller/pkg/topology"
)

type TopologyStore interface {
	Rebuild(switches []topology.SwitchID, links []topology.Link) (*topology.Snapshot, error)
}

type DeviceRegistry interface {
	Register(d southbound.Device) southbound.Device
	Unregister(id topology.SwitchID, d southbound.Device) bool
}

type FrameHandler interface {
	HandleFrame(ev southbound.FrameReceived) (forwarding.Decision, error)
}

// LinkDiscovery learns switches and links from the devices themselves.
type LinkDiscovery interface {
	SwitchUp(dev southbound.Device) bool
	SwitchDown(id topology.SwitchID, dev southbound.Device) bool
	SetPorts(id topology.SwitchID, ports []topology.Port) bool
	HandleFrame(ev southbound.FrameReceived) (handled, changed bool)
	Topology() ([]topology.SwitchID, []topology.Link)
}

type SnapshotPublisher interface {
	Publish(snap *topology.Snapshot)
}

type Config struct {
	Logger     *slog.Logger
	Topology   TopologyStore
	Devices    DeviceRegistry
	Forwarding FrameHandler
	// Discovery, when set, owns the topology: every switch, port or link change
	// rebuilds the store from what it has learned. Leave it nil when the topology
	// comes from an external feed.
	Discovery LinkDiscovery
	// Mirror receives every rebuilt snapshot. Optional.
	Mirror SnapshotPublisher
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Topology == nil {
		return errors.New("topology store is required")
	}
	if cfg.Devices == nil {
		return errors.New("device registry is required")
	}
	if cfg.Forwarding == nil {
		return errors.New("forwarding handler is required")
	}
	return nil
}

// Controller dispatches southbound events one at a time.
type Controller struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{log: cfg.Logger, cfg: cfg}, nil
}

// Run consumes events until ctx is done or the channel is closed.
func (c *Controller) Run(ctx context.Context, events <-chan southbound.Event) error {
	c.log.Info("controller: dispatch loop started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info("controller: dispatch loop stopped")
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.safeDispatch(ctx, ev)
		}
	}
}

func (c *Controller) safeDispatch(ctx context.Context, ev southbound.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("controller: event handler panicked", "event", ev.Type(), "panic", r)
			metrics.EventsTotal.WithLabelValues("panic").Inc()
			hub := sentry.GetHubFromContext(ctx)
			if hub == nil {
				hub = sentry.CurrentHub()
			}
			hub.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("event", ev.Type())
				hub.Recover(r)
			})
		}
	}()

	if err := c.Dispatch(ev); err != nil {
		c.log.Warn("controller: event handling failed", "event", ev.Type(), "error", err)
	}
}

// Dispatch handles a single event.
func (c *Controller) Dispatch(ev southbound.Event) error {
	metrics.EventsTotal.WithLabelValues(ev.Type()).Inc()

	switch ev := ev.(type) {
	case southbound.DeviceRegistered:
		return c.deviceRegistered(ev)
	case southbound.DeviceDisconnected:
		if c.cfg.Devices.Unregister(ev.Switch, ev.Device) {
			c.log.Info("controller: device disconnected", "switch", ev.Switch)
		}
		if c.cfg.Discovery != nil && c.cfg.Discovery.SwitchDown(ev.Switch, ev.Device) {
			return c.rediscover()
		}
		return nil
	case southbound.PortsChanged:
		if c.cfg.Discovery != nil && c.cfg.Discovery.SetPorts(ev.Switch, ev.Ports) {
			return c.rediscover()
		}
		return nil
	case southbound.LinksExpired:
		if c.cfg.Discovery == nil {
			return nil
		}
		c.log.Info("controller: links expired", "count", len(ev.Links))
		return c.rediscover()
	case southbound.TopologyChanged:
		if c.cfg.Discovery != nil {
			c.log.Warn("controller: ignoring topology feed while link discovery is active")
			return nil
		}
		return c.rebuild(ev.Switches, ev.Links)
	case southbound.FrameReceived:
		if c.cfg.Discovery != nil {
			if handled, changed := c.cfg.Discovery.HandleFrame(ev); handled {
				if changed {
					return c.rediscover()
				}
				return nil
			}
		}
		_, err := c.cfg.Forwarding.HandleFrame(ev)
		return err
	default:
		return fmt.Errorf("unhandled event type %T", ev)
	}
}

func (c *Controller) deviceRegistered(ev southbound.DeviceRegistered) error {
	id := ev.Device.ID()
	if prev := c.cfg.Devices.Register(ev.Device); prev != nil && prev != ev.Device {
		c.log.Warn("controller: device reconnected, replacing previous handle", "switch", id)
		if closer, ok := prev.(interface{ Close() }); ok {
			closer.Close()
		}
	}
	c.log.Info("controller: device registered", "switch", id)

	var errs []error
	if err := ev.Device.InstallRule(southbound.TableMissRule()); err != nil {
		errs = append(errs, fmt.Errorf("failed to install table-miss rule on switch %s: %w", id, err))
	}
	if c.cfg.Discovery != nil && c.cfg.Discovery.SwitchUp(ev.Device) {
		errs = append(errs, c.rediscover())
	}
	return errors.Join(errs...)
}

// rediscover rebuilds the topology from the discovered switch and link set.
func (c *Controller) rediscover() error {
	switches, links := c.cfg.Discovery.Topology()
	return c.rebuild(switches, links)
}

func (c *Controller) rebuild(switches []topology.SwitchID, links []topology.Link) error {
	snap, err := c.cfg.Topology.Rebuild(switches, links)
	if err != nil {
		return fmt.Errorf("failed to rebuild topology: %w", err)
	}
	if c.cfg.Mirror != nil {
		c.cfg.Mirror.Publish(snap)
	}
	return nil
}
