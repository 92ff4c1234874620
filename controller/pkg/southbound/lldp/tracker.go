package lldp

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/mtd/controller/pkg/metrics"
	"github.com/malbeclabs/mtd/controller/pkg/southbound"
	"github.com/malbeclabs/mtd/controller/pkg/topology"
)

// DefaultInterval is the time between two discovery rounds.
const DefaultInterval = 5 * time.Second

// A link missing this many discovery rounds in a row is dropped.
const linkTimeoutRounds = 3

type TrackerConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Interval time.Duration
	// LinkTimeout drops links not confirmed for this long. Defaults to three discovery
	// intervals.
	LinkTimeout time.Duration
	// Events receives LinksExpired when links time out.
	Events chan<- southbound.Event
}

func (cfg *TrackerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Events == nil {
		return errors.New("events channel is required")
	}
	if cfg.Interval < 0 || cfg.LinkTimeout < 0 {
		return errors.New("interval and link timeout must not be negative")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LinkTimeout == 0 {
		cfg.LinkTimeout = linkTimeoutRounds * cfg.Interval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type switchState struct {
	dev   southbound.Device
	ports []topology.Port
}

// linkKey is the egress side of a link; a port leads to at most one neighbor.
type linkKey struct {
	sw   topology.SwitchID
	port topology.Port
}

type linkState struct {
	link topology.Link
	seen time.Time
}

// Tracker learns the switch and link set from device sessions and LLDP frames. Each
// round it sends a frame out of every usable port; a frame coming back in on another
// switch confirms the directed link between the two ports.
type Tracker struct {
	log *slog.Logger
	cfg TrackerConfig

	mu       sync.Mutex
	switches map[topology.SwitchID]*switchState
	links    map[linkKey]linkState
}

func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{
		log:      cfg.Logger,
		cfg:      cfg,
		switches: make(map[topology.SwitchID]*switchState),
		links:    make(map[linkKey]linkState),
	}, nil
}

// SwitchUp records a connected switch and reports whether the switch set changed. A
// reconnecting switch only swaps its device handle.
func (t *Tracker) SwitchUp(dev southbound.Device) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := dev.ID()
	if st, ok := t.switches[id]; ok {
		st.dev = dev
		return false
	}
	t.switches[id] = &switchState{dev: dev}
	return true
}

// SwitchDown forgets a switch and every link touching it. A stale handle from a
// replaced session is ignored.
func (t *Tracker) SwitchDown(id topology.SwitchID, dev southbound.Device) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.switches[id]
	if !ok || st.dev != dev {
		return false
	}
	delete(t.switches, id)
	t.dropLinks(func(l topology.Link) bool { return l.Src == id || l.Dst == id })
	return true
}

// SetPorts replaces the usable ports of a switch and advertises on them right away. It reports
// whether links were dropped because one of their ports went away.
func (t *Tracker) SetPorts(id topology.SwitchID, ports []topology.Port) bool {
	t.mu.Lock()
	st, ok := t.switches[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	live := make(map[topology.Port]struct{}, len(ports))
	st.ports = st.ports[:0]
	for _, p := range ports {
		if _, dup := live[p]; dup || p == 0 {
			continue
		}
		live[p] = struct{}{}
		st.ports = append(st.ports, p)
	}
	slices.Sort(st.ports)

	dropped := t.dropLinks(func(l topology.Link) bool {
		switch id {
		case l.Src:
			_, ok := live[l.SrcPort]
			return !ok
		case l.Dst:
			_, ok := live[l.DstPort]
			return !ok
		}
		return false
	})
	dev, targets := st.dev, slices.Clone(st.ports)
	t.mu.Unlock()

	t.send(id, dev, targets)
	return dropped > 0
}

// HandleFrame consumes LLDP frames. handled is false for every other frame; changed
// reports a link that is new or now ends on a different port.
func (t *Tracker) HandleFrame(ev southbound.FrameReceived) (handled, changed bool) {
	if !IsLLDP(ev.Frame) {
		return false, false
	}
	origin, err := Decode(ev.Frame)
	if err != nil {
		if !errors.Is(err, ErrForeignFrame) {
			t.log.Debug("lldp: dropping malformed frame", "switch", ev.Switch, "in_port", ev.InPort, "error", err)
		}
		return true, false
	}
	if origin.Switch == ev.Switch {
		return true, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.switches[origin.Switch]; !ok {
		return true, false
	}
	if _, ok := t.switches[ev.Switch]; !ok {
		return true, false
	}

	link := topology.Link{Src: origin.Switch, SrcPort: origin.Port, Dst: ev.Switch, DstPort: ev.InPort}
	key := linkKey{sw: origin.Switch, port: origin.Port}
	prev, known := t.links[key]
	t.links[key] = linkState{link: link, seen: t.cfg.Clock.Now()}
	if known && prev.link == link {
		return true, false
	}

	metrics.LinksDiscovered.Set(float64(len(t.links)))
	t.log.Info("lldp: link discovered",
		"src", link.Src, "src_port", link.SrcPort, "dst", link.Dst, "dst_port", link.DstPort)
	return true, true
}

// Topology returns the connected switches and the confirmed links between them. When
// several links join the same ordered switch pair only the lowest egress port is kept.
func (t *Tracker) Topology() ([]topology.SwitchID, []topology.Link) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switches := make([]topology.SwitchID, 0, len(t.switches))
	for id := range t.switches {
		switches = append(switches, id)
	}
	slices.Sort(switches)

	links := make([]topology.Link, 0, len(t.links))
	for _, st := range t.links {
		links = append(links, st.link)
	}
	slices.SortFunc(links, func(a, b topology.Link) int {
		return cmp.Or(
			cmp.Compare(a.Src, b.Src),
			cmp.Compare(a.Dst, b.Dst),
			cmp.Compare(a.SrcPort, b.SrcPort),
		)
	})
	links = slices.CompactFunc(links, func(a, b topology.Link) bool {
		return a.Src == b.Src && a.Dst == b.Dst
	})
	return switches, links
}

// Expire drops links not confirmed within the link timeout and returns them.
func (t *Tracker) Expire() []topology.Link {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.cfg.Clock.Now()
	var expired []topology.Link
	for key, st := range t.links {
		if now.Sub(st.seen) > t.cfg.LinkTimeout {
			expired = append(expired, st.link)
			delete(t.links, key)
		}
	}
	if len(expired) == 0 {
		return nil
	}
	metrics.LinksDiscovered.Set(float64(len(t.links)))
	slices.SortFunc(expired, func(a, b topology.Link) int {
		return cmp.Or(cmp.Compare(a.Src, b.Src), cmp.Compare(a.SrcPort, b.SrcPort))
	})
	t.log.Info("lldp: links expired", "count", len(expired))
	return expired
}

// Advertise sends one LLDP frame out of every usable port of every connected switch.
func (t *Tracker) Advertise() {
	type target struct {
		id    topology.SwitchID
		dev   southbound.Device
		ports []topology.Port
	}
	t.mu.Lock()
	targets := make([]target, 0, len(t.switches))
	for id, st := range t.switches {
		targets = append(targets, target{id: id, dev: st.dev, ports: slices.Clone(st.ports)})
	}
	t.mu.Unlock()

	for _, tg := range targets {
		t.send(tg.id, tg.dev, tg.ports)
	}
}

// Start runs a discovery round every interval until ctx is done. Expired links are reported
// on the events channel before the round's frames go out.
func (t *Tracker) Start(ctx context.Context) {
	go func() {
		t.log.Info("lldp: starting link discovery", "interval", t.cfg.Interval, "link_timeout", t.cfg.LinkTimeout)

		ticker := t.cfg.Clock.NewTicker(t.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				t.log.Info("lldp: link discovery stopped")
				return
			case <-ticker.Chan():
				t.safeRound(ctx)
			}
		}
	}()
}

func (t *Tracker) safeRound(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("lldp: discovery round panicked", "panic", r)
			metrics.LLDPFramesTotal.WithLabelValues("panic").Inc()
			hub := sentry.GetHubFromContext(ctx)
			if hub == nil {
				hub = sentry.CurrentHub()
			}
			hub.Recover(r)
		}
	}()

	if expired := t.Expire(); len(expired) > 0 {
		select {
		case t.cfg.Events <- southbound.LinksExpired{Links: expired}:
		case <-ctx.Done():
			return
		}
	}
	t.Advertise()
}

func (t *Tracker) send(id topology.SwitchID, dev southbound.Device, ports []topology.Port) {
	for _, port := range ports {
		frame, err := Encode(Origin{Switch: id, Port: port})
		if err != nil {
			t.log.Error("lldp: failed to build frame", "switch", id, "port", port, "error", err)
			metrics.LLDPFramesTotal.WithLabelValues("error").Inc()
			continue
		}
		err = dev.ForwardNow(southbound.PacketOut{
			BufferID: southbound.NoBuffer,
			InPort:   southbound.PortController,
			OutPort:  port,
			Data:     frame,
		})
		if err != nil {
			t.log.Debug("lldp: frame dropped", "switch", id, "port", port, "error", err)
			metrics.LLDPFramesTotal.WithLabelValues("dropped").Inc()
			continue
		}
		metrics.LLDPFramesTotal.WithLabelValues("sent").Inc()
	}
}

// dropLinks removes the links matching drop and returns how many went. Callers hold mu.
func (t *Tracker) dropLinks(drop func(topology.Link) bool) int {
	var n int
	for key, st := range t.links {
		if drop(st.link) {
			delete(t.links, key)
			n++
		}
	}
	if n > 0 {
		metrics.LinksDiscovered.Set(float64(len(t.links)))
	}
	return n
}
