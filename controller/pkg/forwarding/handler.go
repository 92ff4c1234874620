package forwarding

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/malbeclabs/mtd/controller/pkg/hosts"
	"github.com/malbeclabs/mtd/controller/pkg/installer"
	"github.com/malbeclabs/mtd/controller/pkg/metrics"
	"github.com/malbeclabs/mtd/controller/pkg/southbound"
	"github.com/malbeclabs/mtd/controller/pkg/topology"
)

// DefaultIgnoredEtherTypes are dropped without learning or forwarding.
var DefaultIgnoredEtherTypes = []layers.EthernetType{
	layers.EthernetTypeLinkLayerDiscovery,
	layers.EthernetTypeIPv6,
}

type Action string

const (
	ActionIgnore  Action = "ignore"
	ActionFlood   Action = "flood"
	ActionForward Action = "forward"
)

// Decision describes what the handler did with one frame.
type Decision struct {
	Action  Action
	OutPort topology.Port
	Hops    installer.HopList
	Install installer.Result
}

type SnapshotSource interface {
	Snapshot() *topology.Snapshot
}

type HostTable interface {
	Learn(mac net.HardwareAddr, sw topology.SwitchID, port topology.Port) bool
	Lookup(mac net.HardwareAddr) (hosts.Location, bool)
}

type PathInstaller interface {
	Install(hops installer.HopList, src, dst net.HardwareAddr) installer.Result
}

type Config struct {
	Logger    *slog.Logger
	Topology  SnapshotSource
	Hosts     HostTable
	Installer PathInstaller
	Devices   installer.DeviceGetter

	// IgnoredEtherTypes defaults to DefaultIgnoredEtherTypes when nil.
	IgnoredEtherTypes []layers.EthernetType
	// EdgeLearningOnly skips learning on ports that carry a discovered inter-switch link.
	EdgeLearningOnly bool
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
	if cfg.Installer == nil {
		return errors.New("installer is required")
	}
	if cfg.Devices == nil {
		return errors.New("device registry is required")
	}
	if cfg.IgnoredEtherTypes == nil {
		cfg.IgnoredEtherTypes = DefaultIgnoredEtherTypes
	}
	return nil
}

// Handler learns host locations from packet-in frames and forwards them reactively.
type Handler struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handler{log: cfg.Logger, cfg: cfg}, nil
}

// HandleFrame processes one frame reported by a switch. The source address is learned,
// then the frame is flooded when the destination is unknown or unreachable; otherwise
// rules are installed along the shortest path and the frame is sent out of the first
// hop's egress port.
func (h *Handler) HandleFrame(ev southbound.FrameReceived) (Decision, error) {
	var eth layers.Ethernet
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &eth)
	parser.IgnoreUnsupported = true
	decoded := make([]gopacket.LayerType, 0, 1)
	if err := parser.DecodeLayers(ev.Frame, &decoded); err != nil || len(decoded) == 0 {
		metrics.PacketInTotal.WithLabelValues("malformed").Inc()
		if err == nil {
			err = errors.New("no ethernet header")
		}
		return Decision{Action: ActionIgnore}, fmt.Errorf("failed to decode frame from switch %s: %w", ev.Switch, err)
	}

	if slices.Contains(h.cfg.IgnoredEtherTypes, eth.EthernetType) {
		metrics.PacketInTotal.WithLabelValues(string(ActionIgnore)).Inc()
		return Decision{Action: ActionIgnore}, nil
	}

	snap := h.cfg.Topology.Snapshot()
	src, dst := eth.SrcMAC, eth.DstMAC

	if !h.cfg.EdgeLearningOnly || !snap.Graph.IsLinkPort(ev.Switch, ev.InPort) {
		if h.cfg.Hosts.Learn(src, ev.Switch, ev.InPort) {
			h.log.Debug("forwarding: learned host", "mac", src, "switch", ev.Switch, "port", ev.InPort)
		}
	}

	decision := h.route(snap.Graph, ev, src, dst)
	h.emit(ev, decision.OutPort)
	metrics.PacketInTotal.WithLabelValues(string(decision.Action)).Inc()
	return decision, nil
}

func (h *Handler) route(g *topology.Graph, ev southbound.FrameReceived, src, dst net.HardwareAddr) Decision {
	flood := Decision{Action: ActionFlood, OutPort: southbound.PortFlood}

	loc, ok := h.cfg.Hosts.Lookup(dst)
	if !ok {
		return flood
	}
	path, err := g.ShortestPath(ev.Switch, loc.Switch)
	if err != nil {
		h.log.Debug("forwarding: no path to destination, flooding", "switch", ev.Switch, "dst", dst, "dst_switch", loc.Switch, "error", err)
		return flood
	}
	hops, err := installer.BuildHopList(g, path, ev.InPort, loc.Port)
	if err != nil {
		h.log.Warn("forwarding: failed to build hop list, flooding", "path", path, "error", err)
		return flood
	}
	res := h.cfg.Installer.Install(hops, src, dst)
	return Decision{
		Action:  ActionForward,
		OutPort: hops[0].OutPort,
		Hops:    hops,
		Install: res,
	}
}

func (h *Handler) emit(ev southbound.FrameReceived, outPort topology.Port) {
	dev, ok := h.cfg.Devices.Get(ev.Switch)
	if !ok {
		h.log.Warn("forwarding: no device for ingress switch, dropping frame", "switch", ev.Switch)
		return
	}
	out := southbound.PacketOut{
		BufferID: ev.BufferID,
		InPort:   ev.InPort,
		OutPort:  outPort,
	}
	if ev.BufferID == southbound.NoBuffer {
		out.Data = ev.Frame
	}
	if err := dev.ForwardNow(out); err != nil {
		h.log.Warn("forwarding: failed to forward frame", "switch", ev.Switch, "error", err)
	}
}
