package installer

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/malbeclabs/mtd/controller/pkg/metrics"
	"github.com/malbeclabs/mtd/controller/pkg/southbound"
	"github.com/malbeclabs/mtd/controller/pkg/topology"
)

// DefaultIdleTimeout is how long an installed path rule survives without traffic.
const DefaultIdleTimeout = 120 * time.Second

// Hop is one switch of a path with concrete ports.
type Hop struct {
	Switch  topology.SwitchID `json:"switch"`
	InPort  topology.Port     `json:"in_port"`
	OutPort topology.Port     `json:"out_port"`
}

// HopList is a path expanded with ports, ready for installation.
type HopList []Hop

// Path returns the switches visited by the hop-list.
func (h HopList) Path() topology.Path {
	path := make(topology.Path, len(h))
	for i, hop := range h {
		path[i] = hop.Switch
	}
	return path
}

// BuildHopList expands path into hops. Each hop's egress port comes from the adjacency
// towards the next switch; the next hop's ingress port is the reverse adjacency. The
// first hop enters on srcPort and the last one leaves on dstPort.
func BuildHopList(g *topology.Graph, path topology.Path, srcPort, dstPort topology.Port) (HopList, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty path", topology.ErrNotFound)
	}
	hops := make(HopList, 0, len(path))
	inPort := srcPort
	for i := 0; i+1 < len(path); i++ {
		u, v := path[i], path[i+1]
		out, err := g.EgressPort(u, v)
		if err != nil {
			return nil, err
		}
		back, err := g.EgressPort(v, u)
		if err != nil {
			return nil, err
		}
		hops = append(hops, Hop{Switch: u, InPort: inPort, OutPort: out})
		inPort = back
	}
	hops = append(hops, Hop{Switch: path[len(path)-1], InPort: inPort, OutPort: dstPort})
	return hops, nil
}

// Reverse returns the hop-list carrying traffic back along the same switches.
func Reverse(hops HopList) HopList {
	rev := make(HopList, len(hops))
	for i, hop := range hops {
		rev[len(hops)-1-i] = Hop{Switch: hop.Switch, InPort: hop.OutPort, OutPort: hop.InPort}
	}
	return rev
}

// DeviceGetter resolves the handle of a registered switch.
type DeviceGetter interface {
	Get(id topology.SwitchID) (southbound.Device, bool)
}

type Config struct {
	Logger      *slog.Logger
	Devices     DeviceGetter
	IdleTimeout time.Duration
	HardTimeout time.Duration
	Priority    uint16
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Devices == nil {
		return errors.New("device registry is required")
	}
	if cfg.IdleTimeout < 0 || cfg.HardTimeout < 0 {
		return errors.New("rule timeouts must not be negative")
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Priority == 0 {
		cfg.Priority = southbound.PathPriority
	}
	return nil
}

// Result reports which hops were handed to a device and which were skipped.
type Result struct {
	Installed []topology.SwitchID `json:"installed"`
	Skipped   []topology.SwitchID `json:"skipped"`
}

// Complete reports whether every hop was handed to its device.
func (r Result) Complete() bool {
	return len(r.Skipped) == 0
}

// Installer programs hop-lists onto switches.
type Installer struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Installer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Installer{log: cfg.Logger, cfg: cfg}, nil
}

// Install issues one rule per hop matching (in_port, src, dst). Hops whose switch has
// no registered device, or whose device refuses the command, are skipped and not
// retried; the remaining hops are still installed, so a path may end up partially
// programmed.
func (i *Installer) Install(hops HopList, src, dst net.HardwareAddr) Result {
	var res Result
	for _, hop := range hops {
		dev, ok := i.cfg.Devices.Get(hop.Switch)
		if !ok {
			i.log.Warn("installer: no device for hop, skipping", "switch", hop.Switch, "src", src, "dst", dst)
			metrics.HopsSkippedTotal.Inc()
			res.Skipped = append(res.Skipped, hop.Switch)
			continue
		}
		rule := southbound.Rule{
			Priority: i.cfg.Priority,
			Match: southbound.Match{
				InPort: hop.InPort,
				EthSrc: slices.Clone(src),
				EthDst: slices.Clone(dst),
			},
			OutPort:     hop.OutPort,
			IdleTimeout: i.cfg.IdleTimeout,
			HardTimeout: i.cfg.HardTimeout,
		}
		if err := dev.InstallRule(rule); err != nil {
			i.log.Warn("installer: device rejected rule, skipping", "switch", hop.Switch, "error", err)
			metrics.HopsSkippedTotal.Inc()
			res.Skipped = append(res.Skipped, hop.Switch)
			continue
		}
		metrics.RulesInstalledTotal.Inc()
		res.Installed = append(res.Installed, hop.Switch)
	}
	i.log.Debug("installer: path installed",
		"src", src,
		"dst", dst,
		"path", hops.Path(),
		"installed", len(res.Installed),
		"skipped", len(res.Skipped))
	return res
}
