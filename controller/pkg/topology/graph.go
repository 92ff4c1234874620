package topology

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned when a switch, adjacency or path does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMalformedTopology is returned when a discovered switch/link set cannot form a graph.
	ErrMalformedTopology = errors.New("malformed topology")
)

// SwitchID is a datapath identifier.
type SwitchID uint64

func (id SwitchID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Port is a switch port number.
type Port uint32

// Link is one discovered direction of a switch-to-switch link. It contributes the
// adjacency entry Src -> Dst = SrcPort.
type Link struct {
	Src     SwitchID `json:"src"`
	SrcPort Port     `json:"src_port"`
	Dst     SwitchID `json:"dst"`
	DstPort Port     `json:"dst_port"`
}

// Path is an ordered, loop-free sequence of switches.
type Path []SwitchID

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, id := range p {
		parts[i] = id.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Equal reports whether p and o visit the same switches in the same order.
func (p Path) Equal(o Path) bool {
	return slices.Equal(p, o)
}

// Graph is an immutable switch adjacency map.
type Graph struct {
	switches []SwitchID
	adj      map[SwitchID]map[SwitchID]Port

	// neighbors holds, per switch, the switches reachable over a link whose two
	// directions are both known, in ascending order.
	neighbors map[SwitchID][]SwitchID
}

// NewGraph builds a graph from a discovered switch and link set.
func NewGraph(switches []SwitchID, links []Link) (*Graph, error) {
	g := &Graph{
		adj:       make(map[SwitchID]map[SwitchID]Port, len(switches)),
		neighbors: make(map[SwitchID][]SwitchID, len(switches)),
	}
	for _, id := range switches {
		if _, ok := g.adj[id]; ok {
			continue
		}
		g.adj[id] = make(map[SwitchID]Port)
		g.switches = append(g.switches, id)
	}
	slices.Sort(g.switches)

	for _, l := range links {
		if l.Src == l.Dst {
			return nil, fmt.Errorf("%w: self-loop on switch %d", ErrMalformedTopology, l.Src)
		}
		if l.SrcPort == 0 {
			return nil, fmt.Errorf("%w: link %d->%d has no egress port", ErrMalformedTopology, l.Src, l.Dst)
		}
		out, ok := g.adj[l.Src]
		if !ok {
			return nil, fmt.Errorf("%w: link source %d is not a known switch", ErrMalformedTopology, l.Src)
		}
		if _, ok := g.adj[l.Dst]; !ok {
			return nil, fmt.Errorf("%w: link destination %d is not a known switch", ErrMalformedTopology, l.Dst)
		}
		if existing, ok := out[l.Dst]; ok && existing != l.SrcPort {
			return nil, fmt.Errorf("%w: conflicting egress ports %d and %d for %d->%d",
				ErrMalformedTopology, existing, l.SrcPort, l.Src, l.Dst)
		}
		out[l.Dst] = l.SrcPort
	}

	for _, u := range g.switches {
		var ns []SwitchID
		for v := range g.adj[u] {
			if _, back := g.adj[v][u]; back {
				ns = append(ns, v)
			}
		}
		slices.Sort(ns)
		g.neighbors[u] = ns
	}
	return g, nil
}

// Switches returns the switch ids in ascending order.
func (g *Graph) Switches() []SwitchID {
	return slices.Clone(g.switches)
}

// HasSwitch reports whether id is part of the graph.
func (g *Graph) HasSwitch(id SwitchID) bool {
	_, ok := g.adj[id]
	return ok
}

// Links returns every directed adjacency entry, ordered by source then destination.
// DstPort is filled from the reverse entry when it exists.
func (g *Graph) Links() []Link {
	var links []Link
	for _, u := range g.switches {
		dsts := make([]SwitchID, 0, len(g.adj[u]))
		for v := range g.adj[u] {
			dsts = append(dsts, v)
		}
		slices.Sort(dsts)
		for _, v := range dsts {
			links = append(links, Link{Src: u, SrcPort: g.adj[u][v], Dst: v, DstPort: g.adj[v][u]})
		}
	}
	return links
}

// Adjacencies returns the number of directed adjacency entries.
func (g *Graph) Adjacencies() int {
	n := 0
	for _, out := range g.adj {
		n += len(out)
	}
	return n
}

// EgressPort returns the port on a that reaches neighbor b.
func (g *Graph) EgressPort(a, b SwitchID) (Port, error) {
	port, ok := g.adj[a][b]
	if !ok {
		return 0, fmt.Errorf("%w: no adjacency %d->%d", ErrNotFound, a, b)
	}
	return port, nil
}

// IsLinkPort reports whether port on switch id faces another switch.
func (g *Graph) IsLinkPort(id SwitchID, port Port) bool {
	for _, p := range g.adj[id] {
		if p == port {
			return true
		}
	}
	return false
}

// ShortestPath returns a minimum-hop path from src to dst using breadth-first search.
func (g *Graph) ShortestPath(src, dst SwitchID) (Path, error) {
	if !g.HasSwitch(src) || !g.HasSwitch(dst) {
		return nil, fmt.Errorf("%w: switch %d or %d is not in the graph", ErrNotFound, src, dst)
	}
	if src == dst {
		return Path{src}, nil
	}

	prev := map[SwitchID]SwitchID{src: src}
	queue := []SwitchID{src}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, v := range g.neighbors[u] {
			if _, seen := prev[v]; seen {
				continue
			}
			prev[v] = u
			if v == dst {
				return g.walkBack(prev, src, dst), nil
			}
			queue = append(queue, v)
		}
	}
	return nil, fmt.Errorf("%w: no path from %d to %d", ErrNotFound, src, dst)
}

func (g *Graph) walkBack(prev map[SwitchID]SwitchID, src, dst SwitchID) Path {
	path := Path{dst}
	for cur := dst; cur != src; {
		cur = prev[cur]
		path = append(path, cur)
	}
	slices.Reverse(path)
	return path
}
