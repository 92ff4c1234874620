package hosts

import (
	"net"
	"sync"

	"github.com/malbeclabs/mtd/controller/pkg/metrics"
	"github.com/malbeclabs/mtd/controller/pkg/topology"
)

// Location is the attachment point of a host.
type Location struct {
	Switch topology.SwitchID `json:"switch"`
	Port   topology.Port     `json:"port"`
}

// Table maps host MAC addresses to their last observed location. There is no expiry;
// a binding is only replaced by a later learning event.
type Table struct {
	mu    sync.RWMutex
	hosts map[string]Location
}

func NewTable() *Table {
	return &Table{hosts: make(map[string]Location)}
}

// Learn records mac at (sw, port) and reports whether the binding changed.
func (t *Table) Learn(mac net.HardwareAddr, sw topology.SwitchID, port topology.Port) bool {
	key := mac.String()
	loc := Location{Switch: sw, Port: port}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, existed := t.hosts[key]
	if existed && prev == loc {
		return false
	}
	t.hosts[key] = loc
	if existed {
		metrics.HostMovesTotal.Inc()
	}
	metrics.HostsLearned.Set(float64(len(t.hosts)))
	return true
}

// Lookup returns the location of mac if it has been learned.
func (t *Table) Lookup(mac net.HardwareAddr) (Location, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	loc, ok := t.hosts[mac.String()]
	return loc, ok
}

// All returns a copy of every binding keyed by MAC string.
func (t *Table) All() map[string]Location {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Location, len(t.hosts))
	for k, v := range t.hosts {
		out[k] = v
	}
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.hosts)
}
