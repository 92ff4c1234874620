package southbound

import (
	"errors"
	"slices"
	"sync"

	"github.com/malbeclabs/mtd/controller/pkg/metrics"
	"github.com/malbeclabs/mtd/controller/pkg/topology"
)

var (
	ErrQueueFull    = errors.New("device queue full")
	ErrDeviceClosed = errors.New("device closed")
)

// Device is the handle used to program one switch. Both commands are one-way: they
// return once the command is accepted for sending and never wait for the device.
type Device interface {
	ID() topology.SwitchID
	InstallRule(rule Rule) error
	ForwardNow(out PacketOut) error
}

// Registry holds the handles of connected devices.
type Registry struct {
	mu      sync.RWMutex
	devices map[topology.SwitchID]Device
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[topology.SwitchID]Device)}
}

// Register stores d, replacing and returning any handle previously registered for its id.
func (r *Registry) Register(d Device) Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.devices[d.ID()]
	r.devices[d.ID()] = d
	metrics.DevicesConnected.Set(float64(len(r.devices)))
	return prev
}

// Unregister removes the handle for id if it is still d. A device that reconnected in
// the meantime keeps its new handle.
func (r *Registry) Unregister(id topology.SwitchID, d Device) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.devices[id]
	if !ok || (d != nil && cur != d) {
		return false
	}
	delete(r.devices, id)
	metrics.DevicesConnected.Set(float64(len(r.devices)))
	return true
}

func (r *Registry) Get(id topology.SwitchID) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// IDs returns the registered switch ids in ascending order.
func (r *Registry) IDs() []topology.SwitchID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]topology.SwitchID, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
