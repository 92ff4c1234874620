package southbound

import (
	"github.com/malbeclabs/mtd/controller/pkg/topology"
)

// Event is one of DeviceRegistered, DeviceDisconnected, PortsChanged, LinksExpired,
// TopologyChanged or FrameReceived.
type Event interface {
	Type() string
	isEvent()
}

// DeviceRegistered fires once per newly connected switch.
type DeviceRegistered struct {
	Device Device
}

// DeviceDisconnected fires when the connection to a switch is lost.
type DeviceDisconnected struct {
	Switch topology.SwitchID
	Device Device
}

// PortsChanged carries the full set of usable ports of a switch, reported after the
// port description exchange and on every port status change.
type PortsChanged struct {
	Switch topology.SwitchID
	Ports  []topology.Port
}

// LinksExpired fires when discovered links stopped being confirmed by LLDP.
type LinksExpired struct {
	Links []topology.Link
}

// TopologyChanged carries a switch and link set from an external topology feed.
type TopologyChanged struct {
	Switches []topology.SwitchID
	Links    []topology.Link
}

// FrameReceived is a frame a switch could not match and sent to the controller.
type FrameReceived struct {
	Switch   topology.SwitchID
	InPort   topology.Port
	BufferID uint32
	Frame    []byte
}

func (DeviceRegistered) Type() string   { return "device_registered" }
func (DeviceDisconnected) Type() string { return "device_disconnected" }
func (PortsChanged) Type() string       { return "ports_changed" }
func (LinksExpired) Type() string       { return "links_expired" }
func (TopologyChanged) Type() string    { return "topology_changed" }
func (FrameReceived) Type() string      { return "frame_received" }

func (DeviceRegistered) isEvent()   {}
func (DeviceDisconnected) isEvent() {}
func (PortsChanged) isEvent()       {}
func (LinksExpired) isEvent()       {}
func (TopologyChanged) isEvent()    {}
func (FrameReceived) isEvent()      {}
