package southbound

import (
	"net"
	"time"

	"github.com/malbeclabs/mtd/controller/pkg/topology"
)

// Reserved port numbers, as defined by OpenFlow 1.3.
const (
	PortFlood      topology.Port = 0xfffffffb
	PortController topology.Port = 0xfffffffd
	PortAny        topology.Port = 0xffffffff
)

// NoBuffer marks a packet-out that carries the full frame instead of a device buffer id.
const NoBuffer uint32 = 0xffffffff

const (
	// TableMissPriority is the priority of the rule sending unmatched traffic to the controller.
	TableMissPriority uint16 = 0
	// PathPriority is the priority of rules installed along computed paths.
	PathPriority uint16 = 10
)

// Match selects traffic for a rule. Zero fields are wildcards.
type Match struct {
	InPort topology.Port
	EthSrc net.HardwareAddr
	EthDst net.HardwareAddr
}

// Rule programs one forwarding entry: traffic matching Match is output on OutPort.
type Rule struct {
	Priority    uint16
	Match       Match
	OutPort     topology.Port
	IdleTimeout time.Duration
	HardTimeout time.Duration
}

// TableMissRule sends every unmatched frame to the controller.
func TableMissRule() Rule {
	return Rule{
		Priority: TableMissPriority,
		OutPort:  PortController,
	}
}

// PacketOut emits a frame, either one that triggered a packet-in or one built by the
// controller.
type PacketOut struct {
	BufferID uint32
	InPort   topology.Port
	OutPort  topology.Port
	// Data is sent when BufferID is NoBuffer.
	Data []byte
}
