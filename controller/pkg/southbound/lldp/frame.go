package lldp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/malbeclabs/mtd/controller/pkg/topology"
)

const (
	chassisPrefix = "dpid:"
	frameTTL      = 120
)

var (
	// ErrForeignFrame means a frame is LLDP but was not sent by this controller.
	ErrForeignFrame = errors.New("lldp frame not sent by this controller")

	// nearestBridgeMAC is the LLDP multicast address; bridges never forward it.
	nearestBridgeMAC = net.HardwareAddr{0x01, 0x80, 0xc2, 0x00, 0x00, 0x0e}
	// sourceMAC is a locally administered address used as the frame source.
	sourceMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
)

// Origin names the switch port an LLDP frame was emitted from.
type Origin struct {
	Switch topology.SwitchID
	Port   topology.Port
}

// IsLLDP reports whether frame is an untagged LLDP frame.
func IsLLDP(frame []byte) bool {
	return len(frame) >= 14 && layers.EthernetType(binary.BigEndian.Uint16(frame[12:14])) == layers.EthernetTypeLinkLayerDiscovery
}

// Encode builds the LLDP frame sent out of p.Port on p.Switch. The chassis id carries
// the datapath id and the port id carries the port number.
func Encode(p Origin) ([]byte, error) {
	portID := make([]byte, 4)
	binary.BigEndian.PutUint32(portID, uint32(p.Port))

	eth := &layers.Ethernet{
		SrcMAC:       sourceMAC,
		DstMAC:       nearestBridgeMAC,
		EthernetType: layers.EthernetTypeLinkLayerDiscovery,
	}
	lldp := &layers.LinkLayerDiscovery{
		ChassisID: layers.LLDPChassisID{
			Subtype: layers.LLDPChassisIDSubTypeLocal,
			ID:      []byte(fmt.Sprintf("%s%016x", chassisPrefix, uint64(p.Switch))),
		},
		PortID: layers.LLDPPortID{
			Subtype: layers.LLDPPortIDSubtypePortComp,
			ID:      portID,
		},
		TTL: frameTTL,
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, lldp); err != nil {
		return nil, fmt.Errorf("failed to serialize lldp frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode extracts the emitting switch port from a frame built by Encode. LLDP frames
// from other speakers return ErrForeignFrame.
func Decode(frame []byte) (Origin, error) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	layer, ok := packet.Layer(layers.LayerTypeLinkLayerDiscovery).(*layers.LinkLayerDiscovery)
	if !ok {
		if errLayer := packet.ErrorLayer(); errLayer != nil {
			return Origin{}, fmt.Errorf("failed to decode lldp frame: %w", errLayer.Error())
		}
		return Origin{}, ErrForeignFrame
	}

	if layer.ChassisID.Subtype != layers.LLDPChassisIDSubTypeLocal || layer.PortID.Subtype != layers.LLDPPortIDSubtypePortComp {
		return Origin{}, ErrForeignFrame
	}
	chassis := string(layer.ChassisID.ID)
	if !strings.HasPrefix(chassis, chassisPrefix) || len(layer.PortID.ID) != 4 {
		return Origin{}, ErrForeignFrame
	}
	dpid, err := strconv.ParseUint(strings.TrimPrefix(chassis, chassisPrefix), 16, 64)
	if err != nil {
		return Origin{}, ErrForeignFrame
	}
	return Origin{
		Switch: topology.SwitchID(dpid),
		Port:   topology.Port(binary.BigEndian.Uint32(layer.PortID.ID)),
	}, nil
}
