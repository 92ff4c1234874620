package ofp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/contiv/libOpenflow/common"
	"github.com/contiv/libOpenflow/openflow13"
	"github.com/malbeclabs/mtd/controller/pkg/southbound"
	"github.com/malbeclabs/mtd/controller/pkg/topology"
)

const (
	headerLen = 8
	// maxMessageLen bounds a single message read from a device.
	maxMessageLen = 1 << 16

	// controllerMaxLen asks the device to send whole frames to the controller.
	controllerMaxLen = 0xffff

	packetInMatchOffset = 24

	multipartHeaderLen = 8
	portDescLen        = 64
	portStatusDescAt   = headerLen + 8
)

var errShortMessage = errors.New("short openflow message")

// message is one raw OpenFlow message with its decoded header.
type message struct {
	header common.Header
	body   []byte
	raw    []byte
}

func readMessage(r io.Reader) (*message, error) {
	raw := make([]byte, headerLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	var h common.Header
	if err := h.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}
	if h.Length < headerLen {
		return nil, fmt.Errorf("%w: length %d", errShortMessage, h.Length)
	}
	raw = append(raw, make([]byte, int(h.Length)-headerLen)...)
	if _, err := io.ReadFull(r, raw[headerLen:]); err != nil {
		return nil, err
	}
	return &message{header: h, body: raw[headerLen:], raw: raw}, nil
}

func encodeHeader(msgType uint8, xid uint32, body []byte) ([]byte, error) {
	h := openflow13.NewOfp13Header()
	h.Type = msgType
	h.Xid = xid
	h.Length = uint16(headerLen + len(body))
	data, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(data, body...), nil
}

// parseDatapathID extracts the datapath id from a features reply.
func parseDatapathID(msg *message) (topology.SwitchID, error) {
	if len(msg.body) < 8 {
		return 0, fmt.Errorf("%w: features reply", errShortMessage)
	}
	return topology.SwitchID(binary.BigEndian.Uint64(msg.body[:8])), nil
}

// parsePacketIn decodes a packet-in into a frame event for sw.
func parsePacketIn(sw topology.SwitchID, msg *message) (southbound.FrameReceived, error) {
	raw := msg.raw
	if len(raw) < packetInMatchOffset+4 {
		return southbound.FrameReceived{}, fmt.Errorf("%w: packet-in", errShortMessage)
	}
	bufferID := binary.BigEndian.Uint32(raw[8:12])

	matchLen := int(binary.BigEndian.Uint16(raw[packetInMatchOffset+2 : packetInMatchOffset+4]))
	paddedLen := (matchLen + 7) / 8 * 8
	dataOffset := packetInMatchOffset + paddedLen + 2
	if matchLen < 4 || len(raw) < dataOffset {
		return southbound.FrameReceived{}, fmt.Errorf("%w: packet-in match", errShortMessage)
	}

	var match openflow13.Match
	if err := match.UnmarshalBinary(raw[packetInMatchOffset : packetInMatchOffset+paddedLen]); err != nil {
		return southbound.FrameReceived{}, fmt.Errorf("failed to decode packet-in match: %w", err)
	}
	var inPort topology.Port
	found := false
	for _, f := range match.Fields {
		if f.Class != openflow13.OXM_CLASS_OPENFLOW_BASIC || f.Field != openflow13.OXM_FIELD_IN_PORT {
			continue
		}
		if v, ok := f.Value.(*openflow13.InPortField); ok {
			inPort = topology.Port(v.InPort)
			found = true
		}
	}
	if !found {
		return southbound.FrameReceived{}, errors.New("packet-in without in_port")
	}

	frame := make([]byte, len(raw)-dataOffset)
	copy(frame, raw[dataOffset:])
	return southbound.FrameReceived{
		Switch:   sw,
		InPort:   inPort,
		BufferID: bufferID,
		Frame:    frame,
	}, nil
}

// encodePortDescRequest asks the device for the description of all its ports.
func encodePortDescRequest(xid uint32) ([]byte, error) {
	body := make([]byte, multipartHeaderLen)
	binary.BigEndian.PutUint16(body[0:2], openflow13.MultipartType_PortDesc)
	return encodeHeader(openflow13.Type_MultiPartRequest, xid, body)
}

// parsePortDescReply returns the usable ports listed in one part of a port description
// reply and whether more parts follow. Other multipart replies return ok false.
func parsePortDescReply(msg *message) (ports []topology.Port, more, ok bool, err error) {
	if len(msg.body) < multipartHeaderLen {
		return nil, false, false, fmt.Errorf("%w: multipart reply", errShortMessage)
	}
	if binary.BigEndian.Uint16(msg.body[0:2]) != openflow13.MultipartType_PortDesc {
		return nil, false, false, nil
	}
	more = binary.BigEndian.Uint16(msg.body[2:4])&openflow13.OFPMPF_REPLY_MORE != 0

	entries := msg.body[multipartHeaderLen:]
	if len(entries)%portDescLen != 0 {
		return nil, false, false, fmt.Errorf("%w: port description of %d bytes", errShortMessage, len(entries))
	}
	for i := 0; i < len(entries); i += portDescLen {
		p := openflow13.NewPhyPort()
		if err := p.UnmarshalBinary(entries[i : i+portDescLen]); err != nil {
			return nil, false, false, fmt.Errorf("failed to decode port description: %w", err)
		}
		if usablePort(p) {
			ports = append(ports, topology.Port(p.PortNo))
		}
	}
	return ports, more, true, nil
}

// parsePortStatus decodes a port status message. usable is false for deleted ports.
func parsePortStatus(msg *message) (port topology.Port, usable bool, err error) {
	if len(msg.raw) < portStatusDescAt+portDescLen {
		return 0, false, fmt.Errorf("%w: port status", errShortMessage)
	}
	ps := openflow13.NewPortStatus()
	if err := ps.UnmarshalBinary(msg.raw); err != nil {
		return 0, false, fmt.Errorf("failed to decode port status: %w", err)
	}
	return topology.Port(ps.Desc.PortNo), ps.Reason != openflow13.PR_DELETE && usablePort(&ps.Desc), nil
}

// usablePort reports whether p is a physical port that is administratively and
// operationally up.
func usablePort(p *openflow13.PhyPort) bool {
	return p.PortNo != 0 &&
		p.PortNo < openflow13.P_MAX &&
		p.Config&openflow13.PC_PORT_DOWN == 0 &&
		p.State&openflow13.PS_LINK_DOWN == 0
}

func encodeFlowMod(rule southbound.Rule, xid uint32) ([]byte, error) {
	fm := openflow13.NewFlowMod()
	fm.Header.Xid = xid
	fm.Priority = rule.Priority
	fm.IdleTimeout = timeoutSeconds(rule.IdleTimeout)
	fm.HardTimeout = timeoutSeconds(rule.HardTimeout)

	if rule.Match.InPort != 0 {
		fm.Match.AddField(*openflow13.NewInPortField(uint32(rule.Match.InPort)))
	}
	if len(rule.Match.EthDst) > 0 {
		fm.Match.AddField(*openflow13.NewEthDstField(rule.Match.EthDst, nil))
	}
	if len(rule.Match.EthSrc) > 0 {
		fm.Match.AddField(*openflow13.NewEthSrcField(rule.Match.EthSrc, nil))
	}

	output := openflow13.NewActionOutput(uint32(rule.OutPort))
	if rule.OutPort == southbound.PortController {
		output.MaxLen = controllerMaxLen
	}
	instr := openflow13.NewInstrApplyActions()
	if err := instr.AddAction(output, false); err != nil {
		return nil, fmt.Errorf("failed to add output action: %w", err)
	}
	fm.AddInstruction(instr)

	fm.Header.Length = fm.Len()
	return fm.MarshalBinary()
}

func encodePacketOut(out southbound.PacketOut, xid uint32) ([]byte, error) {
	po := openflow13.NewPacketOut()
	po.Header.Xid = xid
	po.BufferId = out.BufferID
	po.InPort = uint32(out.InPort)
	po.AddAction(openflow13.NewActionOutput(uint32(out.OutPort)))
	var data rawFrame
	if out.BufferID == southbound.NoBuffer {
		data = rawFrame(out.Data)
	}
	po.Data = &data

	po.Header.Length = po.Len()
	return po.MarshalBinary()
}

func timeoutSeconds(d time.Duration) uint16 {
	s := d / time.Second
	if s > 0xffff {
		return 0xffff
	}
	return uint16(s)
}

// rawFrame carries an undecoded frame in a packet-out.
type rawFrame []byte

func (f *rawFrame) Len() uint16 {
	return uint16(len(*f))
}

func (f *rawFrame) MarshalBinary() ([]byte, error) {
	return append([]byte(nil), *f...), nil
}

func (f *rawFrame) UnmarshalBinary(data []byte) error {
	*f = append((*f)[:0], data...)
	return nil
}
