package ofp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/contiv/libOpenflow/openflow13"
	"github.com/malbeclabs/mtd/controller/pkg/southbound"
	"github.com/malbeclabs/mtd/controller/pkg/topology"
)

// connWriter serializes writes to one device connection and implements
// southbound.Writer.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
	xid  atomic.Uint32
}

func (w *connWriter) nextXid() uint32 {
	return w.xid.Add(1)
}

func (w *connWriter) write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.conn.Write(data)
	return err
}

func (w *connWriter) WriteRule(ctx context.Context, rule southbound.Rule) error {
	data, err := encodeFlowMod(rule, w.nextXid())
	if err != nil {
		return fmt.Errorf("failed to encode flow mod: %w", err)
	}
	return w.write(data)
}

func (w *connWriter) WritePacketOut(ctx context.Context, out southbound.PacketOut) error {
	data, err := encodePacketOut(out, w.nextXid())
	if err != nil {
		return fmt.Errorf("failed to encode packet out: %w", err)
	}
	return w.write(data)
}

// session drives one device connection: handshake, keepalive replies, port tracking and
// packet-in decoding. It owns the device's command queue once the datapath id is known.
type session struct {
	log       *slog.Logger
	conn      net.Conn
	events    chan<- southbound.Event
	queueSize int

	writer *connWriter
	queue  *southbound.Queue
	dpid   topology.SwitchID

	ports map[topology.Port]struct{}
	// pendingPorts collects a port description reply split over several parts.
	pendingPorts []topology.Port
}

func newSession(log *slog.Logger, conn net.Conn, events chan<- southbound.Event, queueSize int) *session {
	return &session{
		log:       log.With("remote", conn.RemoteAddr().String()),
		conn:      conn,
		events:    events,
		queueSize: queueSize,
		writer:    &connWriter{conn: conn},
	}
}

func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	defer func() {
		if s.queue == nil {
			return
		}
		s.queue.Close()
		s.emit(ctx, southbound.DeviceDisconnected{Switch: s.dpid, Device: s.queue})
		s.log.Info("ofp: device disconnected", "switch", s.dpid)
	}()

	if err := s.send(openflow13.Type_Hello, nil); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}
	if err := s.send(openflow13.Type_FeaturesRequest, nil); err != nil {
		return fmt.Errorf("failed to send features request: %w", err)
	}

	for {
		msg, err := readMessage(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		if err := s.handle(ctx, msg); err != nil {
			return err
		}
	}
}

func (s *session) handle(ctx context.Context, msg *message) error {
	switch msg.header.Type {
	case openflow13.Type_Hello:
		// Negotiation settles on the lower version; anything below 1.3 is unusable.
		if msg.header.Version < openflow13.VERSION {
			return fmt.Errorf("unsupported openflow version %d", msg.header.Version)
		}
	case openflow13.Type_EchoRequest:
		data, err := encodeHeader(openflow13.Type_EchoReply, msg.header.Xid, msg.body)
		if err != nil {
			return err
		}
		if err := s.writer.write(data); err != nil {
			return fmt.Errorf("failed to send echo reply: %w", err)
		}
	case openflow13.Type_FeaturesReply:
		return s.register(ctx, msg)
	case openflow13.Type_PacketIn:
		if s.queue == nil {
			s.log.Debug("ofp: packet-in before features reply, dropping")
			return nil
		}
		ev, err := parsePacketIn(s.dpid, msg)
		if err != nil {
			s.log.Warn("ofp: failed to decode packet-in", "switch", s.dpid, "error", err)
			return nil
		}
		s.emit(ctx, ev)
	case openflow13.Type_MultiPartReply:
		if s.queue == nil {
			return nil
		}
		ports, more, ok, err := parsePortDescReply(msg)
		if err != nil {
			s.log.Warn("ofp: failed to decode multipart reply", "switch", s.dpid, "error", err)
			return nil
		}
		if !ok {
			return nil
		}
		s.pendingPorts = append(s.pendingPorts, ports...)
		if more {
			return nil
		}
		s.ports = make(map[topology.Port]struct{}, len(s.pendingPorts))
		for _, p := range s.pendingPorts {
			s.ports[p] = struct{}{}
		}
		s.pendingPorts = nil
		s.emitPorts(ctx)
	case openflow13.Type_PortStatus:
		if s.queue == nil {
			return nil
		}
		port, usable, err := parsePortStatus(msg)
		if err != nil {
			s.log.Warn("ofp: failed to decode port status", "switch", s.dpid, "error", err)
			return nil
		}
		if _, had := s.ports[port]; had == usable {
			return nil
		}
		if usable {
			s.ports[port] = struct{}{}
		} else {
			delete(s.ports, port)
		}
		s.log.Info("ofp: port status changed", "switch", s.dpid, "port", port, "usable", usable)
		s.emitPorts(ctx)
	case openflow13.Type_Error:
		s.log.Warn("ofp: device reported error", "switch", s.dpid, "xid", msg.header.Xid, "body_len", len(msg.body))
	default:
		s.log.Debug("ofp: ignoring message", "switch", s.dpid, "type", msg.header.Type)
	}
	return nil
}

func (s *session) register(ctx context.Context, msg *message) error {
	if s.queue != nil {
		return nil
	}
	dpid, err := parseDatapathID(msg)
	if err != nil {
		return err
	}
	queue, err := southbound.NewQueue(southbound.QueueConfig{
		Logger: s.log,
		Switch: dpid,
		Writer: s.writer,
		Size:   s.queueSize,
	})
	if err != nil {
		return fmt.Errorf("failed to create device queue: %w", err)
	}
	s.dpid = dpid
	s.queue = queue
	s.ports = make(map[topology.Port]struct{})
	go queue.Run(ctx)

	s.log.Info("ofp: device connected", "switch", dpid)
	s.emit(ctx, southbound.DeviceRegistered{Device: queue})

	data, err := encodePortDescRequest(s.writer.nextXid())
	if err != nil {
		return fmt.Errorf("failed to encode port description request: %w", err)
	}
	if err := s.writer.write(data); err != nil {
		return fmt.Errorf("failed to send port description request: %w", err)
	}
	return nil
}

func (s *session) emitPorts(ctx context.Context) {
	ports := make([]topology.Port, 0, len(s.ports))
	for p := range s.ports {
		ports = append(ports, p)
	}
	slices.Sort(ports)
	s.emit(ctx, southbound.PortsChanged{Switch: s.dpid, Ports: ports})
}

func (s *session) send(msgType uint8, body []byte) error {
	data, err := encodeHeader(msgType, s.writer.nextXid(), body)
	if err != nil {
		return err
	}
	return s.writer.write(data)
}

func (s *session) emit(ctx context.Context, ev southbound.Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}
