package controller

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/malbeclabs/mtd/controller/pkg/forwarding"
	"github.com/malbeclabs/mtd/controller/pkg/hosts"
	"github.com/malbeclabs/mtd/controller/pkg/installer"
	"github.com/malbeclabs/mtd/controller/pkg/southbound"
	"github.com/malbeclabs/mtd/controller/pkg/topology"
	mtdtesting "github.com/malbeclabs/mtd/utils/pkg/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingDevice struct {
	id topology.SwitchID

	mu     sync.Mutex
	rules  []southbound.Rule
	outs   []southbound.PacketOut
	closed bool
}

func (d *recordingDevice) ID() topology.SwitchID { return d.id }

func (d *recordingDevice) InstallRule(rule southbound.Rule) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return southbound.ErrDeviceClosed
	}
	d.rules = append(d.rules, rule)
	return nil
}

func (d *recordingDevice) ForwardNow(out southbound.PacketOut) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return southbound.ErrDeviceClosed
	}
	d.outs = append(d.outs, out)
	return nil
}

func (d *recordingDevice) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

func (d *recordingDevice) snapshot() ([]southbound.Rule, []southbound.PacketOut, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]southbound.Rule(nil), d.rules...), append([]southbound.PacketOut(nil), d.outs...), d.closed
}

type recordingMirror struct {
	mu    sync.Mutex
	snaps []*topology.Snapshot
}

func (m *recordingMirror) Publish(snap *topology.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, snap)
}

func (m *recordingMirror) published() []*topology.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*topology.Snapshot(nil), m.snaps...)
}

type fixture struct {
	ctrl     *Controller
	store    *topology.Store
	registry *southbound.Registry
	table    *hosts.Table
	mirror   *recordingMirror
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := mtdtesting.NewLogger()

	store, err := topology.NewStore(topology.StoreConfig{Logger: log, MonitoredSrc: 1, MonitoredDst: 3})
	require.NoError(t, err)
	registry := southbound.NewRegistry()
	table := hosts.NewTable()

	inst, err := installer.New(installer.Config{Logger: log, Devices: registry})
	require.NoError(t, err)
	fwd, err := forwarding.New(forwarding.Config{
		Logger:    log,
		Topology:  store,
		Hosts:     table,
		Installer: inst,
		Devices:   registry,
	})
	require.NoError(t, err)

	mirror := &recordingMirror{}
	ctrl, err := New(Config{
		Logger:     log,
		Topology:   store,
		Devices:    registry,
		Forwarding: fwd,
		Mirror:     mirror,
	})
	require.NoError(t, err)
	return &fixture{ctrl: ctrl, store: store, registry: registry, table: table, mirror: mirror}
}

// line3 is the chain 1-2-3 with host ports 10 on switch 1 and 20 on switch 3.
func line3() southbound.TopologyChanged {
	return southbound.TopologyChanged{
		Switches: []topology.SwitchID{1, 2, 3},
		Links: []topology.Link{
			{Src: 1, SrcPort: 1, Dst: 2, DstPort: 1},
			{Src: 2, SrcPort: 1, Dst: 1, DstPort: 1},
			{Src: 2, SrcPort: 2, Dst: 3, DstPort: 1},
			{Src: 3, SrcPort: 1, Dst: 2, DstPort: 2},
		},
	}
}

func ethFrame(t *testing.T, src, dst net.HardwareAddr) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	eth := &layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: layers.EthernetTypeIPv4}
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload([]byte("data"))))
	return buf.Bytes()
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	valid := func() Config {
		return Config{
			Logger:     mtdtesting.NewLogger(),
			Topology:   f.store,
			Devices:    f.registry,
			Forwarding: f.ctrl.cfg.Forwarding,
		}
	}
	cfg := valid()
	require.NoError(t, cfg.Validate(), "mirror is optional")

	for _, mutate := range []func(*Config){
		func(c *Config) { c.Logger = nil },
		func(c *Config) { c.Topology = nil },
		func(c *Config) { c.Devices = nil },
		func(c *Config) { c.Forwarding = nil },
	} {
		cfg := valid()
		mutate(&cfg)
		require.Error(t, cfg.Validate())
	}
}

func TestController_DeviceLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("registration installs the table-miss rule", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		dev := &recordingDevice{id: 7}

		require.NoError(t, f.ctrl.Dispatch(southbound.DeviceRegistered{Device: dev}))

		got, ok := f.registry.Get(7)
		require.True(t, ok)
		assert.Same(t, dev, got)
		rules, _, _ := dev.snapshot()
		require.Len(t, rules, 1)
		assert.Equal(t, southbound.TableMissRule(), rules[0])
	})

	t.Run("reconnect replaces and closes the previous handle", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		first := &recordingDevice{id: 7}
		second := &recordingDevice{id: 7}

		require.NoError(t, f.ctrl.Dispatch(southbound.DeviceRegistered{Device: first}))
		require.NoError(t, f.ctrl.Dispatch(southbound.DeviceRegistered{Device: second}))

		_, _, closed := first.snapshot()
		assert.True(t, closed)
		got, _ := f.registry.Get(7)
		assert.Same(t, second, got)

		// The stale session's disconnect must not drop the new handle.
		require.NoError(t, f.ctrl.Dispatch(southbound.DeviceDisconnected{Switch: 7, Device: first}))
		_, ok := f.registry.Get(7)
		assert.True(t, ok)

		require.NoError(t, f.ctrl.Dispatch(southbound.DeviceDisconnected{Switch: 7, Device: second}))
		_, ok = f.registry.Get(7)
		assert.False(t, ok)
	})

	t.Run("table-miss failure is reported", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		dev := &recordingDevice{id: 9, closed: true}
		err := f.ctrl.Dispatch(southbound.DeviceRegistered{Device: dev})
		require.ErrorIs(t, err, southbound.ErrDeviceClosed)
	})
}

func TestController_TopologyChanged(t *testing.T) {
	t.Parallel()

	t.Run("rebuilds and publishes", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		require.NoError(t, f.ctrl.Dispatch(line3()))
		snap := f.store.Snapshot()
		assert.Equal(t, uint64(1), snap.Generation)
		assert.Equal(t, []topology.Path{{1, 2, 3}}, snap.Candidates)

		published := f.mirror.published()
		require.Len(t, published, 1)
		assert.Same(t, snap, published[0])
	})

	t.Run("malformed feed keeps the previous snapshot", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		require.NoError(t, f.ctrl.Dispatch(line3()))
		before := f.store.Snapshot()

		err := f.ctrl.Dispatch(southbound.TopologyChanged{
			Switches: []topology.SwitchID{1},
			Links:    []topology.Link{{Src: 1, SrcPort: 1, Dst: 2}},
		})
		require.ErrorIs(t, err, topology.ErrMalformedTopology)
		assert.Same(t, before, f.store.Snapshot())
		assert.Len(t, f.mirror.published(), 1)
	})
}

func TestController_Run(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	devices := map[topology.SwitchID]*recordingDevice{}
	events := make(chan southbound.Event, 16)
	for _, id := range []topology.SwitchID{1, 2, 3} {
		devices[id] = &recordingDevice{id: id}
		events <- southbound.DeviceRegistered{Device: devices[id]}
	}
	events <- line3()

	hostA := net.HardwareAddr{0, 0, 0, 0, 0, 0x0a}
	hostB := net.HardwareAddr{0, 0, 0, 0, 0, 0x0b}
	// B announces itself, then A sends to B.
	events <- southbound.FrameReceived{Switch: 3, InPort: 20, BufferID: southbound.NoBuffer, Frame: ethFrame(t, hostB, hostA)}
	events <- southbound.FrameReceived{Switch: 1, InPort: 10, BufferID: southbound.NoBuffer, Frame: ethFrame(t, hostA, hostB)}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- f.ctrl.Run(ctx, events)
	}()

	require.Eventually(t, func() bool {
		_, outs, _ := devices[1].snapshot()
		return len(outs) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	loc, ok := f.table.Lookup(hostB)
	require.True(t, ok)
	assert.Equal(t, hosts.Location{Switch: 3, Port: 20}, loc)

	// Table-miss rule plus one path rule on every switch of 1-2-3.
	for _, id := range []topology.SwitchID{1, 2, 3} {
		rules, _, _ := devices[id].snapshot()
		require.Len(t, rules, 2, "switch %d", id)
		assert.Equal(t, southbound.TableMissRule(), rules[0])
		assert.Equal(t, hostA, rules[1].Match.EthSrc)
		assert.Equal(t, hostB, rules[1].Match.EthDst)
	}
	rules, _, _ := devices[3].snapshot()
	assert.Equal(t, topology.Port(20), rules[1].OutPort)
}

func TestController_RunStopsOnClosedChannel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	events := make(chan southbound.Event)
	close(events)
	require.NoError(t, f.ctrl.Run(t.Context(), events))
}

type panickingHandler struct{}

func (panickingHandler) HandleFrame(southbound.FrameReceived) (forwarding.Decision, error) {
	panic("decoder bug")
}

func TestController_SafeDispatchRecovers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ctrl.cfg.Forwarding = panickingHandler{}

	assert.NotPanics(t, func() {
		f.ctrl.safeDispatch(t.Context(), southbound.FrameReceived{Switch: 1, InPort: 1})
	})
}
