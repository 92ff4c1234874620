package installer

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/malbeclabs/mtd/controller/pkg/southbound"
	"github.com/malbeclabs/mtd/controller/pkg/topology"
	mtdtesting "github.com/malbeclabs/mtd/utils/pkg/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	id     topology.SwitchID
	reject bool

	mu    sync.Mutex
	rules []southbound.Rule
}

func (d *fakeDevice) ID() topology.SwitchID { return d.id }

func (d *fakeDevice) InstallRule(rule southbound.Rule) error {
	if d.reject {
		return southbound.ErrQueueFull
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rules = append(d.rules, rule)
	return nil
}

func (d *fakeDevice) ForwardNow(southbound.PacketOut) error { return errors.New("not supported") }

func busWithShortcut(t *testing.T) *topology.Graph {
	t.Helper()
	var links []topology.Link
	for _, l := range []topology.Link{
		{Src: 1, SrcPort: 3, Dst: 2, DstPort: 4},
		{Src: 2, SrcPort: 5, Dst: 3, DstPort: 1},
		{Src: 3, SrcPort: 2, Dst: 4, DstPort: 1},
		{Src: 4, SrcPort: 2, Dst: 5, DstPort: 1},
		{Src: 2, SrcPort: 7, Dst: 5, DstPort: 8},
	} {
		links = append(links, l, topology.Link{Src: l.Dst, SrcPort: l.DstPort, Dst: l.Src, DstPort: l.SrcPort})
	}
	g, err := topology.NewGraph([]topology.SwitchID{1, 2, 3, 4, 5}, links)
	require.NoError(t, err)
	return g
}

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC(s)
	require.NoError(t, err)
	return mac
}

func TestBuildHopList(t *testing.T) {
	t.Parallel()
	g := busWithShortcut(t)

	t.Run("expands ports along the path", func(t *testing.T) {
		t.Parallel()
		hops, err := BuildHopList(g, topology.Path{1, 2, 5}, 10, 20)
		require.NoError(t, err)
		assert.Equal(t, HopList{
			{Switch: 1, InPort: 10, OutPort: 3},
			{Switch: 2, InPort: 4, OutPort: 7},
			{Switch: 5, InPort: 8, OutPort: 20},
		}, hops)
		assert.Equal(t, topology.Path{1, 2, 5}, hops.Path())
	})

	t.Run("single switch path", func(t *testing.T) {
		t.Parallel()
		hops, err := BuildHopList(g, topology.Path{3}, 6, 9)
		require.NoError(t, err)
		assert.Equal(t, HopList{{Switch: 3, InPort: 6, OutPort: 9}}, hops)
	})

	t.Run("missing adjacency", func(t *testing.T) {
		t.Parallel()
		_, err := BuildHopList(g, topology.Path{1, 5}, 10, 20)
		assert.ErrorIs(t, err, topology.ErrNotFound)
	})

	t.Run("empty path", func(t *testing.T) {
		t.Parallel()
		_, err := BuildHopList(g, nil, 10, 20)
		assert.ErrorIs(t, err, topology.ErrNotFound)
	})
}

func TestReverse(t *testing.T) {
	t.Parallel()
	hops := HopList{
		{Switch: 1, InPort: 10, OutPort: 3},
		{Switch: 2, InPort: 4, OutPort: 7},
		{Switch: 5, InPort: 8, OutPort: 20},
	}
	assert.Equal(t, HopList{
		{Switch: 5, InPort: 20, OutPort: 8},
		{Switch: 2, InPort: 7, OutPort: 4},
		{Switch: 1, InPort: 3, OutPort: 10},
	}, Reverse(hops))
	assert.Equal(t, hops, Reverse(Reverse(hops)))
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	reg := southbound.NewRegistry()

	require.Error(t, (&Config{Devices: reg}).Validate())
	require.Error(t, (&Config{Logger: mtdtesting.NewLogger()}).Validate())
	require.Error(t, (&Config{Logger: mtdtesting.NewLogger(), Devices: reg, IdleTimeout: -time.Second}).Validate())

	cfg := Config{Logger: mtdtesting.NewLogger(), Devices: reg}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultIdleTimeout, cfg.IdleTimeout)
	assert.Equal(t, southbound.PathPriority, cfg.Priority)
}

func TestInstaller_Install(t *testing.T) {
	t.Parallel()
	src := mustMAC(t, "00:00:00:00:00:01")
	dst := mustMAC(t, "00:00:00:00:00:02")
	hops := HopList{
		{Switch: 1, InPort: 10, OutPort: 3},
		{Switch: 2, InPort: 4, OutPort: 7},
		{Switch: 5, InPort: 8, OutPort: 20},
	}

	t.Run("one rule per hop", func(t *testing.T) {
		t.Parallel()
		reg := southbound.NewRegistry()
		devs := map[topology.SwitchID]*fakeDevice{}
		for _, id := range []topology.SwitchID{1, 2, 5} {
			devs[id] = &fakeDevice{id: id}
			reg.Register(devs[id])
		}
		inst, err := New(Config{Logger: mtdtesting.NewLogger(), Devices: reg})
		require.NoError(t, err)

		res := inst.Install(hops, src, dst)
		assert.True(t, res.Complete())
		assert.Equal(t, []topology.SwitchID{1, 2, 5}, res.Installed)

		for _, hop := range hops {
			dev := devs[hop.Switch]
			require.Len(t, dev.rules, 1)
			rule := dev.rules[0]
			assert.Equal(t, hop.InPort, rule.Match.InPort)
			assert.Equal(t, hop.OutPort, rule.OutPort)
			assert.Equal(t, src.String(), rule.Match.EthSrc.String())
			assert.Equal(t, dst.String(), rule.Match.EthDst.String())
			assert.Equal(t, southbound.PathPriority, rule.Priority)
			assert.Equal(t, DefaultIdleTimeout, rule.IdleTimeout)
			assert.Zero(t, rule.HardTimeout)
		}
	})

	t.Run("missing device is skipped", func(t *testing.T) {
		t.Parallel()
		reg := southbound.NewRegistry()
		d1 := &fakeDevice{id: 1}
		d5 := &fakeDevice{id: 5}
		reg.Register(d1)
		reg.Register(d5)
		inst, err := New(Config{Logger: mtdtesting.NewLogger(), Devices: reg})
		require.NoError(t, err)

		res := inst.Install(hops, src, dst)
		assert.False(t, res.Complete())
		assert.Equal(t, []topology.SwitchID{1, 5}, res.Installed)
		assert.Equal(t, []topology.SwitchID{2}, res.Skipped)
		assert.Len(t, d1.rules, 1)
		assert.Len(t, d5.rules, 1)
	})

	t.Run("rejected command is skipped", func(t *testing.T) {
		t.Parallel()
		reg := southbound.NewRegistry()
		reg.Register(&fakeDevice{id: 1})
		reg.Register(&fakeDevice{id: 2, reject: true})
		reg.Register(&fakeDevice{id: 5})
		inst, err := New(Config{Logger: mtdtesting.NewLogger(), Devices: reg})
		require.NoError(t, err)

		res := inst.Install(hops, src, dst)
		assert.Equal(t, []topology.SwitchID{2}, res.Skipped)
	})
}
