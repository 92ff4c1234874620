package mutation

import (
	"bytes"
	"context"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/mtd/controller/pkg/hosts"
	"github.com/malbeclabs/mtd/controller/pkg/installer"
	"github.com/malbeclabs/mtd/controller/pkg/topology"
	mtdtesting "github.com/malbeclabs/mtd/utils/pkg/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	h1 = net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x01}
	h2 = net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x02}
)

type installCall struct {
	hops     installer.HopList
	src, dst string
}

type recordingInstaller struct {
	mu    sync.Mutex
	calls []installCall
	skip  []topology.SwitchID
}

func (r *recordingInstaller) Install(hops installer.HopList, src, dst net.HardwareAddr) installer.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, installCall{hops: hops, src: src.String(), dst: dst.String()})
	res := installer.Result{Skipped: r.skip}
	for _, hop := range hops {
		res.Installed = append(res.Installed, hop.Switch)
	}
	return res
}

func (r *recordingInstaller) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newStore(t *testing.T) *topology.Store {
	t.Helper()
	store, err := topology.NewStore(topology.StoreConfig{
		Logger:       mtdtesting.NewLogger(),
		MonitoredSrc: 1,
		MonitoredDst: 5,
	})
	require.NoError(t, err)
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
	_, err = store.Rebuild([]topology.SwitchID{1, 2, 3, 4, 5}, links)
	require.NoError(t, err)
	return store
}

func newScheduler(t *testing.T, table *hosts.Table, store SnapshotSource, inst PathInstaller, mutate func(*Config)) *Scheduler {
	t.Helper()
	cfg := Config{
		Logger:    mtdtesting.NewLogger(),
		Clock:     clockwork.NewFakeClock(),
		SrcHost:   h1,
		DstHost:   h2,
		Topology:  store,
		Hosts:     table,
		Installer: inst,
		Rand:      rand.New(rand.NewPCG(1, 2)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	log := mtdtesting.NewLogger()
	table := hosts.NewTable()
	inst := &recordingInstaller{}
	store := newStore(t)

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing logger", cfg: Config{SrcHost: h1, DstHost: h2, Topology: store, Hosts: table, Installer: inst}},
		{name: "missing hosts", cfg: Config{Logger: log, Topology: store, Hosts: table, Installer: inst}},
		{name: "missing topology", cfg: Config{Logger: log, SrcHost: h1, DstHost: h2, Hosts: table, Installer: inst}},
		{name: "missing installer", cfg: Config{Logger: log, SrcHost: h1, DstHost: h2, Topology: store, Hosts: table}},
		{name: "negative interval", cfg: Config{Logger: log, SrcHost: h1, DstHost: h2, Topology: store, Hosts: table, Installer: inst, Interval: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Error(t, tt.cfg.Validate())
		})
	}

	cfg := Config{Logger: log, SrcHost: h1, DstHost: h2, Topology: store, Hosts: table, Installer: inst}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultInterval, cfg.Interval)
	assert.NotNil(t, cfg.Clock)
	assert.NotNil(t, cfg.Rand)
}

func TestScheduler_Mutate(t *testing.T) {
	t.Parallel()

	t.Run("skips until both hosts are learned", func(t *testing.T) {
		t.Parallel()
		table := hosts.NewTable()
		inst := &recordingInstaller{}
		s := newScheduler(t, table, newStore(t), inst, nil)

		_, err := s.Mutate(t.Context())
		require.ErrorIs(t, err, ErrHostsUnknown)

		table.Learn(h1, 1, 10)
		_, err = s.Mutate(t.Context())
		require.ErrorIs(t, err, ErrHostsUnknown)

		assert.Zero(t, inst.count())
		_, ok := s.Last()
		assert.False(t, ok)
	})

	t.Run("skips with an empty candidate pool", func(t *testing.T) {
		t.Parallel()
		table := hosts.NewTable()
		table.Learn(h1, 1, 10)
		table.Learn(h2, 5, 20)
		store, err := topology.NewStore(topology.StoreConfig{Logger: mtdtesting.NewLogger(), MonitoredSrc: 1, MonitoredDst: 5})
		require.NoError(t, err)
		inst := &recordingInstaller{}
		s := newScheduler(t, table, store, inst, nil)

		_, err = s.Mutate(t.Context())
		require.ErrorIs(t, err, ErrNoCandidates)
		assert.Zero(t, inst.count())
	})

	t.Run("always installs with known hosts and candidates", func(t *testing.T) {
		t.Parallel()
		table := hosts.NewTable()
		table.Learn(h1, 1, 10)
		table.Learn(h2, 5, 20)
		store := newStore(t)
		inst := &recordingInstaller{}
		s := newScheduler(t, table, store, inst, nil)

		seen := map[string]bool{}
		for range 50 {
			res, err := s.Mutate(t.Context())
			require.NoError(t, err)
			assert.Contains(t, store.Snapshot().Candidates, res.Path)
			assert.NotEmpty(t, res.ID)
			require.NotEmpty(t, res.Hops)
			assert.Equal(t, installer.Hop{Switch: 1, InPort: 10, OutPort: 3}, res.Hops[0])
			assert.Equal(t, topology.Port(20), res.Hops[len(res.Hops)-1].OutPort)
			seen[res.Path.String()] = true
		}
		assert.Equal(t, 50, inst.count())
		assert.Len(t, seen, 2, "both candidates should eventually be selected")

		last, ok := s.Last()
		require.True(t, ok)
		assert.Equal(t, h1.String(), inst.calls[len(inst.calls)-1].src)
		assert.Equal(t, h2.String(), inst.calls[len(inst.calls)-1].dst)
		assert.Equal(t, store.Snapshot().Generation, last.Generation)
	})

	t.Run("installs the reply direction when bidirectional", func(t *testing.T) {
		t.Parallel()
		table := hosts.NewTable()
		table.Learn(h1, 1, 10)
		table.Learn(h2, 5, 20)
		inst := &recordingInstaller{}
		s := newScheduler(t, table, newStore(t), inst, func(cfg *Config) { cfg.Bidirectional = true })

		res, err := s.Mutate(t.Context())
		require.NoError(t, err)
		require.NotNil(t, res.ReverseInstall)
		assert.Equal(t, installer.Reverse(res.Hops), res.ReverseHops)
		require.Equal(t, 2, inst.count())
		assert.Equal(t, h2.String(), inst.calls[1].src)
		assert.Equal(t, h1.String(), inst.calls[1].dst)
	})

	t.Run("hosts away from the monitored switches", func(t *testing.T) {
		t.Parallel()
		table := hosts.NewTable()
		table.Learn(h1, 3, 10)
		table.Learn(h2, 5, 20)
		inst := &recordingInstaller{}
		s := newScheduler(t, table, newStore(t), inst, nil)

		_, err := s.Mutate(t.Context())
		require.ErrorIs(t, err, ErrEndpointMismatch)
		assert.Zero(t, inst.count())
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()
		s := newScheduler(t, hosts.NewTable(), newStore(t), &recordingInstaller{}, nil)
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		_, err := s.Mutate(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestScheduler_Start(t *testing.T) {
	t.Parallel()
	table := hosts.NewTable()
	table.Learn(h1, 1, 10)
	table.Learn(h2, 5, 20)
	inst := &recordingInstaller{}
	clock := clockwork.NewFakeClock()
	s := newScheduler(t, table, newStore(t), inst, func(cfg *Config) {
		cfg.Clock = clock
		cfg.Interval = time.Minute
	})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	s.Start(ctx)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Zero(t, inst.count(), "no cycle before the first interval")

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return inst.count() == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return inst.count() == 2 }, time.Second, 5*time.Millisecond)

	_, ok := s.Last()
	assert.True(t, ok)
}

type panickingInstaller struct{}

func (panickingInstaller) Install(installer.HopList, net.HardwareAddr, net.HardwareAddr) installer.Result {
	panic("boom")
}

func TestScheduler_SafeMutateRecovers(t *testing.T) {
	t.Parallel()
	table := hosts.NewTable()
	table.Learn(h1, 1, 10)
	table.Learn(h2, 5, 20)
	s := newScheduler(t, table, newStore(t), panickingInstaller{}, nil)

	require.NotPanics(t, func() { s.safeMutate(t.Context()) })
	_, ok := s.Last()
	assert.False(t, ok)

	// the cycle lock must have been released by the panicking cycle
	require.NotPanics(t, func() { s.safeMutate(t.Context()) })
}

func TestScheduler_SafeMutateReportsPanics(t *testing.T) {
	t.Parallel()
	table := hosts.NewTable()
	table.Learn(h1, 1, 10)
	table.Learn(h2, 5, 20)
	s := newScheduler(t, table, newStore(t), panickingInstaller{}, nil)

	var (
		mu     sync.Mutex
		events []*sentry.Event
	)
	client, err := sentry.NewClient(sentry.ClientOptions{
		DisableMetrics: true,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, event)
			return nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	ctx := sentry.SetHubOnContext(t.Context(), sentry.NewHub(client, sentry.NewScope()))

	s.safeMutate(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "boom", events[0].Message)
}

func TestScheduler_EndpointMismatchIsAConfigurationError(t *testing.T) {
	t.Parallel()
	table := hosts.NewTable()
	table.Learn(h1, 3, 10)
	table.Learn(h2, 5, 20)
	inst := &recordingInstaller{}
	var buf bytes.Buffer
	s := newScheduler(t, table, newStore(t), inst, func(cfg *Config) {
		cfg.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	})

	_, err := s.Mutate(t.Context())
	require.ErrorIs(t, err, ErrEndpointMismatch)
	assert.ErrorContains(t, err, "configuration error")

	buf.Reset()
	s.safeMutate(t.Context())
	out := buf.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "monitored switch pair")
	assert.Zero(t, inst.count())
}
