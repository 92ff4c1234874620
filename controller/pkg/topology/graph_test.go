package topology

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bidi returns both discovered directions of a link between a and b.
func bidi(a SwitchID, aPort Port, b SwitchID, bPort Port) []Link {
	return []Link{
		{Src: a, SrcPort: aPort, Dst: b, DstPort: bPort},
		{Src: b, SrcPort: bPort, Dst: a, DstPort: aPort},
	}
}

func links(groups ...[]Link) []Link {
	var out []Link
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// busWithShortcut is the chain 1-2-3-4-5 plus a shortcut 2-5.
func busWithShortcut(t *testing.T) *Graph {
	t.Helper()
	g, err := NewGraph([]SwitchID{1, 2, 3, 4, 5}, links(
		bidi(1, 3, 2, 4),
		bidi(2, 5, 3, 1),
		bidi(3, 2, 4, 1),
		bidi(4, 2, 5, 1),
		bidi(2, 7, 5, 8),
	))
	require.NoError(t, err)
	return g
}

// fiveBus is the IEEE 5-bus mesh used by the lab topology.
func fiveBus(t *testing.T) *Graph {
	t.Helper()
	g, err := NewGraph([]SwitchID{1, 2, 3, 4, 5}, links(
		bidi(1, 2, 2, 2),
		bidi(1, 3, 3, 2),
		bidi(2, 3, 3, 3),
		bidi(2, 4, 5, 2),
		bidi(2, 5, 4, 2),
		bidi(4, 3, 5, 3),
		bidi(3, 4, 4, 4),
	))
	require.NoError(t, err)
	return g
}

func TestNewGraph(t *testing.T) {
	t.Parallel()

	t.Run("duplicate switches collapse", func(t *testing.T) {
		t.Parallel()
		g, err := NewGraph([]SwitchID{3, 1, 3, 2}, nil)
		require.NoError(t, err)
		assert.Equal(t, []SwitchID{1, 2, 3}, g.Switches())
	})

	t.Run("identical duplicate link is accepted", func(t *testing.T) {
		t.Parallel()
		g, err := NewGraph([]SwitchID{1, 2}, links(bidi(1, 1, 2, 1), bidi(1, 1, 2, 1)))
		require.NoError(t, err)
		assert.Equal(t, 2, g.Adjacencies())
	})

	tests := []struct {
		name     string
		switches []SwitchID
		links    []Link
	}{
		{name: "self loop", switches: []SwitchID{1}, links: []Link{{Src: 1, SrcPort: 1, Dst: 1, DstPort: 2}}},
		{name: "zero egress port", switches: []SwitchID{1, 2}, links: []Link{{Src: 1, Dst: 2, DstPort: 1}}},
		{name: "unknown source", switches: []SwitchID{2}, links: []Link{{Src: 1, SrcPort: 1, Dst: 2, DstPort: 1}}},
		{name: "unknown destination", switches: []SwitchID{1}, links: []Link{{Src: 1, SrcPort: 1, Dst: 2, DstPort: 1}}},
		{name: "conflicting ports", switches: []SwitchID{1, 2}, links: []Link{
			{Src: 1, SrcPort: 1, Dst: 2, DstPort: 1},
			{Src: 1, SrcPort: 9, Dst: 2, DstPort: 1},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewGraph(tt.switches, tt.links)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedTopology))
		})
	}
}

func TestGraph_EgressPort(t *testing.T) {
	t.Parallel()
	g := busWithShortcut(t)

	port, err := g.EgressPort(2, 5)
	require.NoError(t, err)
	assert.Equal(t, Port(7), port)

	port, err = g.EgressPort(5, 2)
	require.NoError(t, err)
	assert.Equal(t, Port(8), port)

	_, err = g.EgressPort(1, 5)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.True(t, g.IsLinkPort(2, 7))
	assert.False(t, g.IsLinkPort(1, 10))
}

func TestGraph_ShortestPath(t *testing.T) {
	t.Parallel()

	t.Run("takes the shortcut", func(t *testing.T) {
		t.Parallel()
		g := busWithShortcut(t)
		path, err := g.ShortestPath(1, 5)
		require.NoError(t, err)
		assert.Equal(t, Path{1, 2, 5}, path)
	})

	t.Run("same switch", func(t *testing.T) {
		t.Parallel()
		g := busWithShortcut(t)
		path, err := g.ShortestPath(3, 3)
		require.NoError(t, err)
		assert.Equal(t, Path{3}, path)
	})

	t.Run("absent endpoint", func(t *testing.T) {
		t.Parallel()
		g := busWithShortcut(t)
		_, err := g.ShortestPath(1, 42)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("disconnected", func(t *testing.T) {
		t.Parallel()
		g, err := NewGraph([]SwitchID{1, 2, 3}, bidi(1, 1, 2, 1))
		require.NoError(t, err)
		_, err = g.ShortestPath(1, 3)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("one-way link is not traversed", func(t *testing.T) {
		t.Parallel()
		g, err := NewGraph([]SwitchID{1, 2}, []Link{{Src: 1, SrcPort: 1, Dst: 2, DstPort: 1}})
		require.NoError(t, err)
		_, err = g.ShortestPath(1, 2)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("every returned hop has adjacency in both directions", func(t *testing.T) {
		t.Parallel()
		g := fiveBus(t)
		for _, src := range g.Switches() {
			for _, dst := range g.Switches() {
				path, err := g.ShortestPath(src, dst)
				require.NoError(t, err, "%d->%d", src, dst)
				assert.Equal(t, src, path[0])
				assert.Equal(t, dst, path[len(path)-1])
				for i := 0; i+1 < len(path); i++ {
					_, err := g.EgressPort(path[i], path[i+1])
					require.NoError(t, err)
					_, err = g.EgressPort(path[i+1], path[i])
					require.NoError(t, err)
				}
			}
		}
	})
}

func TestGraph_AllSimplePaths(t *testing.T) {
	t.Parallel()

	t.Run("bus with shortcut yields exactly two paths", func(t *testing.T) {
		t.Parallel()
		g := busWithShortcut(t)
		paths := g.AllSimplePaths(1, 5, Limits{})
		assert.Equal(t, []Path{{1, 2, 5}, {1, 2, 3, 4, 5}}, paths)
	})

	t.Run("paths are simple and anchored", func(t *testing.T) {
		t.Parallel()
		g := fiveBus(t)
		paths := g.AllSimplePaths(1, 5, Limits{})
		require.NotEmpty(t, paths)
		for _, p := range paths {
			assert.Equal(t, SwitchID(1), p[0])
			assert.Equal(t, SwitchID(5), p[len(p)-1])
			seen := map[SwitchID]bool{}
			for _, id := range p {
				assert.False(t, seen[id], "repeated switch %d in %s", id, p)
				seen[id] = true
			}
		}
	})

	t.Run("max length", func(t *testing.T) {
		t.Parallel()
		g := busWithShortcut(t)
		paths := g.AllSimplePaths(1, 5, Limits{MaxLength: 3})
		assert.Equal(t, []Path{{1, 2, 5}}, paths)
	})

	t.Run("max paths", func(t *testing.T) {
		t.Parallel()
		g := fiveBus(t)
		all := g.AllSimplePaths(1, 5, Limits{})
		require.Greater(t, len(all), 2)
		capped := g.AllSimplePaths(1, 5, Limits{MaxPaths: 2})
		assert.Len(t, capped, 2)
	})

	t.Run("same or absent endpoints", func(t *testing.T) {
		t.Parallel()
		g := busWithShortcut(t)
		assert.Empty(t, g.AllSimplePaths(1, 1, Limits{}))
		assert.Empty(t, g.AllSimplePaths(1, 9, Limits{}))
	})
}

func TestGraph_Links(t *testing.T) {
	t.Parallel()
	g, err := NewGraph([]SwitchID{1, 2}, bidi(1, 3, 2, 4))
	require.NoError(t, err)
	assert.Equal(t, []Link{
		{Src: 1, SrcPort: 3, Dst: 2, DstPort: 4},
		{Src: 2, SrcPort: 4, Dst: 1, DstPort: 3},
	}, g.Links())
}

func TestPath_String(t *testing.T) {
	assert.Equal(t, "[1 2 5]", Path{1, 2, 5}.String())
}
