package topology

import (
	"cmp"
	"slices"
)

// Limits bounds simple-path enumeration. Zero values mean unlimited.
type Limits struct {
	// MaxPaths stops enumeration once this many paths were found.
	MaxPaths int
	// MaxLength is the maximum number of switches in a path.
	MaxLength int
}

// AllSimplePaths enumerates loop-free paths from src to dst with a depth-first search
// over ascending neighbor ids. When MaxPaths cuts enumeration short, the paths kept are
// the first ones found in that order. The result is sorted by length, then by switch ids.
func (g *Graph) AllSimplePaths(src, dst SwitchID, limits Limits) []Path {
	if !g.HasSwitch(src) || !g.HasSwitch(dst) || src == dst {
		return nil
	}

	var (
		paths   []Path
		stack   = Path{src}
		visited = map[SwitchID]bool{src: true}
	)

	var walk func(u SwitchID) bool
	walk = func(u SwitchID) bool {
		if limits.MaxLength > 0 && len(stack) >= limits.MaxLength {
			return true
		}
		for _, v := range g.neighbors[u] {
			if visited[v] {
				continue
			}
			if v == dst {
				paths = append(paths, append(slices.Clone(stack), v))
				if limits.MaxPaths > 0 && len(paths) >= limits.MaxPaths {
					return false
				}
				continue
			}
			visited[v] = true
			stack = append(stack, v)
			more := walk(v)
			stack = stack[:len(stack)-1]
			visited[v] = false
			if !more {
				return false
			}
		}
		return true
	}
	walk(src)

	slices.SortFunc(paths, func(a, b Path) int {
		if c := cmp.Compare(len(a), len(b)); c != 0 {
			return c
		}
		return slices.Compare(a, b)
	})
	return paths
}
