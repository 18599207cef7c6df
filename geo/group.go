package geo

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
)

// GroupAdjacent groups axis-aligned grid cells that share an edge of at least
// minShared units, directly or through other cells. Cells are compared by
// their bounds. Groups are ordered by their first cell and list cell indexes
// in ascending order.
func GroupAdjacent(cells []orb.Polygon, minShared float64) [][]int {
	uf := newUnionFind(len(cells))

	bounds := make([]orb.Bound, len(cells))
	for i, c := range cells {
		bounds[i] = c.Bound()
	}

	// Vertical edges: the right side of one cell on the left side of another.
	joinAlong(bounds, uf, minShared,
		func(b orb.Bound) (float64, float64, float64, float64) { return b.Max[0], b.Min[0], b.Min[1], b.Max[1] })
	// Horizontal edges: the top of one cell on the bottom of another.
	joinAlong(bounds, uf, minShared,
		func(b orb.Bound) (float64, float64, float64, float64) { return b.Max[1], b.Min[1], b.Min[0], b.Max[0] })

	byRoot := map[int][]int{}
	var roots []int
	for i := range cells {
		r := uf.find(i)
		if _, ok := byRoot[r]; !ok {
			roots = append(roots, r)
		}
		byRoot[r] = append(byRoot[r], i)
	}

	groups := make([][]int, 0, len(roots))
	for _, r := range roots {
		groups = append(groups, byRoot[r])
	}

	return groups
}

type interval struct {
	idx    int
	lo, hi float64
}

// joinAlong unions cells whose far side and near side lie on the same line
// and whose extents along that line overlap by at least minShared. edges
// returns far, near, lo and high of a bound.
func joinAlong(bounds []orb.Bound, uf *unionFind, minShared float64, edges func(orb.Bound) (float64, float64, float64, float64)) {
	far := map[int64][]interval{}
	near := map[int64][]interval{}

	for i, b := range bounds {
		f, n, lo, hi := edges(b)
		far[lineKey(f)] = append(far[lineKey(f)], interval{i, lo, hi})
		near[lineKey(n)] = append(near[lineKey(n)], interval{i, lo, hi})
	}

	for key, left := range far {
		right, ok := near[key]
		if !ok {
			continue
		}

		sort.Slice(left, func(i, j int) bool { return left[i].lo < left[j].lo })
		sort.Slice(right, func(i, j int) bool { return right[i].lo < right[j].lo })

		for i, j := 0, 0; i < len(left) && j < len(right); {
			a, b := left[i], right[j]
			if math.Min(a.hi, b.hi)-math.Max(a.lo, b.lo) >= minShared {
				uf.union(a.idx, b.idx)
			}
			if a.hi < b.hi {
				i++
			} else {
				j++
			}
		}
	}
}

// lineKey snaps a coordinate to centimetres.
func lineKey(v float64) int64 {
	return int64(math.Round(v * 100))
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(i int) int {
	for uf.parent[i] != i {
		uf.parent[i] = uf.parent[uf.parent[i]]
		i = uf.parent[i]
	}
	return i
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	switch {
	case uf.rank[ra] < uf.rank[rb]:
		uf.parent[ra] = rb
	case uf.rank[ra] > uf.rank[rb]:
		uf.parent[rb] = ra
	default:
		uf.parent[rb] = ra
		uf.rank[ra]++
	}
}
