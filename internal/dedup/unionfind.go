package dedup

// unionFind is a parent-pointer arena keyed by result ordinal within the
// unit. Index-based on purpose: no pointer cycles, and the smallest
// ordinal always wins as root, so grouping is independent of pair order.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]] // path halving
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
}

// components returns the connected components with at least two members,
// each sorted ascending, ordered by their smallest member.
func (uf *unionFind) components() [][]int {
	byRoot := make(map[int][]int)
	for i := range uf.parent {
		root := uf.find(i)
		byRoot[root] = append(byRoot[root], i)
	}

	var out [][]int
	for i := range uf.parent {
		if uf.find(i) != i {
			continue
		}
		members := byRoot[i]
		if len(members) < 2 {
			continue
		}
		out = append(out, members)
	}
	return out
}
