package index

import (
	"slices"

	"github.com/coder/hnsw"
)

// Rank returns up to k distinct commands from history that are most similar
// to query, most similar first. It returns nil when nothing is comparable.
func Rank(query string, history []string, k int) []string {
	if k <= 0 || len(history) == 0 {
		return nil
	}
	q := Vectorize(query)
	if isZero(q) {
		return nil
	}

	g := hnsw.NewGraph[int]()
	g.Distance = hnsw.CosineDistance

	// Walk newest first so a repeated command keeps its newest position.
	seen := make(map[string]bool, len(history))
	nodes := make([]hnsw.Node[int], 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		cmd := history[i]
		if seen[cmd] {
			continue
		}
		seen[cmd] = true
		v := Vectorize(cmd)
		if isZero(v) {
			continue
		}
		nodes = append(nodes, hnsw.MakeNode(i, v))
	}
	if len(nodes) == 0 {
		return nil
	}
	g.Add(nodes...)

	found := g.Search(q, k)
	// The graph search is approximate; order the hits by exact distance.
	slices.SortStableFunc(found, func(a, b hnsw.Node[int]) int {
		da, db := hnsw.CosineDistance(q, a.Value), hnsw.CosineDistance(q, b.Value)
		switch {
		case da < db:
			return -1
		case da > db:
			return 1
		default:
			return b.Key - a.Key
		}
	})

	out := make([]string, 0, len(found))
	for _, n := range found {
		out = append(out, history[n.Key])
	}
	return out
}
