package match

import (
	"sort"

	"github.com/l3aro/bindelta/pkg/graph"
)

// vertexKeyMap groups candidate vertices by a uint64 key. A key present more
// than once on a side is ambiguous and never resolved by the step that built
// the map; later, more discriminating steps see those vertices again.
type vertexKeyMap map[uint64][]graph.VertexID

// groupByKey builds a key map over the given vertex set. key returns the
// grouping value and whether the vertex qualifies for this step at all.
func groupByKey(vertices graph.VertexSet, key func(graph.VertexID) (uint64, bool)) vertexKeyMap {
	m := make(vertexKeyMap)
	for _, v := range vertices {
		if k, ok := key(v); ok {
			m[k] = append(m[k], v)
		}
	}
	return m
}

// vertexPair is one primary/secondary candidate produced by key matching.
type vertexPair struct {
	primary   graph.VertexID
	secondary graph.VertexID
}

// uniquePairs returns the pairs whose key occurs exactly once on both sides,
// ordered by key so the result is independent of map iteration order.
func uniquePairs(primary, secondary vertexKeyMap) []vertexPair {
	keys := make([]uint64, 0, len(primary))
	for k, vs := range primary {
		if len(vs) != 1 {
			continue
		}
		if svs, ok := secondary[k]; ok && len(svs) == 1 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	pairs := make([]vertexPair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, vertexPair{primary: primary[k][0], secondary: secondary[k][0]})
	}
	return pairs
}
