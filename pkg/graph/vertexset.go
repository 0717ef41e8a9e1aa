package graph

import "sort"

// VertexSet is an ordered collection of vertex identifiers, used by the
// matching pipeline for the "currently unmatched" candidates of one step
// invocation. Sets are recomputed before each step and never mutated while a
// step iterates over them; Remove returns a new set.
type VertexSet []VertexID

// NewVertexSet returns a sorted set over the given vertices.
func NewVertexSet(vs ...VertexID) VertexSet {
	set := make(VertexSet, len(vs))
	copy(set, vs)
	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })
	return set
}

// AllVertices returns the full vertex set 0..n-1.
func AllVertices(n int) VertexSet {
	set := make(VertexSet, n)
	for i := range set {
		set[i] = VertexID(i)
	}
	return set
}

// Contains reports whether v is in the set.
func (s VertexSet) Contains(v VertexID) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= v })
	return i < len(s) && s[i] == v
}

// Remove returns a copy of the set without v.
func (s VertexSet) Remove(v VertexID) VertexSet {
	out := make(VertexSet, 0, len(s))
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// Filter returns the subset of vertices for which keep returns true,
// preserving order.
func (s VertexSet) Filter(keep func(VertexID) bool) VertexSet {
	out := make(VertexSet, 0, len(s))
	for _, v := range s {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}
