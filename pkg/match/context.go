// Package match implements the heuristic matching engine: the accumulating
// matching context with its fixed points, the two polymorphic step families
// operating at call-graph and flow-graph granularity, and the pipeline driver
// that runs them to convergence.
//
// Matching is strictly one-to-one per side. A vertex, at either granularity,
// belongs to at most one fixed point or basic-block match at a time;
// re-matching requires explicit removal first. Step execution is serialized
// by the driver, so the context needs no locking.
package match

import (
	"errors"
	"fmt"
	"sort"

	"github.com/l3aro/bindelta/pkg/graph"
)

// ErrVertexClaimed reports an attempt to match a vertex that already belongs
// to a fixed point. Steps only see residual unmatched sets, so hitting this
// means the serialization discipline was broken; the pipeline treats it as
// fatal and never retries.
var ErrVertexClaimed = errors.New("vertex already claimed")

// BasicBlockMatch is one confirmed basic-block pair inside a fixed point.
type BasicBlockMatch struct {
	Primary    graph.VertexID
	Secondary  graph.VertexID
	Similarity float64
	Confidence float64
	Step       string
}

// FixedPoint is the confirmed pairing of one primary function with one
// secondary function, together with its nested basic-block matches.
type FixedPoint struct {
	Primary   graph.VertexID
	Secondary graph.VertexID

	Similarity float64
	Confidence float64
	Step       string

	// stepConfidence is the creating step's confidence, kept separate from
	// Confidence so score recomputation stays idempotent.
	stepConfidence float64

	blockMatches    []BasicBlockMatch
	primaryBlocks   map[graph.VertexID]bool
	secondaryBlocks map[graph.VertexID]bool
}

// BasicBlockMatches returns the nested block matches ordered by primary
// vertex.
func (fp *FixedPoint) BasicBlockMatches() []BasicBlockMatch {
	out := make([]BasicBlockMatch, len(fp.blockMatches))
	copy(out, fp.blockMatches)
	sort.Slice(out, func(i, j int) bool { return out[i].Primary < out[j].Primary })
	return out
}

// BasicBlockMatchCount returns the number of matched block pairs.
func (fp *FixedPoint) BasicBlockMatchCount() int { return len(fp.blockMatches) }

// HasPrimaryBlock reports whether the primary-side block v is already part of
// a block match within this fixed point.
func (fp *FixedPoint) HasPrimaryBlock(v graph.VertexID) bool { return fp.primaryBlocks[v] }

// HasSecondaryBlock reports whether the secondary-side block v is already
// part of a block match within this fixed point.
func (fp *FixedPoint) HasSecondaryBlock(v graph.VertexID) bool { return fp.secondaryBlocks[v] }

// Context is the process-scoped aggregate owning all fixed points plus the
// bookkeeping of which vertices are already consumed on each side. It is
// created at the start of a diff run, mutated additively by every step, and
// serialized at the end.
type Context struct {
	Primary   *graph.Binary
	Secondary *graph.Binary

	byPrimary   map[graph.VertexID]*FixedPoint
	bySecondary map[graph.VertexID]*FixedPoint

	// Newly created fixed points queue up here until the driver drains them
	// to trigger the per-pair flow graph passes.
	fresh []*FixedPoint
}

// NewContext creates an empty matching context over two loaded binaries.
func NewContext(primary, secondary *graph.Binary) *Context {
	return &Context{
		Primary:     primary,
		Secondary:   secondary,
		byPrimary:   make(map[graph.VertexID]*FixedPoint),
		bySecondary: make(map[graph.VertexID]*FixedPoint),
	}
}

// AddFixedPoint records a new function-level match created by the named step.
// Both vertices must be unclaimed; violating that is an invariant failure
// reported as ErrVertexClaimed.
func (c *Context) AddFixedPoint(primary, secondary graph.VertexID, step string) (*FixedPoint, error) {
	if fp, ok := c.byPrimary[primary]; ok {
		return nil, fmt.Errorf("%w: primary function %d already in fixed point created by %q", ErrVertexClaimed, primary, fp.Step)
	}
	if fp, ok := c.bySecondary[secondary]; ok {
		return nil, fmt.Errorf("%w: secondary function %d already in fixed point created by %q", ErrVertexClaimed, secondary, fp.Step)
	}
	fp := &FixedPoint{
		Primary:         primary,
		Secondary:       secondary,
		Step:            step,
		primaryBlocks:   make(map[graph.VertexID]bool),
		secondaryBlocks: make(map[graph.VertexID]bool),
	}
	c.byPrimary[primary] = fp
	c.bySecondary[secondary] = fp
	c.fresh = append(c.fresh, fp)
	return fp, nil
}

// AddBasicBlockMatch records a block-level match inside fp. One-to-one per
// side within the fixed point, same claim discipline as function matches.
func (c *Context) AddBasicBlockMatch(fp *FixedPoint, primary, secondary graph.VertexID, step string, confidence float64) error {
	if fp.primaryBlocks[primary] {
		return fmt.Errorf("%w: primary basic block %d already matched in fixed point", ErrVertexClaimed, primary)
	}
	if fp.secondaryBlocks[secondary] {
		return fmt.Errorf("%w: secondary basic block %d already matched in fixed point", ErrVertexClaimed, secondary)
	}
	fp.blockMatches = append(fp.blockMatches, BasicBlockMatch{
		Primary:    primary,
		Secondary:  secondary,
		Similarity: 1,
		Confidence: confidence,
		Step:       step,
	})
	fp.primaryBlocks[primary] = true
	fp.secondaryBlocks[secondary] = true
	return nil
}

// RemoveFixedPoint releases a function pair and all its nested block matches
// so both sides can be re-matched by a later pass.
func (c *Context) RemoveFixedPoint(fp *FixedPoint) {
	delete(c.byPrimary, fp.Primary)
	delete(c.bySecondary, fp.Secondary)
	for i := range c.fresh {
		if c.fresh[i] == fp {
			c.fresh = append(c.fresh[:i], c.fresh[i+1:]...)
			break
		}
	}
}

// PrimaryFixedPoint returns the fixed point claiming the primary function v.
func (c *Context) PrimaryFixedPoint(v graph.VertexID) (*FixedPoint, bool) {
	fp, ok := c.byPrimary[v]
	return fp, ok
}

// SecondaryFixedPoint returns the fixed point claiming the secondary
// function v.
func (c *Context) SecondaryFixedPoint(v graph.VertexID) (*FixedPoint, bool) {
	fp, ok := c.bySecondary[v]
	return fp, ok
}

// FixedPointCount returns the number of function-level matches so far.
func (c *Context) FixedPointCount() int { return len(c.byPrimary) }

// FixedPoints returns all fixed points ordered by primary vertex. The slice
// is a copy; the context keeps ownership of the fixed points themselves.
func (c *Context) FixedPoints() []*FixedPoint {
	out := make([]*FixedPoint, 0, len(c.byPrimary))
	for _, fp := range c.byPrimary {
		out = append(out, fp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Primary < out[j].Primary })
	return out
}

// takeFresh drains the queue of fixed points created since the last call.
func (c *Context) takeFresh() []*FixedPoint {
	fresh := c.fresh
	c.fresh = nil
	return fresh
}

// UnmatchedPrimaryFunctions recomputes the primary-side candidate set.
func (c *Context) UnmatchedPrimaryFunctions() graph.VertexSet {
	return c.unmatchedFunctions(c.Primary, c.byPrimary)
}

// UnmatchedSecondaryFunctions recomputes the secondary-side candidate set.
func (c *Context) UnmatchedSecondaryFunctions() graph.VertexSet {
	return c.unmatchedFunctions(c.Secondary, c.bySecondary)
}

func (c *Context) unmatchedFunctions(b *graph.Binary, claimed map[graph.VertexID]*FixedPoint) graph.VertexSet {
	return graph.AllVertices(b.CallGraph.VertexCount()).Filter(func(v graph.VertexID) bool {
		_, ok := claimed[v]
		return !ok
	})
}
