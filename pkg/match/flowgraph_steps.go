package match

import (
	"fmt"

	"github.com/l3aro/bindelta/pkg/graph"
)

// stepBasicBlockHash matches blocks whose full normalized instruction
// sequence, operands included, hashes identically. The strictest block step.
type stepBasicBlockHash struct {
	minInstructions int
}

func (s *stepBasicBlockHash) Name() string {
	return fmt.Sprintf("basicBlock: hash matching (%d instructions minimum)", s.minInstructions)
}
func (s *stepBasicBlockHash) Confidence() float64 { return 1.0 }

func (s *stepBasicBlockHash) FindBasicBlockMatches(c *Context, fp *FixedPoint, primary, secondary *graph.FlowGraph,
	unmatchedPrimary, unmatchedSecondary graph.VertexSet) (bool, error) {
	key := func(fg *graph.FlowGraph) func(graph.VertexID) (uint64, bool) {
		return func(v graph.VertexID) (uint64, bool) {
			if fg.InstructionCount(v) < s.minInstructions {
				return 0, false
			}
			return fg.Blocks[v].Hash, true
		}
	}
	pm := groupByKey(unmatchedPrimary, key(primary))
	sm := groupByKey(unmatchedSecondary, key(secondary))
	return addBlockPairs(c, fp, uniquePairs(pm, sm), s)
}

// stepBasicBlockPrime matches blocks on the instruction prime product: same
// instruction classes in the same order, operands ignored. Blocks below the
// instruction minimum are excluded because their products collide too often
// to be meaningful.
type stepBasicBlockPrime struct {
	minInstructions int
}

func (s *stepBasicBlockPrime) Name() string {
	return fmt.Sprintf("basicBlock: prime matching (%d instructions minimum)", s.minInstructions)
}
func (s *stepBasicBlockPrime) Confidence() float64 { return 0.95 }

func (s *stepBasicBlockPrime) FindBasicBlockMatches(c *Context, fp *FixedPoint, primary, secondary *graph.FlowGraph,
	unmatchedPrimary, unmatchedSecondary graph.VertexSet) (bool, error) {
	key := func(fg *graph.FlowGraph) func(graph.VertexID) (uint64, bool) {
		return func(v graph.VertexID) (uint64, bool) {
			if fg.InstructionCount(v) < s.minInstructions {
				return 0, false
			}
			return fg.Blocks[v].Prime, true
		}
	}
	pm := groupByKey(unmatchedPrimary, key(primary))
	sm := groupByKey(unmatchedSecondary, key(secondary))
	return addBlockPairs(c, fp, uniquePairs(pm, sm), s)
}

// stepBasicBlockCallRefs matches blocks by the sequence of functions they
// call, resolved through the function-level fixed points so that both sides
// speak in the same identifiers. Only blocks whose every call target is
// already matched qualify.
type stepBasicBlockCallRefs struct{}

func (s *stepBasicBlockCallRefs) Name() string        { return "basicBlock: call reference matching" }
func (s *stepBasicBlockCallRefs) Confidence() float64 { return 0.85 }

func (s *stepBasicBlockCallRefs) FindBasicBlockMatches(c *Context, fp *FixedPoint, primary, secondary *graph.FlowGraph,
	unmatchedPrimary, unmatchedSecondary graph.VertexSet) (bool, error) {
	pm := groupByKey(unmatchedPrimary, func(v graph.VertexID) (uint64, bool) {
		return callRefKey(primary.Blocks[v].CallTargets, func(addr graph.Address) (graph.VertexID, bool) {
			fn, ok := c.Primary.CallGraph.VertexByAddress(addr)
			if !ok {
				return 0, false
			}
			if _, matched := c.PrimaryFixedPoint(fn); !matched {
				return 0, false
			}
			return fn, true
		})
	})
	sm := groupByKey(unmatchedSecondary, func(v graph.VertexID) (uint64, bool) {
		return callRefKey(secondary.Blocks[v].CallTargets, func(addr graph.Address) (graph.VertexID, bool) {
			fn, ok := c.Secondary.CallGraph.VertexByAddress(addr)
			if !ok {
				return 0, false
			}
			sfp, matched := c.SecondaryFixedPoint(fn)
			if !matched {
				return 0, false
			}
			// Canonical token is the primary-side vertex of the pairing.
			return sfp.Primary, true
		})
	})
	return addBlockPairs(c, fp, uniquePairs(pm, sm), s)
}

// callRefKey hashes the call target sequence of a block after translating
// every target into the canonical (primary-side) identifier of its fixed
// point. Blocks with no calls, or with any unresolvable target, do not
// qualify.
func callRefKey(targets []graph.Address, canonical func(graph.Address) (graph.VertexID, bool)) (uint64, bool) {
	if len(targets) == 0 {
		return 0, false
	}
	// FNV-style fold over the canonical sequence; order matters.
	h := uint64(1469598103934665603)
	for _, addr := range targets {
		id, ok := canonical(addr)
		if !ok {
			return 0, false
		}
		h ^= uint64(id)
		h *= 1099511628211
	}
	return h, true
}

// stepBasicBlockStringRefs matches blocks referencing identical string
// literals.
type stepBasicBlockStringRefs struct{}

func (s *stepBasicBlockStringRefs) Name() string        { return "basicBlock: string references matching" }
func (s *stepBasicBlockStringRefs) Confidence() float64 { return 0.8 }

func (s *stepBasicBlockStringRefs) FindBasicBlockMatches(c *Context, fp *FixedPoint, primary, secondary *graph.FlowGraph,
	unmatchedPrimary, unmatchedSecondary graph.VertexSet) (bool, error) {
	key := func(fg *graph.FlowGraph) func(graph.VertexID) (uint64, bool) {
		return func(v graph.VertexID) (uint64, bool) {
			h := fg.Blocks[v].StringHash
			return h, h != 0
		}
	}
	pm := groupByKey(unmatchedPrimary, key(primary))
	sm := groupByKey(unmatchedSecondary, key(secondary))
	return addBlockPairs(c, fp, uniquePairs(pm, sm), s)
}

// stepBasicBlockEdgePropagation uses already-matched neighbors to
// disambiguate: when a matched block pair has exactly one unmatched successor
// on each side, those successors correspond; same for predecessors.
type stepBasicBlockEdgePropagation struct{}

func (s *stepBasicBlockEdgePropagation) Name() string        { return "basicBlock: edge propagation" }
func (s *stepBasicBlockEdgePropagation) Confidence() float64 { return 0.7 }

func (s *stepBasicBlockEdgePropagation) FindBasicBlockMatches(c *Context, fp *FixedPoint, primary, secondary *graph.FlowGraph,
	unmatchedPrimary, unmatchedSecondary graph.VertexSet) (bool, error) {
	added := false
	for _, bm := range fp.BasicBlockMatches() {
		for _, dir := range []struct {
			p, s []graph.VertexID
		}{
			{primary.Successors(bm.Primary), secondary.Successors(bm.Secondary)},
			{primary.Predecessors(bm.Primary), secondary.Predecessors(bm.Secondary)},
		} {
			pv, pok := soleUnmatched(dir.p, fp.HasPrimaryBlock)
			sv, sok := soleUnmatched(dir.s, fp.HasSecondaryBlock)
			if !pok || !sok {
				continue
			}
			if err := c.AddBasicBlockMatch(fp, pv, sv, s.Name(), s.Confidence()); err != nil {
				return added, err
			}
			added = true
		}
	}
	return added, nil
}

// stepBasicBlockEntryPoint matches the entry blocks of the two functions.
// Within a confirmed function pair the entries correspond by definition.
type stepBasicBlockEntryPoint struct{}

func (s *stepBasicBlockEntryPoint) Name() string        { return "basicBlock: entry point matching" }
func (s *stepBasicBlockEntryPoint) Confidence() float64 { return 0.6 }

func (s *stepBasicBlockEntryPoint) FindBasicBlockMatches(c *Context, fp *FixedPoint, primary, secondary *graph.FlowGraph,
	unmatchedPrimary, unmatchedSecondary graph.VertexSet) (bool, error) {
	pv, pok := primary.EntryVertex()
	sv, sok := secondary.EntryVertex()
	if !pok || !sok || fp.HasPrimaryBlock(pv) || fp.HasSecondaryBlock(sv) {
		return false, nil
	}
	if err := c.AddBasicBlockMatch(fp, pv, sv, s.Name(), s.Confidence()); err != nil {
		return false, err
	}
	return true, nil
}

// stepBasicBlockInstructionCount matches blocks whose instruction count is
// unique on both sides.
type stepBasicBlockInstructionCount struct{}

func (s *stepBasicBlockInstructionCount) Name() string        { return "basicBlock: instruction count matching" }
func (s *stepBasicBlockInstructionCount) Confidence() float64 { return 0.5 }

func (s *stepBasicBlockInstructionCount) FindBasicBlockMatches(c *Context, fp *FixedPoint, primary, secondary *graph.FlowGraph,
	unmatchedPrimary, unmatchedSecondary graph.VertexSet) (bool, error) {
	key := func(fg *graph.FlowGraph) func(graph.VertexID) (uint64, bool) {
		return func(v graph.VertexID) (uint64, bool) {
			n := fg.InstructionCount(v)
			return uint64(n), n > 0
		}
	}
	pm := groupByKey(unmatchedPrimary, key(primary))
	sm := groupByKey(unmatchedSecondary, key(secondary))
	return addBlockPairs(c, fp, uniquePairs(pm, sm), s)
}

// stepBasicBlockRelativePosition is the loosest heuristic, applied last:
// blocks distinguished only by their degree pair. Matches are explicitly
// low-confidence.
type stepBasicBlockRelativePosition struct{}

func (s *stepBasicBlockRelativePosition) Name() string        { return "basicBlock: relative position matching" }
func (s *stepBasicBlockRelativePosition) Confidence() float64 { return 0.25 }

func (s *stepBasicBlockRelativePosition) FindBasicBlockMatches(c *Context, fp *FixedPoint, primary, secondary *graph.FlowGraph,
	unmatchedPrimary, unmatchedSecondary graph.VertexSet) (bool, error) {
	key := func(fg *graph.FlowGraph) func(graph.VertexID) (uint64, bool) {
		return func(v graph.VertexID) (uint64, bool) {
			return uint64(len(fg.Predecessors(v)))<<32 | uint64(len(fg.Successors(v))), true
		}
	}
	pm := groupByKey(unmatchedPrimary, key(primary))
	sm := groupByKey(unmatchedSecondary, key(secondary))
	return addBlockPairs(c, fp, uniquePairs(pm, sm), s)
}

// addBlockPairs records block pairs produced by a key-matching step.
func addBlockPairs(c *Context, fp *FixedPoint, pairs []vertexPair, step FlowGraphStep) (bool, error) {
	for _, p := range pairs {
		if err := c.AddBasicBlockMatch(fp, p.primary, p.secondary, step.Name(), step.Confidence()); err != nil {
			return false, err
		}
	}
	return len(pairs) > 0, nil
}
