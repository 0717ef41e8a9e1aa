package match

import (
	"encoding/binary"
	"math"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/l3aro/bindelta/pkg/graph"
)

// stepFunctionNameHash matches functions whose (non-synthetic) names are
// identical and unique on both sides. Names invented by the disassembler
// ("sub_401000" and friends) carry no identity and are skipped.
type stepFunctionNameHash struct{}

func (s *stepFunctionNameHash) Name() string        { return "function: name hash matching" }
func (s *stepFunctionNameHash) Confidence() float64 { return 1.0 }

func (s *stepFunctionNameHash) FindFixedPoints(c *Context, primary, secondary graph.VertexSet) (bool, error) {
	key := func(cg *graph.CallGraph) func(graph.VertexID) (uint64, bool) {
		return func(v graph.VertexID) (uint64, bool) {
			name := cg.Functions[v].Name
			if name == "" || strings.HasPrefix(name, "sub_") {
				return 0, false
			}
			return xxh3.HashString(name), true
		}
	}
	pm := groupByKey(primary, key(c.Primary.CallGraph))
	sm := groupByKey(secondary, key(c.Secondary.CallGraph))
	return addFunctionPairs(c, uniquePairs(pm, sm), s)
}

// stepFunctionHash matches functions by their MD-index style structural hash.
type stepFunctionHash struct{}

func (s *stepFunctionHash) Name() string        { return "function: hash matching" }
func (s *stepFunctionHash) Confidence() float64 { return 0.96 }

func (s *stepFunctionHash) FindFixedPoints(c *Context, primary, secondary graph.VertexSet) (bool, error) {
	key := func(cg *graph.CallGraph) func(graph.VertexID) (uint64, bool) {
		return func(v graph.VertexID) (uint64, bool) {
			fn := &cg.Functions[v]
			if fn.BasicBlockCount == 0 {
				return 0, false
			}
			return fn.Hash, true
		}
	}
	pm := groupByKey(primary, key(c.Primary.CallGraph))
	sm := groupByKey(secondary, key(c.Secondary.CallGraph))
	return addFunctionPairs(c, uniquePairs(pm, sm), s)
}

// stepFunctionStringRefs matches functions referencing the same string
// literals. Functions without any string reference never qualify.
type stepFunctionStringRefs struct{}

func (s *stepFunctionStringRefs) Name() string        { return "function: string references" }
func (s *stepFunctionStringRefs) Confidence() float64 { return 0.9 }

func (s *stepFunctionStringRefs) FindFixedPoints(c *Context, primary, secondary graph.VertexSet) (bool, error) {
	key := func(cg *graph.CallGraph) func(graph.VertexID) (uint64, bool) {
		return func(v graph.VertexID) (uint64, bool) {
			h := cg.Functions[v].StringHash
			return h, h != 0
		}
	}
	pm := groupByKey(primary, key(c.Primary.CallGraph))
	sm := groupByKey(secondary, key(c.Secondary.CallGraph))
	return addFunctionPairs(c, uniquePairs(pm, sm), s)
}

// stepFunctionInstructionCount matches functions on the exact triple of basic
// block, edge and instruction counts. Small functions are excluded: their
// triples collide far too often to mean anything.
type stepFunctionInstructionCount struct {
	minInstructions int
}

func (s *stepFunctionInstructionCount) Name() string        { return "function: instruction count" }
func (s *stepFunctionInstructionCount) Confidence() float64 { return 0.8 }

func (s *stepFunctionInstructionCount) FindFixedPoints(c *Context, primary, secondary graph.VertexSet) (bool, error) {
	key := func(cg *graph.CallGraph) func(graph.VertexID) (uint64, bool) {
		return func(v graph.VertexID) (uint64, bool) {
			fn := &cg.Functions[v]
			if fn.InstructionCount < s.minInstructions || fn.InstructionCount == 0 {
				return 0, false
			}
			var buf [24]byte
			binary.LittleEndian.PutUint64(buf[0:], uint64(fn.BasicBlockCount))
			binary.LittleEndian.PutUint64(buf[8:], uint64(fn.EdgeCount))
			binary.LittleEndian.PutUint64(buf[16:], uint64(fn.InstructionCount))
			return xxh3.Hash(buf[:]), true
		}
	}
	pm := groupByKey(primary, key(c.Primary.CallGraph))
	sm := groupByKey(secondary, key(c.Secondary.CallGraph))
	return addFunctionPairs(c, uniquePairs(pm, sm), s)
}

// stepFunctionCallSequence propagates matches along call edges: when a
// matched function pair has exactly one unmatched callee on each side, those
// callees correspond; same for callers.
type stepFunctionCallSequence struct{}

func (s *stepFunctionCallSequence) Name() string        { return "function: call sequence matching" }
func (s *stepFunctionCallSequence) Confidence() float64 { return 0.7 }

func (s *stepFunctionCallSequence) FindFixedPoints(c *Context, primary, secondary graph.VertexSet) (bool, error) {
	added := false
	for _, fp := range c.FixedPoints() {
		for _, dir := range []struct {
			p, s []graph.VertexID
		}{
			{c.Primary.CallGraph.Callees(fp.Primary), c.Secondary.CallGraph.Callees(fp.Secondary)},
			{c.Primary.CallGraph.Callers(fp.Primary), c.Secondary.CallGraph.Callers(fp.Secondary)},
		} {
			pv, pok := soleUnmatched(dir.p, func(v graph.VertexID) bool { _, m := c.PrimaryFixedPoint(v); return m })
			sv, sok := soleUnmatched(dir.s, func(v graph.VertexID) bool { _, m := c.SecondaryFixedPoint(v); return m })
			if !pok || !sok {
				continue
			}
			created, err := c.AddFixedPoint(pv, sv, s.Name())
			if err != nil {
				return added, err
			}
			seedScores(c, created, s.Confidence())
			added = true
		}
	}
	return added, nil
}

// soleUnmatched returns the single unmatched vertex in vs, if there is
// exactly one.
func soleUnmatched(vs []graph.VertexID, matched func(graph.VertexID) bool) (graph.VertexID, bool) {
	var sole graph.VertexID
	count := 0
	for _, v := range vs {
		if !matched(v) {
			sole = v
			count++
		}
	}
	return sole, count == 1
}

// stepFunctionCallRefs is the feedback path that turns basic block matches
// into new function matches: inside an already-matched block pair, call sites
// line up positionally, so unmatched call targets at the same position
// correspond. A candidate pairing is only accepted when it is unambiguous
// across every matched block that votes for it.
type stepFunctionCallRefs struct{}

func (s *stepFunctionCallRefs) Name() string        { return "function: call reference matching" }
func (s *stepFunctionCallRefs) Confidence() float64 { return 0.75 }

func (s *stepFunctionCallRefs) FindFixedPoints(c *Context, primary, secondary graph.VertexSet) (bool, error) {
	forward := make(map[graph.VertexID]map[graph.VertexID]bool)
	backward := make(map[graph.VertexID]map[graph.VertexID]bool)

	for _, fp := range c.FixedPoints() {
		pfg, pok := c.Primary.FlowGraphFor(fp.Primary)
		sfg, sok := c.Secondary.FlowGraphFor(fp.Secondary)
		if !pok || !sok {
			continue
		}
		for _, bm := range fp.BasicBlockMatches() {
			ptargets := pfg.Blocks[bm.Primary].CallTargets
			stargets := sfg.Blocks[bm.Secondary].CallTargets
			if len(ptargets) != len(stargets) {
				continue
			}
			for i := range ptargets {
				pv, pok := c.Primary.CallGraph.VertexByAddress(ptargets[i])
				sv, sok := c.Secondary.CallGraph.VertexByAddress(stargets[i])
				if !pok || !sok {
					continue
				}
				if _, m := c.PrimaryFixedPoint(pv); m {
					continue
				}
				if _, m := c.SecondaryFixedPoint(sv); m {
					continue
				}
				if forward[pv] == nil {
					forward[pv] = make(map[graph.VertexID]bool)
				}
				if backward[sv] == nil {
					backward[sv] = make(map[graph.VertexID]bool)
				}
				forward[pv][sv] = true
				backward[sv][pv] = true
			}
		}
	}

	var pairs []vertexPair
	for pv, svs := range forward {
		if len(svs) != 1 {
			continue
		}
		var sv graph.VertexID
		for v := range svs {
			sv = v
		}
		if len(backward[sv]) == 1 {
			pairs = append(pairs, vertexPair{primary: pv, secondary: sv})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].primary < pairs[j].primary })
	return addFunctionPairs(c, pairs, s)
}

// stepFunctionMatchedBlocks is the confidence feedback step: it re-derives
// similarity and confidence of every fixed point from the basic block matches
// accumulated by the flow graph passes. It creates no new pairs; it reports
// change so the driver knows scores moved.
type stepFunctionMatchedBlocks struct{}

func (s *stepFunctionMatchedBlocks) Name() string        { return "function: matched basic blocks" }
func (s *stepFunctionMatchedBlocks) Confidence() float64 { return 0.6 }

func (s *stepFunctionMatchedBlocks) FindFixedPoints(c *Context, primary, secondary graph.VertexSet) (bool, error) {
	const eps = 1e-9
	changed := false
	for _, fp := range c.FixedPoints() {
		oldSim, oldConf := fp.Similarity, fp.Confidence
		computeScores(c, fp)
		if math.Abs(fp.Similarity-oldSim) > eps || math.Abs(fp.Confidence-oldConf) > eps {
			changed = true
		}
	}
	return changed, nil
}

// addFunctionPairs records function pairs produced by a key-matching step and
// seeds their scores from the step confidence.
func addFunctionPairs(c *Context, pairs []vertexPair, step CallGraphStep) (bool, error) {
	for _, p := range pairs {
		fp, err := c.AddFixedPoint(p.primary, p.secondary, step.Name())
		if err != nil {
			return false, err
		}
		seedScores(c, fp, step.Confidence())
	}
	return len(pairs) > 0, nil
}
