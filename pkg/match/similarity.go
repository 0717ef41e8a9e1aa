package match

import (
	"github.com/l3aro/bindelta/pkg/graph"
)

// Weights of the similarity components. Basic blocks and control flow edges
// dominate; raw instruction volume is a weaker signal.
const (
	weightBlocks       = 0.35
	weightEdges        = 0.35
	weightInstructions = 0.30
)

// seedScores sets the initial scores of a freshly created fixed point from
// the creating step's confidence. The flow graph pass and the matched-blocks
// feedback step refine both values afterwards.
func seedScores(c *Context, fp *FixedPoint, stepConfidence float64) {
	fp.stepConfidence = stepConfidence
	fp.Confidence = stepConfidence
	fp.Similarity = similarity(c, fp)
}

// computeScores re-derives similarity and confidence of a fixed point from
// its nested basic block matches. Confidence never drops below the creating
// step's contribution: block evidence can only strengthen a pairing. The
// computation depends only on the creating step and the current block
// matches, so repeated calls are idempotent.
func computeScores(c *Context, fp *FixedPoint) {
	fp.Similarity = similarity(c, fp)

	if len(fp.blockMatches) == 0 {
		fp.Confidence = fp.stepConfidence
		return
	}
	sum := 0.0
	for i := range fp.blockMatches {
		sum += fp.blockMatches[i].Confidence
	}
	blockConfidence := sum / float64(len(fp.blockMatches))

	pfg, pok := c.Primary.FlowGraphFor(fp.Primary)
	sfg, sok := c.Secondary.FlowGraphFor(fp.Secondary)
	coverage := 1.0
	if pok && sok {
		blocks := maxInt(pfg.VertexCount(), sfg.VertexCount())
		if blocks > 0 {
			coverage = float64(len(fp.blockMatches)) / float64(blocks)
		}
	}

	base := fp.stepConfidence
	fp.Confidence = clamp01(base + (1-base)*blockConfidence*coverage)
}

// OverallScores aggregates the per-pair scores into whole-binary similarity
// and confidence. Pairs are weighted by function size so a matched giant
// counts for more than a matched thunk; unmatched functions on either side
// drag similarity down through the instruction totals.
func OverallScores(c *Context) (similarity, confidence float64) {
	totalInstructions := 0.0
	for _, b := range []*graph.Binary{c.Primary, c.Secondary} {
		for _, fg := range b.FlowGraphs {
			totalInstructions += float64(fg.TotalInstructionCount())
		}
	}

	weightSum := 0.0
	for _, fp := range c.FixedPoints() {
		weight := 1.0
		if pfg, ok := c.Primary.FlowGraphFor(fp.Primary); ok {
			weight += float64(pfg.TotalInstructionCount())
		}
		if sfg, ok := c.Secondary.FlowGraphFor(fp.Secondary); ok {
			weight += float64(sfg.TotalInstructionCount())
		}
		similarity += weight * fp.Similarity
		confidence += weight * fp.Confidence
		weightSum += weight
	}
	if weightSum == 0 {
		return 0, 0
	}
	confidence /= weightSum
	if totalInstructions > 0 {
		similarity = clamp01(similarity / totalInstructions)
	} else {
		similarity = clamp01(similarity / weightSum)
	}
	return similarity, confidence
}

// similarity computes the weighted fraction of matched basic
// blocks, edges and instructions of a function pair. Fractions use the larger
// side as denominator, so inserted or deleted code lowers the score.
func similarity(c *Context, fp *FixedPoint) float64 {
	pfg, pok := c.Primary.FlowGraphFor(fp.Primary)
	sfg, sok := c.Secondary.FlowGraphFor(fp.Secondary)
	if !pok || !sok {
		// Functions without a body, e.g. imports matched by name. Nothing
		// structural can differ.
		if !pok && !sok {
			return 1
		}
		return 0
	}

	counterpart := make(map[graph.VertexID]graph.VertexID, len(fp.blockMatches))
	for i := range fp.blockMatches {
		counterpart[fp.blockMatches[i].Primary] = fp.blockMatches[i].Secondary
	}

	matchedInstructions := 0
	for p := range counterpart {
		matchedInstructions += pfg.InstructionCount(p)
	}

	matchedEdges := 0
	for _, e := range pfg.Edges {
		sp, ok1 := counterpart[e.Source]
		tp, ok2 := counterpart[e.Target]
		if !ok1 || !ok2 {
			continue
		}
		if hasEdge(sfg, sp, tp) {
			matchedEdges++
		}
	}

	score := 0.0
	total := 0.0
	if blocks := maxInt(pfg.VertexCount(), sfg.VertexCount()); blocks > 0 {
		score += weightBlocks * float64(len(fp.blockMatches)) / float64(blocks)
		total += weightBlocks
	}
	if edges := maxInt(len(pfg.Edges), len(sfg.Edges)); edges > 0 {
		score += weightEdges * float64(matchedEdges) / float64(edges)
		total += weightEdges
	}
	if instructions := maxInt(pfg.TotalInstructionCount(), sfg.TotalInstructionCount()); instructions > 0 {
		score += weightInstructions * float64(matchedInstructions) / float64(instructions)
		total += weightInstructions
	}
	if total == 0 {
		return 1
	}
	return clamp01(score / total)
}

func hasEdge(fg *graph.FlowGraph, source, target graph.VertexID) bool {
	for _, v := range fg.Successors(source) {
		if v == target {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
