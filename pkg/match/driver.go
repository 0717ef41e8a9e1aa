package match

import (
	"context"
	"fmt"

	"github.com/l3aro/bindelta/internal/log"
	"github.com/l3aro/bindelta/pkg/graph"
)

// State is the driver's pipeline state.
type State int

const (
	// StateIdle means Run has not started.
	StateIdle State = iota
	// StateCallGraphPass means function-level steps are executing.
	StateCallGraphPass
	// StateFlowGraphPass means basic-block steps are executing for one
	// freshly created function pair.
	StateFlowGraphPass
	// StateConverged means no step at either level produces new matches.
	StateConverged
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCallGraphPass:
		return "callgraph-pass"
	case StateFlowGraphPass:
		return "flowgraph-pass"
	case StateConverged:
		return "converged"
	default:
		return "unknown"
	}
}

// Driver runs the registered matching steps in priority order, iterating
// until no step at either level yields new matches. Step execution is
// strictly serialized: one step runs to completion before the next begins,
// and vertex sets are recomputed before every invocation.
type Driver struct {
	callSteps []CallGraphStep
	flowSteps []FlowGraphStep
	logger    log.Logger
	state     State
}

// NewDriver creates a driver over the given step lists. A nil logger falls
// back to the package default.
func NewDriver(callSteps []CallGraphStep, flowSteps []FlowGraphStep, logger log.Logger) *Driver {
	if logger == nil {
		logger = log.Default()
	}
	return &Driver{
		callSteps: callSteps,
		flowSteps: flowSteps,
		logger:    logger,
		state:     StateIdle,
	}
}

// State returns the driver's current pipeline state.
func (d *Driver) State() State { return d.state }

// Run executes the matching pipeline to convergence. Both binaries are
// validated up front; matching never partially runs against an invalid graph.
// The context is the external abort flag, checked between steps and passes
// but never mid-step. On success the matching context holds the complete
// fixed point set; any error leaves no silently-incomplete success state.
func (d *Driver) Run(ctx context.Context, mc *Context) error {
	if err := mc.Primary.Validate(); err != nil {
		return fmt.Errorf("primary: %w", err)
	}
	if err := mc.Secondary.Validate(); err != nil {
		return fmt.Errorf("secondary: %w", err)
	}

	// Every productive pass adds at least one fixed point, one block match,
	// or one score change; all three are bounded, so so is the pass count.
	maxPasses := minInt(mc.Primary.CallGraph.VertexCount(), mc.Secondary.CallGraph.VertexCount()) + totalBlocks(mc.Primary) + 2

	d.state = StateCallGraphPass
	pass := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		added := false
		for _, step := range d.callSteps {
			if err := ctx.Err(); err != nil {
				return err
			}
			primary := mc.UnmatchedPrimaryFunctions()
			secondary := mc.UnmatchedSecondaryFunctions()
			ok, err := step.FindFixedPoints(mc, primary, secondary)
			if err != nil {
				return fmt.Errorf("step %q: %w", step.Name(), err)
			}
			if ok {
				added = true
			}
			d.logger.Debug("call graph step finished", "step", step.Name(), "added", ok, "fixed_points", mc.FixedPointCount())

			// Every new function pair immediately gets its own flow graph
			// pass; the block matches it produces feed the remaining call
			// graph steps of this same pass.
			for _, fp := range mc.takeFresh() {
				d.state = StateFlowGraphPass
				if err := d.flowPass(ctx, mc, fp); err != nil {
					d.state = StateCallGraphPass
					return err
				}
				d.state = StateCallGraphPass
			}
		}
		pass++
		if !added {
			break
		}
		if pass > maxPasses {
			return fmt.Errorf("pipeline did not converge after %d passes", pass)
		}
	}

	d.state = StateConverged
	d.logger.Info("matching converged",
		"passes", pass,
		"fixed_points", mc.FixedPointCount(),
		"primary_functions", mc.Primary.CallGraph.VertexCount(),
		"secondary_functions", mc.Secondary.CallGraph.VertexCount())
	return nil
}

// flowPass runs the full ordered flow graph step list against one function
// pair, repeating until a complete pass adds zero new block matches, then
// recomputes the pair's scores.
func (d *Driver) flowPass(ctx context.Context, mc *Context, fp *FixedPoint) error {
	pfg, pok := mc.Primary.FlowGraphFor(fp.Primary)
	sfg, sok := mc.Secondary.FlowGraphFor(fp.Secondary)
	if !pok || !sok {
		computeScores(mc, fp)
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		added := false
		for _, step := range d.flowSteps {
			unmatchedPrimary := unmatchedBlocks(pfg, fp.HasPrimaryBlock)
			unmatchedSecondary := unmatchedBlocks(sfg, fp.HasSecondaryBlock)
			ok, err := step.FindBasicBlockMatches(mc, fp, pfg, sfg, unmatchedPrimary, unmatchedSecondary)
			if err != nil {
				return fmt.Errorf("step %q: %w", step.Name(), err)
			}
			if ok {
				added = true
			}
		}
		if !added {
			break
		}
	}

	computeScores(mc, fp)
	d.logger.Debug("flow graph pass converged",
		"function", fmt.Sprintf("%x", pfg.FunctionAddress),
		"blocks_matched", fp.BasicBlockMatchCount(),
		"similarity", fp.Similarity,
		"confidence", fp.Confidence)
	return nil
}

func unmatchedBlocks(fg *graph.FlowGraph, matched func(graph.VertexID) bool) graph.VertexSet {
	return graph.AllVertices(fg.VertexCount()).Filter(func(v graph.VertexID) bool {
		return !matched(v)
	})
}

func totalBlocks(b *graph.Binary) int {
	total := 0
	for _, fg := range b.FlowGraphs {
		total += fg.VertexCount()
	}
	return total
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
