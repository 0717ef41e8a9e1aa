package match

import (
	"fmt"

	"github.com/l3aro/bindelta/pkg/graph"
)

// CallGraphStep is one function-level matching heuristic. Steps are stateless
// with respect to a particular diff run; they hold only tuning parameters and
// are invoked repeatedly across vertex-set snapshots. FindFixedPoints reports
// whether it added (or, for feedback steps, changed) anything.
type CallGraphStep interface {
	Name() string
	Confidence() float64
	FindFixedPoints(c *Context, primary, secondary graph.VertexSet) (bool, error)
}

// FlowGraphStep is one basic-block-level matching heuristic, scoped to the
// flow graphs of a single function pair.
type FlowGraphStep interface {
	Name() string
	Confidence() float64
	FindBasicBlockMatches(c *Context, fp *FixedPoint, primary, secondary *graph.FlowGraph,
		unmatchedPrimary, unmatchedSecondary graph.VertexSet) (bool, error)
}

// StepSpec selects one step by key, in configured priority order, with its
// tuning parameters. Priority is data: the position in the configured list,
// not anything intrinsic to the step.
type StepSpec struct {
	Key             string
	MinInstructions int
}

// Call-graph step keys.
const (
	StepFunctionNameHash         = "name_hash"
	StepFunctionHash             = "hash"
	StepFunctionStringRefs       = "string_refs"
	StepFunctionInstructionCount = "instruction_count"
	StepFunctionCallSequence     = "call_sequence"
	StepFunctionCallRefs         = "call_refs"
	StepFunctionMatchedBlocks    = "matched_blocks"
)

// Flow-graph step keys.
const (
	StepBasicBlockHash             = "hash"
	StepBasicBlockPrime            = "prime"
	StepBasicBlockCallRefs         = "call_refs"
	StepBasicBlockStringRefs       = "string_refs"
	StepBasicBlockEdgePropagation  = "edge_propagation"
	StepBasicBlockEntryPoint       = "entry_point"
	StepBasicBlockInstructionCount = "instruction_count"
	StepBasicBlockRelativePosition = "relative_position"
)

// DefaultCallGraphSteps is the default function-level priority list, most
// discriminating first.
func DefaultCallGraphSteps() []StepSpec {
	return []StepSpec{
		{Key: StepFunctionNameHash},
		{Key: StepFunctionHash},
		{Key: StepFunctionStringRefs},
		{Key: StepFunctionInstructionCount, MinInstructions: 8},
		{Key: StepFunctionCallSequence},
		{Key: StepFunctionCallRefs},
		{Key: StepFunctionMatchedBlocks},
	}
}

// DefaultFlowGraphSteps is the default basic-block-level priority list.
func DefaultFlowGraphSteps() []StepSpec {
	return []StepSpec{
		{Key: StepBasicBlockHash, MinInstructions: 4},
		{Key: StepBasicBlockPrime, MinInstructions: 4},
		{Key: StepBasicBlockCallRefs},
		{Key: StepBasicBlockStringRefs},
		{Key: StepBasicBlockEdgePropagation},
		{Key: StepBasicBlockEntryPoint},
		{Key: StepBasicBlockInstructionCount},
		{Key: StepBasicBlockRelativePosition},
	}
}

// BuildCallGraphSteps instantiates the configured call-graph steps in order.
func BuildCallGraphSteps(specs []StepSpec) ([]CallGraphStep, error) {
	steps := make([]CallGraphStep, 0, len(specs))
	for _, spec := range specs {
		switch spec.Key {
		case StepFunctionNameHash:
			steps = append(steps, &stepFunctionNameHash{})
		case StepFunctionHash:
			steps = append(steps, &stepFunctionHash{})
		case StepFunctionStringRefs:
			steps = append(steps, &stepFunctionStringRefs{})
		case StepFunctionInstructionCount:
			steps = append(steps, &stepFunctionInstructionCount{minInstructions: spec.MinInstructions})
		case StepFunctionCallSequence:
			steps = append(steps, &stepFunctionCallSequence{})
		case StepFunctionCallRefs:
			steps = append(steps, &stepFunctionCallRefs{})
		case StepFunctionMatchedBlocks:
			steps = append(steps, &stepFunctionMatchedBlocks{})
		default:
			return nil, fmt.Errorf("unknown call graph step %q", spec.Key)
		}
	}
	return steps, nil
}

// BuildFlowGraphSteps instantiates the configured flow-graph steps in order.
func BuildFlowGraphSteps(specs []StepSpec) ([]FlowGraphStep, error) {
	steps := make([]FlowGraphStep, 0, len(specs))
	for _, spec := range specs {
		switch spec.Key {
		case StepBasicBlockHash:
			steps = append(steps, &stepBasicBlockHash{minInstructions: spec.MinInstructions})
		case StepBasicBlockPrime:
			steps = append(steps, &stepBasicBlockPrime{minInstructions: spec.MinInstructions})
		case StepBasicBlockCallRefs:
			steps = append(steps, &stepBasicBlockCallRefs{})
		case StepBasicBlockStringRefs:
			steps = append(steps, &stepBasicBlockStringRefs{})
		case StepBasicBlockEdgePropagation:
			steps = append(steps, &stepBasicBlockEdgePropagation{})
		case StepBasicBlockEntryPoint:
			steps = append(steps, &stepBasicBlockEntryPoint{})
		case StepBasicBlockInstructionCount:
			steps = append(steps, &stepBasicBlockInstructionCount{})
		case StepBasicBlockRelativePosition:
			steps = append(steps, &stepBasicBlockRelativePosition{})
		default:
			return nil, fmt.Errorf("unknown flow graph step %q", spec.Key)
		}
	}
	return steps, nil
}
