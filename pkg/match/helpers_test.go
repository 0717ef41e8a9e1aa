package match

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l3aro/bindelta/pkg/fingerprint"
	"github.com/l3aro/bindelta/pkg/graph"
)

// testFunction describes one function for buildTestBinary.
type testFunction struct {
	addr   graph.Address
	name   string
	blocks []testBlock
	edges  [][2]int
}

type testBlock struct {
	mnemonics   []string
	operands    []string
	stringRefs  []string
	callTargets []graph.Address
}

func (b testBlock) instructions() []graph.Instruction {
	ins := make([]graph.Instruction, len(b.mnemonics))
	for i, m := range b.mnemonics {
		ins[i] = graph.Instruction{Mnemonic: m}
		if i < len(b.operands) {
			ins[i].Operands = b.operands[i]
		}
	}
	return ins
}

// buildTestBinary assembles a fingerprinted binary side. Call edges are
// derived from the blocks' call targets.
func buildTestBinary(t *testing.T, exe string, fns ...testFunction) *graph.Binary {
	t.Helper()

	functions := make([]graph.Function, len(fns))
	flowGraphs := make(map[graph.Address]*graph.FlowGraph, len(fns))
	byAddress := make(map[graph.Address]graph.VertexID, len(fns))
	for i, fn := range fns {
		functions[i] = graph.Function{Address: fn.addr, Name: fn.name}
		byAddress[fn.addr] = graph.VertexID(i)
	}

	var callEdges []graph.Edge
	for i, fn := range fns {
		if len(fn.blocks) == 0 {
			continue
		}
		blocks := make([]graph.BasicBlock, len(fn.blocks))
		for j, b := range fn.blocks {
			blocks[j] = graph.BasicBlock{
				Address:      fn.addr + graph.Address(j*0x10),
				Instructions: b.instructions(),
				StringRefs:   b.stringRefs,
				CallTargets:  b.callTargets,
			}
			for _, target := range b.callTargets {
				if callee, ok := byAddress[target]; ok {
					callEdges = append(callEdges, graph.Edge{
						Source: graph.VertexID(i),
						Target: callee,
						Kind:   graph.EdgeCall,
					})
				}
			}
		}
		edges := make([]graph.Edge, len(fn.edges))
		for j, e := range fn.edges {
			edges[j] = graph.Edge{Source: graph.VertexID(e[0]), Target: graph.VertexID(e[1])}
		}
		flowGraphs[fn.addr] = graph.NewFlowGraph(fn.addr, fn.name, blocks, edges)
	}

	b := &graph.Binary{
		CallGraph:  graph.NewCallGraph(exe, functions, callEdges),
		FlowGraphs: flowGraphs,
	}
	require.NoError(t, b.Validate())
	require.NoError(t, fingerprint.AnnotateBinary(context.Background(), b))
	return b
}

// defaultSteps builds both step families from the default specs.
func defaultSteps(t *testing.T) ([]CallGraphStep, []FlowGraphStep) {
	t.Helper()
	callSteps, err := BuildCallGraphSteps(DefaultCallGraphSteps())
	require.NoError(t, err)
	flowSteps, err := BuildFlowGraphSteps(DefaultFlowGraphSteps())
	require.NoError(t, err)
	return callSteps, flowSteps
}

// threeFunctionBinary is a small program: main calls helper and logs a
// string, helper calls leaf.
func threeFunctionBinary(t *testing.T, exe string) *graph.Binary {
	return buildTestBinary(t, exe,
		testFunction{
			addr: 0x1000, name: "main",
			blocks: []testBlock{
				{mnemonics: []string{"push", "mov", "cmp", "jne"}},
				{mnemonics: []string{"lea", "call", "mov"}, stringRefs: []string{"starting up"}, callTargets: []graph.Address{0x2000}},
				{mnemonics: []string{"xor", "pop", "ret"}},
			},
			edges: [][2]int{{0, 1}, {0, 2}, {1, 2}},
		},
		testFunction{
			addr: 0x2000, name: "helper",
			blocks: []testBlock{
				{mnemonics: []string{"push", "test", "jz"}},
				{mnemonics: []string{"call", "add", "pop", "ret"}, callTargets: []graph.Address{0x3000}},
			},
			edges: [][2]int{{0, 1}},
		},
		testFunction{
			addr: 0x3000, name: "leaf",
			blocks: []testBlock{
				{mnemonics: []string{"mov", "shl", "ret"}},
			},
		},
	)
}
