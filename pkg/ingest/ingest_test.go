package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l3aro/bindelta/pkg/cache"
	"github.com/l3aro/bindelta/pkg/graph"
)

func sampleFile() *File {
	return &File{
		ExeName: "sample.exe",
		Functions: []FunctionRecord{
			{
				Address: 0x401000,
				Name:    "main",
				Blocks: []BlockRecord{
					{
						Address: 0x401000,
						Instructions: []InstructionRecord{
							{Mnemonic: "push", Operands: "rbp"},
							{Mnemonic: "mov", Operands: "rbp, rsp"},
							{Mnemonic: "call"},
						},
						StringRefs:  []string{"hello"},
						CallTargets: []uint64{0x402000},
					},
					{
						Address: 0x401010,
						Instructions: []InstructionRecord{
							{Mnemonic: "pop", Operands: "rbp"},
							{Mnemonic: "ret"},
						},
					},
				},
				Edges: []EdgeRecord{{Source: 0, Target: 1, Kind: uint8(graph.EdgeUnconditional)}},
			},
			{
				Address: 0x402000,
				Name:    "helper",
				Blocks: []BlockRecord{
					{
						Address: 0x402000,
						Instructions: []InstructionRecord{
							{Mnemonic: "xor", Operands: "eax, eax"},
							{Mnemonic: "ret"},
						},
					},
				},
			},
			{Address: 0x403000, Name: "imp_printf"}, // bodyless import
		},
		CallEdges: []CallEdgeRecord{{Caller: 0x401000, Callee: 0x402000}},
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.bde")
	require.NoError(t, Write(path, sampleFile()))

	b, err := Load(context.Background(), path)
	require.NoError(t, err)

	cg := b.CallGraph
	assert.Equal(t, "sample.exe", cg.ExeName)
	require.Equal(t, 3, cg.VertexCount())
	assert.Equal(t, "main", cg.Functions[0].Name)

	// One flow graph per function with a body.
	require.Len(t, b.FlowGraphs, 2)
	fg := b.FlowGraphs[0x401000]
	require.NotNil(t, fg)
	assert.Equal(t, 2, fg.VertexCount())
	assert.Equal(t, []graph.VertexID{1}, fg.Successors(0))
	assert.Equal(t, []string{"hello"}, fg.Blocks[0].StringRefs)

	// The call edge survives as a graph edge.
	callee, ok := cg.VertexByAddress(0x402000)
	require.True(t, ok)
	assert.Equal(t, []graph.VertexID{callee}, cg.Callees(0))

	// Loading fingerprints everything with a body.
	assert.NotZero(t, fg.Blocks[0].Prime)
	assert.NotZero(t, fg.Blocks[0].Hash)
	assert.NotZero(t, cg.Functions[0].Hash)
	assert.Equal(t, 5, cg.Functions[0].InstructionCount)
	assert.Zero(t, cg.Functions[2].Hash)
}

func TestLoadRejectsNewerFormatVersion(t *testing.T) {
	file := sampleFile()
	file.Version = FormatVersion + 1

	path := filepath.Join(t.TempDir(), "future.bde")
	require.NoError(t, Write(path, file))

	_, err := Load(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format version")
}

func TestBuildRejectsUnknownCallEdgeTarget(t *testing.T) {
	file := sampleFile()
	file.CallEdges = append(file.CallEdges, CallEdgeRecord{Caller: 0x401000, Callee: 0xdead})

	_, err := Build(file)
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrInvalidGraph)
}

func TestBuildRejectsOutOfRangeFlowEdge(t *testing.T) {
	file := sampleFile()
	file.Functions[0].Edges = append(file.Functions[0].Edges, EdgeRecord{Source: 0, Target: 7})

	_, err := Build(file)
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrInvalidGraph)
}

func TestLoadCachedReusesFingerprints(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.bde")
	require.NoError(t, Write(path, sampleFile()))

	store, err := cache.NewStore(filepath.Join(dir, "cache"), 4)
	require.NoError(t, err)

	first, err := LoadCached(context.Background(), path, store)
	require.NoError(t, err)

	// Second load hits the cache; the fingerprints must be identical to the
	// computed ones.
	second, err := LoadCached(context.Background(), path, store)
	require.NoError(t, err)
	assert.Equal(t, first.CallGraph.Functions, second.CallGraph.Functions)
	assert.Equal(t, first.FlowGraphs[0x401000].Blocks, second.FlowGraphs[0x401000].Blocks)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope.bde"))
	assert.Error(t, err)
}
