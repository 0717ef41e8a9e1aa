package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l3aro/bindelta/pkg/fingerprint"
	"github.com/l3aro/bindelta/pkg/graph"
)

func annotatedBinary(t *testing.T) *graph.Binary {
	t.Helper()
	blocks := []graph.BasicBlock{
		{Address: 0x1000, Instructions: []graph.Instruction{
			{Mnemonic: "push", Operands: "rbp"},
			{Mnemonic: "cmp"},
			{Mnemonic: "jne"},
		}, StringRefs: []string{"boot"}},
		{Address: 0x1010, Instructions: []graph.Instruction{
			{Mnemonic: "pop", Operands: "rbp"},
			{Mnemonic: "ret"},
		}},
	}
	b := &graph.Binary{
		CallGraph: graph.NewCallGraph("a.exe", []graph.Function{
			{Address: 0x1000, Name: "main"},
			{Address: 0x2000, Name: "imp_exit"},
		}, nil),
		FlowGraphs: map[graph.Address]*graph.FlowGraph{
			0x1000: graph.NewFlowGraph(0x1000, "main", blocks, []graph.Edge{{Source: 0, Target: 1}}),
		},
	}
	require.NoError(t, fingerprint.AnnotateBinary(context.Background(), b))
	return b
}

// stripped returns the same binary with all fingerprints zeroed, as Build
// produces it before annotation.
func stripped(t *testing.T) *graph.Binary {
	t.Helper()
	b := annotatedBinary(t)
	for i := range b.CallGraph.Functions {
		fn := &b.CallGraph.Functions[i]
		fn.Hash, fn.StringHash = 0, 0
		fn.BasicBlockCount, fn.EdgeCount, fn.InstructionCount = 0, 0, 0
	}
	for _, fg := range b.FlowGraphs {
		for i := range fg.Blocks {
			fg.Blocks[i].Prime, fg.Blocks[i].Hash, fg.Blocks[i].StringHash = 0, 0, 0
		}
	}
	return b
}

func TestRecordRoundTrip(t *testing.T) {
	annotated := annotatedBinary(t)
	rec := FromBinary(annotated)

	restored := stripped(t)
	require.NoError(t, Apply(rec, restored))

	assert.Equal(t, annotated.CallGraph.Functions, restored.CallGraph.Functions)
	for addr, fg := range annotated.FlowGraphs {
		assert.Equal(t, fg.Blocks, restored.FlowGraphs[addr].Blocks)
	}
}

func TestApplyRejectsShapeMismatch(t *testing.T) {
	rec := FromBinary(annotatedBinary(t))

	differentCount := stripped(t)
	differentCount.CallGraph.Functions = differentCount.CallGraph.Functions[:1]
	assert.ErrorIs(t, Apply(rec, differentCount), ErrMismatch)

	movedFunction := stripped(t)
	movedFunction.CallGraph.Functions[1].Address = 0x9999
	assert.ErrorIs(t, Apply(rec, movedFunction), ErrMismatch)

	staleVersion := FromBinary(annotatedBinary(t))
	staleVersion.Version = formatVersion - 1
	assert.ErrorIs(t, Apply(staleVersion, stripped(t)), ErrMismatch)
}

func TestStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	rec := FromBinary(annotatedBinary(t))
	key := Key([]byte("exchange file bytes"))

	s1, err := NewStore(dir, 4)
	require.NoError(t, err)
	require.NoError(t, s1.Put(key, rec))

	// A fresh store sees only the directory.
	s2, err := NewStore(dir, 4)
	require.NoError(t, err)
	got, ok := s2.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	_, ok = s2.Lookup(key + 1)
	assert.False(t, ok)
}

func TestStoreIgnoresCorruptEntries(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 4)
	require.NoError(t, err)

	key := Key([]byte("payload"))
	require.NoError(t, os.WriteFile(s.path(key), []byte("not msgpack"), 0644))

	_, ok := s.Lookup(key)
	assert.False(t, ok)
}

func TestStoreEvictsOldestInMemory(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 2)
	require.NoError(t, err)

	rec := FromBinary(annotatedBinary(t))
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, s.Put(i, rec))
	}
	assert.Equal(t, 2, s.Len())

	// The evicted entry is still on disk, so a lookup refills memory.
	_, ok := s.Lookup(0)
	assert.True(t, ok)

	// Only memory is bounded; every record file remains.
	files, err := filepath.Glob(filepath.Join(dir, "*.fpc"))
	require.NoError(t, err)
	assert.Len(t, files, 3)
}
