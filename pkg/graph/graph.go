// Package graph provides the immutable-after-load graph model for one binary
// side of a diff: a CallGraph of functions and one FlowGraph of basic blocks
// per function. Graphs are built once by the ingestion layer, annotated with
// fingerprints, and treated as read-only for the lifetime of a matching run.
package graph

import (
	"sort"
)

// Address is a virtual address inside a binary.
type Address uint64

// VertexID identifies a vertex inside its owning graph. It is an index into
// the graph's vertex slice, never a pointer, so vertices can refer back to
// their owner through a lookup instead of holding one.
type VertexID int

// EdgeKind classifies a control-flow or call edge.
type EdgeKind uint8

const (
	// EdgeUnconditional is a fallthrough or unconditional jump.
	EdgeUnconditional EdgeKind = iota
	// EdgeTrue is the taken branch of a conditional.
	EdgeTrue
	// EdgeFalse is the not-taken branch of a conditional.
	EdgeFalse
	// EdgeSwitch is one arm of a jump table.
	EdgeSwitch
	// EdgeCall is a call edge between two functions.
	EdgeCall
)

// Edge is a directed relation between two vertices of the same graph. Purely
// relational; adjacency lists are derived from the edge set at build time.
type Edge struct {
	Source VertexID
	Target VertexID
	Kind   EdgeKind
}

// Instruction is one normalized instruction. The ingestion collaborator is
// responsible for normalization: mnemonics are lower-cased instruction
// classes, operands have literal constants and register allocation already
// quotiented out where the exporter considers them irrelevant.
type Instruction struct {
	Mnemonic string
	Operands string
}

// BasicBlock is a flow-graph vertex: one maximal straight-line instruction
// sequence. Fingerprint fields are zero until fingerprint annotation runs.
type BasicBlock struct {
	Address      Address
	Instructions []Instruction

	// StringRefs are the string literals referenced by this block, in
	// reference order. CallTargets are entry addresses of functions called
	// from this block, in call order.
	StringRefs  []string
	CallTargets []Address

	// Precomputed fingerprints, filled in by the fingerprint package.
	Prime      uint64
	Hash       uint64
	StringHash uint64
}

// Function is a call-graph vertex. Counts and fingerprints mirror the
// function's flow graph and are filled in during fingerprint annotation.
type Function struct {
	Address Address
	Name    string

	BasicBlockCount  int
	EdgeCount        int
	InstructionCount int

	// Hash is the MD-index style structural hash of the function's flow
	// graph. StringHash covers every string referenced anywhere in it.
	Hash       uint64
	StringHash uint64
}

// FlowGraph owns the basic blocks and control-flow edges of one function.
type FlowGraph struct {
	// FunctionAddress is the entry address of the owning function; it doubles
	// as the weak back-reference into the call graph.
	FunctionAddress Address
	Name            string

	Blocks []BasicBlock
	Edges  []Edge

	succ [][]VertexID
	pred [][]VertexID
}

// NewFlowGraph builds a flow graph and its adjacency lists. Edges must
// reference valid block indices; Validate reports violations.
func NewFlowGraph(functionAddress Address, name string, blocks []BasicBlock, edges []Edge) *FlowGraph {
	fg := &FlowGraph{
		FunctionAddress: functionAddress,
		Name:            name,
		Blocks:          blocks,
		Edges:           edges,
	}
	fg.buildAdjacency()
	return fg
}

func (fg *FlowGraph) buildAdjacency() {
	fg.succ = make([][]VertexID, len(fg.Blocks))
	fg.pred = make([][]VertexID, len(fg.Blocks))
	for _, e := range fg.Edges {
		if int(e.Source) < 0 || int(e.Source) >= len(fg.Blocks) ||
			int(e.Target) < 0 || int(e.Target) >= len(fg.Blocks) {
			// Left for Validate to report; adjacency skips the bad edge so
			// queries never index out of range.
			continue
		}
		fg.succ[e.Source] = append(fg.succ[e.Source], e.Target)
		fg.pred[e.Target] = append(fg.pred[e.Target], e.Source)
	}
	for v := range fg.succ {
		sortVertices(fg.succ[v])
		sortVertices(fg.pred[v])
	}
}

// VertexCount returns the number of basic blocks.
func (fg *FlowGraph) VertexCount() int { return len(fg.Blocks) }

// InstructionCount returns the instruction count of one block.
func (fg *FlowGraph) InstructionCount(v VertexID) int {
	return len(fg.Blocks[v].Instructions)
}

// TotalInstructionCount sums instruction counts over all blocks.
func (fg *FlowGraph) TotalInstructionCount() int {
	total := 0
	for i := range fg.Blocks {
		total += len(fg.Blocks[i].Instructions)
	}
	return total
}

// Successors returns the successor blocks of v in address-sorted order.
func (fg *FlowGraph) Successors(v VertexID) []VertexID { return fg.succ[v] }

// Predecessors returns the predecessor blocks of v in address-sorted order.
func (fg *FlowGraph) Predecessors(v VertexID) []VertexID { return fg.pred[v] }

// EntryVertex returns the block whose address equals the function entry, or
// vertex 0 when no block carries the entry address.
func (fg *FlowGraph) EntryVertex() (VertexID, bool) {
	if len(fg.Blocks) == 0 {
		return 0, false
	}
	for i := range fg.Blocks {
		if fg.Blocks[i].Address == fg.FunctionAddress {
			return VertexID(i), true
		}
	}
	return 0, true
}

// CallGraph owns the function vertices and call edges of one whole binary.
type CallGraph struct {
	// ExeName is the display name of the binary this graph was extracted from.
	ExeName string

	Functions []Function
	Edges     []Edge

	succ [][]VertexID
	pred [][]VertexID

	byAddress map[Address]VertexID
}

// NewCallGraph builds a call graph with adjacency and address lookup.
func NewCallGraph(exeName string, functions []Function, edges []Edge) *CallGraph {
	cg := &CallGraph{
		ExeName:   exeName,
		Functions: functions,
		Edges:     edges,
		byAddress: make(map[Address]VertexID, len(functions)),
	}
	for i := range functions {
		cg.byAddress[functions[i].Address] = VertexID(i)
	}
	cg.succ = make([][]VertexID, len(functions))
	cg.pred = make([][]VertexID, len(functions))
	for _, e := range edges {
		if int(e.Source) < 0 || int(e.Source) >= len(functions) ||
			int(e.Target) < 0 || int(e.Target) >= len(functions) {
			continue
		}
		cg.succ[e.Source] = append(cg.succ[e.Source], e.Target)
		cg.pred[e.Target] = append(cg.pred[e.Target], e.Source)
	}
	for v := range cg.succ {
		sortVertices(cg.succ[v])
		sortVertices(cg.pred[v])
	}
	return cg
}

// VertexCount returns the number of functions.
func (cg *CallGraph) VertexCount() int { return len(cg.Functions) }

// VertexByAddress resolves a function entry address to its vertex.
func (cg *CallGraph) VertexByAddress(addr Address) (VertexID, bool) {
	v, ok := cg.byAddress[addr]
	return v, ok
}

// Callees returns the functions called by v, in address-sorted order.
func (cg *CallGraph) Callees(v VertexID) []VertexID { return cg.succ[v] }

// Callers returns the functions calling v, in address-sorted order.
func (cg *CallGraph) Callers(v VertexID) []VertexID { return cg.pred[v] }

// Binary aggregates everything loaded for one side of a diff: the call graph
// plus one flow graph per function that has a body.
type Binary struct {
	CallGraph  *CallGraph
	FlowGraphs map[Address]*FlowGraph
}

// FlowGraphFor returns the flow graph of the function at vertex v, if the
// function has a body. Imported and thunk functions have none.
func (b *Binary) FlowGraphFor(v VertexID) (*FlowGraph, bool) {
	if v < 0 || int(v) >= len(b.CallGraph.Functions) {
		return nil, false
	}
	fg, ok := b.FlowGraphs[b.CallGraph.Functions[v].Address]
	return fg, ok
}

func sortVertices(vs []VertexID) {
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
}
