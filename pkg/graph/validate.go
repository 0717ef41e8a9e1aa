package graph

import (
	"errors"
	"fmt"
)

// ErrInvalidGraph is wrapped by every validation failure. Matching never runs
// against a graph that fails validation.
var ErrInvalidGraph = errors.New("invalid graph")

// Validate checks the structural integrity of one flow graph: in-range edge
// endpoints and unique block addresses.
func (fg *FlowGraph) Validate() error {
	seen := make(map[Address]bool, len(fg.Blocks))
	for i := range fg.Blocks {
		addr := fg.Blocks[i].Address
		if seen[addr] {
			return fmt.Errorf("%w: flow graph %x: duplicate basic block address %x", ErrInvalidGraph, fg.FunctionAddress, addr)
		}
		seen[addr] = true
	}
	for _, e := range fg.Edges {
		if int(e.Source) < 0 || int(e.Source) >= len(fg.Blocks) {
			return fmt.Errorf("%w: flow graph %x: edge source %d out of range", ErrInvalidGraph, fg.FunctionAddress, e.Source)
		}
		if int(e.Target) < 0 || int(e.Target) >= len(fg.Blocks) {
			return fmt.Errorf("%w: flow graph %x: edge target %d out of range", ErrInvalidGraph, fg.FunctionAddress, e.Target)
		}
	}
	return nil
}

// Validate checks the structural integrity of the call graph.
func (cg *CallGraph) Validate() error {
	seen := make(map[Address]bool, len(cg.Functions))
	for i := range cg.Functions {
		addr := cg.Functions[i].Address
		if seen[addr] {
			return fmt.Errorf("%w: call graph %q: duplicate function address %x", ErrInvalidGraph, cg.ExeName, addr)
		}
		seen[addr] = true
	}
	for _, e := range cg.Edges {
		if int(e.Source) < 0 || int(e.Source) >= len(cg.Functions) {
			return fmt.Errorf("%w: call graph %q: edge source %d out of range", ErrInvalidGraph, cg.ExeName, e.Source)
		}
		if int(e.Target) < 0 || int(e.Target) >= len(cg.Functions) {
			return fmt.Errorf("%w: call graph %q: edge target %d out of range", ErrInvalidGraph, cg.ExeName, e.Target)
		}
	}
	return nil
}

// Validate checks one loaded binary side as a whole: the call graph, every
// flow graph, and the cross-references between them. An empty call graph is
// valid; a flow graph without a corresponding function is not.
func (b *Binary) Validate() error {
	if b.CallGraph == nil {
		return fmt.Errorf("%w: missing call graph", ErrInvalidGraph)
	}
	if err := b.CallGraph.Validate(); err != nil {
		return err
	}
	for addr, fg := range b.FlowGraphs {
		if fg == nil {
			return fmt.Errorf("%w: nil flow graph at %x", ErrInvalidGraph, addr)
		}
		if addr != fg.FunctionAddress {
			return fmt.Errorf("%w: flow graph keyed at %x has function address %x", ErrInvalidGraph, addr, fg.FunctionAddress)
		}
		if _, ok := b.CallGraph.VertexByAddress(addr); !ok {
			return fmt.Errorf("%w: flow graph %x has no call graph function", ErrInvalidGraph, addr)
		}
		if err := fg.Validate(); err != nil {
			return err
		}
	}
	return nil
}
