// Package ingest loads the graph exchange files produced by the disassembly
// collaborator. A .bde file carries one binary side: every function with its
// basic blocks, normalized instruction sequences, string references and call
// targets, plus the call edges between functions. Loading validates the
// graphs and annotates them with fingerprints, so a loaded Binary is ready
// for matching as-is.
package ingest

import (
	"context"
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/l3aro/bindelta/pkg/cache"
	"github.com/l3aro/bindelta/pkg/fingerprint"
	"github.com/l3aro/bindelta/pkg/graph"
)

// FormatVersion is the current exchange format version. Loading rejects
// files written by a newer exporter.
const FormatVersion = 1

// File is the top-level record of a .bde exchange file.
type File struct {
	Version   int              `msgpack:"version"`
	ExeName   string           `msgpack:"exe_name"`
	Functions []FunctionRecord `msgpack:"functions"`
	CallEdges []CallEdgeRecord `msgpack:"call_edges"`
}

// FunctionRecord is one function with its flow graph. Functions without a
// body (imports, thunks) carry no blocks.
type FunctionRecord struct {
	Address uint64        `msgpack:"address"`
	Name    string        `msgpack:"name"`
	Blocks  []BlockRecord `msgpack:"blocks"`
	Edges   []EdgeRecord  `msgpack:"edges"`
}

// BlockRecord is one basic block.
type BlockRecord struct {
	Address      uint64              `msgpack:"address"`
	Instructions []InstructionRecord `msgpack:"instructions"`
	StringRefs   []string            `msgpack:"string_refs,omitempty"`
	CallTargets  []uint64            `msgpack:"call_targets,omitempty"`
}

// InstructionRecord is one normalized instruction.
type InstructionRecord struct {
	Mnemonic string `msgpack:"mnemonic"`
	Operands string `msgpack:"operands,omitempty"`
}

// EdgeRecord is one control-flow edge between block indices.
type EdgeRecord struct {
	Source int   `msgpack:"source"`
	Target int   `msgpack:"target"`
	Kind   uint8 `msgpack:"kind"`
}

// CallEdgeRecord is one call edge between function entry addresses.
type CallEdgeRecord struct {
	Caller uint64 `msgpack:"caller"`
	Callee uint64 `msgpack:"callee"`
}

// Load reads a .bde file, builds the graph model, validates it and computes
// all fingerprints. The context bounds the fingerprinting fan-out.
func Load(ctx context.Context, path string) (*graph.Binary, error) {
	return LoadCached(ctx, path, nil)
}

// LoadCached is Load with an optional fingerprint cache. On a content hash
// hit the stored fingerprints are applied instead of being recomputed; a
// record that no longer fits the file falls back to recomputation and
// replaces the stale entry. A nil store disables caching.
func LoadCached(ctx context.Context, path string, store *cache.Store) (*graph.Binary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var file File
	if err := msgpack.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if file.Version > FormatVersion {
		return nil, fmt.Errorf("%s: unsupported format version %d (newest supported: %d)", path, file.Version, FormatVersion)
	}

	binary, err := Build(&file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	key := cache.Key(data)
	if store != nil {
		if rec, ok := store.Lookup(key); ok {
			if err := cache.Apply(rec, binary); err == nil {
				return binary, nil
			}
			// Stale or corrupt entry; fall through and overwrite it.
		}
	}

	if err := fingerprint.AnnotateBinary(ctx, binary); err != nil {
		return nil, fmt.Errorf("fingerprinting %s: %w", path, err)
	}
	if store != nil {
		// A failed cache write costs the next run a recomputation, nothing
		// more; it never fails the load.
		_ = store.Put(key, cache.FromBinary(binary))
	}
	return binary, nil
}

// Build turns a decoded exchange file into the graph model and validates it.
// Fingerprints are not computed; Load does that, and tests that construct
// files directly call fingerprint.AnnotateBinary themselves.
func Build(file *File) (*graph.Binary, error) {
	functions := make([]graph.Function, len(file.Functions))
	flowGraphs := make(map[graph.Address]*graph.FlowGraph, len(file.Functions))

	for i, fn := range file.Functions {
		addr := graph.Address(fn.Address)
		functions[i] = graph.Function{Address: addr, Name: fn.Name}
		if len(fn.Blocks) == 0 {
			continue
		}

		blocks := make([]graph.BasicBlock, len(fn.Blocks))
		for j, b := range fn.Blocks {
			instructions := make([]graph.Instruction, len(b.Instructions))
			for k, ins := range b.Instructions {
				instructions[k] = graph.Instruction{Mnemonic: ins.Mnemonic, Operands: ins.Operands}
			}
			targets := make([]graph.Address, len(b.CallTargets))
			for k, t := range b.CallTargets {
				targets[k] = graph.Address(t)
			}
			blocks[j] = graph.BasicBlock{
				Address:      graph.Address(b.Address),
				Instructions: instructions,
				StringRefs:   b.StringRefs,
				CallTargets:  targets,
			}
		}
		edges := make([]graph.Edge, len(fn.Edges))
		for j, e := range fn.Edges {
			edges[j] = graph.Edge{
				Source: graph.VertexID(e.Source),
				Target: graph.VertexID(e.Target),
				Kind:   graph.EdgeKind(e.Kind),
			}
		}
		flowGraphs[addr] = graph.NewFlowGraph(addr, fn.Name, blocks, edges)
	}

	byAddress := make(map[graph.Address]graph.VertexID, len(functions))
	for i := range functions {
		byAddress[functions[i].Address] = graph.VertexID(i)
	}
	callEdges := make([]graph.Edge, 0, len(file.CallEdges))
	for _, e := range file.CallEdges {
		caller, ok1 := byAddress[graph.Address(e.Caller)]
		callee, ok2 := byAddress[graph.Address(e.Callee)]
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: call edge %x -> %x references unknown function",
				graph.ErrInvalidGraph, e.Caller, e.Callee)
		}
		callEdges = append(callEdges, graph.Edge{Source: caller, Target: callee, Kind: graph.EdgeCall})
	}

	binary := &graph.Binary{
		CallGraph:  graph.NewCallGraph(file.ExeName, functions, callEdges),
		FlowGraphs: flowGraphs,
	}
	if err := binary.Validate(); err != nil {
		return nil, err
	}
	return binary, nil
}

// Write serializes an exchange file. Exporters and tests use it; the matching
// core itself never writes graphs.
func Write(path string, file *File) error {
	if file.Version == 0 {
		file.Version = FormatVersion
	}
	data, err := msgpack.Marshal(file)
	if err != nil {
		return fmt.Errorf("encoding exchange file: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
