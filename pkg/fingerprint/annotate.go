package fingerprint

import (
	"context"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/l3aro/bindelta/pkg/graph"
)

// AnnotateFlowGraph fills in the fingerprint fields of every basic block in
// fg. Block fingerprints must be present before FunctionHash is meaningful,
// so this runs first.
func AnnotateFlowGraph(fg *graph.FlowGraph) {
	for i := range fg.Blocks {
		b := &fg.Blocks[i]
		b.Prime = BlockPrime(b.Instructions)
		b.Hash = BlockHash(b.Instructions)
		b.StringHash = StringHash(b.StringRefs)
	}
}

// AnnotateBinary fingerprints every flow graph of one binary side and derives
// the function-level counts and hashes from them. Per-function work is
// independent and read-only over the graphs, so it fans out across CPUs; the
// call graph's function records are only written by the goroutine that owns
// that function's address, never shared.
func AnnotateBinary(ctx context.Context, b *graph.Binary) error {
	addrs := make([]graph.Address, 0, len(b.FlowGraphs))
	for addr := range b.FlowGraphs {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, addr := range addrs {
		fg := b.FlowGraphs[addr]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			AnnotateFlowGraph(fg)
			v, ok := b.CallGraph.VertexByAddress(fg.FunctionAddress)
			if !ok {
				// Validate rejects this before annotation is reached.
				return nil
			}
			fn := &b.CallGraph.Functions[v]
			fn.BasicBlockCount = fg.VertexCount()
			fn.EdgeCount = len(fg.Edges)
			fn.InstructionCount = fg.TotalInstructionCount()
			fn.Hash = FunctionHash(fg)
			fn.StringHash = functionStringHash(fg)
			return nil
		})
	}
	return g.Wait()
}

// functionStringHash hashes every string referenced anywhere in the function,
// sorted first so the result ignores block layout.
func functionStringHash(fg *graph.FlowGraph) uint64 {
	var refs []string
	for i := range fg.Blocks {
		refs = append(refs, fg.Blocks[i].StringRefs...)
	}
	sort.Strings(refs)
	return StringHash(refs)
}
