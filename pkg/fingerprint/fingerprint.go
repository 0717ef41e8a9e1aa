// Package fingerprint derives order-invariant structural signatures for basic
// blocks and functions: the instruction prime product, an xxHash3 content
// hash, string-reference hashes, and an MD-index style structural hash per
// function. Fingerprinting is pure and deterministic given a graph. Equal
// fingerprints are candidate matches only; collisions are resolved by the
// matching heuristics, never trusted as identity.
package fingerprint

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"

	"github.com/l3aro/bindelta/pkg/graph"
)

// primeTableSize is the number of small primes instruction mnemonics are
// mapped onto. Distinct mnemonics may share a prime; that only makes two
// blocks look more alike, which later heuristics tolerate.
const primeTableSize = 512

var primeTable = buildPrimeTable(primeTableSize)

func buildPrimeTable(n int) []uint64 {
	primes := make([]uint64, 0, n)
	for candidate := uint64(2); len(primes) < n; candidate++ {
		isPrime := true
		for _, p := range primes {
			if p*p > candidate {
				break
			}
			if candidate%p == 0 {
				isPrime = false
				break
			}
		}
		if isPrime {
			primes = append(primes, candidate)
		}
	}
	return primes
}

// InstructionPrime maps a normalized mnemonic to a small prime. The mapping
// ignores operands entirely, which is what makes the prime product tolerant
// to register allocation and literal constant differences.
func InstructionPrime(mnemonic string) uint64 {
	return primeTable[xxh3.HashString(mnemonic)%primeTableSize]
}

// BlockPrime returns the prime product of an instruction sequence, computed
// with wrapping uint64 multiplication. Sensitive to instruction content and
// count, insensitive to operands.
func BlockPrime(instructions []graph.Instruction) uint64 {
	product := uint64(1)
	for i := range instructions {
		product *= InstructionPrime(instructions[i].Mnemonic)
	}
	return product
}

// BlockHash returns an order-sensitive hash over the full normalized
// instruction sequence, operands included. Stricter than BlockPrime.
func BlockHash(instructions []graph.Instruction) uint64 {
	h := xxh3.New()
	for i := range instructions {
		_, _ = h.WriteString(instructions[i].Mnemonic)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(instructions[i].Operands)
		_, _ = h.Write([]byte{0xff})
	}
	return h.Sum64()
}

// StringHash hashes a list of referenced strings in reference order. Zero
// means no references, so callers can use the value as a presence check.
func StringHash(refs []string) uint64 {
	if len(refs) == 0 {
		return 0
	}
	h := xxh3.New()
	for _, s := range refs {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// FunctionHash computes the MD-index style structural hash of a flow graph.
// Each block contributes a feature tuple (in-degree, out-degree, distance
// from entry, instruction count, prime); the tuples are combined in a
// layout-independent canonical order so that the hash is stable under basic
// block reordering and small code motion.
func FunctionHash(fg *graph.FlowGraph) uint64 {
	n := fg.VertexCount()
	if n == 0 {
		return 0
	}

	depth := entryDistances(fg)

	features := make([][5]uint64, n)
	for v := 0; v < n; v++ {
		features[v] = [5]uint64{
			uint64(len(fg.Predecessors(graph.VertexID(v)))),
			uint64(len(fg.Successors(graph.VertexID(v)))),
			uint64(depth[v]),
			uint64(fg.InstructionCount(graph.VertexID(v))),
			fg.Blocks[v].Prime,
		}
	}
	sortFeatures(features)

	h := xxh3.New()
	var buf [8]byte
	for _, f := range features {
		for _, field := range f {
			binary.LittleEndian.PutUint64(buf[:], field)
			_, _ = h.Write(buf[:])
		}
	}
	binary.LittleEndian.PutUint64(buf[:], uint64(len(fg.Edges)))
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// entryDistances returns the BFS distance of every block from the entry
// vertex. Unreachable blocks get distance n, which still orders them
// deterministically behind every reachable block.
func entryDistances(fg *graph.FlowGraph) []int {
	n := fg.VertexCount()
	dist := make([]int, n)
	for i := range dist {
		dist[i] = n
	}
	entry, ok := fg.EntryVertex()
	if !ok {
		return dist
	}
	dist[entry] = 0
	queue := []graph.VertexID{entry}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, w := range fg.Successors(v) {
			if dist[w] > dist[v]+1 {
				dist[w] = dist[v] + 1
				queue = append(queue, w)
			}
		}
	}
	return dist
}

func sortFeatures(features [][5]uint64) {
	// Lexicographic sort over the fixed-width tuples.
	less := func(a, b [5]uint64) bool {
		for i := range a {
			if a[i] != b[i] {
				return a[i] < b[i]
			}
		}
		return false
	}
	// Insertion sort keeps this allocation-free; feature counts are the
	// block counts of single functions, which are small.
	for i := 1; i < len(features); i++ {
		for j := i; j > 0 && less(features[j], features[j-1]); j-- {
			features[j], features[j-1] = features[j-1], features[j]
		}
	}
}
