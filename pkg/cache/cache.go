// Package cache stores computed fingerprints on disk, keyed by the content
// hash of the exchange file they were derived from. Fingerprinting a large
// binary dominates load time, and the inputs to a diff rarely change between
// runs; a hit replaces the whole annotation pass with one msgpack decode.
package cache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/xxh3"

	"github.com/l3aro/bindelta/pkg/graph"
)

// formatVersion guards the on-disk record layout. Bump it whenever the
// fingerprint definitions change; stale entries then simply miss.
const formatVersion = 2

// ErrMismatch is returned when a cached record does not line up with the
// binary it is applied to. Callers treat it as a miss and recompute.
var ErrMismatch = errors.New("cached fingerprints do not match binary shape")

// Key is the cache key for one exchange file: the hash of its raw bytes.
func Key(data []byte) uint64 {
	return xxh3.Hash(data)
}

// BlockPrints carries the fingerprints of one basic block, in vertex order.
type BlockPrints struct {
	Prime      uint64 `msgpack:"prime"`
	Hash       uint64 `msgpack:"hash"`
	StringHash uint64 `msgpack:"string_hash"`
}

// FunctionPrints carries the derived fields of one function and its blocks.
type FunctionPrints struct {
	Address          uint64        `msgpack:"address"`
	Hash             uint64        `msgpack:"hash"`
	StringHash       uint64        `msgpack:"string_hash"`
	BasicBlockCount  int           `msgpack:"block_count"`
	EdgeCount        int           `msgpack:"edge_count"`
	InstructionCount int           `msgpack:"instruction_count"`
	Blocks           []BlockPrints `msgpack:"blocks,omitempty"`
}

// Record is one cache entry: the complete fingerprint set of one binary.
type Record struct {
	Version   int              `msgpack:"version"`
	Functions []FunctionPrints `msgpack:"functions"`
}

// FromBinary captures the fingerprints of an annotated binary.
func FromBinary(b *graph.Binary) *Record {
	rec := &Record{
		Version:   formatVersion,
		Functions: make([]FunctionPrints, len(b.CallGraph.Functions)),
	}
	for i, fn := range b.CallGraph.Functions {
		fp := FunctionPrints{
			Address:          uint64(fn.Address),
			Hash:             fn.Hash,
			StringHash:       fn.StringHash,
			BasicBlockCount:  fn.BasicBlockCount,
			EdgeCount:        fn.EdgeCount,
			InstructionCount: fn.InstructionCount,
		}
		if fg, ok := b.FlowGraphs[fn.Address]; ok {
			fp.Blocks = make([]BlockPrints, len(fg.Blocks))
			for j := range fg.Blocks {
				blk := &fg.Blocks[j]
				fp.Blocks[j] = BlockPrints{Prime: blk.Prime, Hash: blk.Hash, StringHash: blk.StringHash}
			}
		}
		rec.Functions[i] = fp
	}
	return rec
}

// Apply writes a cached record's fingerprints back onto an unannotated
// binary. The record must describe a binary of exactly the same shape;
// anything else returns ErrMismatch and leaves the binary partially written,
// so callers must re-annotate on error.
func Apply(rec *Record, b *graph.Binary) error {
	if rec.Version != formatVersion {
		return fmt.Errorf("%w: version %d", ErrMismatch, rec.Version)
	}
	if len(rec.Functions) != len(b.CallGraph.Functions) {
		return fmt.Errorf("%w: %d functions cached, %d present", ErrMismatch, len(rec.Functions), len(b.CallGraph.Functions))
	}
	for i := range rec.Functions {
		fp := &rec.Functions[i]
		fn := &b.CallGraph.Functions[i]
		if fp.Address != uint64(fn.Address) {
			return fmt.Errorf("%w: function %d at %x, cached %x", ErrMismatch, i, fn.Address, fp.Address)
		}
		fg, ok := b.FlowGraphs[fn.Address]
		if !ok {
			if len(fp.Blocks) != 0 {
				return fmt.Errorf("%w: cached blocks for bodyless function %x", ErrMismatch, fn.Address)
			}
			continue
		}
		if len(fp.Blocks) != len(fg.Blocks) {
			return fmt.Errorf("%w: function %x: %d blocks cached, %d present", ErrMismatch, fn.Address, len(fp.Blocks), len(fg.Blocks))
		}
		for j := range fp.Blocks {
			blk := &fg.Blocks[j]
			blk.Prime = fp.Blocks[j].Prime
			blk.Hash = fp.Blocks[j].Hash
			blk.StringHash = fp.Blocks[j].StringHash
		}
		fn.Hash = fp.Hash
		fn.StringHash = fp.StringHash
		fn.BasicBlockCount = fp.BasicBlockCount
		fn.EdgeCount = fp.EdgeCount
		fn.InstructionCount = fp.InstructionCount
	}
	return nil
}

// Store is a directory of fingerprint records with a small in-memory layer
// over it, so both sides of a diff and repeated lookups in one process hit
// memory. Safe for concurrent use.
type Store struct {
	dir        string
	maxEntries int

	mu    sync.Mutex
	items map[uint64]*listItem
	lru   list
}

// listItem is a node of the in-memory recency list.
type listItem struct {
	key    uint64
	record *Record
	prev   *listItem
	next   *listItem
}

// list keeps the most recently used entry at the front.
type list struct {
	head *listItem
	tail *listItem
	len  int
}

func (l *list) pushFront(item *listItem) {
	item.next = l.head
	item.prev = nil
	if l.head != nil {
		l.head.prev = item
	}
	l.head = item
	if l.tail == nil {
		l.tail = item
	}
	l.len++
}

func (l *list) moveToFront(item *listItem) {
	if item == l.head {
		return
	}
	if item.prev != nil {
		item.prev.next = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	}
	if item == l.tail {
		l.tail = item.prev
	}
	item.prev = nil
	item.next = l.head
	if l.head != nil {
		l.head.prev = item
	}
	l.head = item
	if l.tail == nil {
		l.tail = item
	}
}

func (l *list) removeBack() *listItem {
	if l.tail == nil {
		return nil
	}
	item := l.tail
	l.tail = item.prev
	if l.tail != nil {
		l.tail.next = nil
	} else {
		l.head = nil
	}
	l.len--
	return item
}

// NewStore opens (creating if necessary) a cache directory. maxEntries
// bounds the in-memory layer only; the directory itself is never pruned
// automatically.
func NewStore(dir string, maxEntries int) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory %s: %w", dir, err)
	}
	if maxEntries <= 0 {
		maxEntries = 16
	}
	return &Store{
		dir:        dir,
		maxEntries: maxEntries,
		items:      make(map[uint64]*listItem),
	}, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string { return s.dir }

// Len returns the number of in-memory entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.len
}

func (s *Store) path(key uint64) string {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(key >> (56 - 8*i))
	}
	return filepath.Join(s.dir, hex.EncodeToString(buf[:])+".fpc")
}

// Lookup returns the cached record for key, consulting memory first and the
// directory second. A missing or undecodable file is a miss, never an error.
func (s *Store) Lookup(key uint64) (*Record, bool) {
	s.mu.Lock()
	if item, ok := s.items[key]; ok {
		s.lru.moveToFront(item)
		rec := item.record
		s.mu.Unlock()
		return rec, true
	}
	s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, false
	}
	var rec Record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	if rec.Version != formatVersion {
		return nil, false
	}
	s.remember(key, &rec)
	return &rec, true
}

// Put writes a record for key to the directory and the in-memory layer. A
// failed disk write is reported but does not invalidate the memory entry.
func (s *Store) Put(key uint64, rec *Record) error {
	s.remember(key, rec)

	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding cache record: %w", err)
	}
	if err := os.WriteFile(s.path(key), data, 0644); err != nil {
		return fmt.Errorf("writing cache record: %w", err)
	}
	return nil
}

func (s *Store) remember(key uint64, rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.items[key]; ok {
		item.record = rec
		s.lru.moveToFront(item)
		return
	}
	item := &listItem{key: key, record: rec}
	s.items[key] = item
	s.lru.pushFront(item)
	for s.lru.len > s.maxEntries {
		evicted := s.lru.removeBack()
		if evicted == nil {
			break
		}
		delete(s.items, evicted.key)
	}
}
