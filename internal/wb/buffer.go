// Package wb implements the write buffer and the grain-packing half of the
// flush pipeline (spec.md §4.2's Stage A). The mapping-update and flush
// stages (B and C) need the translation cache, line manager, OOB table and
// backing store all at once, so they live in internal/ftl, which is the
// only package that imports all of those; wb stays a leaf package, the way
// the teacher's bufmgr.go has no dependency on the B-tree logic that drives
// it.
package wb

import "github.com/ryogrid/dftl-kvssd/internal/container"

// Entry is one buffered key/value pair awaiting flush.
type Entry struct {
	Key   []byte
	Value []byte

	Hash   uint64 // hash(key), computed once at insert
	TryCnt uint32 // not updated: the flush's probe loop keeps its own retry count

	// Offset is assigned by Stage A (PackPages), PPA by the flush once the
	// page has an address; Length is set when the entry is buffered.
	PPA    uint64
	Offset uint32
	Length uint32 // grain count
}

// Buffer is the skiplist-backed write buffer, bounded to flushSize entries
// (spec.md §3 "Write buffer (WB)").
type Buffer struct {
	sl        *container.Skiplist[*Entry]
	flushSize uint32
}

// New returns an empty Buffer bounded to flushSize entries.
func New(flushSize uint32, seed int64) *Buffer {
	return &Buffer{sl: container.NewSkiplist[*Entry](seed), flushSize: flushSize}
}

// Put inserts or overwrites the entry for key, coalescing in place if the
// key is already buffered and unflushed.
func (b *Buffer) Put(e *Entry) { b.sl.Put(e.Key, e) }

// Get returns the buffered entry for key, if any (the read path's WB
// probe, spec.md §4.3 step 2).
func (b *Buffer) Get(key []byte) (*Entry, bool) { return b.sl.Get(key) }

// Delete removes key from the buffer, reporting whether it was present.
func (b *Buffer) Delete(key []byte) bool { return b.sl.Delete(key) }

// Len reports the number of buffered entries.
func (b *Buffer) Len() int { return b.sl.Len() }

// Full reports whether the buffer has reached its configured flush size.
func (b *Buffer) Full() bool { return uint32(b.sl.Len()) >= b.flushSize }

// Each walks buffered entries in key order.
func (b *Buffer) Each(fn func(*Entry)) {
	b.sl.Each(func(_ []byte, e *Entry) { fn(e) })
}

// Reset empties the buffer after a successful flush.
func (b *Buffer) Reset() { b.sl.Reset() }

// Drain returns every buffered entry and empties the buffer, the shape
// Stage A needs to pack everything in one pass.
func (b *Buffer) Drain() []*Entry {
	entries := make([]*Entry, 0, b.sl.Len())
	b.Each(func(e *Entry) { entries = append(entries, e) })
	b.Reset()
	return entries
}
