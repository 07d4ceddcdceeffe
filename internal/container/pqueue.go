// Package container implements the generic data structures the rest of the
// FTL is built on: a priority queue (victim-line selection), a slice-backed
// list (free/full line lists), a skiplist (the write buffer),
// and a red-black tree (BPM segment liveness tracking).
//
// These replace the teacher's pointer-chasing, type-specific containers
// (the hash-chained Latchs pool in bufmgr.go) with generic equivalents, in
// the spirit of the original's pqueue.h / data_struct/{heap,list}.c: small,
// intrusive, index-addressed rather than pointer-addressed so the owner can
// be implemented as an arena (see internal/cmt).
package container

import "container/heap"

// PQItem is anything that can sit in a PQueue: it reports its own priority
// and remembers its position so the queue can support change-priority, the
// way the original's victim_line_pq stores `pos` directly on struct line.
type PQItem interface {
	Priority() int64
	SetPos(pos int)
	Pos() int
}

// pqHeap adapts a slice of PQItem to container/heap, ordered as a min-heap
// on Priority(): victim_line_get_pri returns vgc directly and the smallest
// vgc (least valid grains) is popped first, per DESIGN NOTES in SPEC_FULL.md.
type pqHeap[T PQItem] []T

func (h pqHeap[T]) Len() int            { return len(h) }
func (h pqHeap[T]) Less(i, j int) bool  { return h[i].Priority() < h[j].Priority() }
func (h pqHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].SetPos(i)
	h[j].SetPos(j)
}
func (h *pqHeap[T]) Push(x any) {
	item := x.(T)
	item.SetPos(len(*h))
	*h = append(*h, item)
}
func (h *pqHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	item.SetPos(-1)
	return item
}

// PQueue is a min-priority queue over items that track their own heap
// position, supporting O(log n) change-priority without a separate lookup
// index — mirroring pqueue_change_priority(pq, vgc - len, line) in the
// original, which mutates a line already resident in the heap.
type PQueue[T PQItem] struct {
	h pqHeap[T]
}

// NewPQueue returns an empty queue.
func NewPQueue[T PQItem]() *PQueue[T] {
	return &PQueue[T]{h: pqHeap[T]{}}
}

// Len reports the number of queued items.
func (q *PQueue[T]) Len() int { return q.h.Len() }

// Push inserts item, honoring its current Priority().
func (q *PQueue[T]) Push(item T) { heap.Push(&q.h, item) }

// Pop removes and returns the minimum-priority item.
func (q *PQueue[T]) Pop() T { return heap.Pop(&q.h).(T) }

// Peek returns the minimum-priority item without removing it.
func (q *PQueue[T]) Peek() T { return q.h[0] }

// ChangePriority notifies the queue that item's Priority() changed and it
// must be re-sifted. item must already be resident (item.Pos() >= 0).
func (q *PQueue[T]) ChangePriority(item T) {
	heap.Fix(&q.h, item.Pos())
}

// Remove extracts item from the queue given its current position.
func (q *PQueue[T]) Remove(item T) {
	heap.Remove(&q.h, item.Pos())
}

// Each calls fn for every queued item, in arbitrary (heap) order. Used by
// callers that need a full scan rather than priority-ordered pops (e.g.
// the block partition manager's MAP-partition GC-target linear scan).
func (q *PQueue[T]) Each(fn func(T)) {
	for _, item := range q.h {
		fn(item)
	}
}
