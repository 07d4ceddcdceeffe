package cmt

// lruList is an intrusive doubly-linked list over a fixed arena of slot
// indices (0..n-1), used to track CMT residency order without any Go
// pointers: every link is a slot index, so an Entry and the list never
// point at each other directly (spec.md §9 "arena + index"). Two sentinel
// slots (head/tail) simplify the boundary cases.
type lruList struct {
	next, prev []uint32
	head, tail uint32 // sentinel indices, stored past the real slots
}

const lruNil = ^uint32(0)

func newLRUList(n uint32) *lruList {
	size := n + 2
	l := &lruList{
		next: make([]uint32, size),
		prev: make([]uint32, size),
		head: n,
		tail: n + 1,
	}
	l.next[l.head] = l.tail
	l.prev[l.tail] = l.head
	l.next[l.tail] = lruNil
	l.prev[l.head] = lruNil
	return l
}

func (l *lruList) unlink(idx uint32) {
	p, nx := l.prev[idx], l.next[idx]
	l.next[p] = nx
	l.prev[nx] = p
}

// pushFront inserts idx immediately after the head sentinel (most
// recently used position).
func (l *lruList) pushFront(idx uint32) {
	first := l.next[l.head]
	l.next[l.head] = idx
	l.prev[idx] = l.head
	l.next[idx] = first
	l.prev[first] = idx
}

// remove detaches idx from the list.
func (l *lruList) remove(idx uint32) { l.unlink(idx) }

// touch moves idx to the front, marking it most recently used.
func (l *lruList) touch(idx uint32) {
	l.unlink(idx)
	l.pushFront(idx)
}

// tail returns the least-recently-used slot index (immediately before the
// tail sentinel).
func (l *lruList) tail() uint32 {
	return l.prev[l.tail]
}
