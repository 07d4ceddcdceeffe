package container

// FIFO is a plain queue, used for each parallel unit's free-block queue in
// the block partition manager (the original's fifo.h-based free-block
// list). It is a thin, differently-named wrapper over List so call sites
// read as a queue rather than a general list.
type FIFO[T any] struct {
	l *List[T]
}

// NewFIFO returns an empty queue.
func NewFIFO[T any]() *FIFO[T] { return &FIFO[T]{l: NewList[T]()} }

// Len reports the number of queued items.
func (f *FIFO[T]) Len() int { return f.l.Len() }

// Enqueue appends v to the tail.
func (f *FIFO[T]) Enqueue(v T) { f.l.PushBack(v) }

// Dequeue removes and returns the head item. Panics if empty.
func (f *FIFO[T]) Dequeue() T { return f.l.PopFront() }

// Empty reports whether the queue has no items.
func (f *FIFO[T]) Empty() bool { return f.l.Len() == 0 }
