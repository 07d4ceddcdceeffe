package container

// List is a minimal slice-backed list of values, used for the free-line
// and full-line lists (original's struct list_head entry embedded in
// struct line). Unlike container/list it is generic and holds plain values
// rather than requiring an embedded Element.
type List[T any] struct {
	items []T
}

// NewList returns an empty list.
func NewList[T any]() *List[T] { return &List[T]{} }

// PushBack appends v to the tail.
func (l *List[T]) PushBack(v T) { l.items = append(l.items, v) }

// Len reports the number of elements.
func (l *List[T]) Len() int { return len(l.items) }

// PopFront removes and returns the head element. Panics if empty; callers
// must check Len() first, matching the original's assumption that the free
// line list is checked before being drained.
func (l *List[T]) PopFront() T {
	v := l.items[0]
	l.items = l.items[1:]
	return v
}

// Remove deletes the first element for which match returns true, reporting
// whether one was found.
func (l *List[T]) Remove(match func(T) bool) bool {
	for i, v := range l.items {
		if match(v) {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return true
		}
	}
	return false
}

// Each calls fn for every element in order.
func (l *List[T]) Each(fn func(T)) {
	for _, v := range l.items {
		fn(v)
	}
}

// ToSlice returns a copy of the underlying elements.
func (l *List[T]) ToSlice() []T {
	out := make([]T, len(l.items))
	copy(out, l.items)
	return out
}
