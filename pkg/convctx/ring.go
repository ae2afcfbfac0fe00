package convctx

// Ring is a bounded FIFO history. When full, pushing evicts the oldest entry.
type Ring[T any] struct {
	items []T
	max   int
}

func NewRing[T any](max int) *Ring[T] {
	if max < 1 {
		max = 1
	}
	return &Ring[T]{max: max}
}

func (r *Ring[T]) Push(item T) {
	r.items = append(r.items, item)
	if len(r.items) > r.max {
		r.items = r.items[len(r.items)-r.max:]
	}
}

func (r *Ring[T]) Len() int {
	return len(r.items)
}

func (r *Ring[T]) Cap() int {
	return r.max
}

// Items returns a copy of the buffered entries, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// Last returns the most recent entry, if any.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	return r.items[len(r.items)-1], true
}
