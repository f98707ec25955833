package engine

// ring 定长环形缓冲，满了以后覆盖最旧的元素
type ring[T any] struct {
	buf   []T
	start int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) Push(v T) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring[T]) Len() int {
	return r.size
}

func (r *ring[T]) Cap() int {
	return len(r.buf)
}

// Slice 按从旧到新的顺序复制出全部元素
func (r *ring[T]) Slice() []T {
	return r.Tail(r.size)
}

// Tail 复制出最新的n个元素，仍按从旧到新排列
func (r *ring[T]) Tail(n int) []T {
	if n > r.size {
		n = r.size
	}
	if n < 0 {
		n = 0
	}
	out := make([]T, n)
	offset := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+offset+i)%len(r.buf)]
	}
	return out
}

func (r *ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.start, r.size = 0, 0
}
