package engine

const minQueueCapacity = 8

// fifo is a growable ring buffer with O(1) push, pop and peek.
type fifo[T any] struct {
	buf  []T
	head int
	n    int
}

func (q *fifo[T]) Len() int { return q.n }

func (q *fifo[T]) Push(v T) {
	if q.n == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.n)%len(q.buf)] = v
	q.n++
}

func (q *fifo[T]) Peek() (T, bool) {
	var zero T
	if q.n == 0 {
		return zero, false
	}
	return q.buf[q.head], true
}

func (q *fifo[T]) Pop() (T, bool) {
	var zero T
	if q.n == 0 {
		return zero, false
	}
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return v, true
}

// Remove deletes the first element for which match returns true, preserving
// the order of the others. It is O(n) and reserved for rare paths.
func (q *fifo[T]) Remove(match func(T) bool) bool {
	for i := range q.n {
		idx := (q.head + i) % len(q.buf)
		if !match(q.buf[idx]) {
			continue
		}
		for j := i; j < q.n-1; j++ {
			q.buf[(q.head+j)%len(q.buf)] = q.buf[(q.head+j+1)%len(q.buf)]
		}
		var zero T
		q.buf[(q.head+q.n-1)%len(q.buf)] = zero
		q.n--
		return true
	}
	return false
}

func (q *fifo[T]) grow() {
	size := max(2*len(q.buf), minQueueCapacity)
	buf := make([]T, size)
	for i := range q.n {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}
