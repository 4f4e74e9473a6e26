package primitives

import (
	"container/heap"
	"time"
)

type entry[T any] struct {
	value    T
	deadline time.Time
	index    int
}

// eq implements heap.Interface ordered by earliest deadline.
type eq[T any] struct {
	entries []*entry[T]
}

func (q *eq[T]) Len() int { return len(q.entries) }

func (q *eq[T]) Less(i, j int) bool {
	return q.entries[i].deadline.Before(q.entries[j].deadline)
}

func (q *eq[T]) Swap(i, j int) {
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
	q.entries[i].index = i
	q.entries[j].index = j
}

func (q *eq[T]) Push(x any) {
	n := len(q.entries)
	e := x.(*entry[T])
	e.index = n
	q.entries = append(q.entries, e)
}

func (q *eq[T]) Pop() any {
	old := q.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1 // for safety
	q.entries = old[0 : n-1]
	return e
}

// ExpiryQueue tracks values with a deadline and yields the ones whose
// deadline has passed, oldest first. Pushing an existing value updates
// its deadline in place. Not safe for concurrent use.
type ExpiryQueue[T comparable] struct {
	eq  *eq[T]
	idx map[T]*entry[T]
}

func NewExpiryQueue[T comparable]() *ExpiryQueue[T] {
	return &ExpiryQueue[T]{
		eq: &eq[T]{
			entries: make([]*entry[T], 0),
		},
		idx: make(map[T]*entry[T]),
	}
}

func (q *ExpiryQueue[T]) Push(v T, deadline time.Time) {
	e := q.idx[v]
	if e == nil {
		e = &entry[T]{
			value:    v,
			deadline: deadline,
		}
		q.idx[v] = e
		heap.Push(q.eq, e)
	} else {
		e.deadline = deadline
		heap.Fix(q.eq, e.index)
	}
}

func (q *ExpiryQueue[T]) Pop() T {
	e := heap.Pop(q.eq).(*entry[T])
	delete(q.idx, e.value)
	return e.value
}

func (q *ExpiryQueue[T]) Peek() (T, bool) {
	entries := q.eq.entries
	if len(entries) == 0 {
		var zero T
		return zero, false
	}
	return entries[0].value, true
}

func (q *ExpiryQueue[T]) Remove(v T) bool {
	e := q.idx[v]
	if e == nil {
		return false
	}
	delete(q.idx, v)
	heap.Remove(q.eq, e.index)
	return true
}

func (q *ExpiryQueue[T]) Len() int {
	return q.eq.Len()
}

// PopExpired removes and returns every value whose deadline is at or
// before now, ordered oldest first.
func (q *ExpiryQueue[T]) PopExpired(now time.Time) []T {
	var expired []T
	for {
		entries := q.eq.entries
		if len(entries) == 0 || entries[0].deadline.After(now) {
			return expired
		}
		expired = append(expired, q.Pop())
	}
}
