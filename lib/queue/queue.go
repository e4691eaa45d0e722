// Package queue provides a small generic FIFO.
package queue

import "errors"

var ErrQueueEmpty = errors.New("queue is empty")

type Queue[T any] struct {
	items []T
}

func New[T any](initialCap uint) *Queue[T] {
	return &Queue[T]{items: make([]T, 0, initialCap)}
}

func (q *Queue[T]) Enqueue(v T) {
	q.items = append(q.items, v)
}

func (q *Queue[T]) Dequeue() (T, error) {
	if len(q.items) == 0 {
		var zero T
		return zero, ErrQueueEmpty
	}

	v := q.items[0]
	q.items = q.items[1:]

	return v, nil
}

func (q *Queue[T]) Peek() (T, error) {
	if len(q.items) == 0 {
		var zero T
		return zero, ErrQueueEmpty
	}
	return q.items[0], nil
}

func (q *Queue[T]) Len() uint { return uint(len(q.items)) }
