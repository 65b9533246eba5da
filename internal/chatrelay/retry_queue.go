package chatrelay

import (
	"context"
)

// RetryTask schedules another completion attempt for a message whose latest
// reply failed. Attempt counts background retries, starting at 1.
type RetryTask struct {
	MessageID int64 `json:"messageId"`
	Attempt   int   `json:"attempt"`
}

func (t RetryTask) valid() bool {
	return t.MessageID > 0
}

// RetryQueue holds background retries until a relay worker picks them up.
// Enqueue waits for room until ctx is done and then reports ErrQueueFull or
// the last backend error.
type RetryQueue interface {
	Enqueue(ctx context.Context, task RetryTask) error
	Dequeue(ctx context.Context) (RetryTask, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryRetryQueue struct {
	ch chan RetryTask
}

func NewInMemoryRetryQueue(capacity int) RetryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryRetryQueue{
		ch: make(chan RetryTask, capacity),
	}
}

func (q *inMemoryRetryQueue) Enqueue(ctx context.Context, task RetryTask) error {
	if q == nil || !task.valid() {
		return ErrInvalidInput
	}
	select {
	case q.ch <- task:
		return nil
	default:
	}
	select {
	case q.ch <- task:
		return nil
	case <-ctx.Done():
		return ErrQueueFull
	}
}

func (q *inMemoryRetryQueue) Dequeue(ctx context.Context) (RetryTask, bool) {
	if q == nil {
		return RetryTask{}, false
	}
	select {
	case task := <-q.ch:
		return task, true
	case <-ctx.Done():
		return RetryTask{}, false
	}
}

func (q *inMemoryRetryQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryRetryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryRetryQueue) Close() error {
	return nil
}
