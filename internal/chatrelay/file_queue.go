package chatrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileRetryQueue keeps pending retries in a JSON file so they survive a
// restart of a single-instance deployment.
type fileRetryQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []RetryTask
}

type fileRetryQueueState struct {
	Items []RetryTask `json:"items"`
}

func NewFileRetryQueue(path string, capacity int) (RetryQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileRetryQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []RetryTask{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileRetryQueue) Enqueue(ctx context.Context, task RetryTask) error {
	if !task.valid() {
		return ErrInvalidInput
	}
	for {
		err := q.append(task)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileRetryQueue) append(task RetryTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, task)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return fmt.Errorf("persist retry queue: %w", err)
	}
	return nil
}

func (q *fileRetryQueue) Dequeue(ctx context.Context) (RetryTask, bool) {
	for {
		if task, ok := q.tryDequeue(); ok {
			return task, true
		}
		select {
		case <-ctx.Done():
			return RetryTask{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileRetryQueue) tryDequeue() (RetryTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return RetryTask{}, false
	}
	task := q.items[0]
	q.items = q.items[1:]
	if err := q.saveLocked(); err != nil {
		q.items = append([]RetryTask{task}, q.items...)
		return RetryTask{}, false
	}
	return task, true
}

func (q *fileRetryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileRetryQueue) Capacity() int {
	return q.capacity
}

func (q *fileRetryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.saveLocked()
}

func (q *fileRetryQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileRetryQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	items := make([]RetryTask, 0, len(snapshot.Items))
	for _, task := range snapshot.Items {
		if task.valid() {
			items = append(items, task)
		}
	}
	if len(items) > q.capacity {
		q.items = append([]RetryTask(nil), items[len(items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = items
	return nil
}

func (q *fileRetryQueue) saveLocked() error {
	data, err := json.Marshal(fileRetryQueueState{Items: append([]RetryTask(nil), q.items...)})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
