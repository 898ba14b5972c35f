package worker

import (
	"context"
	"errors"
	"sync"
)

// JobQueue is a named multi-queue of opaque payloads.
type JobQueue interface {
	// Push adds a job to queue.
	Push(ctx context.Context, queue string, payload []byte) error

	// Pop blocks until a job from one of queues is available. An empty
	// queues list accepts any queue.
	Pop(ctx context.Context, queues []string) (string, []byte, error)

	Close() error
}

// ErrClosed is returned by a MemQueue after Close.
var ErrClosed = errors.New("worker: queue closed")

type memJob struct {
	queue   string
	payload []byte
}

// MemQueue is an in-process JobQueue for single-process deployments and
// tests.
type MemQueue struct {
	mu     sync.Mutex
	jobs   []memJob
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func NewMemQueue() *MemQueue {
	return &MemQueue{notify: make(chan struct{}, 1), done: make(chan struct{})}
}

func (q *MemQueue) Push(_ context.Context, queue string, payload []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.jobs = append(q.jobs, memJob{queue: queue, payload: append([]byte(nil), payload...)})
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *MemQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemQueue) Pop(ctx context.Context, queues []string) (string, []byte, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return "", nil, ErrClosed
		}
		for i, j := range q.jobs {
			if accepts(queues, j.queue) {
				q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
				more := len(q.jobs) > 0
				q.mu.Unlock()
				if more {
					q.wake()
				}
				return j.queue, j.payload, nil
			}
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-q.done:
			return "", nil, ErrClosed
		case <-q.notify:
		}
	}
}

// Len reports the number of waiting jobs.
func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *MemQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

func accepts(queues []string, name string) bool {
	if len(queues) == 0 {
		return true
	}
	for _, q := range queues {
		if q == name {
			return true
		}
	}
	return false
}
