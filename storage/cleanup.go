package storage

import (
	"context"
	"sync"
)

// CleanupQueue is an unbounded FIFO of staged file paths awaiting deletion.
// Pushes never block; Take blocks until a path is available or the context
// is cancelled.
type CleanupQueue struct {
	mu     sync.Mutex
	paths  []string
	signal chan struct{}
}

// NewCleanupQueue returns an empty queue.
func NewCleanupQueue() *CleanupQueue {
	return &CleanupQueue{
		signal: make(chan struct{}, 1),
	}
}

// Push enqueues a path for deletion.
func (q *CleanupQueue) Push(path string) {
	q.mu.Lock()
	q.paths = append(q.paths, path)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of queued paths.
func (q *CleanupQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.paths)
}

// Take dequeues the oldest path, blocking until one is available.
func (q *CleanupQueue) Take(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.paths) > 0 {
			path := q.paths[0]
			q.paths = q.paths[1:]
			if len(q.paths) > 0 {
				// More work queued; keep the signal set for the next Take.
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return path, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.signal:
		}
	}
}
