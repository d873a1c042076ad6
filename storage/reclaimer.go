package storage

import (
	"context"
	"os"
)

// Reclaimer is the single consumer of the cleanup queue. Deletion is best
// effort: a failed delete is logged and the loop moves on, and a path that
// is already gone succeeds trivially.
type Reclaimer struct {
	queue *CleanupQueue
}

// NewReclaimer returns a reclaimer draining the given queue.
func NewReclaimer(queue *CleanupQueue) *Reclaimer {
	return &Reclaimer{queue: queue}
}

// Run consumes the queue until the context is cancelled.
func (r *Reclaimer) Run(ctx context.Context) error {
	for {
		path, err := r.queue.Take(ctx)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", path).Warn("unable to reclaim staged file")
			continue
		}
		log.WithField("path", path).Debug("reclaimed staged file")
	}
}
