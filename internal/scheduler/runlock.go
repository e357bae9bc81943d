package scheduler

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// RunLock guards a single concurrent scheduler run against a given
// pheromones directory, replacing the teacher's no-op leader-lock
// stub (internal/scheduler/leader_lock.go, since deleted) with a real
// gofrs/flock-backed exclusive lock.
type RunLock struct {
	lock *flock.Flock
}

// NewRunLock builds a RunLock over a sentinel file inside dir.
func NewRunLock(dir string) *RunLock {
	return &RunLock{lock: flock.New(filepath.Join(dir, ".run.lock"))}
}

// Acquire takes the exclusive lock, failing fast if another process
// already holds it rather than blocking — a second scheduler run
// against the same pheromones directory is a configuration error, not
// something to queue behind.
func (r *RunLock) Acquire() error {
	ok, err := r.lock.TryLock()
	if err != nil {
		return fmt.Errorf("scheduler: run lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("scheduler: run lock: another run already holds %s", r.lock.Path())
	}
	return nil
}

// Release gives up the lock.
func (r *RunLock) Release() error {
	return r.lock.Unlock()
}
