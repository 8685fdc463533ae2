package core

import (
	"fmt"
	"sync"
)

// ModelLimiter caps the number of model calls each run may issue. Counters
// are keyed by run id so one limiter can be shared by every role agent.
type ModelLimiter struct {
	max    int
	counts map[string]int
	mu     sync.Mutex
}

// NewModelLimiter creates a new limiter with a max number of calls per run.
// If max == 0, unlimited calls are allowed.
func NewModelLimiter(max int) *ModelLimiter {
	return &ModelLimiter{max: max, counts: map[string]int{}}
}

// Increment records one call for runID and fails once the limit is exceeded.
func (ml *ModelLimiter) Increment(runID string) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	ml.counts[runID]++
	if ml.max > 0 && ml.counts[runID] > ml.max {
		return fmt.Errorf("core: run %s exceeded max model calls: %d", runID, ml.max)
	}

	return nil
}

// Count returns the number of calls recorded for runID.
func (ml *ModelLimiter) Count(runID string) int {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	return ml.counts[runID]
}

// Remaining returns how many calls runID may still issue, or -1 if unlimited.
func (ml *ModelLimiter) Remaining(runID string) int {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if ml.max == 0 {
		return -1
	}

	return ml.max - ml.counts[runID]
}

// Forget drops the counter for a finished run.
func (ml *ModelLimiter) Forget(runID string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	delete(ml.counts, runID)
}
