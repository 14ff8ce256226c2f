package exec

import (
	"sync"

	"github.com/autoloop/autoloop/internal/events"
)

// defaultPauseThreshold is how many consecutive feature failures pause the
// auto loop.
const defaultPauseThreshold = 3

// FailureTracker pauses the auto loop after repeated consecutive failures so
// a systematically broken setup does not burn through the whole backlog.
type FailureTracker struct {
	mu          sync.Mutex
	consecutive int
	threshold   int
	paused      bool
	bus         events.Bus
}

// NewFailureTracker creates a tracker with the given threshold; a threshold
// of 0 uses the default.
func NewFailureTracker(bus events.Bus, threshold int) *FailureTracker {
	if threshold <= 0 {
		threshold = defaultPauseThreshold
	}
	return &FailureTracker{threshold: threshold, bus: bus}
}

// RecordFailure counts one failed feature. Crossing the threshold pauses the
// auto loop and emits a global pause event.
func (t *FailureTracker) RecordFailure(featureID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutive++
	if t.consecutive >= t.threshold && !t.paused {
		t.paused = true
		t.bus.Emit(events.EventAutoLoopPaused, featureID, events.ErrorData{
			Message: "auto loop paused after repeated consecutive failures",
		})
	}
}

// RecordSuccess resets the consecutive failure count.
func (t *FailureTracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutive = 0
}

// Paused reports whether the auto loop is paused.
func (t *FailureTracker) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Resume clears the paused state and the failure count.
func (t *FailureTracker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = false
	t.consecutive = 0
}
