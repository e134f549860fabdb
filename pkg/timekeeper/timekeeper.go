// Package timekeeper measures the phases of a build pass. An Elapsing is a
// stopwatch whose Report returns the time since the last checkpoint and
// starts the next phase.
package timekeeper

import (
	"time"
)

type Elapsing struct {
	// Now carries a monotonic reading, so deltas are immune to wallclock
	// adjustments.
	checkpoint time.Time
}

func NewElapsing() *Elapsing {
	return &Elapsing{checkpoint: time.Now()}
}

// Report returns the duration of the phase since the last checkpoint and
// begins a new one.
func (e *Elapsing) Report() time.Duration {
	now := time.Now()
	total := now.Sub(e.checkpoint)
	e.checkpoint = now
	return total
}

// Reset discards the current phase without reporting it.
func (e *Elapsing) Reset() {
	e.checkpoint = time.Now()
}
