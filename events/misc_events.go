package events

import (
	"context"
	"time"

	"github.com/openscope-project/acqengine"
)

// SleepEvent blocks its worker for a fixed duration. Useful to give hardware
// time to settle between queued operations.
type SleepEvent struct {
	acqengine.EventBase
	Duration time.Duration
}

// Execute sleeps for Duration, returning early with the context's error if
// ctx is cancelled first.
func (e *SleepEvent) Execute(ctx context.Context) (any, error) {
	timer := time.NewTimer(e.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
