package acqengine

import (
	"context"
	"fmt"
	"sync/atomic"
)

// threadManager owns one named worker goroutine and its priority queue.
// Events dequeued by the worker execute serially; work is parallel across
// workers, serial within one.
type threadManager struct {
	name   string
	engine *ExecutionEngine
	queue  *PriorityQueue

	// pending counts events submitted but not yet finalized. Submissions
	// serialize through the engine's worker lock, so pending==0 is an
	// atomic-enough idle test for free-worker selection: an event that has
	// been dequeued but is still executing keeps the count above zero.
	pending atomic.Int64

	done chan struct{}
}

func newThreadManager(name string, engine *ExecutionEngine) *threadManager {
	tm := &threadManager{
		name:   name,
		engine: engine,
		queue:  NewPriorityQueue(),
		done:   make(chan struct{}),
	}
	go tm.run()
	return tm
}

// isIdle reports whether the worker has no queued and no executing events
// and is not shutting down.
func (tm *threadManager) isIdle() bool {
	return tm.pending.Load() == 0 && !tm.queue.IsShutdown()
}

// submitEvent enqueues event on this worker. With prioritize, the event is
// bumped to priority 0 so it runs before queued events with a higher
// priority value.
func (tm *threadManager) submitEvent(event Event, prioritize bool) error {
	if prioritize {
		event.Base().SetPriority(0)
	}
	tm.pending.Add(1)
	if err := tm.queue.Put(event); err != nil {
		tm.pending.Add(-1)
		return fmt.Errorf("worker %q: %w", tm.name, err)
	}
	return nil
}

// run is the worker main loop: dequeue, execute, retry on failure while the
// budget lasts, then finalize. The loop exits when the queue reports
// shutdown.
func (tm *threadManager) run() {
	defer close(tm.done)
	ctx := withWorkerName(tm.engine.baseCtx, tm.name)
	for {
		event, err := tm.queue.Get(true)
		if err != nil {
			return
		}
		base := event.Base()

		var returnValue any
		var execErr error
		if base.Finished() {
			// Unrecoverable: a finished event must never run again, so the
			// retry budget is irrelevant.
			execErr = fmt.Errorf("%w: %T", ErrAlreadyExecuted, event)
		} else {
			returnValue, execErr = tm.execute(ctx, event)
		}

		if execErr != nil && !base.Finished() && base.consumeRetry() {
			tm.engine.logger.Warn("event failed, retrying",
				"worker", tm.name, "event", fmt.Sprintf("%T", event),
				"retriesLeft", base.RetriesOnException(), "error", execErr)
			// Re-enqueue before retiring this attempt so a concurrent Join
			// never observes the queue empty while the event is in flight.
			// The submission's pending count still covers the requeued event.
			if err := tm.queue.Put(event); err == nil {
				tm.queue.TaskDone()
				continue
			}
			// The queue shut down under us; fall through and finalize with
			// the original error.
		}

		if execErr != nil {
			tm.engine.logException(execErr)
		}
		tm.queue.TaskDone()

		base.postExecution(returnValue, execErr)
		tm.engine.metrics.observeEventExecuted(execErr)
		tm.engine.metrics.observeFinalized(tm.name)
		tm.pending.Add(-1)
	}
}

// execute runs the event, converting panics in device or event code into
// errors so a misbehaving event cannot take down its worker.
func (tm *threadManager) execute(ctx context.Context, event Event) (returnValue any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in event %T: %v", event, r)
		}
	}()
	return event.Execute(ctx)
}

// shutdown drains the remaining queue, then stops the worker and waits for
// it to exit.
func (tm *threadManager) shutdown() {
	tm.queue.Shutdown(false)
	<-tm.done
}

// terminate discards the queue and stops the worker after the current event.
func (tm *threadManager) terminate() {
	tm.queue.Shutdown(true)
	<-tm.done
}
