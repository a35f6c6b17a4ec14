package acqengine

import (
	"context"
	"fmt"
	"sync"
)

// ExecutionFuture is the handle bound one-to-one to a submitted event. It
// synchronizes on completion, waits for data milestones, and collects the
// notifications the event emitted.
type ExecutionFuture struct {
	event  Event
	engine *ExecutionEngine

	done chan struct{}

	mu            sync.Mutex
	dataCond      *sync.Cond
	completed     bool
	returnValue   any
	err           error
	notifications []Notification
	records       map[string]*futureDataRecord
	requested     map[string]bool
}

// futureDataRecord tracks the lifecycle stages one coordinate has reached.
// The payload is captured only for coordinates a caller has awaited, so
// futures for large streams do not pin every frame in memory.
type futureDataRecord struct {
	coords    DataCoordinates
	acquired  bool
	processed bool
	stored    bool
	captured  bool
	data      any
	metadata  Metadata
}

func newExecutionFuture(event Event, engine *ExecutionEngine) *ExecutionFuture {
	f := &ExecutionFuture{
		event:     event,
		engine:    engine,
		done:      make(chan struct{}),
		records:   make(map[string]*futureDataRecord),
		requested: make(map[string]bool),
	}
	f.dataCond = sync.NewCond(&f.mu)
	return f
}

// newCompletedFuture builds an already-signalled future for calls that
// executed inline, bypassing the engine.
func newCompletedFuture(event Event, engine *ExecutionEngine, returnValue any, err error) *ExecutionFuture {
	f := newExecutionFuture(event, engine)
	f.notifyExecutionComplete(returnValue, err)
	return f
}

// AwaitExecution blocks until the event completes and returns its result.
// If the event failed, the terminal error is returned. A context deadline
// expiring first fails with ErrAwaitTimeout; the event itself is unaffected
// and may still complete later.
//
// Calling AwaitExecution from the worker the event is scheduled on would
// deadlock and fails immediately with ErrSelfAwait.
func (f *ExecutionFuture) AwaitExecution(ctx context.Context) (any, error) {
	if worker, ok := WorkerNameFromContext(ctx); ok {
		if worker == f.event.Base().assignedWorkerName() && !f.isComplete() {
			return nil, fmt.Errorf("%w: worker %q", ErrSelfAwait, worker)
		}
	}
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrAwaitTimeout, ctx.Err())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.returnValue, f.err
}

func (f *ExecutionFuture) isComplete() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// notifyExecutionComplete records the result and signals completion. The
// completion signal fires exactly once; the engine only finalizes an event
// once, so a second call indicates a bug and is dropped.
func (f *ExecutionFuture) notifyExecutionComplete(returnValue any, err error) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		f.engine.logger.Error("future signalled complete twice; dropping the second signal")
		return
	}
	f.completed = true
	f.returnValue = returnValue
	f.err = err
	f.mu.Unlock()
	close(f.done)
}

// appendNotification records a notification emitted by the event, in
// emission order.
func (f *ExecutionFuture) appendNotification(n Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
}

// Notifications returns the notifications the event emitted, in emission
// order.
func (f *ExecutionFuture) Notifications() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Notification, len(f.notifications))
	copy(out, f.notifications)
	return out
}

// AcquiredCoordinates returns the coordinates of every datum this event has
// produced so far.
func (f *ExecutionFuture) AcquiredCoordinates() []DataCoordinates {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DataCoordinates, 0, len(f.records))
	for _, rec := range f.records {
		if rec.acquired {
			out = append(out, rec.coords)
		}
	}
	return out
}

// notifyData advances the lifecycle record for coords. Stage flags are
// monotonic: a stored signal also satisfies waits on earlier stages. The
// payload is captured only once a caller has awaited these coordinates.
func (f *ExecutionFuture) notifyData(coords DataCoordinates, data any, metadata Metadata, processed, stored bool) {
	key := coords.Key()
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[key]
	if rec == nil {
		rec = &futureDataRecord{coords: coords}
		f.records[key] = rec
	}
	rec.acquired = true
	rec.processed = rec.processed || processed || stored
	rec.stored = rec.stored || stored
	if f.requested[key] {
		rec.data = data
		rec.metadata = metadata
		rec.captured = true
	}
	f.dataCond.Broadcast()
}

// AwaitDataOption configures AwaitData and DataHandler.Get.
type AwaitDataOption func(*awaitDataOptions)

type awaitDataOptions struct {
	processed  bool
	stored     bool
	noData     bool
	noMetadata bool
}

// WithProcessed waits for the datum to have passed the processor.
func WithProcessed() AwaitDataOption {
	return func(o *awaitDataOptions) { o.processed = true }
}

// WithStored waits for the datum to have been handed to storage.
func WithStored() AwaitDataOption {
	return func(o *awaitDataOptions) { o.stored = true }
}

// WithoutData skips retrieving the data payload; only metadata is returned.
// Avoids a storage read when the caller needs nothing but metadata.
func WithoutData() AwaitDataOption {
	return func(o *awaitDataOptions) { o.noData = true }
}

// WithoutMetadata skips retrieving the metadata.
func WithoutMetadata() AwaitDataOption {
	return func(o *awaitDataOptions) { o.noMetadata = true }
}

func (o awaitDataOptions) satisfiedBy(rec *futureDataRecord) bool {
	switch {
	case o.stored:
		return rec.stored
	case o.processed:
		return rec.processed
	default:
		return rec.acquired
	}
}

// AwaitData blocks until the datum identified by coords reaches the
// requested lifecycle stage (acquired by default; see WithProcessed and
// WithStored) and returns it.
//
// Coordinates the event's declared iterator can never produce fail
// immediately with ErrInvalidCoordinates; coordinates the iterator cannot
// decide about log a warning but still wait. If the datum has already left
// the in-memory pipeline, it is fetched back from the storage backend.
func (f *ExecutionFuture) AwaitData(ctx context.Context, coords DataCoordinates, opts ...AwaitDataOption) (any, Metadata, error) {
	var o awaitDataOptions
	for _, opt := range opts {
		opt(&o)
	}

	producer, isProducer := f.event.(DataProducing)
	if isProducer {
		switch producer.CoordinatesIterator().MightProduce(coords) {
		case TernaryFalse:
			return nil, nil, fmt.Errorf("%w: %s", ErrInvalidCoordinates, coords)
		case TernaryUnknown:
			f.engine.logger.Warn("awaiting coordinates the event may never produce", "coords", coords.String())
		}
	}

	key := coords.Key()
	f.mu.Lock()
	f.requested[key] = true

	// Wake this waiter when ctx expires so the deadline is honored even if
	// no further data signals arrive.
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		f.dataCond.Broadcast()
		f.mu.Unlock()
	})
	defer stop()

	for {
		rec := f.records[key]
		if rec != nil && o.satisfiedBy(rec) {
			if rec.captured {
				data, metadata := rec.data, rec.metadata
				f.mu.Unlock()
				if o.noData {
					data = nil
				}
				if o.noMetadata {
					metadata = nil
				}
				return data, metadata, nil
			}
			f.mu.Unlock()
			// The payload was not captured (the wait registered after the
			// signal); fetch it back from the pipeline or storage.
			if !isProducer || producer.Handler() == nil {
				return nil, nil, fmt.Errorf("%w: data for %s is no longer reachable", ErrNotFound, coords)
			}
			return producer.Handler().Get(coords, opts...)
		}
		if err := ctx.Err(); err != nil {
			f.mu.Unlock()
			return nil, nil, fmt.Errorf("%w: %v", ErrAwaitTimeout, err)
		}
		f.dataCond.Wait()
	}
}

// RequestStop asks a stoppable event to unwind in an orderly fashion.
// Reports whether the event supports stopping.
func (f *ExecutionFuture) RequestStop() bool {
	if s, ok := f.event.(Stoppable); ok {
		s.RequestStop()
		return true
	}
	return false
}

// RequestAbort asks an abortable event to drop its work immediately.
// Reports whether the event supports aborting.
func (f *ExecutionFuture) RequestAbort() bool {
	if a, ok := f.event.(Abortable); ok {
		a.RequestAbort()
		return true
	}
	return false
}
