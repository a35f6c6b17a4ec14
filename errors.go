package acqengine

import "errors"

// Engine errors. Callers should match with errors.Is; most are wrapped with
// additional context at the point of failure.
var (
	// ErrQueueShutdown is returned by queue operations after the queue has been
	// closed. It is internal signalling and only surfaces to callers that race
	// an engine shutdown.
	ErrQueueShutdown = errors.New("queue has been shut down")

	// ErrQueueEmpty is returned by a non-blocking Get on an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")

	// ErrAlreadyExecuted indicates a finished event reached a worker to be
	// executed again. Events are single-use.
	ErrAlreadyExecuted = errors.New("event has already been executed")

	// ErrAlreadySubmitted indicates an event was submitted a second time.
	ErrAlreadySubmitted = errors.New("event has already been submitted")

	// ErrInvalidCoordinates indicates an await on coordinates the event's
	// declared coordinate iterator can never produce.
	ErrInvalidCoordinates = errors.New("coordinates cannot be produced by this event")

	// ErrAwaitTimeout is returned by bounded waits when the context deadline
	// expires before the awaited condition is reached.
	ErrAwaitTimeout = errors.New("await timed out")

	// ErrNotFound is returned for missing device ids and missing data
	// coordinates.
	ErrNotFound = errors.New("not found")

	// ErrDeviceExists is returned when registering a device under an id that is
	// already taken.
	ErrDeviceExists = errors.New("device already registered")

	// ErrEngineShutdown is returned when submitting to an engine that has been
	// shut down.
	ErrEngineShutdown = errors.New("engine has been shut down")

	// ErrSelfAwait indicates AwaitExecution was called from the same worker the
	// event is scheduled on, which can never complete.
	ErrSelfAwait = errors.New("cannot await an event from the worker that executes it")

	// ErrNoMember is returned by device proxies when the requested method or
	// attribute does not exist on the wrapped object.
	ErrNoMember = errors.New("no such member on device")

	// ErrShutdownTimeout indicates the engine did not finish shutting down
	// before the caller's deadline. The shutdown continues in the background.
	ErrShutdownTimeout = errors.New("engine shutdown timed out")
)
