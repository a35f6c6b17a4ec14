package acqengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"weak"
)

// Event is a unit of work executed by the engine. Implementations embed
// EventBase and provide Execute. Events are single-use: submitting an event
// twice fails with ErrAlreadySubmitted.
//
// Execute runs on the worker the event was scheduled to. The context carries
// the worker identity (see WorkerNameFromContext); blocking device calls made
// from Execute should pass it through. The engine cancels it only after
// shutdown has stopped every worker, so a running event does not observe
// shutdown through it.
type Event interface {
	Execute(ctx context.Context) (any, error)
	Base() *EventBase
}

// EventBase carries the lifecycle state shared by all events: priority,
// retry budget, thread affinity, the declared notification whitelist, and
// the weak back-reference to the event's future.
//
// The reference to the future is weak so that a caller who drops its future
// does not pin the future (and any data signals it holds) in memory while
// the event sits in a queue; the engine resolves it explicitly when it needs
// to deliver completion.
type EventBase struct {
	mu          sync.Mutex
	priority    int
	prioritySet bool
	retries     int
	threadName  string
	notifTypes  map[string]bool
	initialized bool
	finished    bool
	engine      *ExecutionEngine
	future      weak.Pointer[ExecutionFuture]

	// assignedWorker is the worker this event was enqueued on, recorded at
	// submission so self-await cycles can be detected.
	assignedWorker string
}

// Base returns the event's embedded base. It makes any struct embedding
// EventBase satisfy the Event interface's plumbing half.
func (b *EventBase) Base() *EventBase { return b }

// SetPriority sets the scheduling priority. Lower values execute sooner;
// the default is 1.
func (b *EventBase) SetPriority(priority int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.priority = priority
	b.prioritySet = true
}

// Priority returns the scheduling priority, defaulting to 1 when unset.
func (b *EventBase) Priority() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.prioritySet {
		return 1
	}
	return b.priority
}

// SetRetriesOnException sets how many times the worker re-attempts the event
// after a failure before giving up.
func (b *EventBase) SetRetriesOnException(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 {
		n = 0
	}
	b.retries = n
}

// RetriesOnException returns the remaining retry budget.
func (b *EventBase) RetriesOnException() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retries
}

// consumeRetry decrements the retry budget and bumps the event to the front
// of its queue for the next attempt. Reports whether a retry was available.
func (b *EventBase) consumeRetry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retries <= 0 {
		return false
	}
	b.retries--
	b.priority = 0
	b.prioritySet = true
	return true
}

// SetThreadName declares the named worker this event prefers to execute on.
// An empty name means no preference (the main worker).
func (b *EventBase) SetThreadName(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threadName = name
}

// ThreadName returns the declared worker preference.
func (b *EventBase) ThreadName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.threadName
}

// DeclareNotificationTypes adds notification type strings to the event's
// whitelist. Constructors of event types call this so the whitelist merges
// through the embedding chain; the engine-default EventExecuted type is
// always included.
func (b *EventBase) DeclareNotificationTypes(types ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.notifTypes == nil {
		b.notifTypes = make(map[string]bool, len(types)+1)
		b.notifTypes[NotificationTypeEventExecuted] = true
	}
	for _, t := range types {
		b.notifTypes[t] = true
	}
}

// NotificationTypes returns the declared notification whitelist.
func (b *EventBase) NotificationTypes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	types := make([]string, 0, len(b.notifTypes)+1)
	if b.notifTypes == nil {
		return []string{NotificationTypeEventExecuted}
	}
	for t := range b.notifTypes {
		types = append(types, t)
	}
	return types
}

func (b *EventBase) declaresType(t string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t == NotificationTypeEventExecuted {
		return true
	}
	return b.notifTypes[t]
}

// Finished reports whether the event has completed (successfully or not).
func (b *EventBase) Finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

func (b *EventBase) markFinished() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = true
}

// Engine returns the engine the event was submitted to, or nil before
// submission.
func (b *EventBase) Engine() *ExecutionEngine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engine
}

func (b *EventBase) setAssignedWorker(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assignedWorker = name
}

func (b *EventBase) assignedWorkerName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.assignedWorker
}

// preExecution binds the event to the engine and creates its future. Called
// by the engine at submission; re-entry fails because events are single-use.
func (b *EventBase) preExecution(engine *ExecutionEngine, event Event) (*ExecutionFuture, error) {
	b.mu.Lock()
	if b.initialized {
		b.mu.Unlock()
		return nil, ErrAlreadySubmitted
	}
	b.initialized = true
	b.engine = engine
	b.mu.Unlock()

	future := newExecutionFuture(event, engine)
	b.mu.Lock()
	b.future = weak.Make(future)
	b.mu.Unlock()
	return future, nil
}

// futureRef resolves the weak back-reference to the event's future. Returns
// nil when the caller has dropped the future and it has been collected.
func (b *EventBase) futureRef() *ExecutionFuture {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.future.Value()
}

// PublishNotification publishes a notification on behalf of the event. The
// notification is appended to the future's log (if the future is still held)
// and forwarded to the engine bus. Publishing a type the event did not
// declare logs a warning but still delivers.
func (b *EventBase) PublishNotification(n Notification) {
	engine := b.Engine()
	if engine == nil {
		panic("PublishNotification called before the event was submitted")
	}
	if !b.declaresType(n.Type()) {
		engine.logger.Warn("notification type not declared by event; declare it in the event's constructor",
			"notificationType", n.Type())
	}
	if future := b.futureRef(); future != nil {
		future.appendNotification(n)
	}
	engine.PublishNotification(n)
}

// postExecution finalizes the event: it marks the event finished, publishes
// EventExecuted, then signals the future. Publishing before signalling is
// deliberate so a waiter returning from AwaitExecution can enumerate every
// notification the event emitted.
func (b *EventBase) postExecution(returnValue any, execErr error) {
	b.markFinished()
	engine := b.Engine()
	if engine != nil {
		engine.PublishNotification(NewEventExecutedNotification(execErr))
	}
	if future := b.futureRef(); future != nil {
		future.notifyExecutionComplete(returnValue, execErr)
	}
}

// CallableFunc is the signature accepted by SubmitFunc and NewCallableEvent.
type CallableFunc func(ctx context.Context) (any, error)

// AnonymousCallableEvent wraps a bare function as an event. The engine
// auto-wraps functions passed to SubmitFunc.
type AnonymousCallableEvent struct {
	EventBase
	fn CallableFunc
}

// NewCallableEvent wraps fn as a submittable event.
func NewCallableEvent(fn CallableFunc) *AnonymousCallableEvent {
	return &AnonymousCallableEvent{fn: fn}
}

// Execute invokes the wrapped function.
func (e *AnonymousCallableEvent) Execute(ctx context.Context) (any, error) {
	return e.fn(ctx)
}

// DataProducing is the capability of events that produce data. The engine
// wires the event's future into the pipeline so data milestones can be
// awaited through it.
type DataProducing interface {
	CoordinatesIterator() DataCoordinatesIterator
	Handler() *DataHandler
}

// dataProducingBinder is satisfied by events embedding DataProducingBase;
// the engine uses it to connect the event's base at submission time.
type dataProducingBinder interface {
	bindProducer(base *EventBase)
}

// DataProducingBase is embedded by events that produce data. It holds the
// coordinate iterator describing the data the event will yield and the
// pipeline handler the data is pushed into.
type DataProducingBase struct {
	iterator DataCoordinatesIterator
	handler  *DataHandler
	base     *EventBase
}

// NewDataProducingBase creates the capability state. A nil iterator defaults
// to an unbounded counter along an "image" axis.
func NewDataProducingBase(iterator DataCoordinatesIterator, handler *DataHandler) DataProducingBase {
	if iterator == nil {
		iterator = NewCountingIterator("image")
	}
	return DataProducingBase{iterator: iterator, handler: handler}
}

// CoordinatesIterator returns the iterator over the coordinates this event
// will produce.
func (b *DataProducingBase) CoordinatesIterator() DataCoordinatesIterator { return b.iterator }

// Handler returns the pipeline the event's data flows into.
func (b *DataProducingBase) Handler() *DataHandler { return b.handler }

func (b *DataProducingBase) bindProducer(base *EventBase) { b.base = base }

// PutData hands a produced datum to the pipeline. The event's future (when
// still held by the caller) is notified as the datum passes the acquired,
// processed, and stored stages.
func (b *DataProducingBase) PutData(coords DataCoordinates, data any, metadata Metadata) error {
	if b.handler == nil {
		return fmt.Errorf("event has no data handler configured")
	}
	var future *ExecutionFuture
	if b.base != nil {
		future = b.base.futureRef()
	}
	b.handler.Put(coords, data, metadata, future)
	return nil
}

// Stoppable is the capability of events that can be asked to stop. Event
// code polls IsStopRequested and unwinds in an orderly fashion when it
// returns true.
type Stoppable interface {
	IsStopRequested() bool
	RequestStop()
}

// StoppableBase is embedded by events supporting orderly stop.
type StoppableBase struct {
	stop atomic.Bool
}

// IsStopRequested reports whether a stop has been requested.
func (b *StoppableBase) IsStopRequested() bool { return b.stop.Load() }

// RequestStop asks the event to stop. The event observes the request at its
// next poll.
func (b *StoppableBase) RequestStop() { b.stop.Store(true) }

// Abortable is the capability of events that can be aborted. Abort is
// modelled like stop but semantically immediate: the event should drop its
// work rather than unwind in order.
type Abortable interface {
	IsAbortRequested() bool
	RequestAbort()
}

// AbortableBase is embedded by events supporting abort.
type AbortableBase struct {
	abort atomic.Bool
}

// IsAbortRequested reports whether an abort has been requested.
func (b *AbortableBase) IsAbortRequested() bool { return b.abort.Load() }

// RequestAbort asks the event to abort immediately.
func (b *AbortableBase) RequestAbort() { b.abort.Store(true) }
