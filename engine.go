package acqengine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
)

// Worker names. The main worker exists from construction; anonymous workers
// are spawned on demand for free-thread submissions.
const (
	MainWorkerName        = "main"
	anonymousWorkerPrefix = "anon-"
)

// ExecutionEngine coordinates the worker pool, the device registry, the
// notification bus, and the exception log. It is explicitly constructed and
// passed to events and proxies; there is no process-wide singleton.
type ExecutionEngine struct {
	cfg     EngineConfig
	logger  Logger
	metrics *engineMetrics

	baseCtx    context.Context
	baseCancel context.CancelFunc

	workerMu sync.Mutex
	workers  map[string]*threadManager
	stopped  bool

	deviceMu sync.RWMutex
	devices  map[string]*DeviceProxy

	excMu      sync.Mutex
	exceptions []error

	notifQueue       *FIFOQueue[Notification]
	subMu            sync.Mutex
	subs             []*NotificationSubscription
	publisherStarted bool
	publisherDone    chan struct{}

	cronMu  sync.Mutex
	cronRun *cron.Cron
}

// EngineOption configures a new engine.
type EngineOption func(*ExecutionEngine)

// WithLogger sets the engine logger. The default discards all output.
func WithLogger(logger Logger) EngineOption {
	return func(e *ExecutionEngine) { e.logger = logger }
}

// WithConfig applies an EngineConfig in place of DefaultEngineConfig. Start
// from DefaultEngineConfig: with a zero ShutdownTimeout, Close stops waiting
// for the workers at once.
func WithConfig(cfg EngineConfig) EngineOption {
	return func(e *ExecutionEngine) { e.cfg = cfg }
}

// WithMetricsRegisterer registers the engine's Prometheus collectors with
// reg. Without this option no metrics are collected.
func WithMetricsRegisterer(reg prometheus.Registerer) EngineOption {
	return func(e *ExecutionEngine) { e.metrics = newEngineMetrics(reg) }
}

// NewExecutionEngine constructs an engine with its main worker running.
func NewExecutionEngine(opts ...EngineOption) *ExecutionEngine {
	e := &ExecutionEngine{
		cfg:           DefaultEngineConfig(),
		logger:        noopLogger(),
		workers:       make(map[string]*threadManager),
		devices:       make(map[string]*DeviceProxy),
		notifQueue:    NewFIFOQueue[Notification](),
		publisherDone: make(chan struct{}),
	}
	e.baseCtx, e.baseCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = newEngineMetrics(nil)
	}
	e.workers[MainWorkerName] = newThreadManager(MainWorkerName, e)
	return e
}

// SubmitOption configures a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	threadName    string
	prioritize    bool
	useFreeThread bool
}

// OnThread targets the submission at the named worker, creating it on
// demand.
func OnThread(name string) SubmitOption {
	return func(o *submitOptions) { o.threadName = name }
}

// Prioritized enqueues the event at priority 0 so it runs before queued
// events with a higher priority value on its worker; events already queued
// at priority 0 still run first (ties are FIFO). Useful for system-wide
// changes, like hardware adjustments, that must precede other queued work.
func Prioritized() SubmitOption {
	return func(o *submitOptions) { o.prioritize = true }
}

// UseFreeThread places the event on an idle worker — main if idle, else the
// first idle anonymous worker, else a freshly spawned one; once
// EngineConfig.MaxAnonymousWorkers is reached, it is enqueued on main
// instead. Essential for
// operations that must run while other workers are blocked, like stop
// requests.
func UseFreeThread() SubmitOption {
	return func(o *submitOptions) { o.useFreeThread = true }
}

// Submit schedules an event for execution and returns its future.
func (e *ExecutionEngine) Submit(event Event, opts ...SubmitOption) (*ExecutionFuture, error) {
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}
	return e.submitSingle(event, o)
}

// SubmitAll schedules several events with the same options and returns their
// futures in order. Submission stops at the first error.
func (e *ExecutionEngine) SubmitAll(events []Event, opts ...SubmitOption) ([]*ExecutionFuture, error) {
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}
	futures := make([]*ExecutionFuture, 0, len(events))
	for _, ev := range events {
		f, err := e.submitSingle(ev, o)
		if err != nil {
			return futures, err
		}
		futures = append(futures, f)
	}
	return futures, nil
}

// SubmitFunc wraps a bare function as an anonymous event and submits it.
func (e *ExecutionEngine) SubmitFunc(fn CallableFunc, opts ...SubmitOption) (*ExecutionFuture, error) {
	return e.Submit(NewCallableEvent(fn), opts...)
}

func (e *ExecutionEngine) submitSingle(event Event, o submitOptions) (*ExecutionFuture, error) {
	e.workerMu.Lock()
	stopped := e.stopped
	e.workerMu.Unlock()
	if stopped {
		return nil, ErrEngineShutdown
	}

	base := event.Base()
	future, err := base.preExecution(e, event)
	if err != nil {
		return nil, err
	}
	if binder, ok := event.(dataProducingBinder); ok {
		binder.bindProducer(base)
	}

	threadName := o.threadName
	if threadName == "" {
		threadName = base.ThreadName()
	}

	e.workerMu.Lock()
	defer e.workerMu.Unlock()
	if e.stopped {
		return nil, ErrEngineShutdown
	}

	var target *threadManager
	switch {
	case o.useFreeThread && threadName != "":
		e.logger.Warn("both a thread name and UseFreeThread were given; the thread name takes precedence",
			"threadName", threadName)
		target = e.ensureWorkerLocked(threadName)
	case o.useFreeThread:
		target = e.pickFreeWorkerLocked()
	case threadName != "":
		target = e.ensureWorkerLocked(threadName)
	default:
		target = e.workers[MainWorkerName]
	}

	base.setAssignedWorker(target.name)
	if err := target.submitEvent(event, o.prioritize); err != nil {
		return nil, err
	}
	e.metrics.observeSubmitted(target.name)
	return future, nil
}

func (e *ExecutionEngine) ensureWorkerLocked(name string) *threadManager {
	if tm, ok := e.workers[name]; ok {
		return tm
	}
	tm := newThreadManager(name, e)
	e.workers[name] = tm
	return tm
}

// pickFreeWorkerLocked selects an idle worker: main first, then idle
// anonymous workers in name order, then a new anonymous worker. Selection
// and enqueueing both happen under the worker lock, so two concurrent
// free-thread submissions cannot pick the same idle worker.
func (e *ExecutionEngine) pickFreeWorkerLocked() *threadManager {
	if main := e.workers[MainWorkerName]; main.isIdle() {
		return main
	}
	names := make([]string, 0, len(e.workers))
	for name := range e.workers {
		if strings.HasPrefix(name, anonymousWorkerPrefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if tm := e.workers[name]; tm.isIdle() {
			return tm
		}
	}
	if e.cfg.MaxAnonymousWorkers > 0 && len(names) >= e.cfg.MaxAnonymousWorkers {
		e.logger.Warn("anonymous worker limit reached; enqueueing on main",
			"limit", e.cfg.MaxAnonymousWorkers)
		return e.workers[MainWorkerName]
	}
	name := anonymousWorkerPrefix + strconv.Itoa(len(names))
	return e.ensureWorkerLocked(name)
}

// WorkerNames returns the names of all workers, sorted.
func (e *ExecutionEngine) WorkerNames() []string {
	e.workerMu.Lock()
	defer e.workerMu.Unlock()
	names := make([]string, 0, len(e.workers))
	for name := range e.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribe registers handler to receive published notifications, optionally
// narrowed by filters (all must match). The publisher worker starts lazily
// on the first subscription; notifications published earlier are still
// queued and delivered in order.
func (e *ExecutionEngine) Subscribe(handler NotificationHandler, filters ...NotificationFilter) *NotificationSubscription {
	sub := &NotificationSubscription{id: newID(), handler: handler, filters: filters}
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subs = append(e.subs, sub)
	if !e.publisherStarted {
		e.publisherStarted = true
		go e.publisherRun()
	}
	return sub
}

// Unsubscribe removes a subscription. It is idempotent.
func (e *ExecutionEngine) Unsubscribe(sub *NotificationSubscription) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for i, s := range e.subs {
		if s == sub {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

// PublishNotification enqueues a notification for dispatch to subscribers.
// Dispatch order matches publish order.
func (e *ExecutionEngine) PublishNotification(n Notification) {
	if err := e.notifQueue.Put(n); err != nil {
		e.logger.Debug("notification dropped during shutdown", "notificationType", n.Type())
		return
	}
	e.metrics.observeNotificationPublished()
	if warn := e.cfg.NotificationQueueWarnSize; warn > 0 && e.notifQueue.Len() > warn {
		e.logger.Warn("notification queue is backing up; a subscriber may be slow",
			"depth", e.notifQueue.Len())
	}
}

// publisherRun is the notification publisher worker: it drains the queue and
// synchronously invokes each matching subscriber. Subscriber panics are
// logged, never propagated.
func (e *ExecutionEngine) publisherRun() {
	defer close(e.publisherDone)
	for {
		n, err := e.notifQueue.Get(true)
		if err != nil {
			return
		}
		e.subMu.Lock()
		subs := make([]*NotificationSubscription, len(e.subs))
		copy(subs, e.subs)
		e.subMu.Unlock()
		for _, sub := range subs {
			if !sub.matches(n) {
				continue
			}
			e.dispatchTo(sub, n)
		}
		e.notifQueue.TaskDone()
	}
}

func (e *ExecutionEngine) dispatchTo(sub *NotificationSubscription, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("notification subscriber panicked",
				"subscription", sub.ID().String(), "notificationType", n.Type(), "panic", r)
		}
	}()
	sub.handler(n)
}

// logException records an exception from event execution in the engine's
// exception log, to be surfaced by CheckExceptions.
func (e *ExecutionEngine) logException(err error) {
	e.excMu.Lock()
	defer e.excMu.Unlock()
	e.exceptions = append(e.exceptions, err)
}

// CheckExceptions drains the exception log and returns everything collected
// since the last check, combined into a single error. Returns nil when no
// exceptions occurred.
func (e *ExecutionEngine) CheckExceptions() error {
	e.excMu.Lock()
	errs := e.exceptions
	e.exceptions = nil
	e.excMu.Unlock()
	return multierr.Combine(errs...)
}

// Repeat submits a fresh event from factory on the given cron schedule
// (with a seconds field, so sub-minute instrument polling is expressible).
// The returned id cancels the schedule via CancelRepeat.
func (e *ExecutionEngine) Repeat(spec string, factory func() Event, opts ...SubmitOption) (cron.EntryID, error) {
	e.cronMu.Lock()
	if e.cronRun == nil {
		e.cronRun = cron.New(cron.WithSeconds())
		e.cronRun.Start()
	}
	runner := e.cronRun
	e.cronMu.Unlock()

	id, err := runner.AddFunc(spec, func() {
		if _, err := e.Submit(factory(), opts...); err != nil {
			e.logger.Error("scheduled submission failed", "spec", spec, "error", err)
		}
	})
	if err != nil {
		return 0, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return id, nil
}

// CancelRepeat removes a schedule created by Repeat.
func (e *ExecutionEngine) CancelRepeat(id cron.EntryID) {
	e.cronMu.Lock()
	defer e.cronMu.Unlock()
	if e.cronRun != nil {
		e.cronRun.Remove(id)
	}
}

// Close shuts the engine down, bounded by the configured ShutdownTimeout.
func (e *ExecutionEngine) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout.Std())
	defer cancel()
	return e.Shutdown(ctx)
}

// Shutdown stops the engine: schedules are cancelled, the device registry is
// cleared, every worker drains its queue and exits, and finally the
// notification publisher is stopped. Returns ErrShutdownTimeout if ctx
// expires first; the shutdown continues in the background regardless.
func (e *ExecutionEngine) Shutdown(ctx context.Context) error {
	return e.stop(ctx, false)
}

// ShutdownNow aborts the engine: queued events are discarded and each worker
// stops after the event it is currently executing. Discarded events are
// never finalized, so their futures stay unsignalled. Use for abort paths
// where draining queued work would be wrong; pair with the stoppable or
// abortable capability to also interrupt the events in flight.
func (e *ExecutionEngine) ShutdownNow(ctx context.Context) error {
	return e.stop(ctx, true)
}

func (e *ExecutionEngine) stop(ctx context.Context, immediate bool) error {
	e.workerMu.Lock()
	if e.stopped {
		e.workerMu.Unlock()
		return nil
	}
	e.stopped = true
	workers := make([]*threadManager, 0, len(e.workers))
	for _, tm := range e.workers {
		workers = append(workers, tm)
	}
	e.workerMu.Unlock()

	e.cronMu.Lock()
	if e.cronRun != nil {
		e.cronRun.Stop()
	}
	e.cronMu.Unlock()

	e.deviceMu.Lock()
	e.devices = nil
	e.deviceMu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, tm := range workers {
			if immediate {
				tm.terminate()
			} else {
				tm.shutdown()
			}
		}
		e.notifQueue.Shutdown(false)
		e.subMu.Lock()
		started := e.publisherStarted
		e.subMu.Unlock()
		if started {
			<-e.publisherDone
		}
		e.baseCancel()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrShutdownTimeout, ctx.Err())
	}
}
