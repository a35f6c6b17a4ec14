package acqengine

import (
	"context"
	"sync"
	"time"
)

// testLogger records log entries so tests can assert on warnings and errors.
type testLogger struct {
	mu      sync.Mutex
	entries []testLogEntry
}

type testLogEntry struct {
	level string
	msg   string
	args  []any
}

func newTestLogger() *testLogger { return &testLogger{} }

func (l *testLogger) log(level, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, testLogEntry{level: level, msg: msg, args: args})
}

func (l *testLogger) Debug(msg string, args ...any) { l.log("debug", msg, args...) }
func (l *testLogger) Info(msg string, args ...any)  { l.log("info", msg, args...) }
func (l *testLogger) Warn(msg string, args ...any)  { l.log("warn", msg, args...) }
func (l *testLogger) Error(msg string, args ...any) { l.log("error", msg, args...) }

func (l *testLogger) messages(level string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.entries {
		if e.level == level {
			out = append(out, e.msg)
		}
	}
	return out
}

// blockingEvent occupies its worker until released. Tests use it to pin the
// main worker while probing scheduling behavior.
type blockingEvent struct {
	EventBase
	started chan struct{}
	release chan struct{}
}

func newBlockingEvent() *blockingEvent {
	return &blockingEvent{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (e *blockingEvent) Execute(ctx context.Context) (any, error) {
	close(e.started)
	select {
	case <-e.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// recordingEvent appends its tag to a shared log when executed, recording
// the worker it ran on.
type recordingEvent struct {
	EventBase
	tag string
	log *executionLog
}

func (e *recordingEvent) Execute(ctx context.Context) (any, error) {
	worker, _ := WorkerNameFromContext(ctx)
	e.log.append(e.tag, worker)
	return e.tag, nil
}

type executionLog struct {
	mu      sync.Mutex
	tags    []string
	workers []string
}

func (l *executionLog) append(tag, worker string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tags = append(l.tags, tag)
	l.workers = append(l.workers, worker)
}

func (l *executionLog) order() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.tags))
	copy(out, l.tags)
	return out
}

// testContext returns a context bounded enough that a deadlocked test fails
// rather than hangs.
func testContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// collectNotifications subscribes a channel sink to the engine.
func collectNotifications(e *ExecutionEngine, filters ...NotificationFilter) (<-chan Notification, *NotificationSubscription) {
	ch := make(chan Notification, 64)
	sub := e.Subscribe(func(n Notification) { ch <- n }, filters...)
	return ch, sub
}

func waitNotification(ch <-chan Notification, timeout time.Duration) (Notification, bool) {
	select {
	case n := <-ch:
		return n, true
	case <-time.After(timeout):
		return nil, false
	}
}
