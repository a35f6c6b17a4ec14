package acqengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, opts ...EngineOption) *ExecutionEngine {
	t.Helper()
	engine := NewExecutionEngine(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return engine
}

func TestSubmitCallable(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := testContext()
	defer cancel()

	executed, sub := collectNotifications(engine, FilterByType(NotificationTypeEventExecuted))
	defer engine.Unsubscribe(sub)

	future, err := engine.SubmitFunc(func(ctx context.Context) (any, error) { return 42, nil })
	require.NoError(t, err)

	value, err := future.AwaitExecution(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, value)

	n, ok := waitNotification(executed, 2*time.Second)
	require.True(t, ok, "expected an EventExecuted notification")
	assert.Nil(t, n.Payload())

	// Exactly one: no second notification should arrive.
	_, extra := waitNotification(executed, 100*time.Millisecond)
	assert.False(t, extra, "expected exactly one EventExecuted notification")
}

func TestPriorityOrdering(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := testContext()
	defer cancel()

	blocker := newBlockingEvent()
	blockerFuture, err := engine.Submit(blocker)
	require.NoError(t, err)
	<-blocker.started

	log := &executionLog{}
	low := &recordingEvent{tag: "low", log: log}
	low.SetPriority(2)
	lowFuture, err := engine.Submit(low)
	require.NoError(t, err)

	high := &recordingEvent{tag: "high", log: log}
	highFuture, err := engine.Submit(high, Prioritized())
	require.NoError(t, err)

	close(blocker.release)
	_, err = blockerFuture.AwaitExecution(ctx)
	require.NoError(t, err)
	_, err = highFuture.AwaitExecution(ctx)
	require.NoError(t, err)
	_, err = lowFuture.AwaitExecution(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"high", "low"}, log.order())
}

func TestPriorityTiesBreakFIFO(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := testContext()
	defer cancel()

	blocker := newBlockingEvent()
	_, err := engine.Submit(blocker)
	require.NoError(t, err)
	<-blocker.started

	log := &executionLog{}
	var futures []*ExecutionFuture
	for i := 0; i < 5; i++ {
		ev := &recordingEvent{tag: fmt.Sprintf("e%d", i), log: log}
		f, err := engine.Submit(ev)
		require.NoError(t, err)
		futures = append(futures, f)
	}

	close(blocker.release)
	for _, f := range futures {
		_, err := f.AwaitExecution(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"e0", "e1", "e2", "e3", "e4"}, log.order())
}

func TestUseFreeThread(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := testContext()
	defer cancel()

	blocker := newBlockingEvent()
	_, err := engine.Submit(blocker)
	require.NoError(t, err)
	<-blocker.started

	future, err := engine.SubmitFunc(
		func(ctx context.Context) (any, error) { return "x", nil },
		UseFreeThread(),
	)
	require.NoError(t, err)

	// The result arrives while main is still blocked.
	value, err := future.AwaitExecution(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x", value)
	assert.Contains(t, engine.WorkerNames(), "anon-0")

	close(blocker.release)
}

func TestUseFreeThreadReusesIdleMain(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := testContext()
	defer cancel()

	log := &executionLog{}
	ev := &recordingEvent{tag: "only", log: log}
	future, err := engine.Submit(ev, UseFreeThread())
	require.NoError(t, err)
	_, err = future.AwaitExecution(ctx)
	require.NoError(t, err)

	assert.NotContains(t, engine.WorkerNames(), "anon-0")
	log.mu.Lock()
	defer log.mu.Unlock()
	assert.Equal(t, []string{MainWorkerName}, log.workers)
}

type flakyEvent struct {
	EventBase
	attempts  int
	failUntil int
}

func (e *flakyEvent) Execute(ctx context.Context) (any, error) {
	e.attempts++
	if e.attempts <= e.failUntil {
		return nil, fmt.Errorf("transient failure on attempt %d", e.attempts)
	}
	return e.attempts, nil
}

func TestRetryOnException(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := testContext()
	defer cancel()

	executed, sub := collectNotifications(engine, FilterByType(NotificationTypeEventExecuted))
	defer engine.Unsubscribe(sub)

	ev := &flakyEvent{failUntil: 2}
	ev.SetRetriesOnException(2)
	future, err := engine.Submit(ev)
	require.NoError(t, err)

	value, err := future.AwaitExecution(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, value)
	assert.Equal(t, 3, ev.attempts)

	require.NoError(t, engine.CheckExceptions(), "retried-to-success events leave the exception log empty")

	n, ok := waitNotification(executed, 2*time.Second)
	require.True(t, ok)
	assert.Nil(t, n.Payload())
}

func TestRetryBudgetExhausted(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := testContext()
	defer cancel()

	ev := &flakyEvent{failUntil: 10}
	ev.SetRetriesOnException(2)
	future, err := engine.Submit(ev)
	require.NoError(t, err)

	_, err = future.AwaitExecution(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transient failure")
	assert.Equal(t, 3, ev.attempts, "one initial attempt plus two retries")

	err = engine.CheckExceptions()
	require.Error(t, err)
	assert.NoError(t, engine.CheckExceptions(), "the log is drained by the first check")
}

func TestThreadAffinity(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := testContext()
	defer cancel()

	log := &executionLog{}
	ev := &recordingEvent{tag: "affine", log: log}
	future, err := engine.Submit(ev, OnThread("acquisition"))
	require.NoError(t, err)
	_, err = future.AwaitExecution(ctx)
	require.NoError(t, err)

	log.mu.Lock()
	defer log.mu.Unlock()
	assert.Equal(t, []string{"acquisition"}, log.workers)
	assert.Contains(t, engine.WorkerNames(), "acquisition")
}

func TestEventDeclaredThreadName(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := testContext()
	defer cancel()

	log := &executionLog{}
	ev := &recordingEvent{tag: "declared", log: log}
	ev.SetThreadName("camera")
	future, err := engine.Submit(ev)
	require.NoError(t, err)
	_, err = future.AwaitExecution(ctx)
	require.NoError(t, err)

	log.mu.Lock()
	defer log.mu.Unlock()
	assert.Equal(t, []string{"camera"}, log.workers)
}

func TestThreadNameWinsOverFreeThread(t *testing.T) {
	logger := newTestLogger()
	engine := newTestEngine(t, WithLogger(logger))
	ctx, cancel := testContext()
	defer cancel()

	log := &executionLog{}
	ev := &recordingEvent{tag: "both", log: log}
	future, err := engine.Submit(ev, OnThread("explicit"), UseFreeThread())
	require.NoError(t, err)
	_, err = future.AwaitExecution(ctx)
	require.NoError(t, err)

	log.mu.Lock()
	workers := append([]string(nil), log.workers...)
	log.mu.Unlock()
	assert.Equal(t, []string{"explicit"}, workers)

	found := false
	for _, msg := range logger.messages("warn") {
		if strings.Contains(msg, "precedence") {
			found = true
		}
	}
	assert.True(t, found, "expected a precedence warning")
}

func TestSubmitTwiceFails(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := testContext()
	defer cancel()

	ev := NewCallableEvent(func(ctx context.Context) (any, error) { return nil, nil })
	future, err := engine.Submit(ev)
	require.NoError(t, err)
	_, err = future.AwaitExecution(ctx)
	require.NoError(t, err)

	_, err = engine.Submit(ev)
	require.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestSubmitAll(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := testContext()
	defer cancel()

	log := &executionLog{}
	evs := []Event{
		&recordingEvent{tag: "a", log: log},
		&recordingEvent{tag: "b", log: log},
		&recordingEvent{tag: "c", log: log},
	}
	futures, err := engine.SubmitAll(evs)
	require.NoError(t, err)
	require.Len(t, futures, 3)
	for _, f := range futures {
		_, err := f.AwaitExecution(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, log.order())
}

func TestSelfAwaitDetected(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := testContext()
	defer cancel()

	outer := NewCallableEvent(func(ctx context.Context) (any, error) {
		inner, err := engine.SubmitFunc(func(ctx context.Context) (any, error) { return nil, nil })
		if err != nil {
			return nil, err
		}
		// Both events target main; awaiting here can never complete.
		_, err = inner.AwaitExecution(ctx)
		return nil, err
	})
	future, err := engine.Submit(outer)
	require.NoError(t, err)

	_, err = future.AwaitExecution(ctx)
	require.ErrorIs(t, err, ErrSelfAwait)
}

func TestSubmitAfterShutdown(t *testing.T) {
	engine := NewExecutionEngine()
	ctx, cancel := testContext()
	defer cancel()
	require.NoError(t, engine.Shutdown(ctx))

	_, err := engine.SubmitFunc(func(ctx context.Context) (any, error) { return nil, nil })
	require.ErrorIs(t, err, ErrEngineShutdown)
}

func TestShutdownDrainsQueuedEvents(t *testing.T) {
	engine := NewExecutionEngine()
	ctx, cancel := testContext()
	defer cancel()

	log := &executionLog{}
	for i := 0; i < 10; i++ {
		_, err := engine.Submit(&recordingEvent{tag: fmt.Sprintf("e%d", i), log: log})
		require.NoError(t, err)
	}
	require.NoError(t, engine.Shutdown(ctx))
	assert.Len(t, log.order(), 10, "shutdown drains queued events before stopping workers")
}

func TestShutdownNowDiscardsQueuedEvents(t *testing.T) {
	engine := NewExecutionEngine()
	ctx, cancel := testContext()
	defer cancel()

	blocker := newBlockingEvent()
	_, err := engine.Submit(blocker)
	require.NoError(t, err)
	<-blocker.started

	log := &executionLog{}
	for i := 0; i < 10; i++ {
		_, err := engine.Submit(&recordingEvent{tag: fmt.Sprintf("e%d", i), log: log})
		require.NoError(t, err)
	}

	// Discard the queue while the blocker still occupies main, then let the
	// current event finish; ShutdownNow returns once the workers exit.
	stopped := make(chan error, 1)
	go func() { stopped <- engine.ShutdownNow(ctx) }()
	time.Sleep(50 * time.Millisecond)
	close(blocker.release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ShutdownNow did not return")
	}
	assert.Empty(t, log.order(), "queued events are discarded, not drained")
}

func TestShutdownIsIdempotent(t *testing.T) {
	engine := NewExecutionEngine()
	ctx, cancel := testContext()
	defer cancel()
	require.NoError(t, engine.Shutdown(ctx))
	require.NoError(t, engine.Shutdown(ctx))
}

func TestCheckExceptionsCombinesMultiple(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := testContext()
	defer cancel()

	for i := 0; i < 2; i++ {
		i := i
		future, err := engine.SubmitFunc(func(ctx context.Context) (any, error) {
			return nil, fmt.Errorf("failure %d", i)
		})
		require.NoError(t, err)
		_, err = future.AwaitExecution(ctx)
		require.Error(t, err)
	}

	err := engine.CheckExceptions()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure 0")
	assert.Contains(t, err.Error(), "failure 1")
}

func TestEventPanicDoesNotKillWorker(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := testContext()
	defer cancel()

	future, err := engine.SubmitFunc(func(ctx context.Context) (any, error) { panic("device driver bug") })
	require.NoError(t, err)
	_, err = future.AwaitExecution(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device driver bug")

	// The worker survives and executes further events.
	after, err := engine.SubmitFunc(func(ctx context.Context) (any, error) { return "alive", nil })
	require.NoError(t, err)
	value, err := after.AwaitExecution(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alive", value)

	require.Error(t, engine.CheckExceptions())
}

func TestRepeatSchedulesSubmissions(t *testing.T) {
	engine := newTestEngine(t)

	counted := make(chan struct{}, 16)
	id, err := engine.Repeat("* * * * * *", func() Event {
		return NewCallableEvent(func(ctx context.Context) (any, error) {
			counted <- struct{}{}
			return nil, nil
		})
	})
	require.NoError(t, err)
	defer engine.CancelRepeat(id)

	select {
	case <-counted:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled event did not run")
	}
}

func TestRepeatRejectsBadSpec(t *testing.T) {
	engine := newTestEngine(t)
	_, err := engine.Repeat("not a schedule", func() Event {
		return NewCallableEvent(func(ctx context.Context) (any, error) { return nil, nil })
	})
	require.Error(t, err)
}

func TestAwaitExecutionTimeout(t *testing.T) {
	engine := newTestEngine(t)

	blocker := newBlockingEvent()
	future, err := engine.Submit(blocker)
	require.NoError(t, err)
	<-blocker.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = future.AwaitExecution(ctx)
	require.ErrorIs(t, err, ErrAwaitTimeout)

	// The event is unaffected and still completes.
	close(blocker.release)
	waitCtx, waitCancel := testContext()
	defer waitCancel()
	_, err = future.AwaitExecution(waitCtx)
	require.NoError(t, err)
}

func TestErrorSurfacesThroughFuture(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := testContext()
	defer cancel()

	boom := errors.New("boom")
	future, err := engine.SubmitFunc(func(ctx context.Context) (any, error) { return nil, boom })
	require.NoError(t, err)
	_, err = future.AwaitExecution(ctx)
	require.ErrorIs(t, err, boom)
}
