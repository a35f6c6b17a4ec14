package acqengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOQueueOrder(t *testing.T) {
	q := NewFIFOQueue[int]()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Put(i))
	}
	for i := 0; i < 5; i++ {
		v, err := q.Get(true)
		require.NoError(t, err)
		assert.Equal(t, i, v)
		q.TaskDone()
	}
	assert.True(t, q.Empty())
}

func TestFIFOQueueNonBlockingGet(t *testing.T) {
	q := NewFIFOQueue[int]()
	_, err := q.Get(false)
	require.ErrorIs(t, err, ErrQueueEmpty)
}

func TestFIFOQueuePeekLeavesItem(t *testing.T) {
	q := NewFIFOQueue[string]()
	require.NoError(t, q.Put("head"))
	v, err := q.Peek()
	require.NoError(t, err)
	assert.Equal(t, "head", v)
	assert.Equal(t, 1, q.Len())
}

func TestFIFOQueueShutdownDrains(t *testing.T) {
	q := NewFIFOQueue[int]()
	require.NoError(t, q.Put(1))
	require.NoError(t, q.Put(2))
	q.Shutdown(false)

	require.ErrorIs(t, q.Put(3), ErrQueueShutdown)

	// Remaining items still drain before waiters observe shutdown.
	v, err := q.Get(true)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	q.TaskDone()
	v, err = q.Get(true)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	q.TaskDone()

	_, err = q.Get(true)
	require.ErrorIs(t, err, ErrQueueShutdown)
	// Every further waiter sees shutdown too.
	_, err = q.Get(true)
	require.ErrorIs(t, err, ErrQueueShutdown)
}

func TestFIFOQueueImmediateShutdownDiscards(t *testing.T) {
	q := NewFIFOQueue[int]()
	require.NoError(t, q.Put(1))
	require.NoError(t, q.Put(2))
	q.Shutdown(true)

	_, err := q.Get(true)
	require.ErrorIs(t, err, ErrQueueShutdown)

	// Discarded items were marked done, so Join does not hang.
	joined := make(chan struct{})
	go func() {
		q.Join()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("Join hung after immediate shutdown")
	}
}

func TestFIFOQueueShutdownIsIdempotent(t *testing.T) {
	q := NewFIFOQueue[int]()
	q.Shutdown(false)
	q.Shutdown(false)
	q.Shutdown(true)
	assert.True(t, q.IsShutdown())
}

func TestFIFOQueueShutdownWakesBlockedWaiters(t *testing.T) {
	q := NewFIFOQueue[int]()
	const waiters = 4
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Get(true)
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	q.Shutdown(false)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiters did not wake on shutdown")
	}
	for i := 0; i < waiters; i++ {
		require.ErrorIs(t, <-errs, ErrQueueShutdown)
	}
}

func TestFIFOQueueJoinWaitsForTaskDone(t *testing.T) {
	q := NewFIFOQueue[int]()
	require.NoError(t, q.Put(1))
	_, err := q.Get(true)
	require.NoError(t, err)

	joined := make(chan struct{})
	go func() {
		q.Join()
		close(joined)
	}()
	select {
	case <-joined:
		t.Fatal("Join returned while a task was still outstanding")
	case <-time.After(100 * time.Millisecond):
	}
	q.TaskDone()
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("Join did not return after TaskDone")
	}
}

type plainEvent struct {
	EventBase
}

func (e *plainEvent) Execute(ctx context.Context) (any, error) { return nil, nil }

func TestPriorityQueueOrdering(t *testing.T) {
	q := NewPriorityQueue()

	mk := func(priority int) Event {
		e := &plainEvent{}
		e.SetPriority(priority)
		return e
	}
	first := mk(2)
	second := mk(0)
	third := mk(1)
	require.NoError(t, q.Put(first))
	require.NoError(t, q.Put(second))
	require.NoError(t, q.Put(third))

	got := make([]Event, 0, 3)
	for i := 0; i < 3; i++ {
		e, err := q.Get(true)
		require.NoError(t, err)
		got = append(got, e)
		q.TaskDone()
	}
	assert.Equal(t, []Event{second, third, first}, got)
}

func TestPriorityQueueTiesBreakFIFO(t *testing.T) {
	q := NewPriorityQueue()
	var events []Event
	for i := 0; i < 5; i++ {
		e := &plainEvent{}
		e.SetPriority(1)
		events = append(events, e)
		require.NoError(t, q.Put(e))
	}
	for i := 0; i < 5; i++ {
		e, err := q.Get(true)
		require.NoError(t, err)
		assert.Same(t, events[i], e)
		q.TaskDone()
	}
}

func TestPriorityQueueShutdown(t *testing.T) {
	q := NewPriorityQueue()
	require.NoError(t, q.Put(&plainEvent{}))
	q.Shutdown(false)
	require.ErrorIs(t, q.Put(&plainEvent{}), ErrQueueShutdown)

	_, err := q.Get(true)
	require.NoError(t, err)
	q.TaskDone()
	_, err = q.Get(true)
	require.ErrorIs(t, err, ErrQueueShutdown)
}
