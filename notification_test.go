package acqengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// acquiringEvent publishes a DataAcquired notification for each of its
// coordinates when executed.
type acquiringEvent struct {
	EventBase
	coords []DataCoordinates
}

func newAcquiringEvent(coords ...DataCoordinates) *acquiringEvent {
	e := &acquiringEvent{coords: coords}
	e.DeclareNotificationTypes(NotificationTypeDataAcquired)
	return e
}

func (e *acquiringEvent) Execute(ctx context.Context) (any, error) {
	for _, c := range e.coords {
		e.PublishNotification(NewDataAcquiredNotification(c))
	}
	return nil, nil
}

func TestSubscribeByType(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := testContext()
	defer cancel()

	acquired, sub := collectNotifications(engine, FilterByType(NotificationTypeDataAcquired))
	defer engine.Unsubscribe(sub)

	c0 := Coords(Ax("c", 0))
	c1 := Coords(Ax("c", 1))
	future, err := engine.Submit(newAcquiringEvent(c0, c1))
	require.NoError(t, err)
	_, err = future.AwaitExecution(ctx)
	require.NoError(t, err)

	first, ok := waitNotification(acquired, 2*time.Second)
	require.True(t, ok)
	second, ok := waitNotification(acquired, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, c0, first.Payload())
	assert.Equal(t, c1, second.Payload())

	// The type filter excludes the EventExecuted notification.
	_, extra := waitNotification(acquired, 100*time.Millisecond)
	assert.False(t, extra, "sink should see exactly the two DataAcquired notifications")
}

func TestSubscribeByCategory(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := testContext()
	defer cancel()

	eventCat, sub := collectNotifications(engine, FilterByCategory(CategoryEvent))
	defer engine.Unsubscribe(sub)

	future, err := engine.Submit(newAcquiringEvent(Coords(Ax("t", 0))))
	require.NoError(t, err)
	_, err = future.AwaitExecution(ctx)
	require.NoError(t, err)

	n, ok := waitNotification(eventCat, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, NotificationTypeEventExecuted, n.Type())
}

func TestEventExecutedPublishedAfterEventNotifications(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := testContext()
	defer cancel()

	all, sub := collectNotifications(engine)
	defer engine.Unsubscribe(sub)

	future, err := engine.Submit(newAcquiringEvent(Coords(Ax("t", 0)), Coords(Ax("t", 1))))
	require.NoError(t, err)
	_, err = future.AwaitExecution(ctx)
	require.NoError(t, err)

	var types []string
	for len(types) < 3 {
		n, ok := waitNotification(all, 2*time.Second)
		require.True(t, ok, "expected three notifications")
		types = append(types, n.Type())
	}
	assert.Equal(t, []string{
		NotificationTypeDataAcquired,
		NotificationTypeDataAcquired,
		NotificationTypeEventExecuted,
	}, types)
}

func TestFutureCollectsEventNotifications(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := testContext()
	defer cancel()

	c0 := Coords(Ax("t", 0))
	c1 := Coords(Ax("t", 1))
	future, err := engine.Submit(newAcquiringEvent(c0, c1))
	require.NoError(t, err)
	_, err = future.AwaitExecution(ctx)
	require.NoError(t, err)

	notifications := future.Notifications()
	require.Len(t, notifications, 2)
	assert.Equal(t, c0, notifications[0].Payload())
	assert.Equal(t, c1, notifications[1].Payload())
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	logger := newTestLogger()
	engine := newTestEngine(t, WithLogger(logger))
	ctx, cancel := testContext()
	defer cancel()

	panicky := engine.Subscribe(func(n Notification) { panic("subscriber bug") })
	defer engine.Unsubscribe(panicky)
	healthy, sub := collectNotifications(engine)
	defer engine.Unsubscribe(sub)

	future, err := engine.SubmitFunc(func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	_, err = future.AwaitExecution(ctx)
	require.NoError(t, err)

	_, ok := waitNotification(healthy, 2*time.Second)
	assert.True(t, ok, "a panicking subscriber must not starve the others")
	assert.Eventually(t, func() bool {
		return len(logger.messages("error")) > 0
	}, 2*time.Second, 10*time.Millisecond, "the panic is logged")
}

func TestNotificationsQueuedBeforeFirstSubscriber(t *testing.T) {
	engine := newTestEngine(t)

	// Publish before anyone subscribes; the publisher starts lazily but the
	// queue already exists.
	early := NewDataStoredNotification(Coords(Ax("t", 0)))
	engine.PublishNotification(early)

	ch, sub := collectNotifications(engine)
	defer engine.Unsubscribe(sub)

	n, ok := waitNotification(ch, 2*time.Second)
	require.True(t, ok, "pre-subscription notifications are delivered in order")
	assert.Equal(t, early.ID(), n.ID())
}

func TestUndeclaredNotificationTypeWarns(t *testing.T) {
	logger := newTestLogger()
	engine := newTestEngine(t, WithLogger(logger))
	ctx, cancel := testContext()
	defer cancel()

	// undeclaredPublisher publishes DataStored without declaring it.
	future, err := engine.Submit(&undeclaredPublisher{})
	require.NoError(t, err)
	_, err = future.AwaitExecution(ctx)
	require.NoError(t, err)

	found := false
	for _, msg := range logger.messages("warn") {
		if msg == "notification type not declared by event; declare it in the event's constructor" {
			found = true
		}
	}
	assert.True(t, found)
}

type undeclaredPublisher struct {
	EventBase
}

func (e *undeclaredPublisher) Execute(ctx context.Context) (any, error) {
	e.PublishNotification(NewDataStoredNotification(Coords(Ax("t", 0))))
	return nil, nil
}

func TestNotificationIdentityIsByUUID(t *testing.T) {
	a := NewDataStoredNotification(Coords(Ax("t", 0)))
	b := NewDataStoredNotification(Coords(Ax("t", 0)))
	assert.NotEqual(t, a.ID(), b.ID(), "identical contents are still distinct notifications")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	engine := newTestEngine(t)

	var mu sync.Mutex
	count := 0
	sub := engine.Subscribe(func(n Notification) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	engine.PublishNotification(NewDataStoredNotification(Coords(Ax("t", 0))))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 2*time.Second, 10*time.Millisecond)

	engine.Unsubscribe(sub)
	engine.PublishNotification(NewDataStoredNotification(Coords(Ax("t", 1))))
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}
