package acqengine

import (
	"time"

	"github.com/google/uuid"
)

// NotificationCategory is the coarse classification of a notification.
type NotificationCategory string

const (
	// CategoryEvent covers updates from the execution of an event.
	CategoryEvent NotificationCategory = "event"
	// CategoryData covers data acquired by a data-producing event.
	CategoryData NotificationCategory = "data"
	// CategoryStorage covers updates from a data storage backend.
	CategoryStorage NotificationCategory = "storage"
	// CategoryDevice covers updates from a device.
	CategoryDevice NotificationCategory = "device"
)

// Notification type strings for the built-in notifications. These follow
// CloudEvents reverse-DNS naming so they can be bridged onto external
// transports unchanged.
const (
	NotificationTypeEventExecuted = "com.openscope.engine.event.executed"
	NotificationTypeDataAcquired  = "com.openscope.engine.data.acquired"
	NotificationTypeDataStored    = "com.openscope.engine.data.stored"
)

// Notification is a timestamped, categorized, typed message published by
// events, the engine, or the data pipeline. Notifications are designed to be
// numerous and lightweight; payloads should stay small.
//
// Identity is by UUID: two notifications with identical contents are still
// distinct.
type Notification interface {
	// ID returns the unique identity of this notification instance.
	ID() uuid.UUID
	// Type returns the notification's type string, shared by all instances
	// of the same concrete notification.
	Type() string
	// Category returns the coarse classification.
	Category() NotificationCategory
	// Description returns a human-readable description of the type.
	Description() string
	// Timestamp returns the creation time.
	Timestamp() time.Time
	// Payload returns the optional payload.
	Payload() any
}

// NotificationStamp carries the per-instance identity and timestamp of a
// notification. Concrete notification types embed it and supply the rest of
// the Notification interface.
type NotificationStamp struct {
	id uuid.UUID
	ts time.Time
}

// NewNotificationStamp stamps a new notification with a time-ordered UUID
// and the current time.
func NewNotificationStamp() NotificationStamp {
	return NotificationStamp{id: newID(), ts: time.Now()}
}

// ID returns the notification's unique identity.
func (s NotificationStamp) ID() uuid.UUID { return s.id }

// Timestamp returns the notification's creation time.
func (s NotificationStamp) Timestamp() time.Time { return s.ts }

// newID generates a UUIDv7 so ids sort by creation time, falling back to v4
// if v7 generation fails.
func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id
}

// EventExecutedNotification is published when an event completes. If the
// event failed, Err holds the terminal error.
type EventExecutedNotification struct {
	NotificationStamp
	Err error
}

// NewEventExecutedNotification creates the completion notification for an
// event; err is nil on success.
func NewEventExecutedNotification(err error) *EventExecutedNotification {
	return &EventExecutedNotification{NotificationStamp: NewNotificationStamp(), Err: err}
}

func (n *EventExecutedNotification) Type() string                   { return NotificationTypeEventExecuted }
func (n *EventExecutedNotification) Category() NotificationCategory { return CategoryEvent }
func (n *EventExecutedNotification) Description() string {
	return "An event has completed execution"
}
func (n *EventExecutedNotification) Payload() any { return n.Err }

// DataAcquiredNotification is published when a data-producing event has
// acquired a datum and handed it to the data pipeline.
type DataAcquiredNotification struct {
	NotificationStamp
	Coords DataCoordinates
}

// NewDataAcquiredNotification creates an acquisition notification for the
// given coordinates.
func NewDataAcquiredNotification(coords DataCoordinates) *DataAcquiredNotification {
	return &DataAcquiredNotification{NotificationStamp: NewNotificationStamp(), Coords: coords}
}

func (n *DataAcquiredNotification) Type() string                   { return NotificationTypeDataAcquired }
func (n *DataAcquiredNotification) Category() NotificationCategory { return CategoryData }
func (n *DataAcquiredNotification) Description() string {
	return "Data has been acquired by a data-producing device and is now available"
}
func (n *DataAcquiredNotification) Payload() any { return n.Coords }

// DataStoredNotification is published when a datum has been handed off to a
// storage backend.
type DataStoredNotification struct {
	NotificationStamp
	Coords DataCoordinates
}

// NewDataStoredNotification creates a storage notification for the given
// coordinates.
func NewDataStoredNotification(coords DataCoordinates) *DataStoredNotification {
	return &DataStoredNotification{NotificationStamp: NewNotificationStamp(), Coords: coords}
}

func (n *DataStoredNotification) Type() string                   { return NotificationTypeDataStored }
func (n *DataStoredNotification) Category() NotificationCategory { return CategoryStorage }
func (n *DataStoredNotification) Description() string {
	return "Data has been stored by a storage backend"
}
func (n *DataStoredNotification) Payload() any { return n.Coords }

// NotificationHandler consumes published notifications. Handlers are invoked
// synchronously by the engine's publisher worker; they should return quickly
// to avoid delaying other subscribers.
type NotificationHandler func(Notification)

// NotificationFilter selects which notifications a subscriber receives.
type NotificationFilter func(Notification) bool

// FilterByCategory matches notifications of the given category.
func FilterByCategory(category NotificationCategory) NotificationFilter {
	return func(n Notification) bool { return n.Category() == category }
}

// FilterByType matches notifications with the given type string.
func FilterByType(notificationType string) NotificationFilter {
	return func(n Notification) bool { return n.Type() == notificationType }
}

// NotificationSubscription is the handle returned by Subscribe; pass it to
// Unsubscribe to stop receiving notifications.
type NotificationSubscription struct {
	id      uuid.UUID
	handler NotificationHandler
	filters []NotificationFilter
}

// ID returns the unique identifier of this subscription.
func (s *NotificationSubscription) ID() uuid.UUID { return s.id }

func (s *NotificationSubscription) matches(n Notification) bool {
	for _, f := range s.filters {
		if !f(n) {
			return false
		}
	}
	return true
}
