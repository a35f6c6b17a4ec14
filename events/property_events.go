package events

import (
	"context"

	"github.com/openscope-project/acqengine"
)

// SetPropertyEvent writes a device property through the registry. The write
// observes the device on its affinity worker like any other access.
type SetPropertyEvent struct {
	acqengine.EventBase
	DeviceID string
	Property string
	Value    any
}

// Execute performs the write.
func (e *SetPropertyEvent) Execute(ctx context.Context) (any, error) {
	proxy, err := e.Engine().Device(e.DeviceID)
	if err != nil {
		return nil, err
	}
	return nil, proxy.SetProperty(ctx, e.Property, e.Value)
}

// GetPropertyEvent reads a device property through the registry and returns
// its value as the event result.
type GetPropertyEvent struct {
	acqengine.EventBase
	DeviceID string
	Property string
}

// Execute performs the read.
func (e *GetPropertyEvent) Execute(ctx context.Context) (any, error) {
	proxy, err := e.Engine().Device(e.DeviceID)
	if err != nil {
		return nil, err
	}
	return proxy.GetProperty(ctx, e.Property)
}
