package events

import (
	"context"

	"github.com/openscope-project/acqengine"
)

// SetPosition1DEvent moves a single-axis positioner (e.g. a focus drive) to
// an absolute position.
type SetPosition1DEvent struct {
	acqengine.EventBase
	DeviceID string
	Position float64
}

// Execute performs the move and blocks until the positioner settles.
func (e *SetPosition1DEvent) Execute(ctx context.Context) (any, error) {
	proxy, err := e.Engine().Device(e.DeviceID)
	if err != nil {
		return nil, err
	}
	return proxy.Call(ctx, "SetPosition", e.Position)
}

// SetPosition2DEvent moves a two-axis positioner (e.g. an xy stage) to an
// absolute position.
type SetPosition2DEvent struct {
	acqengine.EventBase
	DeviceID string
	X, Y     float64
}

// Execute performs the move and blocks until the positioner settles.
func (e *SetPosition2DEvent) Execute(ctx context.Context) (any, error) {
	proxy, err := e.Engine().Device(e.DeviceID)
	if err != nil {
		return nil, err
	}
	return proxy.Call(ctx, "SetPosition", e.X, e.Y)
}

// GetPosition1DEvent reads the position of a single-axis positioner.
type GetPosition1DEvent struct {
	acqengine.EventBase
	DeviceID string
}

// Execute returns the current position.
func (e *GetPosition1DEvent) Execute(ctx context.Context) (any, error) {
	proxy, err := e.Engine().Device(e.DeviceID)
	if err != nil {
		return nil, err
	}
	return proxy.Call(ctx, "GetPosition")
}
