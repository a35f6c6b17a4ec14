// Package events provides the built-in event implementations: detector
// capture and readout, property access, positioner moves, and utility
// events. They cover the common single-device operations; higher-level
// multi-dimensional acquisition builders compose them.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/openscope-project/acqengine"
	"github.com/openscope-project/acqengine/devices"
)

// popTimeout bounds each buffer poll during readout so stop requests are
// observed promptly.
const popTimeout = 10 * time.Millisecond

// detectorFor resolves the detector a detector event operates on: an
// explicit Detector takes precedence, otherwise the device registry is
// consulted and the proxy is adapted so every call keeps going through the
// engine on the device's affinity worker.
func detectorFor(ctx context.Context, engine *acqengine.ExecutionEngine, detector devices.Detector, deviceID string) (devices.Detector, error) {
	if detector != nil {
		return detector, nil
	}
	proxy, err := engine.Device(deviceID)
	if err != nil {
		return nil, err
	}
	return &proxyDetector{ctx: ctx, proxy: proxy}, nil
}

// proxyDetector adapts a device proxy to the Detector interface for the
// duration of one event execution.
type proxyDetector struct {
	ctx   context.Context
	proxy *acqengine.DeviceProxy
}

func (d *proxyDetector) Arm(frameCount int) error {
	_, err := d.proxy.Call(d.ctx, "Arm", frameCount)
	return err
}

func (d *proxyDetector) Start() error {
	_, err := d.proxy.Call(d.ctx, "Start")
	return err
}

func (d *proxyDetector) Stop() error {
	_, err := d.proxy.Call(d.ctx, "Stop")
	return err
}

func (d *proxyDetector) IsStopped() bool {
	stopped, err := d.proxy.Call(d.ctx, "IsStopped")
	if err != nil {
		return true
	}
	b, _ := stopped.(bool)
	return b
}

func (d *proxyDetector) PopData(timeout time.Duration) (any, acqengine.Metadata, error) {
	result, err := d.proxy.Call(d.ctx, "PopData", timeout)
	if err != nil {
		return nil, nil, err
	}
	parts, ok := result.([]any)
	if !ok || len(parts) != 2 {
		return nil, nil, fmt.Errorf("unexpected PopData result %T", result)
	}
	metadata, _ := parts[1].(acqengine.Metadata)
	return parts[0], metadata, nil
}

// ReadoutDataEvent reads blocks of data (e.g. images) and associated
// metadata out of a detector's buffer and feeds them to the data pipeline,
// publishing DataAcquired for each block. The readout stops after NumBlocks
// blocks, when the coordinate iterator is exhausted, on a stop request, or —
// with StopOnEmpty — when the detector is stopped and its buffer is empty.
//
// The readout is both stoppable and abortable: a stop request ends it in an
// orderly fashion at the next block boundary, while an abort request makes
// it return immediately, mid-poll, without waiting on the detector again.
type ReadoutDataEvent struct {
	acqengine.EventBase
	acqengine.DataProducingBase
	acqengine.StoppableBase
	acqengine.AbortableBase

	// Detector is the device to read from. When nil, DeviceID is looked up
	// in the engine's registry.
	Detector devices.Detector
	DeviceID string

	// NumBlocks limits how many blocks to read. <= 0 means unbounded.
	NumBlocks int

	// StopOnEmpty ends the readout when the detector is stopped and no more
	// data is available.
	StopOnEmpty bool
}

// NewReadoutDataEvent creates a readout over the coordinates produced by
// iterator, feeding handler.
func NewReadoutDataEvent(iterator acqengine.DataCoordinatesIterator, handler *acqengine.DataHandler) *ReadoutDataEvent {
	e := &ReadoutDataEvent{}
	e.DataProducingBase = acqengine.NewDataProducingBase(iterator, handler)
	e.DeclareNotificationTypes(acqengine.NotificationTypeDataAcquired)
	return e
}

// Execute runs the readout loop.
func (e *ReadoutDataEvent) Execute(ctx context.Context) (any, error) {
	detector, err := detectorFor(ctx, e.Engine(), e.Detector, e.DeviceID)
	if err != nil {
		return nil, err
	}

	iterator := e.CoordinatesIterator()
	read := 0
	for e.NumBlocks <= 0 || read < e.NumBlocks {
		coords, ok := iterator.Next()
		if !ok {
			break
		}
		for {
			if e.IsAbortRequested() {
				return read, nil
			}
			if e.IsStopRequested() {
				return read, nil
			}
			if err := ctx.Err(); err != nil {
				return read, err
			}
			// Short poll so stop and abort requests are noticed between
			// blocks.
			data, metadata, err := detector.PopData(popTimeout)
			if err != nil {
				return read, fmt.Errorf("detector readout: %w", err)
			}
			if e.IsAbortRequested() {
				// Aborting discards the block just popped instead of
				// feeding it downstream.
				return read, nil
			}
			if data == nil {
				if e.StopOnEmpty && detector.IsStopped() {
					return read, nil
				}
				continue
			}
			if err := e.PutData(coords, data, metadata); err != nil {
				return read, err
			}
			e.PublishNotification(acqengine.NewDataAcquiredNotification(coords))
			read++
			break
		}
	}
	return read, nil
}

// StartCaptureEvent arms a detector for a fixed number of blocks and starts
// it. On a start failure the detector is stopped again.
type StartCaptureEvent struct {
	acqengine.EventBase
	Detector  devices.Detector
	DeviceID  string
	NumBlocks int
}

// Execute arms and starts the detector.
func (e *StartCaptureEvent) Execute(ctx context.Context) (any, error) {
	detector, err := detectorFor(ctx, e.Engine(), e.Detector, e.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := armAndStart(detector, e.NumBlocks); err != nil {
		return nil, err
	}
	return nil, nil
}

func armAndStart(detector devices.Detector, frameCount int) error {
	if err := detector.Arm(frameCount); err != nil {
		return fmt.Errorf("arm detector: %w", err)
	}
	if err := detector.Start(); err != nil {
		stopErr := detector.Stop()
		if stopErr != nil {
			return fmt.Errorf("start detector: %w (stop also failed: %v)", err, stopErr)
		}
		return fmt.Errorf("start detector: %w", err)
	}
	return nil
}

// StartContinuousCaptureEvent starts a detector capturing until stopped.
type StartContinuousCaptureEvent struct {
	acqengine.EventBase
	Detector devices.Detector
	DeviceID string
}

// Execute arms for continuous capture and starts the detector.
func (e *StartContinuousCaptureEvent) Execute(ctx context.Context) (any, error) {
	detector, err := detectorFor(ctx, e.Engine(), e.Detector, e.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := armAndStart(detector, 0); err != nil {
		return nil, err
	}
	return nil, nil
}

// StopCaptureEvent stops a running detector. Submitted with UseFreeThread it
// runs while the readout worker is busy; with an explicit Detector the stop
// call reaches the device directly, while a DeviceID lookup routes it to the
// device's affinity worker, where it waits behind a running readout.
type StopCaptureEvent struct {
	acqengine.EventBase
	Detector devices.Detector
	DeviceID string
}

// Execute stops the detector.
func (e *StopCaptureEvent) Execute(ctx context.Context) (any, error) {
	detector, err := detectorFor(ctx, e.Engine(), e.Detector, e.DeviceID)
	if err != nil {
		return nil, err
	}
	return nil, detector.Stop()
}
