// Package devices defines the device interfaces the built-in events operate
// on, plus simulated implementations for tests and examples. Concrete
// hardware back-ends implement these interfaces and are registered with the
// engine, which wraps them in proxies so every access runs on the device's
// affinity worker.
package devices

import (
	"time"

	"github.com/openscope-project/acqengine"
)

// Detector is a camera or other block-data-producing device together with
// the buffer it stores data in.
type Detector interface {
	// Arm prepares the device for a fast start. frameCount <= 0 arms for
	// continuous capture.
	Arm(frameCount int) error

	// Start begins capturing into the device buffer.
	Start() error

	// Stop halts capturing. Data already in the buffer remains readable.
	Stop() error

	// IsStopped reports whether the device is currently stopped.
	IsStopped() bool

	// PopData returns the next datum and its metadata from the device
	// buffer, blocking up to timeout. Returns (nil, nil, nil) when no datum
	// became available in time.
	PopData(timeout time.Duration) (any, acqengine.Metadata, error)
}

// SingleAxisPositioner moves along a single axis, e.g. a z drive used as a
// focus stage.
type SingleAxisPositioner interface {
	// SetPosition moves to position and blocks until the move completes.
	SetPosition(position float64) error
	GetPosition() (float64, error)
}

// DoubleAxisPositioner moves in a plane, e.g. an xy stage.
type DoubleAxisPositioner interface {
	// SetPosition moves to (x, y) and blocks until the move completes.
	SetPosition(x, y float64) error
	GetPosition() (x, y float64, err error)
}

// TriggerableSingleAxisPositioner additionally accepts a sequence of
// positions to step through on external TTL triggers.
type TriggerableSingleAxisPositioner interface {
	SingleAxisPositioner
	SetPositionSequence(positions []float64) error
	GetTriggerableSequenceMaxLength() (int, error)
	StopPositionSequence() error
}

// TriggerableDoubleAxisPositioner is the two-axis variant of
// TriggerableSingleAxisPositioner.
type TriggerableDoubleAxisPositioner interface {
	DoubleAxisPositioner
	SetPositionSequence(positions [][2]float64) error
	GetTriggerableSequenceMaxLength() (int, error)
	StopPositionSequence() error
}
