package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openscope-project/acqengine"
)

// SimulatedDetector is an in-process Detector that synthesizes frames at a
// configurable rate. Frame pacing uses a token-bucket limiter so the
// simulated device behaves like real hardware under readout pressure: frames
// become available at the configured interval regardless of how fast the
// consumer polls.
type SimulatedDetector struct {
	Width  int
	Height int

	mu        sync.Mutex
	buffer    []frame
	notEmpty  *sync.Cond
	running   bool
	remaining int // frames left to produce; -1 = continuous
	frameSeq  int
	cancel    context.CancelFunc
	limiter   *rate.Limiter
}

type frame struct {
	data     []byte
	metadata acqengine.Metadata
}

// NewSimulatedDetector creates a detector producing width×height 8-bit
// frames at framesPerSecond.
func NewSimulatedDetector(width, height int, framesPerSecond float64) *SimulatedDetector {
	d := &SimulatedDetector{
		Width:   width,
		Height:  height,
		limiter: rate.NewLimiter(rate.Limit(framesPerSecond), 1),
	}
	d.notEmpty = sync.NewCond(&d.mu)
	return d
}

// Arm prepares the detector to produce frameCount frames; <= 0 arms for
// continuous capture.
func (d *SimulatedDetector) Arm(frameCount int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("detector is running, stop it before arming")
	}
	if frameCount <= 0 {
		d.remaining = -1
	} else {
		d.remaining = frameCount
	}
	return nil
}

// Start begins producing frames into the buffer.
func (d *SimulatedDetector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("detector already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.running = true
	go d.produce(ctx)
	return nil
}

func (d *SimulatedDetector) produce(ctx context.Context) {
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		d.mu.Lock()
		if d.remaining == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		if d.remaining > 0 {
			d.remaining--
		}
		seq := d.frameSeq
		d.frameSeq++
		d.buffer = append(d.buffer, d.synthesize(seq))
		d.notEmpty.Broadcast()
		d.mu.Unlock()
	}
}

// synthesize generates a frame whose pixel values encode the frame number,
// so tests can verify readout ordering.
func (d *SimulatedDetector) synthesize(seq int) frame {
	data := make([]byte, d.Width*d.Height)
	for i := range data {
		data[i] = byte(seq)
	}
	return frame{
		data: data,
		metadata: acqengine.Metadata{
			"frame":  seq,
			"width":  d.Width,
			"height": d.Height,
			"time":   time.Now().Format(time.RFC3339Nano),
		},
	}
}

// Stop halts frame production. Buffered frames remain readable.
func (d *SimulatedDetector) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.running = false
	d.notEmpty.Broadcast()
	return nil
}

// IsStopped reports whether the detector is currently stopped.
func (d *SimulatedDetector) IsStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.running
}

// PopData returns the next frame, blocking up to timeout. Returns
// (nil, nil, nil) when no frame became available in time.
func (d *SimulatedDetector) PopData(timeout time.Duration) (any, acqengine.Metadata, error) {
	deadline := time.Now().Add(timeout)

	// Wake waiters when the deadline passes; Cond has no timed wait.
	timer := time.AfterFunc(timeout, func() {
		d.mu.Lock()
		d.notEmpty.Broadcast()
		d.mu.Unlock()
	})
	defer timer.Stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.buffer) == 0 {
		if !time.Now().Before(deadline) {
			return nil, nil, nil
		}
		d.notEmpty.Wait()
	}
	f := d.buffer[0]
	d.buffer = d.buffer[1:]
	return f.data, f.metadata, nil
}
