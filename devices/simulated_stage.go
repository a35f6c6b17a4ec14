package devices

import (
	"fmt"
	"sync"
	"time"
)

// SimulatedSingleAxisStage is an in-process focus drive. Moves complete
// after a configurable settle time, like a real stage reporting in-position.
type SimulatedSingleAxisStage struct {
	mu         sync.Mutex
	position   float64
	settleTime time.Duration
}

// NewSimulatedSingleAxisStage creates a stage that settles after settleTime
// on each move.
func NewSimulatedSingleAxisStage(settleTime time.Duration) *SimulatedSingleAxisStage {
	return &SimulatedSingleAxisStage{settleTime: settleTime}
}

// SetPosition moves to position, blocking for the settle time.
func (s *SimulatedSingleAxisStage) SetPosition(position float64) error {
	time.Sleep(s.settleTime)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = position
	return nil
}

// GetPosition returns the current position.
func (s *SimulatedSingleAxisStage) GetPosition() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position, nil
}

// SimulatedXYStage is an in-process two-axis stage.
type SimulatedXYStage struct {
	mu         sync.Mutex
	x, y       float64
	settleTime time.Duration

	// sequence state for triggerable operation
	sequence [][2]float64
	maxSeq   int
}

// NewSimulatedXYStage creates an xy stage that settles after settleTime on
// each move and accepts triggered position sequences up to maxSequence long.
func NewSimulatedXYStage(settleTime time.Duration, maxSequence int) *SimulatedXYStage {
	return &SimulatedXYStage{settleTime: settleTime, maxSeq: maxSequence}
}

// SetPosition moves to (x, y), blocking for the settle time.
func (s *SimulatedXYStage) SetPosition(x, y float64) error {
	time.Sleep(s.settleTime)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.x, s.y = x, y
	return nil
}

// GetPosition returns the current position.
func (s *SimulatedXYStage) GetPosition() (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x, s.y, nil
}

// SetPositionSequence loads a sequence of positions to step through on
// external triggers.
func (s *SimulatedXYStage) SetPositionSequence(positions [][2]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(positions) > s.maxSeq {
		return fmt.Errorf("sequence of %d positions exceeds maximum %d", len(positions), s.maxSeq)
	}
	s.sequence = positions
	return nil
}

// GetTriggerableSequenceMaxLength returns the maximum sequence length.
func (s *SimulatedXYStage) GetTriggerableSequenceMaxLength() (int, error) {
	return s.maxSeq, nil
}

// StopPositionSequence clears the loaded sequence.
func (s *SimulatedXYStage) StopPositionSequence() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence = nil
	return nil
}
