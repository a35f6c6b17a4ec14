// Package storage provides data storage backends for the execution engine's
// data pipeline.
package storage

import (
	"fmt"
	"sync"

	"github.com/openscope-project/acqengine"
)

// MemoryStorage is an in-memory DataStorage backend. It is primarily useful
// for tests and for short acquisitions that fit in RAM.
type MemoryStorage struct {
	mu       sync.RWMutex
	data     map[string]any
	metadata map[string]acqengine.Metadata
	order    []acqengine.DataCoordinates
	finished bool
}

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		data:     make(map[string]any),
		metadata: make(map[string]acqengine.Metadata),
	}
}

// Put stores a datum. Ownership of data passes to the backend.
func (s *MemoryStorage) Put(coords acqengine.DataCoordinates, data any, metadata acqengine.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return fmt.Errorf("storage already finished, cannot store %s", coords)
	}
	key := coords.Key()
	if _, exists := s.data[key]; !exists {
		s.order = append(s.order, coords)
	}
	s.data[key] = data
	s.metadata[key] = metadata
	return nil
}

// GetData returns the stored datum for coords.
func (s *MemoryStorage) GetData(coords acqengine.DataCoordinates) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[coords.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", acqengine.ErrNotFound, coords)
	}
	return data, nil
}

// GetMetadata returns the stored metadata for coords.
func (s *MemoryStorage) GetMetadata(coords acqengine.DataCoordinates) (acqengine.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	metadata, ok := s.metadata[coords.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", acqengine.ErrNotFound, coords)
	}
	return metadata, nil
}

// Contains reports whether a datum is stored at coords.
func (s *MemoryStorage) Contains(coords acqengine.DataCoordinates) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[coords.Key()]
	return ok
}

// Finish marks the end of the stream. Further Puts fail.
func (s *MemoryStorage) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	return nil
}

// Finished reports whether Finish has been called.
func (s *MemoryStorage) Finished() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finished
}

// Count returns the number of stored data.
func (s *MemoryStorage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Coordinates returns the coordinates of every stored datum in storage
// order.
func (s *MemoryStorage) Coordinates() []acqengine.DataCoordinates {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]acqengine.DataCoordinates, len(s.order))
	copy(out, s.order)
	return out
}
