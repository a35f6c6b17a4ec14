package acqengine

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Metadata is the JSON-like metadata attached to each produced datum.
type Metadata map[string]any

// DataStorage is the external storage collaborator at the end of the data
// pipeline. Put consumes ownership of the datum; after it returns, the
// storage backend is responsible for the data. Finish signals the end of the
// stream.
type DataStorage interface {
	Put(coords DataCoordinates, data any, metadata Metadata) error
	GetData(coords DataCoordinates) (any, error)
	GetMetadata(coords DataCoordinates) (Metadata, error)
	Contains(coords DataCoordinates) bool
	Finish() error
}

// DataItem is one (coordinates, data, metadata) triple produced by a
// DataProcessor.
type DataItem struct {
	Coords   DataCoordinates
	Data     any
	Metadata Metadata
}

// DataProcessor transforms a datum on its way to storage. It may return nil
// (the datum is discarded or diverted), a single replacement, or several
// items (fan-out). If no returned item carries the original coordinates, the
// original entry is dropped.
type DataProcessor func(coords DataCoordinates, data any, metadata Metadata) ([]DataItem, error)

// handlerSentinelKey marks the end of the stream inside the pipeline queues.
// Coordinate keys never contain a NUL byte, so it cannot collide.
const handlerSentinelKey = "\x00finish"

// dataEntry is the in-flight record for one coordinate.
type dataEntry struct {
	coords    DataCoordinates
	data      any
	metadata  Metadata
	future    *ExecutionFuture
	processed bool
}

// DataHandler moves produced data through the two-stage pipeline:
// intake → optional processor → storage. While a datum is in flight it
// remains accessible through Get, so consumers can look at data before it
// reaches (or instead of hitting) the storage backend.
//
// The handler owns one worker goroutine for intake and, when a processor is
// configured, a second one for storage handoff. Data reaches storage in
// intake-arrival order for a given processor result stream.
type DataHandler struct {
	engine    *ExecutionEngine
	storage   DataStorage
	processor DataProcessor

	intake    *FIFOQueue[string]
	processed *FIFOQueue[string]

	mu      sync.RWMutex
	entries map[string]*dataEntry

	finished atomic.Bool
	wg       sync.WaitGroup
}

// DataHandlerOption configures a new DataHandler.
type DataHandlerOption func(*DataHandler)

// WithProcessor interposes a transform between intake and storage.
func WithProcessor(p DataProcessor) DataHandlerOption {
	return func(h *DataHandler) { h.processor = p }
}

// NewDataHandler creates a running pipeline feeding the given storage
// backend.
func NewDataHandler(engine *ExecutionEngine, storage DataStorage, opts ...DataHandlerOption) *DataHandler {
	h := &DataHandler{
		engine:  engine,
		storage: storage,
		intake:  NewFIFOQueue[string](),
		entries: make(map[string]*dataEntry),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.wg.Add(1)
	go h.runIntake()
	if h.processor != nil {
		h.processed = NewFIFOQueue[string]()
		h.wg.Add(1)
		go h.runStorage()
	}
	return h
}

// Put hands a datum to the pipeline. The entry becomes visible to Get
// immediately. If a future is given, it is notified as the datum passes the
// acquired, processed, and stored stages.
func (h *DataHandler) Put(coords DataCoordinates, data any, metadata Metadata, future *ExecutionFuture) {
	if h.finished.Load() {
		h.engine.logger.Warn("data put after Finish was ignored", "coords", coords.String())
		return
	}
	key := coords.Key()
	h.mu.Lock()
	h.entries[key] = &dataEntry{coords: coords, data: data, metadata: metadata, future: future}
	h.mu.Unlock()
	if err := h.intake.Put(key); err != nil {
		h.engine.logger.Warn("data put after pipeline shutdown was ignored", "coords", coords.String())
		return
	}
	if future != nil {
		future.notifyData(coords, data, metadata, false, false)
	}
}

// Get returns the datum for coords. In-flight entries are served from
// memory; entries that already reached storage are fetched back from the
// storage backend. With WithProcessed, an entry that has not yet passed the
// processor reports ErrNotFound. WithoutData / WithoutMetadata skip the
// respective retrieval, which can avoid a disk read.
func (h *DataHandler) Get(coords DataCoordinates, opts ...AwaitDataOption) (any, Metadata, error) {
	var o awaitDataOptions
	for _, opt := range opts {
		opt(&o)
	}
	key := coords.Key()
	h.mu.RLock()
	entry := h.entries[key]
	h.mu.RUnlock()

	if entry != nil {
		if o.processed && !entry.processed {
			return nil, nil, fmt.Errorf("%w: %s has not been processed yet", ErrNotFound, coords)
		}
		data, metadata := entry.data, entry.metadata
		if o.noData {
			data = nil
		}
		if o.noMetadata {
			metadata = nil
		}
		return data, metadata, nil
	}

	var data any
	var metadata Metadata
	if !o.noData {
		var err error
		if data, err = h.storage.GetData(coords); err != nil {
			return nil, nil, fmt.Errorf("data for %s: %w", coords, err)
		}
	}
	if !o.noMetadata {
		var err error
		if metadata, err = h.storage.GetMetadata(coords); err != nil {
			return nil, nil, fmt.Errorf("metadata for %s: %w", coords, err)
		}
	}
	return data, metadata, nil
}

// Finish signals that no more data will be added. The sentinel propagates
// through the pipeline; once the last datum is handed off, the workers call
// the storage backend's Finish and exit.
func (h *DataHandler) Finish() {
	if h.finished.Swap(true) {
		return
	}
	if err := h.intake.Put(handlerSentinelKey); err != nil {
		h.engine.logger.Warn("finish after pipeline shutdown")
	}
}

// AwaitCompletion blocks until the pipeline workers have exited. Call after
// Finish.
func (h *DataHandler) AwaitCompletion() {
	h.wg.Wait()
}

func (h *DataHandler) runIntake() {
	defer h.wg.Done()
	for {
		if h.processor == nil {
			if done := h.transferToStorage(h.intake); done {
				return
			}
			continue
		}
		// Leave the head in place until processing is done so Join observers
		// and concurrent Gets see the entry as in flight.
		key, err := h.intake.Peek()
		if err != nil {
			return
		}
		if key == handlerSentinelKey {
			h.popIntakeHead()
			if err := h.processed.Put(handlerSentinelKey); err != nil {
				h.engine.logger.Error("failed to propagate pipeline shutdown", "error", err)
			}
			return
		}
		h.processEntry(key)
		h.popIntakeHead()
	}
}

func (h *DataHandler) popIntakeHead() {
	if _, err := h.intake.Get(true); err == nil {
		h.intake.TaskDone()
	}
}

func (h *DataHandler) processEntry(key string) {
	h.mu.RLock()
	entry := h.entries[key]
	h.mu.RUnlock()
	if entry == nil {
		return
	}

	items, err := h.processor(entry.coords, entry.data, entry.metadata)
	if err != nil {
		h.engine.logException(fmt.Errorf("processor failed for %s: %w", entry.coords, err))
		items = nil
	}

	originalReplaced := false
	for _, item := range items {
		itemKey := item.Coords.Key()
		if itemKey == key {
			originalReplaced = true
		}
		h.mu.Lock()
		h.entries[itemKey] = &dataEntry{
			coords:    item.Coords,
			data:      item.Data,
			metadata:  item.Metadata,
			future:    entry.future,
			processed: true,
		}
		h.mu.Unlock()
		if err := h.processed.Put(itemKey); err != nil {
			h.engine.logger.Error("processed queue rejected item", "coords", item.Coords.String(), "error", err)
			continue
		}
		if entry.future != nil {
			entry.future.notifyData(item.Coords, item.Data, item.Metadata, true, false)
		}
	}
	if !originalReplaced {
		// The processor did not yield an item with the original coordinates;
		// the original entry is dropped (discarded or diverted).
		h.mu.Lock()
		delete(h.entries, key)
		h.mu.Unlock()
	}
}

func (h *DataHandler) runStorage() {
	defer h.wg.Done()
	for {
		if done := h.transferToStorage(h.processed); done {
			return
		}
	}
}

// transferToStorage hands the head of src to the storage backend. Returns
// true when the shutdown sentinel was reached.
func (h *DataHandler) transferToStorage(src *FIFOQueue[string]) bool {
	key, err := src.Peek()
	if err != nil {
		return true
	}
	if key == handlerSentinelKey {
		if _, err := src.Get(true); err == nil {
			src.TaskDone()
		}
		if err := h.storage.Finish(); err != nil {
			h.engine.logException(fmt.Errorf("storage finish failed: %w", err))
		}
		return true
	}

	h.mu.RLock()
	entry := h.entries[key]
	h.mu.RUnlock()

	if entry != nil {
		if err := h.storage.Put(entry.coords, entry.data, entry.metadata); err != nil {
			h.engine.logException(fmt.Errorf("storage put failed for %s: %w", entry.coords, err))
			entry = nil // no stored notification for a failed handoff
		} else {
			h.engine.PublishNotification(NewDataStoredNotification(entry.coords))
			h.engine.metrics.observeDataStored()
		}
	}

	if _, err := src.Get(true); err == nil {
		src.TaskDone()
	}
	h.mu.Lock()
	delete(h.entries, key)
	h.mu.Unlock()
	if entry != nil && entry.future != nil {
		entry.future.notifyData(entry.coords, entry.data, entry.metadata, true, true)
	}
	return false
}
