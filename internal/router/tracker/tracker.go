// Package tracker provides the single in-flight message tracking entity
// for the router: the InFlightTracker. It replaces the teacher's three
// parallel sync.Maps (inPipelineMap, inPipelineTimestamps,
// appIdToPipelineKey) with one testable type exposing the dual-index
// (pipelineKey, applicationId) invariant the manager's duplicate
// classification depends on.
package tracker

import (
	"sync"
	"time"

	"go.relaymesh.dev/internal/router/model"
)

// Callback is the minimal ack/nack surface the tracker stores per entry.
// Queue-specific message types satisfy this directly.
type Callback interface {
	Ack() error
	Nack() error
}

// Entry is a single tracked in-flight message.
type Entry struct {
	PipelineKey     string
	ApplicationID   string
	Message         *model.MessagePointer
	Callback        Callback
	QueueIdentifier string
	TrackedAt       time.Time
}

// InFlightTracker is the sole arbiter of "is this message in the
// pipeline". track and remove on the same key are mutually exclusive;
// all other operations are lock-free reads against the same maps.
type InFlightTracker struct {
	mu            sync.Mutex
	byPipelineKey sync.Map // pipelineKey -> *Entry
	byAppID       sync.Map // applicationId -> pipelineKey
}

// New creates an empty tracker.
func New() *InFlightTracker {
	return &InFlightTracker{}
}

// Track admits a message, keyed by pipelineKey (brokerMessageID if
// present, else applicationID). Admission is exactly-once by both
// pipelineKey and applicationID: a conflict on either returns
// duplicate=true and no entry is recorded.
func (t *InFlightTracker) Track(pipelineKey, applicationID string, message *model.MessagePointer, callback Callback, queueIdentifier string) (entry *Entry, duplicate bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byPipelineKey.Load(pipelineKey); exists {
		return nil, true
	}
	if _, exists := t.byAppID.Load(applicationID); exists {
		return nil, true
	}

	entry = &Entry{
		PipelineKey:     pipelineKey,
		ApplicationID:   applicationID,
		Message:         message,
		Callback:        callback,
		QueueIdentifier: queueIdentifier,
		TrackedAt:       time.Now(),
	}
	t.byPipelineKey.Store(pipelineKey, entry)
	t.byAppID.Store(applicationID, pipelineKey)
	return entry, false
}

// Remove atomically deletes a tracked entry from both indices and
// returns it, for callback dispatch by the caller.
func (t *InFlightTracker) Remove(pipelineKey string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	value, ok := t.byPipelineKey.Load(pipelineKey)
	if !ok {
		return nil, false
	}
	entry := value.(*Entry)
	t.byPipelineKey.Delete(pipelineKey)
	t.byAppID.Delete(entry.ApplicationID)
	return entry, true
}

// ContainsKey reports whether pipelineKey is currently tracked.
func (t *InFlightTracker) ContainsKey(pipelineKey string) bool {
	_, ok := t.byPipelineKey.Load(pipelineKey)
	return ok
}

// IsInFlight reports whether applicationID is currently tracked.
func (t *InFlightTracker) IsInFlight(applicationID string) bool {
	_, ok := t.byAppID.Load(applicationID)
	return ok
}

// PipelineKeyFor returns the pipelineKey currently tracking applicationID, if any.
func (t *InFlightTracker) PipelineKeyFor(applicationID string) (string, bool) {
	value, ok := t.byAppID.Load(applicationID)
	if !ok {
		return "", false
	}
	return value.(string), true
}

// Get returns the tracked entry for pipelineKey, if any.
func (t *InFlightTracker) Get(pipelineKey string) (*Entry, bool) {
	value, ok := t.byPipelineKey.Load(pipelineKey)
	if !ok {
		return nil, false
	}
	return value.(*Entry), true
}

// GetCallback returns the stored callback for pipelineKey, if any.
func (t *InFlightTracker) GetCallback(pipelineKey string) (Callback, bool) {
	entry, ok := t.Get(pipelineKey)
	if !ok {
		return nil, false
	}
	return entry.Callback, true
}

// UpdateReceiptHandle applies a new receipt handle to the callback
// stored for pipelineKey, when the callback supports it (see
// queue.ReceiptHandleUpdatable). Resolves Open Question 1: only the
// SQS-like variant implements this; other callbacks are left untouched.
func (t *InFlightTracker) UpdateReceiptHandle(pipelineKey string, updater func(Callback)) bool {
	entry, ok := t.Get(pipelineKey)
	if !ok {
		return false
	}
	updater(entry.Callback)
	return true
}

// Clear removes every tracked entry and returns them, for bulk nack
// during shutdown.
func (t *InFlightTracker) Clear() []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := make([]*Entry, 0)
	t.byPipelineKey.Range(func(key, value interface{}) bool {
		entries = append(entries, value.(*Entry))
		return true
	})
	for _, entry := range entries {
		t.byPipelineKey.Delete(entry.PipelineKey)
		t.byAppID.Delete(entry.ApplicationID)
	}
	return entries
}

// Size returns the number of currently tracked entries.
func (t *InFlightTracker) Size() int {
	count := 0
	t.byPipelineKey.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}
