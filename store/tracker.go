package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dancesWithCycles/anshar/siri"
)

// requestorState is one registered delta consumer: the keys accepted since
// its last poll and when it last polled (used for idle eviction).
type requestorState struct {
	pending      map[StorageKey]struct{}
	lastPolledAt time.Time
}

// Tracker layers per-requestor delta cursors on top of a Store. Requestors
// never coordinate with each other: each gets its own pending key set, fed
// by broadcast on every accepted write batch and drained atomically when the
// requestor polls.
type Tracker[T siri.Record] struct {
	store  Store[T]
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	requestors map[string]*requestorState
}

// NewTracker creates a tracker over the given store.
func NewTracker[T siri.Record](s Store[T], logger *slog.Logger) *Tracker[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker[T]{
		store:      s,
		logger:     logger,
		now:        time.Now,
		requestors: make(map[string]*requestorState),
	}
}

// UpdatesSince returns what changed since requestorID's previous call.
//
// An empty requestorID returns the full snapshot without registering
// anything (stateless query). The first call for an unseen requestor
// registers it and returns the full snapshot, since a new consumer has no
// prior state to delta against. Subsequent calls atomically swap the pending
// set with an empty one and resolve the drained keys against the store; a
// key that expired since it was recorded resolves to nothing and is dropped
// silently.
func (t *Tracker[T]) UpdatesSince(ctx context.Context, requestorID string) []T {
	return t.updates(ctx, requestorID, "")
}

// UpdatesSinceForDataset behaves like UpdatesSince but restricts results to
// one dataset. The pending set is still drained in full: changes outside the
// dataset are consumed and discarded, matching a cursor that only ever asks
// for that dataset.
func (t *Tracker[T]) UpdatesSinceForDataset(ctx context.Context, requestorID, datasetID string) []T {
	return t.updates(ctx, requestorID, datasetID)
}

func (t *Tracker[T]) updates(ctx context.Context, requestorID, datasetID string) []T {
	if requestorID == "" {
		return t.snapshot(ctx, datasetID)
	}

	t.mu.Lock()
	state, known := t.requestors[requestorID]
	if !known {
		t.requestors[requestorID] = &requestorState{
			pending:      make(map[StorageKey]struct{}),
			lastPolledAt: t.now(),
		}
		t.mu.Unlock()
		t.logger.Debug("registered delta requestor", "requestor", requestorID)
		return t.snapshot(ctx, datasetID)
	}

	drained := state.pending
	state.pending = make(map[StorageKey]struct{})
	state.lastPolledAt = t.now()
	t.mu.Unlock()

	changes := make([]T, 0, len(drained))
	for key := range drained {
		if datasetID != "" && key.DatasetID != datasetID {
			continue
		}
		if rec, ok := t.store.Get(ctx, key); ok {
			changes = append(changes, rec)
		}
	}
	return changes
}

func (t *Tracker[T]) snapshot(ctx context.Context, datasetID string) []T {
	if datasetID == "" {
		return t.store.GetAll(ctx)
	}
	return t.store.GetAllForDataset(ctx, datasetID)
}

// Notify adds the accepted keys of one write batch to every registered
// requestor's pending set. Cost is O(registered requestors) per batch, which
// is acceptable because requestor count is small relative to record volume.
func (t *Tracker[T]) Notify(keys []StorageKey) {
	if len(keys) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, state := range t.requestors {
		for _, key := range keys {
			state.pending[key] = struct{}{}
		}
	}
}

// EvictIdle removes requestors that have not polled within the retention
// window, dropping their pending sets entirely. A requestor that never polls
// would otherwise accumulate an unbounded pending set.
func (t *Tracker[T]) EvictIdle(retention time.Duration) int {
	cutoff := t.now().Add(-retention)

	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for id, state := range t.requestors {
		if state.lastPolledAt.Before(cutoff) {
			delete(t.requestors, id)
			evicted++
			t.logger.Info("evicted idle delta requestor",
				"requestor", id, "pending", len(state.pending))
		}
	}
	return evicted
}

// RequestorCount returns the number of registered requestors.
func (t *Tracker[T]) RequestorCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requestors)
}
