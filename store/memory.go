package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dancesWithCycles/anshar/metric"
	"github.com/dancesWithCycles/anshar/siri"
)

// memoryEntry holds a stored record with the timestamps the acceptance
// decision and the expiry sweep need.
type memoryEntry[T siri.Record] struct {
	record     T
	recordedAt time.Time
	validUntil time.Time
}

func (e *memoryEntry[T]) isExpired(now time.Time) bool {
	return !e.validUntil.After(now)
}

// Memory is the in-process Store adapter: a mutex-guarded map with a
// background sweep that removes expired entries on a fixed interval, so
// memory stays bounded even without read traffic.
type Memory[T siri.Record] struct {
	mu      sync.RWMutex
	items   map[StorageKey]*memoryEntry[T]
	logger  *slog.Logger
	now     func() time.Time
	metrics *metric.Metrics
	kind    string

	sweepInterval time.Duration
	shutdown      chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption[T siri.Record] func(*Memory[T])

// WithMemoryLogger sets the logger used for rejection trace lines.
func WithMemoryLogger[T siri.Record](logger *slog.Logger) MemoryOption[T] {
	return func(m *Memory[T]) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMemoryMetrics counts rejections on the hub metrics, labelled with the
// store's data kind.
func WithMemoryMetrics[T siri.Record](m *metric.Metrics, kind string) MemoryOption[T] {
	return func(s *Memory[T]) {
		s.metrics = m
		s.kind = kind
	}
}

// withClock overrides the time source, for tests.
func withClock[T siri.Record](now func() time.Time) MemoryOption[T] {
	return func(m *Memory[T]) { m.now = now }
}

// NewMemory creates a memory store and starts its expiry sweep. The sweep
// goroutine stops when ctx is cancelled or Close is called.
func NewMemory[T siri.Record](ctx context.Context, sweepInterval time.Duration, opts ...MemoryOption[T]) *Memory[T] {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}

	m := &Memory[T]{
		items:         make(map[StorageKey]*memoryEntry[T]),
		logger:        slog.Default(),
		now:           time.Now,
		sweepInterval: sweepInterval,
		shutdown:      make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.sweep(ctx)
	return m
}

// Put implements Store.
func (m *Memory[T]) Put(_ context.Context, datasetID string, rec T) bool {
	key := NewKey(datasetID, rec)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(key, rec, now) == accepted
}

// PutAll implements Store. Each key's acceptance is independent; the batch
// holds the lock once so the returned key set reflects a single pass.
func (m *Memory[T]) PutAll(_ context.Context, datasetID string, recs []T) []StorageKey {
	now := m.now()
	changed := make([]StorageKey, 0, len(recs))

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range recs {
		key := NewKey(datasetID, rec)
		if m.putLocked(key, rec, now) == accepted {
			changed = append(changed, key)
		}
	}
	return changed
}

func (m *Memory[T]) putLocked(key StorageKey, rec T, now time.Time) rejectReason {
	var existingRecordedAt *time.Time
	existing, ok := m.items[key]
	if ok && !existing.isExpired(now) {
		existingRecordedAt = &existing.recordedAt
	}

	reason := decide(rec, existingRecordedAt, now)
	if reason != accepted {
		m.logger.Debug("record rejected", "key", key.String(), "reason", reason.String())
		if m.metrics != nil {
			m.metrics.RecordRejected(m.kind, key.DatasetID, reason.String())
		}
		return reason
	}

	m.items[key] = &memoryEntry[T]{
		record:     rec,
		recordedAt: rec.RecordedAt(),
		validUntil: rec.ValidUntil(),
	}
	return accepted
}

// Get implements Store. Expired entries are invisible even before the sweep
// removes them.
func (m *Memory[T]) Get(_ context.Context, key StorageKey) (T, bool) {
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.items[key]
	if !ok || entry.isExpired(now) {
		var zero T
		return zero, false
	}
	return entry.record, true
}

// GetAll implements Store.
func (m *Memory[T]) GetAll(_ context.Context) []T {
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]T, 0, len(m.items))
	for _, entry := range m.items {
		if !entry.isExpired(now) {
			out = append(out, entry.record)
		}
	}
	return out
}

// GetAllForDataset implements Store.
func (m *Memory[T]) GetAllForDataset(_ context.Context, datasetID string) []T {
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []T
	for key, entry := range m.items {
		if key.DatasetID == datasetID && !entry.isExpired(now) {
			out = append(out, entry.record)
		}
	}
	return out
}

// Size implements Store.
func (m *Memory[T]) Size(_ context.Context) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Close stops the background sweep.
func (m *Memory[T]) Close() {
	m.closeOnce.Do(func() { close(m.shutdown) })
	<-m.done
}

func (m *Memory[T]) sweep(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.removeExpired()
		}
	}
}

func (m *Memory[T]) removeExpired() {
	now := m.now()

	m.mu.Lock()
	removed := 0
	for key, entry := range m.items {
		if entry.isExpired(now) {
			delete(m.items, key)
			removed++
		}
	}
	remaining := len(m.items)
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Debug("expired entities removed", "removed", removed, "remaining", remaining)
	}
}
