package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	ansharerrors "github.com/dancesWithCycles/anshar/errors"
	"github.com/dancesWithCycles/anshar/natsclient"
	"github.com/dancesWithCycles/anshar/pkg/retry"
	"github.com/dancesWithCycles/anshar/siri"
)

// kvEntity is the envelope persisted per key in the KV bucket. RecordedAt
// and ValidUntil are lifted out of the record so the acceptance decision and
// the expiry sweep never need the domain type's methods on the read path.
type kvEntity[T siri.Record] struct {
	Record     T         `json:"record"`
	RecordedAt time.Time `json:"recordedAt,omitempty"`
	ValidUntil time.Time `json:"validUntil"`
}

// KV is the cluster-shared Store adapter backed by a JetStream key-value
// bucket. The per-key acceptance decision runs inside a versioned
// compare-and-swap, so concurrent writers on different nodes cannot lose the
// freshness race: whoever holds the older record gets rejected on retry.
type KV[T siri.Record] struct {
	kv     *natsclient.KVStore
	logger *slog.Logger
	now    func() time.Time

	sweepInterval time.Duration
	shutdown      chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
}

// NewKV creates a KV store adapter and starts its expiry sweep.
func NewKV[T siri.Record](ctx context.Context, kvs *natsclient.KVStore, sweepInterval time.Duration, logger *slog.Logger) *KV[T] {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &KV[T]{
		kv:            kvs,
		logger:        logger,
		now:           time.Now,
		sweepInterval: sweepInterval,
		shutdown:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	go s.sweep(ctx)
	return s
}

// Put implements Store.
func (s *KV[T]) Put(ctx context.Context, datasetID string, rec T) bool {
	key := NewKey(datasetID, rec)
	return s.putOne(ctx, key, rec)
}

// PutAll implements Store. Keys are independent; a failure on one key does
// not affect the rest of the batch.
func (s *KV[T]) PutAll(ctx context.Context, datasetID string, recs []T) []StorageKey {
	changed := make([]StorageKey, 0, len(recs))
	for _, rec := range recs {
		key := NewKey(datasetID, rec)
		if s.putOne(ctx, key, rec) {
			changed = append(changed, key)
		}
	}
	return changed
}

func (s *KV[T]) putOne(ctx context.Context, key StorageKey, rec T) bool {
	now := s.now()
	stored := false

	err := s.kv.UpdateWithRetry(ctx, key.Encode(), func(current []byte) ([]byte, error) {
		stored = false

		var existingRecordedAt *time.Time
		if len(current) > 0 {
			var existing kvEntity[T]
			if err := json.Unmarshal(current, &existing); err == nil && existing.ValidUntil.After(now) {
				ts := existing.RecordedAt
				existingRecordedAt = &ts
			}
			// A corrupt or expired stored value is simply replaced if the
			// incoming record passes its own checks.
		}

		reason := decide(rec, existingRecordedAt, now)
		if reason != accepted {
			s.logger.Debug("record rejected", "key", key.String(), "reason", reason.String())
			return nil, retry.NonRetryable(reason.Err())
		}

		value, err := json.Marshal(kvEntity[T]{
			Record:     rec,
			RecordedAt: rec.RecordedAt(),
			ValidUntil: rec.ValidUntil(),
		})
		if err != nil {
			return nil, retry.NonRetryable(err)
		}
		stored = true
		return value, nil
	})

	if err != nil {
		// Rejections flow out of the closure as classified invalid errors
		// and never reach callers; anything else is a real storage failure.
		if !ansharerrors.IsInvalid(err) {
			s.logger.Warn("kv put failed", "key", key.String(), "error", err)
		}
		return false
	}
	return stored
}

// Get implements Store.
func (s *KV[T]) Get(ctx context.Context, key StorageKey) (T, bool) {
	var zero T

	entry, err := s.kv.Get(ctx, key.Encode())
	if err != nil {
		if !errors.Is(err, natsclient.ErrKVKeyNotFound) {
			s.logger.Warn("kv get failed", "key", key.String(), "error", err)
		}
		return zero, false
	}

	var entity kvEntity[T]
	if err := json.Unmarshal(entry.Value, &entity); err != nil {
		s.logger.Warn("stored entity corrupt", "key", key.String(), "error", err)
		return zero, false
	}
	if !entity.ValidUntil.After(s.now()) {
		return zero, false
	}
	return entity.Record, true
}

// GetAll implements Store.
func (s *KV[T]) GetAll(ctx context.Context) []T {
	return s.collect(ctx, "")
}

// GetAllForDataset implements Store.
func (s *KV[T]) GetAllForDataset(ctx context.Context, datasetID string) []T {
	return s.collect(ctx, DatasetPrefix(datasetID))
}

func (s *KV[T]) collect(ctx context.Context, prefix string) []T {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		s.logger.Warn("kv key listing failed", "error", err)
		return nil
	}

	now := s.now()
	var out []T
	for _, raw := range keys {
		if prefix != "" && !strings.HasPrefix(raw, prefix) {
			continue
		}
		entry, err := s.kv.Get(ctx, raw)
		if err != nil {
			continue
		}
		var entity kvEntity[T]
		if err := json.Unmarshal(entry.Value, &entity); err != nil {
			continue
		}
		if entity.ValidUntil.After(now) {
			out = append(out, entity.Record)
		}
	}
	return out
}

// Size implements Store.
func (s *KV[T]) Size(ctx context.Context) int {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return 0
	}
	return len(keys)
}

// Close stops the background sweep.
func (s *KV[T]) Close() {
	s.closeOnce.Do(func() { close(s.shutdown) })
	<-s.done
}

func (s *KV[T]) sweep(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.removeExpired(ctx)
		}
	}
}

func (s *KV[T]) removeExpired(ctx context.Context) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		s.logger.Warn("expiry sweep skipped", "error", err)
		return
	}

	now := s.now()
	removed := 0
	for _, raw := range keys {
		entry, err := s.kv.Get(ctx, raw)
		if err != nil {
			continue
		}
		var entity kvEntity[T]
		if err := json.Unmarshal(entry.Value, &entity); err != nil {
			// Unreadable entries are removed rather than kept forever.
			if s.deleteAtRevision(ctx, raw, entry.Revision) {
				removed++
			}
			continue
		}
		if !entity.ValidUntil.After(now) {
			if s.deleteAtRevision(ctx, raw, entry.Revision) {
				removed++
			}
		}
	}

	if removed > 0 {
		s.logger.Debug("expired entities removed from kv", "removed", removed)
	}
}

// deleteAtRevision removes a key only while it still holds the state the
// sweep judged expired. A writer that replaced the entry in between wins;
// the new state owns the key and the sweep moves on.
func (s *KV[T]) deleteAtRevision(ctx context.Context, raw string, revision uint64) bool {
	err := s.kv.DeleteRevision(ctx, raw, revision)
	switch {
	case err == nil:
		return true
	case errors.Is(err, natsclient.ErrKVRevisionMismatch),
		errors.Is(err, natsclient.ErrKVKeyNotFound):
		return false
	default:
		s.logger.Warn("expired entity delete failed", "key", raw, "error", err)
		return false
	}
}
