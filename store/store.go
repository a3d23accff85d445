package store

import (
	"context"
	"time"

	ansharerrors "github.com/dancesWithCycles/anshar/errors"
	"github.com/dancesWithCycles/anshar/siri"
)

// Store is the latest-state entity store for one data kind. Both adapters
// guarantee the same contract: at most one entity per key, the stored
// entity's RecordedAt is never older than any record previously rejected for
// that key, and no entity past its ValidUntil is observably present.
type Store[T siri.Record] interface {
	// Put applies the acceptance rules to a single record and stores it if
	// accepted. Rejections are silent: no error, no mutation.
	Put(ctx context.Context, datasetID string, rec T) bool
	// PutAll applies Put semantics per record. The batch is not atomic
	// across records; the returned key set is exactly those keys that
	// mutated the store and is the single signal fed to change tracking
	// and push dispatch.
	PutAll(ctx context.Context, datasetID string, recs []T) []StorageKey
	// Get returns the entity for a key, if present and not expired.
	Get(ctx context.Context, key StorageKey) (T, bool)
	// GetAll returns a snapshot of all valid entities.
	GetAll(ctx context.Context) []T
	// GetAllForDataset returns a snapshot of all valid entities in a dataset.
	GetAllForDataset(ctx context.Context, datasetID string) []T
	// Size returns the number of stored entities, expired-but-unswept
	// entries included.
	Size(ctx context.Context) int
}

// rejectReason classifies why a record was not accepted. Rejections are
// never surfaced to callers; the reason only feeds debug logs and counters.
type rejectReason int

const (
	accepted rejectReason = iota
	rejectValidation
	rejectStale
	rejectExpired
)

func (r rejectReason) String() string {
	switch r {
	case accepted:
		return "accepted"
	case rejectValidation:
		return "validation"
	case rejectStale:
		return "stale"
	case rejectExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Err maps the reason onto the shared rejection sentinels so CAS closures
// and classification agree on what a rejection is.
func (r rejectReason) Err() error {
	switch r {
	case rejectValidation:
		return ansharerrors.ErrValidationRejected
	case rejectStale:
		return ansharerrors.ErrStaleRejected
	case rejectExpired:
		return ansharerrors.ErrExpiredRejected
	default:
		return nil
	}
}

// decide applies the acceptance rules shared by both adapters.
// existingRecordedAt is the stored entity's timestamp, nil when the key is
// not currently occupied.
func decide(rec siri.Record, existingRecordedAt *time.Time, now time.Time) rejectReason {
	if !rec.IsValid() {
		return rejectValidation
	}

	validUntil := rec.ValidUntil()
	if validUntil.IsZero() || !validUntil.After(now) {
		return rejectExpired
	}

	if existingRecordedAt != nil {
		incoming := rec.RecordedAt()
		// A missing RecordedAt on either side is treated as always-newer,
		// matching feeds that omit the timestamp entirely. When both are
		// present the incoming record must be strictly newer; ties keep
		// the existing entity.
		if !incoming.IsZero() && !existingRecordedAt.IsZero() && !incoming.After(*existingRecordedAt) {
			return rejectStale
		}
	}

	return accepted
}
