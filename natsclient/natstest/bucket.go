// Package natstest provides an in-memory revision-tracking KV bucket for
// exercising CAS logic without a JetStream server.
package natstest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

type entry struct {
	key      string
	value    []byte
	revision uint64
	created  time.Time
}

func (e entry) Bucket() string                  { return "natstest" }
func (e entry) Key() string                     { return e.key }
func (e entry) Value() []byte                   { return e.value }
func (e entry) Revision() uint64                { return e.revision }
func (e entry) Created() time.Time              { return e.created }
func (e entry) Delta() uint64                   { return 0 }
func (e entry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

// Bucket satisfies natsclient.KVBucket with bucket-wide revision numbering,
// matching how JetStream sequences writes. Construct with NewBucket.
type Bucket struct {
	mu      sync.Mutex
	entries map[string]entry
	rev     uint64

	// BeforeDelete runs at the start of every DeleteRevision call, before
	// the revision check and outside the bucket mutex. Tests use it to
	// interleave writes with deletes.
	BeforeDelete func(key string)
	// FailUpdates makes the next n Update calls report a revision conflict
	// regardless of the revision passed.
	FailUpdates int
}

func NewBucket() *Bucket {
	return &Bucket{entries: make(map[string]entry)}
}

func (b *Bucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return e, nil
}

func (b *Bucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store(key, value), nil
}

func (b *Bucket) Create(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	return b.store(key, value), nil
}

func (b *Bucket) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailUpdates > 0 {
		b.FailUpdates--
		return 0, fmt.Errorf("nats: wrong last sequence: %d", revision)
	}

	e, ok := b.entries[key]
	if !ok || e.revision != revision {
		return 0, fmt.Errorf("nats: wrong last sequence: %d", e.revision)
	}
	return b.store(key, value), nil
}

func (b *Bucket) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[key]; !ok {
		return jetstream.ErrKeyNotFound
	}
	delete(b.entries, key)
	return nil
}

func (b *Bucket) DeleteRevision(_ context.Context, key string, revision uint64) error {
	if b.BeforeDelete != nil {
		b.BeforeDelete(key)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return jetstream.ErrKeyNotFound
	}
	if e.revision != revision {
		return fmt.Errorf("nats: wrong last sequence: %d", e.revision)
	}
	delete(b.entries, key)
	return nil
}

func (b *Bucket) Keys(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

// Len reports how many keys are currently stored.
func (b *Bucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Revision reports the current revision of key, zero when absent.
func (b *Bucket) Revision(key string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries[key].revision
}

func (b *Bucket) store(key string, value []byte) uint64 {
	b.rev++
	b.entries[key] = entry{
		key:      key,
		value:    append([]byte(nil), value...),
		revision: b.rev,
		created:  time.Now(),
	}
	return b.rev
}
