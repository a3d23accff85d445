package cluster

import (
	"context"
	"errors"

	"github.com/dancesWithCycles/anshar/natsclient"
)

// Lock is the lease substrate the coordinator contends on. Acquire and Renew
// report false without error when another holder owns the lease.
type Lock interface {
	Acquire(ctx context.Context, route, holder string) (bool, error)
	Renew(ctx context.Context, route, holder string) (bool, error)
	Release(ctx context.Context, route, holder string) error
}

// KVLock implements Lock on a KV bucket with a per-entry TTL. A crashed
// holder's lease disappears when its entry ages out, freeing the route.
type KVLock struct {
	kv *natsclient.KVStore
}

// NewKVLock wraps a KV store whose bucket carries the lease TTL.
func NewKVLock(kv *natsclient.KVStore) *KVLock {
	return &KVLock{kv: kv}
}

// Acquire takes the lease by creating the route key. An existing key means
// another holder owns it.
func (l *KVLock) Acquire(ctx context.Context, route, holder string) (bool, error) {
	_, err := l.kv.Create(ctx, route, []byte(holder))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, natsclient.ErrKVKeyExists) {
		// Re-acquiring our own lease after a short gap is fine.
		entry, getErr := l.kv.Get(ctx, route)
		if getErr == nil && string(entry.Value) == holder {
			return true, nil
		}
		return false, nil
	}
	return false, err
}

// Renew refreshes the lease entry, restarting its TTL. Returns false when
// the lease vanished or moved to another holder.
func (l *KVLock) Renew(ctx context.Context, route, holder string) (bool, error) {
	entry, err := l.kv.Get(ctx, route)
	if err != nil {
		if errors.Is(err, natsclient.ErrKVKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if string(entry.Value) != holder {
		return false, nil
	}

	if _, err := l.kv.Update(ctx, route, []byte(holder), entry.Revision); err != nil {
		if natsclient.IsKVConflictError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Release drops the lease when we still hold it.
func (l *KVLock) Release(ctx context.Context, route, holder string) error {
	entry, err := l.kv.Get(ctx, route)
	if err != nil {
		if errors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil
		}
		return err
	}
	if string(entry.Value) != holder {
		return nil
	}
	// Guarded by revision: a lease that moved to a new holder between the
	// read and the delete stays untouched.
	err = l.kv.DeleteRevision(ctx, route, entry.Revision)
	if errors.Is(err, natsclient.ErrKVRevisionMismatch) || errors.Is(err, natsclient.ErrKVKeyNotFound) {
		return nil
	}
	return err
}
