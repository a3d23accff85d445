package natsclient_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dancesWithCycles/anshar/natsclient"
	"github.com/dancesWithCycles/anshar/natsclient/natstest"
	"github.com/dancesWithCycles/anshar/pkg/retry"
)

func newTestKV(t *testing.T) (*natsclient.KVStore, *natstest.Bucket) {
	t.Helper()
	bucket := natstest.NewBucket()
	return natsclient.NewKVStore(bucket, nil), bucket
}

func TestKVGetMissingKey(t *testing.T) {
	kv, _ := newTestKV(t)

	_, err := kv.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, natsclient.ErrKVKeyNotFound)
}

func TestKVCreateThenGet(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	rev, err := kv.Create(ctx, "k", []byte("v1"))
	require.NoError(t, err)

	entry, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), entry.Value)
	assert.Equal(t, rev, entry.Revision)
}

func TestKVCreateExistingKey(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	_, err := kv.Create(ctx, "k", []byte("v1"))
	require.NoError(t, err)

	_, err = kv.Create(ctx, "k", []byte("v2"))
	assert.ErrorIs(t, err, natsclient.ErrKVKeyExists)
}

func TestKVUpdateWrongRevision(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	rev, err := kv.Create(ctx, "k", []byte("v1"))
	require.NoError(t, err)

	_, err = kv.Update(ctx, "k", []byte("v2"), rev+10)
	assert.ErrorIs(t, err, natsclient.ErrKVRevisionMismatch)

	entry, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), entry.Value)
}

func TestUpdateWithRetryCreatesWhenAbsent(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	err := kv.UpdateWithRetry(ctx, "k", func(current []byte) ([]byte, error) {
		assert.Nil(t, current)
		return []byte("fresh"), nil
	})
	require.NoError(t, err)

	entry, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), entry.Value)
}

func TestUpdateWithRetryRetriesConflicts(t *testing.T) {
	kv, bucket := newTestKV(t)
	ctx := context.Background()

	_, err := kv.Create(ctx, "k", []byte("v1"))
	require.NoError(t, err)

	// The first two CAS attempts lose the race; the third lands.
	bucket.FailUpdates = 2

	calls := 0
	err = kv.UpdateWithRetry(ctx, "k", func(current []byte) ([]byte, error) {
		calls++
		return []byte("v2"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	entry, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), entry.Value)
}

func TestUpdateWithRetryNonRetryableAborts(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	sentinel := errors.New("dropped")
	calls := 0
	err := kv.UpdateWithRetry(ctx, "k", func(current []byte) ([]byte, error) {
		calls++
		return nil, retry.NonRetryable(sentinel)
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)

	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, natsclient.ErrKVKeyNotFound)
}

func TestDeleteRevisionMatchRemoves(t *testing.T) {
	kv, bucket := newTestKV(t)
	ctx := context.Background()

	rev, err := kv.Create(ctx, "k", []byte("v1"))
	require.NoError(t, err)

	require.NoError(t, kv.DeleteRevision(ctx, "k", rev))
	assert.Zero(t, bucket.Len())
}

func TestDeleteRevisionConflictKeepsKey(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	rev, err := kv.Create(ctx, "k", []byte("v1"))
	require.NoError(t, err)

	// Another writer moves the key on after we read it.
	_, err = kv.Put(ctx, "k", []byte("v2"))
	require.NoError(t, err)

	err = kv.DeleteRevision(ctx, "k", rev)
	assert.ErrorIs(t, err, natsclient.ErrKVRevisionMismatch)

	entry, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), entry.Value)
}

func TestKeysEmptyBucketNotAnError(t *testing.T) {
	kv, _ := newTestKV(t)

	keys, err := kv.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}
