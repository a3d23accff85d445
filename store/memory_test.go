package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dancesWithCycles/anshar/siri"
)

func newTestStore(t *testing.T) *Memory[siri.VehicleActivity] {
	t.Helper()
	m := NewMemory[siri.VehicleActivity](context.Background(), time.Hour)
	t.Cleanup(m.Close)
	return m
}

func activity(id string, recordedAt, validUntil time.Time) siri.VehicleActivity {
	return siri.VehicleActivity{
		ItemIdentifier: id,
		RecordedAtTime: recordedAt,
		ValidUntilTime: validUntil,
		MonitoredVehicleJourney: siri.MonitoredVehicleJourney{
			LineRef:    "Line:1",
			VehicleRef: "Vehicle:7",
		},
	}
}

func TestMemoryPut_AcceptsFreshRecord(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	ok := m.Put(ctx, "TST", activity("a", now, now.Add(10*time.Minute)))
	require.True(t, ok)

	got, found := m.Get(ctx, StorageKey{DatasetID: "TST", ID: "a"})
	require.True(t, found)
	assert.Equal(t, "a", got.ItemIdentifier)
	assert.Equal(t, 1, m.Size(ctx))
}

func TestMemoryPut_FreshnessOrdering(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now()
	validUntil := t0.Add(10 * time.Minute)
	key := StorageKey{DatasetID: "TST", ID: "k"}

	require.True(t, m.Put(ctx, "TST", activity("k", t0, validUntil)))

	// Older record arrives late: rejected, stored entity unchanged.
	assert.False(t, m.Put(ctx, "TST", activity("k", t0.Add(-time.Second), validUntil)))
	got, _ := m.Get(ctx, key)
	assert.True(t, got.RecordedAtTime.Equal(t0))

	// Strictly newer record replaces.
	t2 := t0.Add(time.Second)
	assert.True(t, m.Put(ctx, "TST", activity("k", t2, validUntil)))
	got, _ = m.Get(ctx, key)
	assert.True(t, got.RecordedAtTime.Equal(t2))
}

func TestMemoryPut_EqualTimestampKeepsExisting(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now()
	validUntil := t0.Add(10 * time.Minute)

	first := activity("k", t0, validUntil)
	first.MonitoredVehicleJourney.DirectionRef = "first"
	second := activity("k", t0, validUntil)
	second.MonitoredVehicleJourney.DirectionRef = "second"

	require.True(t, m.Put(ctx, "TST", first))
	assert.False(t, m.Put(ctx, "TST", second), "equal RecordedAt must keep the first-submitted record")

	got, _ := m.Get(ctx, StorageKey{DatasetID: "TST", ID: "k"})
	assert.Equal(t, "first", got.MonitoredVehicleJourney.DirectionRef)
}

func TestMemoryPut_MissingRecordedAtTreatedAsNewer(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now()
	validUntil := t0.Add(10 * time.Minute)

	require.True(t, m.Put(ctx, "TST", activity("k", t0, validUntil)))

	// Incoming record without RecordedAt replaces regardless of the
	// stored timestamp.
	noTimestamp := activity("k", time.Time{}, validUntil)
	noTimestamp.MonitoredVehicleJourney.DirectionRef = "untimed"
	assert.True(t, m.Put(ctx, "TST", noTimestamp))

	// And a timestamped record replaces a stored untimed one too.
	assert.True(t, m.Put(ctx, "TST", activity("k", t0.Add(-time.Hour), validUntil)))
}

func TestMemoryPut_RejectsExpired(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	assert.False(t, m.Put(ctx, "TST", activity("k", now, now.Add(-time.Second))),
		"validUntil in the past must be rejected")
	assert.False(t, m.Put(ctx, "TST", activity("k", now, time.Time{})),
		"absent validUntil must be rejected")

	_, found := m.Get(ctx, StorageKey{DatasetID: "TST", ID: "k"})
	assert.False(t, found)
}

func TestMemoryPut_RejectsInvalid(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	meaningless := siri.VehicleActivity{
		ItemIdentifier: "k",
		RecordedAtTime: now,
		ValidUntilTime: now.Add(time.Hour),
		// No line, course or direction reference at all.
	}
	assert.False(t, m.Put(ctx, "TST", meaningless))
	assert.Zero(t, m.Size(ctx))
}

func TestMemoryPutAll_ReturnsExactlyAcceptedKeys(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	validUntil := now.Add(10 * time.Minute)

	require.True(t, m.Put(ctx, "TST", activity("dup", now, validUntil)))

	batch := []siri.VehicleActivity{
		activity("a", now, validUntil),
		activity("dup", now, validUntil),                // stale (equal timestamp)
		activity("expired", now, now.Add(-time.Minute)), // expired
		activity("b", now, validUntil),
	}
	changed := m.PutAll(ctx, "TST", batch)

	require.Len(t, changed, 2)
	assert.Contains(t, changed, StorageKey{DatasetID: "TST", ID: "a"})
	assert.Contains(t, changed, StorageKey{DatasetID: "TST", ID: "b"})
}

func TestMemoryGet_ExpiredIsInvisibleBeforeSweep(t *testing.T) {
	current := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	m := NewMemory[siri.VehicleActivity](context.Background(), time.Hour, withClock[siri.VehicleActivity](clock))
	t.Cleanup(m.Close)
	ctx := context.Background()

	require.True(t, m.Put(ctx, "TST", activity("k", current, current.Add(10*time.Minute))))

	mu.Lock()
	current = current.Add(11 * time.Minute)
	mu.Unlock()

	_, found := m.Get(ctx, StorageKey{DatasetID: "TST", ID: "k"})
	assert.False(t, found, "expired entity must never be retrievable")
	assert.Empty(t, m.GetAll(ctx))
}

func TestMemorySweep_RemovesExpiredWithoutReads(t *testing.T) {
	current := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	m := NewMemory[siri.VehicleActivity](context.Background(), 10*time.Millisecond, withClock[siri.VehicleActivity](clock))
	t.Cleanup(m.Close)
	ctx := context.Background()

	require.True(t, m.Put(ctx, "TST", activity("k", current, current.Add(time.Minute))))

	mu.Lock()
	current = current.Add(2 * time.Minute)
	mu.Unlock()

	assert.Eventually(t, func() bool {
		return m.Size(ctx) == 0
	}, time.Second, 10*time.Millisecond, "sweep should remove expired entries independent of traffic")
}

func TestMemoryGetAllForDataset(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	validUntil := now.Add(10 * time.Minute)

	m.Put(ctx, "AAA", activity("1", now, validUntil))
	m.Put(ctx, "AAA", activity("2", now, validUntil))
	m.Put(ctx, "BBB", activity("1", now, validUntil))

	assert.Len(t, m.GetAllForDataset(ctx, "AAA"), 2)
	assert.Len(t, m.GetAllForDataset(ctx, "BBB"), 1)
	assert.Empty(t, m.GetAllForDataset(ctx, "CCC"))
	assert.Len(t, m.GetAll(ctx), 3)
}

func TestMemoryPut_ConcurrentWritersDisjointKeys(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	validUntil := now.Add(10 * time.Minute)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				m.Put(ctx, "TST", activity(id, now, validUntil))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 400, m.Size(ctx))
}

func TestMemoryPut_ConcurrentWritersSameKey(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	base := time.Now()
	validUntil := base.Add(10 * time.Minute)

	var wg sync.WaitGroup
	var acceptedCount int64
	var mu sync.Mutex

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				rec := activity("shared", base.Add(time.Duration(w*20+i)*time.Millisecond), validUntil)
				if m.Put(ctx, "TST", rec) {
					mu.Lock()
					acceptedCount++
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()

	// Whatever interleaving happened, the stored entity carries the
	// newest accepted timestamp.
	got, found := m.Get(ctx, StorageKey{DatasetID: "TST", ID: "shared"})
	require.True(t, found)
	assert.True(t, got.RecordedAtTime.Equal(base.Add(159*time.Millisecond)))
	assert.GreaterOrEqual(t, acceptedCount, int64(1))
}
