package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dancesWithCycles/anshar/siri"
)

func vehicleActivity(id, lineRef, vehicleRef string) siri.VehicleActivity {
	return siri.VehicleActivity{
		ItemIdentifier: id,
		RecordedAtTime: time.Now(),
		ValidUntilTime: time.Now().Add(time.Hour),
		MonitoredVehicleJourney: siri.MonitoredVehicleJourney{
			LineRef:    lineRef,
			VehicleRef: vehicleRef,
		},
	}
}

func TestFilterMatches(t *testing.T) {
	rec := vehicleActivity("v1", "RUT:Line:1", "RUT:Vehicle:99")

	tests := []struct {
		name    string
		filter  Filter
		dataset string
		want    bool
	}{
		{"empty filter matches all", Filter{}, "RUT", true},
		{"dataset match", Filter{DatasetID: "RUT"}, "RUT", true},
		{"dataset mismatch", Filter{DatasetID: "ENT"}, "RUT", false},
		{"line match", Filter{LineRefs: []string{"RUT:Line:1"}}, "RUT", true},
		{"line mismatch", Filter{LineRefs: []string{"RUT:Line:2"}}, "RUT", false},
		{"vehicle match", Filter{VehicleRefs: []string{"RUT:Vehicle:99"}}, "RUT", true},
		{"vehicle mismatch", Filter{VehicleRefs: []string{"RUT:Vehicle:1"}}, "RUT", false},
		{"line and vehicle both required",
			Filter{LineRefs: []string{"RUT:Line:1"}, VehicleRefs: []string{"RUT:Vehicle:1"}},
			"RUT", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Matches(tc.dataset, rec))
		})
	}
}

func TestFilterSituation(t *testing.T) {
	situation := siri.Situation{
		SituationNumber:  "sx-1",
		AffectedLineRefs: []string{"ENT:Line:5"},
	}

	assert.True(t, Filter{DatasetID: "ENT"}.Matches("ENT", situation))
	assert.False(t, Filter{DatasetID: "RUT"}.Matches("ENT", situation))
	assert.True(t, Filter{LineRefs: []string{"ENT:Line:5"}}.Matches("ENT", situation))
	assert.False(t, Filter{LineRefs: []string{"ENT:Line:6"}}.Matches("ENT", situation))
	// Vehicle filters can never match a situation.
	assert.False(t, Filter{VehicleRefs: []string{"v"}}.Matches("ENT", situation))
}

func TestRegisterUnregister(t *testing.T) {
	d := NewDispatcher(slog.Default())

	id := d.Register("http://localhost:1/push", siri.VehicleMonitoring, Filter{})
	require.NotEmpty(t, id)
	assert.Equal(t, 1, d.Count())

	assert.True(t, d.Unregister(id))
	assert.False(t, d.Unregister(id))
	assert.Zero(t, d.Count())
}

func TestPushDeliversToMatchingConsumer(t *testing.T) {
	var mu sync.Mutex
	var received []siri.ServiceDelivery

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var envelope siri.ServiceDelivery
		require.NoError(t, json.Unmarshal(body, &envelope))
		mu.Lock()
		received = append(received, envelope)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(slog.Default(), WithProducerRef("hub-test"))
	require.NoError(t, d.Start(context.Background()))
	defer func() { _ = d.Stop(2 * time.Second) }()

	d.Register(server.URL, siri.VehicleMonitoring, Filter{})

	d.Push(siri.VehicleMonitoring, "RUT", []siri.Record{
		vehicleActivity("v1", "RUT:Line:1", "RUT:Vehicle:1"),
		vehicleActivity("v2", "RUT:Line:2", "RUT:Vehicle:2"),
	})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, received[0].VehicleActivities, 2)
	assert.Equal(t, "hub-test", received[0].ProducerRef)
}

func TestPushNothingMatchedNoDelivery(t *testing.T) {
	d := NewDispatcher(slog.Default())
	require.NoError(t, d.Start(context.Background()))
	defer func() { _ = d.Stop(time.Second) }()

	d.Register("http://localhost:1/push", siri.VehicleMonitoring,
		Filter{LineRefs: []string{"other-line"}})

	d.Push(siri.VehicleMonitoring, "RUT", []siri.Record{
		vehicleActivity("v1", "RUT:Line:1", "RUT:Vehicle:1"),
	})

	assert.Zero(t, d.Stats().Submitted, "no delivery may be attempted for an empty match")
}

func TestPushNoRecordsNoDelivery(t *testing.T) {
	d := NewDispatcher(slog.Default())
	require.NoError(t, d.Start(context.Background()))
	defer func() { _ = d.Stop(time.Second) }()

	d.Register("http://localhost:1/push", siri.VehicleMonitoring, Filter{})
	d.Push(siri.VehicleMonitoring, "RUT", nil)

	assert.Zero(t, d.Stats().Submitted)
}

func TestPushChunksLargeBatches(t *testing.T) {
	var sends atomic.Int64
	var recordsSeen atomic.Int64

	d := NewDispatcher(slog.Default(),
		WithChunkSize(10),
		withSendFunc(func(_ context.Context, _ string, payload []byte) error {
			var envelope siri.ServiceDelivery
			if err := json.Unmarshal(payload, &envelope); err != nil {
				return err
			}
			sends.Add(1)
			recordsSeen.Add(int64(envelope.RecordCount()))
			return nil
		}))
	require.NoError(t, d.Start(context.Background()))

	d.Register("http://example.invalid/push", siri.VehicleMonitoring, Filter{})

	records := make([]siri.Record, 25)
	for i := range records {
		records[i] = vehicleActivity(string(rune('a'+i)), "RUT:Line:1", "RUT:Vehicle:1")
	}
	d.Push(siri.VehicleMonitoring, "RUT", records)

	require.NoError(t, d.Stop(2*time.Second))
	assert.Equal(t, int64(3), sends.Load(), "25 records at chunk size 10 is 3 envelopes")
	assert.Equal(t, int64(25), recordsSeen.Load())
}

func TestPushOnlyMatchingKind(t *testing.T) {
	var sends atomic.Int64

	d := NewDispatcher(slog.Default(),
		withSendFunc(func(context.Context, string, []byte) error {
			sends.Add(1)
			return nil
		}))
	require.NoError(t, d.Start(context.Background()))

	d.Register("http://example.invalid/sx", siri.SituationExchange, Filter{})

	d.Push(siri.VehicleMonitoring, "RUT", []siri.Record{
		vehicleActivity("v1", "RUT:Line:1", "RUT:Vehicle:1"),
	})

	require.NoError(t, d.Stop(time.Second))
	assert.Zero(t, sends.Load())
}

func TestUnreachableConsumerIgnored(t *testing.T) {
	d := NewDispatcher(slog.Default(), WithSendTimeout(500*time.Millisecond))
	require.NoError(t, d.Start(context.Background()))

	// Nothing listens on this port; the refused connection must be absorbed.
	d.Register("http://127.0.0.1:1/push", siri.VehicleMonitoring, Filter{})

	d.Push(siri.VehicleMonitoring, "RUT", []siri.Record{
		vehicleActivity("v1", "RUT:Line:1", "RUT:Vehicle:1"),
	})

	require.NoError(t, d.Stop(2*time.Second))

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestConsumerGoneClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		gone bool
	}{
		{"refused errno", syscall.ECONNREFUSED, true},
		{"reset errno", syscall.ECONNRESET, true},
		{"wrapped refused", fmt.Errorf("post push: %w", syscall.ECONNREFUSED), true},
		{"wrapped reset", fmt.Errorf("post push: %w", syscall.ECONNRESET), true},
		{"refused message", errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), true},
		{"reset by peer message", errors.New("read tcp 127.0.0.1:8080: connection reset by peer"), true},
		{"deadline", context.DeadlineExceeded, false},
		{"http failure", errors.New("push endpoint returned status 500"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.gone, isConsumerGone(tt.err))
		})
	}
}

func TestPushDoesNotBlockOnSlowConsumer(t *testing.T) {
	release := make(chan struct{})
	d := NewDispatcher(slog.Default(),
		WithWorkers(1, 1),
		withSendFunc(func(ctx context.Context, _ string, _ []byte) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		}))
	require.NoError(t, d.Start(context.Background()))

	d.Register("http://example.invalid/push", siri.VehicleMonitoring, Filter{})

	record := []siri.Record{vehicleActivity("v1", "RUT:Line:1", "RUT:Vehicle:1")}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Push(siri.VehicleMonitoring, "RUT", record)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push blocked on a slow consumer")
	}

	close(release)
	_ = d.Stop(2 * time.Second)
}
