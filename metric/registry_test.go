package metric

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dancesWithCycles/anshar/errors"
)

func TestNewRegistryRegistersCoreMetrics(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r.CoreMetrics())

	r.Metrics.RecordAccepted("VEHICLE_MONITORING", "RUT", 3)

	value := testutil.ToFloat64(
		r.Metrics.RecordsAccepted.WithLabelValues("VEHICLE_MONITORING", "RUT"))
	assert.Equal(t, 3.0, value)
}

func TestRegisterCounter(t *testing.T) {
	r := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter_total",
		Help: "test",
	})
	require.NoError(t, r.RegisterCounter("dispatcher", "test_counter_total", counter))

	counter.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(counter))
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dup_total",
		Help: "test",
	})
	require.NoError(t, r.RegisterCounter("dispatcher", "dup_total", counter))

	err := r.RegisterCounter("dispatcher", "dup_total", counter)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "test",
	})
	require.NoError(t, r.RegisterGauge("store", "test_gauge", gauge))

	assert.True(t, r.Unregister("store", "test_gauge"))
	assert.False(t, r.Unregister("store", "test_gauge"))

	// Re-registration after unregister is allowed.
	require.NoError(t, r.RegisterGauge("store", "test_gauge", gauge))
}

func TestCoreMetricHelpers(t *testing.T) {
	r := NewRegistry()
	m := r.CoreMetrics()

	m.RecordReceived("SITUATION_EXCHANGE", "ENT", 5)
	m.RecordRejected("SITUATION_EXCHANGE", "ENT", "stale")
	m.SetEntityCount("SITUATION_EXCHANGE", 42)
	m.RecordDelivery("SITUATION_EXCHANGE", "success", 50*time.Millisecond)
	m.RecordDeliverySkipped("SITUATION_EXCHANGE")
	m.SetSubscriptionCount("ACTIVE", 7)
	m.SetLeaderStatus("sx-poller", true)
	m.RecordNATSStatus(true)

	assert.Equal(t, 5.0, testutil.ToFloat64(
		m.RecordsReceived.WithLabelValues("SITUATION_EXCHANGE", "ENT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.RecordsRejected.WithLabelValues("SITUATION_EXCHANGE", "ENT", "stale")))
	assert.Equal(t, 42.0, testutil.ToFloat64(
		m.EntityCount.WithLabelValues("SITUATION_EXCHANGE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.DeliveriesPushed.WithLabelValues("SITUATION_EXCHANGE", "success")))
	assert.Equal(t, 7.0, testutil.ToFloat64(
		m.SubscriptionsByState.WithLabelValues("ACTIVE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.LeaderStatus.WithLabelValues("sx-poller")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))
}
