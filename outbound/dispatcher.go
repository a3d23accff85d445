package outbound

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dancesWithCycles/anshar/metric"
	"github.com/dancesWithCycles/anshar/pkg/worker"
	"github.com/dancesWithCycles/anshar/siri"
)

const (
	defaultChunkSize   = 1000
	defaultSendTimeout = 15 * time.Second
	defaultWorkers     = 20
	defaultQueueSize   = 2000
)

// deliveryJob is one chunked envelope bound for one consumer.
type deliveryJob struct {
	consumer Consumer
	envelope siri.ServiceDelivery
}

// Dispatcher fans accepted changes out to registered push consumers.
type Dispatcher struct {
	logger      *slog.Logger
	metrics     *metric.Metrics
	producerRef string
	chunkSize   int
	sendTimeout time.Duration
	workers     int
	queueSize   int
	sendFn      func(ctx context.Context, address string, payload []byte) error
	now         func() time.Time

	pool *worker.Pool[deliveryJob]

	mu        sync.RWMutex
	consumers map[string]*Consumer
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithProducerRef stamps outgoing envelopes with the hub's producer ref.
func WithProducerRef(ref string) DispatcherOption {
	return func(d *Dispatcher) { d.producerRef = ref }
}

// WithChunkSize bounds records per delivery envelope.
func WithChunkSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.chunkSize = n
		}
	}
}

// WithSendTimeout bounds each delivery attempt.
func WithSendTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.sendTimeout = timeout
		}
	}
}

// WithWorkers sizes the delivery worker pool.
func WithWorkers(workers, queueSize int) DispatcherOption {
	return func(d *Dispatcher) {
		d.workers = workers
		d.queueSize = queueSize
	}
}

// WithMetrics records delivery outcomes on the hub metrics.
func WithMetrics(m *metric.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// withSendFunc replaces the delivery transport. Test hook.
func withSendFunc(fn func(ctx context.Context, address string, payload []byte) error) DispatcherOption {
	return func(d *Dispatcher) { d.sendFn = fn }
}

// NewDispatcher creates a dispatcher. Call Start before pushing.
func NewDispatcher(logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		logger:      logger,
		chunkSize:   defaultChunkSize,
		sendTimeout: defaultSendTimeout,
		workers:     defaultWorkers,
		queueSize:   defaultQueueSize,
		sendFn:      send,
		now:         time.Now,
		consumers:   make(map[string]*Consumer),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.pool = worker.NewPool(d.workers, d.queueSize, d.deliver)
	return d
}

// Start launches the delivery workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.pool.Start(ctx)
}

// Stop drains in-flight deliveries up to the timeout.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	return d.pool.Stop(timeout)
}

// Register adds a push consumer and returns its id.
func (d *Dispatcher) Register(address string, kind siri.DataKind, filter Filter) string {
	consumer := &Consumer{
		ID:           uuid.NewString(),
		Address:      address,
		Kind:         kind,
		Filter:       filter,
		RegisteredAt: d.now(),
	}

	d.mu.Lock()
	d.consumers[consumer.ID] = consumer
	d.mu.Unlock()

	d.logger.Info("push consumer registered",
		"consumer", consumer.ID, "address", address, "kind", kind)
	return consumer.ID
}

// Unregister removes a push consumer. Returns false for unknown ids.
func (d *Dispatcher) Unregister(id string) bool {
	d.mu.Lock()
	_, existed := d.consumers[id]
	delete(d.consumers, id)
	d.mu.Unlock()

	if existed {
		d.logger.Info("push consumer unregistered", "consumer", id)
	}
	return existed
}

// Consumers returns a snapshot of registered consumers.
func (d *Dispatcher) Consumers() []Consumer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Consumer, 0, len(d.consumers))
	for _, c := range d.consumers {
		out = append(out, *c)
	}
	return out
}

// Count returns the number of registered consumers.
func (d *Dispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.consumers)
}

// Stats exposes the delivery pool counters.
func (d *Dispatcher) Stats() worker.PoolStats {
	return d.pool.Stats()
}

// Push fans records out to every consumer registered for the kind. Filtering
// and chunking happen on the caller's goroutine; sends happen on the pool.
// Never blocks: when the pool queue is full the chunk is dropped.
func (d *Dispatcher) Push(kind siri.DataKind, datasetID string, records []siri.Record) {
	if len(records) == 0 {
		return
	}

	d.mu.RLock()
	targets := make([]Consumer, 0, len(d.consumers))
	for _, c := range d.consumers {
		if c.Kind == kind {
			targets = append(targets, *c)
		}
	}
	d.mu.RUnlock()

	for _, consumer := range targets {
		matched := records[:0:0]
		for _, rec := range records {
			if consumer.Filter.Matches(datasetID, rec) {
				matched = append(matched, rec)
			}
		}
		if len(matched) == 0 {
			// Nothing passed the filter; an empty envelope is never sent.
			if d.metrics != nil {
				d.metrics.RecordDeliverySkipped(string(kind))
			}
			continue
		}

		for start := 0; start < len(matched); start += d.chunkSize {
			end := start + d.chunkSize
			if end > len(matched) {
				end = len(matched)
			}

			job := deliveryJob{
				consumer: consumer,
				envelope: d.buildEnvelope(kind, matched[start:end]),
			}
			if err := d.pool.Submit(job); err != nil {
				d.logger.Warn("delivery dropped, queue full",
					"consumer", consumer.ID, "kind", kind, "records", end-start)
				if d.metrics != nil {
					d.metrics.RecordDelivery(string(kind), "dropped", 0)
				}
			}
		}
	}
}

func (d *Dispatcher) buildEnvelope(kind siri.DataKind, records []siri.Record) siri.ServiceDelivery {
	envelope := siri.ServiceDelivery{
		ResponseTimestamp: d.now(),
		ProducerRef:       d.producerRef,
	}

	for _, rec := range records {
		switch r := rec.(type) {
		case siri.Situation:
			envelope.Situations = append(envelope.Situations, r)
		case siri.VehicleActivity:
			envelope.VehicleActivities = append(envelope.VehicleActivities, r)
		case siri.EstimatedJourney:
			envelope.EstimatedJourneys = append(envelope.EstimatedJourneys, r)
		case siri.TimetableFrame:
			envelope.TimetableFrames = append(envelope.TimetableFrames, r)
		default:
			d.logger.Warn("record type has no envelope slot", "kind", kind)
		}
	}
	return envelope
}

// deliver runs on a pool worker. Failures are logged and forgotten.
func (d *Dispatcher) deliver(ctx context.Context, job deliveryJob) error {
	if job.envelope.IsEmpty() {
		return nil
	}

	payload, err := json.Marshal(&job.envelope)
	if err != nil {
		d.logger.Error("delivery payload marshal failed",
			"consumer", job.consumer.ID, "error", err)
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	kind := string(job.consumer.Kind)
	start := d.now()
	err = d.sendFn(sendCtx, job.consumer.Address, payload)
	duration := time.Since(start)

	if err != nil {
		// A consumer that is simply gone is routine and not worth noise.
		if isConsumerGone(err) {
			d.logger.Debug("consumer unreachable, delivery discarded",
				"consumer", job.consumer.ID, "address", job.consumer.Address)
		} else {
			d.logger.Warn("delivery failed",
				"consumer", job.consumer.ID, "address", job.consumer.Address, "error", err)
		}
		if d.metrics != nil {
			d.metrics.RecordDelivery(kind, "error", duration)
		}
		return err
	}

	if d.metrics != nil {
		d.metrics.RecordDelivery(kind, "success", duration)
	}
	d.logger.Debug("delivery sent",
		"consumer", job.consumer.ID, "records", job.envelope.RecordCount(),
		"duration", duration)
	return nil
}

// isConsumerGone reports whether a delivery error means the consumer
// endpoint dropped us: nothing listening, or the peer tore the
// connection down mid-send.
func isConsumerGone(err error) bool {
	if stderrors.Is(err, syscall.ECONNREFUSED) || stderrors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset")
}
