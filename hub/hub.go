package hub

import (
	"context"
	"errors"
	"log/slog"
	"time"

	ansharerrors "github.com/dancesWithCycles/anshar/errors"
	"github.com/dancesWithCycles/anshar/health"
	"github.com/dancesWithCycles/anshar/metric"
	"github.com/dancesWithCycles/anshar/outbound"
	"github.com/dancesWithCycles/anshar/siri"
	"github.com/dancesWithCycles/anshar/store"
	"github.com/dancesWithCycles/anshar/subscription"
)

const defaultSweepInterval = 30 * time.Second

// Hub aggregates the per-kind stores and trackers behind one facade.
type Hub struct {
	logger        *slog.Logger
	metrics       *metric.Metrics
	monitor       *health.Monitor
	subscriptions *subscription.Manager
	dispatcher    *outbound.Dispatcher
	sweepInterval time.Duration

	stores   map[siri.DataKind]store.Store[siri.Record]
	trackers map[siri.DataKind]*store.Tracker[siri.Record]
	closers  []func()
}

// Option configures a Hub.
type Option func(*Hub)

// WithMetrics wires the hub metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithMonitor wires the health monitor.
func WithMonitor(m *health.Monitor) Option {
	return func(h *Hub) { h.monitor = m }
}

// WithDispatcher wires the outbound push dispatcher.
func WithDispatcher(d *outbound.Dispatcher) Option {
	return func(h *Hub) { h.dispatcher = d }
}

// WithSubscriptionManager replaces the default subscription registry.
func WithSubscriptionManager(m *subscription.Manager) Option {
	return func(h *Hub) { h.subscriptions = m }
}

// WithStore replaces the default in-memory store for one kind, typically
// with the KV-backed adapter.
func WithStore(kind siri.DataKind, s store.Store[siri.Record]) Option {
	return func(h *Hub) { h.stores[kind] = s }
}

// WithSweepInterval sets the expiry sweep interval for default stores.
func WithSweepInterval(interval time.Duration) Option {
	return func(h *Hub) {
		if interval > 0 {
			h.sweepInterval = interval
		}
	}
}

// New creates a hub with one store and tracker per data kind. Stores not
// overridden via WithStore default to the in-memory adapter; their sweeps
// stop when ctx is cancelled.
func New(ctx context.Context, logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		logger:        logger,
		sweepInterval: defaultSweepInterval,
		stores:        make(map[siri.DataKind]store.Store[siri.Record]),
		trackers:      make(map[siri.DataKind]*store.Tracker[siri.Record]),
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.subscriptions == nil {
		h.subscriptions = subscription.NewManager(logger)
	}

	for _, kind := range siri.Kinds() {
		if _, ok := h.stores[kind]; !ok {
			storeOpts := []store.MemoryOption[siri.Record]{
				store.WithMemoryLogger[siri.Record](logger),
			}
			if h.metrics != nil {
				storeOpts = append(storeOpts,
					store.WithMemoryMetrics[siri.Record](h.metrics, string(kind)))
			}
			mem := store.NewMemory(ctx, h.sweepInterval, storeOpts...)
			h.stores[kind] = mem
			h.closers = append(h.closers, mem.Close)
		}
		h.trackers[kind] = store.NewTracker(h.stores[kind], logger)
	}

	return h
}

// Close stops the default stores' sweep goroutines.
func (h *Hub) Close() {
	for _, closeFn := range h.closers {
		closeFn()
	}
}

// SubscriptionManager exposes the upstream subscription registry.
func (h *Hub) SubscriptionManager() *subscription.Manager { return h.subscriptions }

// Tracker returns the change tracker for a kind.
func (h *Hub) Tracker(kind siri.DataKind) *store.Tracker[siri.Record] {
	return h.trackers[kind]
}

// Store returns the entity store for a kind.
func (h *Hub) Store(kind siri.DataKind) store.Store[siri.Record] {
	return h.stores[kind]
}

// Submit ingests one upstream delivery. Each record is accepted or silently
// rejected on its own; accepted keys feed the delta cursors and the push
// dispatcher. Returns the number of accepted records.
func (h *Hub) Submit(ctx context.Context, subscriptionID, datasetID string,
	kind siri.DataKind, records []siri.Record) int {

	s, ok := h.stores[kind]
	if !ok {
		h.logger.Warn("delivery for unsupported kind dropped", "kind", kind)
		return 0
	}

	if h.metrics != nil {
		h.metrics.RecordReceived(string(kind), datasetID, len(records))
	}

	keys := s.PutAll(ctx, datasetID, records)

	if len(keys) > 0 {
		h.trackers[kind].Notify(keys)

		// Push the stored winning state, not the raw input: a batch can
		// carry several records for the same key.
		acceptedRecs := make([]siri.Record, 0, len(keys))
		for _, key := range keys {
			if rec, found := s.Get(ctx, key); found {
				acceptedRecs = append(acceptedRecs, rec)
			}
		}
		if h.dispatcher != nil {
			h.dispatcher.Push(kind, datasetID, acceptedRecs)
		}
	}

	if h.metrics != nil {
		h.metrics.RecordAccepted(string(kind), datasetID, len(keys))
		h.metrics.SetEntityCount(string(kind), s.Size(ctx))
	}

	if subscriptionID != "" {
		if err := h.subscriptions.DataReceived(subscriptionID); err != nil {
			h.logger.Debug("delivery for unknown subscription",
				"subscription", subscriptionID)
		} else {
			h.subscriptions.IncrementObjectCounter(subscriptionID, len(records))
		}
	}

	if h.monitor != nil && len(records) > 0 {
		h.monitor.MarkDataReceived(datasetID)
	}

	h.refreshSubscriptionMetrics()
	return len(keys)
}

// Query serves a pull consumer. An empty requestorID returns the full
// snapshot without registering a cursor; a known requestorID returns only
// what changed since its previous call. datasetID narrows either result.
func (h *Hub) Query(ctx context.Context, kind siri.DataKind, datasetID, requestorID string) []siri.Record {
	tracker, ok := h.trackers[kind]
	if !ok {
		return nil
	}
	return tracker.UpdatesSinceForDataset(ctx, requestorID, datasetID)
}

// RegisterPushConsumer registers an outbound push endpoint.
func (h *Hub) RegisterPushConsumer(address string, kind siri.DataKind, filter outbound.Filter) (string, error) {
	if h.dispatcher == nil {
		return "", ansharerrors.WrapInvalid(
			errors.New("no dispatcher configured"),
			"Hub", "RegisterPushConsumer", "register consumer")
	}
	return h.dispatcher.Register(address, kind, filter), nil
}

// PushConsumers lists the registered push endpoints.
func (h *Hub) PushConsumers() []outbound.Consumer {
	if h.dispatcher == nil {
		return nil
	}
	return h.dispatcher.Consumers()
}

// UnregisterPushConsumer removes a push endpoint.
func (h *Hub) UnregisterPushConsumer(id string) bool {
	if h.dispatcher == nil {
		return false
	}
	return h.dispatcher.Unregister(id)
}

// CreateSubscription registers a new upstream subscription in pending state
// and returns its id.
func (h *Hub) CreateSubscription(sub subscription.Subscription) string {
	id := h.subscriptions.Add(sub)
	h.refreshSubscriptionMetrics()
	return id
}

// HandleSubscriptionResponse processes the upstream's answer to a subscribe
// request.
func (h *Hub) HandleSubscriptionResponse(subscriptionID string, positive bool) error {
	err := h.subscriptions.Activate(subscriptionID, positive)
	h.refreshSubscriptionMetrics()
	return err
}

// HandleHeartbeat processes an upstream heartbeat notification.
func (h *Hub) HandleHeartbeat(subscriptionID string) error {
	return h.subscriptions.Touch(subscriptionID)
}

// HandleCheckStatusResponse processes a checkStatus answer. Returns true
// when the upstream's reported start time reveals a restart; the caller must
// then re-establish the subscription.
func (h *Hub) HandleCheckStatusResponse(subscriptionID string, serviceStartedAt time.Time) (bool, error) {
	restarted, err := h.subscriptions.TouchWithServiceStart(subscriptionID, serviceStartedAt)
	if restarted {
		h.refreshSubscriptionMetrics()
		return true, nil
	}
	return false, err
}

// HandleTerminateSubscription removes an upstream subscription entirely.
// Returns false when no subscription with that id exists.
func (h *Hub) HandleTerminateSubscription(subscriptionID string) bool {
	_, existed := h.subscriptions.Terminate(subscriptionID)
	h.refreshSubscriptionMetrics()
	return existed
}

// SubscriptionHealth returns ids of subscriptions without recent activity.
func (h *Hub) SubscriptionHealth(threshold time.Duration) []string {
	return h.subscriptions.Unhealthy(threshold)
}

func (h *Hub) refreshSubscriptionMetrics() {
	if h.metrics == nil {
		return
	}

	counts := make(map[subscription.State]int)
	for _, sub := range h.subscriptions.List() {
		counts[sub.State]++
	}
	for _, state := range []subscription.State{
		subscription.StatePending, subscription.StateActive,
	} {
		h.metrics.SetSubscriptionCount(string(state), counts[state])
	}
}
