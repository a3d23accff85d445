package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/dancesWithCycles/anshar/health"
	"github.com/dancesWithCycles/anshar/hub"
	"github.com/dancesWithCycles/anshar/outbound"
	"github.com/dancesWithCycles/anshar/siri"
	"github.com/dancesWithCycles/anshar/subscription"
)

// apiServer exposes the hub's operations over HTTP: snapshot and delta
// queries, ingestion, push-consumer registration, subscription lifecycle
// and liveness/readiness probes.
type apiServer struct {
	logger          *slog.Logger
	hub             *hub.Hub
	monitor         *health.Monitor
	producerRef     string
	healthThreshold time.Duration

	// refreshHealth updates externally owned component statuses before a
	// readiness evaluation. Optional.
	refreshHealth func()

	server *http.Server
}

func newAPIServer(
	logger *slog.Logger,
	h *hub.Hub,
	monitor *health.Monitor,
	port int,
	producerRef string,
	healthThreshold time.Duration,
	refreshHealth func(),
) *apiServer {
	a := &apiServer{
		logger:          logger,
		hub:             h,
		monitor:         monitor,
		producerRef:     producerRef,
		healthThreshold: healthThreshold,
		refreshHealth:   refreshHealth,
	}

	router := mux.NewRouter()

	router.HandleFunc("/rest/{kind}", a.handleQuery).Methods(http.MethodGet)
	router.HandleFunc("/rest/{kind}/{datasetId}", a.handleIngest).Methods(http.MethodPost)

	router.HandleFunc("/push/consumers", a.handleListConsumers).Methods(http.MethodGet)
	router.HandleFunc("/push/consumers", a.handleRegisterConsumer).Methods(http.MethodPost)
	router.HandleFunc("/push/consumers/{id}", a.handleUnregisterConsumer).Methods(http.MethodDelete)

	router.HandleFunc("/subscriptions", a.handleListSubscriptions).Methods(http.MethodGet)
	router.HandleFunc("/subscriptions", a.handleCreateSubscription).Methods(http.MethodPost)
	router.HandleFunc("/subscriptions/unhealthy", a.handleUnhealthySubscriptions).Methods(http.MethodGet)
	router.HandleFunc("/subscriptions/{id}/response", a.handleSubscriptionResponse).Methods(http.MethodPost)
	router.HandleFunc("/subscriptions/{id}/heartbeat", a.handleHeartbeat).Methods(http.MethodPost)
	router.HandleFunc("/subscriptions/{id}/check-status", a.handleCheckStatus).Methods(http.MethodPost)
	router.HandleFunc("/subscriptions/{id}", a.handleTerminateSubscription).Methods(http.MethodDelete)

	router.HandleFunc("/healthz", a.handleLiveness).Methods(http.MethodGet)
	router.HandleFunc("/readyz", a.handleReadiness).Methods(http.MethodGet)

	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a
}

// Start blocks serving requests until the server is shut down.
func (a *apiServer) Start() error {
	a.logger.Info("API server listening", "addr", a.server.Addr)
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests up to the context deadline.
func (a *apiServer) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

// parseKind accepts both the short path aliases and the canonical kind
// names, in either case.
func parseKind(s string) (siri.DataKind, bool) {
	switch strings.ReplaceAll(strings.ToLower(s), "_", "-") {
	case "sx", "situation-exchange":
		return siri.SituationExchange, true
	case "vm", "vehicle-monitoring":
		return siri.VehicleMonitoring, true
	case "et", "estimated-timetable":
		return siri.EstimatedTimetable, true
	case "pt", "production-timetable":
		return siri.ProductionTimetable, true
	}
	return "", false
}

// handleQuery serves pull consumers. No requestorId returns the full
// snapshot without registering a cursor; a requestorId returns the delta
// since that requestor's previous call.
func (a *apiServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(mux.Vars(r)["kind"])
	if !ok {
		writeError(w, http.StatusNotFound, "unknown data kind")
		return
	}

	datasetID := r.URL.Query().Get("datasetId")
	requestorID := r.URL.Query().Get("requestorId")

	records := a.hub.Query(r.Context(), kind, datasetID, requestorID)
	delivery := buildDelivery(a.producerRef, records)
	writeJSON(w, http.StatusOK, delivery)
}

// handleIngest accepts one upstream delivery for a dataset. The body is a
// delivery envelope; only the slice matching the kind in the path is read.
func (a *apiServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, ok := parseKind(vars["kind"])
	if !ok {
		writeError(w, http.StatusNotFound, "unknown data kind")
		return
	}
	datasetID := vars["datasetId"]
	subscriptionID := r.URL.Query().Get("subscriptionId")

	var delivery siri.ServiceDelivery
	if err := json.NewDecoder(r.Body).Decode(&delivery); err != nil {
		a.logger.Warn("malformed delivery dropped",
			"kind", kind, "dataset", datasetID, "error", err)
		writeError(w, http.StatusBadRequest, "malformed delivery")
		return
	}

	records := deliveryRecords(kind, &delivery)
	accepted := a.hub.Submit(r.Context(), subscriptionID, datasetID, kind, records)

	writeJSON(w, http.StatusOK, map[string]int{
		"received": len(records),
		"accepted": accepted,
	})
}

func (a *apiServer) handleListConsumers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.hub.PushConsumers())
}

type registerConsumerRequest struct {
	Address string          `json:"address"`
	Kind    string          `json:"kind"`
	Filter  outbound.Filter `json:"filter"`
}

func (a *apiServer) handleRegisterConsumer(w http.ResponseWriter, r *http.Request) {
	var req registerConsumerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	kind, ok := parseKind(req.Kind)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown data kind")
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}

	id, err := a.hub.RegisterPushConsumer(req.Address, kind, req.Filter)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "push dispatch not configured")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *apiServer) handleUnregisterConsumer(w http.ResponseWriter, r *http.Request) {
	if !a.hub.UnregisterPushConsumer(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "unknown consumer")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *apiServer) handleListSubscriptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.hub.SubscriptionManager().List())
}

func (a *apiServer) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var sub subscription.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if _, ok := parseKind(string(sub.Kind)); !ok {
		writeError(w, http.StatusBadRequest, "unknown data kind")
		return
	}
	id := a.hub.CreateSubscription(sub)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *apiServer) handleUnhealthySubscriptions(w http.ResponseWriter, r *http.Request) {
	threshold := a.healthThreshold
	if raw := r.URL.Query().Get("thresholdSeconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			writeError(w, http.StatusBadRequest, "invalid thresholdSeconds")
			return
		}
		threshold = time.Duration(secs) * time.Second
	}
	ids := a.hub.SubscriptionHealth(threshold)
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"unhealthy": ids})
}

type subscriptionResponseRequest struct {
	Positive bool `json:"positive"`
}

func (a *apiServer) handleSubscriptionResponse(w http.ResponseWriter, r *http.Request) {
	var req subscriptionResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if err := a.hub.HandleSubscriptionResponse(mux.Vars(r)["id"], req.Positive); err != nil {
		writeError(w, http.StatusNotFound, "unknown subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *apiServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := a.hub.HandleHeartbeat(mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusNotFound, "unknown subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkStatusRequest struct {
	ServiceStartedAt time.Time `json:"serviceStartedAt"`
}

func (a *apiServer) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	var req checkStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	restarted, err := a.hub.HandleCheckStatusResponse(mux.Vars(r)["id"], req.ServiceStartedAt)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"restarted": restarted})
}

func (a *apiServer) handleTerminateSubscription(w http.ResponseWriter, r *http.Request) {
	if !a.hub.HandleTerminateSubscription(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "unknown subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *apiServer) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "up"})
}

func (a *apiServer) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if a.refreshHealth != nil {
		a.refreshHealth()
	}
	status := a.monitor.AggregateHealth(appName, a.healthThreshold)

	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// buildDelivery wraps query results in the envelope pull consumers expect.
func buildDelivery(producerRef string, records []siri.Record) siri.ServiceDelivery {
	delivery := siri.ServiceDelivery{
		ResponseTimestamp: time.Now(),
		ProducerRef:       producerRef,
	}
	for _, rec := range records {
		switch r := rec.(type) {
		case siri.Situation:
			delivery.Situations = append(delivery.Situations, r)
		case siri.VehicleActivity:
			delivery.VehicleActivities = append(delivery.VehicleActivities, r)
		case siri.EstimatedJourney:
			delivery.EstimatedJourneys = append(delivery.EstimatedJourneys, r)
		case siri.TimetableFrame:
			delivery.TimetableFrames = append(delivery.TimetableFrames, r)
		}
	}
	return delivery
}

// deliveryRecords flattens the envelope slice matching the ingest kind.
// Slices for other kinds are ignored rather than rejected.
func deliveryRecords(kind siri.DataKind, delivery *siri.ServiceDelivery) []siri.Record {
	var records []siri.Record
	switch kind {
	case siri.SituationExchange:
		for _, s := range delivery.Situations {
			records = append(records, s)
		}
	case siri.VehicleMonitoring:
		for _, va := range delivery.VehicleActivities {
			records = append(records, va)
		}
	case siri.EstimatedTimetable:
		for _, ej := range delivery.EstimatedJourneys {
			records = append(records, ej)
		}
	case siri.ProductionTimetable:
		for _, tf := range delivery.TimetableFrames {
			records = append(records, tf)
		}
	}
	return records
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
