// Package main implements the entry point for the Anshar hub.
// Anshar aggregates real-time public-transport status data from many
// upstream providers and re-publishes a normalized, deduplicated,
// freshness-ordered view to pull and push consumers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/dancesWithCycles/anshar/cluster"
	"github.com/dancesWithCycles/anshar/config"
	"github.com/dancesWithCycles/anshar/health"
	"github.com/dancesWithCycles/anshar/hub"
	"github.com/dancesWithCycles/anshar/metric"
	"github.com/dancesWithCycles/anshar/natsclient"
	"github.com/dancesWithCycles/anshar/outbound"
	"github.com/dancesWithCycles/anshar/siri"
	"github.com/dancesWithCycles/anshar/store"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "anshar"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	// Parse and validate CLI flags
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	// Load and validate configuration
	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	registry := metric.NewRegistry()
	monitor := health.NewMonitor()

	// Shared substrate: stores and the route lock live in JetStream KV
	// when NATS is enabled, otherwise everything is node-local.
	shared, err := setupSubstrate(signalCtx, cfg, logger, registry.CoreMetrics())
	if err != nil {
		return err
	}
	defer shared.close(ctx)

	dispatcher := setupDispatcher(cfg, logger, registry.CoreMetrics())
	if err := dispatcher.Start(signalCtx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	defer func() {
		if err := dispatcher.Stop(cliCfg.ShutdownTimeout); err != nil {
			logger.Warn("dispatcher drain timed out", "error", err)
		}
	}()

	h := setupHub(signalCtx, cfg, logger, registry.CoreMetrics(), monitor, dispatcher, shared)
	defer h.Close()

	monitor.UpdateHealthy("hub", "entity stores ready")

	// Housekeeping runs on at most one node: subscription garbage
	// collection and idle delta-cursor eviction.
	coordinator := setupCoordinator(cfg, logger, registry.CoreMetrics(), shared)
	go func() {
		err := coordinator.Run(signalCtx, "housekeeping", housekeepingRoute(h, cfg))
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("housekeeping route failed", "error", err)
			signalCancel()
		}
	}()

	// Serve Prometheus metrics
	metricServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
	go func() {
		if err := metricServer.Start(); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	defer func() { _ = metricServer.Stop() }()

	// Serve the hub's HTTP API
	api := newAPIServer(logger, h, monitor, cfg.Server.Port, cfg.Outbound.ProducerRef,
		cfg.HealthThreshold(), shared.refreshHealth(monitor))
	go func() {
		if err := api.Start(); err != nil {
			logger.Error("API server failed", "error", err)
			signalCancel()
		}
	}()

	slog.Info("Anshar started", "api_port", cfg.Server.Port, "metrics", metricServer.Address())

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := api.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("Anshar shutdown complete")
	return nil
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting Anshar (real-time transit status hub)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// substrate bundles the optional cluster-shared state backing: the NATS
// client, the KV-backed entity stores and the route lock. All fields are
// nil when running node-local.
type substrate struct {
	client *natsclient.Client
	stores map[siri.DataKind]*store.KV[siri.Record]
	lock   cluster.Lock
	logger *slog.Logger
}

func setupSubstrate(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	metrics *metric.Metrics,
) (*substrate, error) {
	s := &substrate{logger: logger}
	if !cfg.NATS.Enabled {
		logger.Info("NATS disabled, running node-local")
		return s, nil
	}

	client, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	if err := client.Connect(ctx); err != nil {
		// Substrate loss is only survivable when standalone operation is
		// explicitly allowed; the node then treats itself as sole owner.
		if cfg.Cluster.AllowStandalone {
			logger.Warn("NATS unreachable, running node-local standalone", "error", err)
			metrics.RecordNATSStatus(false)
			return s, nil
		}
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	metrics.RecordNATSStatus(true)
	s.client = client

	// The route lock bucket carries the lease TTL: a holder that dies
	// without releasing loses the lease when the entry ages out.
	lockBucket, err := client.EnsureKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: fmt.Sprintf("%s-route-locks", cfg.NATS.BucketPrefix),
		TTL:    cfg.LeaseTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("ensure route lock bucket: %w", err)
	}
	s.lock = cluster.NewKVLock(client.NewKVStore(lockBucket))

	if cfg.Store.Backend == "kv" {
		s.stores = make(map[siri.DataKind]*store.KV[siri.Record])
		for _, kind := range siri.Kinds() {
			bucket, err := client.EnsureKeyValue(ctx, jetstream.KeyValueConfig{
				Bucket: bucketName(cfg.NATS.BucketPrefix, kind),
			})
			if err != nil {
				return nil, fmt.Errorf("ensure store bucket for %s: %w", kind, err)
			}
			s.stores[kind] = store.NewKV[siri.Record](
				ctx, client.NewKVStore(bucket), cfg.SweepInterval(), logger)
		}
	}

	return s, nil
}

func bucketName(prefix string, kind siri.DataKind) string {
	switch kind {
	case siri.SituationExchange:
		return prefix + "-sx"
	case siri.VehicleMonitoring:
		return prefix + "-vm"
	case siri.EstimatedTimetable:
		return prefix + "-et"
	default:
		return prefix + "-pt"
	}
}

func (s *substrate) close(ctx context.Context) {
	for _, kv := range s.stores {
		kv.Close()
	}
	if s.client != nil {
		if err := s.client.Close(ctx); err != nil {
			s.logger.Warn("NATS close failed", "error", err)
		}
	}
}

// refreshHealth returns the hook the readiness probe uses to refresh the
// NATS component status before aggregating.
func (s *substrate) refreshHealth(monitor *health.Monitor) func() {
	if s.client == nil {
		return nil
	}
	return func() {
		if s.client.IsHealthy() {
			monitor.UpdateHealthy("nats", "connected")
		} else {
			monitor.UpdateUnhealthy("nats", "disconnected")
		}
	}
}

func setupDispatcher(cfg *config.Config, logger *slog.Logger, metrics *metric.Metrics) *outbound.Dispatcher {
	return outbound.NewDispatcher(logger,
		outbound.WithProducerRef(cfg.Outbound.ProducerRef),
		outbound.WithChunkSize(cfg.Outbound.ChunkSize),
		outbound.WithSendTimeout(cfg.SendTimeout()),
		outbound.WithWorkers(cfg.Outbound.Workers, cfg.Outbound.QueueSize),
		outbound.WithMetrics(metrics),
	)
}

func setupHub(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	metrics *metric.Metrics,
	monitor *health.Monitor,
	dispatcher *outbound.Dispatcher,
	sub *substrate,
) *hub.Hub {
	opts := []hub.Option{
		hub.WithMetrics(metrics),
		hub.WithMonitor(monitor),
		hub.WithDispatcher(dispatcher),
		hub.WithSweepInterval(cfg.SweepInterval()),
	}
	for kind, s := range sub.stores {
		opts = append(opts, hub.WithStore(kind, s))
	}
	return hub.New(ctx, logger, opts...)
}

func setupCoordinator(
	cfg *config.Config,
	logger *slog.Logger,
	metrics *metric.Metrics,
	sub *substrate,
) *cluster.Coordinator {
	bypass := cfg.Cluster.Bypass || sub.lock == nil
	return cluster.NewCoordinator(logger, sub.lock,
		cluster.WithBypass(bypass),
		cluster.WithAllowStandalone(cfg.Cluster.AllowStandalone),
		cluster.WithLeaseTTL(cfg.LeaseTTL()),
		cluster.WithCoordinatorMetrics(metrics),
	)
}

// housekeepingRoute collects inactive subscriptions and evicts idle delta
// cursors. It blocks until the route context is cancelled, either by
// shutdown or by losing the cluster lease.
func housekeepingRoute(h *hub.Hub, cfg *config.Config) cluster.RouteFunc {
	return func(ctx context.Context) error {
		go h.SubscriptionManager().RunGC(ctx, cfg.GCInterval(), cfg.Retention())

		ticker := time.NewTicker(cfg.GCInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for _, kind := range siri.Kinds() {
					h.Tracker(kind).EvictIdle(cfg.IdleCursor())
				}
			}
		}
	}
}
