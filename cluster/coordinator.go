package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/dancesWithCycles/anshar/errors"
	"github.com/dancesWithCycles/anshar/metric"
)

const defaultLeaseTTL = 30 * time.Second

// RouteFunc is a singleton background route. It runs until its context is
// cancelled, either by the caller or by lease loss.
type RouteFunc func(ctx context.Context) error

// Coordinator elects one lease holder per route across hub instances.
type Coordinator struct {
	logger   *slog.Logger
	lock     Lock
	metrics  *metric.Metrics
	holderID string
	leaseTTL time.Duration

	// Bypass runs routes directly without contending. Single-instance
	// deployments set this.
	bypass bool
	// allowStandalone keeps routes running locally when the lease substrate
	// is unreachable.
	allowStandalone bool
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLeaseTTL sets how long a lease survives without renewal.
func WithLeaseTTL(ttl time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.leaseTTL = ttl
		}
	}
}

// WithBypass disables coordination; every route runs locally.
func WithBypass(bypass bool) CoordinatorOption {
	return func(c *Coordinator) { c.bypass = bypass }
}

// WithAllowStandalone keeps routes running when the substrate is down.
func WithAllowStandalone(allow bool) CoordinatorOption {
	return func(c *Coordinator) { c.allowStandalone = allow }
}

// WithCoordinatorMetrics reports leadership on the hub metrics.
func WithCoordinatorMetrics(m *metric.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator creates a coordinator contending on the given lock.
func NewCoordinator(logger *slog.Logger, lock Lock, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	hostname, _ := os.Hostname()
	c := &Coordinator{
		logger:   logger,
		lock:     lock,
		holderID: fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		leaseTTL: defaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HolderID returns this instance's lease holder identity.
func (c *Coordinator) HolderID() string { return c.holderID }

// Run contends for the route's lease and runs fn while holding it. Blocks
// until ctx is cancelled. A route that loses its lease is cancelled and the
// coordinator re-contends; fn must be restartable.
func (c *Coordinator) Run(ctx context.Context, routeID string, fn RouteFunc) error {
	if c.bypass {
		c.logger.Info("coordination bypassed, running route locally", "route", routeID)
		c.setLeader(routeID, true)
		defer c.setLeader(routeID, false)
		return fn(ctx)
	}

	contendInterval := c.leaseTTL / 2
	if contendInterval <= 0 {
		contendInterval = time.Second
	}

	for {
		acquired, err := c.lock.Acquire(ctx, routeID, c.holderID)
		if err != nil {
			if c.allowStandalone {
				c.logger.Warn("lease substrate unreachable, running route standalone",
					"route", routeID, "error", err)
				c.setLeader(routeID, true)
				err := fn(ctx)
				c.setLeader(routeID, false)
				return err
			}
			return errors.WrapFatal(
				fmt.Errorf("%w: %w", errors.ErrClusterDown, err),
				"Coordinator", "Run", "acquire route lease")
		}

		if acquired {
			c.runAsLeader(ctx, routeID, fn)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(contendInterval):
		}
	}
}

// runAsLeader runs fn under a context that is cancelled on lease loss, and
// keeps the lease renewed while fn runs.
func (c *Coordinator) runAsLeader(ctx context.Context, routeID string, fn RouteFunc) {
	c.logger.Info("route lease acquired", "route", routeID, "holder", c.holderID)
	c.setLeader(routeID, true)
	defer c.setLeader(routeID, false)

	routeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	keepaliveDone := make(chan struct{})
	go func() {
		defer close(keepaliveDone)
		c.keepalive(routeCtx, routeID, cancel)
	}()

	err := fn(routeCtx)
	cancel()
	<-keepaliveDone

	// Release promptly so a peer does not wait out the TTL. Best effort:
	// the parent ctx may already be gone during shutdown.
	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer releaseCancel()
	if releaseErr := c.lock.Release(releaseCtx, routeID, c.holderID); releaseErr != nil {
		c.logger.Warn("route lease release failed", "route", routeID, "error", releaseErr)
	}

	if err != nil && ctx.Err() == nil {
		c.logger.Error("route exited with error", "route", routeID, "error", err)
	} else {
		c.logger.Info("route lease relinquished", "route", routeID)
	}
}

// keepalive renews the lease at a third of its TTL and cancels the route on
// loss.
func (c *Coordinator) keepalive(ctx context.Context, routeID string, cancel context.CancelFunc) {
	interval := c.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := c.lock.Renew(ctx, routeID, c.holderID)
			if err != nil {
				c.logger.Warn("lease renewal failed", "route", routeID, "error", err)
				cancel()
				return
			}
			if !renewed {
				c.logger.Warn("route lease lost", "route", routeID, "holder", c.holderID)
				cancel()
				return
			}
		}
	}
}

func (c *Coordinator) setLeader(routeID string, leader bool) {
	if c.metrics != nil {
		c.metrics.SetLeaderStatus(routeID, leader)
	}
}
