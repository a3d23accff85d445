// Package natsclient provides a thin client for managing the NATS connection
// and JetStream key-value buckets that back the cluster-shared state: entity
// stores, the subscription registry and the route lock table.
package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/dancesWithCycles/anshar/errors"
	"github.com/dancesWithCycles/anshar/metric"
)

// Client manages a NATS connection and its JetStream context.
type Client struct {
	url     string
	logger  *slog.Logger
	metrics *metric.Metrics

	maxReconnects int
	reconnectWait time.Duration
	name          string

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
}

// ClientOption is a functional option for configuring the Client
type ClientOption func(*Client)

// WithMaxReconnects sets the maximum number of reconnection attempts (-1 for infinite)
func WithMaxReconnects(max int) ClientOption {
	return func(c *Client) { c.maxReconnects = max }
}

// WithReconnectWait sets the wait time between reconnection attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) { c.reconnectWait = d }
}

// WithName sets the connection name reported to the NATS server
func WithName(name string) ClientOption {
	return func(c *Client) { c.name = name }
}

// WithMetrics reports connection state transitions to the given metrics.
func WithMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets a custom logger for the client
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a new NATS client. Connect must be called before use.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "nats url")
	}

	c := &Client{
		url:           url,
		logger:        slog.Default(),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		name:          "anshar",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect establishes the connection to the NATS server and initializes
// the JetStream context.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return errors.ErrAlreadyStarted
	}

	conn, err := nats.Connect(c.url,
		nats.Name(c.name),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("NATS disconnected", "error", err)
			if c.metrics != nil {
				c.metrics.RecordNATSStatus(false)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
			if c.metrics != nil {
				c.metrics.RecordNATSStatus(true)
				c.metrics.RecordNATSReconnect()
			}
		}),
	)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "nats connect")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.WrapFatal(err, "Client", "Connect", "jetstream init")
	}

	c.conn = conn
	c.js = js
	c.logger.Info("NATS connected", "url", conn.ConnectedUrl())

	// Fail fast if JetStream is not enabled on the server.
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := js.AccountInfo(probeCtx); err != nil {
		conn.Close()
		c.conn = nil
		c.js = nil
		return errors.WrapFatal(err, "Client", "Connect", "jetstream account probe")
	}

	return nil
}

// Conn returns the underlying NATS connection.
func (c *Client) Conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errors.ErrNotStarted
	}
	return c.js, nil
}

// IsHealthy returns true if the connection is established and not draining.
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// EnsureKeyValue creates the KV bucket if it does not exist yet and returns it.
func (c *Client) EnsureKeyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "EnsureKeyValue",
			fmt.Sprintf("bucket %s", cfg.Bucket))
	}
	return kv, nil
}

// Close drains and closes the connection.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.conn.Drain(); err != nil {
			c.logger.Warn("NATS drain failed, closing hard", "error", err)
			c.conn.Close()
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.conn.Close()
	}

	c.conn = nil
	c.js = nil
	return nil
}
