// Package outbound pushes accepted changes to registered consumers.
//
// Deliveries are fire-and-forget: each push is filtered per consumer,
// chunked, and sent over an ephemeral connection by a bounded worker pool.
// A slow or unreachable consumer never blocks ingestion, and failed sends
// are never retried. The consumer polls or resubscribes to recover.
package outbound
