// Package store implements the real-time entity store and the per-requestor
// change tracking layered on top of it.
//
// A store holds the latest valid snapshot per natural key with expiry. The
// acceptance decision for a key is an atomic compare-and-possibly-replace on
// the record's RecordedAt timestamp: newer wins, ties keep the existing
// entity, and records without a timestamp are treated as always newer for
// compatibility with feeds that omit it. Expired or invalid records are
// dropped silently.
//
// Two adapters satisfy the same contract: Memory keeps everything in an
// in-process map with a background expiry sweep (single node deployments and
// tests), KV keeps entities in a JetStream key-value bucket with per-key
// versioned compare-and-swap so several nodes share one consistent view.
//
// Tracker gives each registered requestor an independent delta cursor: a
// pending key set that grows on accepted writes and is atomically swapped
// with an empty set when the requestor polls.
package store
