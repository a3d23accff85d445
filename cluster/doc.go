// Package cluster coordinates singleton background routes across hub
// instances.
//
// Each route is guarded by a lease in a shared KV bucket. One instance holds
// the lease and runs the route; the others stay idle and re-contend on a
// fixed interval. Losing the lease cancels the route's context so the next
// holder can take over without overlap.
package cluster
