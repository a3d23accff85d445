// Package metric provides the Prometheus registry for the hub.
//
// Core metrics cover record ingestion, entity store sizes, outbound
// deliveries, subscription health and cluster leadership. Components
// register their own metrics through the Registry so every collector ends
// up on the single /metrics endpoint.
package metric
