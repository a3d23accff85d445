// Package hub wires the entity stores, change trackers, subscription
// registry and push dispatcher into the single facade the transport layer
// talks to.
//
// Ingestion and queries follow one path each: Submit stores a delivery,
// broadcasts the accepted keys to every delta cursor and fans the accepted
// state out to push consumers; Query serves either a full snapshot or the
// caller's personal delta.
package hub
