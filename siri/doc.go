// Package siri holds the domain model for the real-time data hub: vehicle
// activities, situations, estimated journeys and production timetable frames,
// plus the ServiceDelivery envelope used for outbound responses.
//
// Wire-level parsing and serialization of SIRI XML/JSON envelopes is not part
// of this package; a protocol codec hands the hub already-decoded records.
// Each record type knows its own natural identity, freshness timestamp,
// validity window and domain-level validity rules, which is all the storage
// layer needs to merge out-of-order updates.
package siri
