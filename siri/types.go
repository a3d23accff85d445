package siri

import "time"

// DataKind identifies one of the real-time data types the hub aggregates.
type DataKind string

const (
	// SituationExchange carries service disruption messages (SX)
	SituationExchange DataKind = "SITUATION_EXCHANGE"
	// VehicleMonitoring carries real-time vehicle positions (VM)
	VehicleMonitoring DataKind = "VEHICLE_MONITORING"
	// EstimatedTimetable carries real-time journey estimates (ET)
	EstimatedTimetable DataKind = "ESTIMATED_TIMETABLE"
	// ProductionTimetable carries planned timetable frames (PT)
	ProductionTimetable DataKind = "PRODUCTION_TIMETABLE"
)

// Kinds lists all supported data kinds in a stable order.
func Kinds() []DataKind {
	return []DataKind{SituationExchange, VehicleMonitoring, EstimatedTimetable, ProductionTimetable}
}

// Record is implemented by every domain type the entity stores can hold.
type Record interface {
	// NaturalID returns the record's own stable identifier. For records
	// without an explicit identifier it is derived deterministically from
	// journey attributes so repeated updates for the same vehicle/journey
	// collide onto the same key.
	NaturalID() string
	// RecordedAt returns when the upstream recorded the state. Zero means
	// the feed did not supply one.
	RecordedAt() time.Time
	// ValidUntil returns the end of the record's validity window. Zero
	// means the feed did not supply one.
	ValidUntil() time.Time
	// IsValid reports whether the record passes domain-level validity
	// checks. Invalid records are dropped silently at ingestion.
	IsValid() bool
}

// absent is the sentinel substituted for missing key parts when deriving a
// natural identifier. Kept as the literal string "null" for compatibility
// with keys produced by earlier deployments.
const absent = "null"

// ServiceDelivery is the envelope returned to pull consumers and pushed to
// registered push consumers. Only the slice matching the delivery's data
// kind is populated.
type ServiceDelivery struct {
	ResponseTimestamp time.Time          `json:"responseTimestamp"`
	ProducerRef       string             `json:"producerRef,omitempty"`
	Situations        []Situation        `json:"situations,omitempty"`
	VehicleActivities []VehicleActivity  `json:"vehicleActivities,omitempty"`
	EstimatedJourneys []EstimatedJourney `json:"estimatedJourneys,omitempty"`
	TimetableFrames   []TimetableFrame   `json:"timetableFrames,omitempty"`
}

// IsEmpty reports whether the delivery carries no actual records for any
// delivery kind. Empty envelopes are never sent to consumers.
func (sd *ServiceDelivery) IsEmpty() bool {
	return len(sd.Situations) == 0 &&
		len(sd.VehicleActivities) == 0 &&
		len(sd.EstimatedJourneys) == 0 &&
		len(sd.TimetableFrames) == 0
}

// RecordCount returns the number of records across all delivery kinds.
func (sd *ServiceDelivery) RecordCount() int {
	return len(sd.Situations) + len(sd.VehicleActivities) +
		len(sd.EstimatedJourneys) + len(sd.TimetableFrames)
}
