package siri

import "time"

// DatedJourney is a planned journey within a timetable frame.
type DatedJourney struct {
	DatedVehicleJourneyRef string    `json:"datedVehicleJourneyRef,omitempty"`
	LineRef                string    `json:"lineRef,omitempty"`
	DirectionRef           string    `json:"directionRef,omitempty"`
	OriginAimedDeparture   time.Time `json:"originAimedDepartureTime,omitempty"`
}

// TimetableFrame is one planned (production) timetable version delivery.
type TimetableFrame struct {
	VersionRef        string         `json:"versionRef,omitempty"`
	ResponseTimestamp time.Time      `json:"responseTimestamp,omitempty"`
	ValidUntilTime    time.Time      `json:"validUntilTime,omitempty"`
	DatedJourneys     []DatedJourney `json:"datedJourneys,omitempty"`
}

// NaturalID implements Record.
func (tf TimetableFrame) NaturalID() string { return tf.VersionRef }

// RecordedAt implements Record.
func (tf TimetableFrame) RecordedAt() time.Time { return tf.ResponseTimestamp }

// ValidUntil implements Record.
func (tf TimetableFrame) ValidUntil() time.Time { return tf.ValidUntilTime }

// IsValid implements Record.
func (tf TimetableFrame) IsValid() bool { return tf.VersionRef != "" }
