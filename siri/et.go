package siri

import "time"

// EstimatedCall is a single stop visit within an estimated journey.
type EstimatedCall struct {
	StopPointRef        string    `json:"stopPointRef,omitempty"`
	Order               int       `json:"order,omitempty"`
	AimedArrivalTime    time.Time `json:"aimedArrivalTime,omitempty"`
	ExpectedArrivalTime time.Time `json:"expectedArrivalTime,omitempty"`
	AimedDepartureTime  time.Time `json:"aimedDepartureTime,omitempty"`
	ExpectedDeparture   time.Time `json:"expectedDepartureTime,omitempty"`
}

// EstimatedJourney is a real-time estimate for one dated vehicle journey.
type EstimatedJourney struct {
	DatedVehicleJourneyRef string          `json:"datedVehicleJourneyRef,omitempty"`
	LineRef                string          `json:"lineRef,omitempty"`
	DirectionRef           string          `json:"directionRef,omitempty"`
	OperatorRef            string          `json:"operatorRef,omitempty"`
	VehicleRef             string          `json:"vehicleRef,omitempty"`
	RecordedAtTime         time.Time       `json:"recordedAtTime,omitempty"`
	Cancellation           bool            `json:"cancellation,omitempty"`
	EstimatedCalls         []EstimatedCall `json:"estimatedCalls,omitempty"`
}

// NaturalID implements Record.
func (ej EstimatedJourney) NaturalID() string { return ej.DatedVehicleJourneyRef }

// RecordedAt implements Record.
func (ej EstimatedJourney) RecordedAt() time.Time { return ej.RecordedAtTime }

// etExpiryGrace keeps a journey around briefly after its final arrival so
// late pollers still see the completed state.
const etExpiryGrace = 10 * time.Minute

// ValidUntil derives the journey's expiry from its final call: the journey
// is useful until the vehicle has arrived at its last stop, plus a short
// grace period.
func (ej EstimatedJourney) ValidUntil() time.Time {
	var last time.Time
	for _, call := range ej.EstimatedCalls {
		for _, ts := range []time.Time{
			call.ExpectedArrivalTime, call.AimedArrivalTime,
			call.ExpectedDeparture, call.AimedDepartureTime,
		} {
			if ts.After(last) {
				last = ts
			}
		}
	}
	if last.IsZero() {
		if ej.Cancellation && !ej.RecordedAtTime.IsZero() {
			// Cancellations may arrive without calls; keep them for a day.
			return ej.RecordedAtTime.Add(24 * time.Hour)
		}
		return time.Time{}
	}
	return last.Add(etExpiryGrace)
}

// IsValid implements Record. A journey estimate without its journey
// reference or without any calls carries no usable information.
func (ej EstimatedJourney) IsValid() bool {
	return ej.DatedVehicleJourneyRef != "" && (ej.Cancellation || len(ej.EstimatedCalls) > 0)
}
