package outbound

import (
	"time"

	"github.com/dancesWithCycles/anshar/siri"
)

// Filter narrows which records a consumer receives. Empty fields match
// everything.
type Filter struct {
	DatasetID   string   `json:"datasetId,omitempty"`
	LineRefs    []string `json:"lineRefs,omitempty"`
	VehicleRefs []string `json:"vehicleRefs,omitempty"`
}

// Matches reports whether a record from the given dataset passes the filter.
// Record types without line or vehicle attributes only filter on dataset.
func (f Filter) Matches(datasetID string, rec siri.Record) bool {
	if f.DatasetID != "" && f.DatasetID != datasetID {
		return false
	}

	var lineRef, vehicleRef string
	switch r := rec.(type) {
	case siri.VehicleActivity:
		lineRef = r.MonitoredVehicleJourney.LineRef
		vehicleRef = r.MonitoredVehicleJourney.VehicleRef
	case siri.EstimatedJourney:
		lineRef = r.LineRef
		vehicleRef = r.VehicleRef
	case siri.Situation:
		// A situation matches a line filter through its affected lines.
		// Vehicle filters can never match a situation.
		if len(f.VehicleRefs) > 0 {
			return false
		}
		if len(f.LineRefs) == 0 {
			return true
		}
		for _, affected := range r.AffectedLineRefs {
			if contains(f.LineRefs, affected) {
				return true
			}
		}
		return false
	default:
		// Timetable frames carry no line/vehicle attributes.
		return len(f.LineRefs) == 0 && len(f.VehicleRefs) == 0
	}

	if len(f.LineRefs) > 0 && !contains(f.LineRefs, lineRef) {
		return false
	}
	if len(f.VehicleRefs) > 0 && !contains(f.VehicleRefs, vehicleRef) {
		return false
	}
	return true
}

func contains(set []string, value string) bool {
	for _, s := range set {
		if s == value {
			return true
		}
	}
	return false
}

// Consumer is a registered push endpoint for one data kind.
type Consumer struct {
	ID           string        `json:"id"`
	Address      string        `json:"address"`
	Kind         siri.DataKind `json:"kind"`
	Filter       Filter        `json:"filter"`
	RegisteredAt time.Time     `json:"registeredAt"`
}
