package siri

import (
	"strings"
	"time"
)

// VehicleLocation is the reported geographical position of a vehicle.
// Longitude/Latitude are pointers because zero is a legal coordinate;
// Coordinates is the free-form alternative some feeds use instead.
type VehicleLocation struct {
	Longitude   *float64 `json:"longitude,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Coordinates string   `json:"coordinates,omitempty"`
}

// MonitoredVehicleJourney describes the journey a vehicle activity belongs to.
type MonitoredVehicleJourney struct {
	LineRef                  string           `json:"lineRef,omitempty"`
	VehicleRef               string           `json:"vehicleRef,omitempty"`
	DirectionRef             string           `json:"directionRef,omitempty"`
	CourseOfJourneyRef       string           `json:"courseOfJourneyRef,omitempty"`
	OperatorRef              string           `json:"operatorRef,omitempty"`
	PublishedLineName        string           `json:"publishedLineName,omitempty"`
	OriginRef                string           `json:"originRef,omitempty"`
	DestinationRef           string           `json:"destinationRef,omitempty"`
	OriginAimedDepartureTime time.Time        `json:"originAimedDepartureTime,omitempty"`
	VehicleLocation          *VehicleLocation `json:"vehicleLocation,omitempty"`
	Bearing                  *float64         `json:"bearing,omitempty"`
	Delay                    string           `json:"delay,omitempty"`
	Monitored                bool             `json:"monitored"`
}

// VehicleActivity is a single real-time vehicle position report.
type VehicleActivity struct {
	ItemIdentifier          string                  `json:"itemIdentifier,omitempty"`
	RecordedAtTime          time.Time               `json:"recordedAtTime,omitempty"`
	ValidUntilTime          time.Time               `json:"validUntilTime,omitempty"`
	MonitoredVehicleJourney MonitoredVehicleJourney `json:"monitoredVehicleJourney"`
}

// NaturalID returns the explicit item identifier when the feed supplied one.
// Otherwise the identifier is derived from line, vehicle, direction and
// origin departure so updates for the same physical journey share a key even
// when the feed omits identifiers.
func (va VehicleActivity) NaturalID() string {
	if va.ItemIdentifier != "" {
		return va.ItemIdentifier
	}

	mvj := va.MonitoredVehicleJourney
	departure := absent
	if !mvj.OriginAimedDepartureTime.IsZero() {
		departure = mvj.OriginAimedDepartureTime.Format("2006-01-02T15:04:05")
	}

	return strings.Join([]string{
		orAbsent(mvj.LineRef),
		orAbsent(mvj.VehicleRef),
		orAbsent(mvj.DirectionRef),
		departure,
	}, ":")
}

// RecordedAt implements Record.
func (va VehicleActivity) RecordedAt() time.Time { return va.RecordedAtTime }

// ValidUntil implements Record.
func (va VehicleActivity) ValidUntil() time.Time { return va.ValidUntilTime }

// IsValid reports whether the activity is worth keeping. A reported location
// must carry coordinates, and an activity without any of line, course or
// direction reference identifies nothing and is treated as noise.
func (va VehicleActivity) IsValid() bool {
	mvj := va.MonitoredVehicleJourney

	if loc := mvj.VehicleLocation; loc != nil {
		if loc.Longitude == nil && loc.Coordinates == "" {
			return false
		}
	}

	if mvj.LineRef == "" && mvj.CourseOfJourneyRef == "" && mvj.DirectionRef == "" {
		return false
	}

	return true
}

func orAbsent(s string) string {
	if s == "" {
		return absent
	}
	return s
}
