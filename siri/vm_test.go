package siri

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func floatPtr(f float64) *float64 { return &f }

func TestVehicleActivityNaturalID_ExplicitIdentifier(t *testing.T) {
	va := VehicleActivity{
		ItemIdentifier: "item-42",
		MonitoredVehicleJourney: MonitoredVehicleJourney{
			LineRef:    "Line:1234",
			VehicleRef: "Vehicle:99",
		},
	}

	assert.Equal(t, "item-42", va.NaturalID())
}

func TestVehicleActivityNaturalID_Derived(t *testing.T) {
	departure := time.Date(2026, 3, 14, 7, 30, 0, 0, time.UTC)
	va := VehicleActivity{
		MonitoredVehicleJourney: MonitoredVehicleJourney{
			LineRef:                  "Line:1234",
			VehicleRef:               "Vehicle:99",
			DirectionRef:             "1",
			OriginAimedDepartureTime: departure,
		},
	}

	assert.Equal(t, "Line:1234:Vehicle:99:1:2026-03-14T07:30:00", va.NaturalID())
}

func TestVehicleActivityNaturalID_AbsentPartsUseSentinel(t *testing.T) {
	va := VehicleActivity{
		MonitoredVehicleJourney: MonitoredVehicleJourney{LineRef: "Line:1"},
	}

	assert.Equal(t, "Line:1:null:null:null", va.NaturalID())
}

func TestVehicleActivityNaturalID_SameJourneyCollides(t *testing.T) {
	mvj := MonitoredVehicleJourney{
		LineRef:      "Line:1",
		VehicleRef:   "Vehicle:7",
		DirectionRef: "0",
	}
	first := VehicleActivity{MonitoredVehicleJourney: mvj}
	second := VehicleActivity{MonitoredVehicleJourney: mvj}

	assert.Equal(t, first.NaturalID(), second.NaturalID())
}

func TestVehicleActivityIsValid(t *testing.T) {
	tests := []struct {
		name  string
		va    VehicleActivity
		valid bool
	}{
		{
			name: "line ref only",
			va: VehicleActivity{
				MonitoredVehicleJourney: MonitoredVehicleJourney{LineRef: "Line:1"},
			},
			valid: true,
		},
		{
			name:  "no identifying refs",
			va:    VehicleActivity{},
			valid: false,
		},
		{
			name: "location without coordinates",
			va: VehicleActivity{
				MonitoredVehicleJourney: MonitoredVehicleJourney{
					LineRef:         "Line:1",
					VehicleLocation: &VehicleLocation{},
				},
			},
			valid: false,
		},
		{
			name: "location with longitude",
			va: VehicleActivity{
				MonitoredVehicleJourney: MonitoredVehicleJourney{
					LineRef:         "Line:1",
					VehicleLocation: &VehicleLocation{Longitude: floatPtr(10.39), Latitude: floatPtr(63.43)},
				},
			},
			valid: true,
		},
		{
			name: "location with raw coordinates",
			va: VehicleActivity{
				MonitoredVehicleJourney: MonitoredVehicleJourney{
					DirectionRef:    "1",
					VehicleLocation: &VehicleLocation{Coordinates: "10.39 63.43"},
				},
			},
			valid: true,
		},
		{
			name: "course of journey is identifying",
			va: VehicleActivity{
				MonitoredVehicleJourney: MonitoredVehicleJourney{CourseOfJourneyRef: "Course:5"},
			},
			valid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.va.IsValid())
		})
	}
}

func TestSituationValidUntil(t *testing.T) {
	end1 := time.Now().Add(time.Hour)
	end2 := time.Now().Add(2 * time.Hour)

	s := Situation{
		SituationNumber: "TST:Sit:1",
		ValidityPeriods: []ValidityPeriod{{EndTime: end1}, {EndTime: end2}},
	}
	assert.Equal(t, end2, s.ValidUntil())

	openEnded := Situation{
		SituationNumber: "TST:Sit:2",
		ValidityPeriods: []ValidityPeriod{{StartTime: time.Now()}},
	}
	assert.Equal(t, distantFuture, openEnded.ValidUntil())

	noPeriods := Situation{SituationNumber: "TST:Sit:3"}
	assert.True(t, noPeriods.ValidUntil().IsZero())
	assert.False(t, noPeriods.IsValid())
}

func TestEstimatedJourneyValidUntil(t *testing.T) {
	arrival := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	ej := EstimatedJourney{
		DatedVehicleJourneyRef: "TST:Journey:1",
		EstimatedCalls: []EstimatedCall{
			{StopPointRef: "Stop:1", ExpectedArrivalTime: arrival.Add(-20 * time.Minute)},
			{StopPointRef: "Stop:2", ExpectedArrivalTime: arrival},
		},
	}

	assert.Equal(t, arrival.Add(etExpiryGrace), ej.ValidUntil())
	assert.True(t, ej.IsValid())

	cancelled := EstimatedJourney{
		DatedVehicleJourneyRef: "TST:Journey:2",
		RecordedAtTime:         arrival,
		Cancellation:           true,
	}
	assert.Equal(t, arrival.Add(24*time.Hour), cancelled.ValidUntil())
	assert.True(t, cancelled.IsValid())

	noCalls := EstimatedJourney{DatedVehicleJourneyRef: "TST:Journey:3"}
	assert.False(t, noCalls.IsValid())
}

func TestServiceDeliveryIsEmpty(t *testing.T) {
	sd := &ServiceDelivery{ResponseTimestamp: time.Now(), ProducerRef: "TST"}
	assert.True(t, sd.IsEmpty())
	assert.Zero(t, sd.RecordCount())

	sd.VehicleActivities = []VehicleActivity{{ItemIdentifier: "a"}}
	assert.False(t, sd.IsEmpty())
	assert.Equal(t, 1, sd.RecordCount())
}
