package siri

import "time"

// ValidityPeriod is a half-open window during which a situation applies.
type ValidityPeriod struct {
	StartTime time.Time `json:"startTime,omitempty"`
	EndTime   time.Time `json:"endTime,omitempty"`
}

// Situation is a service disruption message (planned or unplanned).
type Situation struct {
	SituationNumber  string           `json:"situationNumber,omitempty"`
	CreationTime     time.Time        `json:"creationTime,omitempty"`
	ParticipantRef   string           `json:"participantRef,omitempty"`
	Progress         string           `json:"progress,omitempty"`
	Severity         string           `json:"severity,omitempty"`
	Summary          string           `json:"summary,omitempty"`
	Description      string           `json:"description,omitempty"`
	ValidityPeriods  []ValidityPeriod `json:"validityPeriods,omitempty"`
	AffectedLineRefs []string         `json:"affectedLineRefs,omitempty"`
}

// NaturalID implements Record. Situations always carry their own number.
func (s Situation) NaturalID() string { return s.SituationNumber }

// RecordedAt implements Record.
func (s Situation) RecordedAt() time.Time { return s.CreationTime }

// distantFuture is the expiry substituted for open-ended validity periods so
// that such situations stay in the store until explicitly superseded.
var distantFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// ValidUntil returns the latest validity period end. A situation with an
// open-ended period (no end time) effectively never expires on its own.
func (s Situation) ValidUntil() time.Time {
	if len(s.ValidityPeriods) == 0 {
		return time.Time{}
	}
	var latest time.Time
	for _, vp := range s.ValidityPeriods {
		if vp.EndTime.IsZero() {
			return distantFuture
		}
		if vp.EndTime.After(latest) {
			latest = vp.EndTime
		}
	}
	return latest
}

// IsValid reports whether the situation carries enough identity to store.
func (s Situation) IsValid() bool {
	return s.SituationNumber != "" && len(s.ValidityPeriods) > 0
}
