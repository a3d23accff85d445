// Package subscription tracks the lifecycle of upstream SIRI connections:
// pending, active, terminated, with activity-based health evaluation and
// detection of upstream restarts via the reported service start time.
package subscription

import (
	"time"

	"github.com/dancesWithCycles/anshar/siri"
)

// State is the lifecycle state of a subscription.
type State string

const (
	// StatePending means the subscribe request was sent but not confirmed.
	StatePending State = "PENDING"
	// StateActive means the subscription is confirmed, or a heartbeat,
	// data delivery or status response has been observed.
	StateActive State = "ACTIVE"
	// StateTerminated is terminal: explicitly ended by either side.
	StateTerminated State = "TERMINATED"
)

// Subscription describes one upstream connection.
type Subscription struct {
	ID                string        `json:"id"`
	Kind              siri.DataKind `json:"kind"`
	DatasetID         string        `json:"datasetId"`
	Address           string        `json:"address,omitempty"`
	Vendor            string        `json:"vendor,omitempty"`
	State             State         `json:"state"`
	CreatedAt         time.Time     `json:"createdAt"`
	LastActivityAt    time.Time     `json:"lastActivityAt"`
	ServiceStartedAt  time.Time     `json:"serviceStartedAt,omitempty"`
	ObjectCount       int64         `json:"objectCount"`
	HeartbeatInterval time.Duration `json:"heartbeatInterval,omitempty"`
}

// IsActive reports whether the subscription is in the active state.
func (s Subscription) IsActive() bool { return s.State == StateActive }
