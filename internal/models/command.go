// v0
// internal/models/command.go
package models

import "time"

// Kind is the vehicle command family.
type Kind string

const (
	KindLock   Kind = "lock"
	KindUnlock Kind = "unlock"
)

func (k Kind) Valid() bool { return k == KindLock || k == KindUnlock }

func (k Kind) Opposite() Kind {
	if k == KindLock {
		return KindUnlock
	}
	return KindLock
}

// Reason records what produced an intent.
type Reason string

const (
	ReasonArrival   Reason = "proximity_arrival"
	ReasonDeparture Reason = "proximity_departure"
	ReasonManual    Reason = "manual"
)

// Intent is a decision to change the vehicle's lock state.
type Intent struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	VIN         string    `json:"vin"`
	Reason      Reason    `json:"reason"`
	RequestedAt time.Time `json:"requestedAt"`
}

type Outcome string

const (
	OutcomeInFlight Outcome = "in_flight"
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
)

// Record describes the progress or result of dispatching one intent.
type Record struct {
	IntentID    string    `json:"intentId"`
	Kind        Kind      `json:"kind"`
	Reason      Reason    `json:"reason"`
	VIN         string    `json:"vin"`
	Outcome     Outcome   `json:"outcome"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError,omitempty"`
	CommandID   string    `json:"commandId,omitempty"`
	Description string    `json:"description,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
}

func (r Record) Terminal() bool { return r.Outcome != OutcomeInFlight }

// Result is what the vehicle endpoint reports for one command.
type Result struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	CommandID string `json:"commandId,omitempty"`
}

// VehicleStatus is the remotely reported vehicle state.
type VehicleStatus struct {
	VIN        string    `json:"vin"`
	Locked     bool      `json:"locked"`
	EngineOn   bool      `json:"engineOn"`
	LastUpdate time.Time `json:"lastUpdate"`
}
