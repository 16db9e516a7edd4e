package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Role distinguishes the two client populations. A customer and a driver
// sharing a physical id are still distinct channels.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
)

type RideStatus string

const (
	StatusCreated       RideStatus = "CREATED"
	StatusFindingDriver RideStatus = "FINDING_DRIVER"
	StatusOffered       RideStatus = "OFFERED"
	StatusAssigned      RideStatus = "ASSIGNED"
	StatusAccepted      RideStatus = "ACCEPTED"
	StatusPickingUp     RideStatus = "PICKING_UP"
	StatusInProgress    RideStatus = "IN_PROGRESS"
	StatusCompleted     RideStatus = "COMPLETED"
	StatusCancelled     RideStatus = "CANCELLED"
)

// Terminal reports whether no transition may leave the status.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type ActorType string

const (
	ActorCustomer ActorType = "CUSTOMER"
	ActorDriver   ActorType = "DRIVER"
	ActorSystem   ActorType = "SYSTEM"
)

const CancelReasonNoDriver = "NO_DRIVER_AVAILABLE"

// Ride is the unit of dispatch. driver_id is set only once an acceptance
// wins the race; rejected ids accumulate and never leave the list.
type Ride struct {
	ID               string     `json:"id"`
	CustomerID       string     `json:"customer_id"`
	DriverID         string     `json:"driver_id,omitempty"`
	AcceptedDriverID string     `json:"accepted_driver_id,omitempty"`
	Status           RideStatus `json:"status"`

	SuggestedDriverIDs []string `json:"suggested_driver_ids,omitempty"`
	OfferedDriverIDs   []string `json:"offered_driver_ids,omitempty"`
	RejectedDriverIDs  []string `json:"rejected_driver_ids,omitempty"`
	ReassignAttempts   int      `json:"reassign_attempts"`

	PickupAddress  string  `json:"pickup_address,omitempty"`
	DropoffAddress string  `json:"dropoff_address,omitempty"`
	Pickup         Coord   `json:"pickup"`
	Dropoff        Coord   `json:"dropoff"`
	VehicleType    string  `json:"vehicle_type,omitempty"`
	PaymentMethod  string  `json:"payment_method,omitempty"`
	EstDistanceM   float64 `json:"est_distance_m,omitempty"`
	EstDurationSec float64 `json:"est_duration_sec,omitempty"`
	EstFare        float64 `json:"est_fare,omitempty"`
	SurgeFactor    float64 `json:"surge_factor,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	OfferedAt   *time.Time `json:"offered_at,omitempty"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	PickupAt    *time.Time `json:"pickup_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancelReason string    `json:"cancel_reason,omitempty"`
	CancelledBy  ActorType `json:"cancelled_by,omitempty"`
}

// Rejected reports whether the driver already declined or timed out.
func (r *Ride) Rejected(driverID string) bool {
	for _, id := range r.RejectedDriverIDs {
		if id == driverID {
			return true
		}
	}
	return false
}

// StateTransition is the append-only audit row written for every status
// change. Rows are immutable once written.
type StateTransition struct {
	RideID     string     `json:"ride_id"`
	FromStatus RideStatus `json:"from_status,omitempty"`
	ToStatus   RideStatus `json:"to_status"`
	ActorID    string     `json:"actor_id,omitempty"`
	ActorType  ActorType  `json:"actor_type"`
	Reason     string     `json:"reason,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Candidate is one geospatial search hit, nearest-first in result order.
type Candidate struct {
	DriverID  string  `json:"driver_id"`
	DistanceM float64 `json:"distance_m"`
}

// Driver is the location-ingest frame published by driver clients and
// consumed into the geo index.
type Driver struct {
	ID      string    `json:"id"`
	Loc     Coord     `json:"loc"`
	Rating  float64   `json:"rating"`
	Online  bool      `json:"online"`
	Updated time.Time `json:"updated"`
}
