package models

// Broker payloads. The outbox relay publishes camelCase JSON, so these tags
// follow the wire contract rather than our own snake_case convention.

type RideRequestedPayload struct {
	RideID         string  `json:"rideId"`
	CustomerID     string  `json:"customerId"`
	PickupAddress  string  `json:"pickupAddress"`
	DropoffAddress string  `json:"dropoffAddress"`
	Pickup         Coord   `json:"pickup"`
	Dropoff        Coord   `json:"dropoff"`
	VehicleType    string  `json:"vehicleType"`
	PaymentMethod  string  `json:"paymentMethod"`
	EstDistanceM   float64 `json:"distance"`
	EstDurationSec float64 `json:"duration"`
	EstFare        float64 `json:"fare"`
	SurgeFactor    float64 `json:"surgeMultiplier"`
}

// DriverResponsePayload carries a driver's accept or reject for a ride.
type DriverResponsePayload struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
}

type RideLifecyclePayload struct {
	RideID     string `json:"rideId"`
	CustomerID string `json:"customerId"`
	DriverID   string `json:"driverId"`
}

type RideCompletedPayload struct {
	RideID      string  `json:"rideId"`
	CustomerID  string  `json:"customerId"`
	DriverID    string  `json:"driverId"`
	Fare        float64 `json:"fare"`
	DistanceM   float64 `json:"distance"`
	DurationSec float64 `json:"duration"`
}

type RideCancelledPayload struct {
	RideID      string    `json:"rideId"`
	CustomerID  string    `json:"customerId"`
	DriverID    string    `json:"driverId"`
	Reason      string    `json:"reason"`
	CancelledBy ActorType `json:"cancelledBy"`
}
