package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/models"
)

// Fanout is the slice of the gateway the handlers use.
type Fanout interface {
	SendToUser(ctx context.Context, role models.Role, userID, event string, data interface{}) error
	SendToUsers(ctx context.Context, role models.Role, userIDs []string, event string, data interface{}) error
	SendToPair(ctx context.Context, customerID, driverID, event string, data interface{}) error
}

// Dispatcher is the slice of the dispatch engine the handlers use.
type Dispatcher interface {
	StartDispatch(ctx context.Context, p models.RideRequestedPayload) (*models.Ride, error)
	HandleAccept(ctx context.Context, rideID, driverID string) (*models.Ride, bool, error)
	HandleReject(ctx context.Context, rideID, driverID string) error
	HandlePickup(ctx context.Context, rideID, driverID string) (*models.Ride, bool, error)
	HandleStart(ctx context.Context, rideID, driverID string) (*models.Ride, bool, error)
	HandleComplete(ctx context.Context, rideID, driverID string) (*models.Ride, bool, error)
	HandleCancel(ctx context.Context, rideID, reason string, by models.ActorType, actorID string) (*models.Ride, bool, error)
}

// statusUpdate is the RIDE_STATUS_UPDATE / RIDE_COMPLETED payload.
type statusUpdate struct {
	RideID      string            `json:"rideId"`
	Status      models.RideStatus `json:"status"`
	DriverID    string            `json:"driverId,omitempty"`
	Message     string            `json:"message"`
	Fare        float64           `json:"fare,omitempty"`
	DistanceM   float64           `json:"distance,omitempty"`
	DurationSec float64           `json:"duration,omitempty"`
}

// NewHandlers builds the closed handler table for the fixed binding set.
func NewHandlers(engine Dispatcher, fanout Fanout, logger *slog.Logger) map[string]Handler {
	h := &handlers{engine: engine, fanout: fanout, logger: logger}
	return map[string]Handler{
		TypeRideRequested: h.rideRequested,
		TypeRideAccepted:  h.rideAccepted,
		TypeRideRejected:  h.rideRejected,
		TypeRidePickup:    h.ridePickup,
		TypeRideStarted:   h.rideStarted,
		TypeRideCompleted: h.rideCompleted,
		TypeRideCancelled: h.rideCancelled,
	}
}

type handlers struct {
	engine Dispatcher
	fanout Fanout
	logger *slog.Logger
}

func (h *handlers) rideRequested(ctx context.Context, payload json.RawMessage) error {
	var p models.RideRequestedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	// offers to the candidate batch are pushed by the engine's notifier;
	// an empty candidate list is a no-op, not an error
	_, err := h.engine.StartDispatch(ctx, p)
	return err
}

func (h *handlers) rideAccepted(ctx context.Context, payload json.RawMessage) error {
	var p models.DriverResponsePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	ride, won, err := h.engine.HandleAccept(ctx, p.RideID, p.DriverID)
	if err != nil {
		return err
	}
	if !won {
		// race loser: tell only this driver the ride is gone
		return h.fanout.SendToUser(ctx, models.RoleDriver, p.DriverID, gateway.EventRideStatusUpdate, statusUpdate{
			RideID:  p.RideID,
			Message: "Ride is no longer available",
		})
	}
	return h.fanout.SendToPair(ctx, ride.CustomerID, ride.DriverID, gateway.EventRideStatusUpdate, statusUpdate{
		RideID:   ride.ID,
		Status:   ride.Status,
		DriverID: ride.DriverID,
		Message:  "Driver accepted your ride",
	})
}

func (h *handlers) rideRejected(ctx context.Context, payload json.RawMessage) error {
	var p models.DriverResponsePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	return h.engine.HandleReject(ctx, p.RideID, p.DriverID)
}

func (h *handlers) ridePickup(ctx context.Context, payload json.RawMessage) error {
	var p models.RideLifecyclePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	ride, ok, err := h.engine.HandlePickup(ctx, p.RideID, p.DriverID)
	if err != nil || !ok {
		return err
	}
	return h.fanout.SendToPair(ctx, ride.CustomerID, ride.DriverID, gateway.EventRideStatusUpdate, statusUpdate{
		RideID:   ride.ID,
		Status:   ride.Status,
		DriverID: ride.DriverID,
		Message:  "Driver is on the way to pickup",
	})
}

func (h *handlers) rideStarted(ctx context.Context, payload json.RawMessage) error {
	var p models.RideLifecyclePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	ride, ok, err := h.engine.HandleStart(ctx, p.RideID, p.DriverID)
	if err != nil || !ok {
		return err
	}
	return h.fanout.SendToPair(ctx, ride.CustomerID, ride.DriverID, gateway.EventRideStatusUpdate, statusUpdate{
		RideID:   ride.ID,
		Status:   ride.Status,
		DriverID: ride.DriverID,
		Message:  "Ride started",
	})
}

func (h *handlers) rideCompleted(ctx context.Context, payload json.RawMessage) error {
	var p models.RideCompletedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	ride, ok, err := h.engine.HandleComplete(ctx, p.RideID, p.DriverID)
	if err != nil || !ok {
		return err
	}
	return h.fanout.SendToPair(ctx, ride.CustomerID, ride.DriverID, gateway.EventRideCompleted, statusUpdate{
		RideID:      ride.ID,
		Status:      ride.Status,
		DriverID:    ride.DriverID,
		Message:     "Ride completed",
		Fare:        p.Fare,
		DistanceM:   p.DistanceM,
		DurationSec: p.DurationSec,
	})
}

func (h *handlers) rideCancelled(ctx context.Context, payload json.RawMessage) error {
	var p models.RideCancelledPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	by := p.CancelledBy
	if by == "" {
		by = models.ActorCustomer
	}
	ride, ok, err := h.engine.HandleCancel(ctx, p.RideID, p.Reason, by, actorID(by, p))
	if err != nil || !ok {
		return err
	}
	update := statusUpdate{
		RideID:   ride.ID,
		Status:   ride.Status,
		DriverID: ride.DriverID,
		Message:  "Ride cancelled",
	}
	if ride.DriverID == "" {
		// no driver was ever assigned: the customer is the only party
		return h.fanout.SendToUser(ctx, models.RoleCustomer, ride.CustomerID, gateway.EventRideStatusUpdate, update)
	}
	return h.fanout.SendToPair(ctx, ride.CustomerID, ride.DriverID, gateway.EventRideStatusUpdate, update)
}

func actorID(by models.ActorType, p models.RideCancelledPayload) string {
	switch by {
	case models.ActorDriver:
		return p.DriverID
	case models.ActorCustomer:
		return p.CustomerID
	}
	return ""
}

// OfferPusher adapts the fanout gateway to the engine's offer
// notification. Each batch member gets the same NEW_RIDE_AVAILABLE body.
type OfferPusher struct {
	Fanout Fanout
	Logger *slog.Logger
}

func (p *OfferPusher) OfferRide(ctx context.Context, ride *models.Ride, batch []models.Candidate) {
	ids := make([]string, len(batch))
	for i, c := range batch {
		ids[i] = c.DriverID
	}
	data := map[string]interface{}{
		"rideId":         ride.ID,
		"customerId":     ride.CustomerID,
		"pickupAddress":  ride.PickupAddress,
		"dropoffAddress": ride.DropoffAddress,
		"pickup":         ride.Pickup,
		"dropoff":        ride.Dropoff,
		"fare":           ride.EstFare,
		"distance":       ride.EstDistanceM,
	}
	if err := p.Fanout.SendToUsers(ctx, models.RoleDriver, ids, gateway.EventNewRideAvailable, data); err != nil {
		p.Logger.Warn("offer push incomplete", "ride_id", ride.ID, "error", err)
	}
}

// RideCancelled notifies the customer when matching exhausts all attempts.
func (p *OfferPusher) RideCancelled(ctx context.Context, ride *models.Ride) {
	_ = p.Fanout.SendToUser(ctx, models.RoleCustomer, ride.CustomerID, gateway.EventRideStatusUpdate, statusUpdate{
		RideID:  ride.ID,
		Status:  ride.Status,
		Message: "No drivers available",
	})
}
