package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNotFound is returned when no ride exists for the id.
var ErrNotFound = errors.New("ride not found")

// RideStore is the persistence contract for the dispatch engine. Every
// write that can affect a matching decision is conditional: it reports
// false when the precondition no longer holds instead of overwriting.
// Mutating operations atomically append the given transition row on
// success, so the audit trail never diverges from the ride record.
type RideStore interface {
	Get(ctx context.Context, id string) (*models.Ride, error)

	// Create inserts the ride if absent. The booking flow owns creation;
	// this materializes the record when the event arrives first.
	Create(ctx context.Context, r *models.Ride) error

	// Transition moves the ride from any of the listed statuses to the
	// target, setting the target's timestamp.
	Transition(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, at time.Time, tr models.StateTransition) (bool, error)

	// OfferRound records one offer batch: status becomes OFFERED, the
	// suggested list is replaced, the batch joins the open offers and the
	// attempt counter is stored. Fails once a driver is assigned, the
	// ride left the matching phase, or a reassign round with this attempt
	// count (or a later one) was already recorded.
	OfferRound(ctx context.Context, id string, suggested, batch []string, attempts int, at time.Time, tr models.StateTransition) (bool, error)

	// AssignDriver is the accept race: it succeeds for exactly one driver
	// while status is FINDING_DRIVER or OFFERED and no driver is set.
	AssignDriver(ctx context.Context, id, driverID string, at time.Time, tr models.StateTransition) (bool, error)

	// RecordRejection moves the driver from the open offers to the
	// rejected list and returns the updated ride. A driver never leaves
	// the rejected list again.
	RecordRejection(ctx context.Context, id, driverID string) (*models.Ride, error)

	// Cancel terminates any non-terminal ride and invalidates open offers.
	Cancel(ctx context.Context, id, reason string, by models.ActorType, actorID string, at time.Time, tr models.StateTransition) (bool, error)
}

// MemoryStore keeps rides and their transition rows in process memory. It
// backs redis/postgres-less runs and the engine tests; the conditional
// semantics match the SQL implementation.
type MemoryStore struct {
	mu          sync.Mutex
	rides       map[string]*models.Ride
	transitions map[string][]models.StateTransition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:       make(map[string]*models.Ride),
		transitions: make(map[string][]models.StateTransition),
	}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) Create(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return nil
	}
	m.rides[r.ID] = cloneRide(r)
	return nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, at time.Time, tr models.StateTransition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, ErrNotFound
	}
	if !statusIn(r.Status, from) {
		return false, nil
	}
	r.Status = to
	setTimestamp(r, to, at)
	m.append(id, tr)
	return true, nil
}

func (m *MemoryStore) OfferRound(ctx context.Context, id string, suggested, batch []string, attempts int, at time.Time, tr models.StateTransition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.DriverID != "" || !statusIn(r.Status, []models.RideStatus{models.StatusCreated, models.StatusFindingDriver, models.StatusOffered}) {
		return false, nil
	}
	// reassign rounds only move the attempt counter forward: when two
	// instances race on the same round, one write applies
	if attempts > 0 && r.ReassignAttempts >= attempts {
		return false, nil
	}
	r.Status = models.StatusOffered
	r.SuggestedDriverIDs = append([]string(nil), suggested...)
	for _, d := range batch {
		if !contains(r.OfferedDriverIDs, d) && !contains(r.RejectedDriverIDs, d) {
			r.OfferedDriverIDs = append(r.OfferedDriverIDs, d)
		}
	}
	r.ReassignAttempts = attempts
	if r.OfferedAt == nil {
		t := at
		r.OfferedAt = &t
	}
	m.append(id, tr)
	return true, nil
}

func (m *MemoryStore) AssignDriver(ctx context.Context, id, driverID string, at time.Time, tr models.StateTransition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.DriverID != "" || contains(r.RejectedDriverIDs, driverID) ||
		!statusIn(r.Status, []models.RideStatus{models.StatusFindingDriver, models.StatusOffered}) {
		return false, nil
	}
	r.Status = models.StatusAssigned
	r.DriverID = driverID
	r.AcceptedDriverID = driverID
	t := at
	r.AssignedAt = &t
	m.append(id, tr)
	return true, nil
}

func (m *MemoryStore) RecordRejection(ctx context.Context, id, driverID string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	r.OfferedDriverIDs = remove(r.OfferedDriverIDs, driverID)
	if !contains(r.RejectedDriverIDs, driverID) {
		r.RejectedDriverIDs = append(r.RejectedDriverIDs, driverID)
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) Cancel(ctx context.Context, id, reason string, by models.ActorType, actorID string, at time.Time, tr models.StateTransition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status.Terminal() {
		return false, nil
	}
	r.Status = models.StatusCancelled
	r.CancelReason = reason
	r.CancelledBy = by
	r.OfferedDriverIDs = nil
	t := at
	r.CancelledAt = &t
	m.append(id, tr)
	return true, nil
}

// Transitions returns the audit rows recorded for the ride, in order.
func (m *MemoryStore) Transitions(id string) []models.StateTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.StateTransition(nil), m.transitions[id]...)
}

func (m *MemoryStore) append(id string, tr models.StateTransition) {
	m.transitions[id] = append(m.transitions[id], tr)
}

func setTimestamp(r *models.Ride, to models.RideStatus, at time.Time) {
	t := at
	switch to {
	case models.StatusAccepted:
		r.AcceptedAt = &t
	case models.StatusPickingUp:
		r.PickupAt = &t
	case models.StatusInProgress:
		r.StartedAt = &t
	case models.StatusCompleted:
		r.CompletedAt = &t
	}
}

func statusIn(s models.RideStatus, list []models.RideStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func cloneRide(r *models.Ride) *models.Ride {
	c := *r
	c.SuggestedDriverIDs = append([]string(nil), r.SuggestedDriverIDs...)
	c.OfferedDriverIDs = append([]string(nil), r.OfferedDriverIDs...)
	c.RejectedDriverIDs = append([]string(nil), r.RejectedDriverIDs...)
	return &c
}
