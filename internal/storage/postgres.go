package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore implements RideStore on rides + ride_state_transitions.
// The assignment race is settled by the database: conditional UPDATEs
// report zero affected rows for every loser, and the transition row is
// inserted in the same transaction as the ride update.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `id, customer_id, COALESCE(driver_id,''), COALESCE(accepted_driver_id,''), status,
	suggested_driver_ids, offered_driver_ids, rejected_driver_ids, reassign_attempts,
	COALESCE(pickup_address,''), COALESCE(dropoff_address,''),
	pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	COALESCE(vehicle_type,''), COALESCE(payment_method,''),
	COALESCE(est_distance_m,0), COALESCE(est_duration_sec,0), COALESCE(est_fare,0), COALESCE(surge_factor,1),
	requested_at, offered_at, assigned_at, accepted_at, pickup_at, started_at, completed_at, cancelled_at,
	COALESCE(cancel_reason,''), COALESCE(cancelled_by,'')`

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

func scanRide(row *sql.Row) (*models.Ride, error) {
	var r models.Ride
	var suggested, offered, rejected pq.StringArray
	var cancelledBy string
	var offeredAt, assignedAt, acceptedAt, pickupAt, startedAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.CustomerID, &r.DriverID, &r.AcceptedDriverID, &r.Status,
		&suggested, &offered, &rejected, &r.ReassignAttempts,
		&r.PickupAddress, &r.DropoffAddress,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon,
		&r.VehicleType, &r.PaymentMethod,
		&r.EstDistanceM, &r.EstDurationSec, &r.EstFare, &r.SurgeFactor,
		&r.RequestedAt, &offeredAt, &assignedAt, &acceptedAt,
		&pickupAt, &startedAt, &completedAt, &cancelledAt,
		&r.CancelReason, &cancelledBy,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.SuggestedDriverIDs = suggested
	r.OfferedDriverIDs = offered
	r.RejectedDriverIDs = rejected
	r.CancelledBy = models.ActorType(cancelledBy)
	r.OfferedAt = timePtr(offeredAt)
	r.AssignedAt = timePtr(assignedAt)
	r.AcceptedAt = timePtr(acceptedAt)
	r.PickupAt = timePtr(pickupAt)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cancelledAt)
	return &r, nil
}

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (id, customer_id, status,
			pickup_address, dropoff_address, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
			vehicle_type, payment_method, est_distance_m, est_duration_sec, est_fare, surge_factor,
			requested_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.CustomerID, r.Status,
		r.PickupAddress, r.DropoffAddress, r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.VehicleType, r.PaymentMethod, r.EstDistanceM, r.EstDurationSec, r.EstFare, r.SurgeFactor,
		r.RequestedAt)
	return err
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, at time.Time, tr models.StateTransition) (bool, error) {
	if col, ok := timestampColumn(to); ok {
		q := `UPDATE rides SET status=$1, ` + col + `=$4 WHERE id=$2 AND status = ANY($3)`
		return p.condUpdate(ctx, tr, q, to, id, statusArray(from), at)
	}
	q := `UPDATE rides SET status=$1 WHERE id=$2 AND status = ANY($3)`
	return p.condUpdate(ctx, tr, q, to, id, statusArray(from))
}

// timestampColumn maps a target status to the timestamp it stamps.
// FINDING_DRIVER has none; OFFERED and CANCELLED are stamped by OfferRound
// and Cancel respectively.
func timestampColumn(to models.RideStatus) (string, bool) {
	switch to {
	case models.StatusAccepted:
		return "accepted_at", true
	case models.StatusPickingUp:
		return "pickup_at", true
	case models.StatusInProgress:
		return "started_at", true
	case models.StatusCompleted:
		return "completed_at", true
	}
	return "", false
}

func (p *PostgresStore) OfferRound(ctx context.Context, id string, suggested, batch []string, attempts int, at time.Time, tr models.StateTransition) (bool, error) {
	q := `UPDATE rides SET status=$1,
			suggested_driver_ids=$2,
			offered_driver_ids=(SELECT ARRAY(SELECT DISTINCT unnest(offered_driver_ids || $3::text[]) EXCEPT SELECT unnest(rejected_driver_ids))),
			reassign_attempts=$4,
			offered_at=COALESCE(offered_at, $5)
		WHERE id=$6 AND driver_id IS NULL AND status = ANY($7)
			AND ($4 = 0 OR reassign_attempts < $4)`
	return p.condUpdate(ctx, tr, q,
		models.StatusOffered, pq.Array(suggested), pq.Array(batch), attempts, at, id,
		statusArray([]models.RideStatus{models.StatusCreated, models.StatusFindingDriver, models.StatusOffered}))
}

func (p *PostgresStore) AssignDriver(ctx context.Context, id, driverID string, at time.Time, tr models.StateTransition) (bool, error) {
	q := `UPDATE rides SET status=$1, driver_id=$2, accepted_driver_id=$2, assigned_at=$3
		WHERE id=$4 AND driver_id IS NULL AND NOT ($2 = ANY(rejected_driver_ids)) AND status = ANY($5)`
	return p.condUpdate(ctx, tr, q,
		models.StatusAssigned, driverID, at, id,
		statusArray([]models.RideStatus{models.StatusFindingDriver, models.StatusOffered}))
}

func (p *PostgresStore) RecordRejection(ctx context.Context, id, driverID string) (*models.Ride, error) {
	_, err := p.db.ExecContext(ctx, `
		UPDATE rides SET
			offered_driver_ids=array_remove(offered_driver_ids, $2),
			rejected_driver_ids=(SELECT ARRAY(SELECT DISTINCT unnest(rejected_driver_ids || ARRAY[$2]::text[])))
		WHERE id=$1`, id, driverID)
	if err != nil {
		return nil, err
	}
	return p.Get(ctx, id)
}

func (p *PostgresStore) Cancel(ctx context.Context, id, reason string, by models.ActorType, actorID string, at time.Time, tr models.StateTransition) (bool, error) {
	q := `UPDATE rides SET status=$1, cancel_reason=$2, cancelled_by=$3, cancelled_at=$4, offered_driver_ids='{}'
		WHERE id=$5 AND NOT (status = ANY($6))`
	return p.condUpdate(ctx, tr, q,
		models.StatusCancelled, reason, by, at, id,
		statusArray([]models.RideStatus{models.StatusCompleted, models.StatusCancelled}))
}

// condUpdate runs the conditional ride update and, when it takes effect,
// appends the transition row in the same transaction.
func (p *PostgresStore) condUpdate(ctx context.Context, tr models.StateTransition, query string, args ...interface{}) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ride_state_transitions (ride_id, from_status, to_status, actor_id, actor_type, reason, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		tr.RideID, nullable(string(tr.FromStatus)), tr.ToStatus, nullable(tr.ActorID), tr.ActorType, nullable(tr.Reason), tr.OccurredAt); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func statusArray(list []models.RideStatus) pq.StringArray {
	out := make(pq.StringArray, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
