package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Searcher resolves a pickup point to a ranked, presence-filtered list of
// nearby drivers.
type Searcher interface {
	FindNearby(ctx context.Context, origin models.Coord, exclude []string) []models.Candidate
}

// OfferNotifier pushes one offer round to the batch members and reports
// the terminal no-driver outcome. Delivery is best effort; the persisted
// offer state, not the push, is authoritative.
type OfferNotifier interface {
	OfferRide(ctx context.Context, ride *models.Ride, batch []models.Candidate)
	RideCancelled(ctx context.Context, ride *models.Ride)
}

type Config struct {
	// OfferBatchSize caps how many candidates receive an offer per round.
	// 0 offers to every online candidate.
	OfferBatchSize int
	// OfferTimeout expires an unanswered offer as if the driver rejected.
	// 0 disables the timers.
	OfferTimeout time.Duration
	// MaxReassignAttempts bounds reassignment rounds before the ride is
	// cancelled as NO_DRIVER_AVAILABLE.
	MaxReassignAttempts int
}

// Engine owns the ride lifecycle state machine. All matching-relevant
// writes go through the store's conditional updates, so a single
// acceptance wins per ride no matter how many instances race.
type Engine struct {
	Store    storage.RideStore
	Search   Searcher
	Notifier OfferNotifier
	Cfg      Config
	Logger   *slog.Logger

	mu     sync.Mutex
	timers map[timerKey]*time.Timer
}

type timerKey struct {
	rideID   string
	driverID string
}

func NewEngine(store storage.RideStore, search Searcher, notifier OfferNotifier, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxReassignAttempts < 1 {
		cfg.MaxReassignAttempts = 3
	}
	return &Engine{
		Store:    store,
		Search:   search,
		Notifier: notifier,
		Cfg:      cfg,
		Logger:   logger,
		timers:   make(map[timerKey]*time.Timer),
	}
}

// StartDispatch handles a newly requested ride: materialize the record,
// move it into the matching phase and run the first offer round.
func (e *Engine) StartDispatch(ctx context.Context, p models.RideRequestedPayload) (*models.Ride, error) {
	start := time.Now()
	ride := &models.Ride{
		ID:             p.RideID,
		CustomerID:     p.CustomerID,
		Status:         models.StatusCreated,
		PickupAddress:  p.PickupAddress,
		DropoffAddress: p.DropoffAddress,
		Pickup:         p.Pickup,
		Dropoff:        p.Dropoff,
		VehicleType:    p.VehicleType,
		PaymentMethod:  p.PaymentMethod,
		EstDistanceM:   p.EstDistanceM,
		EstDurationSec: p.EstDurationSec,
		EstFare:        p.EstFare,
		SurgeFactor:    p.SurgeFactor,
		RequestedAt:    time.Now(),
	}
	if err := e.Store.Create(ctx, ride); err != nil {
		return nil, err
	}
	now := time.Now()
	if _, err := e.Store.Transition(ctx, ride.ID,
		[]models.RideStatus{models.StatusCreated}, models.StatusFindingDriver, now,
		newTransition(ride.ID, models.StatusCreated, models.StatusFindingDriver, models.ActorSystem, "", "dispatch started", now)); err != nil {
		return nil, err
	}
	ride.Status = models.StatusFindingDriver

	if err := e.offerRound(ctx, ride, 0); err != nil {
		return nil, err
	}
	observability.DispatchLatency.Observe(time.Since(start).Seconds())
	return e.Store.Get(ctx, ride.ID)
}

// offerRound searches, picks the batch and records it. A round that finds
// no candidates leaves the ride in FINDING_DRIVER on the first attempt and
// counts as exhausted on reassignment, so matching always terminates.
func (e *Engine) offerRound(ctx context.Context, ride *models.Ride, attempts int) error {
	for {
		cands := e.Search.FindNearby(ctx, ride.Pickup, ride.RejectedDriverIDs)
		batch := batchOf(cands, ride.OfferedDriverIDs, e.Cfg.OfferBatchSize)
		if len(batch) > 0 {
			now := time.Now()
			suggested := driverIDs(cands)
			ok, err := e.Store.OfferRound(ctx, ride.ID, suggested, driverIDs(batch), attempts, now,
				newTransition(ride.ID, ride.Status, models.StatusOffered, models.ActorSystem, "", "offer round", now))
			if err != nil {
				return err
			}
			if !ok {
				// a driver was assigned or the ride left matching meanwhile
				return nil
			}
			observability.OfferRounds.Inc()
			observability.OffersSent.Add(float64(len(batch)))
			for _, c := range batch {
				e.armOfferTimer(ride.ID, c.DriverID)
			}
			if e.Notifier != nil {
				updated, err := e.Store.Get(ctx, ride.ID)
				if err != nil {
					return err
				}
				e.Notifier.OfferRide(ctx, updated, batch)
			}
			return nil
		}

		if attempts == 0 {
			// nobody nearby on the first round; the ride stays in
			// FINDING_DRIVER until drivers come online and a later event
			// retries
			e.log().Info("no online candidates", "ride_id", ride.ID)
			return nil
		}
		attempts++
		if attempts >= e.Cfg.MaxReassignAttempts {
			_, err := e.cancelNoDriver(ctx, ride.ID)
			return err
		}
	}
}

// HandleAccept settles the acceptance race. Exactly one driver wins the
// conditional assign; every other concurrent accept is a silent no-op and
// reports won=false.
func (e *Engine) HandleAccept(ctx context.Context, rideID, driverID string) (*models.Ride, bool, error) {
	current, err := e.Store.Get(ctx, rideID)
	if err != nil {
		return nil, false, err
	}
	now := time.Now()
	won, err := e.Store.AssignDriver(ctx, rideID, driverID, now,
		newTransition(rideID, current.Status, models.StatusAssigned, models.ActorDriver, driverID, "driver accepted", now))
	if err != nil {
		return nil, false, err
	}
	if !won {
		observability.AcceptRacesLost.Inc()
		e.log().Debug("accept lost race", "ride_id", rideID, "driver_id", driverID)
		return nil, false, nil
	}
	e.cancelRideTimers(rideID)

	now = time.Now()
	if _, err := e.Store.Transition(ctx, rideID,
		[]models.RideStatus{models.StatusAssigned}, models.StatusAccepted, now,
		newTransition(rideID, models.StatusAssigned, models.StatusAccepted, models.ActorDriver, driverID, "", now)); err != nil {
		return nil, false, err
	}
	ride, err := e.Store.Get(ctx, rideID)
	if err != nil {
		return nil, false, err
	}
	return ride, true, nil
}

// HandleReject processes an explicit driver rejection or an offer timeout.
// When the round's offers are exhausted without a winner it either starts a
// reassignment round or cancels the ride at the attempt ceiling.
func (e *Engine) HandleReject(ctx context.Context, rideID, driverID string) error {
	e.cancelTimer(timerKey{rideID: rideID, driverID: driverID})

	ride, err := e.Store.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if ride.Status.Terminal() || ride.DriverID != "" {
		return nil
	}
	ride, err = e.Store.RecordRejection(ctx, rideID, driverID)
	if err != nil {
		return err
	}
	if len(ride.OfferedDriverIDs) > 0 || ride.DriverID != "" ||
		(ride.Status != models.StatusOffered && ride.Status != models.StatusFindingDriver) {
		return nil
	}

	attempts := ride.ReassignAttempts + 1
	if attempts >= e.Cfg.MaxReassignAttempts {
		_, err := e.cancelNoDriver(ctx, rideID)
		return err
	}
	return e.offerRound(ctx, ride, attempts)
}

// HandlePickup marks the driver en route to the pickup point.
func (e *Engine) HandlePickup(ctx context.Context, rideID, driverID string) (*models.Ride, bool, error) {
	return e.forward(ctx, rideID, driverID,
		[]models.RideStatus{models.StatusAssigned, models.StatusAccepted}, models.StatusPickingUp)
}

// HandleStart marks the trip underway.
func (e *Engine) HandleStart(ctx context.Context, rideID, driverID string) (*models.Ride, bool, error) {
	return e.forward(ctx, rideID, driverID,
		[]models.RideStatus{models.StatusAccepted, models.StatusPickingUp}, models.StatusInProgress)
}

// HandleComplete finishes the trip.
func (e *Engine) HandleComplete(ctx context.Context, rideID, driverID string) (*models.Ride, bool, error) {
	return e.forward(ctx, rideID, driverID,
		[]models.RideStatus{models.StatusInProgress}, models.StatusCompleted)
}

// HandleCancel terminates any non-terminal ride. Open offers are
// invalidated: their timers stop and a later accept finds the conditional
// assign precondition gone.
func (e *Engine) HandleCancel(ctx context.Context, rideID, reason string, by models.ActorType, actorID string) (*models.Ride, bool, error) {
	current, err := e.Store.Get(ctx, rideID)
	if err != nil {
		return nil, false, err
	}
	now := time.Now()
	ok, err := e.Store.Cancel(ctx, rideID, reason, by, actorID, now,
		newTransition(rideID, current.Status, models.StatusCancelled, by, actorID, reason, now))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	e.cancelRideTimers(rideID)
	observability.RidesCancelled.WithLabelValues(reason).Inc()
	ride, err := e.Store.Get(ctx, rideID)
	if err != nil {
		return nil, false, err
	}
	return ride, true, nil
}

// Close stops all offer timers. Pending offers survive in the store and
// are resolved by explicit rejections or another instance's timers.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, t := range e.timers {
		t.Stop()
		delete(e.timers, k)
	}
}

func (e *Engine) forward(ctx context.Context, rideID, driverID string, from []models.RideStatus, to models.RideStatus) (*models.Ride, bool, error) {
	current, err := e.Store.Get(ctx, rideID)
	if err != nil {
		return nil, false, err
	}
	now := time.Now()
	ok, err := e.Store.Transition(ctx, rideID, from, to, now,
		newTransition(rideID, current.Status, to, models.ActorDriver, driverID, "", now))
	if err != nil || !ok {
		return nil, false, err
	}
	ride, err := e.Store.Get(ctx, rideID)
	if err != nil {
		return nil, false, err
	}
	return ride, true, nil
}

func (e *Engine) cancelNoDriver(ctx context.Context, rideID string) (bool, error) {
	ride, ok, err := e.HandleCancel(ctx, rideID, models.CancelReasonNoDriver, models.ActorSystem, "")
	if ok && e.Notifier != nil {
		e.Notifier.RideCancelled(ctx, ride)
	}
	return ok, err
}

func newTransition(rideID string, from, to models.RideStatus, actor models.ActorType, actorID, reason string, at time.Time) models.StateTransition {
	return models.StateTransition{
		RideID:     rideID,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actorID,
		ActorType:  actor,
		Reason:     reason,
		OccurredAt: at,
	}
}

func (e *Engine) armOfferTimer(rideID, driverID string) {
	if e.Cfg.OfferTimeout <= 0 {
		return
	}
	key := timerKey{rideID: rideID, driverID: driverID}
	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.timers[key]; ok {
		old.Stop()
	}
	e.timers[key] = time.AfterFunc(e.Cfg.OfferTimeout, func() {
		e.cancelTimer(key)
		if err := e.HandleReject(context.Background(), rideID, driverID); err != nil {
			e.log().Error("offer timeout handling failed", "ride_id", rideID, "driver_id", driverID, "error", err)
		}
	})
}

func (e *Engine) cancelTimer(key timerKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[key]; ok {
		t.Stop()
		delete(e.timers, key)
	}
}

func (e *Engine) cancelRideTimers(rideID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, t := range e.timers {
		if k.rideID == rideID {
			t.Stop()
			delete(e.timers, k)
		}
	}
}

func (e *Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// batchOf picks the next offer batch: nearest-first candidates that do not
// already hold an open offer, capped at size (0 = no cap).
func batchOf(cands []models.Candidate, offered []string, size int) []models.Candidate {
	open := make(map[string]struct{}, len(offered))
	for _, id := range offered {
		open[id] = struct{}{}
	}
	out := make([]models.Candidate, 0, len(cands))
	for _, c := range cands {
		if _, ok := open[c.DriverID]; ok {
			continue
		}
		out = append(out, c)
		if size > 0 && len(out) == size {
			break
		}
	}
	return out
}

func driverIDs(cands []models.Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.DriverID
	}
	return out
}
