package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-bidding/internal/ledger"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
)

const maxNotesLen = 500

// Notifier receives one event per committed transition. Delivery is the
// adapter's problem; the engine never fails an operation over it.
type Notifier interface {
	OnStateChange(ctx context.Context, ev models.BidEvent)
}

// Settler charges the rider after an accept. Returns the charge reference.
type Settler interface {
	Settle(ctx context.Context, riderID string, amountCents int64, rideID string) (string, error)
}

// Engine is the sole authority on whether a bid action is legal given
// current ride and thread state.
type Engine struct {
	store    ledger.Store
	settler  Settler
	notifier Notifier
	log      *slog.Logger

	// MaxRounds is the counter-offer limit per thread. The counter that
	// crosses it still lands, flagged maxReached, and closes the thread.
	maxRounds int
}

func NewEngine(store ledger.Store, settler Settler, notifier Notifier, log *slog.Logger, maxRounds int) *Engine {
	if maxRounds <= 0 {
		maxRounds = 4
	}
	return &Engine{store: store, settler: settler, notifier: notifier, log: log, maxRounds: maxRounds}
}

// CreateRide opens a ride in the requested state. In production rides come
// from the ride CRUD collaborator; this keeps the service runnable standalone.
func (e *Engine) CreateRide(ctx context.Context, riderID string) (*models.Ride, error) {
	if riderID == "" {
		return nil, &ValidationError{Field: "rider_id", Reason: "required"}
	}
	r := &models.Ride{ID: uuid.NewString(), RiderID: riderID, Status: models.RideRequested}
	if err := e.store.CreateRide(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// SubmitInitialBid opens a negotiation thread: a driver's first offer on a
// ride. Moves the ride from requested to bidding on the first bid. Runs under
// the per-ride scope so a submit can never land between an accept's sweep and
// its ride transition.
func (e *Engine) SubmitInitialBid(ctx context.Context, rideID, driverID string, amountCents int64, notes string) (*models.Bid, error) {
	if err := validateOffer(driverID, "driver_id", amountCents, notes); err != nil {
		return nil, err
	}
	bid := &models.Bid{
		ID:           uuid.NewString(),
		RideID:       rideID,
		DriverID:     driverID,
		AmountCents:  amountCents,
		Notes:        notes,
		Status:       models.BidPending,
		CounterParty: models.PartyDriver,
	}
	err := e.store.WithRideLock(ctx, rideID, func(tx ledger.Store) error {
		ride, err := tx.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		if !models.RideBiddable(ride.Status) {
			return ErrRideNotBiddable
		}
		if head, err := tx.ThreadHead(ctx, rideID, driverID); err == nil && !head.Terminal() {
			return ErrDuplicateBid
		} else if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		if err := tx.InsertBid(ctx, bid); err != nil {
			if errors.Is(err, ledger.ErrConflict) {
				return ErrDuplicateBid
			}
			return err
		}
		if ride.Status == models.RideRequested {
			return tx.UpdateRideStatus(ctx, rideID, models.RideBidding, nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.BidsSubmittedTotal.Inc()
	e.notify(ctx, models.BidEvent{RideID: rideID, BidID: bid.ID, Kind: models.EventBidSubmitted, Actor: driverID})
	return bid, nil
}

// CounterOffer appends a new round to a thread. The parent row is closed as
// countered and the thread continues via the child; the ledger stays
// append-only per round. actingParty must differ from the parent's
// counterParty (rounds alternate).
func (e *Engine) CounterOffer(ctx context.Context, parentBidID string, newAmountCents int64, actingParty, actorID string) (*models.Bid, error) {
	if err := validateOffer(actorID, "actor_id", newAmountCents, ""); err != nil {
		return nil, err
	}
	if actingParty != models.PartyRider && actingParty != models.PartyDriver {
		return nil, &ValidationError{Field: "acting_party", Reason: "must be rider or driver"}
	}
	parent, err := e.store.GetBid(ctx, parentBidID)
	if err != nil {
		return nil, err
	}
	ride, err := e.store.GetRide(ctx, parent.RideID)
	if err != nil {
		return nil, err
	}
	if err := authorize(actingParty, actorID, ride, parent); err != nil {
		return nil, err
	}
	if !models.RideBiddable(ride.Status) {
		return nil, ErrRideNotBiddable
	}
	if err := openForResponse(parent); err != nil {
		return nil, err
	}
	if actingParty == parent.CounterParty {
		return nil, ErrNotYourTurn
	}

	chain, err := e.store.Ancestry(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	// The root offer is round zero; this counter is round len(chain).
	status := models.BidPending
	if actingParty == models.PartyRider {
		status = models.BidSelected
	}
	capped := len(chain) > e.maxRounds
	if capped {
		status = models.BidMaxReached
	}

	child := &models.Bid{
		ID:           uuid.NewString(),
		RideID:       parent.RideID,
		DriverID:     parent.DriverID,
		AmountCents:  newAmountCents,
		Status:       status,
		CounterParty: actingParty,
		ParentBidID:  &parent.ID,
	}
	if err := e.store.InsertCounterBid(ctx, child, parent.ID, models.BidCountered); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return nil, ErrStaleBid
		}
		return nil, err
	}
	observability.CounterOffersTotal.Inc()
	kind := models.EventBidCountered
	if capped {
		kind = models.EventMaxRoundsReached
	}
	e.notify(ctx, models.BidEvent{RideID: parent.RideID, BidID: child.ID, Kind: kind, Actor: actorID})
	return child, nil
}

// AcceptBid settles the negotiation: the target bid wins, every other open
// bid on the ride is rejected in the same transaction, and the ride is
// reserved as scheduled before the charge runs. A declined charge reverts
// the ride to bidding and the bid to pending and surfaces PaymentFailedError.
func (e *Engine) AcceptBid(ctx context.Context, bidID, acceptingParty, actorID string) (*models.Ride, *models.Bid, error) {
	if acceptingParty != models.PartyRider && acceptingParty != models.PartyDriver {
		return nil, nil, &ValidationError{Field: "accepting_party", Reason: "must be rider or driver"}
	}
	probe, err := e.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, nil, err
	}

	var (
		ride     *models.Ride
		bid      *models.Bid
		rejected []models.Bid
	)
	err = e.store.WithRideLock(ctx, probe.RideID, func(tx ledger.Store) error {
		ride, err = tx.GetRide(ctx, probe.RideID)
		if err != nil {
			return err
		}
		if !models.RideBiddable(ride.Status) {
			return ErrRideNotBiddable
		}
		// Re-read under the lock; the probe may have lost a race.
		bid, err = tx.GetBid(ctx, bidID)
		if err != nil {
			return err
		}
		if err := authorize(acceptingParty, actorID, ride, bid); err != nil {
			return err
		}
		if err := openForResponse(bid); err != nil {
			return err
		}
		if acceptingParty == bid.CounterParty {
			return ErrNotYourTurn
		}
		if err := tx.SetBidStatus(ctx, bid.ID, models.BidAccepted); err != nil {
			return err
		}
		rejected, err = tx.RejectOpenBids(ctx, bid.RideID, bid.ID)
		if err != nil {
			return err
		}
		return tx.UpdateRideStatus(ctx, bid.RideID, models.RideScheduled, &ledger.RideFields{
			SetAssignment:    true,
			AssignedDriverID: &bid.DriverID,
			FinalPriceCents:  &bid.AmountCents,
		})
	})
	if err != nil {
		return nil, nil, err
	}
	bid.Status = models.BidAccepted
	ride.Status = models.RideScheduled
	ride.AssignedDriverID = &bid.DriverID
	ride.FinalPriceCents = &bid.AmountCents

	observability.AcceptsTotal.Inc()
	e.notify(ctx, models.BidEvent{RideID: ride.ID, BidID: bid.ID, Kind: models.EventBidAccepted, Actor: actorID})
	for _, rb := range rejected {
		e.notify(ctx, models.BidEvent{RideID: ride.ID, BidID: rb.ID, Kind: models.EventBidRejected, Actor: actorID})
	}

	if err := e.settle(ctx, ride, bid, actorID); err != nil {
		return nil, nil, err
	}
	return ride, bid, nil
}

// settle charges the rider for the accepted price and compensates on
// failure. The sibling rejections stand either way; the losing threads were
// closed by the accept, not the charge.
func (e *Engine) settle(ctx context.Context, ride *models.Ride, bid *models.Bid, actorID string) error {
	if e.settler == nil {
		e.log.Warn("no settler configured, skipping charge", "ride_id", ride.ID)
		return nil
	}
	chargeID, err := e.settler.Settle(ctx, ride.RiderID, bid.AmountCents, ride.ID)
	if err == nil {
		ride.PaymentRef = &chargeID
		if err := e.store.UpdateRideStatus(ctx, ride.ID, models.RideScheduled, &ledger.RideFields{
			SetPaymentRef: true,
			PaymentRef:    &chargeID,
		}); err != nil {
			e.log.Error("failed to record charge ref", "ride_id", ride.ID, "charge_id", chargeID, "error", err)
		}
		return nil
	}

	observability.PaymentFailuresTotal.Inc()
	revertErr := e.store.WithRideLock(ctx, ride.ID, func(tx ledger.Store) error {
		if err := tx.SetBidStatus(ctx, bid.ID, models.BidPending); err != nil {
			return err
		}
		return tx.UpdateRideStatus(ctx, ride.ID, models.RideBidding, &ledger.RideFields{SetAssignment: true})
	})
	if revertErr != nil {
		return fmt.Errorf("charge failed (%v) and revert failed: %w", err, revertErr)
	}
	e.notify(ctx, models.BidEvent{RideID: ride.ID, BidID: bid.ID, Kind: models.EventSettlementFailed, Actor: actorID})
	return &PaymentFailedError{RideID: ride.ID, BidID: bid.ID, Reason: err.Error()}
}

// WithdrawBid closes a thread at the driver's request. Withdrawing an
// already-withdrawn bid is a no-op returning the same terminal state.
func (e *Engine) WithdrawBid(ctx context.Context, bidID, driverID string) (*models.Bid, error) {
	bid, err := e.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid.DriverID != driverID {
		return nil, &AuthorizationError{Actor: driverID, Reason: "bid belongs to another driver"}
	}
	if bid.Status == models.BidWithdrawn {
		return bid, nil
	}
	if bid.Status != models.BidPending {
		if bid.Status == models.BidCountered {
			return nil, ErrStaleBid
		}
		return nil, ErrThreadClosed
	}
	ride, err := e.store.GetRide(ctx, bid.RideID)
	if err != nil {
		return nil, err
	}
	if !models.RideBiddable(ride.Status) {
		return nil, ErrRideNotBiddable
	}
	if err := e.store.SetBidStatus(ctx, bid.ID, models.BidWithdrawn); err != nil {
		return nil, err
	}
	bid.Status = models.BidWithdrawn
	observability.WithdrawalsTotal.Inc()
	e.notify(ctx, models.BidEvent{RideID: bid.RideID, BidID: bid.ID, Kind: models.EventBidWithdrawn, Actor: driverID})
	return bid, nil
}

// VoidRide force-closes every open thread as part of a ride cancellation or
// edit. Only the ride's rider may void. Runs under the same per-ride scope as
// accept so the two can never interleave.
func (e *Engine) VoidRide(ctx context.Context, rideID, newStatus, actorID string) error {
	if newStatus != models.RideCancelled && newStatus != models.RideEditPending {
		return &ValidationError{Field: "status", Reason: "void requires cancelled or edit_pending"}
	}
	var rejected []models.Bid
	err := e.store.WithRideLock(ctx, rideID, func(tx ledger.Store) error {
		ride, err := tx.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		if actorID != ride.RiderID {
			return &AuthorizationError{Actor: actorID, Reason: "not the ride's rider"}
		}
		if ride.Status == newStatus {
			return nil
		}
		rejected, err = tx.RejectOpenBids(ctx, rideID, "")
		if err != nil {
			return err
		}
		// A voided ride holds no assignment regardless of what it held before.
		return tx.UpdateRideStatus(ctx, rideID, newStatus, &ledger.RideFields{SetAssignment: true})
	})
	if err != nil {
		return err
	}
	e.notify(ctx, models.BidEvent{RideID: rideID, Kind: models.EventRideVoided, Actor: actorID})
	for _, rb := range rejected {
		e.notify(ctx, models.BidEvent{RideID: rideID, BidID: rb.ID, Kind: models.EventBidRejected, Actor: actorID})
	}
	return nil
}

// ListBidsForRide returns the full ledger for a ride. Only the ride's rider
// or a driver who has bid on it may read it.
func (e *Engine) ListBidsForRide(ctx context.Context, rideID, actorID string) ([]models.Bid, error) {
	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := e.authorizeRideRead(ctx, ride, actorID); err != nil {
		return nil, err
	}
	return e.store.ListBidsByRide(ctx, rideID)
}

// ListBidsForDriver returns every bid a driver has placed, newest first.
// Drivers may only read their own ledger.
func (e *Engine) ListBidsForDriver(ctx context.Context, driverID, actorID string) ([]models.Bid, error) {
	if actorID != driverID {
		return nil, &AuthorizationError{Actor: actorID, Reason: "drivers may only list their own bids"}
	}
	return e.store.ListBidsByDriver(ctx, driverID)
}

// AuthorizeRideRead reports whether the actor may read the ride's bid state:
// the ride's rider, or a driver with a thread on it. Callers serving cached
// views must check this before touching the cache.
func (e *Engine) AuthorizeRideRead(ctx context.Context, rideID, actorID string) error {
	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	return e.authorizeRideRead(ctx, ride, actorID)
}

// RideSummaries collapses each thread of the ride into its current bid.
func (e *Engine) RideSummaries(ctx context.Context, rideID, actorID string) ([]models.RideBidSummary, error) {
	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := e.authorizeRideRead(ctx, ride, actorID); err != nil {
		return nil, err
	}
	return e.store.RideSummaries(ctx, rideID)
}

// BidHistory walks the parent chain of a bid back to the thread root,
// returned oldest first.
func (e *Engine) BidHistory(ctx context.Context, bidID, actorID string) ([]models.Bid, error) {
	bid, err := e.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	ride, err := e.store.GetRide(ctx, bid.RideID)
	if err != nil {
		return nil, err
	}
	if actorID != ride.RiderID && actorID != bid.DriverID {
		return nil, &AuthorizationError{Actor: actorID, Reason: "not party to this thread"}
	}
	return e.store.Ancestry(ctx, bidID)
}

func (e *Engine) authorizeRideRead(ctx context.Context, ride *models.Ride, actorID string) error {
	if actorID == ride.RiderID {
		return nil
	}
	if _, err := e.store.ThreadHead(ctx, ride.ID, actorID); err == nil {
		return nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	return &AuthorizationError{Actor: actorID, Reason: "not party to this ride"}
}

func (e *Engine) notify(ctx context.Context, ev models.BidEvent) {
	if e.notifier == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	e.notifier.OnStateChange(ctx, ev)
}

// openForResponse checks the bid is awaiting the other party. Terminal rows
// report why the thread cannot take this action.
func openForResponse(b *models.Bid) error {
	switch b.Status {
	case models.BidPending, models.BidSelected:
		return nil
	case models.BidCountered:
		return ErrStaleBid
	case models.BidMaxReached:
		return ErrMaxRoundsExceeded
	default:
		return ErrThreadClosed
	}
}

// authorize verifies the actor is the named party of the ride or thread.
func authorize(party, actorID string, ride *models.Ride, bid *models.Bid) error {
	switch party {
	case models.PartyRider:
		if actorID != ride.RiderID {
			return &AuthorizationError{Actor: actorID, Reason: "not the ride's rider"}
		}
	case models.PartyDriver:
		if actorID != bid.DriverID {
			return &AuthorizationError{Actor: actorID, Reason: "not the thread's driver"}
		}
	}
	return nil
}

func validateOffer(actor, actorField string, amountCents int64, notes string) error {
	if actor == "" {
		return &ValidationError{Field: actorField, Reason: "required"}
	}
	if amountCents <= 0 {
		return &ValidationError{Field: "amount_cents", Reason: "must be positive"}
	}
	if len(notes) > maxNotesLen {
		return &ValidationError{Field: "notes", Reason: fmt.Sprintf("max length %d", maxNotesLen)}
	}
	return nil
}
