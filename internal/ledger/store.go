package ledger

import (
	"context"
	"errors"

	"github.com/example/ride-bidding/internal/models"
)

var (
	// ErrNotFound is returned when the requested ride or bid does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrConflict is returned when an insert or update lost a concurrency
	// race: a second open bid for the same thread, a second child for the
	// same parent, or a status update against a superseded row.
	ErrConflict = errors.New("ledger: conflict")
)

// RideFields carries the optional multi-field portion of a ride status
// update. Pointers are written as given when the corresponding Set flag is
// true, including nil (SQL NULL), so compensation can clear an assignment.
type RideFields struct {
	SetAssignment    bool
	AssignedDriverID *string
	FinalPriceCents  *int64
	SetPaymentRef    bool
	PaymentRef       *string
}

// Store is the durable bid ledger. New negotiation rounds always insert new
// rows; status mutations are the only in-place updates.
type Store interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// UpdateRideStatus atomically updates the ride status together with any
	// fields set in f. A nil f updates status only.
	UpdateRideStatus(ctx context.Context, id, status string, f *RideFields) error

	// InsertBid appends a root bid. Returns ErrConflict if the driver
	// already holds an open row on the ride.
	InsertBid(ctx context.Context, b *models.Bid) error
	// InsertCounterBid marks the parent countered and appends the child in
	// one atomic step. Returns ErrConflict if the parent is no longer the
	// open head of its thread.
	InsertCounterBid(ctx context.Context, child *models.Bid, parentID, parentStatus string) error
	GetBid(ctx context.Context, id string) (*models.Bid, error)
	SetBidStatus(ctx context.Context, id, status string) error

	ListBidsByRide(ctx context.Context, rideID string) ([]models.Bid, error)
	ListBidsByDriver(ctx context.Context, driverID string) ([]models.Bid, error)
	// ThreadHead returns the childless latest bid of the (ride, driver)
	// thread, or ErrNotFound when the driver never bid on the ride.
	ThreadHead(ctx context.Context, rideID, driverID string) (*models.Bid, error)
	// Ancestry walks parent_bid_id from the given bid back to the thread
	// root, returned oldest first.
	Ancestry(ctx context.Context, bidID string) ([]models.Bid, error)
	// RejectOpenBids rejects every open bid on the ride except the one with
	// exceptID (pass "" to reject all) and returns the rows it closed.
	RejectOpenBids(ctx context.Context, rideID, exceptID string) ([]models.Bid, error)
	// RideSummaries collapses each thread of a ride into its current bid,
	// newest thread first.
	RideSummaries(ctx context.Context, rideID string) ([]models.RideBidSummary, error)

	// WithRideLock runs fn holding an exclusive per-ride scope; all Store
	// calls made through the argument see and produce committed state only
	// when fn returns nil. This is the transaction boundary root submits,
	// acceptBid and ride voiding run under.
	WithRideLock(ctx context.Context, rideID string, fn func(Store) error) error
}
