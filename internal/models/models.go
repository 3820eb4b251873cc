package models

import "time"

// Ride status constants
const (
	RideRequested   = "requested"
	RideBidding     = "bidding"
	RideScheduled   = "scheduled"
	RidePaid        = "paid"
	RideEnRoute     = "en_route"
	RideArrived     = "arrived"
	RideInProgress  = "in_progress"
	RideCompleted   = "completed"
	RideCancelled   = "cancelled"
	RideEditPending = "edit_pending"
)

// Bid status constants
const (
	BidPending    = "pending"
	BidSelected   = "selected"
	BidCountered  = "countered"
	BidAccepted   = "accepted"
	BidRejected   = "rejected"
	BidWithdrawn  = "withdrawn"
	BidMaxReached = "maxReached"
)

// Negotiation parties
const (
	PartyRider  = "rider"
	PartyDriver = "driver"
)

type Ride struct {
	ID               string    `db:"id" json:"id"`
	RiderID          string    `db:"rider_id" json:"rider_id"`
	Status           string    `db:"status" json:"status"`
	AssignedDriverID *string   `db:"assigned_driver_id" json:"assigned_driver_id,omitempty"`
	FinalPriceCents  *int64    `db:"final_price_cents" json:"final_price_cents,omitempty"`
	PaymentRef       *string   `db:"payment_ref" json:"payment_ref,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

type Bid struct {
	ID          string `db:"id" json:"id"`
	RideID      string `db:"ride_id" json:"ride_id"`
	DriverID    string `db:"driver_id" json:"driver_id"`
	AmountCents int64  `db:"amount_cents" json:"amount_cents"`
	Notes       string `db:"notes" json:"notes,omitempty"`
	Status      string `db:"status" json:"status"`
	// CounterParty is whoever most recently proposed this bid's amount.
	CounterParty string    `db:"counter_party" json:"counter_party"`
	ParentBidID  *string   `db:"parent_bid_id" json:"parent_bid_id,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"-"`
}

// Terminal reports whether no further negotiation can happen on this bid row.
// A countered row is terminal but its thread continues via the child bid.
func (b *Bid) Terminal() bool {
	switch b.Status {
	case BidPending, BidSelected:
		return false
	}
	return true
}

// RideBiddable reports whether a ride can still take bid activity.
func RideBiddable(status string) bool {
	return status == RideRequested || status == RideBidding
}

// BidEvent is the contract handed to the notification collaborator and the
// event stream for every committed negotiation transition.
type BidEvent struct {
	RideID    string    `json:"ride_id"`
	BidID     string    `json:"bid_id,omitempty"`
	Kind      string    `json:"kind"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

// BidEvent kinds
const (
	EventBidSubmitted     = "bid_submitted"
	EventBidCountered     = "bid_countered"
	EventBidAccepted      = "bid_accepted"
	EventBidWithdrawn     = "bid_withdrawn"
	EventBidRejected      = "bid_rejected"
	EventMaxRoundsReached = "max_rounds_reached"
	EventRideVoided       = "ride_voided"
	EventSettlementFailed = "settlement_failed"
)

// RideBidSummary is the collapsed dashboard row for a ride: one entry per
// negotiation thread, holding only the thread's current bid.
type RideBidSummary struct {
	RideID       string    `db:"ride_id" json:"ride_id"`
	DriverID     string    `db:"driver_id" json:"driver_id"`
	BidID        string    `db:"bid_id" json:"bid_id"`
	AmountCents  int64     `db:"amount_cents" json:"amount_cents"`
	Status       string    `db:"status" json:"status"`
	CounterParty string    `db:"counter_party" json:"counter_party"`
	Rounds       int       `db:"rounds" json:"rounds"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
