package negotiation

import "fmt"

// ValidationError rejects a malformed request before any state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthorizationError rejects an actor who is not party to the ride or thread.
type AuthorizationError struct {
	Actor  string
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %s not authorized: %s", e.Actor, e.Reason)
}

// StateConflictError rejects a request that is legal in shape but illegal
// against current ride/bid state. The triggering request leaves no partial
// writes; callers re-fetch and retry.
type StateConflictError struct {
	Code   string
	Reason string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("state conflict (%s): %s", e.Code, e.Reason)
}

// Is lets errors.Is match any two conflicts with the same code, so callers
// can compare against the sentinels below.
func (e *StateConflictError) Is(target error) bool {
	t, ok := target.(*StateConflictError)
	return ok && t.Code == e.Code
}

var (
	ErrDuplicateBid      = &StateConflictError{Code: "duplicate_bid", Reason: "driver already has an open thread on this ride"}
	ErrThreadClosed      = &StateConflictError{Code: "thread_closed", Reason: "negotiation thread is terminal"}
	ErrMaxRoundsExceeded = &StateConflictError{Code: "max_rounds_exceeded", Reason: "counter-offer round limit reached"}
	ErrNotYourTurn       = &StateConflictError{Code: "not_your_turn", Reason: "the acting party proposed the current amount"}
	ErrStaleBid          = &StateConflictError{Code: "stale_bid", Reason: "bid has been superseded by a newer round"}
	ErrRideNotBiddable   = &StateConflictError{Code: "ride_not_biddable", Reason: "ride no longer accepts bid activity"}
)

// PaymentFailedError is returned when the accept committed but the charge was
// declined; the compensating revert has already run by the time callers see it.
type PaymentFailedError struct {
	RideID string
	BidID  string
	Reason string
}

func (e *PaymentFailedError) Error() string {
	return fmt.Sprintf("payment failed for ride %s: %s", e.RideID, e.Reason)
}
