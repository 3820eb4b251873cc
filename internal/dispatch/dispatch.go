package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/ride-bidding/internal/ledger"
	"github.com/example/ride-bidding/internal/models"
)

// Notifier mirrors the engine's notification contract so adapters compose.
type Notifier interface {
	OnStateChange(ctx context.Context, ev models.BidEvent)
}

// Sink delivers one event to one connected party.
type Sink interface {
	Deliver(ctx context.Context, partyID string, ev models.BidEvent) error
}

// Multi fans a state change out to several notifiers.
type Multi []Notifier

func (m Multi) OnStateChange(ctx context.Context, ev models.BidEvent) {
	for _, n := range m {
		n.OnStateChange(ctx, ev)
	}
}

// Fanout resolves the parties affected by a transition and pushes the event
// through the first sink that reaches each of them. Delivery failures are
// logged and swallowed; real-time push is best-effort by contract, the
// ledger is the source of truth.
type Fanout struct {
	store ledger.Store
	sinks []Sink
	log   *slog.Logger
}

func NewFanout(store ledger.Store, log *slog.Logger, sinks ...Sink) *Fanout {
	return &Fanout{store: store, sinks: sinks, log: log}
}

func (f *Fanout) OnStateChange(ctx context.Context, ev models.BidEvent) {
	for _, partyID := range f.recipients(ctx, ev) {
		delivered := false
		for _, s := range f.sinks {
			if err := s.Deliver(ctx, partyID, ev); err == nil {
				delivered = true
				break
			}
		}
		if !delivered {
			f.log.Warn("event not delivered", "party_id", partyID, "kind", ev.Kind, "ride_id", ev.RideID)
		}
	}
}

// recipients is always the ride's rider plus, when the event names a bid,
// that thread's driver.
func (f *Fanout) recipients(ctx context.Context, ev models.BidEvent) []string {
	out := []string{}
	if ride, err := f.store.GetRide(ctx, ev.RideID); err == nil {
		out = append(out, ride.RiderID)
	} else {
		f.log.Warn("cannot resolve ride for event", "ride_id", ev.RideID, "error", err)
	}
	if ev.BidID == "" {
		return out
	}
	if bid, err := f.store.GetBid(ctx, ev.BidID); err == nil {
		out = append(out, bid.DriverID)
	} else {
		f.log.Warn("cannot resolve bid for event", "bid_id", ev.BidID, "error", err)
	}
	return out
}
