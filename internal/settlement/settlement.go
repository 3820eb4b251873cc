package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-bidding/internal/observability"
)

// Collector is the external payment collaborator: reserve funds, then
// finalize or release them.
type Collector interface {
	Hold(ctx context.Context, amountCents int64, currency, customerID, rideID string) (string, error)
	Capture(ctx context.Context, chargeID string) error
	Cancel(ctx context.Context, chargeID string) error
}

// Trigger charges the rider once a bid is accepted. The charge is the one
// blocking I/O call in the negotiation core, so it runs under a bounded
// timeout; callers compensate when it fails.
type Trigger struct {
	collector Collector
	currency  string
	timeout   time.Duration
	log       *slog.Logger
}

func NewTrigger(collector Collector, currency string, timeout time.Duration, log *slog.Logger) *Trigger {
	return &Trigger{collector: collector, currency: currency, timeout: timeout, log: log}
}

// Settle holds then captures the accepted price. A failed capture releases
// the hold so funds are never left reserved on a ride that reverts to
// bidding.
func (t *Trigger) Settle(ctx context.Context, riderID string, amountCents int64, rideID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	chargeID, err := t.collector.Hold(ctx, amountCents, t.currency, riderID, rideID)
	if err != nil {
		return "", fmt.Errorf("hold declined: %w", err)
	}
	if err := t.collector.Capture(ctx, chargeID); err != nil {
		if cancelErr := t.collector.Cancel(ctx, chargeID); cancelErr != nil {
			t.log.Error("failed to release hold after capture failure",
				"ride_id", rideID, "charge_id", chargeID, "error", cancelErr)
		}
		return "", fmt.Errorf("capture declined: %w", err)
	}
	observability.SettlementLatency.Observe(time.Since(start).Seconds())
	t.log.Info("settlement captured", "ride_id", rideID, "charge_id", chargeID, "amount_cents", amountCents)
	return chargeID, nil
}
