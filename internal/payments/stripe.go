package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeCollector implements the settlement Collector over stripe-go
// PaymentIntent hold/capture/cancel flows.
type StripeCollector struct{}

// NewStripeCollector initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeCollector() *StripeCollector {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeCollector{}
}

// Hold creates a PaymentIntent with capture_method=manual to reserve the
// accepted price against the rider. The ride id travels in metadata for
// reconciliation.
func (s *StripeCollector) Hold(ctx context.Context, amountCents int64, currency, customerID, rideID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("ride_id", rideID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeCollector) Capture(ctx context.Context, chargeID string) error {
	_, err := paymentintent.Capture(chargeID, nil)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeCollector) Cancel(ctx context.Context, chargeID string) error {
	_, err := paymentintent.Cancel(chargeID, nil)
	return err
}
