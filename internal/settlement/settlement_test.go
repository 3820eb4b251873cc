package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeCollector struct {
	holdErr    error
	captureErr error
	cancelErr  error

	holds    int
	captures int
	cancels  int

	lastAmount   int64
	lastCurrency string
	lastRider    string
	lastRide     string
}

func (f *fakeCollector) Hold(ctx context.Context, amountCents int64, currency, customerID, rideID string) (string, error) {
	f.holds++
	f.lastAmount = amountCents
	f.lastCurrency = currency
	f.lastRider = customerID
	f.lastRide = rideID
	if f.holdErr != nil {
		return "", f.holdErr
	}
	return "ch_test", nil
}

func (f *fakeCollector) Capture(ctx context.Context, chargeID string) error {
	f.captures++
	return f.captureErr
}

func (f *fakeCollector) Cancel(ctx context.Context, chargeID string) error {
	f.cancels++
	return f.cancelErr
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSettleHoldThenCapture(t *testing.T) {
	fc := &fakeCollector{}
	trig := NewTrigger(fc, "usd", time.Second, discard())

	ref, err := trig.Settle(context.Background(), "rider1", 4500, "ride1")
	require.NoError(t, err)
	require.Equal(t, "ch_test", ref)
	require.Equal(t, 1, fc.holds)
	require.Equal(t, 1, fc.captures)
	require.Equal(t, 0, fc.cancels)
	require.Equal(t, int64(4500), fc.lastAmount)
	require.Equal(t, "usd", fc.lastCurrency)
	require.Equal(t, "rider1", fc.lastRider)
	require.Equal(t, "ride1", fc.lastRide)
}

func TestSettleHoldDeclined(t *testing.T) {
	fc := &fakeCollector{holdErr: errors.New("card declined")}
	trig := NewTrigger(fc, "usd", time.Second, discard())

	_, err := trig.Settle(context.Background(), "rider1", 4500, "ride1")
	require.ErrorContains(t, err, "hold declined")
	require.Equal(t, 0, fc.captures)
	require.Equal(t, 0, fc.cancels)
}

func TestSettleCaptureFailureReleasesHold(t *testing.T) {
	fc := &fakeCollector{captureErr: errors.New("insufficient funds")}
	trig := NewTrigger(fc, "usd", time.Second, discard())

	_, err := trig.Settle(context.Background(), "rider1", 4500, "ride1")
	require.ErrorContains(t, err, "capture declined")
	require.Equal(t, 1, fc.holds)
	require.Equal(t, 1, fc.cancels)
}

func TestSettleCaptureFailureCancelAlsoFails(t *testing.T) {
	fc := &fakeCollector{captureErr: errors.New("timeout"), cancelErr: errors.New("gone")}
	trig := NewTrigger(fc, "usd", time.Second, discard())

	_, err := trig.Settle(context.Background(), "rider1", 4500, "ride1")
	require.ErrorContains(t, err, "capture declined")
	require.Equal(t, 1, fc.cancels)
}
