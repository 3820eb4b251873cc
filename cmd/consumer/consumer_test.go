package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-bidding/internal/models"
)

// fakeSource implements SummarySource for tests
type fakeSource struct {
	fail  int // number of times to fail before succeeding
	calls int
}

func (f *fakeSource) RideSummaries(ctx context.Context, rideID string) ([]models.RideBidSummary, error) {
	f.calls++
	if f.calls <= f.fail {
		return nil, errors.New("read fail")
	}
	return []models.RideBidSummary{{RideID: rideID, DriverID: "d1", BidID: "b1", AmountCents: 4500, Rounds: 2}}, nil
}

// fakeSink implements SummarySink for tests
type fakeSink struct {
	fail  int
	calls int
	last  []models.RideBidSummary
}

func (f *fakeSink) Put(ctx context.Context, rideID string, sums []models.RideBidSummary) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("put fail")
	}
	f.last = sums
	return nil
}

func TestProjectWithRetry_SucceedsAfterRetries(t *testing.T) {
	src := &fakeSource{fail: 1}
	dst := &fakeSink{fail: 1}
	ctx := context.Background()
	start := time.Now()
	if err := projectWithRetry(ctx, src, dst, "ride1", 4, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if src.calls < 2 || dst.calls < 2 {
		t.Fatalf("expected retries, got src=%d dst=%d", src.calls, dst.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if len(dst.last) != 1 || dst.last[0].BidID != "b1" {
		t.Fatalf("unexpected projection payload: %+v", dst.last)
	}
}

func TestProjectWithRetry_FailsWhenExhausted(t *testing.T) {
	src := &fakeSource{fail: 5}
	dst := &fakeSink{}
	ctx := context.Background()
	if err := projectWithRetry(ctx, src, dst, "ride1", 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if dst.calls != 0 {
		t.Fatalf("sink should not be written when reads fail, got %d calls", dst.calls)
	}
}
