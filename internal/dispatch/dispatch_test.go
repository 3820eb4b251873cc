package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/ride-bidding/internal/ledger"
	"github.com/example/ride-bidding/internal/models"
)

type recordingSink struct {
	fail      bool
	delivered []string // partyID:kind
}

func (r *recordingSink) Deliver(ctx context.Context, partyID string, ev models.BidEvent) error {
	if r.fail {
		return errors.New("unreachable")
	}
	r.delivered = append(r.delivered, partyID+":"+ev.Kind)
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T) ledger.Store {
	t.Helper()
	store := ledger.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateRide(ctx, &models.Ride{ID: "ride1", RiderID: "rider1", Status: models.RideBidding}))
	require.NoError(t, store.InsertBid(ctx, &models.Bid{
		ID: "bid1", RideID: "ride1", DriverID: "driver1",
		AmountCents: 100, Status: models.BidPending, CounterParty: models.PartyDriver,
	}))
	return store
}

func TestFanoutReachesRiderAndThreadDriver(t *testing.T) {
	sink := &recordingSink{}
	f := NewFanout(seed(t), discard(), sink)

	f.OnStateChange(context.Background(), models.BidEvent{
		RideID: "ride1", BidID: "bid1", Kind: models.EventBidSubmitted,
		Actor: "driver1", Timestamp: time.Now(),
	})

	require.ElementsMatch(t, []string{
		"rider1:" + models.EventBidSubmitted,
		"driver1:" + models.EventBidSubmitted,
	}, sink.delivered)
}

func TestFanoutRideOnlyEventSkipsDriver(t *testing.T) {
	sink := &recordingSink{}
	f := NewFanout(seed(t), discard(), sink)

	f.OnStateChange(context.Background(), models.BidEvent{
		RideID: "ride1", Kind: models.EventRideVoided, Actor: "rider1", Timestamp: time.Now(),
	})

	require.Equal(t, []string{"rider1:" + models.EventRideVoided}, sink.delivered)
}

func TestFanoutFallsBackToNextSink(t *testing.T) {
	dead := &recordingSink{fail: true}
	live := &recordingSink{}
	f := NewFanout(seed(t), discard(), dead, live)

	f.OnStateChange(context.Background(), models.BidEvent{
		RideID: "ride1", BidID: "bid1", Kind: models.EventBidAccepted,
		Actor: "rider1", Timestamp: time.Now(),
	})

	require.Len(t, live.delivered, 2)
	require.Empty(t, dead.delivered)
}

func TestMultiBroadcastsToAllNotifiers(t *testing.T) {
	store := seed(t)
	a := &recordingSink{}
	b := &recordingSink{}
	m := Multi{NewFanout(store, discard(), a), NewFanout(store, discard(), b)}

	m.OnStateChange(context.Background(), models.BidEvent{
		RideID: "ride1", Kind: models.EventRideVoided, Actor: "rider1", Timestamp: time.Now(),
	})

	require.Len(t, a.delivered, 1)
	require.Len(t, b.delivered, 1)
}
