package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/ledger"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/negotiation"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := ledger.NewMemoryStore()
	engine := negotiation.NewEngine(store, nil, nil, logger, 4)
	return NewServer(engine, nil, dispatch.NewWSRegistry(), logger)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	return rr
}

func createRide(t *testing.T, srv *Server, riderID string) models.Ride {
	t.Helper()
	rr := doJSON(t, srv, "POST", "/api/v1/rides", map[string]string{"rider_id": riderID})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var ride models.Ride
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ride))
	return ride
}

func submitBid(t *testing.T, srv *Server, rideID, driverID string, amount int64) models.Bid {
	t.Helper()
	rr := doJSON(t, srv, "POST", "/api/v1/rides/"+rideID+"/bids", map[string]any{
		"driver_id": driverID, "amount_cents": amount,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var bid models.Bid
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &bid))
	return bid
}

func TestCreateRideAndSubmitBid(t *testing.T) {
	srv := newTestServer(t)
	ride := createRide(t, srv, "rider1")
	require.Equal(t, models.RideRequested, ride.Status)

	bid := submitBid(t, srv, ride.ID, "driver1", 5000)
	require.Equal(t, models.BidPending, bid.Status)
	require.Equal(t, models.PartyDriver, bid.CounterParty)
}

func TestSubmitBidValidation(t *testing.T) {
	srv := newTestServer(t)
	ride := createRide(t, srv, "rider1")

	rr := doJSON(t, srv, "POST", "/api/v1/rides/"+ride.ID+"/bids", map[string]any{
		"driver_id": "driver1", "amount_cents": -5,
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, srv, "POST", "/api/v1/rides/"+ride.ID+"/bids", map[string]any{
		"driver_id": "", "amount_cents": 100,
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDuplicateBidIsConflict(t *testing.T) {
	srv := newTestServer(t)
	ride := createRide(t, srv, "rider1")
	submitBid(t, srv, ride.ID, "driver1", 5000)

	rr := doJSON(t, srv, "POST", "/api/v1/rides/"+ride.ID+"/bids", map[string]any{
		"driver_id": "driver1", "amount_cents": 4800,
	})
	require.Equal(t, http.StatusConflict, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "duplicate_bid", body["code"])
}

func TestCounterAcceptFlow(t *testing.T) {
	srv := newTestServer(t)
	ride := createRide(t, srv, "rider1")
	bid := submitBid(t, srv, ride.ID, "driver1", 5000)

	rr := doJSON(t, srv, "POST", "/api/v1/bids/"+bid.ID+"/counter", map[string]any{
		"amount_cents": 4500, "acting_party": models.PartyRider, "actor_id": "rider1",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var counter models.Bid
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &counter))
	require.Equal(t, models.BidSelected, counter.Status)

	rr = doJSON(t, srv, "POST", "/api/v1/bids/"+counter.ID+"/accept", map[string]any{
		"accepting_party": models.PartyDriver, "actor_id": "driver1",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var out struct {
		Ride models.Ride `json:"ride"`
		Bid  models.Bid  `json:"bid"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Equal(t, models.RideScheduled, out.Ride.Status)
	require.Equal(t, models.BidAccepted, out.Bid.Status)
	require.NotNil(t, out.Ride.FinalPriceCents)
	require.Equal(t, int64(4500), *out.Ride.FinalPriceCents)
}

func TestCounterOutOfTurnIsConflict(t *testing.T) {
	srv := newTestServer(t)
	ride := createRide(t, srv, "rider1")
	bid := submitBid(t, srv, ride.ID, "driver1", 5000)

	rr := doJSON(t, srv, "POST", "/api/v1/bids/"+bid.ID+"/counter", map[string]any{
		"amount_cents": 4800, "acting_party": models.PartyDriver, "actor_id": "driver1",
	})
	require.Equal(t, http.StatusConflict, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "not_your_turn", body["code"])
}

func TestCounterByStrangerIsForbidden(t *testing.T) {
	srv := newTestServer(t)
	ride := createRide(t, srv, "rider1")
	bid := submitBid(t, srv, ride.ID, "driver1", 5000)

	rr := doJSON(t, srv, "POST", "/api/v1/bids/"+bid.ID+"/counter", map[string]any{
		"amount_cents": 4500, "acting_party": models.PartyRider, "actor_id": "someone-else",
	})
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestWithdrawBid(t *testing.T) {
	srv := newTestServer(t)
	ride := createRide(t, srv, "rider1")
	bid := submitBid(t, srv, ride.ID, "driver1", 5000)

	rr := doJSON(t, srv, "POST", "/api/v1/bids/"+bid.ID+"/withdraw", map[string]string{"driver_id": "driver1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var got models.Bid
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Equal(t, models.BidWithdrawn, got.Status)
}

func TestCancelRideRejectsBids(t *testing.T) {
	srv := newTestServer(t)
	ride := createRide(t, srv, "rider1")
	bid := submitBid(t, srv, ride.ID, "driver1", 5000)

	// only the ride's rider may cancel
	rr := doJSON(t, srv, "POST", "/api/v1/rides/"+ride.ID+"/cancel", map[string]string{"actor_id": "stranger"})
	require.Equal(t, http.StatusForbidden, rr.Code, rr.Body.String())

	rr = doJSON(t, srv, "POST", "/api/v1/rides/"+ride.ID+"/cancel", map[string]string{"actor_id": "rider1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = doJSON(t, srv, "POST", "/api/v1/bids/"+bid.ID+"/accept", map[string]any{
		"accepting_party": models.PartyRider, "actor_id": "rider1",
	})
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestListBidsRequiresParticipant(t *testing.T) {
	srv := newTestServer(t)
	ride := createRide(t, srv, "rider1")
	submitBid(t, srv, ride.ID, "driver1", 5000)

	rr := doJSON(t, srv, "GET", "/api/v1/rides/"+ride.ID+"/bids?actor_id=rider1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var bids []models.Bid
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &bids))
	require.Len(t, bids, 1)

	rr = doJSON(t, srv, "GET", "/api/v1/rides/"+ride.ID+"/bids?actor_id=stranger", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestBidSummariesEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ride := createRide(t, srv, "rider1")
	for i := 1; i <= 3; i++ {
		submitBid(t, srv, ride.ID, fmt.Sprintf("driver%d", i), int64(4000+i*100))
	}

	rr := doJSON(t, srv, "GET", "/api/v1/rides/"+ride.ID+"/bids/summary?actor_id=rider1", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var sums []models.RideBidSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sums))
	require.Len(t, sums, 3)
}

type fakeSummaries struct {
	data map[string][]models.RideBidSummary
}

func (f *fakeSummaries) Get(ctx context.Context, rideID string) ([]models.RideBidSummary, bool) {
	sums, ok := f.data[rideID]
	return sums, ok
}

func TestBidSummariesWarmCacheStillAuthorizes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := ledger.NewMemoryStore()
	engine := negotiation.NewEngine(store, nil, nil, logger, 4)
	warm := &fakeSummaries{data: map[string][]models.RideBidSummary{}}
	srv := NewServer(engine, warm, dispatch.NewWSRegistry(), logger)

	ride := createRide(t, srv, "rider1")
	submitBid(t, srv, ride.ID, "driver1", 5000)
	warm.data[ride.ID] = []models.RideBidSummary{
		{RideID: ride.ID, DriverID: "driver1", BidID: "cached", AmountCents: 5000, Rounds: 1},
	}

	rr := doJSON(t, srv, "GET", "/api/v1/rides/"+ride.ID+"/bids/summary?actor_id=stranger", nil)
	require.Equal(t, http.StatusForbidden, rr.Code, rr.Body.String())

	rr = doJSON(t, srv, "GET", "/api/v1/rides/"+ride.ID+"/bids/summary?actor_id=rider1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var sums []models.RideBidSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sums))
	require.Len(t, sums, 1)
	require.Equal(t, "cached", sums[0].BidID)
}

func TestBidHistoryEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ride := createRide(t, srv, "rider1")
	bid := submitBid(t, srv, ride.ID, "driver1", 5000)

	rr := doJSON(t, srv, "POST", "/api/v1/bids/"+bid.ID+"/counter", map[string]any{
		"amount_cents": 4500, "acting_party": models.PartyRider, "actor_id": "rider1",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	var counter models.Bid
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &counter))

	rr = doJSON(t, srv, "GET", "/api/v1/bids/"+counter.ID+"/history?actor_id=driver1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var chain []models.Bid
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &chain))
	require.Len(t, chain, 2)
	require.Equal(t, bid.ID, chain[0].ID)
}

func TestDriverBidsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	r1 := createRide(t, srv, "rider1")
	r2 := createRide(t, srv, "rider2")
	submitBid(t, srv, r1.ID, "driver1", 5000)
	submitBid(t, srv, r2.ID, "driver1", 6000)

	rr := doJSON(t, srv, "GET", "/api/v1/drivers/driver1/bids?actor_id=driver1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var bids []models.Bid
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &bids))
	require.Len(t, bids, 2)

	rr = doJSON(t, srv, "GET", "/api/v1/drivers/driver1/bids?actor_id=driver2", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestUnknownBidIs404(t *testing.T) {
	srv := newTestServer(t)
	rr := doJSON(t, srv, "POST", "/api/v1/bids/nope/accept", map[string]any{
		"accepting_party": models.PartyRider, "actor_id": "rider1",
	})
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMalformedJSONIs400(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest("POST", "/api/v1/rides", bytes.NewBufferString("{nope"))
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
