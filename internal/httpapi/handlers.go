package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/ledger"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/negotiation"
)

const maxBodyBytes = 1 << 20

// SummaryReader serves the warm per-ride dashboard view; the redis cache
// implements it in production.
type SummaryReader interface {
	Get(ctx context.Context, rideID string) ([]models.RideBidSummary, bool)
}

// Server exposes the negotiation engine over HTTP plus a websocket feed for
// real-time negotiation events.
type Server struct {
	engine *negotiation.Engine
	cache  SummaryReader // optional read-through for summaries
	wsReg  *dispatch.WSRegistry
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(engine *negotiation.Engine, summaries SummaryReader, wsReg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{engine: engine, cache: summaries, wsReg: wsReg, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancelRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/bids", s.handleSubmitBid).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/bids", s.handleListBids).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/bids/summary", s.handleBidSummaries).Methods("GET")
	api.HandleFunc("/bids/{bid_id}/counter", s.handleCounterBid).Methods("POST")
	api.HandleFunc("/bids/{bid_id}/accept", s.handleAcceptBid).Methods("POST")
	api.HandleFunc("/bids/{bid_id}/withdraw", s.handleWithdrawBid).Methods("POST")
	api.HandleFunc("/bids/{bid_id}/history", s.handleBidHistory).Methods("GET")
	api.HandleFunc("/drivers/{driver_id}/bids", s.handleDriverBids).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{party_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RiderID string `json:"rider_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	ride, err := s.engine.CreateRide(r.Context(), req.RiderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req struct {
		ActorID string `json:"actor_id"`
		Status  string `json:"status"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Status == "" {
		req.Status = models.RideCancelled
	}
	if err := s.engine.VoidRide(r.Context(), rideID, req.Status, req.ActorID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"ride_id": rideID, "status": req.Status})
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req struct {
		DriverID    string `json:"driver_id"`
		AmountCents int64  `json:"amount_cents"`
		Notes       string `json:"notes"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	bid, err := s.engine.SubmitInitialBid(r.Context(), rideID, req.DriverID, req.AmountCents, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, bid)
}

func (s *Server) handleCounterBid(w http.ResponseWriter, r *http.Request) {
	bidID := mux.Vars(r)["bid_id"]
	var req struct {
		AmountCents int64  `json:"amount_cents"`
		ActingParty string `json:"acting_party"`
		ActorID     string `json:"actor_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	bid, err := s.engine.CounterOffer(r.Context(), bidID, req.AmountCents, req.ActingParty, req.ActorID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, bid)
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	bidID := mux.Vars(r)["bid_id"]
	var req struct {
		AcceptingParty string `json:"accepting_party"`
		ActorID        string `json:"actor_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	ride, bid, err := s.engine.AcceptBid(r.Context(), bidID, req.AcceptingParty, req.ActorID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ride": ride, "bid": bid})
}

func (s *Server) handleWithdrawBid(w http.ResponseWriter, r *http.Request) {
	bidID := mux.Vars(r)["bid_id"]
	var req struct {
		DriverID string `json:"driver_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	bid, err := s.engine.WithdrawBid(r.Context(), bidID, req.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bid)
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	actorID := r.URL.Query().Get("actor_id")
	bids, err := s.engine.ListBidsForRide(r.Context(), rideID, actorID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bids)
}

func (s *Server) handleBidSummaries(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	actorID := r.URL.Query().Get("actor_id")
	// A warm cache must not leak summaries to non-participants.
	if err := s.engine.AuthorizeRideRead(r.Context(), rideID, actorID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.cache != nil {
		if sums, ok := s.cache.Get(r.Context(), rideID); ok {
			s.writeJSON(w, http.StatusOK, sums)
			return
		}
	}
	sums, err := s.engine.RideSummaries(r.Context(), rideID, actorID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sums)
}

func (s *Server) handleDriverBids(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	actorID := r.URL.Query().Get("actor_id")
	bids, err := s.engine.ListBidsForDriver(r.Context(), driverID, actorID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bids)
}

func (s *Server) handleBidHistory(w http.ResponseWriter, r *http.Request) {
	bidID := mux.Vars(r)["bid_id"]
	actorID := r.URL.Query().Get("actor_id")
	chain, err := s.engine.BidHistory(r.Context(), bidID, actorID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, chain)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	partyID := mux.Vars(r)["party_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Warn("websocket upgrade failed", "party_id", partyID, "error", err)
		return
	}
	s.wsReg.Add(partyID, conn)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the engine's error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *negotiation.ValidationError
		authErr       *negotiation.AuthorizationError
		conflictErr   *negotiation.StateConflictError
		paymentErr    *negotiation.PaymentFailedError
	)
	switch {
	case errors.As(err, &validationErr):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &authErr):
		s.writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.As(err, &conflictErr):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "code": conflictErr.Code})
	case errors.As(err, &paymentErr):
		s.writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": err.Error()})
	case errors.Is(err, ledger.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	default:
		s.logger.Error("internal error", "path", r.URL.Path, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
