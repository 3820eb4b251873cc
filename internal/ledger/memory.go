package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-bidding/internal/models"
)

// MemoryStore keeps the ledger in process memory. Used in tests and when no
// PG_DSN is configured; enforces the same conflict rules as postgres.
type MemoryStore struct {
	mu        sync.RWMutex
	rides     map[string]*models.Ride
	bids      map[string]*models.Bid
	order     []string // bid ids in insertion order; created_at ties broken by it
	rideLocks sync.Map // rideID -> *sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides: make(map[string]*models.Ride),
		bids:  make(map[string]*models.Bid),
	}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrConflict
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateRideStatus(ctx context.Context, id, status string, f *RideFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	if f != nil {
		if f.SetAssignment {
			r.AssignedDriverID = f.AssignedDriverID
			r.FinalPriceCents = f.FinalPriceCents
		}
		if f.SetPaymentRef {
			r.PaymentRef = f.PaymentRef
		}
	}
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) InsertBid(ctx context.Context, b *models.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.bids {
		if x.RideID == b.RideID && x.DriverID == b.DriverID && !x.Terminal() {
			return ErrConflict
		}
	}
	m.append(b)
	return nil
}

func (m *MemoryStore) InsertCounterBid(ctx context.Context, child *models.Bid, parentID, parentStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, ok := m.bids[parentID]
	if !ok {
		return ErrNotFound
	}
	if parent.Terminal() {
		return ErrConflict
	}
	for _, x := range m.bids {
		if x.ParentBidID != nil && *x.ParentBidID == parentID {
			return ErrConflict
		}
	}
	parent.Status = parentStatus
	parent.UpdatedAt = time.Now()
	m.append(child)
	return nil
}

// append stores a copy and stamps timestamps; callers hold m.mu.
func (m *MemoryStore) append(b *models.Bid) {
	now := time.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	cp := *b
	m.bids[b.ID] = &cp
	m.order = append(m.order, b.ID)
}

func (m *MemoryStore) GetBid(ctx context.Context, id string) (*models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bids[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) SetBidStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[id]
	if !ok {
		return ErrNotFound
	}
	b.Status = status
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListBidsByRide(ctx context.Context, rideID string) ([]models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Bid{}
	for _, id := range m.order {
		if b := m.bids[id]; b.RideID == rideID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListBidsByDriver(ctx context.Context, driverID string) ([]models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Bid{}
	for i := len(m.order) - 1; i >= 0; i-- {
		if b := m.bids[m.order[i]]; b.DriverID == driverID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *MemoryStore) ThreadHead(ctx context.Context, rideID, driverID string) (*models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	children := make(map[string]bool)
	for _, b := range m.bids {
		if b.ParentBidID != nil {
			children[*b.ParentBidID] = true
		}
	}
	for i := len(m.order) - 1; i >= 0; i-- {
		b := m.bids[m.order[i]]
		if b.RideID == rideID && b.DriverID == driverID && !children[b.ID] {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Ancestry(ctx context.Context, bidID string) ([]models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := []models.Bid{}
	id := bidID
	for {
		b, ok := m.bids[id]
		if !ok {
			if len(chain) == 0 {
				return nil, ErrNotFound
			}
			break
		}
		chain = append(chain, *b)
		if b.ParentBidID == nil {
			break
		}
		id = *b.ParentBidID
	}
	// walked newest to oldest; flip to oldest first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (m *MemoryStore) RejectOpenBids(ctx context.Context, rideID, exceptID string) ([]models.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Bid{}
	for _, id := range m.order {
		b := m.bids[id]
		if b.RideID == rideID && !b.Terminal() && b.ID != exceptID {
			b.Status = models.BidRejected
			b.UpdatedAt = time.Now()
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *MemoryStore) RideSummaries(ctx context.Context, rideID string) ([]models.RideBidSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rounds := make(map[string]int)
	heads := make(map[string]*models.Bid)
	for _, id := range m.order {
		b := m.bids[id]
		if b.RideID != rideID {
			continue
		}
		rounds[b.DriverID]++
		heads[b.DriverID] = b // insertion order means last seen is newest
	}
	out := []models.RideBidSummary{}
	for driverID, b := range heads {
		out = append(out, models.RideBidSummary{
			RideID:       b.RideID,
			DriverID:     driverID,
			BidID:        b.ID,
			AmountCents:  b.AmountCents,
			Status:       b.Status,
			CounterParty: b.CounterParty,
			Rounds:       rounds[driverID],
			CreatedAt:    b.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) WithRideLock(ctx context.Context, rideID string, fn func(Store) error) error {
	if _, err := m.GetRide(ctx, rideID); err != nil {
		return err
	}
	v, _ := m.rideLocks.LoadOrStore(rideID, &sync.Mutex{})
	lock := v.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()
	return fn(m)
}
