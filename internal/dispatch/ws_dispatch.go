package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-bidding/internal/models"
)

var ErrNoSession = errors.New("no ws session")

// WSSession is one connected rider or driver client.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev models.BidEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// WSRegistry holds live sessions keyed by party id (rider or driver).
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(partyID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[partyID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(partyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, partyID)
}

func (r *WSRegistry) Deliver(ctx context.Context, partyID string, ev models.BidEvent) error {
	r.mu.RLock()
	s, ok := r.sessions[partyID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(ev)
}
