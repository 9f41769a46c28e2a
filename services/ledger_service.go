package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"ticketbox/internal/status"
	"ticketbox/models"
	"ticketbox/monitoring"
	"ticketbox/utils"

	"github.com/google/uuid"
)

// CounterStore persists inventory counters. The ledger is the only writer.
type CounterStore interface {
	LoadCounters(ctx context.Context) ([]models.InventoryCounter, error)
	SaveCounter(ctx context.Context, c models.InventoryCounter) error
}

type tokenState int

const (
	tokenHeld tokenState = iota
	tokenCommitted
	tokenReleased
)

// ReservationToken is a first-class handle on a hold. Commit and Release are
// idempotent through its state, so a retried payment callback or a racing
// reaper cannot double-count.
type ReservationToken struct {
	ID           string
	SessionID    string
	TicketTypeID string
	Quantity     int

	// state is guarded by the ledger's per-key lock.
	state tokenState
}

// LedgerService owns the per-(session, ticket type) availability counters.
// Every mutating operation is serialized per counter key; distinct counters
// proceed concurrently. Counters are updated copy-on-write: the persisted
// value is written first and the in-memory snapshot swapped only on success,
// so a failed save never leaves a phantom hold.
type LedgerService struct {
	store CounterStore
	locks utils.KeyMutex

	mu       sync.RWMutex
	counters map[string]models.InventoryCounter
}

func NewLedgerService(store CounterStore) *LedgerService {
	return &LedgerService{
		store:    store,
		counters: make(map[string]models.InventoryCounter),
	}
}

func counterKey(sessionID, ticketTypeID string) string {
	return fmt.Sprintf("%s:%s", sessionID, ticketTypeID)
}

// Load pulls all counters from the store into memory. Called once on boot
// before the server accepts requests.
func (s *LedgerService) Load(ctx context.Context) error {
	counters, err := s.store.LoadCounters(ctx)
	if err != nil {
		return fmt.Errorf("ledger load: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]models.InventoryCounter, len(counters))
	for _, c := range counters {
		s.counters[counterKey(c.SessionID, c.TicketTypeID)] = c
		monitoring.SetAvailable(c.SessionID, c.TicketTypeID, c.Available())
	}

	slog.Info("ledger loaded", "counters", len(counters))
	return nil
}

func (s *LedgerService) get(key string) (models.InventoryCounter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.counters[key]
	return c, ok
}

func (s *LedgerService) put(key string, c models.InventoryCounter) {
	s.mu.Lock()
	s.counters[key] = c
	s.mu.Unlock()
	monitoring.SetAvailable(c.SessionID, c.TicketTypeID, c.Available())
}

// Reserve atomically checks availability and increments the reserved count.
// Two concurrent buyers can never both succeed past capacity: the per-key
// lock makes check-and-increment a single step.
func (s *LedgerService) Reserve(ctx context.Context, sessionID, ticketTypeID string, qty int) (*ReservationToken, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("ledger reserve: quantity %d", qty)
	}

	key := counterKey(sessionID, ticketTypeID)
	unlock := s.locks.Lock(key)
	defer unlock()

	c, ok := s.get(key)
	if !ok {
		return nil, fmt.Errorf("ledger reserve: unknown ticket type %s: %w", key, status.ErrOutOfStock)
	}

	if c.Available() < qty {
		monitoring.TrackReservation("out_of_stock")
		return nil, fmt.Errorf("ticket type %s: %w", ticketTypeID, status.ErrOutOfStock)
	}

	c.Reserved += qty
	if err := s.store.SaveCounter(ctx, c); err != nil {
		monitoring.TrackReservation("store_error")
		return nil, fmt.Errorf("ledger reserve: save counter: %w", err)
	}
	s.put(key, c)

	monitoring.TrackReservation("reserved")

	return &ReservationToken{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		TicketTypeID: ticketTypeID,
		Quantity:     qty,
		state:        tokenHeld,
	}, nil
}

// Commit moves the token's quantity from reserved to sold. Committing an
// already-committed token is a no-op; committing a released token is refused.
func (s *LedgerService) Commit(ctx context.Context, token *ReservationToken) error {
	key := counterKey(token.SessionID, token.TicketTypeID)
	unlock := s.locks.Lock(key)
	defer unlock()

	switch token.state {
	case tokenCommitted:
		return nil
	case tokenReleased:
		return fmt.Errorf("ledger commit: token %s already released: %w", token.ID, status.ErrInvalidTransition)
	}

	c, ok := s.get(key)
	if !ok {
		return fmt.Errorf("ledger commit: unknown counter %s", key)
	}
	if c.Reserved < token.Quantity {
		return fmt.Errorf("ledger commit: counter %s has %d reserved, token %s wants %d", key, c.Reserved, token.ID, token.Quantity)
	}

	c.Reserved -= token.Quantity
	c.Sold += token.Quantity
	if err := s.store.SaveCounter(ctx, c); err != nil {
		return fmt.Errorf("ledger commit: save counter: %w", err)
	}
	s.put(key, c)

	token.state = tokenCommitted
	return nil
}

// Release returns the token's quantity to availability. Releasing twice is a
// no-op; releasing a committed token is refused.
func (s *LedgerService) Release(ctx context.Context, token *ReservationToken) error {
	key := counterKey(token.SessionID, token.TicketTypeID)
	unlock := s.locks.Lock(key)
	defer unlock()

	switch token.state {
	case tokenReleased:
		return nil
	case tokenCommitted:
		return fmt.Errorf("ledger release: token %s already committed: %w", token.ID, status.ErrInvalidTransition)
	}

	c, ok := s.get(key)
	if !ok {
		return fmt.Errorf("ledger release: unknown counter %s", key)
	}
	if c.Reserved < token.Quantity {
		return fmt.Errorf("ledger release: counter %s has %d reserved, token %s wants %d", key, c.Reserved, token.ID, token.Quantity)
	}

	c.Reserved -= token.Quantity
	if err := s.store.SaveCounter(ctx, c); err != nil {
		return fmt.Errorf("ledger release: save counter: %w", err)
	}
	s.put(key, c)

	token.state = tokenReleased
	return nil
}

// Adopt mints a token for a hold that already exists in the persisted
// counters, used when pending orders are restored after a restart. It does
// not increment reserved; the stored counter already includes this hold.
func (s *LedgerService) Adopt(sessionID, ticketTypeID string, qty int) *ReservationToken {
	return &ReservationToken{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		TicketTypeID: ticketTypeID,
		Quantity:     qty,
		state:        tokenHeld,
	}
}

// Counter returns the in-memory counter for one (session, ticket type) pair.
func (s *LedgerService) Counter(sessionID, ticketTypeID string) (models.InventoryCounter, bool) {
	return s.get(counterKey(sessionID, ticketTypeID))
}

// Availability returns a snapshot of the counters for one session.
func (s *LedgerService) Availability(sessionID string) []models.InventoryCounter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.InventoryCounter{}
	for _, c := range s.counters {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out
}
