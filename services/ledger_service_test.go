package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"ticketbox/internal/status"
	"ticketbox/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCounterStore struct {
	mu       sync.Mutex
	counters map[string]models.InventoryCounter
	failSave bool
}

func newMemCounterStore(counters ...models.InventoryCounter) *memCounterStore {
	m := &memCounterStore{counters: make(map[string]models.InventoryCounter)}
	for _, c := range counters {
		m.counters[counterKey(c.SessionID, c.TicketTypeID)] = c
	}
	return m
}

func (m *memCounterStore) LoadCounters(ctx context.Context) ([]models.InventoryCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.InventoryCounter, 0, len(m.counters))
	for _, c := range m.counters {
		out = append(out, c)
	}
	return out, nil
}

func (m *memCounterStore) SaveCounter(ctx context.Context, c models.InventoryCounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return errors.New("store unavailable")
	}
	m.counters[counterKey(c.SessionID, c.TicketTypeID)] = c
	return nil
}

func (m *memCounterStore) get(sessionID, ticketTypeID string) models.InventoryCounter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[counterKey(sessionID, ticketTypeID)]
}

func setupLedger(t *testing.T, counters ...models.InventoryCounter) (*LedgerService, *memCounterStore) {
	t.Helper()
	store := newMemCounterStore(counters...)
	ledger := NewLedgerService(store)
	require.NoError(t, ledger.Load(context.Background()))
	return ledger, store
}

func TestLedgerService_Reserve(t *testing.T) {
	ledger, store := setupLedger(t, models.InventoryCounter{
		SessionID: "s1", TicketTypeID: "vip", Capacity: 10,
	})

	token, err := ledger.Reserve(context.Background(), "s1", "vip", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, token.Quantity)

	persisted := store.get("s1", "vip")
	assert.Equal(t, 3, persisted.Reserved)
	assert.Equal(t, 7, persisted.Available())
}

func TestLedgerService_ReserveOutOfStock(t *testing.T) {
	ledger, _ := setupLedger(t, models.InventoryCounter{
		SessionID: "s1", TicketTypeID: "vip", Capacity: 2,
	})

	_, err := ledger.Reserve(context.Background(), "s1", "vip", 3)
	assert.ErrorIs(t, err, status.ErrOutOfStock)

	_, err = ledger.Reserve(context.Background(), "s1", "unknown", 1)
	assert.ErrorIs(t, err, status.ErrOutOfStock)
}

func TestLedgerService_ConcurrentReserveNeverOversells(t *testing.T) {
	ledger, store := setupLedger(t, models.InventoryCounter{
		SessionID: "s1", TicketTypeID: "ga", Capacity: 10,
	})

	var wg sync.WaitGroup
	var successes int64
	var mu sync.Mutex

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Reserve(context.Background(), "s1", "ga", 1); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, successes)
	assert.Equal(t, 0, store.get("s1", "ga").Available())
}

func TestLedgerService_LastTicketRace(t *testing.T) {
	ledger, _ := setupLedger(t, models.InventoryCounter{
		SessionID: "s1", TicketTypeID: "ga", Capacity: 1,
	})

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Reserve(context.Background(), "s1", "ga", 1)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for err := range results {
		if err == nil {
			won++
		} else {
			assert.ErrorIs(t, err, status.ErrOutOfStock)
		}
	}
	assert.Equal(t, 1, won)
}

func TestLedgerService_CommitIdempotent(t *testing.T) {
	ledger, store := setupLedger(t, models.InventoryCounter{
		SessionID: "s1", TicketTypeID: "vip", Capacity: 5,
	})

	token, err := ledger.Reserve(context.Background(), "s1", "vip", 2)
	require.NoError(t, err)

	require.NoError(t, ledger.Commit(context.Background(), token))
	require.NoError(t, ledger.Commit(context.Background(), token))

	persisted := store.get("s1", "vip")
	assert.Equal(t, 0, persisted.Reserved)
	assert.Equal(t, 2, persisted.Sold)
}

func TestLedgerService_ReleaseIdempotent(t *testing.T) {
	ledger, store := setupLedger(t, models.InventoryCounter{
		SessionID: "s1", TicketTypeID: "vip", Capacity: 5,
	})

	token, err := ledger.Reserve(context.Background(), "s1", "vip", 2)
	require.NoError(t, err)

	require.NoError(t, ledger.Release(context.Background(), token))
	require.NoError(t, ledger.Release(context.Background(), token))

	persisted := store.get("s1", "vip")
	assert.Equal(t, 0, persisted.Reserved)
	assert.Equal(t, 5, persisted.Available())
}

func TestLedgerService_CommitAfterReleaseRefused(t *testing.T) {
	ledger, _ := setupLedger(t, models.InventoryCounter{
		SessionID: "s1", TicketTypeID: "vip", Capacity: 5,
	})

	token, err := ledger.Reserve(context.Background(), "s1", "vip", 1)
	require.NoError(t, err)
	require.NoError(t, ledger.Release(context.Background(), token))

	assert.ErrorIs(t, ledger.Commit(context.Background(), token), status.ErrInvalidTransition)
}

func TestLedgerService_ReleaseAfterCommitRefused(t *testing.T) {
	ledger, _ := setupLedger(t, models.InventoryCounter{
		SessionID: "s1", TicketTypeID: "vip", Capacity: 5,
	})

	token, err := ledger.Reserve(context.Background(), "s1", "vip", 1)
	require.NoError(t, err)
	require.NoError(t, ledger.Commit(context.Background(), token))

	assert.ErrorIs(t, ledger.Release(context.Background(), token), status.ErrInvalidTransition)
}

func TestLedgerService_FailedSaveLeavesNoHold(t *testing.T) {
	ledger, store := setupLedger(t, models.InventoryCounter{
		SessionID: "s1", TicketTypeID: "vip", Capacity: 5,
	})

	store.mu.Lock()
	store.failSave = true
	store.mu.Unlock()

	_, err := ledger.Reserve(context.Background(), "s1", "vip", 2)
	require.Error(t, err)

	store.mu.Lock()
	store.failSave = false
	store.mu.Unlock()

	// the failed reserve must not have eaten availability
	token, err := ledger.Reserve(context.Background(), "s1", "vip", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, token.Quantity)
}

func TestLedgerService_AdoptDoesNotReserve(t *testing.T) {
	ledger, store := setupLedger(t, models.InventoryCounter{
		SessionID: "s1", TicketTypeID: "vip", Capacity: 5, Reserved: 2,
	})

	token := ledger.Adopt("s1", "vip", 2)
	assert.Equal(t, 2, store.get("s1", "vip").Reserved)

	require.NoError(t, ledger.Commit(context.Background(), token))
	persisted := store.get("s1", "vip")
	assert.Equal(t, 0, persisted.Reserved)
	assert.Equal(t, 2, persisted.Sold)
}

func TestLedgerService_Availability(t *testing.T) {
	ledger, _ := setupLedger(t,
		models.InventoryCounter{SessionID: "s1", TicketTypeID: "vip", Capacity: 5},
		models.InventoryCounter{SessionID: "s1", TicketTypeID: "ga", Capacity: 50},
		models.InventoryCounter{SessionID: "s2", TicketTypeID: "ga", Capacity: 10},
	)

	counters := ledger.Availability("s1")
	assert.Len(t, counters, 2)
	for _, c := range counters {
		assert.Equal(t, "s1", c.SessionID)
	}

	assert.Empty(t, ledger.Availability("nope"))
}
