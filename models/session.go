package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Session struct {
	ID       string    `json:"id"`
	EventID  string    `json:"event_id"`
	Name     string    `json:"name"`
	StartsAt time.Time `json:"starts_at"`
	Status   string    `json:"status"` // draft, on_sale, closed
}

type TicketType struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Capacity  int             `json:"capacity"`
}

// InventoryCounter is the per-(session, ticket type) availability state.
// Invariant: Reserved + Sold <= Capacity, both non-negative. Owned exclusively
// by the ledger service; nothing else mutates it.
type InventoryCounter struct {
	SessionID    string `json:"session_id"`
	TicketTypeID string `json:"ticket_type_id"`
	Capacity     int    `json:"capacity"`
	Reserved     int    `json:"reserved"`
	Sold         int    `json:"sold"`
}

func (c InventoryCounter) Available() int {
	return c.Capacity - c.Reserved - c.Sold
}
