package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderCancelled OrderStatus = "cancelled"
	OrderRefunded  OrderStatus = "refunded"
	OrderExpired   OrderStatus = "expired"
)

// orderTransitions is the only source of truth for the order state machine.
// paid -> refunded/cancelled exist for administrative flows; neither returns
// sold inventory to the ledger.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending: {OrderPaid, OrderCancelled, OrderExpired},
	OrderPaid:    {OrderRefunded, OrderCancelled},
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the reservation hold for this order is settled,
// i.e. the order left pending.
func (s OrderStatus) Terminal() bool {
	return s != OrderPending
}

type OrderLine struct {
	SessionID    string          `json:"session_id"`
	TicketTypeID string          `json:"ticket_type_id"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Quantity     int             `json:"quantity"`
}

type Order struct {
	ID          string          `json:"id"`
	BuyerEmail  string          `json:"buyer_email"`
	BuyerUserID string          `json:"buyer_user_id,omitempty"`
	Lines       []OrderLine     `json:"lines"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Status      OrderStatus     `json:"status"`
	PaymentRef  string          `json:"payment_ref,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`

	// LedgerSettled marks that a paid order's holds have all been moved from
	// reserved to sold.
	LedgerSettled bool `json:"-"`
}

func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range o.Lines {
		total = total.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return total
}
