package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOrderStatus_CanTransitionTo(t *testing.T) {
	cases := []struct {
		from    OrderStatus
		to      OrderStatus
		allowed bool
	}{
		{OrderPending, OrderPaid, true},
		{OrderPending, OrderCancelled, true},
		{OrderPending, OrderExpired, true},
		{OrderPending, OrderRefunded, false},
		{OrderPaid, OrderRefunded, true},
		{OrderPaid, OrderCancelled, true},
		{OrderPaid, OrderPending, false},
		{OrderPaid, OrderExpired, false},
		{OrderCancelled, OrderPaid, false},
		{OrderCancelled, OrderPending, false},
		{OrderExpired, OrderPaid, false},
		{OrderRefunded, OrderCancelled, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestOrderStatus_Terminal(t *testing.T) {
	assert.False(t, OrderPending.Terminal())
	assert.True(t, OrderPaid.Terminal())
	assert.True(t, OrderCancelled.Terminal())
	assert.True(t, OrderRefunded.Terminal())
	assert.True(t, OrderExpired.Terminal())
}

func TestOrder_Total(t *testing.T) {
	order := &Order{
		Lines: []OrderLine{
			{UnitPrice: decimal.RequireFromString("25.50"), Quantity: 2},
			{UnitPrice: decimal.RequireFromString("10.00"), Quantity: 3},
		},
	}

	assert.True(t, order.Total().Equal(decimal.RequireFromString("81.00")))
}

func TestOrder_TotalEmpty(t *testing.T) {
	order := &Order{}
	assert.True(t, order.Total().IsZero())
}

func TestInventoryCounter_Available(t *testing.T) {
	c := InventoryCounter{Capacity: 100, Reserved: 30, Sold: 50}
	assert.Equal(t, 20, c.Available())

	c = InventoryCounter{Capacity: 10, Reserved: 5, Sold: 5}
	assert.Equal(t, 0, c.Available())
}
