package handlers

import (
	"errors"
	"net/http"

	"ticketbox/internal/status"
	"ticketbox/models"
	"ticketbox/services"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type OrderHandler struct {
	app           *pocketbase.PocketBase
	orderService  *services.OrderService
	ticketService *services.TicketService
}

func NewOrderHandler(app *pocketbase.PocketBase, orderService *services.OrderService, ticketService *services.TicketService) *OrderHandler {
	return &OrderHandler{
		app:           app,
		orderService:  orderService,
		ticketService: ticketService,
	}
}

type createOrderRequest struct {
	BuyerEmail  string             `json:"buyer_email"`
	BuyerUserID string             `json:"buyer_user_id"`
	Lines       []models.OrderLine `json:"lines"`
}

// CreateOrder - Reserve inventory and open a pending order
func (h *OrderHandler) CreateOrder(e *core.RequestEvent) error {
	var req createOrderRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}

	ctx := e.Request.Context()
	order, err := h.orderService.CreateOrder(ctx, req.BuyerEmail, req.BuyerUserID, req.Lines)
	if err != nil {
		if errors.Is(err, status.ErrOutOfStock) {
			return apis.NewApiError(http.StatusConflict, err.Error(), nil)
		}
		return apis.NewBadRequestError(err.Error(), nil)
	}

	return e.JSON(http.StatusCreated, order)
}

// GetOrder - Fetch an order with its tickets once paid
func (h *OrderHandler) GetOrder(e *core.RequestEvent) error {
	orderID := e.Request.PathValue("orderId")
	ctx := e.Request.Context()

	order, err := h.orderService.Get(ctx, orderID)
	if err != nil {
		return apis.NewNotFoundError("Order not found", nil)
	}

	if e.Auth != nil && order.BuyerUserID != "" && order.BuyerUserID != e.Auth.Id {
		return apis.NewForbiddenError("Access denied", nil)
	}

	resp := map[string]any{"order": order}
	if order.Status == models.OrderPaid {
		tickets, err := h.ticketService.ListByOrder(ctx, order.ID)
		if err != nil {
			return apis.NewApiError(http.StatusInternalServerError, "Failed to load tickets", nil)
		}
		resp["tickets"] = tickets
	}

	return e.JSON(http.StatusOK, resp)
}

// ConfirmFree - Settle a zero-amount order without a gateway round-trip
func (h *OrderHandler) ConfirmFree(e *core.RequestEvent) error {
	orderID := e.Request.PathValue("orderId")
	ctx := e.Request.Context()

	if err := h.orderService.ConfirmFree(ctx, orderID); err != nil {
		if errors.Is(err, status.ErrInvalidTransition) {
			return apis.NewApiError(http.StatusConflict, "Order cannot be updated", nil)
		}
		return apis.NewBadRequestError(err.Error(), nil)
	}

	order, err := h.orderService.Get(ctx, orderID)
	if err != nil {
		return apis.NewNotFoundError("Order not found", nil)
	}
	return e.JSON(http.StatusOK, order)
}

// CancelOrder - Buyer or admin initiated cancellation
func (h *OrderHandler) CancelOrder(e *core.RequestEvent) error {
	orderID := e.Request.PathValue("orderId")
	ctx := e.Request.Context()

	if err := h.orderService.Cancel(ctx, orderID); err != nil {
		if errors.Is(err, status.ErrInvalidTransition) {
			return apis.NewApiError(http.StatusConflict, "Order cannot be updated", nil)
		}
		return apis.NewNotFoundError("Order not found", nil)
	}

	return e.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
}

// RefundOrder - Admin initiated refund of a paid order
func (h *OrderHandler) RefundOrder(e *core.RequestEvent) error {
	orderID := e.Request.PathValue("orderId")
	ctx := e.Request.Context()

	if err := h.orderService.Refund(ctx, orderID); err != nil {
		if errors.Is(err, status.ErrInvalidTransition) {
			return apis.NewApiError(http.StatusConflict, "Order cannot be updated", nil)
		}
		return apis.NewNotFoundError("Order not found", nil)
	}

	return e.JSON(http.StatusOK, map[string]string{"status": "refunded"})
}
