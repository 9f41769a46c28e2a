package handlers

import (
	"errors"
	"net/http"

	"ticketbox/internal/status"
	"ticketbox/services"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type PaymentHandler struct {
	app            *pocketbase.PocketBase
	paymentService *services.PaymentService
}

func NewPaymentHandler(app *pocketbase.PocketBase, paymentService *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{
		app:            app,
		paymentService: paymentService,
	}
}

// CreatePaymentURL - Build the signed redirect URL for a pending order
func (h *PaymentHandler) CreatePaymentURL(e *core.RequestEvent) error {
	orderID := e.Request.URL.Query().Get("order_id")
	if orderID == "" {
		return apis.NewBadRequestError("order_id is required", nil)
	}

	ctx := e.Request.Context()
	redirectURL, err := h.paymentService.BuildRedirect(ctx, orderID)
	if err != nil {
		if errors.Is(err, status.ErrInvalidTransition) {
			return apis.NewApiError(http.StatusConflict, "Order cannot be paid", nil)
		}
		return apis.NewBadRequestError(err.Error(), nil)
	}

	return e.JSON(http.StatusOK, map[string]string{"payment_url": redirectURL})
}

// Callback - Receive the signed verdict from the payment provider. A tampered
// or malformed callback is rejected without detail; the full reason is logged
// server-side.
func (h *PaymentHandler) Callback(e *core.RequestEvent) error {
	ctx := e.Request.Context()

	verdict, err := h.paymentService.HandleCallback(ctx, e.Request.URL.Query())
	if err != nil {
		if errors.Is(err, status.ErrBadSignature) || errors.Is(err, status.ErrMalformed) {
			return apis.NewBadRequestError("Invalid callback", nil)
		}
		return apis.NewApiError(http.StatusInternalServerError, "Callback processing failed", nil)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"order_id": verdict.OrderID,
	})
}

// CheckPaymentStatus - Poll the provider for an order whose callback is missing
func (h *PaymentHandler) CheckPaymentStatus(e *core.RequestEvent) error {
	orderID := e.Request.PathValue("orderId")
	ctx := e.Request.Context()

	verdict, err := h.paymentService.CheckPaymentStatus(ctx, orderID)
	if err != nil {
		if errors.Is(err, status.ErrGatewayTimeout) {
			return apis.NewApiError(http.StatusServiceUnavailable, "Payment provider unavailable", nil)
		}
		return apis.NewBadRequestError(err.Error(), nil)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"order_id": verdict.OrderID,
		"outcome":  verdict.Outcome,
	})
}
