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

type CheckInHandler struct {
	app            *pocketbase.PocketBase
	checkInService *services.CheckInService
}

func NewCheckInHandler(app *pocketbase.PocketBase, checkInService *services.CheckInService) *CheckInHandler {
	return &CheckInHandler{
		app:            app,
		checkInService: checkInService,
	}
}

type checkInRequest struct {
	QR      string `json:"qr"`
	EventID string `json:"event_id"`
}

// CheckIn - Validate a scanned QR payload and redeem the ticket
func (h *CheckInHandler) CheckIn(e *core.RequestEvent) error {
	var req checkInRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	if req.QR == "" || req.EventID == "" {
		return apis.NewBadRequestError("qr and event_id are required", nil)
	}

	ctx := e.Request.Context()
	result, err := h.checkInService.CheckIn(ctx, req.QR, req.EventID)
	if err != nil {
		switch {
		case errors.Is(err, status.ErrBadSignature), errors.Is(err, status.ErrMalformed):
			// same generic rejection for forged and garbled codes
			return apis.NewBadRequestError("Invalid ticket code", nil)
		case errors.Is(err, status.ErrUnknownTicket):
			return apis.NewNotFoundError("Ticket not found", nil)
		case errors.Is(err, status.ErrWrongEvent),
			errors.Is(err, status.ErrNotPaid),
			errors.Is(err, status.ErrAlreadyCheckedIn):
			return e.JSON(http.StatusConflict, result)
		default:
			return apis.NewApiError(http.StatusInternalServerError, "Check-in failed", nil)
		}
	}

	return e.JSON(http.StatusOK, result)
}
