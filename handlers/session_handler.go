package handlers

import (
	"net/http"

	"ticketbox/services"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
)

type SessionHandler struct {
	app           *pocketbase.PocketBase
	ledgerService *services.LedgerService
}

func NewSessionHandler(app *pocketbase.PocketBase, ledgerService *services.LedgerService) *SessionHandler {
	return &SessionHandler{
		app:           app,
		ledgerService: ledgerService,
	}
}

// GetAvailability - Current availability per ticket type for a session
func (h *SessionHandler) GetAvailability(e *core.RequestEvent) error {
	sessionID := e.Request.PathValue("sessionId")

	counters := h.ledgerService.Availability(sessionID)

	result := make([]map[string]any, 0, len(counters))
	for _, c := range counters {
		result = append(result, map[string]any{
			"ticket_type_id": c.TicketTypeID,
			"capacity":       c.Capacity,
			"available":      c.Available(),
		})
	}

	return e.JSON(http.StatusOK, map[string]any{
		"session_id":   sessionID,
		"ticket_types": result,
	})
}
