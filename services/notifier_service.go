package services

import (
	"log/slog"

	"ticketbox/models"

	pubnub "github.com/pubnub/go"
)

// NotifierService pushes order confirmations over PubNub. Delivery is
// fire-and-forget: a confirmation that fails to publish is logged and
// dropped, never blocking the payment path.
type NotifierService struct {
	pubnub *pubnub.PubNub
}

func NewNotifierService(pn *pubnub.PubNub) *NotifierService {
	return &NotifierService{pubnub: pn}
}

// OrderConfirmed announces a paid order on the email dispatch channel and on
// the buyer's own channel. Safe to call with an unconfigured notifier.
func (s *NotifierService) OrderConfirmed(order *models.Order, tickets []*models.Ticket) {
	if s == nil || s.pubnub == nil {
		return
	}

	ticketIDs := make([]string, 0, len(tickets))
	for _, t := range tickets {
		ticketIDs = append(ticketIDs, t.ID)
	}

	payload := map[string]interface{}{
		"type":        "order_confirmed",
		"order_id":    order.ID,
		"buyer_email": order.BuyerEmail,
		"tickets":     ticketIDs,
	}

	go func() {
		if _, _, err := s.pubnub.Publish().
			Channel("email-dispatch").
			Message(payload).
			Execute(); err != nil {
			slog.Error("publish email dispatch failed", "order", order.ID, "error", err)
		}

		channel := "buyer-" + order.ID
		if _, _, err := s.pubnub.Publish().
			Channel(channel).
			Message(payload).
			Execute(); err != nil {
			slog.Error("publish buyer notification failed", "order", order.ID, "error", err)
		}
	}()
}
