package status

import "errors"

var (
	ErrOutOfStock        = errors.New("ledger: out of stock")
	ErrInvalidTransition = errors.New("order: invalid transition")
	ErrBadSignature      = errors.New("payment: bad signature")
	ErrMalformed         = errors.New("payment: malformed payload")
	ErrUnknownTicket     = errors.New("checkin: unknown ticket")
	ErrWrongEvent        = errors.New("checkin: ticket belongs to another event")
	ErrNotPaid           = errors.New("checkin: order not paid")
	ErrAlreadyCheckedIn  = errors.New("checkin: ticket already checked in")
	ErrGatewayTimeout    = errors.New("gateway: timed out")
)
