package queue

import "errors"

var (
	ErrDuplicateDelivery = errors.New("queue: delivery id is already live")
	ErrUnknownDelivery   = errors.New("queue: unknown delivery id")
	ErrNotInFlight       = errors.New("queue: delivery is not in flight")
	ErrClosed            = errors.New("queue: closed")
	ErrNotEmpty          = errors.New("queue: restore requires an empty queue")
)
