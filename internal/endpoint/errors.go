package endpoint

import (
	"errors"
	"fmt"
)

var (
	ErrClosed             = errors.New("endpoint: connection closed")
	ErrNegotiationTimeout = errors.New("endpoint: channel negotiation timed out")
	ErrChannelRefused     = errors.New("endpoint: channel refused by peer")
	ErrServerClosed       = errors.New("endpoint: server closed")
)

// HandlerError reports a service handler that failed or panicked while
// processing a dispatched packet. The connection stays open.
type HandlerError struct {
	ConnID    uint32
	Channel   uint16
	ServiceID string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %q (channel %d): %v", e.ServiceID, e.Channel, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
