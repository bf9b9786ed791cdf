// Package transport adapts message-framed duplex channels (WebSocket,
// WebRTC DataChannel, in-memory pipes) to the three primitives the protocol
// engine needs: send a message, receive the next message, and observe the
// disconnect.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send and Receive once the connection is down.
var ErrClosed = errors.New("transport: connection closed")

// Conn is an ordered, reliable, message-framed duplex channel. Send may be
// called from any goroutine; Receive is called by a single reader.
type Conn interface {
	// ID labels the connection in logs and metrics.
	ID() uint32
	// Send queues one message for delivery.
	Send(ctx context.Context, data []byte) error
	// Receive blocks until the next inbound message arrives.
	Receive(ctx context.Context) ([]byte, error)
	// Done is closed when the connection is torn down by either side.
	Done() <-chan struct{}
	Close() error
}

// receive is the shared body of Receive for adapters that buffer inbound
// messages in a channel.
func receive(ctx context.Context, inbox <-chan []byte, done <-chan struct{}) ([]byte, error) {
	select {
	case msg := <-inbox:
		return msg, nil
	default:
	}
	select {
	case msg := <-inbox:
		return msg, nil
	case <-done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
