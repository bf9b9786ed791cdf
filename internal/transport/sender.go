package transport

import (
	"context"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when the buffered amount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when the buffered amount drops below this
	sendBufferSize = 64         // outgoing message channel capacity
)

// backpressure lets a sender pause while the underlying channel is saturated.
// buffered reports the bytes queued below us; drained is signalled when the
// amount falls under lowWaterMark.
type backpressure struct {
	buffered func() uint64
	drained  <-chan struct{}
}

// sender is a goroutine-based message writer that serializes all writes to
// one underlying channel, adding an open gate and optional backpressure.
type sender struct {
	inbox chan []byte
	done  <-chan struct{}
}

// newSender starts the background loop. write errors are handed to fail,
// which is expected to tear the connection down. The loop exits when ctx
// is cancelled.
func newSender(ctx context.Context, write func([]byte) error, fail func(error), openSignal <-chan struct{}, bp *backpressure) *sender {
	s := &sender{
		inbox: make(chan []byte, sendBufferSize),
		done:  ctx.Done(),
	}
	go s.loop(ctx, write, fail, openSignal, bp)
	return s
}

// loop is the single-writer goroutine. It waits for the channel to open,
// then drains the inbox with backpressure awareness.
func (s *sender) loop(ctx context.Context, write func([]byte) error, fail func(error), openSignal <-chan struct{}, bp *backpressure) {
	// Phase 1: wait for the channel to be open.
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	// Phase 2: write messages in order.
	for {
		select {
		case msg := <-s.inbox:
			if bp != nil && bp.buffered() > uint64(highWaterMark) {
				select {
				case <-bp.drained:
				case <-ctx.Done():
					return
				}
			}

			if err := write(msg); err != nil {
				fail(err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a message. It blocks while the inbox is full and fails
// once the connection is closed or ctx is cancelled.
func (s *sender) send(ctx context.Context, msg []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.inbox <- msg:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
