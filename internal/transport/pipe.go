package transport

import (
	"context"
	"sync"

	"github.com/1ureka/jsrf/internal/util"
)

const pipeBufferSize = 64

type pipeConn struct {
	id    uint32
	inbox chan []byte
	peer  *pipeConn
	done  chan struct{}
	once  *sync.Once
}

// Pipe returns two connected in-memory connections. Closing either end
// closes both, like a dropped socket.
func Pipe() (Conn, Conn) {
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeConn{id: util.NextConnID(), inbox: make(chan []byte, pipeBufferSize), done: done, once: once}
	b := &pipeConn{id: util.NextConnID(), inbox: make(chan []byte, pipeBufferSize), done: done, once: once}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeConn) ID() uint32 { return p.id }

func (p *pipeConn) Send(ctx context.Context, data []byte) error {
	msg := make([]byte, len(data))
	copy(msg, data)
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.peer.inbox <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Receive(ctx context.Context) ([]byte, error) {
	return receive(ctx, p.inbox, p.done)
}

func (p *pipeConn) Done() <-chan struct{} { return p.done }

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
