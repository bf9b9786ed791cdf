// Package ack tracks which inbound sequence numbers still owe the peer an
// acknowledgment, either piggybacked on the next outbound packet or forced
// by a timer.
package ack

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

// DefaultDelay is how long an inbound seq may wait for a piggyback before
// a standalone ack is forced.
const DefaultDelay = 2000 * time.Millisecond

// SendFunc emits a standalone ack for seq. Failures are the caller's to
// swallow; the engine never retries.
type SendFunc func(seq uint32)

type pending struct {
	at    time.Time
	timer *time.Timer
}

// Engine is the per-connection PendingAck table. Timers fire on their own
// goroutines, so every method is safe for concurrent use.
type Engine struct {
	delay time.Duration
	send  SendFunc

	mu          sync.Mutex
	pending     map[uint32]*pending
	order       *queue.Queue // inbound seqs in arrival order, may hold settled entries
	lastSeen    time.Time
	lastInbound uint32
	closed      bool
}

// NewEngine creates an engine that forces acks through send after delay.
// A non-positive delay selects DefaultDelay.
func NewEngine(delay time.Duration, send SendFunc) *Engine {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Engine{
		delay:   delay,
		send:    send,
		pending: make(map[uint32]*pending),
		order:   queue.New(),
	}
}

// Observe updates the table for one inbound packet. hasAck/ack are the
// packet's own ack fields; seq is its sequence number. When seq already
// had an outstanding obligation a standalone ack is sent immediately and
// Observe reports true.
func (e *Engine) Observe(seq uint32, hasAck bool, ack uint32) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}

	now := time.Now()
	e.lastSeen = now
	e.lastInbound = seq

	if hasAck {
		e.settleLocked(ack)
	}

	if _, dup := e.pending[seq]; dup {
		e.mu.Unlock()
		e.send(seq)
		return true
	}

	p := &pending{at: now}
	p.timer = time.AfterFunc(e.delay, func() { e.fire(seq, p) })
	e.pending[seq] = p
	e.order.Add(seq)
	e.mu.Unlock()
	return false
}

// fire forces the ack for seq unless it was settled, or replaced by a
// later obligation for the same seq, in the meantime.
func (e *Engine) fire(seq uint32, p *pending) {
	e.mu.Lock()
	if e.closed || e.pending[seq] != p {
		e.mu.Unlock()
		return
	}
	delete(e.pending, seq)
	e.pruneLocked()
	e.mu.Unlock()

	e.send(seq)
}

// Settle clears the obligation for seq, typically because an outbound
// packet carries it as its ack field. It reports whether one existed.
func (e *Engine) Settle(seq uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ok := e.settleLocked(seq)
	e.pruneLocked()
	return ok
}

// Take removes and returns the oldest outstanding inbound seq so it can
// be piggybacked on an outbound packet.
func (e *Engine) Take() (uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.order.Length() > 0 {
		seq := e.order.Remove().(uint32)
		if e.settleLocked(seq) {
			return seq, true
		}
	}
	return 0, false
}

// Pending reports whether seq still awaits an acknowledgment.
func (e *Engine) Pending(seq uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[seq]
	return ok
}

// Len returns the number of outstanding obligations.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// LastSeen returns when the last inbound packet was observed and its seq.
func (e *Engine) LastSeen() (time.Time, uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeen, e.lastInbound
}

// Close stops every timer. Later calls to Observe are ignored.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for seq, p := range e.pending {
		p.timer.Stop()
		delete(e.pending, seq)
	}
	e.order = queue.New()
}

func (e *Engine) settleLocked(seq uint32) bool {
	p, ok := e.pending[seq]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(e.pending, seq)
	return true
}

// pruneLocked drops settled seqs from the head of the FIFO so that forced
// acks do not leave it growing.
func (e *Engine) pruneLocked() {
	for e.order.Length() > 0 {
		if _, ok := e.pending[e.order.Peek().(uint32)]; ok {
			return
		}
		e.order.Remove()
	}
}
