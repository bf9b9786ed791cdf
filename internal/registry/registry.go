// Package registry maps a connection's channel ids to service bindings and
// tracks the handshakes that are still waiting for a channel id.
package registry

import (
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/1ureka/jsrf/internal/protocol"
)

var (
	ErrUnknownChannel    = errors.New("registry: unknown channel")
	ErrChannelsExhausted = errors.New("registry: channel ids exhausted")
	ErrReservedChannel   = errors.New("registry: channel 0 is reserved")
	ErrClosed            = errors.New("registry: closed")
)

// Binding ties a channel id to a service. H is the handler type of the
// owning endpoint; hasHandler distinguishes "no handler yet" from a zero H.
type Binding[H any] struct {
	ChannelID uint16
	ServiceID string
	Type      protocol.ServiceType

	handler    H
	hasHandler bool
}

// Handler returns the attached handler, if any.
func (b Binding[H]) Handler() (H, bool) {
	return b.handler, b.hasHandler
}

// Registry is one connection's channel table. It is safe for concurrent use.
type Registry[H any] struct {
	mu        sync.RWMutex
	byChannel map[uint16]*Binding[H]
	byService map[string]uint16
	waiters   map[string]*Waiter
	next      uint16
	closed    bool
}

// New creates an empty registry. Assigned channel ids start at 1.
func New[H any]() *Registry[H] {
	return &Registry[H]{
		byChannel: make(map[uint16]*Binding[H]),
		byService: make(map[string]uint16),
		waiters:   make(map[string]*Waiter),
	}
}

// Assign returns the channel bound to serviceID, allocating the next free
// id when there is none. created reports whether a binding was made.
func (r *Registry[H]) Assign(serviceID string, typ protocol.ServiceType) (b Binding[H], created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return b, false, ErrClosed
	}
	if id, ok := r.byService[serviceID]; ok {
		return *r.byChannel[id], false, nil
	}
	if r.next == math.MaxUint16 {
		return b, false, ErrChannelsExhausted
	}
	r.next++
	nb := &Binding[H]{ChannelID: r.next, ServiceID: serviceID, Type: typ}
	r.byChannel[nb.ChannelID] = nb
	r.byService[serviceID] = nb.ChannelID
	return *nb, true, nil
}

// Bind records a channel id chosen by the peer and wakes anyone waiting
// for serviceID. An existing binding keeps its type and handler.
func (r *Registry[H]) Bind(serviceID string, channelID uint16, typ protocol.ServiceType) (Binding[H], error) {
	if channelID == protocol.ControlChannel {
		return Binding[H]{}, ErrReservedChannel
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Binding[H]{}, ErrClosed
	}
	b, ok := r.byChannel[channelID]
	if !ok || b.ServiceID != serviceID {
		if ok {
			delete(r.byService, b.ServiceID)
		}
		if old, bound := r.byService[serviceID]; bound && old != channelID {
			delete(r.byChannel, old)
		}
		b = &Binding[H]{ChannelID: channelID, ServiceID: serviceID, Type: typ}
		r.byChannel[channelID] = b
	}
	r.byService[serviceID] = channelID
	if channelID > r.next {
		r.next = channelID
	}
	if w, ok := r.waiters[serviceID]; ok {
		delete(r.waiters, serviceID)
		w.finish(channelID, nil)
	}
	return *b, nil
}

// Update changes the type and, when withHandler is set, the handler of an
// existing binding.
func (r *Registry[H]) Update(channelID uint16, typ protocol.ServiceType, h H, withHandler bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byChannel[channelID]
	if !ok {
		return ErrUnknownChannel
	}
	b.Type = typ
	if withHandler {
		b.handler = h
		b.hasHandler = true
	}
	return nil
}

// SetHandler attaches or replaces the handler of channelID.
func (r *Registry[H]) SetHandler(channelID uint16, h H) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byChannel[channelID]
	if !ok {
		return ErrUnknownChannel
	}
	b.handler = h
	b.hasHandler = true
	return nil
}

// Lookup returns a copy of the binding for channelID.
func (r *Registry[H]) Lookup(channelID uint16) (Binding[H], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byChannel[channelID]
	if !ok {
		return Binding[H]{}, false
	}
	return *b, true
}

// ChannelOf returns the channel bound to serviceID.
func (r *Registry[H]) ChannelOf(serviceID string) (uint16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byService[serviceID]
	return id, ok
}

// Bindings returns a snapshot ordered by channel id.
func (r *Registry[H]) Bindings() []Binding[H] {
	r.mu.RLock()
	out := make([]Binding[H], 0, len(r.byChannel))
	for _, b := range r.byChannel {
		out = append(out, *b)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Len returns the number of bindings.
func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel)
}

// Await returns the handshake waiter for serviceID. leader is true for the
// caller that created it and is therefore responsible for sending the
// request; later callers share the same waiter. A serviceID that is
// already bound yields a finished waiter.
func (r *Registry[H]) Await(serviceID string) (w *Waiter, leader bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		w = newWaiter()
		w.finish(0, ErrClosed)
		return w, false
	}
	if id, ok := r.byService[serviceID]; ok {
		w = newWaiter()
		w.finish(id, nil)
		return w, false
	}
	if w, ok := r.waiters[serviceID]; ok {
		return w, false
	}
	w = newWaiter()
	r.waiters[serviceID] = w
	return w, true
}

// Abandon fails w with err if it is still the pending waiter for serviceID.
func (r *Registry[H]) Abandon(serviceID string, w *Waiter, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiters[serviceID] != w {
		return
	}
	delete(r.waiters, serviceID)
	w.finish(0, err)
}

// Fail fails whichever waiter is pending for serviceID. It reports
// whether there was one.
func (r *Registry[H]) Fail(serviceID string, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[serviceID]
	if !ok {
		return false
	}
	delete(r.waiters, serviceID)
	w.finish(0, err)
	return true
}

// Close drops every binding and fails every pending waiter.
func (r *Registry[H]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, w := range r.waiters {
		delete(r.waiters, id)
		w.finish(0, ErrClosed)
	}
	clear(r.byChannel)
	clear(r.byService)
}

// Waiter is a one-shot notification for a channel id.
type Waiter struct {
	done    chan struct{}
	channel uint16
	err     error
}

func newWaiter() *Waiter {
	return &Waiter{done: make(chan struct{})}
}

// finish must be called at most once, under the registry lock.
func (w *Waiter) finish(channel uint16, err error) {
	w.channel = channel
	w.err = err
	close(w.done)
}

// Done is closed once the waiter has a result.
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}

// Result returns the bound channel id or the reason the wait failed. It is
// only meaningful after Done is closed.
func (w *Waiter) Result() (uint16, error) {
	<-w.done
	return w.channel, w.err
}
