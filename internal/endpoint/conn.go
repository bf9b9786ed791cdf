// Package endpoint runs the packet pipeline of one connection: decode,
// ack bookkeeping, dispatch to service handlers and channel negotiation.
// Client and Server are thin role wrappers around Conn.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/jsrf/internal/ack"
	"github.com/1ureka/jsrf/internal/protocol"
	"github.com/1ureka/jsrf/internal/registry"
	"github.com/1ureka/jsrf/internal/transport"
	"github.com/1ureka/jsrf/internal/util"
)

// Role selects which side of the channel handshake a Conn plays.
type Role uint8

const (
	// Initiator sends DIG_CHANNEL and waits for OPEN_CHANNEL (the client).
	Initiator Role = iota
	// Responder assigns channel ids (the server).
	Responder
)

func (r Role) String() string {
	if r == Responder {
		return "responder"
	}
	return "initiator"
}

// Handler processes one packet dispatched to a bound channel. Returned
// errors and panics are reported as *HandlerError; the connection stays up.
type Handler func(ctx context.Context, c *Conn, pkt *protocol.Packet) error

// Binding is a channel bound on a Conn.
type Binding = registry.Binding[Handler]

// Conn is one protocol connection over a transport.
type Conn struct {
	id    uint32
	role  Role
	tr    transport.Conn
	codec protocol.PayloadCodec
	opts  Options

	// sendMu keeps seq order and transport order the same.
	sendMu sync.Mutex
	seq    SeqGen
	acks   *ack.Engine
	reg    *registry.Registry[Handler]

	// templates resolves handlers for services the peer digs. Set by Server.
	templates func(serviceID string) (service, bool)
	onClose   func(*Conn)

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConn(ctx context.Context, tr transport.Conn, role Role, opts Options) (*Conn, error) {
	codec, err := opts.codec()
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		id:     tr.ID(),
		role:   role,
		tr:     tr,
		codec:  codec,
		opts:   opts,
		reg:    registry.New[Handler](),
		ctx:    cctx,
		cancel: cancel,
	}
	c.acks = ack.NewEngine(opts.AckDelay, c.sendAck)
	util.Stats.AddConn()
	return c, nil
}

// run is the inbound loop. It owns the transport's receive side and closes
// the Conn when the transport fails or ctx ends.
func (c *Conn) run() {
	defer c.Close()
	util.LogDebug("[%08x] %s connection started (%s)", c.id, c.role, c.codec.Name())
	for {
		data, err := c.tr.Receive(c.ctx)
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) && !errors.Is(err, context.Canceled) {
				util.LogDebug("[%08x] receive failed: %v", c.id, err)
			}
			return
		}
		c.handle(data)
	}
}

// handle runs one inbound message through decode, ack bookkeeping and
// dispatch. Nothing here tears the connection down.
func (c *Conn) handle(data []byte) {
	pkt, err := protocol.Decode(data, c.codec)
	if err != nil {
		util.Stats.AddDrop()
		c.report(err)
		return
	}
	util.Stats.AddIn(len(data))

	if c.acks.Observe(pkt.Seq, pkt.HasAck, pkt.Ack) {
		util.LogDebug("[%08x] duplicate seq %d, acked immediately", c.id, pkt.Seq)
	}
	c.dispatch(pkt)
}

func (c *Conn) dispatch(pkt *protocol.Packet) {
	if b, ok := c.reg.Lookup(pkt.Channel); ok {
		h, ok := b.Handler()
		if !ok {
			util.Stats.AddDrop()
			util.LogDebug("[%08x] no handler on channel %d (%s), dropping %s", c.id, b.ChannelID, b.ServiceID, pkt.Opcode)
			return
		}
		c.invoke(b, h, pkt)
		return
	}

	switch {
	case pkt.Opcode == protocol.OpDigChannel && c.role == Responder:
		c.answerDig(pkt)
	case pkt.Opcode == protocol.OpOpenChannel && c.role == Initiator:
		c.completeOpen(pkt)
	case pkt.Opcode == protocol.OpErrorChannel && c.role == Initiator:
		c.refused(pkt)
	case pkt.Opcode == protocol.OpEmpty && pkt.Channel == protocol.ControlChannel:
		// standalone ack, already consumed by the engine
	default:
		util.Stats.AddDrop()
		util.LogDebug("[%08x] dropping %s on unbound channel %d", c.id, pkt.Opcode, pkt.Channel)
	}
}

func (c *Conn) invoke(b Binding, h Handler, pkt *protocol.Packet) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = h(c.ctx, c, pkt)
	}()
	if err != nil {
		util.Stats.AddHandlerError()
		c.report(&HandlerError{ConnID: c.id, Channel: b.ChannelID, ServiceID: b.ServiceID, Err: err})
	}
}

// report hands a pipeline error to OnError and the log.
func (c *Conn) report(err error) {
	var he *HandlerError
	if errors.As(err, &he) {
		util.LogWarning("[%08x] %v", c.id, err)
	} else {
		util.LogDebug("[%08x] dropped inbound packet: %v", c.id, err)
	}
	if c.opts.OnError != nil {
		c.opts.OnError(c, err)
	}
}

// Send builds and sends a packet. The seq is assigned here and the oldest
// outstanding inbound seq, if any, is piggybacked as the ack.
func (c *Conn) Send(ctx context.Context, op protocol.Opcode, channel uint16, payload any) error {
	return c.SendPacket(ctx, protocol.NewPacket(protocol.Header{Opcode: op, Channel: channel}, payload))
}

// SendPacket sends pkt, overwriting its Seq. A packet that already carries
// HasAck keeps its ack and settles that obligation instead of piggybacking
// another one.
func (c *Conn) SendPacket(ctx context.Context, pkt *protocol.Packet) error {
	select {
	case <-c.ctx.Done():
		return ErrClosed
	default:
	}
	if pkt.Opcode > protocol.MaxOpcode {
		return &protocol.FramingError{Reason: fmt.Sprintf("opcode %d exceeds 7 bits", pkt.Opcode)}
	}

	var body []byte
	if pkt.Payload != nil {
		var err error
		if body, err = c.codec.Marshal(pkt.Payload); err != nil {
			return &protocol.PayloadError{Format: c.codec.Name(), Err: err}
		}
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	pkt.Seq = c.seq.Next()
	if pkt.HasAck {
		if c.acks.Settle(pkt.Ack) {
			util.Stats.AddPiggyback()
		}
	} else if seq, ok := c.acks.Take(); ok {
		pkt.HasAck, pkt.Ack = true, seq
		util.Stats.AddPiggyback()
	}

	buf, err := protocol.EncodeHeader(pkt.Header, len(body))
	if err != nil {
		return err
	}
	buf = append(buf, body...)
	return c.write(ctx, buf)
}

func (c *Conn) write(ctx context.Context, buf []byte) error {
	if err := c.tr.Send(ctx, buf); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	util.Stats.AddOut(len(buf))
	return nil
}

// sendAck emits the standalone ack owed for seq: EMPTY on the control
// channel with a fresh seq and HasAck unset, as peers expect it.
func (c *Conn) sendAck(seq uint32) {
	c.sendMu.Lock()
	h := protocol.Header{
		Opcode:  protocol.OpEmpty,
		Channel: protocol.ControlChannel,
		Seq:     c.seq.Next(),
	}
	buf, err := protocol.EncodeHeader(h, 0)
	if err == nil {
		err = c.write(c.ctx, buf)
	}
	c.sendMu.Unlock()
	if err != nil {
		util.LogDebug("[%08x] standalone ack %d not sent: %v", c.id, seq, err)
		return
	}
	util.Stats.AddForcedAck()
}

// RegisterService binds serviceID to a channel and attaches h (which may be
// nil to bind without a handler). On an Initiator this runs the DIG/OPEN
// handshake unless the service is already bound; concurrent calls for the
// same service share one handshake. It must not be called from a Handler
// of the same Initiator, whose reader would then be blocked.
func (c *Conn) RegisterService(ctx context.Context, serviceID string, typ protocol.ServiceType, h Handler) (uint16, error) {
	if c.role == Responder {
		return c.bindLocal(serviceID, typ, h)
	}
	id, err := c.negotiate(ctx, serviceID, typ)
	if err != nil {
		return 0, err
	}
	if err := c.reg.Update(id, typ, h, h != nil); err != nil {
		return 0, c.translate(err)
	}
	return id, nil
}

func (c *Conn) bindLocal(serviceID string, typ protocol.ServiceType, h Handler) (uint16, error) {
	b, _, err := c.reg.Assign(serviceID, typ)
	if err != nil {
		return 0, c.translate(err)
	}
	if err := c.reg.Update(b.ChannelID, typ, h, h != nil); err != nil {
		return 0, c.translate(err)
	}
	return b.ChannelID, nil
}

// SetHandler attaches or replaces the handler of a bound channel.
func (c *Conn) SetHandler(channelID uint16, h Handler) error {
	return c.translate(c.reg.SetHandler(channelID, h))
}

// Lookup returns the binding of channelID.
func (c *Conn) Lookup(channelID uint16) (Binding, bool) {
	return c.reg.Lookup(channelID)
}

// ChannelOf returns the channel bound to serviceID.
func (c *Conn) ChannelOf(serviceID string) (uint16, bool) {
	return c.reg.ChannelOf(serviceID)
}

// Bindings returns the bound channels ordered by id.
func (c *Conn) Bindings() []Binding {
	return c.reg.Bindings()
}

func (c *Conn) ID() uint32               { return c.id }
func (c *Conn) Role() Role               { return c.role }
func (c *Conn) Context() context.Context { return c.ctx }
func (c *Conn) Done() <-chan struct{}    { return c.ctx.Done() }

// PendingAcks returns the number of inbound seqs still owed an ack.
func (c *Conn) PendingAcks() int { return c.acks.Len() }

// LastSeen returns when the last inbound packet arrived and its seq.
func (c *Conn) LastSeen() (time.Time, uint32) { return c.acks.LastSeen() }

// Close stops the ack timers, fails pending handshakes with ErrClosed and
// closes the transport. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.acks.Close()
		c.reg.Close()
		err = c.tr.Close()
		util.Stats.RemoveConn()
		if c.onClose != nil {
			c.onClose(c)
		}
		util.LogDebug("[%08x] connection closed", c.id)
	})
	return err
}

func (c *Conn) translate(err error) error {
	if errors.Is(err, registry.ErrClosed) {
		return ErrClosed
	}
	return err
}
