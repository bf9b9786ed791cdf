package endpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/jsrf/internal/protocol"
	"github.com/1ureka/jsrf/internal/registry"
	"github.com/1ureka/jsrf/internal/util"
)

// digRequest is the DIG_CHANNEL payload. The id/type keys are the older
// spelling and are only read.
type digRequest struct {
	ServiceID   string               `json:"serviceId" msgpack:"serviceId"`
	ServiceType protocol.ServiceType `json:"serviceType" msgpack:"serviceType"`

	LegacyID   string                `json:"id,omitempty" msgpack:"id,omitempty"`
	LegacyType *protocol.ServiceType `json:"type,omitempty" msgpack:"type,omitempty"`
}

func (r *digRequest) normalize() {
	if r.ServiceID == "" {
		r.ServiceID = r.LegacyID
	}
	if r.LegacyType != nil && r.ServiceType == protocol.JSONSync {
		r.ServiceType = *r.LegacyType
	}
}

// openReply is the OPEN_CHANNEL payload.
type openReply struct {
	ServiceID string `json:"serviceId" msgpack:"serviceId"`
	ChannelID uint16 `json:"channelId" msgpack:"channelId"`

	LegacyID string `json:"id,omitempty" msgpack:"id,omitempty"`
}

// refusal is the ERROR_CHANNEL payload sent when a DIG_CHANNEL cannot be
// answered.
type refusal struct {
	ServiceID string `json:"serviceId" msgpack:"serviceId"`
	Error     string `json:"error" msgpack:"error"`
}

// negotiate resolves serviceID to a channel id, sending DIG_CHANNEL if no
// handshake is bound or in flight. Only the leader sends and retries;
// followers wait on the same waiter.
func (c *Conn) negotiate(ctx context.Context, serviceID string, typ protocol.ServiceType) (uint16, error) {
	w, leader := c.reg.Await(serviceID)
	if leader {
		c.lead(ctx, serviceID, typ, w)
	}

	select {
	case <-w.Done():
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.ctx.Done():
		return 0, ErrClosed
	}
	id, err := w.Result()
	if err != nil {
		return 0, c.translate(err)
	}
	return id, nil
}

// lead drives the DIG_CHANNEL exchange until the waiter resolves or the
// attempts run out, in which case the waiter is failed for everyone. Only
// w itself is retired, so a handshake that was already replaced is left
// alone.
func (c *Conn) lead(ctx context.Context, serviceID string, typ protocol.ServiceType, w *registry.Waiter) {
	attempts := 1 + max(c.opts.NegotiationRetries, 0)
	req := &digRequest{ServiceID: serviceID, ServiceType: typ}

	for i := 0; i < attempts; i++ {
		if err := c.Send(ctx, protocol.OpDigChannel, protocol.ControlChannel, req); err != nil {
			c.reg.Abandon(serviceID, w, fmt.Errorf("failed to send DIG_CHANNEL: %w", err))
			return
		}
		util.LogDebug("[%08x] DIG_CHANNEL %q (attempt %d/%d)", c.id, serviceID, i+1, attempts)

		switch c.awaitAttempt(ctx, w) {
		case nil:
			return
		case errAttemptExpired:
			continue
		default:
			c.reg.Abandon(serviceID, w, ctx.Err())
			return
		}
	}
	util.LogWarning("[%08x] no OPEN_CHANNEL for %q after %d attempts", c.id, serviceID, attempts)
	c.reg.Abandon(serviceID, w, ErrNegotiationTimeout)
}

var errAttemptExpired = errors.New("attempt expired")

// awaitAttempt waits for one DIG_CHANNEL attempt. It returns nil once the
// waiter is done or the connection closed (Close fails the waiter itself),
// errAttemptExpired on timeout and ctx.Err() on cancellation.
func (c *Conn) awaitAttempt(ctx context.Context, w *registry.Waiter) error {
	var timeout <-chan time.Time
	if c.opts.NegotiationTimeout > 0 {
		t := time.NewTimer(c.opts.NegotiationTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-w.Done():
		return nil
	case <-c.ctx.Done():
		return nil
	case <-timeout:
		return errAttemptExpired
	case <-ctx.Done():
		return ctx.Err()
	}
}

// answerDig handles DIG_CHANNEL on the Responder: assign or reuse a
// channel id and reply OPEN_CHANNEL acking the request's seq.
func (c *Conn) answerDig(pkt *protocol.Packet) {
	var req digRequest
	if err := pkt.Bind(&req); err != nil {
		util.Stats.AddDrop()
		c.report(err)
		return
	}
	req.normalize()
	if req.ServiceID == "" {
		c.refuse(pkt, "", errors.New("missing serviceId"))
		return
	}

	b, created, err := c.reg.Assign(req.ServiceID, req.ServiceType)
	if err != nil {
		c.refuse(pkt, req.ServiceID, err)
		return
	}
	if created {
		util.Stats.AddNegotiation()
		if c.templates != nil {
			if svc, ok := c.templates(req.ServiceID); ok {
				_ = c.reg.Update(b.ChannelID, svc.typ, svc.handler, svc.handler != nil)
			}
		}
		util.LogDebug("[%08x] bound %q (%s) to channel %d", c.id, req.ServiceID, req.ServiceType, b.ChannelID)
	}

	reply := protocol.NewPacket(protocol.Header{
		HasAck:  true,
		Opcode:  protocol.OpOpenChannel,
		Channel: protocol.ControlChannel,
		Ack:     pkt.Seq,
	}, &openReply{ServiceID: b.ServiceID, ChannelID: b.ChannelID})
	if err := c.SendPacket(c.ctx, reply); err != nil {
		util.LogDebug("[%08x] OPEN_CHANNEL %q not sent: %v", c.id, req.ServiceID, err)
	}
}

func (c *Conn) refuse(pkt *protocol.Packet, serviceID string, cause error) {
	util.LogWarning("[%08x] refusing channel %q: %v", c.id, serviceID, cause)
	reply := protocol.NewPacket(protocol.Header{
		HasAck:  true,
		Opcode:  protocol.OpErrorChannel,
		Channel: protocol.ControlChannel,
		Ack:     pkt.Seq,
	}, &refusal{ServiceID: serviceID, Error: cause.Error()})
	if err := c.SendPacket(c.ctx, reply); err != nil {
		util.LogDebug("[%08x] ERROR_CHANNEL not sent: %v", c.id, err)
	}
}

// completeOpen handles OPEN_CHANNEL on the Initiator.
func (c *Conn) completeOpen(pkt *protocol.Packet) {
	var rep openReply
	if err := pkt.Bind(&rep); err != nil {
		util.Stats.AddDrop()
		c.report(err)
		return
	}
	if rep.ServiceID == "" {
		rep.ServiceID = rep.LegacyID
	}
	if _, err := c.reg.Bind(rep.ServiceID, rep.ChannelID, protocol.JSONSync); err != nil {
		util.Stats.AddDrop()
		c.report(fmt.Errorf("OPEN_CHANNEL %q: %w", rep.ServiceID, err))
		return
	}
	util.Stats.AddNegotiation()
	util.LogDebug("[%08x] %q opened on channel %d", c.id, rep.ServiceID, rep.ChannelID)
}

// refused handles ERROR_CHANNEL on the Initiator by failing the waiter.
func (c *Conn) refused(pkt *protocol.Packet) {
	var r refusal
	if err := pkt.Bind(&r); err != nil {
		util.Stats.AddDrop()
		c.report(err)
		return
	}
	if !c.reg.Fail(r.ServiceID, fmt.Errorf("%w: %s", ErrChannelRefused, r.Error)) {
		util.LogDebug("[%08x] ERROR_CHANNEL for %q with no pending handshake", c.id, r.ServiceID)
	}
}
