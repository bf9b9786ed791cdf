package endpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/jsrf/internal/protocol"
	"github.com/1ureka/jsrf/internal/transport"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testOptions() Options {
	return Options{NegotiationTimeout: time.Second, NegotiationRetries: 1}
}

// tap records the header of every message sent through a transport.
type tap struct {
	transport.Conn
	mu   sync.Mutex
	sent []protocol.Header
}

func (t *tap) Send(ctx context.Context, data []byte) error {
	if h, _, err := protocol.DecodeHeader(data); err == nil {
		t.mu.Lock()
		t.sent = append(t.sent, h)
		t.mu.Unlock()
	}
	return t.Conn.Send(ctx, data)
}

func (t *tap) count(op protocol.Opcode) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, h := range t.sent {
		if h.Opcode == op {
			n++
		}
	}
	return n
}

// rawPeer drives the other end of a pipe by hand.
type rawPeer struct {
	t   *testing.T
	tr  transport.Conn
	seq uint32
}

func (r *rawPeer) send(h protocol.Header, payload any) uint32 {
	r.t.Helper()
	h.Seq = r.seq
	r.seq++
	data, err := protocol.Encode(protocol.NewPacket(h, payload), nil)
	if err != nil {
		r.t.Fatalf("Encode failed: %v", err)
	}
	if err := r.tr.Send(context.Background(), data); err != nil {
		r.t.Fatalf("raw Send failed: %v", err)
	}
	return h.Seq
}

func (r *rawPeer) recv(timeout time.Duration) (*protocol.Packet, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	data, err := r.tr.Receive(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data, nil)
}

func (r *rawPeer) expect(timeout time.Duration) *protocol.Packet {
	r.t.Helper()
	pkt, err := r.recv(timeout)
	if err != nil {
		r.t.Fatalf("expected a packet: %v", err)
	}
	return pkt
}

func (r *rawPeer) expectNothing(within time.Duration) {
	r.t.Helper()
	if pkt, err := r.recv(within); err == nil {
		r.t.Fatalf("unexpected packet %s", pkt)
	}
}

func newServer(t *testing.T, opts Options) *Server {
	t.Helper()
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

// connect attaches a new tapped client to srv.
func connect(t *testing.T, ctx context.Context, srv *Server, opts Options) (*Client, *Conn, *tap) {
	t.Helper()
	a, b := transport.Pipe()
	sc, err := srv.ServeConn(ctx, b)
	if err != nil {
		t.Fatalf("ServeConn failed: %v", err)
	}
	tp := &tap{Conn: a}
	cl, err := NewClient(ctx, tp, opts)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() { cl.Close() })
	return cl, sc, tp
}

func echo(ctx context.Context, c *Conn, pkt *protocol.Packet) error {
	return c.Send(ctx, protocol.OpReturn, pkt.Channel, pkt.Payload)
}

func collect(ch chan<- *protocol.Packet) Handler {
	return func(ctx context.Context, c *Conn, pkt *protocol.Packet) error {
		ch <- pkt
		return nil
	}
}

func TestSeqGen(t *testing.T) {
	var s SeqGen
	for want := uint32(0); want < 3; want++ {
		if got := s.Next(); got != want {
			t.Fatalf("Next: got %d, want %d", got, want)
		}
	}
	s.val.Store(math.MaxUint32)
	if got := s.Next(); got != math.MaxUint32 {
		t.Fatalf("Next at max: got %d", got)
	}
	if got := s.Next(); got != 0 {
		t.Fatalf("Next should wrap to 0, got %d", got)
	}
}

func TestNegotiationIdempotent(t *testing.T) {
	ctx := testContext(t)
	srv := newServer(t, testOptions())
	cl, _, tp := connect(t, ctx, srv, testOptions())

	id1, err := cl.RegisterService(ctx, "svc-a", protocol.JSONSync, nil)
	if err != nil {
		t.Fatalf("RegisterService failed: %v", err)
	}
	id2, err := cl.RegisterService(ctx, "svc-a", protocol.JSONSync, nil)
	if err != nil {
		t.Fatalf("second RegisterService failed: %v", err)
	}
	if id1 != 1 || id2 != id1 {
		t.Fatalf("channel ids: got %d and %d, want 1 twice", id1, id2)
	}

	// Concurrent registrations share one handshake.
	const n = 8
	ids := make([]uint16, n)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := cl.RegisterService(ctx, "svc-b", protocol.ServerCall, nil)
			if err != nil {
				t.Errorf("concurrent RegisterService failed: %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != 2 {
			t.Fatalf("concurrent ids: %v", ids)
		}
	}

	if got := tp.count(protocol.OpDigChannel); got != 2 {
		t.Errorf("DIG_CHANNEL sent %d times, want 2", got)
	}
}

func TestEchoAcrossFormats(t *testing.T) {
	formats := []string{"json", "cbor", "msgpack", "json+zstd", "msgpack+zstd"}
	for _, format := range formats {
		t.Run(format, func(t *testing.T) {
			ctx := testContext(t)
			opts := testOptions()
			opts.Format = format

			srv := newServer(t, opts)
			srv.RegisterService("echo", protocol.ServerCall, echo)
			cl, sc, _ := connect(t, ctx, srv, opts)

			replies := make(chan *protocol.Packet, 1)
			id, err := cl.RegisterService(ctx, "echo", protocol.ServerCall, collect(replies))
			if err != nil {
				t.Fatalf("RegisterService failed: %v", err)
			}
			if err := cl.Send(ctx, protocol.OpCall, id, map[string]any{"method": "ping", "n": 42}); err != nil {
				t.Fatalf("Send failed: %v", err)
			}

			select {
			case pkt := <-replies:
				var body struct {
					Method string `json:"method" msgpack:"method"`
					N      int    `json:"n" msgpack:"n"`
				}
				if err := pkt.Bind(&body); err != nil {
					t.Fatalf("Bind failed: %v", err)
				}
				if pkt.Opcode != protocol.OpReturn || body.Method != "ping" || body.N != 42 {
					t.Fatalf("reply: %s %+v", pkt, body)
				}
			case <-ctx.Done():
				t.Fatal("no reply")
			}

			b, ok := sc.Lookup(id)
			if !ok || b.ServiceID != "echo" || b.Type != protocol.ServerCall {
				t.Errorf("server binding: %+v, %v", b, ok)
			}
		})
	}
}

func TestMultiClientIsolation(t *testing.T) {
	ctx := testContext(t)
	srv := newServer(t, testOptions())

	type delivery struct {
		conn    *Conn
		payload any
	}
	seen := make(chan delivery, 4)
	srv.RegisterService("same-name", protocol.JSONSync, func(ctx context.Context, c *Conn, pkt *protocol.Packet) error {
		seen <- delivery{c, pkt.Payload}
		return nil
	})

	c1, s1, _ := connect(t, ctx, srv, testOptions())
	c2, s2, _ := connect(t, ctx, srv, testOptions())

	// Skew c1's counter so the two registries diverge.
	if _, err := c1.RegisterService(ctx, "other", protocol.JSONSync, nil); err != nil {
		t.Fatalf("RegisterService failed: %v", err)
	}
	id1, err := c1.RegisterService(ctx, "same-name", protocol.JSONSync, nil)
	if err != nil {
		t.Fatalf("RegisterService failed: %v", err)
	}
	id2, err := c2.RegisterService(ctx, "same-name", protocol.JSONSync, nil)
	if err != nil {
		t.Fatalf("RegisterService failed: %v", err)
	}
	if id1 != 2 || id2 != 1 {
		t.Fatalf("channel ids: got %d and %d, want 2 and 1", id1, id2)
	}

	if err := c2.Send(ctx, protocol.OpSet, id2, "from-c2"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case d := <-seen:
		if d.conn != s2 || d.payload != "from-c2" {
			t.Fatalf("delivered to the wrong connection: %+v", d)
		}
	case <-ctx.Done():
		t.Fatal("nothing delivered")
	}

	// Channel 1 on c1 is "other", which has no handler: nothing is seen.
	if err := c1.Send(ctx, protocol.OpSet, id2, "from-c1"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case d := <-seen:
		t.Fatalf("unexpected delivery %+v", d)
	case <-time.After(100 * time.Millisecond):
	}

	if s1.Bindings()[1].ServiceID != "same-name" || len(s2.Bindings()) != 1 {
		t.Errorf("registries leaked: %+v / %+v", s1.Bindings(), s2.Bindings())
	}
	if srv.Len() != 2 {
		t.Errorf("server tracks %d connections, want 2", srv.Len())
	}
}

func TestUnknownChannelDropped(t *testing.T) {
	ctx := testContext(t)
	errs := make(chan error, 4)
	opts := testOptions()
	opts.OnError = func(c *Conn, err error) { errs <- err }

	srv := newServer(t, opts)
	srv.RegisterService("echo", protocol.ServerCall, echo)
	cl, sc, _ := connect(t, ctx, srv, opts)

	if err := cl.Send(ctx, protocol.OpSet, 42, map[string]any{"k": "v"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// The connection keeps working and nothing was bound or reported.
	replies := make(chan *protocol.Packet, 1)
	id, err := cl.RegisterService(ctx, "echo", protocol.ServerCall, collect(replies))
	if err != nil {
		t.Fatalf("RegisterService after drop failed: %v", err)
	}
	cl.Send(ctx, protocol.OpCall, id, "hi")
	select {
	case <-replies:
	case <-ctx.Done():
		t.Fatal("no reply after drop")
	}
	if n := len(sc.Bindings()); n != 1 {
		t.Errorf("server has %d bindings, want 1", n)
	}
	select {
	case err := <-errs:
		t.Errorf("drop was reported: %v", err)
	default:
	}
}

func TestHandlerErrorKeepsConnection(t *testing.T) {
	ctx := testContext(t)
	errs := make(chan error, 4)
	opts := testOptions()
	opts.OnError = func(c *Conn, err error) { errs <- err }

	var calls int
	srv := newServer(t, opts)
	srv.RegisterService("flaky", protocol.ServerCall, func(ctx context.Context, c *Conn, pkt *protocol.Packet) error {
		calls++
		switch calls {
		case 1:
			return errors.New("boom")
		case 2:
			panic("kaboom")
		}
		return echo(ctx, c, pkt)
	})
	cl, _, _ := connect(t, ctx, srv, opts)

	replies := make(chan *protocol.Packet, 1)
	id, err := cl.RegisterService(ctx, "flaky", protocol.ServerCall, collect(replies))
	if err != nil {
		t.Fatalf("RegisterService failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		cl.Send(ctx, protocol.OpCall, id, i)
		select {
		case err := <-errs:
			var he *HandlerError
			if !errors.As(err, &he) || he.ServiceID != "flaky" || he.Channel != id {
				t.Fatalf("error %d: got %v", i, err)
			}
		case <-ctx.Done():
			t.Fatalf("error %d was not reported", i)
		}
	}

	cl.Send(ctx, protocol.OpCall, id, "ok")
	select {
	case pkt := <-replies:
		if pkt.Payload != "ok" {
			t.Fatalf("reply payload: %v", pkt.Payload)
		}
	case <-ctx.Done():
		t.Fatal("connection did not survive handler failures")
	}
}

func TestForcedAck(t *testing.T) {
	a, b := transport.Pipe()
	opts := testOptions()
	opts.AckDelay = 50 * time.Millisecond
	cl, err := NewClient(context.Background(), a, opts)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer cl.Close()
	raw := &rawPeer{t: t, tr: b, seq: 7}

	raw.send(protocol.Header{Opcode: protocol.OpLog}, "note")
	pkt := raw.expect(time.Second)
	if pkt.Opcode != protocol.OpEmpty || pkt.Channel != protocol.ControlChannel || pkt.HasAck {
		t.Fatalf("standalone ack: got %s", pkt)
	}
	raw.expectNothing(150 * time.Millisecond)
	if n := cl.PendingAcks(); n != 0 {
		t.Errorf("PendingAcks: got %d", n)
	}
}

func TestPiggybackAck(t *testing.T) {
	ctx := testContext(t)
	a, b := transport.Pipe()
	opts := testOptions()
	opts.AckDelay = 50 * time.Millisecond
	cl, err := NewClient(ctx, a, opts)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer cl.Close()
	raw := &rawPeer{t: t, tr: b, seq: 8}

	seq := raw.send(protocol.Header{Opcode: protocol.OpLog}, "note")
	deadline := time.Now().Add(time.Second)
	for cl.PendingAcks() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("inbound packet never observed")
		}
		time.Sleep(time.Millisecond)
	}
	if err := cl.Send(ctx, protocol.OpLog, protocol.ControlChannel, "reply"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	pkt := raw.expect(time.Second)
	if pkt.Opcode != protocol.OpLog || !pkt.HasAck || pkt.Ack != seq {
		t.Fatalf("piggyback: got %s", pkt)
	}
	raw.expectNothing(150 * time.Millisecond)
}

func TestDuplicateSeqAckedImmediately(t *testing.T) {
	a, b := transport.Pipe()
	opts := testOptions()
	opts.AckDelay = time.Minute
	cl, err := NewClient(context.Background(), a, opts)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer cl.Close()

	raw := &rawPeer{t: t, tr: b, seq: 3}
	raw.send(protocol.Header{Opcode: protocol.OpLog}, nil)
	raw.seq = 3
	raw.send(protocol.Header{Opcode: protocol.OpLog}, nil)

	pkt := raw.expect(500 * time.Millisecond)
	if pkt.Opcode != protocol.OpEmpty || pkt.HasAck {
		t.Fatalf("duplicate ack: got %s", pkt)
	}
}

// Forced acks from the timer and concurrent Sends must reach the transport
// in seq order.
func TestWireOrderMatchesSeq(t *testing.T) {
	ctx := testContext(t)
	a, b := transport.Pipe()
	tp := &tap{Conn: a}
	cl, err := NewClient(ctx, tp, Options{AckDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			if _, err := b.Receive(ctx); err != nil {
				return
			}
		}
	}()

	const senders, perSender = 8, 200
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				if err := cl.Send(ctx, protocol.OpLog, 0, nil); err != nil {
					return
				}
			}
		}()
	}
	raw := &rawPeer{t: t, tr: b}
	for i := 0; i < 500; i++ {
		raw.send(protocol.Header{Opcode: protocol.OpLog}, nil)
		if i%50 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}
	wg.Wait()
	time.Sleep(20 * time.Millisecond)
	cl.Close()
	<-drained

	tp.mu.Lock()
	defer tp.mu.Unlock()
	if len(tp.sent) < senders*perSender {
		t.Fatalf("only %d packets sent", len(tp.sent))
	}
	for i, h := range tp.sent {
		if h.Seq != uint32(i) {
			t.Fatalf("packet #%d carries seq %d (%s)", i, h.Seq, h.Opcode)
		}
	}
}

func TestNegotiationTimeout(t *testing.T) {
	ctx := testContext(t)
	a, b := transport.Pipe()
	opts := Options{NegotiationTimeout: 30 * time.Millisecond, NegotiationRetries: 2}
	cl, err := NewClient(ctx, a, opts)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer cl.Close()

	if _, err := cl.RegisterService(ctx, "nobody", protocol.JSONSync, nil); !errors.Is(err, ErrNegotiationTimeout) {
		t.Fatalf("RegisterService: got %v, want ErrNegotiationTimeout", err)
	}

	var first []byte
	for i := 0; i < 3; i++ {
		data, err := b.Receive(ctx)
		if err != nil {
			t.Fatalf("attempt %d not sent: %v", i, err)
		}
		pkt, err := protocol.Decode(data, nil)
		if err != nil || pkt.Opcode != protocol.OpDigChannel || pkt.Channel != protocol.ControlChannel {
			t.Fatalf("attempt %d: %v, %v", i, pkt, err)
		}
		if first == nil {
			first = pkt.Raw()
		} else if !bytes.Equal(first, pkt.Raw()) {
			t.Fatalf("retry payload changed: %s vs %s", first, pkt.Raw())
		}
	}

	// A fresh registration starts a new handshake.
	if _, err := cl.RegisterService(ctx, "nobody", protocol.JSONSync, nil); !errors.Is(err, ErrNegotiationTimeout) {
		t.Fatalf("second RegisterService: got %v", err)
	}
}

func TestCloseReleasesWaiters(t *testing.T) {
	ctx := testContext(t)
	a, b := transport.Pipe()
	cl, err := NewClient(ctx, a, Options{})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := cl.RegisterService(ctx, "svc", protocol.JSONSync, nil)
		done <- err
	}()
	if _, err := b.Receive(ctx); err != nil {
		t.Fatalf("DIG_CHANNEL not sent: %v", err)
	}
	cl.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("RegisterService after Close: got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("waiter was not released")
	}
	if err := cl.Send(ctx, protocol.OpLog, 0, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close: got %v", err)
	}
}

// A leader whose ctx ends retires its own handshake; the next
// registration leads a new one.
func TestCancelledLeaderRetiresHandshake(t *testing.T) {
	ctx := testContext(t)
	a, b := transport.Pipe()
	cl, err := NewClient(ctx, a, Options{})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer cl.Close()
	raw := &rawPeer{t: t, tr: b}

	lctx, lcancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := cl.RegisterService(lctx, "svc", protocol.JSONSync, nil)
		done <- err
	}()
	if pkt := raw.expect(time.Second); pkt.Opcode != protocol.OpDigChannel {
		t.Fatalf("expected DIG_CHANNEL, got %s", pkt)
	}
	lcancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled RegisterService: got %v", err)
	}

	type result struct {
		id  uint16
		err error
	}
	res := make(chan result, 1)
	go func() {
		id, err := cl.RegisterService(ctx, "svc", protocol.JSONSync, nil)
		res <- result{id, err}
	}()
	dig := raw.expect(time.Second)
	if dig.Opcode != protocol.OpDigChannel {
		t.Fatalf("expected a new DIG_CHANNEL, got %s", dig)
	}
	raw.send(protocol.Header{HasAck: true, Ack: dig.Seq, Opcode: protocol.OpOpenChannel},
		&openReply{ServiceID: "svc", ChannelID: 4})

	r := <-res
	if r.err != nil || r.id != 4 {
		t.Fatalf("RegisterService after retry: got %d, %v", r.id, r.err)
	}
}

func TestChannelRefused(t *testing.T) {
	ctx := testContext(t)
	a, b := transport.Pipe()
	cl, err := NewClient(ctx, a, testOptions())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer cl.Close()
	raw := &rawPeer{t: t, tr: b}

	go func() {
		pkt, err := raw.recv(time.Second)
		if err != nil {
			return
		}
		raw.send(protocol.Header{HasAck: true, Ack: pkt.Seq, Opcode: protocol.OpErrorChannel},
			map[string]any{"serviceId": "svc", "error": "no capacity"})
	}()

	if _, err := cl.RegisterService(ctx, "svc", protocol.JSONSync, nil); !errors.Is(err, ErrChannelRefused) {
		t.Fatalf("RegisterService: got %v, want ErrChannelRefused", err)
	}
}

func TestLegacyDigKeys(t *testing.T) {
	ctx := testContext(t)
	srv := newServer(t, testOptions())
	a, b := transport.Pipe()
	sc, err := srv.ServeConn(ctx, b)
	if err != nil {
		t.Fatalf("ServeConn failed: %v", err)
	}
	raw := &rawPeer{t: t, tr: a, seq: 100}

	seq := raw.send(protocol.Header{Opcode: protocol.OpDigChannel}, map[string]any{"id": "legacy", "type": 1})
	pkt := raw.expect(time.Second)
	if pkt.Opcode != protocol.OpOpenChannel || !pkt.HasAck || pkt.Ack != seq {
		t.Fatalf("reply: got %s", pkt)
	}
	var rep struct {
		ServiceID string `json:"serviceId"`
		ChannelID uint16 `json:"channelId"`
	}
	if err := pkt.Bind(&rep); err != nil || rep.ServiceID != "legacy" || rep.ChannelID != 1 {
		t.Fatalf("reply payload: %+v, %v", rep, err)
	}
	if b, ok := sc.Lookup(1); !ok || b.Type != protocol.ServerCall {
		t.Errorf("binding: %+v, %v", b, ok)
	}
	// The DIG was acked by the reply; no standalone ack follows.
	raw.expectNothing(100 * time.Millisecond)
}

func TestResponderRegisterService(t *testing.T) {
	ctx := testContext(t)
	srv := newServer(t, testOptions())
	cl, sc, _ := connect(t, ctx, srv, testOptions())

	received := make(chan *protocol.Packet, 1)
	local, err := sc.RegisterService(ctx, "push", protocol.ClientCall, collect(received))
	if err != nil || local != 1 {
		t.Fatalf("local RegisterService: %d, %v", local, err)
	}
	remote, err := cl.RegisterService(ctx, "push", protocol.ClientCall, nil)
	if err != nil || remote != local {
		t.Fatalf("remote RegisterService: %d, %v (want %d)", remote, err, local)
	}

	cl.Send(ctx, protocol.OpPush, remote, []any{1, 2})
	select {
	case pkt := <-received:
		if pkt.Opcode != protocol.OpPush {
			t.Fatalf("got %s", pkt)
		}
	case <-ctx.Done():
		t.Fatal("local handler not invoked")
	}
}

func TestServerClose(t *testing.T) {
	ctx := testContext(t)
	srv := newServer(t, testOptions())
	_, sc, _ := connect(t, ctx, srv, testOptions())

	srv.Close()
	select {
	case <-sc.Done():
	case <-ctx.Done():
		t.Fatal("connection survived server Close")
	}

	_, b := transport.Pipe()
	if _, err := srv.ServeConn(ctx, b); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("ServeConn after Close: got %v", err)
	}
}

func TestServeOverWebSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	l, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer l.Close()

	srv := newServer(t, testOptions())
	srv.RegisterService("echo", protocol.ServerCall, echo)
	go srv.Serve(ctx, l)

	cl, err := Dial(ctx, l.URL(), testOptions())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer cl.Close()

	replies := make(chan *protocol.Packet, 3)
	id, err := cl.RegisterService(ctx, "echo", protocol.ServerCall, collect(replies))
	if err != nil {
		t.Fatalf("RegisterService failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		cl.Send(ctx, protocol.OpCall, id, fmt.Sprintf("m%d", i))
	}
	for i := 0; i < 3; i++ {
		select {
		case pkt := <-replies:
			if want := fmt.Sprintf("m%d", i); pkt.Payload != want {
				t.Fatalf("reply %d: got %v, want %s", i, pkt.Payload, want)
			}
		case <-ctx.Done():
			t.Fatalf("reply %d missing", i)
		}
	}
}
