package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/jsrf/internal/util"
)

// Peer wraps a single PeerConnection + DataChannel pair. It exposes the
// signaling steps needed to connect it and, once Ready fires, serves as a
// Conn for the protocol engine.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time. The PeerConnection state is recorded but does not
// drive open/close decisions.
type Peer struct {
	id uint32
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	inbox      chan []byte
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// NewPeer creates a Peer backed by a new PeerConnection and a pre-negotiated
// DataChannel. iceURLs overrides the default STUN servers.
func NewPeer(ctx context.Context, iceURLs ...string) (*Peer, error) {
	pc, err := newPeerConnection(iceURLs)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	pCtx, pCancel := context.WithCancel(ctx)

	p := &Peer{
		id:         util.NextConnID(),
		pc:         pc,
		dc:         dc,
		inbox:      make(chan []byte, sendBufferSize),
		openSignal: make(chan struct{}),
		ctx:        pCtx,
		cancel:     pCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(p.openSignal) })
	})

	// DC close → cancel peer context.
	dc.OnClose(func() {
		util.LogDebug("[%08x] DataChannel closed", p.id)
		pCancel()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		select {
		case p.inbox <- msg.Data:
		case <-pCtx.Done():
		}
	})

	// Record PC state (informational only).
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[%08x] PeerConnection state: %s", p.id, state.String())
		p.mu.Lock()
		p.pcState = state
		p.mu.Unlock()
	})

	// Backpressure wiring for the sender.
	drained := make(chan struct{}, 1)
	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case drained <- struct{}{}:
		default:
		}
	})

	p.sender = newSender(pCtx, dc.Send, func(err error) {
		util.LogError("[%08x] failed to send on DataChannel: %v", p.id, err)
		p.Close()
	}, p.openSignal, &backpressure{buffered: dc.BufferedAmount, drained: drained})

	return p, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open.
func (p *Peer) Ready() <-chan struct{} {
	return p.openSignal
}

// Done returns a channel that is closed when the Peer is shut down
// (DataChannel closed or parent context cancelled).
func (p *Peer) Done() <-chan struct{} {
	return p.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (p *Peer) Close() error {
	p.cancel()
	return errors.Join(p.dc.Close(), p.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (p *Peer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (p *Peer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (p *Peer) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Conn
// ---------------------------------------------------------------------------

func (p *Peer) ID() uint32 { return p.id }

// Send enqueues a message; it is written once the DataChannel opens.
func (p *Peer) Send(ctx context.Context, data []byte) error {
	return p.sender.send(ctx, data)
}

// Receive returns the next binary DataChannel message.
func (p *Peer) Receive(ctx context.Context) ([]byte, error) {
	return receive(ctx, p.inbox, p.ctx.Done())
}
