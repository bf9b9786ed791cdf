package signaling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/jsrf/internal/transport"
	"github.com/1ureka/jsrf/internal/util"
)

// Path is where a Listener accepts WebRTC signaling sockets.
const Path = "/rtc"

// Accept returns an upgrade handler for transport.Listener.HandleUpgrade.
// Each signaling socket is turned into a DataChannel Peer, as the offering
// side, and delivered to the listener's accept queue.
func Accept(ctx context.Context, l *transport.Listener, iceURLs ...string) func(*websocket.Conn) {
	return func(ws *websocket.Conn) {
		peer, err := EstablishAsOfferer(ctx, ws, iceURLs...)
		if err != nil {
			util.LogWarning("WebRTC signaling failed: %v", err)
			return
		}
		l.Deliver(peer)
	}
}

// Dial connects to a server's signaling endpoint and returns the Peer once
// its DataChannel is open. url may name either the /ws or the /rtc path.
func Dial(ctx context.Context, url string, iceURLs ...string) (*transport.Peer, error) {
	ws, err := transport.DialWebSocket(ctx, signalingURL(url))
	if err != nil {
		return nil, err
	}
	return EstablishAsAnswerer(ctx, ws, iceURLs...)
}

// signalingURL points a protocol URL at the signaling endpoint.
func signalingURL(url string) string {
	if base, ok := strings.CutSuffix(url, transport.DefaultPath); ok {
		return base + Path
	}
	return url
}

// EstablishAsOfferer executes the offering side of the exchange:
//  1. Create a Peer
//  2. Forward local ICE candidates over the socket
//  3. Send the Offer and apply the Answer and remote candidates
//  4. Wait for the DataChannel to open
//  5. Close the socket and return the ready Peer
func EstablishAsOfferer(ctx context.Context, ws *websocket.Conn, iceURLs ...string) (*transport.Peer, error) {
	return establish(ctx, ws, true, iceURLs)
}

// EstablishAsAnswerer executes the answering side of the exchange: it
// waits for the Offer, answers it and returns once the DataChannel opens.
func EstablishAsAnswerer(ctx context.Context, ws *websocket.Conn, iceURLs ...string) (*transport.Peer, error) {
	return establish(ctx, ws, false, iceURLs)
}

func establish(ctx context.Context, ws *websocket.Conn, offer bool, iceURLs []string) (*transport.Peer, error) {
	defer ws.Close()

	peer, err := transport.NewPeer(ctx, iceURLs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer: %w", err)
	}

	s := &session{peer: peer, ws: ws}
	peer.OnICECandidate(s.trickle)

	// The read loop exits when ws is closed (deferred above).
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.watch()
	}()

	if offer {
		if err := s.describe(webrtc.SDPTypeOffer); err != nil {
			peer.Close()
			return nil, fmt.Errorf("failed to send offer: %w", err)
		}
	}

	select {
	case <-peer.Ready():
		util.LogDebug("[%08x] DataChannel established, closing signaling socket", peer.ID())
		return peer, nil

	case err := <-errCh:
		// The remote side closes its socket as soon as its own channel is
		// open, which may be before ours. With both descriptions applied
		// the socket is no longer needed, so keep waiting for a while.
		if !s.described.Load() {
			peer.Close()
			return nil, fmt.Errorf("signaling failed: %w", err)
		}
		util.LogDebug("[%08x] signaling socket closed (%v), waiting for DataChannel", peer.ID(), err)
		return awaitReady(ctx, peer, readyGrace)

	case <-ctx.Done():
		peer.Close()
		return nil, ctx.Err()
	}
}

// readyGrace bounds the wait for the DataChannel once signaling is over.
const readyGrace = 15 * time.Second

func awaitReady(ctx context.Context, peer *transport.Peer, grace time.Duration) (*transport.Peer, error) {
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-peer.Ready():
		return peer, nil
	case <-peer.Done():
		peer.Close()
		return nil, fmt.Errorf("signaling failed: %w", transport.ErrClosed)
	case <-t.C:
		peer.Close()
		return nil, errors.New("signaling failed: DataChannel did not open")
	case <-ctx.Done():
		peer.Close()
		return nil, ctx.Err()
	}
}
