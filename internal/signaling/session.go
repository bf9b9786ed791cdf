package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/jsrf/internal/transport"
	"github.com/1ureka/jsrf/internal/util"
)

// messageType identifies the kind of signaling message.
type messageType string

const (
	msgTypeOffer     messageType = "offer"
	msgTypeAnswer    messageType = "answer"
	msgTypeCandidate messageType = "candidate"
)

// message is the JSON structure exchanged over the WebSocket during signaling.
type message struct {
	Type      messageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

// session is one signaling exchange: a socket shared by the candidate
// callback, the read loop and the offering call, and the Peer it configures.
type session struct {
	peer *transport.Peer
	ws   *websocket.Conn

	wmu sync.Mutex
	// described is set once both SDPs are applied. From then on the socket
	// is no longer needed for the DataChannel to open.
	described atomic.Bool
}

func (s *session) write(msg message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.ws.WriteJSON(msg)
}

// describe creates the local description of the given type, applies it and
// sends it to the remote side.
func (s *session) describe(typ webrtc.SDPType) error {
	var (
		sdp webrtc.SessionDescription
		err error
	)
	if typ == webrtc.SDPTypeOffer {
		sdp, err = s.peer.CreateOffer()
	} else {
		sdp, err = s.peer.CreateAnswer()
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", typ, err)
	}
	if err := s.peer.SetLocalDescription(sdp); err != nil {
		return err
	}
	return s.write(message{Type: messageType(typ.String()), SDP: sdp.SDP})
}

// trickle forwards one gathered local candidate. A lost candidate only
// narrows the path choice, so errors are ignored.
func (s *session) trickle(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	data, err := json.Marshal(c.ToJSON())
	if err != nil {
		return
	}
	_ = s.write(message{Type: msgTypeCandidate, Candidate: string(data)})
}

// watch applies inbound messages until the socket fails or is closed. An
// offer is answered at once.
func (s *session) watch() error {
	for {
		var msg message
		if err := s.ws.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read signaling message: %w", err)
		}

		switch msg.Type {
		case msgTypeOffer:
			if err := s.peer.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
			}); err != nil {
				return err
			}
			if err := s.describe(webrtc.SDPTypeAnswer); err != nil {
				return err
			}
			s.described.Store(true)

		case msgTypeAnswer:
			if err := s.peer.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
			}); err != nil {
				return err
			}
			s.described.Store(true)

		case msgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("failed to parse ICE candidate: %w", err)
			}
			// A candidate that races ahead of the remote description is lost;
			// the remaining ones still complete the connection.
			if err := s.peer.AddICECandidate(init); err != nil {
				util.LogDebug("[%08x] AddICECandidate failed: %v", s.peer.ID(), err)
			}
		}
	}
}
