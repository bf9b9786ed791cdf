package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/jsrf/internal/util"
)

const (
	// DefaultPath is where Listen accepts protocol connections.
	DefaultPath = "/ws"

	maxMessageSize = 16 * 1024 * 1024
	closeGrace     = time.Second
	acceptBacklog  = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla WebSocket to Conn. A reader goroutine feeds the
// inbox; a sender goroutine owns every data write.
type wsConn struct {
	id     uint32
	conn   *websocket.Conn
	sender *sender
	inbox  chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewWebSocketConn wraps an established WebSocket. The returned Conn owns
// ws and closes it on Close.
func NewWebSocketConn(ws *websocket.Conn) Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		id:     util.ConnIDFromAddrs(ws.LocalAddr().String(), ws.RemoteAddr().String()),
		conn:   ws,
		inbox:  make(chan []byte, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	ws.SetReadLimit(maxMessageSize)

	open := make(chan struct{})
	close(open)
	c.sender = newSender(ctx, func(msg []byte) error {
		return ws.WriteMessage(websocket.BinaryMessage, msg)
	}, func(err error) {
		util.LogDebug("[%08x] websocket write failed: %v", c.id, err)
		c.Close()
	}, open, nil)

	go c.readLoop()
	return c
}

// readLoop forwards binary messages to the inbox until the socket fails.
func (c *wsConn) readLoop() {
	defer c.Close()
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					util.LogDebug("[%08x] websocket read failed: %v", c.id, err)
				}
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		select {
		case c.inbox <- data:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *wsConn) ID() uint32 { return c.id }

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	return c.sender.send(ctx, data)
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	return receive(ctx, c.inbox, c.ctx.Done())
}

func (c *wsConn) Done() <-chan struct{} { return c.ctx.Done() }

// Close sends a close frame best-effort and releases the socket.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		err = c.conn.Close()
	})
	return err
}

// Dial connects to a WebSocket URL such as ws://host:port/ws.
func Dial(ctx context.Context, url string) (Conn, error) {
	ws, err := DialWebSocket(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(ws), nil
}

// DialWebSocket returns the raw socket, for callers that speak another
// protocol on it first (WebRTC signaling).
func DialWebSocket(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return conn, nil
}

// Listener accepts protocol connections over WebSocket upgrades.
type Listener struct {
	listener net.Listener
	mux      *http.ServeMux
	server   *http.Server
	connCh   chan Conn
	done     chan struct{}
	once     sync.Once
}

// Listen starts an HTTP server on addr that upgrades requests on
// DefaultPath into protocol connections.
func Listen(addr string) (*Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start WS server: %w", err)
	}

	l := &Listener{
		listener: listener,
		mux:      http.NewServeMux(),
		connCh:   make(chan Conn, acceptBacklog),
		done:     make(chan struct{}),
	}
	l.mux.HandleFunc(DefaultPath, l.handleWS)
	l.server = &http.Server{Handler: l.mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		_ = l.server.Serve(listener)
	}()

	return l, nil
}

// HandleUpgrade serves another path whose upgraded sockets are handed to
// fn instead of the accept queue.
func (l *Listener) HandleUpgrade(path string, fn func(ws *websocket.Conn)) {
	l.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fn(ws)
	})
}

func (l *Listener) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	l.Deliver(NewWebSocketConn(ws))
}

// Deliver pushes an externally established connection into the accept
// queue. The connection is closed if the listener is shut down first.
func (l *Listener) Deliver(c Conn) {
	select {
	case l.connCh <- c:
	case <-l.done:
		c.Close()
	}
}

// Accept blocks until a client connects, the listener closes or ctx is
// cancelled.
func (l *Listener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// URL returns the ws:// URL clients should dial.
func (l *Listener) URL() string {
	return fmt.Sprintf("ws://%s%s", l.listener.Addr().String(), DefaultPath)
}

// Close shuts down the HTTP server, preventing new connections.
// Connections already accepted stay open.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.server.Close()
	})
	return err
}
