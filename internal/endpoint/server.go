package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/1ureka/jsrf/internal/protocol"
	"github.com/1ureka/jsrf/internal/signaling"
	"github.com/1ureka/jsrf/internal/transport"
	"github.com/1ureka/jsrf/internal/util"
)

type service struct {
	typ     protocol.ServiceType
	handler Handler
}

// Server is the Responder endpoint. Every accepted transport gets its own
// Conn with an independent seq counter, ack table and registry; only the
// service templates registered on the Server are shared.
type Server struct {
	opts Options
	pool *ants.Pool

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	services map[string]service
	closed   bool
}

// NewServer creates a server whose connection pipelines run on a pool of
// opts.PoolSize workers.
func NewServer(opts Options) (*Server, error) {
	if _, err := opts.codec(); err != nil {
		return nil, err
	}
	size := opts.PoolSize
	if size <= 0 {
		size = defaultPoolSize
	}
	pool, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	return &Server{
		opts:     opts,
		pool:     pool,
		conns:    make(map[*Conn]struct{}),
		services: make(map[string]service),
	}, nil
}

// RegisterService attaches h to serviceID on every connection: channels
// already negotiated get it now, later DIG_CHANNEL requests bind with it.
func (s *Server) RegisterService(serviceID string, typ protocol.ServiceType, h Handler) {
	s.mu.Lock()
	s.services[serviceID] = service{typ: typ, handler: h}
	conns := s.snapshotLocked()
	s.mu.Unlock()

	for _, c := range conns {
		if id, ok := c.reg.ChannelOf(serviceID); ok {
			_ = c.reg.Update(id, typ, h, h != nil)
		}
	}
}

func (s *Server) template(serviceID string) (service, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[serviceID]
	return svc, ok
}

// ServeConn starts a Responder pipeline over tr. The server owns tr from
// now on; the Conn is removed from the server when it closes.
func (s *Server) ServeConn(ctx context.Context, tr transport.Conn) (*Conn, error) {
	c, err := newConn(ctx, tr, Responder, s.opts)
	if err != nil {
		tr.Close()
		return nil, err
	}
	c.templates = s.template
	c.onClose = s.remove

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Close()
		return nil, ErrServerClosed
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	if err := s.pool.Submit(c.run); err != nil {
		c.Close()
		return nil, fmt.Errorf("server at capacity: %w", err)
	}
	util.LogInfo("[%08x] peer connected (%d active)", c.id, s.Len())
	return c, nil
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Serve accepts connections from l until ctx ends or l is closed.
func (s *Server) Serve(ctx context.Context, l *transport.Listener) error {
	for {
		tr, err := l.Accept(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if _, err := s.ServeConn(ctx, tr); err != nil {
			if errors.Is(err, ErrServerClosed) {
				return nil
			}
			util.LogWarning("[%08x] rejected: %v", tr.ID(), err)
		}
	}
}

// ListenAndServe listens on addr for WebSocket peers on /ws and WebRTC
// peers signaled over /rtc, and serves them until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string, iceURLs ...string) error {
	l, err := transport.Listen(addr)
	if err != nil {
		return err
	}
	defer l.Close()
	l.HandleUpgrade(signaling.Path, signaling.Accept(ctx, l, iceURLs...))

	util.LogSuccess("Listening on %s (WebRTC signaling on %s)", l.URL(), signaling.Path)
	return s.Serve(ctx, l)
}

// Conns returns the live connections.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Len returns the number of live connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) snapshotLocked() []*Conn {
	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Close closes every connection and releases the worker pool.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := s.snapshotLocked()
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	s.pool.Release()
	return nil
}
