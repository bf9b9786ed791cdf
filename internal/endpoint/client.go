package endpoint

import (
	"context"

	"github.com/1ureka/jsrf/internal/transport"
	"github.com/1ureka/jsrf/internal/util"
)

// Client is the Initiator endpoint: one connection that digs channels for
// the services it registers.
type Client struct {
	*Conn
}

// NewClient starts the pipeline over an established transport. The Client
// owns tr from now on.
func NewClient(ctx context.Context, tr transport.Conn, opts Options) (*Client, error) {
	c, err := newConn(ctx, tr, Initiator, opts)
	if err != nil {
		tr.Close()
		return nil, err
	}
	go c.run()
	return &Client{Conn: c}, nil
}

// Dial connects to a server's WebSocket endpoint, e.g. ws://host:port/ws.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	tr, err := transport.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	util.LogDebug("[%08x] connected to %s", tr.ID(), url)
	return NewClient(ctx, tr, opts)
}
