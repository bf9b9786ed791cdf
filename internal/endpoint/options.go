package endpoint

import (
	"time"

	"github.com/1ureka/jsrf/internal/ack"
	"github.com/1ureka/jsrf/internal/protocol"
)

// Options tunes an endpoint. The zero value is usable: JSON payloads, the
// default ack delay and a negotiation that waits as long as ctx allows.
type Options struct {
	// Format selects a registered payload codec by tag ("json", "cbor",
	// "msgpack", "json+zstd", ...). Codec, when set, takes precedence.
	Format string
	Codec  protocol.PayloadCodec

	// AckDelay is how long an inbound packet waits for a piggyback before
	// a standalone ack is forced.
	AckDelay time.Duration

	// NegotiationTimeout bounds each DIG_CHANNEL attempt; zero waits
	// indefinitely. NegotiationRetries is the number of identical resends
	// after the first attempt times out.
	NegotiationTimeout time.Duration
	NegotiationRetries int

	// PoolSize caps the number of connections a Server runs at once.
	PoolSize int

	// OnError receives every error caught inside a connection's inbound
	// pipeline. It must not block.
	OnError func(c *Conn, err error)
}

const defaultPoolSize = 1024

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{
		Format:             protocol.FormatJSON,
		AckDelay:           ack.DefaultDelay,
		NegotiationTimeout: 5 * time.Second,
		NegotiationRetries: 2,
		PoolSize:           defaultPoolSize,
	}
}

func (o Options) codec() (protocol.PayloadCodec, error) {
	if o.Codec != nil {
		return o.Codec, nil
	}
	return protocol.LookupCodec(o.Format)
}
