package endpoint

import "sync/atomic"

// SeqGen is a per-connection outbound sequence counter. The reader, the
// ack timers and caller goroutines all send, so Next is atomic.
type SeqGen struct {
	val atomic.Uint32
}

// Next returns the next sequence number, starting at 0 and wrapping
// around after 2^32-1.
func (s *SeqGen) Next() uint32 {
	return s.val.Add(1) - 1
}
