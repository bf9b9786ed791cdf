// Package util provides logging, traffic statistics and small helpers
// shared by every package.
package util

import (
	"hash/fnv"
	"sync/atomic"
)

// ConnIDFromAddrs computes a 4-byte hash from a connection's local and
// remote addresses. The hash only labels log lines and metrics; it is
// not used for routing.
func ConnIDFromAddrs(local, remote string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(local))
	h.Write([]byte(remote))
	return h.Sum32()
}

var connCounter atomic.Uint32

// NextConnID returns a process-unique id for transports without addresses.
func NextConnID() uint32 {
	return connCounter.Add(1)
}
