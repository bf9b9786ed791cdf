package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide protocol traffic counter.
var Stats = &stats{}

type stats struct {
	TotalConns    atomic.Int64 // connections opened since process start
	ClosedConns   atomic.Int64 // connections closed since process start
	PacketsIn     atomic.Int64 // inbound packets decoded
	PacketsOut    atomic.Int64 // outbound packets written
	BytesIn       atomic.Int64 // inbound bytes, headers included
	BytesOut      atomic.Int64 // outbound bytes, headers included
	AcksForced    atomic.Int64 // standalone acks sent
	AcksPiggyback atomic.Int64 // outbound packets that carried a pending ack
	Dropped       atomic.Int64 // packets dropped by framing, payload or routing
	HandlerErrors atomic.Int64 // handler failures caught by the dispatcher
	Negotiations  atomic.Int64 // channels bound by a handshake
}

func (s *stats) AddConn()         { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()      { s.ClosedConns.Add(1) }
func (s *stats) AddIn(n int)      { s.PacketsIn.Add(1); s.BytesIn.Add(int64(n)) }
func (s *stats) AddOut(n int)     { s.PacketsOut.Add(1); s.BytesOut.Add(int64(n)) }
func (s *stats) AddForcedAck()    { s.AcksForced.Add(1) }
func (s *stats) AddPiggyback()    { s.AcksPiggyback.Add(1) }
func (s *stats) AddDrop()         { s.Dropped.Add(1) }
func (s *stats) AddHandlerError() { s.HandlerErrors.Add(1) }
func (s *stats) AddNegotiation()  { s.Negotiations.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs protocol statistics
// every interval. Quiet intervals are skipped. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur.sub(prev), interval))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	opened, closed, pktIn, pktOut, bytesIn, bytesOut, forced, piggy, dropped int64
}

func takeSnapshot() snapshot {
	return snapshot{
		opened:   Stats.TotalConns.Load(),
		closed:   Stats.ClosedConns.Load(),
		pktIn:    Stats.PacketsIn.Load(),
		pktOut:   Stats.PacketsOut.Load(),
		bytesIn:  Stats.BytesIn.Load(),
		bytesOut: Stats.BytesOut.Load(),
		forced:   Stats.AcksForced.Load(),
		piggy:    Stats.AcksPiggyback.Load(),
		dropped:  Stats.Dropped.Load(),
	}
}

func (s snapshot) sub(o snapshot) snapshot {
	return snapshot{
		opened:   s.opened - o.opened,
		closed:   s.closed - o.closed,
		pktIn:    s.pktIn - o.pktIn,
		pktOut:   s.pktOut - o.pktOut,
		bytesIn:  s.bytesIn - o.bytesIn,
		bytesOut: s.bytesOut - o.bytesOut,
		forced:   s.forced - o.forced,
		piggy:    s.piggy - o.piggy,
		dropped:  s.dropped - o.dropped,
	}
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width string (exactly 8 chars),
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders one reporting interval's deltas.
func formatStats(d snapshot, interval time.Duration) string {
	secs := interval.Seconds()
	return fmt.Sprintf("In: %s/s %4d pkt | Out: %s/s %4d pkt | Ack: %3d forced %3d piggyback | Drop: %3d | Conn: %2d↑ %2d↓",
		formatBytes(float64(d.bytesIn)/secs),
		d.pktIn,
		formatBytes(float64(d.bytesOut)/secs),
		d.pktOut,
		d.forced,
		d.piggy,
		d.dropped,
		d.opened,
		d.closed,
	)
}
