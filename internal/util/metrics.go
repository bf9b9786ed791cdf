package util

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// RegisterMetrics exports the Stats counters to reg. Calling it twice on
// the same registerer returns the AlreadyRegistered error of the first
// duplicate collector.
func RegisterMetrics(reg prometheus.Registerer) error {
	counters := []struct {
		name string
		help string
		v    *atomic.Int64
	}{
		{"connections_opened_total", "Connections opened.", &Stats.TotalConns},
		{"connections_closed_total", "Connections closed.", &Stats.ClosedConns},
		{"packets_received_total", "Inbound packets decoded.", &Stats.PacketsIn},
		{"packets_sent_total", "Outbound packets written.", &Stats.PacketsOut},
		{"received_bytes_total", "Inbound bytes including headers.", &Stats.BytesIn},
		{"sent_bytes_total", "Outbound bytes including headers.", &Stats.BytesOut},
		{"acks_forced_total", "Standalone acks sent after the ack delay.", &Stats.AcksForced},
		{"acks_piggybacked_total", "Outbound packets that carried a pending ack.", &Stats.AcksPiggyback},
		{"packets_dropped_total", "Packets dropped by framing, payload or routing.", &Stats.Dropped},
		{"handler_errors_total", "Service handler failures.", &Stats.HandlerErrors},
		{"channels_negotiated_total", "Channels bound by a handshake.", &Stats.Negotiations},
	}

	for _, c := range counters {
		v := c.v
		collector := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "jsrf",
			Name:      c.name,
			Help:      c.help,
		}, func() float64 { return float64(v.Load()) })
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}
