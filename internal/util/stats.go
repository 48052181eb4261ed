package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Registry holds the relay's prometheus collectors. It is served at /metrics.
var Registry = prometheus.NewRegistry()

// Stats is the process-wide traffic/connection counter.
var Stats = newStats(Registry)

type stats struct {
	Sessions    atomic.Int64 // currently open control channels
	TotalConns  atomic.Int64 // cumulative count of bridged connections since process start
	ClosedConns atomic.Int64 // cumulative count of closed bridged connections
	BytesSent   atomic.Int64 // cumulative frame bytes written to control channels
	BytesRecv   atomic.Int64 // cumulative frame bytes read from control channels

	sessionsGauge prometheus.Gauge
	sessionsTotal prometheus.Counter
	connsTotal    prometheus.Counter
	connsClosed   prometheus.Counter
	bytesSent     prometheus.Counter
	bytesRecv     prometheus.Counter
	messages      *prometheus.CounterVec
	framingErrors prometheus.Counter
}

func newStats(reg *prometheus.Registry) *stats {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &stats{
		sessionsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dhtrelay",
			Name:      "active_sessions",
			Help:      "Number of open control channels",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dhtrelay",
			Name:      "sessions_total",
			Help:      "Total number of control channels accepted",
		}),
		connsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dhtrelay",
			Name:      "connections_total",
			Help:      "Total number of bridged connections",
		}),
		connsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dhtrelay",
			Name:      "connections_closed_total",
			Help:      "Total number of bridged connections torn down",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dhtrelay",
			Name:      "sent_bytes_total",
			Help:      "Frame bytes written to control channels",
		}),
		bytesRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dhtrelay",
			Name:      "received_bytes_total",
			Help:      "Frame bytes read from control channels",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dhtrelay",
			Name:      "messages_total",
			Help:      "Protocol messages by direction and type",
		}, []string{"direction", "type"}),
		framingErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dhtrelay",
			Name:      "framing_errors_total",
			Help:      "Control channels closed because of malformed frames",
		}),
	}
}

func (s *stats) OpenSession() {
	s.Sessions.Add(1)
	s.sessionsGauge.Inc()
	s.sessionsTotal.Inc()
}

func (s *stats) CloseSession() {
	s.Sessions.Add(-1)
	s.sessionsGauge.Dec()
}

func (s *stats) AddConn() {
	s.TotalConns.Add(1)
	s.connsTotal.Inc()
}

func (s *stats) RemoveConn() {
	s.ClosedConns.Add(1)
	s.connsClosed.Inc()
}

func (s *stats) AddSent(n int) {
	s.BytesSent.Add(int64(n))
	s.bytesSent.Add(float64(n))
}

func (s *stats) AddRecv(n int) {
	s.BytesRecv.Add(int64(n))
	s.bytesRecv.Add(float64(n))
}

// AddMessage counts one protocol message; direction is "in" or "out".
func (s *stats) AddMessage(direction, kind string) {
	s.messages.WithLabelValues(direction, kind).Inc()
}

func (s *stats) AddFramingError() {
	s.framingErrors.Inc()
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs relay statistics every
// interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalConns.Load()
				closed := Stats.ClosedConns.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				inC := total - prevTotal
				outC := closed - prevClosed

				if inC > 0 || outC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inC, outC, Stats.Sessions.Load()))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inC, outC, sessions int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓ | Sessions: %d",
		formatBytes(inS),
		formatBytes(outS),
		inC,
		outC,
		sessions,
	)
}
