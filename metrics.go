package tcpmsg

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the server's Prometheus instrumentation. It is registered on
// a server-owned registry and exposed through the admin API's /metrics
// endpoint.
type Metrics struct {
	ConnectedClients prometheus.Gauge
	MessagesReceived prometheus.Counter
	MessagesSent     prometheus.Counter
	BytesReceived    prometheus.Counter
	BytesSent        prometheus.Counter
	AuthFailures     prometheus.Counter
	SyncTimeouts     prometheus.Counter
	IdleEvictions    prometheus.Counter
	KickedClients    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectedClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tcpmsg", Name: "connected_clients",
			Help: "Currently connected sessions.",
		}),
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tcpmsg", Name: "messages_received_total",
			Help: "Data messages fully received from peers.",
		}),
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tcpmsg", Name: "messages_sent_total",
			Help: "Data messages written to peers.",
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tcpmsg", Name: "payload_bytes_received_total",
			Help: "Payload bytes received from peers.",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tcpmsg", Name: "payload_bytes_sent_total",
			Help: "Payload bytes written to peers.",
		}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tcpmsg", Name: "auth_failures_total",
			Help: "Authentication attempts declined.",
		}),
		SyncTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tcpmsg", Name: "sync_timeouts_total",
			Help: "Synchronous waits that expired without a response.",
		}),
		IdleEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tcpmsg", Name: "idle_evictions_total",
			Help: "Sessions evicted by the idle reaper.",
		}),
		KickedClients: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tcpmsg", Name: "kicked_clients_total",
			Help: "Sessions removed by DisconnectClient.",
		}),
	}
}

// runStatsLog logs aggregate transfer stats every interval until ctx is
// cancelled.
func (s *Server) runStatsLog(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var rx, tx int64
			sessions := s.reg.list()
			for _, sess := range sessions {
				rx += sess.stream.BytesRead()
				tx += sess.stream.BytesWritten()
			}
			if len(sessions) > 0 {
				s.log.Info("stats",
					slog.Int("clients", len(sessions)),
					slog.String("rx", humanize.Bytes(uint64(rx))),
					slog.String("tx", humanize.Bytes(uint64(tx))))
			}
		}
	}
}
