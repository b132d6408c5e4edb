// Package metrics is the Prometheus implementation of
// server.MetricsCollector.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	s, _ := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithMetricsCollector(metrics.New(reg)),
//	)
//	http.Handle("/metrics", metrics.Handler(reg))
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gonzalop/s3ftpd/server"
)

// Collector records FTP server activity in Prometheus metrics.
type Collector struct {
	commandsTotal       *prometheus.CounterVec
	commandDuration     *prometheus.HistogramVec
	transfersTotal      *prometheus.CounterVec
	bytesTransferred    *prometheus.CounterVec
	transferDuration    *prometheus.HistogramVec
	connectionsTotal    *prometheus.CounterVec
	authenticationTotal *prometheus.CounterVec
}

var _ server.MetricsCollector = (*Collector)(nil)

// New registers the FTP metrics with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		commandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3ftpd_commands_total",
				Help: "Total number of FTP commands by command and status",
			},
			[]string{"command", "status"},
		),
		commandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "s3ftpd_command_duration_seconds",
				Help: "Duration of FTP commands in seconds",
				Buckets: []float64{
					0.001, // 1ms
					0.01,  // 10ms
					0.1,   // 100ms
					1,     // 1s
					10,    // 10s
					60,    // 1m
				},
			},
			[]string{"command"},
		),
		transfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3ftpd_transfers_total",
				Help: "Total number of completed data transfers by operation",
			},
			[]string{"operation"},
		),
		bytesTransferred: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3ftpd_bytes_transferred_total",
				Help: "Total bytes moved over data connections",
			},
			[]string{"operation", "direction"},
		),
		transferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "s3ftpd_transfer_duration_seconds",
				Help:    "Duration of data transfers in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 10, 6),
			},
			[]string{"operation"},
		),
		connectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3ftpd_connections_total",
				Help: "Total number of control connections by outcome",
			},
			[]string{"status", "reason"},
		),
		authenticationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3ftpd_authentications_total",
				Help: "Total number of login attempts by status",
			},
			[]string{"status"},
		),
	}
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// direction maps a transfer operation to the way bytes flow.
func direction(operation string) string {
	if operation == "STOR" {
		return "upload"
	}
	return "download"
}

func (c *Collector) RecordCommand(cmd string, success bool, duration time.Duration) {
	c.commandsTotal.WithLabelValues(cmd, status(success)).Inc()
	c.commandDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

func (c *Collector) RecordTransfer(operation string, bytes int64, duration time.Duration) {
	c.transfersTotal.WithLabelValues(operation).Inc()
	c.bytesTransferred.WithLabelValues(operation, direction(operation)).Add(float64(bytes))
	c.transferDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *Collector) RecordConnection(accepted bool, reason string) {
	s := "accepted"
	if !accepted {
		s = "rejected"
	}
	c.connectionsTotal.WithLabelValues(s, reason).Inc()
}

// RecordAuthentication ignores user: user names are unbounded label values.
func (c *Collector) RecordAuthentication(success bool, _ string) {
	c.authenticationTotal.WithLabelValues(status(success)).Inc()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
