// Package prommetrics exports server metrics to Prometheus.
//
//	reg := prometheus.NewRegistry()
//	collector := prommetrics.New(reg, "ftp")
//	srv, _ := server.NewServer(":21", server.WithMetricsCollector(collector))
//	collector.TrackConnections(srv.ActiveConnections)
package prommetrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fineftp/ftp/server"
)

// Collector implements server.MetricsCollector.
type Collector struct {
	reg prometheus.Registerer
	ns  string

	commands       *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec
	transfers      *prometheus.CounterVec
	transferBytes  *prometheus.CounterVec
	transferTime   *prometheus.HistogramVec
	connections    *prometheus.CounterVec
	authAttempts   *prometheus.CounterVec
	uploadRejected *prometheus.CounterVec
}

var _ server.MetricsCollector = (*Collector)(nil)

// New registers the FTP metrics with reg under namespace (default "ftp").
func New(reg prometheus.Registerer, namespace string) *Collector {
	if namespace == "" {
		namespace = "ftp"
	}
	c := &Collector{
		reg: reg,
		ns:  namespace,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server",
			Name: "commands_total",
			Help: "Dispatched FTP commands by verb and result.",
		}, []string{"command", "result"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "server",
			Name:    "command_duration_seconds",
			Help:    "Time to produce the immediate reply to a command.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"command"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server",
			Name: "transfers_total",
			Help: "Completed data transfers by operation.",
		}, []string{"operation"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server",
			Name: "transfer_bytes_total",
			Help: "Bytes moved over data connections by operation.",
		}, []string{"operation"}),
		transferTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "server",
			Name:    "transfer_duration_seconds",
			Help:    "Duration of completed data transfers.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"operation"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server",
			Name: "connections_total",
			Help: "Control connections by outcome.",
		}, []string{"result"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server",
			Name: "auth_attempts_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		uploadRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server",
			Name: "uploads_rejected_total",
			Help: "Uploads refused because another upload was running.",
		}, []string{"operation"}),
	}
	reg.MustRegister(
		c.commands, c.commandLatency,
		c.transfers, c.transferBytes, c.transferTime,
		c.connections, c.authAttempts, c.uploadRejected,
	)
	return c
}

// TrackConnections registers a gauge reading the number of open control
// connections from fn, usually Server.ActiveConnections.
func (c *Collector) TrackConnections(fn func() int) {
	c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.ns, Subsystem: "server",
		Name: "active_connections",
		Help: "Open control connections.",
	}, func() float64 { return float64(fn()) }))
}

// RecordCommand implements server.MetricsCollector.
func (c *Collector) RecordCommand(cmd string, success bool, duration time.Duration) {
	cmd = normalizeCommand(cmd)
	c.commands.WithLabelValues(cmd, result(success)).Inc()
	c.commandLatency.WithLabelValues(cmd).Observe(duration.Seconds())
}

// RecordTransfer implements server.MetricsCollector.
func (c *Collector) RecordTransfer(operation string, bytes int64, duration time.Duration) {
	c.transfers.WithLabelValues(operation).Inc()
	if bytes > 0 {
		c.transferBytes.WithLabelValues(operation).Add(float64(bytes))
	}
	c.transferTime.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordConnection implements server.MetricsCollector.
func (c *Collector) RecordConnection(accepted bool, reason string) {
	if accepted {
		reason = "accepted"
	}
	c.connections.WithLabelValues(reason).Inc()
}

// RecordAuthentication implements server.MetricsCollector. The user name
// is not used as a label.
func (c *Collector) RecordAuthentication(success bool, _ string) {
	c.authAttempts.WithLabelValues(result(success)).Inc()
}

// RecordUploadRejected implements server.MetricsCollector.
func (c *Collector) RecordUploadRejected(operation string) {
	c.uploadRejected.WithLabelValues(operation).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// normalizeCommand keeps the label set bounded: anything that is not a
// three or four letter verb is counted as "other".
func normalizeCommand(cmd string) string {
	cmd = strings.ToUpper(cmd)
	if len(cmd) < 3 || len(cmd) > 4 {
		return "other"
	}
	for _, r := range cmd {
		if r < 'A' || r > 'Z' {
			return "other"
		}
	}
	return cmd
}
