package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime connections accepted (TCP and WebSocket)
	ActiveConnections atomic.Int64
	TotalDisconnects  atomic.Int64

	// Authentication
	SuccessfulAuths atomic.Int64
	FailedAuths     atomic.Int64 // invalid name or name taken

	// Messaging
	MessagesStored atomic.Int64 // SEND appended to history
	LiveDeliveries atomic.Int64 // MESSAGE pushed to an online receiver
	StoreErrors    atomic.Int64
	PushErrors     atomic.Int64

	// History
	HistoryFetches atomic.Int64
	HistoryDeletes atomic.Int64

	ProtocolErrors atomic.Int64 // ERROR replies caused by malformed or out-of-state commands
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`

	MessagesStored int64 `json:"messages_stored"`
	LiveDeliveries int64 `json:"live_deliveries"`
	StoreErrors    int64 `json:"store_errors"`
	PushErrors     int64 `json:"push_errors"`

	HistoryFetches int64 `json:"history_fetches"`
	HistoryDeletes int64 `json:"history_deletes"`
	ProtocolErrors int64 `json:"protocol_errors"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		MessagesStored:    m.MessagesStored.Load(),
		LiveDeliveries:    m.LiveDeliveries.Load(),
		StoreErrors:       m.StoreErrors.Load(),
		PushErrors:        m.PushErrors.Load(),
		HistoryFetches:    m.HistoryFetches.Load(),
		HistoryDeletes:    m.HistoryDeletes.Load(),
		ProtocolErrors:    m.ProtocolErrors.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a metrics summary to logger.
func (m *Metrics) LogSummary(logger *slog.Logger) {
	s := m.Snapshot()
	logger.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"messages", s.MessagesStored,
		"live", s.LiveDeliveries,
		"store_errors", s.StoreErrors,
	)
}

// StartPeriodicLog logs a summary every interval until done is closed.
func (m *Metrics) StartPeriodicLog(logger *slog.Logger, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary(logger)
			}
		}
	}()
}

// metricsCollector exports Metrics to Prometheus at scrape time.
type metricsCollector struct {
	m      *Metrics
	online func() int

	uptime   *prometheus.Desc
	sessions *prometheus.Desc
	counters []valueDesc
	gauges   []valueDesc
}

type valueDesc struct {
	desc  *prometheus.Desc
	value *atomic.Int64
}

func newMetricsCollector(m *Metrics, online func() int) *metricsCollector {
	counter := func(name, help string, v *atomic.Int64) valueDesc {
		return valueDesc{desc: prometheus.NewDesc("chatline_"+name, help, nil, nil), value: v}
	}
	return &metricsCollector{
		m:        m,
		online:   online,
		uptime:   prometheus.NewDesc("chatline_uptime_seconds", "Server uptime in seconds.", nil, nil),
		sessions: prometheus.NewDesc("chatline_sessions_authenticated", "Sessions currently in the registry.", nil, nil),
		counters: []valueDesc{
			counter("connections_total", "Lifetime connections accepted.", &m.TotalConnections),
			counter("disconnects_total", "Total client disconnects.", &m.TotalDisconnects),
			counter("auth_success_total", "Successful authentication attempts.", &m.SuccessfulAuths),
			counter("auth_failed_total", "Failed authentication attempts.", &m.FailedAuths),
			counter("messages_stored_total", "Messages appended to history.", &m.MessagesStored),
			counter("deliveries_live_total", "Messages pushed to an online receiver.", &m.LiveDeliveries),
			counter("store_errors_total", "Failed history appends.", &m.StoreErrors),
			counter("push_errors_total", "Failed live pushes.", &m.PushErrors),
			counter("history_fetches_total", "GET commands served.", &m.HistoryFetches),
			counter("history_deletes_total", "DELETE commands served.", &m.HistoryDeletes),
			counter("protocol_errors_total", "ERROR replies to malformed or out-of-state commands.", &m.ProtocolErrors),
		},
		gauges: []valueDesc{
			counter("connections_active", "Current open connections.", &m.ActiveConnections),
		},
	}
}

func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.uptime
	ch <- c.sessions
	for _, d := range c.counters {
		ch <- d.desc
	}
	for _, d := range c.gauges {
		ch <- d.desc
	}
}

func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, time.Since(c.m.startTime).Seconds())
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(c.online()))
	for _, d := range c.counters {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, float64(d.value.Load()))
	}
	for _, d := range c.gauges {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.GaugeValue, float64(d.value.Load()))
	}
}

// newPrometheusRegistry returns a registry holding the server collector and
// the Go runtime collector.
func newPrometheusRegistry(m *Metrics, online func() int) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newMetricsCollector(m, online),
		collectors.NewGoCollector(),
	)
	return reg
}
