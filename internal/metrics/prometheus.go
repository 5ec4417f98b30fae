package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal   *prometheus.CounterVec
	connectionsActive  *prometheus.GaugeVec
	tlsConnectionTotal *prometheus.CounterVec

	authAttemptsTotal *prometheus.CounterVec

	commandsTotal *prometheus.CounterVec

	messagesStoredTotal    prometheus.Counter
	messagesRetrievedTotal *prometheus.CounterVec
	messagesDeletedTotal   *prometheus.CounterVec
	messagesListedTotal    *prometheus.CounterVec
	messagesSizeBytes      *prometheus.HistogramVec

	relayRejectedTotal *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcored_connections_total",
			Help: "Total number of connections opened, by protocol.",
		}, []string{"protocol"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailcored_connections_active",
			Help: "Number of currently active connections, by protocol.",
		}, []string{"protocol"}),
		tlsConnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcored_tls_connections_total",
			Help: "Total number of TLS connections established, by protocol.",
		}, []string{"protocol"}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcored_auth_attempts_total",
			Help: "Total number of authentication attempts, by protocol and result.",
		}, []string{"protocol", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcored_commands_total",
			Help: "Total number of protocol commands processed.",
		}, []string{"protocol", "command"}),

		messagesStoredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailcored_messages_stored_total",
			Help: "Total number of messages accepted and persisted by SMTP.",
		}),
		messagesRetrievedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcored_messages_retrieved_total",
			Help: "Total number of messages retrieved, by protocol.",
		}, []string{"protocol"}),
		messagesDeletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcored_messages_deleted_total",
			Help: "Total number of messages deleted, by protocol.",
		}, []string{"protocol"}),
		messagesListedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcored_messages_listed_total",
			Help: "Total number of message list operations, by protocol.",
		}, []string{"protocol"}),
		messagesSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailcored_messages_size_bytes",
			Help:    "Size of messages transferred, by protocol.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}, []string{"protocol"}),

		relayRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcored_relay_rejected_total",
			Help: "Total number of SMTP messages rejected by the relay policy, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsConnectionTotal,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.messagesStoredTotal,
		c.messagesRetrievedTotal,
		c.messagesDeletedTotal,
		c.messagesListedTotal,
		c.messagesSizeBytes,
		c.relayRejectedTotal,
	)

	return c
}

func (c *PrometheusCollector) ConnectionOpened(protocol string) {
	c.connectionsTotal.WithLabelValues(protocol).Inc()
	c.connectionsActive.WithLabelValues(protocol).Inc()
}

func (c *PrometheusCollector) ConnectionClosed(protocol string) {
	c.connectionsActive.WithLabelValues(protocol).Dec()
}

func (c *PrometheusCollector) TLSConnectionEstablished(protocol string) {
	c.tlsConnectionTotal.WithLabelValues(protocol).Inc()
}

func (c *PrometheusCollector) AuthAttempt(protocol string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(protocol, result).Inc()
}

func (c *PrometheusCollector) CommandProcessed(protocol, command string) {
	c.commandsTotal.WithLabelValues(protocol, command).Inc()
}

func (c *PrometheusCollector) MessageStored(sizeBytes int64) {
	c.messagesStoredTotal.Inc()
	c.messagesSizeBytes.WithLabelValues("smtp").Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) MessageRetrieved(protocol string, sizeBytes int64) {
	c.messagesRetrievedTotal.WithLabelValues(protocol).Inc()
	c.messagesSizeBytes.WithLabelValues(protocol).Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) MessageDeleted(protocol string) {
	c.messagesDeletedTotal.WithLabelValues(protocol).Inc()
}

func (c *PrometheusCollector) MessageListed(protocol string) {
	c.messagesListedTotal.WithLabelValues(protocol).Inc()
}

func (c *PrometheusCollector) RelayRejected(reason string) {
	c.relayRejectedTotal.WithLabelValues(reason).Inc()
}
