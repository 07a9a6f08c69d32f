// Package metrics is the write-only counters and gauges surface of the
// publisher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives publisher measurements. Group labels are writer group ids.
type Sink interface {
	SetSessionCount(n int)
	SetJobCount(n int)
	SetHostVersion(v uint32)
	AddNotificationsProcessed(group string, n int)
	AddNotificationsDropped(group string, n int)
	AddMessagesProcessed(group string, n int)
	SetAvgMessageSize(group string, v float64)
	SetAvgNotificationsPerMessage(group string, v float64)
	SetMaxMessageSplitRatio(group string, v float64)
	AddMessagesSent(group string, n int)
	AddSendFailures(group string, n int)
}

type Nop struct{}

func (Nop) SetSessionCount(int)                           {}
func (Nop) SetJobCount(int)                               {}
func (Nop) SetHostVersion(uint32)                         {}
func (Nop) AddNotificationsProcessed(string, int)         {}
func (Nop) AddNotificationsDropped(string, int)           {}
func (Nop) AddMessagesProcessed(string, int)              {}
func (Nop) SetAvgMessageSize(string, float64)             {}
func (Nop) SetAvgNotificationsPerMessage(string, float64) {}
func (Nop) SetMaxMessageSplitRatio(string, float64)       {}
func (Nop) AddMessagesSent(string, int)                   {}
func (Nop) AddSendFailures(string, int)                   {}

const namespace = "opcua_publisher"

type Prometheus struct {
	sessions               prometheus.Gauge
	jobs                   prometheus.Gauge
	hostVersion            prometheus.Gauge
	notificationsProcessed *prometheus.CounterVec
	notificationsDropped   *prometheus.CounterVec
	messagesProcessed      *prometheus.CounterVec
	avgMessageSize         *prometheus.GaugeVec
	avgNotificationsPerMsg *prometheus.GaugeVec
	maxSplitRatio          *prometheus.GaugeVec
	messagesSent           *prometheus.CounterVec
	sendFailures           *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them with registerer.
func NewPrometheus(registerer prometheus.Registerer) (*Prometheus, error) {
	groupLabel := []string{"writer_group"}
	p := &Prometheus{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "count",
			Help:      "Number of sessions held by the session pool",
		}),
		jobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "jobs",
			Help:      "Number of running writer group jobs",
		}),
		hostVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "version",
			Help:      "Number of successfully applied writer group configurations",
		}),
		notificationsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "encoder",
			Name:      "notifications_processed_total",
			Help:      "Subscription notifications encoded into messages",
		}, groupLabel),
		notificationsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "encoder",
			Name:      "notifications_dropped_total",
			Help:      "Subscription notifications dropped because they were too large or unusable",
		}, groupLabel),
		messagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "encoder",
			Name:      "messages_processed_total",
			Help:      "Message chunks produced by the encoder",
		}, groupLabel),
		avgMessageSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "encoder",
			Name:      "message_size_average_bytes",
			Help:      "Average size of an encoded message chunk",
		}, groupLabel),
		avgNotificationsPerMsg: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "encoder",
			Name:      "notifications_per_message_average",
			Help:      "Average number of notifications carried by a message chunk",
		}, groupLabel),
		maxSplitRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "encoder",
			Name:      "message_split_ratio_max",
			Help:      "Largest number of chunks a single notification had to be split into",
		}, groupLabel),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_sent_total",
			Help:      "Messages handed to the transport",
		}, groupLabel),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "send_failures_total",
			Help:      "Messages the transport failed to send",
		}, groupLabel),
	}

	collectors := []prometheus.Collector{
		p.sessions, p.jobs, p.hostVersion,
		p.notificationsProcessed, p.notificationsDropped, p.messagesProcessed,
		p.avgMessageSize, p.avgNotificationsPerMsg, p.maxSplitRatio,
		p.messagesSent, p.sendFailures,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) SetSessionCount(n int) { p.sessions.Set(float64(n)) }

func (p *Prometheus) SetJobCount(n int) { p.jobs.Set(float64(n)) }

func (p *Prometheus) SetHostVersion(v uint32) { p.hostVersion.Set(float64(v)) }

func (p *Prometheus) AddNotificationsProcessed(group string, n int) {
	p.notificationsProcessed.WithLabelValues(group).Add(float64(n))
}

func (p *Prometheus) AddNotificationsDropped(group string, n int) {
	p.notificationsDropped.WithLabelValues(group).Add(float64(n))
}

func (p *Prometheus) AddMessagesProcessed(group string, n int) {
	p.messagesProcessed.WithLabelValues(group).Add(float64(n))
}

func (p *Prometheus) SetAvgMessageSize(group string, v float64) {
	p.avgMessageSize.WithLabelValues(group).Set(v)
}

func (p *Prometheus) SetAvgNotificationsPerMessage(group string, v float64) {
	p.avgNotificationsPerMsg.WithLabelValues(group).Set(v)
}

func (p *Prometheus) SetMaxMessageSplitRatio(group string, v float64) {
	p.maxSplitRatio.WithLabelValues(group).Set(v)
}

func (p *Prometheus) AddMessagesSent(group string, n int) {
	p.messagesSent.WithLabelValues(group).Add(float64(n))
}

func (p *Prometheus) AddSendFailures(group string, n int) {
	p.sendFailures.WithLabelValues(group).Add(float64(n))
}
