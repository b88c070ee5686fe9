// Package ops is the ambient logging and metrics surface every other
// package in this module is given, never constructs for itself. It mirrors
// the teacher's own ops.Publisher split (a Log sink plus a label/context
// carrier) but is retargeted at a single document-scoped provider instead of
// a distributed shard.
package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Labels identify the document context a log line or metric belongs to,
// attached to every entry so multi-tenant logs remain attributable.
type Labels struct {
	ProjectID  string
	DocumentID string
}

func (l Labels) fields() logrus.Fields {
	return logrus.Fields{"project_id": l.ProjectID, "document_id": l.DocumentID}
}

// Log is the minimal structured logger every component is handed.
// LocalLog is the only production implementation; tests may supply a
// capturing fake.
type Log interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// LocalLog publishes to the process-local logrus logger, matching the
// teacher's own ops.LocalPublisher.
type LocalLog struct {
	entry *logrus.Entry
}

func NewLocalLog(labels Labels) *LocalLog {
	return &LocalLog{entry: logrus.WithFields(labels.fields())}
}

func (l *LocalLog) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *LocalLog) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *LocalLog) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *LocalLog) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// Metrics are the prometheus collectors shared across breaker, queue, and
// provider instances within one process. Constructed once at process start
// and injected everywhere, per SPEC_FULL.md's ambient-stack convention.
type Metrics struct {
	BreakerState   *prometheus.GaugeVec
	QueueDepth     *prometheus.GaugeVec
	DLQDepth       *prometheus.GaugeVec
	ProviderStatus *prometheus.GaugeVec
	AppendTotal    *prometheus.CounterVec
}

// NewMetrics registers collab's metrics with reg. Passing
// prometheus.NewRegistry() keeps tests isolated from the global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var m = &Metrics{
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collab_breaker_state",
			Help: "Current circuit breaker state (0=closed,1=half_open,2=open) by breaker name.",
		}, []string{"breaker"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collab_queue_depth",
			Help: "Pending offline-queue operations by document.",
		}, []string{"document_id"}),
		DLQDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collab_dlq_depth",
			Help: "Dead-lettered operations by document.",
		}, []string{"document_id"}),
		ProviderStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collab_provider_status",
			Help: "Current provider lifecycle state (enumerated) by document.",
		}, []string{"document_id"}),
		AppendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_append_total",
			Help: "Update log append attempts by document and outcome.",
		}, []string{"document_id", "outcome"}),
	}
	reg.MustRegister(m.BreakerState, m.QueueDepth, m.DLQDepth, m.ProviderStatus, m.AppendTotal)
	return m
}
