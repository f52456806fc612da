package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	WAIncomingMessages  *prometheus.CounterVec
	WAOutgoingMessages  *prometheus.CounterVec
	DispatchFailures    *prometheus.CounterVec
	AutoReplyMatches    prometheus.Counter
	ScheduledDispatches *prometheus.CounterVec
	BulkMessages        *prometheus.CounterVec
	BulkRuns            prometheus.Counter
	Errors              *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			WAIncomingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_incoming_messages_total",
				Help:      "Total incoming WhatsApp messages processed.",
			}, []string{"type"}),
			WAOutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_outgoing_messages_total",
				Help:      "Total outgoing WhatsApp messages sent.",
			}, []string{"type"}),
			DispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_failures_total",
				Help:      "Total failed dispatch attempts by reason.",
			}, []string{"reason"}),
			AutoReplyMatches: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auto_reply_matches_total",
				Help:      "Total inbound messages matched by an auto-reply rule.",
			}),
			ScheduledDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_dispatches_total",
				Help:      "Total scheduled message dispatches by outcome.",
			}, []string{"status"}),
			BulkMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bulk_messages_total",
				Help:      "Total bulk send attempts by outcome.",
			}, []string{"status"}),
			BulkRuns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bulk_runs_total",
				Help:      "Total bulk send runs started.",
			}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.WAIncomingMessages,
			metricsInstance.WAOutgoingMessages,
			metricsInstance.DispatchFailures,
			metricsInstance.AutoReplyMatches,
			metricsInstance.ScheduledDispatches,
			metricsInstance.BulkMessages,
			metricsInstance.BulkRuns,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
