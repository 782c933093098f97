// Package metrics holds the prometheus collectors for the pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_events_consumed_total",
		Help: "Envelopes fetched from the transport by result",
	}, []string{"result"})

	EffectsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_effects_total",
		Help: "Effect applications by event type and outcome",
	}, []string{"event_type", "outcome"})

	EffectDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_effect_duration_seconds",
		Help:    "Time spent applying an effect including the ledger write",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"event_type"})

	RetryBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_retry_rows_total",
		Help: "Pending rows handled by the retry scheduler by result",
	}, []string{"result"})

	RetryBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_retry_batch_duration_seconds",
		Help:    "Duration of one retry scheduler batch",
		Buckets: prometheus.DefBuckets,
	})

	Alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_alerts_total",
		Help: "Operator alerts raised by kind",
	}, []string{"kind"})

	BrokerChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_open_channels",
		Help: "Live push channels registered with the broker",
	})

	BrokerPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_messages_pushed_total",
		Help: "Notification messages queued onto live channels",
	})

	BrokerDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_messages_dropped_total",
		Help: "Notification messages evicted from full channel queues",
	})
)

// RecordEffect records one effect application.
func RecordEffect(eventType, outcome string, elapsed time.Duration) {
	EffectsProcessed.WithLabelValues(eventType, outcome).Inc()
	EffectDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
}

// RecordConsumed records the handling of one transport message.
func RecordConsumed(result string) {
	EventsConsumed.WithLabelValues(result).Inc()
}

// RecordRetry records the handling of one pending row.
func RecordRetry(result string) {
	RetryBatches.WithLabelValues(result).Inc()
}

// RecordAlert records an operator alert.
func RecordAlert(kind string) {
	Alerts.WithLabelValues(kind).Inc()
}
