// Package metrics records the gateway's Prometheus series.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Recorder owns every metric the gateway exposes on /metrics. The series names
// are part of the external contract and must not change.
type Recorder struct {
	registry *prometheus.Registry

	UpdatesTotal      prometheus.Counter
	InboundTotal      prometheus.Counter
	IgnoredTotal      prometheus.Counter
	StreamingFailures prometheus.Counter
	SignatureFailures prometheus.Counter
	WebhookRTT        prometheus.Histogram

	placeholderLatency prometheus.Gauge

	mu               sync.Mutex
	placeholderSum   float64
	placeholderCount int64
}

func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telegram_updates_total",
			Help: "Telegram updates received on the webhook endpoint.",
		}),
		InboundTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telegram_inbound_total",
			Help: "Updates that produced a validated core envelope.",
		}),
		IgnoredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telegram_ignored_total",
			Help: "Updates recognised but not actionable.",
		}),
		StreamingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telegram_streaming_failures",
			Help: "Failures while streaming or editing outbound messages.",
		}),
		SignatureFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webhook_signature_failures",
			Help: "Webhook requests rejected by the secret token gate.",
		}),
		WebhookRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "webhook_rtt_ms",
			Help:    "Webhook handling round trip in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000},
		}),
		placeholderLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telegram_placeholder_latency",
			Help: "Average latency until the placeholder reply, milliseconds.",
		}),
	}

	registry.MustRegister(
		r.UpdatesTotal,
		r.InboundTotal,
		r.IgnoredTotal,
		r.StreamingFailures,
		r.SignatureFailures,
		r.WebhookRTT,
		r.placeholderLatency,
	)

	return r
}

// ObservePlaceholderLatency folds a placeholder latency sample into the
// running average gauge.
func (r *Recorder) ObservePlaceholderLatency(ms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.placeholderSum += ms
	r.placeholderCount++
	r.placeholderLatency.Set(r.placeholderSum / float64(r.placeholderCount))
}

// Handler returns the Prometheus text-format handler for this recorder's
// registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gather exposes the underlying registry for tests.
func (r *Recorder) Gather() ([]*dto.MetricFamily, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return nil, err
	}

	return families, nil
}
