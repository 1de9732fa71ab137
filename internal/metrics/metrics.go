// Package metrics holds the Prometheus collectors of a popsync process.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics is registered on its own registry so tests and the API server can
// each hold an instance.
type Metrics struct {
	reg *prometheus.Registry

	Invocations      *prometheus.CounterVec
	InvocationTime   *prometheus.HistogramVec
	Files            *prometheus.CounterVec
	Records          *prometheus.CounterVec
	IngestBytes      prometheus.Counter
	NotifyFailures   prometheus.Counter
	LastSuccessStamp prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Invocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "popsync",
			Name:      "invocations_total",
			Help:      "Invocations by trigger kind and outcome.",
		}, []string{"trigger", "status"}),
		InvocationTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "popsync",
			Name:      "invocation_duration_seconds",
			Help:      "Wall time of one invocation.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"trigger"}),
		Files: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "popsync",
			Name:      "catalog_files_total",
			Help:      "Catalog files by reconciliation action.",
		}, []string{"action"}),
		Records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "popsync",
			Name:      "dispatch_records_total",
			Help:      "Storage event records by dispatch status.",
		}, []string{"status"}),
		IngestBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "popsync",
			Name:      "ingest_bytes_total",
			Help:      "Bytes of population data stored.",
		}),
		NotifyFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "popsync",
			Name:      "notify_failures_total",
			Help:      "Completion notifications that could not be sent.",
		}),
		LastSuccessStamp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "popsync",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last invocation that finished without error.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Push sends the current values to a Pushgateway under job. One-shot runs
// have no scrape window, so this is how their counters leave the process.
func (m *Metrics) Push(gatewayURL, job string) error {
	if err := push.New(gatewayURL, job).Gatherer(m.reg).Push(); err != nil {
		return fmt.Errorf("push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}
