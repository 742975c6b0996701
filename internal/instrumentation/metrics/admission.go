package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AdmissionCollector counts gate decisions and request latency. It satisfies
// the middleware DecisionRecorder and RequestObserver interfaces.
type AdmissionCollector struct {
	decisions *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

func NewAdmissionCollector() *AdmissionCollector {
	return &AdmissionCollector{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bundleapi_admission_decisions_total",
			Help: "Admission decisions by gate stage and outcome",
		}, []string{"stage", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bundleapi_http_request_duration_seconds",
			Help:    "HTTP request latency by method and status code",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "code"}),
	}
}

func (c *AdmissionCollector) MetricsName() string {
	return "admission"
}

func (c *AdmissionCollector) Describe(ch chan<- *prometheus.Desc) {
	c.decisions.Describe(ch)
	c.duration.Describe(ch)
}

func (c *AdmissionCollector) Collect(ch chan<- prometheus.Metric) {
	c.decisions.Collect(ch)
	c.duration.Collect(ch)
}

func (c *AdmissionCollector) RecordAdmission(stage, outcome string) {
	c.decisions.WithLabelValues(stage, outcome).Inc()
}

func (c *AdmissionCollector) ObserveRequest(method string, code int, elapsed time.Duration) {
	c.duration.WithLabelValues(method, strconv.Itoa(code)).Observe(elapsed.Seconds())
}
