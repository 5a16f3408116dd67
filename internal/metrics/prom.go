package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "imagerelay_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	generationRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagerelay_generation_requests_total",
			Help: "Image generation requests by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imagerelay_upstream_duration_seconds",
			Help:    "Duration of upstream inference calls",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"model", "status"},
	)

	imageBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagerelay_image_bytes_total",
			Help: "Image bytes relayed to clients",
		},
		[]string{"model"},
	)

	devProxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagerelay_dev_proxy_requests_total",
			Help: "Requests forwarded by the development rewrite proxy",
		},
		[]string{"rewritten"},
	)

	generationsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imagerelay_generations_inflight",
			Help: "Generation requests currently being forwarded",
		},
	)

	rateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "imagerelay_rate_limited_total",
			Help: "Requests rejected by the per-client rate limit",
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, generationRequests, upstreamDuration, imageBytes, devProxyRequests, generationsInflight, rateLimited)
}

// SetServerBuildInfo sets the build info metric for the server.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordGeneration increments the generation counter. Outcome is one of
// success, upstream_error, bad_request, not_configured, timeout, canceled or
// error.
func RecordGeneration(model, outcome string) {
	generationRequests.WithLabelValues(model, outcome).Inc()
}

// ObserveUpstream records the duration and status class of an upstream call.
// A status of 0 means the call failed before a response was received.
func ObserveUpstream(model string, status int, d time.Duration) {
	upstreamDuration.WithLabelValues(model, statusClass(status)).Observe(d.Seconds())
}

// RecordImageBytes adds n to the relayed image byte counter.
func RecordImageBytes(model string, n int) {
	imageBytes.WithLabelValues(model).Add(float64(n))
}

// RecordDevProxy counts a request handled by the rewrite proxy.
func RecordDevProxy(rewritten bool) {
	label := "false"
	if rewritten {
		label = "true"
	}
	devProxyRequests.WithLabelValues(label).Inc()
}

// SetGenerationsInflight sets the in-flight generation gauge.
func SetGenerationsInflight(n int64) {
	generationsInflight.Set(float64(n))
}

// RecordRateLimited counts a request rejected by the rate limiter.
func RecordRateLimited() {
	rateLimited.Inc()
}

func statusClass(status int) string {
	switch {
	case status <= 0:
		return "error"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
