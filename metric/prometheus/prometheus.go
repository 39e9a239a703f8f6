// Package prometheus provides the concrete metric.Collector used in
// production: every Counter/Gauge is a real Prometheus metric
// registered through promauto, and WrapEndpoints wires /metrics and
// /status behind the same request-duration middleware as the proxy's
// own routes.
package prometheus

import (
	"net/http"

	"github.com/goatherd/mirror-cache/metric"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpmetrics "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	middlewarestd "github.com/slok/go-http-metrics/middleware/std"
)

// durationBuckets is the buckets used for Prometheus histograms in seconds.
var durationBuckets = []float64{.5, 1, 2.5, 5, 10, 20, 40, 80, 160, 320}

// NewCollector returns a prometheus backed collector
func NewCollector() metric.Collector {
	return &collector{}
}

// WrapEndpoints attaches the prometheus metrics and status endpoints to a
// mux, and wraps the front-door handler with request-duration middleware.
func WrapEndpoints(mux *http.ServeMux, frontDoor http.HandlerFunc, status http.HandlerFunc) {
	metricsMdlw := middleware.New(middleware.Config{
		Recorder: httpmetrics.NewRecorder(httpmetrics.Config{
			DurationBuckets: durationBuckets,
		}),
	})
	mux.Handle("/metrics", middlewarestd.Handler("metrics", metricsMdlw, promhttp.Handler()))
	mux.Handle("/status", middlewarestd.Handler("status", metricsMdlw, http.HandlerFunc(status)))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		middlewarestd.Handler(r.Method, metricsMdlw, http.HandlerFunc(frontDoor)).ServeHTTP(w, r)
	})
}

type collector struct{}

func (c *collector) NewCounter(name string) metric.Counter {
	return promauto.NewCounter(prometheus.CounterOpts{
		Name: name,
		Help: "mirror-cache counter: " + name,
	})
}

func (c *collector) NewGuage(name string) metric.Gauge {
	return promauto.NewGauge(prometheus.GaugeOpts{
		Name: name,
		Help: "mirror-cache gauge: " + name,
	})
}
