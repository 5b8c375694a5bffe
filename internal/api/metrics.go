/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric name constants.
const (
	metricRequestDuration = "limiq_http_request_duration_seconds"
	metricRequestsTotal   = "limiq_http_requests_total"
	metricVerifyDuration  = "limiq_verify_duration_seconds"
)

// DefaultHTTPDurationBuckets are histogram buckets for HTTP request durations.
var DefaultHTTPDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// verifyDuration tracks end-to-end verify latency by decision.
var verifyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    metricVerifyDuration,
	Help:    "End-to-end verify request latency in seconds",
	Buckets: DefaultHTTPDurationBuckets,
}, []string{"decision"})

// HTTPMetrics holds Prometheus metrics for the HTTP layer.
type HTTPMetrics struct {
	// RequestDuration tracks HTTP request duration in seconds by method, route, and status code.
	RequestDuration *prometheus.HistogramVec

	// RequestsTotal counts HTTP requests by method, route, and status code.
	RequestsTotal *prometheus.CounterVec
}

// HTTPMetricsConfig configures the HTTP metrics.
type HTTPMetricsConfig struct {
	DurationBuckets []float64
}

// NewHTTPMetrics creates and registers Prometheus metrics for the API server.
func NewHTTPMetrics(cfg *HTTPMetricsConfig) *HTTPMetrics {
	var buckets []float64
	if cfg != nil && cfg.DurationBuckets != nil {
		buckets = cfg.DurationBuckets
	} else {
		buckets = DefaultHTTPDurationBuckets
	}

	return &HTTPMetrics{
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricRequestDuration,
			Help:    "HTTP request duration in seconds",
			Buckets: buckets,
		}, []string{"method", "route", "status_code"}),

		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: metricRequestsTotal,
			Help: "Total HTTP requests by method, route, and status code",
		}, []string{"method", "route", "status_code"}),
	}
}
