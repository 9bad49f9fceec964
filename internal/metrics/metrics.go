// Package metrics exposes Prometheus collectors for the assessment pipeline and the HTTP API.
package metrics

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

const namespace = "ptld"

// Metrics implements service.Observer.
type Metrics struct {
	stageDuration      *prometheus.HistogramVec
	assessments        *prometheus.CounterVec
	assessmentFailures *prometheus.CounterVec
	probability        prometheus.Histogram
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// Default returns the instance registered with the global Prometheus registry.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the collectors with reg, reusing collectors that are already
// registered under the same name. Any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "assessment",
				Name:      "stage_duration_seconds",
				Help:      "Duration spent in each assessment stage.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage", "status"},
		),
		assessments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "assessment",
				Name:      "completed_total",
				Help:      "Completed assessments by risk category and explanation status.",
			},
			[]string{"category", "explained"},
		),
		assessmentFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "assessment",
				Name:      "failures_total",
				Help:      "Failed assessments by stage and error code.",
			},
			[]string{"stage", "code"},
		),
		probability: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "assessment",
				Name:      "probability",
				Help:      "Distribution of oracle probabilities.",
				Buckets:   prometheus.LinearBuckets(0.1, 0.1, 9),
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status code.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	m.stageDuration = register(reg, m.stageDuration)
	m.assessments = register(reg, m.assessments)
	m.assessmentFailures = register(reg, m.assessmentFailures)
	m.probability = register(reg, m.probability)
	m.httpRequests = register(reg, m.httpRequests)
	m.httpDuration = register(reg, m.httpDuration)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

// ObserveStage records one stage execution.
func (m *Metrics) ObserveStage(stage domain.Stage, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage), status(err)).Observe(duration.Seconds())
}

// ObserveAssessment records the outcome of a whole assessment.
func (m *Metrics) ObserveAssessment(result *domain.AssessmentResult, _ time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		stage, _ := domain.FailedStage(err)
		m.assessmentFailures.WithLabelValues(string(stage), domain.ErrorCode(err)).Inc()
		return
	}
	if result == nil || result.Score == nil {
		return
	}
	m.assessments.WithLabelValues(string(result.Score.Category), strconv.FormatBool(result.Explained)).Inc()
	m.probability.Observe(result.Score.Probability)
}

// ObserveHTTPRequest records one served request. route is the matched pattern, not the raw path.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
