// Package metrics exposes pipeline counters on a private Prometheus registry.
package metrics

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	utils "kitch-ingest/pkg/utils"
)

// Metrics holds the pipeline's counters and gauges. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	uploads        *prometheus.CounterVec
	uploadBytes    prometheus.Counter
	encodeAttempts *prometheus.CounterVec
	encodeFailures *prometheus.CounterVec
	assets         *prometheus.CounterVec
	liveStarted    prometheus.Counter
	recordings     *prometheus.CounterVec
	activeLive     prometheus.Gauge
	encodesRunning prometheus.Gauge
	httpRequests   *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_uploads_total",
			Help: "Uploads by outcome (created, completed, failed)",
		}, []string{"outcome"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_upload_bytes_total",
			Help: "Bytes accepted by upload appends",
		}),
		encodeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_encode_attempts_total",
			Help: "Encode attempts per rendition name",
		}, []string{"rendition"}),
		encodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_encode_failures_total",
			Help: "Failed encode attempts per rendition name",
		}, []string{"rendition"}),
		assets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_assets_total",
			Help: "Assets reaching a terminal state",
		}, []string{"state", "source"}),
		liveStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_live_sessions_started_total",
			Help: "Accepted publish attempts",
		}),
		recordings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_recordings_total",
			Help: "Finished captures by outcome (complete, truncated, failed)",
		}, []string{"outcome"}),
		activeLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_live_sessions_active",
			Help: "Sessions currently live",
		}),
		encodesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_encodes_in_flight",
			Help: "Encode jobs currently holding a worker slot",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_http_requests_total",
			Help: "HTTP requests by method and status class",
		}, []string{"method", "status"}),
	}

	registry.MustRegister(
		m.uploads,
		m.uploadBytes,
		m.encodeAttempts,
		m.encodeFailures,
		m.assets,
		m.liveStarted,
		m.recordings,
		m.activeLive,
		m.encodesRunning,
		m.httpRequests,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) UploadCreated() {
	if m != nil {
		m.uploads.WithLabelValues("created").Inc()
	}
}

func (m *Metrics) UploadCompleted() {
	if m != nil {
		m.uploads.WithLabelValues("completed").Inc()
	}
}

func (m *Metrics) UploadFailed() {
	if m != nil {
		m.uploads.WithLabelValues("failed").Inc()
	}
}

func (m *Metrics) AddUploadBytes(n int64) {
	if m != nil && n > 0 {
		m.uploadBytes.Add(float64(n))
	}
}

func (m *Metrics) EncodeAttempt(rendition string) {
	if m != nil {
		m.encodeAttempts.WithLabelValues(rendition).Inc()
	}
}

func (m *Metrics) EncodeFailure(rendition string) {
	if m != nil {
		m.encodeFailures.WithLabelValues(rendition).Inc()
	}
}

// EncodeStarted and EncodeFinished bracket time spent holding a worker slot.
func (m *Metrics) EncodeStarted() {
	if m != nil {
		m.encodesRunning.Inc()
	}
}

func (m *Metrics) EncodeFinished() {
	if m != nil {
		m.encodesRunning.Dec()
	}
}

func (m *Metrics) AssetFinished(state, source string) {
	if m != nil {
		m.assets.WithLabelValues(state, source).Inc()
	}
}

func (m *Metrics) LiveStarted() {
	if m != nil {
		m.liveStarted.Inc()
	}
}

func (m *Metrics) SetActiveLive(n int) {
	if m != nil {
		m.activeLive.Set(float64(n))
	}
}

func (m *Metrics) RecordingFinished(outcome string) {
	if m != nil {
		m.recordings.WithLabelValues(outcome).Inc()
	}
}

// Handler serves the registry. updateGauges runs before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		inner.ServeHTTP(w, r)
	})
}

// Middleware counts every request by method and status class.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			status := c.Response().Status
			if err != nil {
				status = errorStatus(err)
			}
			m.httpRequests.WithLabelValues(c.Request().Method, statusClass(status)).Inc()
			return err
		}
	}
}

func errorStatus(err error) int {
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
