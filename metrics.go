package devicecheck

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for a diagnostic service. All
// observer methods are safe on a nil receiver, so components can treat
// metrics as optional.
type Metrics struct {
	enumerationDuration *prometheus.HistogramVec
	devicesSeen         *prometheus.GaugeVec
	permissionRequests  *prometheus.CounterVec
	permissionChanges   *prometheus.CounterVec
	streamsAcquired     *prometheus.CounterVec
	streamsStopped      *prometheus.CounterVec
	testsFinished       *prometheus.CounterVec
	testDuration        *prometheus.HistogramVec
}

// NewMetrics registers the diagnostic metrics with reg. A nil registerer
// uses the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		enumerationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devicecheck",
			Name:      "enumeration_duration_seconds",
			Help:      "Time spent enumerating devices.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 4, 8},
		}, []string{"kind", "outcome"}),
		devicesSeen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devicecheck",
			Name:      "devices",
			Help:      "Devices visible in the last enumeration.",
		}, []string{"kind"}),
		permissionRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicecheck",
			Name:      "permission_requests_total",
			Help:      "Media requests that trigger a permission prompt.",
		}, []string{"kind", "outcome"}),
		permissionChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicecheck",
			Name:      "permission_transitions_total",
			Help:      "Permission state transitions observed.",
		}, []string{"kind", "state"}),
		streamsAcquired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicecheck",
			Name:      "streams_acquired_total",
			Help:      "Stream acquisition attempts.",
		}, []string{"kind", "outcome"}),
		streamsStopped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicecheck",
			Name:      "streams_stopped_total",
			Help:      "Streams stopped and released.",
		}, []string{"kind"}),
		testsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicecheck",
			Name:      "tests_total",
			Help:      "Device tests finished, by status.",
		}, []string{"test", "status"}),
		testDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devicecheck",
			Name:      "test_duration_seconds",
			Help:      "Wall-clock duration of device tests.",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"test", "status"}),
	}
}

// Enumeration records one enumeration attempt.
func (m *Metrics) Enumeration(kind DeviceKind, d time.Duration, count int, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded) || CodeOf(err) == CodeEnumerationTimeout:
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	m.enumerationDuration.WithLabelValues(kind.String(), outcome).Observe(d.Seconds())
	if err == nil {
		m.devicesSeen.WithLabelValues(kind.String()).Set(float64(count))
	}
}

// PermissionRequest records the outcome of a prompting media request.
func (m *Metrics) PermissionRequest(kind DeviceKind, granted bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if granted {
		outcome = "granted"
	}
	m.permissionRequests.WithLabelValues(kind.String(), outcome).Inc()
}

// PermissionState records a permission state transition.
func (m *Metrics) PermissionState(kind DeviceKind, state PermissionState) {
	if m == nil {
		return
	}
	m.permissionChanges.WithLabelValues(kind.String(), state.String()).Inc()
}

// StreamAcquired records a stream acquisition attempt.
func (m *Metrics) StreamAcquired(kind DeviceKind, ok bool) {
	if m == nil {
		return
	}
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	m.streamsAcquired.WithLabelValues(kind.String(), outcome).Inc()
}

// StreamStopped records a stream release.
func (m *Metrics) StreamStopped(kind DeviceKind) {
	if m == nil {
		return
	}
	m.streamsStopped.WithLabelValues(kind.String()).Inc()
}

// TestFinished records a finished test.
func (m *Metrics) TestFinished(kind DeviceKind, status TestStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.testsFinished.WithLabelValues(kind.noun(), string(status)).Inc()
	m.testDuration.WithLabelValues(kind.noun(), string(status)).Observe(d.Seconds())
}
