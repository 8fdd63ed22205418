package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/domain"
	"github.com/DavidABSiepmann/image-socket-sub001/internal/usecase"
)

const namespace = "image_socket"

type Metrics struct {
	registry            *prometheus.Registry
	ActiveSessions      prometheus.Gauge
	FramesTotal         *prometheus.CounterVec
	ControlMessages     *prometheus.CounterVec
	DiagnosticsTotal    *prometheus.CounterVec
	DiagnosticsDropped  prometheus.Counter
	DiagnosticsBurst    prometheus.Gauge
	MeasuredFpsByClient *prometheus.GaugeVec
}

var _ usecase.MetricsRecorder = (*Metrics)(nil)

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of connected stream sessions",
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total frames received by result",
		}, []string{"result"}),
		ControlMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_total",
			Help:      "Control messages by direction and kind",
		}, []string{"direction", "kind"}),
		DiagnosticsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnostics_total",
			Help:      "Error postings accepted by severity",
		}, []string{"severity"}),
		DiagnosticsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnostics_dropped_total",
			Help:      "Error postings dropped because the intake was full",
		}),
		DiagnosticsBurst: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "diagnostics_burst_mode",
			Help:      "1 while the visible diagnostics log is suppressed",
		}),
		MeasuredFpsByClient: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "measured_fps",
			Help:      "Last measured frame rate per client",
		}, []string{"client"}),
	}
	r.MustRegister(m.ActiveSessions, m.FramesTotal, m.ControlMessages, m.DiagnosticsTotal,
		m.DiagnosticsDropped, m.DiagnosticsBurst, m.MeasuredFpsByClient)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) FrameObserved(result string) { m.FramesTotal.WithLabelValues(result).Inc() }

func (m *Metrics) DiagnosticPosted(severity domain.Severity) {
	m.DiagnosticsTotal.WithLabelValues(severity.String()).Inc()
}

func (m *Metrics) DiagnosticDropped() { m.DiagnosticsDropped.Inc() }

func (m *Metrics) BurstMode(on bool) {
	if on {
		m.DiagnosticsBurst.Set(1)
		return
	}
	m.DiagnosticsBurst.Set(0)
}

func (m *Metrics) MeasuredFps(id domain.ClientID, fps int) {
	m.MeasuredFpsByClient.WithLabelValues(clientLabel(id)).Set(float64(fps))
}

func (m *Metrics) ClientRemoved(id domain.ClientID) {
	m.MeasuredFpsByClient.DeleteLabelValues(clientLabel(id))
}

// ControlObserved counts a control message; direction is "in" or "out".
func (m *Metrics) ControlObserved(direction string, kind domain.ControlKind) {
	m.ControlMessages.WithLabelValues(direction, kind.String()).Inc()
}

func clientLabel(id domain.ClientID) string { return strconv.Itoa(int(id)) }
