package transport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Paranoid-AF/excess"
)

// Metrics counts transport activity. A nil *Metrics records nothing, so
// callers never need to check before observing.
type Metrics struct {
	requests      *prometheus.CounterVec
	duration      prometheus.Histogram
	bytesRead     prometheus.Counter
	bytesWritten  prometheus.Counter
	frames        *prometheus.CounterVec
	errors        *prometheus.CounterVec
	activeStreams prometheus.Gauge
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "excess_requests_total",
			Help: "Total number of daemon requests by method.",
		}, []string{"method"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "excess_request_duration_seconds",
			Help:    "Duration of buffered daemon calls.",
			Buckets: prometheus.DefBuckets,
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "excess_bytes_read_total",
			Help: "Bytes read from daemon connections.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "excess_bytes_written_total",
			Help: "Bytes written to daemon connections.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "excess_frames_total",
			Help: "Demultiplexed frames delivered by channel.",
		}, []string{"channel"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "excess_errors_total",
			Help: "Failed calls by error kind.",
		}, []string{"kind"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "excess_active_streams",
			Help: "Streaming sessions currently open.",
		}),
	}
}

// Collectors returns every collector, for custom registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.requests, m.duration, m.bytesRead, m.bytesWritten,
		m.frames, m.errors, m.activeStreams,
	}
}

// Register adds the collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveRequest(method string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method).Inc()
}

// ObserveDuration records the time since start.
func (m *Metrics) ObserveDuration(start time.Time) {
	if m == nil {
		return
	}
	m.duration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) AddRead(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRead.Add(float64(n))
}

func (m *Metrics) AddWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesWritten.Add(float64(n))
}

// ObserveFrame implements demux.FrameCounter.
func (m *Metrics) ObserveFrame(ch excess.Channel, _ int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(ch.String()).Inc()
}

// ObserveError counts err by kind. nil is ignored.
func (m *Metrics) ObserveError(err error) {
	if m == nil || err == nil {
		return
	}
	m.errors.WithLabelValues(excess.ErrorString(excess.KindOf(err))).Inc()
}

func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

func (m *Metrics) StreamEnded() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}
