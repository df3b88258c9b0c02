// ABOUTME: Prometheus metrics for the engine, read from component counters at scrape time
// ABOUTME: Worker lifecycle gauges are pushed from state change callbacks
package metrics

import (
	"net/http"

	"github.com/Resonate-Protocol/ananas-go/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ananas"

// Source exposes the counters the engine components maintain.
type Source interface {
	PacketsSent() uint64
	SendErrors() uint64
	TimestampSnaps() uint64
	FifoFill() int
	FifoDropped() uint64
	FollowUps() uint64
	MalformedAnnounces() uint64
	ConnectedClients() int
	ConnectedModules() int
	AuthorityConnected() bool
	RebootsSent() uint64
	SwitchRequestFailures() uint64
}

// Metrics owns a private Prometheus registry.
type Metrics struct {
	registry          *prometheus.Registry
	workerConnected   *prometheus.GaugeVec
	workerTransitions *prometheus.CounterVec
}

func counter(name, help string, fn func() uint64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(fn()) })
}

func gauge(name, help string, fn func() float64) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// New registers all collectors for src.
func New(src Source) (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		workerConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "connected",
			Help:      "1 while the worker's socket is connected and running",
		}, []string{"worker"}),
		workerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "state_transitions_total",
			Help:      "Worker lifecycle transitions by target state",
		}, []string{"worker", "state"}),
	}

	cs := []prometheus.Collector{
		m.workerConnected,
		m.workerTransitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		counter("audio_packets_sent_total", "Audio packets multicast", src.PacketsSent),
		counter("audio_send_errors_total", "Audio packets that failed to send", src.SendErrors),
		counter("timestamp_snaps_total", "Packet timestamp snaps to PTP time", src.TimestampSnaps),
		counter("fifo_dropped_frames_total", "Frames discarded because the handoff buffer was full", src.FifoDropped),
		counter("ptp_follow_ups_total", "PTP Follow_Up messages decoded", src.FollowUps),
		counter("announces_malformed_total", "Announce datagrams dropped as malformed", src.MalformedAnnounces),
		counter("reboots_sent_total", "Reboot commands multicast", src.RebootsSent),
		counter("switch_request_failures_total", "Failed switch REST requests", src.SwitchRequestFailures),

		gauge("fifo_fill_frames", "Frames waiting in the handoff buffer", func() float64 {
			return float64(src.FifoFill())
		}),
		gauge("clients_connected", "Live playback clients", func() float64 {
			return float64(src.ConnectedClients())
		}),
		gauge("modules_connected", "Live modules", func() float64 {
			return float64(src.ConnectedModules())
		}),
		gauge("authority_connected", "1 while the time authority is announcing", func() float64 {
			if src.AuthorityConnected() {
				return 1
			}
			return 0
		}),
	}

	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveWorkerState records a worker transition. It is safe to use as a
// worker state change callback.
func (m *Metrics) ObserveWorkerState(name string, s worker.State) {
	m.workerTransitions.WithLabelValues(name, s.String()).Inc()
	v := 0.0
	if s == worker.Running {
		v = 1
	}
	m.workerConnected.WithLabelValues(name).Set(v)
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
