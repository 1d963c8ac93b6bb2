// Package metrics holds the Prometheus collectors for the room server.
// A nil *Metrics is valid and records nothing, which keeps tests and
// embedded uses free of registry setup.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pairpad"

type Metrics struct {
	roomsActive       prometheus.Gauge
	connectionsActive prometheus.Gauge
	membersActive     prometheus.Gauge
	eventsTotal       *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	fanoutFrames      prometheus.Counter
	executionsTotal   *prometheus.CounterVec
	executionDuration prometheus.Histogram
	historyPruned     prometheus.Counter
}

// New registers all collectors on reg. Use prometheus.NewRegistry() in
// tests so repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Rooms currently present in the directory",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open WebSocket connections",
		}),
		membersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "members_active",
			Help:      "Members across all rooms",
		}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound events processed by the hub",
		}, []string{"event", "outcome"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames rejected before reaching the hub",
		}, []string{"reason"}),
		fanoutFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_frames_total",
			Help:      "Frames queued to connections by broadcasts",
		}),
		executionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Code execution requests by outcome",
		}, []string{"status"}),
		executionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Time spent waiting on the execution service",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		historyPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_records_pruned_total",
			Help:      "Execution history records removed by retention",
		}),
	}
}

// SetDirectory publishes the directory sizes after a membership change
func (m *Metrics) SetDirectory(rooms, members int) {
	if m == nil {
		return
	}
	m.roomsActive.Set(float64(rooms))
	m.membersActive.Set(float64(members))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

// Event counts a processed event. outcome is "ok" or "noop".
func (m *Metrics) Event(event, outcome string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Fanout(frames int) {
	if m == nil {
		return
	}
	m.fanoutFrames.Add(float64(frames))
}

func (m *Metrics) Execution(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(status).Inc()
	m.executionDuration.Observe(took.Seconds())
}

func (m *Metrics) HistoryPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.historyPruned.Add(float64(n))
}
