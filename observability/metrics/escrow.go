package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics aggregates the prometheus collectors for the registry.
type EscrowMetrics struct {
	transitions  *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	openEscrows  prometheus.Gauge
	custodyMoves prometheus.Counter
	pausedSwitch prometheus.Gauge
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the process-wide escrow metrics registry, registering the
// collectors on first use.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_transitions_total",
				Help: "Count of completed state transitions by event type.",
			}, []string{"type"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_rejections_total",
				Help: "Count of rejected calls by error kind.",
			}, []string{"kind"}),
			openEscrows: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "escrow_open_records",
				Help: "Records currently in a non-terminal state.",
			}),
			custodyMoves: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_custody_transfers_total",
				Help: "Value transfers into or out of escrow custody.",
			}),
			pausedSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "escrow_paused",
				Help: "1 while the registry pause flag is set.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.rejections,
			escrowRegistry.openEscrows,
			escrowRegistry.custodyMoves,
			escrowRegistry.pausedSwitch,
		)
	})
	return escrowRegistry
}

// ObserveTransition records a completed transition event.
func (m *EscrowMetrics) ObserveTransition(eventType string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(eventType).Inc()
}

// ObserveRejection records a rejected call by error kind.
func (m *EscrowMetrics) ObserveRejection(kind string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(kind).Inc()
}

// SetOpenRecords updates the non-terminal record gauge.
func (m *EscrowMetrics) SetOpenRecords(n float64) {
	if m == nil {
		return
	}
	m.openEscrows.Set(n)
}

// AddOpenRecords moves the non-terminal record gauge by delta.
func (m *EscrowMetrics) AddOpenRecords(delta float64) {
	if m == nil {
		return
	}
	m.openEscrows.Add(delta)
}

// ObserveCustodyTransfer counts one value movement through custody.
func (m *EscrowMetrics) ObserveCustodyTransfer() {
	if m == nil {
		return
	}
	m.custodyMoves.Inc()
}

// SetPaused mirrors the pause flag into the exported gauge.
func (m *EscrowMetrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.pausedSwitch.Set(1)
	} else {
		m.pausedSwitch.Set(0)
	}
}
