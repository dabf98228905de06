// Package metrics exposes interlock and execution activity as Prometheus
// collectors.
package metrics

import (
	"net/http"
	"time"

	"tradecore/internal/coordinator"
	"tradecore/internal/execution"
	"tradecore/internal/interlock"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradecore"

// Metrics implements interlock.Observer and coordinator.Observer.
type Metrics struct {
	gatherer prometheus.Gatherer

	layerHealthy *prometheus.GaugeVec
	denials      *prometheus.CounterVec
	emergency    prometheus.Gauge
	orders       *prometheus.CounterVec
	duplicates   prometheus.Counter
	orderLatency *prometheus.HistogramVec
	equity       prometheus.Gauge
	dailyPnL     prometheus.Gauge
	positions    prometheus.Gauge
}

var (
	_ interlock.Observer   = (*Metrics)(nil)
	_ coordinator.Observer = (*Metrics)(nil)
)

// New registers the collectors on reg. A nil reg uses a fresh registry, so
// tests and multiple stacks in one process never collide on the default one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		layerHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "interlock_layer_healthy",
			Help: "1 when the interlock layer is healthy, 0 otherwise",
		}, []string{"layer"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "interlock_denials_total",
			Help: "Orders denied by the interlock, by the first failing layer",
		}, []string{"layer"}),
		emergency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "interlock_emergency_stop",
			Help: "1 while the emergency stop is latched",
		}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_total",
			Help: "Completed order submissions by adapter and status",
		}, []string{"adapter", "status"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_duplicate_total",
			Help: "Submissions answered from an earlier result with the same decision id",
		}),
		orderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "order_duration_seconds",
			Help:    "Time from submit to a result",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"adapter"}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "account_equity",
			Help: "Balance plus unrealized P&L",
		}),
		dailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "account_daily_pnl",
			Help: "Realized P&L of the current trading day",
		}),
		positions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_positions",
			Help: "Number of open positions",
		}),
	}
	reg.MustRegister(m.layerHealthy, m.denials, m.emergency, m.orders, m.duplicates,
		m.orderLatency, m.equity, m.dailyPnL, m.positions)
	return m
}

// SyncInterlock sets every layer gauge from a state snapshot. The interlock
// only reports transitions, so call this once after wiring the observer.
func (m *Metrics) SyncInterlock(st interlock.State) {
	for _, l := range interlock.Layers {
		m.LayerChanged(l, st.Layers[l].Healthy, st.Layers[l].Reason)
	}
	m.EmergencyChanged(st.EmergencyStop)
}

func (m *Metrics) LayerChanged(layer interlock.Layer, healthy bool, _ string) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.layerHealthy.WithLabelValues(string(layer)).Set(v)
}

func (m *Metrics) Denied(layer interlock.Layer) {
	m.denials.WithLabelValues(string(layer)).Inc()
}

func (m *Metrics) EmergencyChanged(active bool) {
	if active {
		m.emergency.Set(1)
		return
	}
	m.emergency.Set(0)
}

func (m *Metrics) OrderCompleted(res execution.OrderResult, duplicate bool, elapsed time.Duration) {
	if duplicate {
		m.duplicates.Inc()
		return
	}
	adapter := res.Adapter
	if adapter == "" {
		adapter = "none"
	}
	m.orders.WithLabelValues(adapter, string(res.Status)).Inc()
	m.orderLatency.WithLabelValues(adapter).Observe(elapsed.Seconds())
}

// ObserveStats copies the account gauges from a statistics snapshot.
func (m *Metrics) ObserveStats(st coordinator.Stats) {
	m.equity.Set(st.Equity)
	m.dailyPnL.Set(st.DailyPnL)
	m.positions.Set(float64(st.OpenPositionCount))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
