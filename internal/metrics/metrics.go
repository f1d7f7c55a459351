// Package metrics exposes the engine's Prometheus collectors:
//
//	grid_orders_placed_total{kind}      orders accepted by the venue
//	grid_orders_rejected_total{kind}    orders rejected or failed
//	grid_fills_total{role}              applied fill events by order role
//	grid_gate_trips_total{gate}         risk gate trips
//	grid_regrids_total                  completed re-grids
//	grid_drawdown_state{state}          1 for the active drawdown state
//	grid_drawdown_percent               drawdown from the balance peak
//	grid_realized_pnl_usd               session realized pnl
//	grid_open_levels                    levels holding a position
//	grid_degraded_levels                positions without a take-profit
//	grid_equity_usd                     wallet balance + unrealized pnl
package metrics

import (
	"net/http"

	"perp-grid-engine/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var drawdownStates = []models.DrawdownState{
	models.DrawdownNormal, models.DrawdownPaused, models.DrawdownPartialCut,
	models.DrawdownFullCut, models.DrawdownWaitingReentry,
}

// Metrics holds the collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	OrdersPlaced    *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	Fills           *prometheus.CounterVec
	GateTrips       *prometheus.CounterVec
	Regrids         prometheus.Counter
	DrawdownState   *prometheus.GaugeVec
	DrawdownPercent prometheus.Gauge
	RealizedPnl     prometheus.Gauge
	OpenLevels      prometheus.Gauge
	DegradedLevels  prometheus.Gauge
	Equity          prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "grid_orders_placed_total", Help: "Orders accepted by the venue"},
			[]string{"kind"},
		),
		OrdersRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "grid_orders_rejected_total", Help: "Orders rejected or failed"},
			[]string{"kind"},
		),
		Fills: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "grid_fills_total", Help: "Applied fill events by order role"},
			[]string{"role"},
		),
		GateTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "grid_gate_trips_total", Help: "Risk gate trips"},
			[]string{"gate"},
		),
		Regrids: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "grid_regrids_total", Help: "Completed re-grids"},
		),
		DrawdownState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "grid_drawdown_state", Help: "1 for the active drawdown state"},
			[]string{"state"},
		),
		DrawdownPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "grid_drawdown_percent", Help: "Drawdown from the balance peak in percent"},
		),
		RealizedPnl: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "grid_realized_pnl_usd", Help: "Session realized pnl"},
		),
		OpenLevels: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "grid_open_levels", Help: "Levels holding a position"},
		),
		DegradedLevels: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "grid_degraded_levels", Help: "Positions without a take-profit order"},
		),
		Equity: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "grid_equity_usd", Help: "Wallet balance plus unrealized pnl"},
		),
	}
	m.registry.MustRegister(m.OrdersPlaced, m.OrdersRejected, m.Fills, m.GateTrips, m.Regrids,
		m.DrawdownState, m.DrawdownPercent, m.RealizedPnl, m.OpenLevels, m.DegradedLevels, m.Equity)
	return m
}

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderPlaced(kind models.ActionKind) {
	if m == nil {
		return
	}
	m.OrdersPlaced.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) OrderRejected(kind models.ActionKind) {
	if m == nil {
		return
	}
	m.OrdersRejected.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) Fill(role models.OrderRole) {
	if m == nil {
		return
	}
	m.Fills.WithLabelValues(string(role)).Inc()
}

func (m *Metrics) GateTrip(gate string) {
	if m == nil || gate == "" {
		return
	}
	m.GateTrips.WithLabelValues(gate).Inc()
}

func (m *Metrics) Regrid() {
	if m == nil {
		return
	}
	m.Regrids.Inc()
}

// SetDegraded records how many positions currently lack a take-profit.
func (m *Metrics) SetDegraded(n int) {
	if m == nil {
		return
	}
	m.DegradedLevels.Set(float64(n))
}

// ObserveState refreshes the gauges from a state snapshot.
func (m *Metrics) ObserveState(st *models.GridState, equity decimal.Decimal) {
	if m == nil || st == nil {
		return
	}
	for _, s := range drawdownStates {
		v := 0.0
		if st.Drawdown.State == s {
			v = 1
		}
		m.DrawdownState.WithLabelValues(string(s)).Set(v)
	}
	m.DrawdownPercent.Set(st.Drawdown.LastPercent.InexactFloat64())
	m.RealizedPnl.Set(st.RealizedPnl.InexactFloat64())
	m.OpenLevels.Set(float64(len(st.ExposureLevels())))
	if equity.IsPositive() {
		m.Equity.Set(equity.InexactFloat64())
	}
}
