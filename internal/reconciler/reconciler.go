// Package reconciler applies exchange order events to the grid state exactly once.
package reconciler

import (
	"time"

	"perp-grid-engine/internal/grid"
	"perp-grid-engine/internal/models"
	"perp-grid-engine/internal/takeprofit"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Env carries the per-command context a mutation needs besides the state itself.
type Env struct {
	Now            time.Time
	Signal         models.TrendSignal
	Rules          models.SymbolRules
	EntriesAllowed bool
	AutoRegrid     bool
	// EntryQuantity sizes a new entry at price, including any re-entry ratio.
	EntryQuantity func(price decimal.Decimal) (decimal.Decimal, error)
	// InFlight reports client ids whose REST call has not returned yet.
	InFlight func(clientID string) bool
}

func (e Env) inFlight(clientID string) bool {
	return e.InFlight != nil && clientID != "" && e.InFlight(clientID)
}

// Result collects the side effects of one mutation.
type Result struct {
	Applied bool
	Resync  bool
	Actions []models.Action
	Alerts  []models.Alert
	Trades  []models.TradeRecord
	Closes  []grid.Close
}

// Merge appends o into r.
func (r *Result) Merge(o Result) {
	r.Applied = r.Applied || o.Applied
	r.Resync = r.Resync || o.Resync
	r.Actions = append(r.Actions, o.Actions...)
	r.Alerts = append(r.Alerts, o.Alerts...)
	r.Trades = append(r.Trades, o.Trades...)
	r.Closes = append(r.Closes, o.Closes...)
}

func (r *Result) alert(level models.AlertLevel, cat models.AlertCategory, msg string, kv ...interface{}) {
	r.Alerts = append(r.Alerts, models.NewAlert(level, cat, msg, kv...))
}

// Reconciler owns no state; every call mutates the GridState it is handed.
type Reconciler struct {
	policy *takeprofit.Policy
	logger *zap.Logger
}

// New creates a Reconciler.
func New(policy *takeprofit.Policy, logger *zap.Logger) *Reconciler {
	return &Reconciler{policy: policy, logger: logger}
}

// orderKey is the id versions and cancel intents are keyed by.
// Client ids are known before the exchange assigns an order id.
func orderKey(orderID, clientID string) string {
	if clientID != "" {
		return clientID
	}
	return orderID
}

// Apply applies one normalized event. Duplicate and stale order events are no-ops.
func (r *Reconciler) Apply(st *models.GridState, ev models.OrderEvent, env Env) Result {
	switch ev.Kind {
	case models.EventBalanceUpdate:
		if ev.WalletBalance.IsPositive() {
			st.LastBalance = ev.WalletBalance
		}
		return Result{Applied: true}
	case models.EventPositionUpdate:
		return r.applyPosition(st, ev)
	}
	return r.applyOrder(st, ev, env)
}

func (r *Reconciler) applyOrder(st *models.GridState, ev models.OrderEvent, env Env) Result {
	var res Result
	key := orderKey(ev.OrderID, ev.ClientOrderID)
	if key == "" {
		return res
	}

	prev, seen := st.Versions[key]
	v := ev.Version()
	if seen && !v.After(prev) {
		r.logger.Sugar().Debugf("重复或过期事件已忽略: order=%s seq=%d cum=%s", key, ev.Sequence, ev.CumulativeQty)
		return res
	}
	v.AppliedAt = env.Now
	st.Versions[key] = v
	res.Applied = true

	delta := ev.CumulativeQty.Sub(prev.Cumulative)
	price := fillPrice(ev, prev, delta)

	level, ref, ok := st.LookupOrder(ev.OrderID, ev.ClientOrderID)
	if !ok {
		r.applyUnknown(st, ev, key, delta, &res)
		return res
	}
	st.TrackOrder(ref, ev.OrderID)

	switch ref.Role {
	case models.RoleEntry:
		r.applyEntry(st, level, ev, key, delta, price, env, &res)
	case models.RoleTP:
		r.applyTP(st, level, ev, key, delta, price, env, &res)
	case models.RoleCut:
		r.applyCut(st, ref.CutID, ev, delta, price, env, &res)
	}

	if ev.Status.Terminal() {
		st.ForgetOrder(ev.OrderID, ev.ClientOrderID)
		delete(st.ExpectedCancels, key)
	}
	return res
}

// fillPrice derives the price of this event's fill delta. When the venue
// coalesced several fills, the delta is priced from the cumulative average.
func fillPrice(ev models.OrderEvent, prev models.EventVersion, delta decimal.Decimal) decimal.Decimal {
	if !delta.IsPositive() {
		return decimal.Zero
	}
	if ev.LastFillQty.Equal(delta) && ev.LastFillPrice.IsPositive() {
		return ev.LastFillPrice
	}
	if ev.AvgPrice.IsPositive() {
		if prev.Cumulative.IsPositive() && prev.AvgPrice.IsPositive() {
			p := ev.AvgPrice.Mul(ev.CumulativeQty).Sub(prev.AvgPrice.Mul(prev.Cumulative)).Div(delta)
			if p.IsPositive() {
				return p
			}
		}
		return ev.AvgPrice
	}
	if ev.LastFillPrice.IsPositive() {
		return ev.LastFillPrice
	}
	return ev.Price
}

func isEntry(l *models.GridLevel, ev models.OrderEvent) bool {
	return (l.EntryClientID != "" && l.EntryClientID == ev.ClientOrderID) ||
		(l.EntryOrderID != "" && l.EntryOrderID == ev.OrderID)
}

func isTP(l *models.GridLevel, ev models.OrderEvent) bool {
	return (l.TPClientID != "" && l.TPClientID == ev.ClientOrderID) ||
		(l.TPOrderID != "" && l.TPOrderID == ev.OrderID)
}

func (r *Reconciler) applyUnknown(st *models.GridState, ev models.OrderEvent, key string, delta decimal.Decimal, res *Result) {
	if _, expected := st.ExpectedCancels[key]; expected {
		if ev.Status.Terminal() {
			delete(st.ExpectedCancels, key)
		}
		return
	}
	if delta.IsPositive() {
		r.logger.Sugar().Warnf("未跟踪订单成交: order=%s client=%s qty=%s", ev.OrderID, ev.ClientOrderID, delta)
		res.alert(models.AlertWarning, models.CategoryReconcile, "fill on untracked order, resyncing",
			"order_id", ev.OrderID, "client_id", ev.ClientOrderID, "qty", delta, "price", ev.AvgPrice)
		res.Resync = true
	}
}

func (r *Reconciler) applyEntry(st *models.GridState, l *models.GridLevel, ev models.OrderEvent, key string,
	delta, price decimal.Decimal, env Env, res *Result) {
	if l == nil {
		if delta.IsPositive() {
			res.alert(models.AlertWarning, models.CategoryReconcile, "entry fill for removed level, resyncing",
				"order_id", ev.OrderID, "qty", delta)
			res.Resync = true
		}
		return
	}
	if !isEntry(l, ev) {
		// a level never takes exposure from two different entry orders
		if delta.IsPositive() {
			conflict := &models.ReconciliationConflict{
				Level: l.Index, OrderID: key, Local: l.EntryClientID, Exchange: "fill from superseded entry order",
			}
			r.logger.Sugar().Errorf("%v", conflict)
			res.alert(models.AlertCritical, models.CategoryReconcile, conflict.Error(), "qty", delta, "price", price)
			res.Resync = true
		}
		return
	}
	if l.EntryOrderID == "" {
		l.EntryOrderID = ev.OrderID
	}

	if delta.IsPositive() {
		if err := grid.ApplyEntryFill(l, price, delta, env.Now); err != nil {
			r.logger.Sugar().Errorf("入场成交无法应用: %v", err)
			res.alert(models.AlertCritical, models.CategoryReconcile, "entry fill rejected by level state",
				"level", l.Index, "error", err)
			res.Resync = true
			return
		}
		r.logger.Sugar().Infof("入场成交: level=%d price=%s qty=%s avg=%s total=%s",
			l.Index, price, delta, l.EntryPrice, l.PositionQuantity)
		res.alert(models.AlertInfo, models.CategoryFill, "entry filled",
			"level", l.Index, "price", price, "qty", delta, "avg_entry", l.EntryPrice, "position", l.PositionQuantity)
		res.Merge(r.Protect(st, l, env))
	}

	if !ev.Status.Terminal() {
		return
	}
	_, expected := st.ExpectedCancels[key]
	if ev.Status == models.OrderStatusFilled && l.State.HasExposure() {
		l.ClearEntry()
		return
	}
	if err := grid.EntryCanceled(l, env.Now); err != nil {
		r.logger.Sugar().Warnf("入场撤单无法应用: %v", err)
		return
	}
	if !expected {
		res.alert(models.AlertWarning, models.CategoryOrder, "entry order ended outside the engine",
			"level", l.Index, "status", ev.Status, "price", l.TargetPrice)
	}
	if l.Retiring && l.State == models.LevelEmpty {
		retireLevel(st, l)
	}
}

func (r *Reconciler) applyTP(st *models.GridState, l *models.GridLevel, ev models.OrderEvent, key string,
	delta, price decimal.Decimal, env Env, res *Result) {
	if l == nil {
		if delta.IsPositive() {
			res.alert(models.AlertWarning, models.CategoryReconcile, "tp fill for removed level, resyncing",
				"order_id", ev.OrderID, "qty", delta)
			res.Resync = true
		}
		return
	}
	current := isTP(l, ev)
	if current && l.TPOrderID == "" {
		l.TPOrderID = ev.OrderID
	}

	if delta.IsPositive() {
		if !l.State.HasExposure() {
			conflict := &models.ReconciliationConflict{
				Level: l.Index, OrderID: key, Local: string(l.State), Exchange: "tp fill without position",
			}
			res.alert(models.AlertCritical, models.CategoryReconcile, conflict.Error(), "qty", delta)
			res.Resync = true
			return
		}
		live := tpHandle(l)
		var c grid.Close
		var err error
		if current && l.State == models.LevelTPPlaced {
			c, err = grid.ApplyTPFill(l, st.Side, price, delta, env.Now)
		} else {
			// a superseded TP filled before its cancel landed
			c, err = grid.ApplyReduce(l, st.Side, price, delta, env.Now)
		}
		if err != nil {
			res.alert(models.AlertCritical, models.CategoryReconcile, "tp fill rejected by level state",
				"level", l.Index, "error", err)
			res.Resync = true
			return
		}
		r.realize(st, l, c, "TP", ev.OrderID, env, res)

		if c.Flat {
			if !current && (live.ClientID != "" || live.OrderID != "") {
				r.cancelOrder(st, live, "flat", res)
			}
			r.afterClose(st, l, price, env, res)
		} else if !current {
			res.Merge(r.Protect(st, l, env))
		}
	}

	if !ev.Status.Terminal() || ev.Status == models.OrderStatusFilled {
		return
	}
	_, expected := st.ExpectedCancels[key]
	if !current || l.State != models.LevelTPPlaced {
		return
	}
	if ev.Status == models.OrderStatusRejected {
		_ = grid.TPRejected(l, "rejected by exchange", env.Now)
	} else if err := grid.TPCanceled(l, env.Now); err != nil {
		r.logger.Sugar().Warnf("止盈撤单无法应用: %v", err)
		return
	}
	if expected {
		if !l.Cutting {
			res.Merge(r.Protect(st, l, env))
		}
		return
	}
	l.Degraded = true
	l.DegradedReason = "tp ended outside the engine"
	l.DegradedSince = env.Now
	res.alert(models.AlertWarning, models.CategoryOrder, "take-profit ended outside the engine, level unprotected",
		"level", l.Index, "status", ev.Status, "position", l.PositionQuantity)
}

func (r *Reconciler) applyCut(st *models.GridState, cutID string, ev models.OrderEvent,
	delta, price decimal.Decimal, env Env, res *Result) {
	cut := st.PendingCuts[cutID]
	if cut == nil {
		return
	}

	if delta.IsPositive() {
		remaining := delta
		pnl := decimal.Zero
		for i := range cut.Allocations {
			a := &cut.Allocations[i]
			if !remaining.IsPositive() {
				break
			}
			if !a.Quantity.IsPositive() {
				continue
			}
			take := decimal.Min(remaining, a.Quantity)
			a.Quantity = a.Quantity.Sub(take)
			remaining = remaining.Sub(take)

			l := st.Level(a.Level)
			if l == nil || !l.State.HasExposure() {
				continue
			}
			c, err := grid.ApplyReduce(l, st.Side, price, take, env.Now)
			if err != nil {
				r.logger.Sugar().Errorf("减仓成交无法应用: %v", err)
				continue
			}
			pnl = pnl.Add(c.Pnl)
			r.realize(st, l, c, cut.Reason, ev.OrderID, env, res)
			if a.Quantity.IsPositive() {
				continue
			}
			l.Cutting = false
			if c.Flat {
				if l.Retiring && l.State == models.LevelEmpty {
					retireLevel(st, l)
				}
			} else if l.State == models.LevelPositionHeld {
				res.Merge(r.Protect(st, l, env))
			}
		}
		if remaining.IsPositive() {
			res.alert(models.AlertWarning, models.CategoryReconcile, "cut filled beyond allocations",
				"cut_id", cutID, "excess", remaining)
			res.Resync = true
		}
		res.alert(models.AlertWarning, models.CategoryDrawdown, "risk cut filled",
			"reason", cut.Reason, "qty", delta, "price", price, "pnl", pnl)
	}

	if ev.Status.Terminal() {
		r.releaseCut(st, cut, env, res)
	}
}

// releaseCut drops a finished cut; unfilled allocations get their protection back.
func (r *Reconciler) releaseCut(st *models.GridState, cut *models.CutOrder, env Env, res *Result) {
	delete(st.PendingCuts, cut.ClientID)
	for _, a := range cut.Allocations {
		if !a.Quantity.IsPositive() {
			continue
		}
		l := st.Level(a.Level)
		if l == nil {
			continue
		}
		l.Cutting = false
		if l.State == models.LevelPositionHeld {
			res.Merge(r.Protect(st, l, env))
		}
		res.alert(models.AlertWarning, models.CategoryDrawdown, "risk cut ended with unfilled quantity",
			"level", l.Index, "unfilled", a.Quantity)
	}
}

func (r *Reconciler) applyPosition(st *models.GridState, ev models.OrderEvent) Result {
	res := Result{Applied: true}
	if !ev.PositionAmount.IsZero() || len(st.PendingCuts) > 0 {
		return res
	}
	if local, _ := st.AggregatePosition(); local.IsPositive() {
		res.alert(models.AlertWarning, models.CategoryReconcile, "exchange reports flat position, resyncing",
			"local_qty", local)
		res.Resync = true
	}
	return res
}

// retireLevel drops a flat retiring level. When it held a rung of the current
// ladder, a fresh EMPTY level takes that rung over.
func retireLevel(st *models.GridState, l *models.GridLevel) {
	rung := l.RungPrice
	removeLevel(st, l.Index)
	if !rung.IsPositive() {
		return
	}
	st.Levels = append(st.Levels, &models.GridLevel{Index: st.NextIndex, TargetPrice: rung, State: models.LevelEmpty})
	st.NextIndex++
	st.SortLevels()
}

func removeLevel(st *models.GridState, index int) {
	for i, l := range st.Levels {
		if l.Index == index {
			st.ForgetOrder(l.EntryOrderID, l.EntryClientID, l.TPOrderID, l.TPClientID)
			st.Levels = append(st.Levels[:i], st.Levels[i+1:]...)
			return
		}
	}
}
