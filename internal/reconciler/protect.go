package reconciler

import (
	"perp-grid-engine/internal/grid"
	"perp-grid-engine/internal/models"
	"perp-grid-engine/internal/takeprofit"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Protect places or re-sizes the level's take-profit to cover its whole position.
// A pending TP is never duplicated: it is replaced (cancel + place) under a new client id.
func (r *Reconciler) Protect(st *models.GridState, l *models.GridLevel, env Env) Result {
	var res Result
	if !l.State.HasExposure() || l.Cutting {
		return res
	}
	if st.Halted {
		l.Degraded = true
		l.DegradedReason = "halted"
		return res
	}

	qty := grid.FloorQuantity(l.PositionQuantity, env.Rules)
	d := r.policy.Decide(st.Side, l.EntryPrice, env.Signal)
	if l.NoTrailing {
		d = r.policy.Limit(st.Side, l.EntryPrice, env.Signal)
	}

	// trailing stops ratchet only
	if l.TPMode == models.TPModeTrailing && d.Mode == models.TPModeTrailing &&
		!takeprofit.ShouldRatchet(st.Side, l.TPPrice, d.Price) {
		d.Price = l.TPPrice
	}

	if l.State == models.LevelTPPlaced && l.TPQuantity.Equal(qty) && l.TPPrice.Equal(d.Price) && l.TPMode == d.Mode {
		return res
	}

	if reason := belowMinimum(qty, d.Price, env.Rules); reason != "" {
		l.Degraded = true
		l.DegradedReason = reason
		l.DegradedSince = env.Now
		res.alert(models.AlertWarning, models.CategoryOrder, "take-profit not placed, level unprotected",
			"level", l.Index, "qty", qty, "price", d.Price, "reason", reason)
		return res
	}

	clientID := grid.NextClientOrderID(st, l.Index, models.RoleTP, env.Now)
	req := d.Request(st.Symbol, st.Side, qty, clientID)
	action := models.Action{Kind: models.ActionPlaceTP, Level: l.Index, Request: req, Reason: d.Reason}

	if l.State == models.LevelTPPlaced {
		old := tpHandle(l)
		st.ExpectedCancels[orderKey(old.OrderID, old.ClientID)] = models.CancelIntent{Level: l.Index, Reason: "replace"}
		action.Kind = models.ActionReplaceTP
		action.CancelOrderID = old.OrderID
		action.CancelClientID = old.ClientID
	}
	if err := grid.PlaceTP(l, d.Price, qty, d.Mode, clientID, env.Now); err != nil {
		r.logger.Sugar().Errorf("止盈挂单状态错误: %v", err)
		return res
	}
	st.TrackOrder(models.OrderRef{Level: l.Index, Role: models.RoleTP}, clientID)

	r.logger.Sugar().Infof("止盈: level=%d mode=%s price=%s qty=%s entry=%s (%s)",
		l.Index, d.Mode, d.Price, qty, l.EntryPrice, d.Reason)
	res.Actions = append(res.Actions, action)
	return res
}

const (
	reasonBelowStep        = "quantity below lot step"
	reasonBelowMinQty      = "quantity below min qty"
	reasonBelowMinNotional = "notional below min notional"
)

func belowMinimum(qty, price decimal.Decimal, rules models.SymbolRules) string {
	if !qty.IsPositive() {
		return reasonBelowStep
	}
	if rules.MinQty.IsPositive() && qty.LessThan(rules.MinQty) {
		return reasonBelowMinQty
	}
	if rules.MinNotional.IsPositive() && qty.Mul(price).LessThan(rules.MinNotional) {
		return reasonBelowMinNotional
	}
	return ""
}

// Retryable reports whether a degraded level may get its take-profit again without
// its position changing. Positions below the venue minimums cannot.
func Retryable(l *models.GridLevel) bool {
	if !l.Degraded {
		return false
	}
	switch l.DegradedReason {
	case reasonBelowStep, reasonBelowMinQty, reasonBelowMinNotional:
		return false
	}
	return true
}

func tpHandle(l *models.GridLevel) models.OrderHandle {
	return models.OrderHandle{OrderID: l.TPOrderID, ClientID: l.TPClientID, Level: l.Index}
}

// PlaceEntry records an entry intent for an EMPTY level and returns the order to submit.
func (r *Reconciler) PlaceEntry(st *models.GridState, l *models.GridLevel, env Env) Result {
	var res Result
	if l.State != models.LevelEmpty || l.Retiring || st.Halted {
		return res
	}
	if env.EntryQuantity == nil {
		return res
	}
	qty, err := env.EntryQuantity(l.TargetPrice)
	if err != nil {
		res.alert(models.AlertWarning, models.CategoryOrder, "entry not sized",
			"level", l.Index, "price", l.TargetPrice, "error", err)
		return res
	}
	clientID := grid.NextClientOrderID(st, l.Index, models.RoleEntry, env.Now)
	if err := grid.PlaceEntry(l, st.Side, qty, clientID, env.Now); err != nil {
		r.logger.Sugar().Errorf("入场挂单状态错误: %v", err)
		return res
	}
	st.TrackOrder(models.OrderRef{Level: l.Index, Role: models.RoleEntry}, clientID)

	res.Actions = append(res.Actions, models.Action{
		Kind:  models.ActionPlaceEntry,
		Level: l.Index,
		Request: models.OrderRequest{
			Symbol:        st.Symbol,
			Side:          st.Side.EntryOrderSide(),
			Type:          models.OrderTypeLimit,
			Quantity:      qty,
			Price:         l.TargetPrice,
			ClientOrderID: clientID,
		},
		Reason: "grid entry",
	})
	return res
}

// cancelOrder registers an engine-initiated cancel so its terminal event raises no alert.
func (r *Reconciler) cancelOrder(st *models.GridState, h models.OrderHandle, reason string, res *Result) {
	st.ExpectedCancels[orderKey(h.OrderID, h.ClientID)] = models.CancelIntent{Level: h.Level, Reason: reason}
	res.Actions = append(res.Actions, models.Action{
		Kind:           models.ActionCancelOrder,
		Level:          h.Level,
		CancelOrderID:  h.OrderID,
		CancelClientID: h.ClientID,
		Reason:         reason,
	})
}

// CancelOrder is the exported form of cancelOrder for the risk loop.
func (r *Reconciler) CancelOrder(st *models.GridState, h models.OrderHandle, reason string) Result {
	var res Result
	r.cancelOrder(st, h, reason, &res)
	return res
}

func (r *Reconciler) realize(st *models.GridState, l *models.GridLevel, c grid.Close, reason, exitOrderID string, env Env, res *Result) {
	st.RealizedPnl = st.RealizedPnl.Add(c.Pnl)
	st.DailyRealizedPnl = st.DailyRealizedPnl.Add(c.Pnl)
	st.TotalTrades++
	if c.Pnl.IsPositive() {
		st.WinningTrades++
	}
	res.Closes = append(res.Closes, c)
	res.Trades = append(res.Trades, models.TradeRecord{
		TradeID:      uuid.NewString(),
		Symbol:       st.Symbol,
		LevelIndex:   l.Index,
		Side:         st.Side,
		EntryPrice:   c.EntryPrice,
		ExitPrice:    c.ExitPrice,
		Quantity:     c.Quantity,
		RealizedPnl:  c.Pnl,
		Reason:       reason,
		EntryOrderID: l.EntryOrderID,
		ExitOrderID:  exitOrderID,
		OpenedAt:     c.OpenedAt,
		ClosedAt:     env.Now,
	})
	r.logger.Sugar().Infof("平仓: level=%d reason=%s entry=%s exit=%s qty=%s pnl=%s total=%s",
		l.Index, reason, c.EntryPrice, c.ExitPrice, c.Quantity, c.Pnl, st.RealizedPnl)
	res.alert(models.AlertInfo, models.CategoryFill, "position closed",
		"level", l.Index, "reason", reason, "entry", c.EntryPrice, "exit", c.ExitPrice,
		"qty", c.Quantity, "pnl", c.Pnl, "realized_total", st.RealizedPnl)
}

// afterClose recycles a level that just went flat through its TP.
func (r *Reconciler) afterClose(st *models.GridState, l *models.GridLevel, lastPrice decimal.Decimal, env Env, res *Result) {
	if l.Retiring && l.State == models.LevelEmpty {
		retireLevel(st, l)
		return
	}
	if l.State != models.LevelEmpty || !env.AutoRegrid || !env.EntriesAllowed {
		return
	}
	if lastPrice.IsPositive() && !grid.SideEligible(st.Side, l.TargetPrice, lastPrice) {
		return
	}
	res.Merge(r.PlaceEntry(st, l, env))
}
