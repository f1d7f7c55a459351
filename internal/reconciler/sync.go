package reconciler

import (
	"sort"
	"strings"

	"perp-grid-engine/internal/grid"
	"perp-grid-engine/internal/models"

	"github.com/shopspring/decimal"
)

// ExchangeView is the venue's truth at the start of a reconciliation pass.
type ExchangeView struct {
	OpenOrders []models.Order
	Position   models.Position
	LastPrice  decimal.Decimal
}

type orderIndex struct {
	byClient map[string]models.Order
	byID     map[string]models.Order
}

func indexOrders(orders []models.Order) orderIndex {
	idx := orderIndex{byClient: make(map[string]models.Order), byID: make(map[string]models.Order)}
	for _, o := range orders {
		if o.ClientOrderID != "" {
			idx.byClient[o.ClientOrderID] = o
		}
		if o.OrderID != "" {
			idx.byID[o.OrderID] = o
		}
	}
	return idx
}

func (idx orderIndex) has(orderID, clientID string) bool {
	if _, ok := idx.byClient[clientID]; ok && clientID != "" {
		return true
	}
	_, ok := idx.byID[orderID]
	return ok && orderID != ""
}

// MissingOrders lists locally referenced orders the venue no longer shows open.
// The caller resolves each by status query and feeds the result through Apply.
func MissingOrders(st *models.GridState, open []models.Order, env Env) []models.OrderHandle {
	idx := indexOrders(open)
	var out []models.OrderHandle
	add := func(orderID, clientID string, level int) {
		if orderID == "" && clientID == "" {
			return
		}
		if idx.has(orderID, clientID) || env.inFlight(clientID) {
			return
		}
		out = append(out, models.OrderHandle{OrderID: orderID, ClientID: clientID, Level: level})
	}
	for _, l := range st.Levels {
		add(l.EntryOrderID, l.EntryClientID, l.Index)
		add(l.TPOrderID, l.TPClientID, l.Index)
	}
	for id := range st.PendingCuts {
		add("", id, -1)
	}
	return out
}

// Sync aligns local state with the venue: the exchange is always the truth.
// Run after MissingOrders were resolved, on boot and after every stream reconnect.
func (r *Reconciler) Sync(st *models.GridState, view ExchangeView, env Env) Result {
	var res Result
	res.Applied = true
	idx := indexOrders(view.OpenOrders)
	tolerance := st.GridStep.Div(decimal.NewFromInt(2))

	r.dropStaleReferences(st, idx, env, &res)
	r.alignSide(st, view.Position, env, &res)

	var exits []models.Order
	for _, o := range view.OpenOrders {
		ref, tracked := st.Orders[o.ClientOrderID]
		if !tracked {
			ref, tracked = st.Orders[o.OrderID]
		}
		if tracked {
			r.checkTracked(st, o, ref, &res)
			continue
		}
		if o.ReduceOnly {
			exits = append(exits, o)
			continue
		}
		r.adoptEntry(st, o, tolerance, env, &res)
	}

	r.alignPosition(st, view.Position, env, &res)

	for _, o := range exits {
		r.adoptExit(st, o, env, &res)
	}

	for id, cut := range st.PendingCuts {
		if !idx.has("", id) && !env.inFlight(id) {
			r.releaseCut(st, cut, env, &res)
		}
	}

	for _, l := range st.ExposureLevels() {
		if l.State == models.LevelPositionHeld {
			res.Merge(r.Protect(st, l, env))
		}
	}
	st.SortLevels()
	return res
}

// dropStaleReferences clears level references to orders that are gone and whose status is unknown.
func (r *Reconciler) dropStaleReferences(st *models.GridState, idx orderIndex, env Env, res *Result) {
	for _, l := range append([]*models.GridLevel(nil), st.Levels...) {
		if (l.EntryClientID != "" || l.EntryOrderID != "") && !idx.has(l.EntryOrderID, l.EntryClientID) && !env.inFlight(l.EntryClientID) {
			conflict := &models.ReconciliationConflict{Level: l.Index, OrderID: orderKey(l.EntryOrderID, l.EntryClientID),
				Local: string(l.State), Exchange: "entry order absent"}
			st.ForgetOrder(l.EntryOrderID, l.EntryClientID)
			if err := grid.EntryCanceled(l, env.Now); err != nil {
				l.ClearEntry()
			}
			res.alert(models.AlertWarning, models.CategoryReconcile, conflict.Error())
			if l.Retiring && l.State == models.LevelEmpty {
				retireLevel(st, l)
			}
		}
		if (l.TPClientID != "" || l.TPOrderID != "") && !idx.has(l.TPOrderID, l.TPClientID) && !env.inFlight(l.TPClientID) {
			conflict := &models.ReconciliationConflict{Level: l.Index, OrderID: orderKey(l.TPOrderID, l.TPClientID),
				Local: string(l.State), Exchange: "take-profit absent"}
			st.ForgetOrder(l.TPOrderID, l.TPClientID)
			if l.State == models.LevelTPPlaced {
				_ = grid.TPCanceled(l, env.Now)
			} else {
				l.ClearTP()
			}
			res.alert(models.AlertWarning, models.CategoryReconcile, conflict.Error())
		}
	}
}

// alignSide adopts the direction of an exchange position; exposure defines the side.
func (r *Reconciler) alignSide(st *models.GridState, pos models.Position, env Env, res *Result) {
	if pos.Amount.IsZero() {
		return
	}
	exSide := models.SideLong
	if pos.Amount.IsNegative() {
		exSide = models.SideShort
	}
	if exSide == st.Side {
		return
	}
	res.alert(models.AlertCritical, models.CategoryReconcile, "exchange position opposes grid side, adopting exchange side",
		"grid_side", st.Side, "exchange_amount", pos.Amount)
	for _, l := range st.ExposureLevels() {
		if l.State == models.LevelTPPlaced {
			r.cancelOrder(st, tpHandle(l), "reconcile", res)
		}
		// the exchange already settled this exposure; book it at entry
		if _, err := grid.ApplyReduce(l, st.Side, l.EntryPrice, l.PositionQuantity, env.Now); err != nil {
			r.logger.Sugar().Warnf("方向对齐时无法清空档位 %d: %v", l.Index, err)
		}
	}
	for _, l := range st.Levels {
		if l.State.EntryPending() {
			r.cancelOrder(st, models.OrderHandle{OrderID: l.EntryOrderID, ClientID: l.EntryClientID, Level: l.Index}, "reconcile", res)
		}
	}
	st.Side = exSide
}

// checkTracked cancels live orders the state tracks but no level owns any more.
func (r *Reconciler) checkTracked(st *models.GridState, o models.Order, ref models.OrderRef, res *Result) {
	if ref.Role == models.RoleCut {
		return
	}
	l := st.Level(ref.Level)
	ev := models.OrderEvent{OrderID: o.OrderID, ClientOrderID: o.ClientOrderID}
	owned := l != nil && ((ref.Role == models.RoleEntry && isEntry(l, ev)) || (ref.Role == models.RoleTP && isTP(l, ev)))
	if owned {
		return
	}
	if _, pending := st.ExpectedCancels[orderKey(o.OrderID, o.ClientOrderID)]; pending {
		// a cancel we already asked for may not have landed; ask again
		res.Actions = append(res.Actions, models.Action{Kind: models.ActionCancelOrder, Level: ref.Level,
			CancelOrderID: o.OrderID, CancelClientID: o.ClientOrderID, Reason: "superseded"})
		return
	}
	r.cancelOrder(st, models.OrderHandle{OrderID: o.OrderID, ClientID: o.ClientOrderID, Level: ref.Level}, "superseded", res)
}

func ours(o models.Order) bool {
	return strings.HasPrefix(o.ClientOrderID, "grid_")
}

func versionOf(o models.Order) models.EventVersion {
	ev := EventFromOrder(o)
	v := ev.Version()
	v.AppliedAt = o.UpdateTime
	return v
}

// adoptEntry attaches an unknown resting entry to the nearest EMPTY level within half a step.
func (r *Reconciler) adoptEntry(st *models.GridState, o models.Order, tolerance decimal.Decimal, env Env, res *Result) {
	var l *models.GridLevel
	if idx, _, ok := grid.ParseClientOrderID(o.ClientOrderID); ok {
		if cand := st.Level(idx); cand != nil && cand.TargetPrice.Sub(o.EffectivePrice()).Abs().LessThanOrEqual(tolerance) {
			l = cand
		}
	}
	if l == nil {
		l = grid.NearestLevel(st.Levels, o.EffectivePrice(), tolerance)
	}

	adoptable := o.Side == st.Side.EntryOrderSide() && l != nil && l.State == models.LevelEmpty && !l.Retiring
	if !adoptable {
		if ours(o) {
			r.cancelOrder(st, models.OrderHandle{OrderID: o.OrderID, ClientID: o.ClientOrderID, Level: -1}, "orphan", res)
			res.alert(models.AlertWarning, models.CategoryReconcile, "cancelling orphaned grid order",
				"order_id", o.OrderID, "side", o.Side, "price", o.EffectivePrice())
		} else {
			res.alert(models.AlertWarning, models.CategoryReconcile, "foreign order left untouched",
				"order_id", o.OrderID, "side", o.Side, "price", o.EffectivePrice())
		}
		return
	}

	if err := grid.PlaceEntry(l, st.Side, o.OrigQty, o.ClientOrderID, env.Now); err != nil {
		return
	}
	l.EntryOrderID = o.OrderID
	st.TrackOrder(models.OrderRef{Level: l.Index, Role: models.RoleEntry}, o.OrderID, o.ClientOrderID)
	st.Versions[orderKey(o.OrderID, o.ClientOrderID)] = versionOf(o)
	res.alert(models.AlertInfo, models.CategoryReconcile, "adopted resting entry order",
		"level", l.Index, "order_id", o.OrderID, "price", o.EffectivePrice(), "qty", o.OrigQty)
}

// alignPosition makes the local aggregate match the exchange position size.
func (r *Reconciler) alignPosition(st *models.GridState, pos models.Position, env Env, res *Result) {
	exQty := pos.Amount.Abs()
	localQty, localAvg := st.AggregatePosition()
	tolerance := env.Rules.StepSize.Div(decimal.NewFromInt(2))
	diff := exQty.Sub(localQty)

	switch {
	case diff.GreaterThan(tolerance):
		entry := pos.EntryPrice
		if localQty.IsPositive() && pos.EntryPrice.IsPositive() {
			if e := pos.EntryPrice.Mul(exQty).Sub(localAvg.Mul(localQty)).Div(diff); e.IsPositive() {
				entry = e
			}
		}
		if !entry.IsPositive() {
			entry = pos.MarkPrice
		}
		l := &models.GridLevel{
			Index:       st.NextIndex,
			TargetPrice: grid.RoundPrice(entry, env.Rules),
			State:       models.LevelEmpty,
		}
		st.NextIndex++
		if err := grid.Adopt(l, diff, entry, true, env.Now); err != nil {
			return
		}
		st.Levels = append(st.Levels, l)
		st.SortLevels()
		res.alert(models.AlertWarning, models.CategoryReconcile, "unmanaged exposure adopted into synthetic level",
			"level", l.Index, "qty", diff, "entry", entry, "exchange_qty", exQty, "local_qty", localQty)

	case diff.LessThan(tolerance.Neg()):
		shortfall := diff.Neg()
		levels := st.ExposureLevels()
		// newest exposure is assumed closed first
		sort.SliceStable(levels, func(i, j int) bool { return levels[i].OpenedAt.After(levels[j].OpenedAt) })
		for _, l := range levels {
			if !shortfall.IsPositive() {
				break
			}
			take := decimal.Min(shortfall, l.PositionQuantity)
			live := tpHandle(l)
			c, err := grid.ApplyReduce(l, st.Side, l.EntryPrice, take, env.Now)
			if err != nil {
				continue
			}
			shortfall = shortfall.Sub(c.Quantity)
			if c.Flat && (live.ClientID != "" || live.OrderID != "") {
				r.cancelOrder(st, live, "reconcile", res)
			}
		}
		res.alert(models.AlertWarning, models.CategoryReconcile, "local exposure exceeded exchange position, reduced",
			"exchange_qty", exQty, "local_qty", localQty)
	}
}

// adoptExit attaches an unknown reduce-only order to the exposed level its client id names.
func (r *Reconciler) adoptExit(st *models.GridState, o models.Order, env Env, res *Result) {
	if idx, role, ok := grid.ParseClientOrderID(o.ClientOrderID); ok && role == models.RoleTP {
		l := st.Level(idx)
		if l != nil && l.State == models.LevelPositionHeld && !l.Cutting {
			mode := models.TPModeFixed
			if o.Type == models.OrderTypeStopMarket {
				mode = models.TPModeTrailing
			}
			if err := grid.PlaceTP(l, o.EffectivePrice(), o.OrigQty, mode, o.ClientOrderID, env.Now); err == nil {
				l.TPOrderID = o.OrderID
				st.TrackOrder(models.OrderRef{Level: l.Index, Role: models.RoleTP}, o.OrderID, o.ClientOrderID)
				st.Versions[orderKey(o.OrderID, o.ClientOrderID)] = versionOf(o)
				res.alert(models.AlertInfo, models.CategoryReconcile, "adopted resting take-profit",
					"level", l.Index, "order_id", o.OrderID, "price", o.EffectivePrice())
				if !o.OrigQty.Equal(grid.FloorQuantity(l.PositionQuantity, env.Rules)) {
					res.Merge(r.Protect(st, l, env))
				}
				return
			}
		}
	}
	if ours(o) {
		r.cancelOrder(st, models.OrderHandle{OrderID: o.OrderID, ClientID: o.ClientOrderID, Level: -1}, "orphan", res)
		res.alert(models.AlertWarning, models.CategoryReconcile, "cancelling orphaned exit order",
			"order_id", o.OrderID, "price", o.EffectivePrice())
		return
	}
	res.alert(models.AlertWarning, models.CategoryReconcile, "foreign reduce-only order left untouched",
		"order_id", o.OrderID, "price", o.EffectivePrice())
}
