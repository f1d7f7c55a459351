package risk

import (
	"sort"
	"time"

	"perp-grid-engine/internal/grid"
	"perp-grid-engine/internal/models"

	"github.com/shopspring/decimal"
)

// cancel registers an engine-initiated cancel and returns the action for it.
func cancel(st *models.GridState, h models.OrderHandle, reason string) models.Action {
	key := h.ClientID
	if key == "" {
		key = h.OrderID
	}
	st.ExpectedCancels[key] = models.CancelIntent{Level: h.Level, Reason: reason}
	return models.Action{
		Kind:           models.ActionCancelOrder,
		Level:          h.Level,
		CancelOrderID:  h.OrderID,
		CancelClientID: h.ClientID,
		Reason:         reason,
	}
}

func entryHandle(l *models.GridLevel) models.OrderHandle {
	return models.OrderHandle{OrderID: l.EntryOrderID, ClientID: l.EntryClientID, Level: l.Index}
}

func tpHandle(l *models.GridLevel) models.OrderHandle {
	return models.OrderHandle{OrderID: l.TPOrderID, ClientID: l.TPClientID, Level: l.Index}
}

// PlanCut closes fraction of the aggregate position with one reduce-only market order.
// Levels with the worst entry are cut first; their TPs are cancelled before the close
// and resting entries are pulled so the cut is not refilled.
func PlanCut(st *models.GridState, fraction decimal.Decimal, reason string, rules models.SymbolRules, now time.Time) ([]models.Action, bool) {
	var levels []*models.GridLevel
	total := decimal.Zero
	for _, l := range st.ExposureLevels() {
		if l.Cutting {
			continue
		}
		levels = append(levels, l)
		total = total.Add(l.PositionQuantity)
	}
	if len(levels) == 0 || !fraction.IsPositive() {
		return nil, false
	}

	target := total
	if fraction.LessThan(decimal.NewFromInt(1)) {
		target = grid.FloorQuantity(total.Mul(fraction), rules)
	}
	if !target.IsPositive() {
		return nil, false
	}

	// worst first: highest entry for LONG, lowest for SHORT
	sort.SliceStable(levels, func(i, j int) bool {
		if st.Side == models.SideShort {
			return levels[i].EntryPrice.LessThan(levels[j].EntryPrice)
		}
		return levels[i].EntryPrice.GreaterThan(levels[j].EntryPrice)
	})

	var actions []models.Action
	var pre []models.OrderHandle
	var allocs []models.CutAllocation
	remaining := target
	for _, l := range levels {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, l.PositionQuantity)
		remaining = remaining.Sub(take)
		allocs = append(allocs, models.CutAllocation{Level: l.Index, Quantity: take, EntryPrice: l.EntryPrice})
		l.Cutting = true
		if l.State == models.LevelTPPlaced {
			h := tpHandle(l)
			cancel(st, h, "cut")
			pre = append(pre, h)
		}
	}

	for _, l := range st.Levels {
		if l.EntryClientID != "" || l.EntryOrderID != "" {
			actions = append(actions, cancel(st, entryHandle(l), "cut"))
		}
	}

	id := grid.NextClientOrderID(st, allocs[0].Level, models.RoleCut, now)
	st.PendingCuts[id] = &models.CutOrder{
		ClientID:    id,
		Reason:      reason,
		Quantity:    target,
		Allocations: allocs,
		CreatedAt:   now,
	}
	st.TrackOrder(models.OrderRef{Level: -1, Role: models.RoleCut, CutID: id}, id)

	actions = append(actions, models.Action{
		Kind:  models.ActionMarketClose,
		Level: -1,
		Request: models.OrderRequest{
			Symbol:        st.Symbol,
			Side:          st.Side.ExitOrderSide(),
			Type:          models.OrderTypeMarket,
			Quantity:      target,
			ReduceOnly:    true,
			ClientOrderID: id,
		},
		PreCancels: pre,
		Reason:     reason,
	})
	return actions, true
}
