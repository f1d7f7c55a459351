package risk

import (
	"time"

	"perp-grid-engine/internal/grid"
	"perp-grid-engine/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CheckRegrid counts consecutive ticks with price beyond the re-grid threshold
// and reports true once the confirmations and the minimum interval are met.
func (c *Controller) CheckRegrid(st *models.GridState, price decimal.Decimal, now time.Time) bool {
	cfg := c.cfg.Regrid
	if st.Halted || !st.CenterPrice.IsPositive() || !price.IsPositive() || !cfg.ThresholdPercent.IsPositive() {
		return false
	}
	dev := price.Sub(st.CenterPrice).Abs().Div(st.CenterPrice).Mul(hundred)
	if !dev.GreaterThan(cfg.ThresholdPercent) {
		st.RegridStreak = 0
		return false
	}
	st.RegridStreak++
	need := cfg.Confirmations
	if need < 1 {
		need = 1
	}
	if st.RegridStreak < need {
		c.logger.Info("网格偏离待确认", zap.Int("streak", st.RegridStreak), zap.Int("need", need),
			zap.Stringer("deviation_pct", dev.Round(2)))
		return false
	}
	if !st.LastRegridAt.IsZero() && now.Sub(st.LastRegridAt) < time.Duration(cfg.MinIntervalMinutes)*time.Minute {
		return false
	}
	return true
}

// RegridPlan is the result of recentering the ladder.
type RegridPlan struct {
	Layout  *grid.Layout
	Actions []models.Action
	Kept    int // levels kept because they hold exposure
	Retired int // levels whose entry is being cancelled
	Alert   models.Alert
}

// PlanRegrid recenters the ladder on price. Only EMPTY and entry-pending levels are
// touched; levels holding exposure keep their TP and retire once flat.
func (c *Controller) PlanRegrid(st *models.GridState, price decimal.Decimal, rules models.SymbolRules, now time.Time) (*RegridPlan, error) {
	rangePct := c.cfg.Grid.RangePercent
	widened := false
	if st.WidenNextRange && c.cfg.Risk.ElevatedWidenFactor.IsPositive() {
		rangePct = rangePct.Mul(c.cfg.Risk.ElevatedWidenFactor)
		if ceil := c.cfg.Grid.MaxRangePercent; ceil.IsPositive() && rangePct.GreaterThan(ceil) {
			rangePct = ceil
		}
		widened = true
	}
	layout, err := grid.ComputeLevels(price, rangePct, c.cfg.Grid.Count, rules)
	if err != nil {
		return nil, err
	}

	plan := &RegridPlan{Layout: layout}
	var keep []*models.GridLevel
	for _, l := range st.Levels {
		switch {
		case l.State.HasExposure():
			l.Retiring = true
			l.RungPrice = decimal.Zero
			keep = append(keep, l)
			plan.Kept++
		case l.State.EntryPending():
			l.Retiring = true
			keep = append(keep, l)
			plan.Retired++
			if _, pending := st.ExpectedCancels[entryHandle(l).ClientID]; !pending {
				plan.Actions = append(plan.Actions, cancel(st, entryHandle(l), "regrid"))
			}
		default:
			// EMPTY: nothing rests on the book
			st.ForgetOrder(l.EntryOrderID, l.EntryClientID)
		}
	}

	fresh, next := grid.BuildLevels(layout, st.NextIndex)
	tolerance := layout.Step.Div(decimal.NewFromInt(2))
	for _, l := range fresh {
		// one exposure per price: skip rungs a kept position already occupies
		if occupied := grid.NearestLevel(exposureOnly(keep), l.TargetPrice, tolerance); occupied != nil {
			occupied.RungPrice = l.TargetPrice
			continue
		}
		keep = append(keep, l)
	}
	st.Levels = keep
	st.NextIndex = next
	st.SortLevels()

	prevCenter := st.CenterPrice
	st.CenterPrice = layout.Center
	st.RangePercent = rangePct
	st.GridStep = layout.Step
	st.LastRegridAt = now
	st.RegridStreak = 0
	st.WidenNextRange = false

	c.logger.Info("网格重置",
		zap.Stringer("old_center", prevCenter), zap.Stringer("new_center", layout.Center),
		zap.Stringer("range_pct", rangePct), zap.Int("kept", plan.Kept), zap.Int("retired", plan.Retired))
	plan.Alert = models.NewAlert(models.AlertInfo, models.CategoryRegrid, "grid recentered",
		"old_center", prevCenter, "new_center", layout.Center, "price", price,
		"range_pct", rangePct, "widened", widened, "lower", layout.Lower, "upper", layout.Upper,
		"kept_exposure", plan.Kept, "cancelled_entries", plan.Retired)
	return plan, nil
}

func exposureOnly(levels []*models.GridLevel) []*models.GridLevel {
	var out []*models.GridLevel
	for _, l := range levels {
		if l.State.HasExposure() {
			out = append(out, l)
		}
	}
	return out
}
