package grid

import (
	"fmt"

	"perp-grid-engine/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Layout is one computed ladder: ascending prices around Center.
type Layout struct {
	Center       decimal.Decimal
	RangePercent decimal.Decimal
	Lower        decimal.Decimal
	Upper        decimal.Decimal
	Step         decimal.Decimal
	Prices       []decimal.Decimal
}

// ComputeLevels spaces count prices arithmetically between
// center*(1-range%) and center*(1+range%), each rounded to the tick.
// rangePercent is in percent units (15 means ±15%).
func ComputeLevels(center, rangePercent decimal.Decimal, count int, rules models.SymbolRules) (*Layout, error) {
	var problems []string
	if count < 2 {
		problems = append(problems, fmt.Sprintf("grid count must be >= 2, got %d", count))
	}
	if !center.IsPositive() {
		problems = append(problems, fmt.Sprintf("center price must be positive, got %s", center))
	}
	if !rangePercent.IsPositive() || !rangePercent.LessThan(hundred) {
		problems = append(problems, fmt.Sprintf("range percent must be in (0, 100), got %s", rangePercent))
	}
	if len(problems) > 0 {
		return nil, &models.ConfigError{Problems: problems}
	}

	ratio := rangePercent.Div(hundred)
	lower := center.Mul(decimal.NewFromInt(1).Sub(ratio))
	upper := center.Mul(decimal.NewFromInt(1).Add(ratio))
	step := upper.Sub(lower).Div(decimal.NewFromInt(int64(count - 1)))

	prices := make([]decimal.Decimal, 0, count)
	for i := 0; i < count; i++ {
		p := RoundPrice(lower.Add(step.Mul(decimal.NewFromInt(int64(i)))), rules)
		if n := len(prices); n > 0 && !p.GreaterThan(prices[n-1]) {
			return nil, &models.ConfigError{Problems: []string{
				fmt.Sprintf("grid step %s collapses below tick size %s", step, rules.TickSize),
			}}
		}
		prices = append(prices, p)
	}

	return &Layout{
		Center:       center,
		RangePercent: rangePercent,
		Lower:        prices[0],
		Upper:        prices[len(prices)-1],
		Step:         step,
		Prices:       prices,
	}, nil
}

// RoundPrice rounds half-even to the tick size, or to PricePrecision when no tick is known.
func RoundPrice(price decimal.Decimal, rules models.SymbolRules) decimal.Decimal {
	if rules.TickSize.IsPositive() {
		return price.Div(rules.TickSize).RoundBank(0).Mul(rules.TickSize)
	}
	return price.RoundBank(rules.PricePrecision)
}

// FloorQuantity rounds down to the lot step. Rounding up could exceed the allowed notional.
func FloorQuantity(qty decimal.Decimal, rules models.SymbolRules) decimal.Decimal {
	if rules.StepSize.IsPositive() {
		return qty.Div(rules.StepSize).Floor().Mul(rules.StepSize)
	}
	return qty.Truncate(rules.QuantityPrecision)
}

// ceilQuantity is only used to reach the venue minimums.
func ceilQuantity(qty decimal.Decimal, rules models.SymbolRules) decimal.Decimal {
	if rules.StepSize.IsPositive() {
		return qty.Div(rules.StepSize).Ceil().Mul(rules.StepSize)
	}
	return qty.RoundUp(rules.QuantityPrecision)
}

// OrderQuantity sizes one level: usdtPerGrid * leverage * sizeRatio / price, rounded down.
// A result under the venue's min notional or min qty is bumped to the smallest valid size.
func OrderQuantity(usdtPerGrid decimal.Decimal, leverage int, sizeRatio, price decimal.Decimal, rules models.SymbolRules) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("order quantity: price must be positive, got %s", price)
	}
	if !sizeRatio.IsPositive() {
		sizeRatio = decimal.NewFromInt(1)
	}
	notional := usdtPerGrid.Mul(decimal.NewFromInt(int64(leverage))).Mul(sizeRatio)
	qty := FloorQuantity(notional.Div(price), rules)

	if rules.MinNotional.IsPositive() && qty.Mul(price).LessThan(rules.MinNotional) {
		qty = ceilQuantity(rules.MinNotional.Div(price), rules)
	}
	if rules.MinQty.IsPositive() && qty.LessThan(rules.MinQty) {
		qty = rules.MinQty
	}
	if rules.MaxQty.IsPositive() && qty.GreaterThan(rules.MaxQty) {
		qty = FloorQuantity(rules.MaxQty, rules)
	}
	if !qty.IsPositive() {
		return decimal.Zero, &models.RejectedOrderError{Reason: fmt.Sprintf("quantity rounds to zero at price %s", price)}
	}
	return qty, nil
}

// NearestLevel returns the level whose target is closest to price within tolerance.
func NearestLevel(levels []*models.GridLevel, price, tolerance decimal.Decimal) *models.GridLevel {
	var best *models.GridLevel
	bestDist := decimal.Zero
	for _, l := range levels {
		dist := l.TargetPrice.Sub(price).Abs()
		if dist.GreaterThan(tolerance) {
			continue
		}
		if best == nil || dist.LessThan(bestDist) {
			best, bestDist = l, dist
		}
	}
	return best
}

// BuildLevels turns a layout into EMPTY levels with fresh indices starting at next.
func BuildLevels(layout *Layout, next int) ([]*models.GridLevel, int) {
	levels := make([]*models.GridLevel, 0, len(layout.Prices))
	for _, p := range layout.Prices {
		levels = append(levels, &models.GridLevel{
			Index:       next,
			TargetPrice: p,
			State:       models.LevelEmpty,
		})
		next++
	}
	return levels, next
}

// SideEligible reports whether an entry at target rests passively for side:
// LONG grids buy below the last price, SHORT grids sell above it.
func SideEligible(side models.Side, target, last decimal.Decimal) bool {
	if side == models.SideShort {
		return target.GreaterThan(last)
	}
	return target.LessThan(last)
}
