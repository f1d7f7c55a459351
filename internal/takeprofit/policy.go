// Package takeprofit decides where each level's exit order sits.
package takeprofit

import (
	"fmt"

	"perp-grid-engine/internal/grid"
	"perp-grid-engine/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Decision is one TP placement: LIMIT at Price for smart/fixed, STOP_MARKET at Price for trailing.
type Decision struct {
	Mode      models.TPMode
	Price     decimal.Decimal
	Percent   decimal.Decimal
	OrderType models.OrderType
	Reason    string
}

// Policy evaluates trailing > smart > fixed.
type Policy struct {
	cfg   models.TakeProfitConfig
	rules models.SymbolRules
}

// NewPolicy 创建止盈策略
func NewPolicy(cfg models.TakeProfitConfig, rules models.SymbolRules) *Policy {
	return &Policy{cfg: cfg, rules: rules}
}

// SetRules swaps in refreshed symbol filters.
func (p *Policy) SetRules(rules models.SymbolRules) { p.rules = rules }

// Decide picks the TP for a position whose weighted-average entry is entry.
// The anchor is always the aggregate entry, never an individual fill.
func (p *Policy) Decide(side models.Side, entry decimal.Decimal, sig models.TrendSignal) Decision {
	if d, ok := p.Trailing(side, entry, sig); ok {
		return d
	}
	return p.Limit(side, entry, sig)
}

// Limit is Decide without the trailing stop: smart when a signal is available, else fixed.
func (p *Policy) Limit(side models.Side, entry decimal.Decimal, sig models.TrendSignal) Decision {
	if p.cfg.SmartEnabled && sig.Available() {
		pct, reason := p.smartPercent(side, sig)
		return p.limitAt(side, entry, pct, models.TPModeSmart, reason)
	}
	return p.limitAt(side, entry, p.cfg.FixedPercent, models.TPModeFixed, "fixed")
}

// Trailing returns the SuperTrend stop as TP once it is beyond breakeven.
func (p *Policy) Trailing(side models.Side, entry decimal.Decimal, sig models.TrendSignal) (Decision, bool) {
	if !p.cfg.TrailingEnabled || !sig.Available() {
		return Decision{}, false
	}
	stop := sig.SuperTrendLong
	if side == models.SideShort {
		stop = sig.SuperTrendShort
	}
	if !stop.IsPositive() {
		return Decision{}, false
	}
	stop = grid.RoundPrice(stop, p.rules)
	beyond := stop.GreaterThan(entry)
	if side == models.SideShort {
		beyond = stop.LessThan(entry)
	}
	if !beyond {
		return Decision{}, false
	}
	return Decision{
		Mode:      models.TPModeTrailing,
		Price:     stop,
		Percent:   stop.Sub(entry).Div(entry).Mul(hundred).Mul(side.Sign()).Round(4),
		OrderType: models.OrderTypeStopMarket,
		Reason:    "supertrend stop beyond breakeven",
	}, true
}

// ShouldRatchet reports whether candidate improves on current for the position.
// Trailing stops only ever move in the position's favor.
func ShouldRatchet(side models.Side, current, candidate decimal.Decimal) bool {
	if current.IsZero() {
		return candidate.IsPositive()
	}
	if side == models.SideShort {
		return candidate.LessThan(current)
	}
	return candidate.GreaterThan(current)
}

// smartPercent mirrors the thresholds for SHORT: overbought for a short is an oversold tape.
func (p *Policy) smartPercent(side models.Side, sig models.TrendSignal) (decimal.Decimal, string) {
	rsi := sig.RSI
	hist := sig.MACDHistogram
	score := sig.Score
	if side == models.SideShort {
		rsi = hundred.Sub(rsi)
		hist = hist.Neg()
		score = -score
	}

	switch {
	case rsi.GreaterThan(p.cfg.OverboughtRSI):
		return p.cfg.OverboughtPercent, fmt.Sprintf("rsi %s near exhaustion, quick tp", sig.RSI.StringFixed(1))
	case rsi.LessThan(p.cfg.OversoldRSI):
		return p.cfg.OversoldPercent, fmt.Sprintf("rsi %s stretched, hold for bigger move", sig.RSI.StringFixed(1))
	case hist.IsPositive() && score >= 2:
		return p.cfg.TrendPercent, "macd and trend aligned"
	case hist.IsNegative() || score <= -2:
		return p.cfg.AdversePercent, "momentum against position"
	default:
		return p.cfg.DefaultPercent, "neutral"
	}
}

func (p *Policy) limitAt(side models.Side, entry, pct decimal.Decimal, mode models.TPMode, reason string) Decision {
	factor := decimal.NewFromInt(1).Add(pct.Div(hundred).Mul(side.Sign()))
	price := grid.RoundPrice(entry.Mul(factor), p.rules)

	// rounding must never turn the exit into a loss
	if tick := p.rules.TickSize; tick.IsPositive() {
		if side == models.SideLong && !price.GreaterThan(entry) {
			price = entry.Div(tick).Floor().Add(decimal.NewFromInt(1)).Mul(tick)
		}
		if side == models.SideShort && !price.LessThan(entry) {
			price = entry.Div(tick).Ceil().Sub(decimal.NewFromInt(1)).Mul(tick)
		}
	}
	return Decision{
		Mode:      mode,
		Price:     price,
		Percent:   pct,
		OrderType: models.OrderTypeLimit,
		Reason:    reason,
	}
}

// Request builds the reduce-only exit order for a decision.
func (d Decision) Request(symbol string, side models.Side, qty decimal.Decimal, clientID string) models.OrderRequest {
	req := models.OrderRequest{
		Symbol:        symbol,
		Side:          side.ExitOrderSide(),
		Type:          d.OrderType,
		Quantity:      qty,
		ReduceOnly:    true,
		ClientOrderID: clientID,
	}
	if d.OrderType == models.OrderTypeStopMarket {
		req.StopPrice = d.Price
	} else {
		req.Price = d.Price
	}
	return req
}
