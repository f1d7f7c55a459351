// Package risk evaluates the ordered risk gates and plans the actions they force.
package risk

import (
	"time"

	"perp-grid-engine/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Gate names, in evaluation order.
const (
	GateHalted         = "halted"
	GateMinBalance     = "min_balance"
	GateCircuitBreaker = "circuit_breaker"
	GateDrawdown       = "drawdown"
	GateDailyLoss      = "daily_loss"
	GateExposure       = "exposure"
	GateVolatility     = "volatility"
	GateLiquidity      = "liquidity"
	GateFunding        = "funding"
)

var hundred = decimal.NewFromInt(100)

// Inputs is the market and account view for one risk tick.
type Inputs struct {
	Now     time.Time
	Balance models.Balance
	Price   decimal.Decimal
	Ticker  models.Ticker
	Signal  models.TrendSignal
}

// CutRequest asks the engine to close part of the aggregate position at market.
type CutRequest struct {
	Reason   string
	Fraction decimal.Decimal
}

// Verdict is the outcome of one risk tick.
type Verdict struct {
	Gate   string // first gate that triggered, empty if none
	Halt   *models.FatalRiskBreach
	Cut    *CutRequest
	Alerts []models.Alert
}

// Triggered reports whether any gate vetoed this tick.
func (v Verdict) Triggered() bool { return v.Gate != "" }

func (v *Verdict) alert(level models.AlertLevel, cat models.AlertCategory, msg string, kv ...interface{}) {
	v.Alerts = append(v.Alerts, models.NewAlert(level, cat, msg, kv...))
}

// trip is a gate veto; fields feed the alert raised when the block starts.
type trip struct {
	gate   string
	reason string
	fields []interface{}
}

type gate struct {
	name string
	fn   func(st *models.GridState, in Inputs, dd decimal.Decimal, v *Verdict) *trip
}

// Controller is stateless apart from edge-trigger flags; it runs on the engine's command loop.
type Controller struct {
	cfg    *models.Config
	logger *zap.Logger
	gates  []gate

	fundingWarned bool
}

// NewController creates a Controller.
func NewController(cfg *models.Config, logger *zap.Logger) *Controller {
	c := &Controller{cfg: cfg, logger: logger}
	c.gates = []gate{
		{GateMinBalance, c.minBalance},
		{GateCircuitBreaker, c.circuitBreaker},
		{GateDrawdown, c.drawdown},
		{GateDailyLoss, c.dailyLoss},
		{GateExposure, c.exposure},
		{GateVolatility, c.volatility},
		{GateLiquidity, c.liquidity},
		{GateFunding, c.funding},
	}
	return c
}

// DrawdownPercent is the decline of equity from peak, in percent, never negative.
func DrawdownPercent(peak, equity decimal.Decimal) decimal.Decimal {
	if !peak.IsPositive() || equity.GreaterThanOrEqual(peak) {
		return decimal.Zero
	}
	return peak.Sub(equity).Div(peak).Mul(hundred)
}

// EntriesAllowed reports whether new entry orders may be placed.
func EntriesAllowed(st *models.GridState) bool {
	return !st.Halted && !st.EntriesBlocked && st.PendingSide == ""
}

// Evaluate runs the gates in order; the first one that triggers ends the tick.
func (c *Controller) Evaluate(st *models.GridState, in Inputs) Verdict {
	var v Verdict
	if st.Halted {
		v.Gate = GateHalted
		st.EntriesBlocked = true
		return v
	}

	equity := in.Balance.Equity()
	if equity.GreaterThan(st.Drawdown.PeakBalance) {
		st.Drawdown.PeakBalance = equity
	}
	c.rollDaily(st, in, &v)
	dd := DrawdownPercent(st.Drawdown.PeakBalance, equity)
	st.Drawdown.LastPercent = dd

	var t *trip
	for _, g := range c.gates {
		if t = g.fn(st, in, dd, &v); t != nil {
			v.Gate = g.name
			break
		}
	}
	c.setBlock(st, t, &v)
	return v
}

// setBlock records the entry block and alerts only when its reason changes.
func (c *Controller) setBlock(st *models.GridState, t *trip, v *Verdict) {
	reason := ""
	if t != nil {
		reason = t.reason
	}
	if reason == st.BlockReason {
		st.EntriesBlocked = reason != ""
		return
	}
	if reason != "" {
		c.logger.Warn("new entries blocked", zap.String("gate", t.gate), zap.String("reason", reason))
		v.alert(models.AlertWarning, models.CategoryGate, "new entries blocked: "+reason,
			append([]interface{}{"gate", t.gate}, t.fields...)...)
	} else {
		c.logger.Info("new entries resumed", zap.String("previous", st.BlockReason))
		v.alert(models.AlertInfo, models.CategoryGate, "new entries resumed", "previous", st.BlockReason)
	}
	st.EntriesBlocked = reason != ""
	st.BlockReason = reason
}

func (c *Controller) minBalance(st *models.GridState, in Inputs, _ decimal.Decimal, v *Verdict) *trip {
	floor := c.cfg.Risk.MinBalanceUSDT
	equity := in.Balance.Equity()
	if !floor.IsPositive() || equity.GreaterThanOrEqual(floor) {
		return nil
	}
	breach := &models.FatalRiskBreach{Balance: equity, Floor: floor}
	st.Halted = true
	st.HaltReason = breach.Error()
	v.Halt = breach
	c.logger.Error("最低余额保护触发, 全部停机", zap.Stringer("equity", equity), zap.Stringer("floor", floor))
	v.alert(models.AlertCritical, models.CategoryGate, "minimum balance breached, trading halted",
		"equity", equity, "wallet", in.Balance.WalletBalance, "floor", floor)
	return &trip{gate: GateMinBalance, reason: "halted: minimum balance"}
}

// circuitBreaker blocks entries beyond the hard drawdown limit and escalates the
// drawdown machine straight to FULL_CUT.
func (c *Controller) circuitBreaker(st *models.GridState, in Inputs, dd decimal.Decimal, v *Verdict) *trip {
	limit := c.cfg.Risk.MaxDrawdownPercent
	if !limit.IsPositive() || !dd.GreaterThan(limit) {
		return nil
	}
	rec := &st.Drawdown
	if c.cfg.Drawdown.Enabled {
		if rec.State.Rank() >= models.DrawdownFullCut.Rank() {
			// the machine already took the most severe action
			return nil
		}
		c.enterDrawdown(st, models.DrawdownFullCut, dd, in, v)
		if st.HasExposure() && len(st.PendingCuts) == 0 {
			v.Cut = &CutRequest{Reason: string(models.DrawdownFullCut), Fraction: decimal.NewFromInt(1)}
		}
	}
	if st.BlockReason != GateCircuitBreaker {
		v.alert(models.AlertCritical, models.CategoryGate, "circuit breaker tripped",
			"drawdown_pct", dd.Round(2), "limit_pct", limit, "peak", rec.PeakBalance, "equity", in.Balance.Equity())
	}
	return &trip{gate: GateCircuitBreaker, reason: GateCircuitBreaker,
		fields: []interface{}{"drawdown_pct", dd.Round(2), "limit_pct", limit}}
}

func (c *Controller) dailyLoss(st *models.GridState, in Inputs, _ decimal.Decimal, v *Verdict) *trip {
	if in.Now.Before(st.DailyPausedTo) {
		return &trip{gate: GateDailyLoss, reason: GateDailyLoss,
			fields: []interface{}{"until", st.DailyPausedTo.Format(time.RFC3339)}}
	}
	loss := st.DailyRealizedPnl.Neg()
	if !loss.IsPositive() {
		return nil
	}
	limit := c.dailyLimit(st)
	if !limit.IsPositive() || loss.LessThan(limit) {
		return nil
	}
	st.DailyPausedTo = st.DailyStartTime.Add(24 * time.Hour)
	v.alert(models.AlertWarning, models.CategoryGate, "daily loss limit reached",
		"daily_pnl", st.DailyRealizedPnl, "limit", limit, "until", st.DailyPausedTo.Format(time.RFC3339))
	return &trip{gate: GateDailyLoss, reason: GateDailyLoss,
		fields: []interface{}{"daily_pnl", st.DailyRealizedPnl, "limit", limit}}
}

// dailyLimit is the tighter of the absolute and the percent limit.
func (c *Controller) dailyLimit(st *models.GridState) decimal.Decimal {
	limit := c.cfg.Risk.DailyLossLimitUSDT
	if pct := c.cfg.Risk.DailyLossLimitPercent; pct.IsPositive() && st.DailyStartBalance.IsPositive() {
		byPct := st.DailyStartBalance.Mul(pct).Div(hundred)
		if !limit.IsPositive() || byPct.LessThan(limit) {
			limit = byPct
		}
	}
	return limit
}

// rollDaily restarts the 24h window at its boundary.
func (c *Controller) rollDaily(st *models.GridState, in Inputs, v *Verdict) {
	if !st.DailyStartTime.IsZero() && in.Now.Sub(st.DailyStartTime) < 24*time.Hour {
		return
	}
	if !st.DailyStartTime.IsZero() {
		v.alert(models.AlertInfo, models.CategoryGate, "daily loss window reset",
			"previous_pnl", st.DailyRealizedPnl)
	}
	st.DailyStartTime = in.Now
	st.DailyRealizedPnl = decimal.Zero
	st.DailyStartBalance = in.Balance.WalletBalance
	st.DailyPausedTo = time.Time{}
}

func (c *Controller) exposure(st *models.GridState, in Inputs, _ decimal.Decimal, _ *Verdict) *trip {
	levels := len(st.ExposureLevels())
	if limit := c.cfg.Risk.MaxPositionLevels; limit > 0 && levels >= limit {
		return &trip{gate: GateExposure, reason: "max position levels",
			fields: []interface{}{"levels", levels, "max", limit}}
	}
	pct := c.cfg.Risk.MaxPositionPercent
	if !pct.IsPositive() || !in.Balance.WalletBalance.IsPositive() || !in.Price.IsPositive() {
		return nil
	}
	notional := st.ExposureNotional(in.Price)
	limit := in.Balance.WalletBalance.Mul(pct).Div(hundred)
	if notional.GreaterThanOrEqual(limit) {
		return &trip{gate: GateExposure, reason: "max position notional",
			fields: []interface{}{"notional", notional.Round(2), "limit", limit.Round(2)}}
	}
	return nil
}

// volatility pauses on EXTREME. ELEVATED only widens the next re-grid.
func (c *Controller) volatility(st *models.GridState, in Inputs, _ decimal.Decimal, v *Verdict) *trip {
	if in.Now.Before(st.SpikePausedTo) {
		return &trip{gate: GateVolatility, reason: "price spike",
			fields: []interface{}{"until", st.SpikePausedTo.Format(time.RFC3339)}}
	}
	sig := in.Signal
	if !sig.Available() {
		return nil
	}
	switch sig.VolatilityRegime {
	case models.VolatilityExtreme:
		return &trip{gate: GateVolatility, reason: "extreme volatility",
			fields: []interface{}{"volatility_pct", sig.VolatilityPercent.Round(2)}}
	case models.VolatilityElevated:
		if !st.WidenNextRange {
			st.WidenNextRange = true
			v.alert(models.AlertInfo, models.CategoryGate, "elevated volatility, next re-grid will use a wider range",
				"volatility_pct", sig.VolatilityPercent.Round(2), "widen_factor", c.cfg.Risk.ElevatedWidenFactor)
		}
	}
	return nil
}

func (c *Controller) liquidity(_ *models.GridState, in Inputs, _ decimal.Decimal, _ *Verdict) *trip {
	spread, depth := in.Signal.SpreadPercent, in.Signal.DepthUSD
	tk := in.Ticker
	if tk.Bid.IsPositive() && tk.Ask.IsPositive() {
		mid := tk.Bid.Add(tk.Ask).Div(decimal.NewFromInt(2))
		spread = tk.Ask.Sub(tk.Bid).Div(mid).Mul(hundred)
		depth = decimal.Min(tk.Bid.Mul(tk.BidQty), tk.Ask.Mul(tk.AskQty))
	}
	if limit := c.cfg.Risk.MaxSpreadPercent; limit.IsPositive() && spread.GreaterThan(limit) {
		return &trip{gate: GateLiquidity, reason: "spread too wide",
			fields: []interface{}{"spread_pct", spread.Round(4), "max_pct", limit}}
	}
	if floor := c.cfg.Risk.MinDepthUSD; floor.IsPositive() && depth.IsPositive() && depth.LessThan(floor) {
		return &trip{gate: GateLiquidity, reason: "book too thin",
			fields: []interface{}{"depth_usd", depth.Round(2), "min_usd", floor}}
	}
	return nil
}

// funding blocks entries when the grid's side pays an extreme rate.
func (c *Controller) funding(st *models.GridState, in Inputs, _ decimal.Decimal, v *Verdict) *trip {
	if !in.Signal.Available() {
		return nil
	}
	// LONG pays positive funding, SHORT pays negative
	paid := in.Signal.FundingRate.Mul(st.Side.Sign())
	if ext := c.cfg.Risk.FundingExtremeRate; ext.IsPositive() && paid.GreaterThanOrEqual(ext) {
		return &trip{gate: GateFunding, reason: "extreme funding rate",
			fields: []interface{}{"funding_pct", in.Signal.FundingRate, "side", st.Side, "limit_pct", ext}}
	}
	warn := c.cfg.Risk.FundingWarnRate
	high := warn.IsPositive() && paid.GreaterThanOrEqual(warn)
	if high && !c.fundingWarned {
		v.alert(models.AlertWarning, models.CategoryGate, "high funding rate against grid side",
			"funding_pct", in.Signal.FundingRate, "side", st.Side, "warn_pct", warn)
	}
	c.fundingWarned = high
	return nil
}

// Resume clears a fatal halt once equity is back above the floor.
// The drawdown peak restarts from current equity.
func (c *Controller) Resume(st *models.GridState, bal models.Balance, _ time.Time) error {
	equity := bal.Equity()
	if floor := c.cfg.Risk.MinBalanceUSDT; floor.IsPositive() && equity.LessThan(floor) {
		return &models.FatalRiskBreach{Balance: equity, Floor: floor}
	}
	st.Halted = false
	st.HaltReason = ""
	st.EntriesBlocked = false
	st.BlockReason = ""
	st.Drawdown.PeakBalance = equity
	st.Drawdown.LastPercent = decimal.Zero
	c.logger.Info("engine resumed", zap.Stringer("equity", equity))
	return nil
}
