package risk

import (
	"time"

	"perp-grid-engine/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// severity maps a drawdown percent to the most severe state it reaches.
// Evaluated as a whole so one tick that jumps past every threshold lands on FULL_CUT.
func (c *Controller) severity(dd decimal.Decimal) models.DrawdownState {
	cfg := c.cfg.Drawdown
	switch {
	case dd.GreaterThanOrEqual(cfg.FullPercent):
		return models.DrawdownFullCut
	case dd.GreaterThanOrEqual(cfg.PartialPercent):
		return models.DrawdownPartialCut
	case dd.GreaterThanOrEqual(cfg.PausePercent):
		return models.DrawdownPaused
	default:
		return models.DrawdownNormal
	}
}

// nextDrawdownState advances the machine along
// NORMAL -> PAUSED -> PARTIAL_CUT -> FULL_CUT -> WAITING_REENTRY -> NORMAL.
// Only WAITING_REENTRY leads back to NORMAL. A PAUSED or PARTIAL_CUT that recovers
// without ever reaching the full threshold advances to WAITING_REENTRY and goes
// through the same re-entry confirmation as a full cut.
func (c *Controller) nextDrawdownState(st *models.GridState, in Inputs, dd decimal.Decimal) models.DrawdownState {
	cur := st.Drawdown.State
	sev := c.severity(dd)
	recovered := dd.LessThan(c.cfg.Drawdown.RecoveryPercent)

	switch cur {
	case models.DrawdownPaused, models.DrawdownPartialCut:
		if sev.Rank() > cur.Rank() {
			return sev
		}
		if recovered {
			return models.DrawdownWaitingReentry
		}
	case models.DrawdownFullCut:
		if !st.HasExposure() {
			return models.DrawdownWaitingReentry
		}
	case models.DrawdownWaitingReentry:
		// 残余仓位再次触及全平阈值时留在原状态, 由 drawdown 重新下达平仓
		if sev == models.DrawdownFullCut && st.HasExposure() {
			return cur
		}
		if ok, _ := c.reentryReady(st, in); ok {
			return models.DrawdownNormal
		}
	default:
		return sev
	}
	return cur
}

func (c *Controller) drawdown(st *models.GridState, in Inputs, dd decimal.Decimal, v *Verdict) *trip {
	if !c.cfg.Drawdown.Enabled {
		return nil
	}
	rec := &st.Drawdown
	if rec.State == "" {
		rec.State = models.DrawdownNormal
	}
	from := rec.State
	to := c.nextDrawdownState(st, in, dd)
	if to != from {
		c.enterDrawdown(st, to, dd, in, v)
	}

	switch to {
	case models.DrawdownNormal:
		return nil
	case models.DrawdownPartialCut:
		if from != models.DrawdownPartialCut && st.HasExposure() {
			v.Cut = &CutRequest{Reason: string(to), Fraction: c.cfg.Drawdown.PartialCutFraction}
		}
	case models.DrawdownFullCut:
		// re-issued while exposure remains and no cut is in flight
		if len(st.ExposureLevels()) > 0 && len(st.PendingCuts) == 0 {
			v.Cut = &CutRequest{Reason: string(to), Fraction: decimal.NewFromInt(1)}
		}
	case models.DrawdownWaitingReentry:
		// exposure left over while waiting is closed once the full threshold is hit again
		if c.severity(dd) == models.DrawdownFullCut && len(st.ExposureLevels()) > 0 && len(st.PendingCuts) == 0 {
			v.Cut = &CutRequest{Reason: string(models.DrawdownFullCut), Fraction: decimal.NewFromInt(1)}
		}
	}
	fields := []interface{}{"state", to, "drawdown_pct", dd.Round(2)}
	if to == models.DrawdownWaitingReentry {
		_, why := c.reentryReady(st, in)
		fields = append(fields, "waiting_for", why)
	}
	return &trip{gate: GateDrawdown, reason: "drawdown " + string(to), fields: fields}
}

// enterDrawdown records a transition and alerts with the inputs that caused it.
func (c *Controller) enterDrawdown(st *models.GridState, to models.DrawdownState, dd decimal.Decimal, in Inputs, v *Verdict) {
	rec := &st.Drawdown
	from := rec.State
	rec.State = to
	rec.StateSince = in.Now
	equity := in.Balance.Equity()

	level := models.AlertWarning
	switch to {
	case models.DrawdownPartialCut, models.DrawdownFullCut:
		rec.CutTimestamp = in.Now
		level = models.AlertCritical
	case models.DrawdownNormal:
		level = models.AlertInfo
		if from == models.DrawdownWaitingReentry {
			rec.ReentrySizeRatio = c.cfg.Drawdown.ReentrySizeRatio
			rec.PeakBalance = equity
		}
	}
	c.logger.Warn("回撤状态切换",
		zap.String("from", string(from)), zap.String("to", string(to)),
		zap.Stringer("drawdown_pct", dd.Round(2)), zap.Stringer("peak", rec.PeakBalance), zap.Stringer("equity", equity))
	v.alert(level, models.CategoryDrawdown, "drawdown state "+string(from)+" -> "+string(to),
		"drawdown_pct", dd.Round(2), "peak", rec.PeakBalance, "equity", equity,
		"pause_pct", c.cfg.Drawdown.PausePercent, "partial_pct", c.cfg.Drawdown.PartialPercent,
		"full_pct", c.cfg.Drawdown.FullPercent, "size_ratio", rec.ReentrySizeRatio)
}

// reentryReady checks dwell time, momentum reversal and the BTC veto.
// Dwell counts from the later of the cut and entering WAITING_REENTRY.
// The second return names the unmet condition.
func (c *Controller) reentryReady(st *models.GridState, in Inputs) (bool, string) {
	cfg := c.cfg.Drawdown
	dwell := time.Duration(cfg.MinDwellMinutes) * time.Minute
	since := st.Drawdown.CutTimestamp
	if st.Drawdown.StateSince.After(since) {
		since = st.Drawdown.StateSince
	}
	if in.Now.Sub(since) < dwell {
		return false, "dwell"
	}
	sig := in.Signal
	if !sig.Available() {
		return false, "signal"
	}

	sign := 1
	if st.Side == models.SideShort {
		sign = -1
	}
	score := sig.Score * sign
	reversal := cfg.ReentryScore > 0 && score >= cfg.ReentryScore
	if k := cfg.ReentryStochK; !reversal && k.IsPositive() && sig.StochRSIK.IsPositive() {
		if st.Side == models.SideShort {
			reversal = sig.StochRSIK.LessThan(hundred.Sub(k))
		} else {
			reversal = sig.StochRSIK.GreaterThan(k)
		}
	}
	if !reversal {
		return false, "reversal"
	}
	if cfg.BTCVetoScore > 0 && sig.BTCScore*sign <= -cfg.BTCVetoScore {
		return false, "btc_veto"
	}
	return true, ""
}

// SizeRatio is the entry size multiplier after a re-entry, 1 when unset.
func SizeRatio(st *models.GridState) decimal.Decimal {
	r := st.Drawdown.ReentrySizeRatio
	if !r.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return r
}

// OnClose ramps the re-entry size ratio back towards 1 after each profitable close.
func (c *Controller) OnClose(st *models.GridState, pnl decimal.Decimal) {
	if !pnl.IsPositive() || st.Drawdown.State != models.DrawdownNormal {
		return
	}
	one := decimal.NewFromInt(1)
	r := SizeRatio(st)
	if r.GreaterThanOrEqual(one) || !c.cfg.Drawdown.RampStep.IsPositive() {
		return
	}
	st.Drawdown.ReentrySizeRatio = decimal.Min(one, r.Add(c.cfg.Drawdown.RampStep))
}

// RestoreDrawdown re-derives the record after a restart: a missing peak starts at
// current equity and a finished FULL_CUT moves on to WAITING_REENTRY.
func (c *Controller) RestoreDrawdown(st *models.GridState, bal models.Balance, now time.Time) {
	rec := &st.Drawdown
	if rec.State == "" {
		rec.State = models.DrawdownNormal
	}
	if !rec.PeakBalance.IsPositive() {
		rec.PeakBalance = bal.Equity()
	}
	if !rec.ReentrySizeRatio.IsPositive() {
		rec.ReentrySizeRatio = decimal.NewFromInt(1)
	}
	if rec.State == models.DrawdownFullCut && !st.HasExposure() {
		rec.State = models.DrawdownWaitingReentry
		rec.StateSince = now
	}
	rec.LastPercent = DrawdownPercent(rec.PeakBalance, bal.Equity())
}
