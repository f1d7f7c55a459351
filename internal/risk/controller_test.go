package risk

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"perp-grid-engine/internal/config"
	"perp-grid-engine/internal/grid"
	"perp-grid-engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testRules = models.SymbolRules{
	Symbol:      "BTCUSDT",
	TickSize:    dec("0.01"),
	StepSize:    dec("0.001"),
	MinQty:      dec("0.001"),
	MinNotional: dec("5"),
}

func newController(t *testing.T) (*Controller, *models.Config) {
	t.Helper()
	cfg := config.Default()
	return NewController(cfg, zap.NewNop()), cfg
}

func inputs(now time.Time, equity string) Inputs {
	return Inputs{Now: now, Balance: models.Balance{Asset: "USDT", WalletBalance: dec(equity)}, Price: dec("100")}
}

// exposedState holds two positions of qty 1 at 95 and 100 and a peak of 1000.
func exposedState(t *testing.T, now time.Time) *models.GridState {
	t.Helper()
	st := models.NewGridState("BTCUSDT", models.SideLong)
	for i, p := range []string{"95", "100"} {
		l := &models.GridLevel{Index: i, TargetPrice: dec(p), State: models.LevelEmpty}
		require.NoError(t, grid.Adopt(l, dec("1"), dec(p), false, now))
		st.Levels = append(st.Levels, l)
	}
	st.NextIndex = 2
	st.CenterPrice = dec("100")
	st.Drawdown.PeakBalance = dec("1000")
	return st
}

func TestDrawdown22PercentGoesStraightToPartialCut(t *testing.T) {
	c, _ := newController(t)
	now := time.Now()
	st := exposedState(t, now)

	v := c.Evaluate(st, inputs(now, "780"))

	assert.Equal(t, GateDrawdown, v.Gate)
	assert.Equal(t, models.DrawdownPartialCut, st.Drawdown.State)
	require.NotNil(t, v.Cut)
	assert.Equal(t, "PARTIAL_CUT", v.Cut.Reason)
	assert.True(t, v.Cut.Fraction.Equal(dec("0.5")))
	assert.True(t, st.Drawdown.LastPercent.Equal(dec("22")))
	assert.True(t, st.EntriesBlocked)

	actions, ok := PlanCut(st, v.Cut.Fraction, v.Cut.Reason, testRules, now)
	require.True(t, ok)
	closeAction := actions[len(actions)-1]
	assert.Equal(t, models.ActionMarketClose, closeAction.Kind)
	assert.True(t, closeAction.Request.Quantity.Equal(dec("1")))

	// the same drawdown on the next tick does not cut again
	v = c.Evaluate(st, inputs(now.Add(time.Minute), "780"))
	assert.Equal(t, models.DrawdownPartialCut, st.Drawdown.State)
	assert.Nil(t, v.Cut)
}

func TestDrawdownJumpPastAllThresholdsLandsOnFullCut(t *testing.T) {
	c, _ := newController(t)
	now := time.Now()
	st := exposedState(t, now)

	v := c.Evaluate(st, inputs(now, "740"))
	assert.Equal(t, models.DrawdownFullCut, st.Drawdown.State)
	require.NotNil(t, v.Cut)
	assert.True(t, v.Cut.Fraction.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, now, st.Drawdown.CutTimestamp)
}

func TestCircuitBreakerEscalatesToFullCut(t *testing.T) {
	c, _ := newController(t)
	now := time.Now()
	st := exposedState(t, now)

	v := c.Evaluate(st, inputs(now, "650"))
	assert.Equal(t, GateCircuitBreaker, v.Gate)
	assert.Equal(t, models.DrawdownFullCut, st.Drawdown.State)
	require.NotNil(t, v.Cut)
	assert.Equal(t, "FULL_CUT", v.Cut.Reason)

	var critical int
	for _, a := range v.Alerts {
		if a.Level == models.AlertCritical {
			critical++
		}
	}
	assert.GreaterOrEqual(t, critical, 1)

	// once FULL_CUT, the machine owns the state and the breaker stands aside
	v = c.Evaluate(st, inputs(now.Add(time.Minute), "650"))
	assert.Equal(t, GateDrawdown, v.Gate)
}

func TestPausedRecoveryWaitsForReentry(t *testing.T) {
	c, cfg := newController(t)
	now := time.Now()
	st := exposedState(t, now)

	c.Evaluate(st, inputs(now, "840"))
	require.Equal(t, models.DrawdownPaused, st.Drawdown.State)
	assert.True(t, st.EntriesBlocked)

	// 10% is below pause but above recovery: stays paused
	c.Evaluate(st, inputs(now.Add(time.Minute), "900"))
	assert.Equal(t, models.DrawdownPaused, st.Drawdown.State)

	recovered := now.Add(2 * time.Minute)
	v := c.Evaluate(st, inputs(recovered, "970"))
	assert.Equal(t, models.DrawdownWaitingReentry, st.Drawdown.State)
	assert.Equal(t, GateDrawdown, v.Gate)
	assert.True(t, st.EntriesBlocked)

	// reversal alone is not enough before the dwell time
	in := inputs(recovered.Add(time.Minute), "970")
	in.Signal = models.TrendSignal{Score: 2, Time: in.Now}
	c.Evaluate(st, in)
	assert.Equal(t, models.DrawdownWaitingReentry, st.Drawdown.State)

	in = inputs(recovered.Add(time.Duration(cfg.Drawdown.MinDwellMinutes+1)*time.Minute), "970")
	in.Signal = models.TrendSignal{Score: 2, Time: in.Now}
	v = c.Evaluate(st, in)
	assert.Equal(t, models.DrawdownNormal, st.Drawdown.State)
	assert.Empty(t, v.Gate)
	assert.False(t, st.EntriesBlocked)
}

func TestPartialCutRecoveryDoesNotReturnToNormal(t *testing.T) {
	c, _ := newController(t)
	now := time.Now()
	st := exposedState(t, now)

	c.Evaluate(st, inputs(now, "780"))
	require.Equal(t, models.DrawdownPartialCut, st.Drawdown.State)

	c.Evaluate(st, inputs(now.Add(time.Minute), "990"))
	assert.Equal(t, models.DrawdownWaitingReentry, st.Drawdown.State)
}

func TestWaitingReentryRecutsLeftoverExposure(t *testing.T) {
	c, _ := newController(t)
	now := time.Now()
	st := exposedState(t, now)
	st.Drawdown.State = models.DrawdownWaitingReentry
	st.Drawdown.StateSince = now

	v := c.Evaluate(st, inputs(now.Add(time.Minute), "740"))
	assert.Equal(t, models.DrawdownWaitingReentry, st.Drawdown.State)
	require.NotNil(t, v.Cut)
	assert.Equal(t, "FULL_CUT", v.Cut.Reason)
	assert.True(t, v.Cut.Fraction.Equal(decimal.NewFromInt(1)))
}

func TestFullCutWaitsForReentryConfirmation(t *testing.T) {
	c, cfg := newController(t)
	now := time.Now()
	st := models.NewGridState("BTCUSDT", models.SideLong)
	st.Drawdown = models.DrawdownRecord{State: models.DrawdownFullCut, PeakBalance: dec("1000"),
		CutTimestamp: now, ReentrySizeRatio: dec("1")}

	// flat after the cut
	c.Evaluate(st, inputs(now, "740"))
	require.Equal(t, models.DrawdownWaitingReentry, st.Drawdown.State)

	later := now.Add(time.Duration(cfg.Drawdown.MinDwellMinutes+1) * time.Minute)
	in := inputs(later, "740")
	in.Signal = models.TrendSignal{Score: 2, BTCScore: -3, Time: later}
	c.Evaluate(st, in)
	assert.Equal(t, models.DrawdownWaitingReentry, st.Drawdown.State, "btc veto")

	in.Signal.BTCScore = 0
	early := in
	early.Now = now.Add(time.Minute)
	c.Evaluate(st, early)
	assert.Equal(t, models.DrawdownWaitingReentry, st.Drawdown.State, "dwell")

	v := c.Evaluate(st, in)
	assert.Equal(t, models.DrawdownNormal, st.Drawdown.State)
	assert.Empty(t, v.Gate)
	assert.True(t, SizeRatio(st).Equal(dec("0.5")))
	assert.True(t, st.Drawdown.PeakBalance.Equal(dec("740")))

	c.OnClose(st, dec("1.2"))
	assert.True(t, SizeRatio(st).Equal(dec("0.6")))
	c.OnClose(st, dec("-1"))
	assert.True(t, SizeRatio(st).Equal(dec("0.6")))
}

func TestDrawdownTransitionsOnlyForward(t *testing.T) {
	allowed := map[models.DrawdownState][]models.DrawdownState{
		models.DrawdownNormal:         {models.DrawdownPaused, models.DrawdownPartialCut, models.DrawdownFullCut},
		models.DrawdownPaused:         {models.DrawdownPartialCut, models.DrawdownFullCut, models.DrawdownWaitingReentry},
		models.DrawdownPartialCut:     {models.DrawdownFullCut, models.DrawdownWaitingReentry},
		models.DrawdownFullCut:        {models.DrawdownWaitingReentry},
		models.DrawdownWaitingReentry: {models.DrawdownNormal},
	}
	c, _ := newController(t)
	rng := rand.New(rand.NewSource(7))
	now := time.Now()
	st := exposedState(t, now)
	held := st.Levels

	for i := 0; i < 2000; i++ {
		now = now.Add(time.Duration(rng.Intn(120)) * time.Minute)
		if rng.Intn(4) == 0 {
			st.Levels = nil
		} else {
			st.Levels = held
		}
		equity := decimal.NewFromInt(int64(600 + rng.Intn(450)))
		in := inputs(now, equity.String())
		in.Signal = models.TrendSignal{Score: rng.Intn(9) - 4, StochRSIK: decimal.NewFromInt(int64(rng.Intn(100))), Time: now}

		from := st.Drawdown.State
		c.Evaluate(st, in)
		to := st.Drawdown.State
		if from == to {
			continue
		}
		assert.Contains(t, allowed[from], to, "step %d: %s -> %s", i, from, to)
		st.PendingCuts = map[string]*models.CutOrder{}
	}
}

func TestMinBalanceHaltsUntilResume(t *testing.T) {
	c, _ := newController(t)
	now := time.Now()
	st := models.NewGridState("BTCUSDT", models.SideLong)

	v := c.Evaluate(st, inputs(now, "40"))
	require.NotNil(t, v.Halt)
	assert.Equal(t, GateMinBalance, v.Gate)
	assert.True(t, st.Halted)
	assert.False(t, EntriesAllowed(st))

	v = c.Evaluate(st, inputs(now.Add(time.Minute), "500"))
	assert.Equal(t, GateHalted, v.Gate)
	assert.True(t, st.Halted)

	err := c.Resume(st, models.Balance{WalletBalance: dec("45")}, now)
	var breach *models.FatalRiskBreach
	require.True(t, errors.As(err, &breach))
	assert.True(t, st.Halted)

	require.NoError(t, c.Resume(st, models.Balance{WalletBalance: dec("500")}, now))
	assert.False(t, st.Halted)
	assert.True(t, EntriesAllowed(st))
}

func TestDailyLossPausesForRestOfWindow(t *testing.T) {
	c, _ := newController(t)
	start := time.Now()
	st := models.NewGridState("BTCUSDT", models.SideLong)

	c.Evaluate(st, inputs(start, "1000"))
	require.True(t, st.DailyStartBalance.Equal(dec("1000")))

	// 5% of 1000
	st.DailyRealizedPnl = dec("-50")
	v := c.Evaluate(st, inputs(start.Add(time.Hour), "1000"))
	assert.Equal(t, GateDailyLoss, v.Gate)
	assert.Equal(t, start.Add(24*time.Hour), st.DailyPausedTo)

	v = c.Evaluate(st, inputs(start.Add(23*time.Hour), "1000"))
	assert.Equal(t, GateDailyLoss, v.Gate)

	v = c.Evaluate(st, inputs(start.Add(24*time.Hour+time.Minute), "1000"))
	assert.Empty(t, v.Gate)
	assert.True(t, st.DailyRealizedPnl.IsZero())
	assert.False(t, st.EntriesBlocked)
}

func TestExposureLimitBlocksEntriesOnly(t *testing.T) {
	c, cfg := newController(t)
	cfg.Risk.MaxPositionLevels = 2
	now := time.Now()
	st := exposedState(t, now)

	v := c.Evaluate(st, inputs(now, "1000"))
	assert.Equal(t, GateExposure, v.Gate)
	assert.Nil(t, v.Cut)
	assert.True(t, st.EntriesBlocked)
	require.Len(t, v.Alerts, 1)
	assert.Equal(t, "2", v.Alerts[0].Fields["levels"])

	// no repeated alert while the reason holds
	v = c.Evaluate(st, inputs(now.Add(time.Minute), "1000"))
	assert.Empty(t, v.Alerts)

	cfg.Risk.MaxPositionLevels = 5
	v = c.Evaluate(st, inputs(now.Add(2*time.Minute), "1000"))
	assert.False(t, st.EntriesBlocked)
	require.Len(t, v.Alerts, 1)
	assert.Equal(t, models.AlertInfo, v.Alerts[0].Level)
}

func TestVolatilityExtremePausesElevatedWidens(t *testing.T) {
	c, _ := newController(t)
	now := time.Now()
	st := models.NewGridState("BTCUSDT", models.SideLong)

	in := inputs(now, "1000")
	in.Signal = models.TrendSignal{VolatilityRegime: models.VolatilityElevated, VolatilityPercent: dec("6"), Time: now}
	v := c.Evaluate(st, in)
	assert.Empty(t, v.Gate)
	assert.True(t, st.WidenNextRange)
	assert.Len(t, v.Alerts, 1)

	in.Signal.VolatilityRegime = models.VolatilityExtreme
	v = c.Evaluate(st, in)
	assert.Equal(t, GateVolatility, v.Gate)
	assert.True(t, st.EntriesBlocked)
}

func TestSpikePauseBlocksThroughVolatilityGate(t *testing.T) {
	c, _ := newController(t)
	now := time.Now()
	st := models.NewGridState("BTCUSDT", models.SideLong)
	st.SpikePausedTo = now.Add(time.Minute)

	assert.Equal(t, GateVolatility, c.Evaluate(st, inputs(now, "1000")).Gate)
	assert.Empty(t, c.Evaluate(st, inputs(now.Add(2*time.Minute), "1000")).Gate)
}

func TestLiquidityGateOnWideSpread(t *testing.T) {
	c, _ := newController(t)
	now := time.Now()
	st := models.NewGridState("BTCUSDT", models.SideLong)

	in := inputs(now, "1000")
	in.Ticker = models.Ticker{Bid: dec("100"), Ask: dec("101"), BidQty: dec("500"), AskQty: dec("500")}
	v := c.Evaluate(st, in)
	assert.Equal(t, GateLiquidity, v.Gate)
	assert.Equal(t, "spread too wide", st.BlockReason)

	in.Ticker = models.Ticker{Bid: dec("100"), Ask: dec("100.01"), BidQty: dec("1"), AskQty: dec("1")}
	c.Evaluate(st, in)
	assert.Equal(t, "book too thin", st.BlockReason)
}

func TestFundingGateDependsOnSide(t *testing.T) {
	c, _ := newController(t)
	now := time.Now()
	in := inputs(now, "1000")
	in.Signal = models.TrendSignal{FundingRate: dec("0.35"), VolatilityRegime: models.VolatilityNormal, Time: now}

	long := models.NewGridState("BTCUSDT", models.SideLong)
	assert.Equal(t, GateFunding, c.Evaluate(long, in).Gate)

	short := models.NewGridState("BTCUSDT", models.SideShort)
	assert.Empty(t, c.Evaluate(short, in).Gate)
}

func TestRestoreDrawdownAfterRestart(t *testing.T) {
	c, _ := newController(t)
	now := time.Now()
	st := models.NewGridState("BTCUSDT", models.SideLong)
	st.Drawdown = models.DrawdownRecord{State: models.DrawdownFullCut}

	c.RestoreDrawdown(st, models.Balance{WalletBalance: dec("800")}, now)
	assert.Equal(t, models.DrawdownWaitingReentry, st.Drawdown.State)
	assert.True(t, st.Drawdown.PeakBalance.Equal(dec("800")))
	assert.True(t, SizeRatio(st).Equal(decimal.NewFromInt(1)))
}
