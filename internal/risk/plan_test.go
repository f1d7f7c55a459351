package risk

import (
	"errors"
	"testing"
	"time"

	"perp-grid-engine/internal/grid"
	"perp-grid-engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mixedState: level 0 TP_PLACED @95, level 1 POSITION_HELD @100, level 2 BUY_PLACED @90, level 3 EMPTY @105.
func mixedState(t *testing.T, now time.Time) *models.GridState {
	t.Helper()
	st := models.NewGridState("BTCUSDT", models.SideLong)
	mk := func(i int, price string) *models.GridLevel {
		l := &models.GridLevel{Index: i, TargetPrice: dec(price), State: models.LevelEmpty}
		st.Levels = append(st.Levels, l)
		return l
	}
	tp := mk(0, "95")
	require.NoError(t, grid.Adopt(tp, dec("1"), dec("95"), false, now))
	require.NoError(t, grid.PlaceTP(tp, dec("96.43"), dec("1"), models.TPModeFixed, "grid_0_tx_1", now))
	st.TrackOrder(models.OrderRef{Level: 0, Role: models.RoleTP}, "grid_0_tx_1")

	held := mk(1, "100")
	require.NoError(t, grid.Adopt(held, dec("1"), dec("100"), false, now))

	entry := mk(2, "90")
	require.NoError(t, grid.PlaceEntry(entry, models.SideLong, dec("1"), "grid_2_ex_2", now))
	st.TrackOrder(models.OrderRef{Level: 2, Role: models.RoleEntry}, "grid_2_ex_2")

	mk(3, "105")
	st.NextIndex = 4
	st.CenterPrice = dec("100")
	st.SortLevels()
	return st
}

func TestPlanCutWorstEntryFirst(t *testing.T) {
	now := time.Now()
	st := mixedState(t, now)

	actions, ok := PlanCut(st, decimal.NewFromInt(1), "FULL_CUT", testRules, now)
	require.True(t, ok)
	require.Len(t, actions, 2)

	assert.Equal(t, models.ActionCancelOrder, actions[0].Kind)
	assert.Equal(t, "grid_2_ex_2", actions[0].CancelClientID)

	mc := actions[1]
	assert.Equal(t, models.ActionMarketClose, mc.Kind)
	assert.Equal(t, models.OrderSideSell, mc.Request.Side)
	assert.Equal(t, models.OrderTypeMarket, mc.Request.Type)
	assert.True(t, mc.Request.ReduceOnly)
	assert.True(t, mc.Request.Quantity.Equal(dec("2")))
	require.Len(t, mc.PreCancels, 1)
	assert.Equal(t, "grid_0_tx_1", mc.PreCancels[0].ClientID)

	cut := st.PendingCuts[mc.Request.ClientOrderID]
	require.NotNil(t, cut)
	require.Len(t, cut.Allocations, 2)
	assert.Equal(t, 1, cut.Allocations[0].Level, "entry 100 is the worst long")
	assert.Equal(t, 0, cut.Allocations[1].Level)

	assert.Contains(t, st.ExpectedCancels, "grid_0_tx_1")
	assert.Contains(t, st.ExpectedCancels, "grid_2_ex_2")
	assert.True(t, st.Level(0).Cutting)
	assert.True(t, st.Level(1).Cutting)

	_, ref, found := st.LookupOrder("", mc.Request.ClientOrderID)
	require.True(t, found)
	assert.Equal(t, models.RoleCut, ref.Role)

	// levels already being cut are not cut twice
	_, ok = PlanCut(st, decimal.NewFromInt(1), "FULL_CUT", testRules, now)
	assert.False(t, ok)
}

func TestPlanCutPartialFloorsToStep(t *testing.T) {
	now := time.Now()
	st := mixedState(t, now)

	actions, ok := PlanCut(st, dec("0.3333"), "PARTIAL_CUT", testRules, now)
	require.True(t, ok)
	mc := actions[len(actions)-1]
	assert.Equal(t, "0.666", mc.Request.Quantity.String())
	assert.Empty(t, mc.PreCancels, "only the level at 100 is touched")
	assert.False(t, st.Level(0).Cutting)
}

func TestRegridNeverTouchesExposure(t *testing.T) {
	c, cfg := newController(t)
	now := time.Now()
	st := mixedState(t, now)

	assert.False(t, c.CheckRegrid(st, dec("130"), now))
	assert.True(t, c.CheckRegrid(st, dec("130"), now.Add(time.Minute)))

	plan, err := c.PlanRegrid(st, dec("130"), testRules, now)
	require.NoError(t, err)

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, 2, plan.Actions[0].Level)
	for _, a := range plan.Actions {
		assert.NotEqual(t, "grid_0_tx_1", a.CancelClientID)
		assert.NotEqual(t, 0, a.Level)
		assert.NotEqual(t, 1, a.Level)
	}
	assert.Equal(t, 2, plan.Kept)
	assert.Equal(t, 1, plan.Retired)

	tp := st.Level(0)
	require.NotNil(t, tp)
	assert.Equal(t, models.LevelTPPlaced, tp.State)
	assert.True(t, tp.Retiring)
	assert.Nil(t, st.Level(3), "empty level dropped")
	assert.Equal(t, 3+cfg.Grid.Count, len(st.Levels))
	assert.True(t, st.CenterPrice.Equal(dec("130")))
	assert.Equal(t, 0, st.RegridStreak)

	// minimum interval
	assert.False(t, c.CheckRegrid(st, dec("150"), now.Add(2*time.Minute)))
	assert.False(t, c.CheckRegrid(st, dec("150"), now.Add(3*time.Minute)))
}

func TestRegridRecordsRungsHeldByExposure(t *testing.T) {
	c, _ := newController(t)
	now := time.Now()
	st := mixedState(t, now)

	_, err := c.PlanRegrid(st, dec("110"), testRules, now)
	require.NoError(t, err)

	half := st.GridStep.Div(decimal.NewFromInt(2))
	var rungs int
	for _, l := range st.Levels {
		if !l.State.HasExposure() {
			continue
		}
		if l.RungPrice.IsPositive() {
			rungs++
			assert.True(t, l.RungPrice.Sub(l.TargetPrice).Abs().LessThanOrEqual(half), "level %d", l.Index)
		}
		for _, other := range st.Levels {
			if other.State == models.LevelEmpty {
				assert.False(t, other.TargetPrice.Sub(l.TargetPrice).Abs().LessThanOrEqual(half),
					"fresh rung %s next to exposure at %s", other.TargetPrice, l.TargetPrice)
			}
		}
	}
	assert.Positive(t, rungs)
}

func TestRegridWidensAfterElevatedVolatility(t *testing.T) {
	c, cfg := newController(t)
	now := time.Now()
	st := models.NewGridState("BTCUSDT", models.SideLong)
	st.WidenNextRange = true

	_, err := c.PlanRegrid(st, dec("100"), testRules, now)
	require.NoError(t, err)
	assert.True(t, st.RangePercent.Equal(cfg.Grid.RangePercent.Mul(cfg.Risk.ElevatedWidenFactor)))
	assert.False(t, st.WidenNextRange)

	cfg.Risk.ElevatedWidenFactor = dec("10")
	st.WidenNextRange = true
	_, err = c.PlanRegrid(st, dec("100"), testRules, now)
	require.NoError(t, err)
	assert.True(t, st.RangePercent.Equal(cfg.Grid.MaxRangePercent))
}

func TestSideSwitchRejectedWhileExposed(t *testing.T) {
	now := time.Now()
	st := mixedState(t, now)

	actions, err := RequestSwitch(st, models.SideShort)
	assert.True(t, errors.Is(err, models.ErrSideSwitchRejected))
	assert.Empty(t, actions)
	assert.Equal(t, models.SideLong, st.Side)
	assert.Empty(t, st.PendingSide)
}

func TestSideSwitchAcceptedWithoutExposure(t *testing.T) {
	now := time.Now()
	st := models.NewGridState("BTCUSDT", models.SideLong)
	resting := &models.GridLevel{Index: 0, TargetPrice: dec("95"), State: models.LevelEmpty}
	require.NoError(t, grid.PlaceEntry(resting, models.SideLong, dec("1"), "grid_0_ex_1", now))
	st.Levels = []*models.GridLevel{resting, {Index: 1, TargetPrice: dec("105"), State: models.LevelEmpty}}

	actions, err := RequestSwitch(st, models.SideShort)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "grid_0_ex_1", actions[0].CancelClientID)
	assert.Equal(t, models.SideLong, st.Side, "flips once the entry is gone")
	assert.False(t, EntriesAllowed(st))

	require.NoError(t, grid.EntryCanceled(resting, now))
	done, aborted := CompleteSwitch(st)
	assert.True(t, done)
	assert.False(t, aborted)
	assert.Equal(t, models.SideShort, st.Side)
	assert.True(t, EntriesAllowed(st))
}

func TestSideSwitchAbortedByRacingFill(t *testing.T) {
	now := time.Now()
	st := models.NewGridState("BTCUSDT", models.SideLong)
	l := &models.GridLevel{Index: 0, TargetPrice: dec("95"), State: models.LevelEmpty}
	require.NoError(t, grid.PlaceEntry(l, models.SideLong, dec("1"), "grid_0_ex_1", now))
	st.Levels = []*models.GridLevel{l}

	_, err := RequestSwitch(st, models.SideShort)
	require.NoError(t, err)
	require.NoError(t, grid.ApplyEntryFill(l, dec("95"), dec("1"), now))

	done, aborted := CompleteSwitch(st)
	assert.False(t, done)
	assert.True(t, aborted)
	assert.Equal(t, models.SideLong, st.Side)
}

func TestRecommendSideNeedsConsecutiveConfirmations(t *testing.T) {
	c, cfg := newController(t)
	cfg.Risk.AutoSwitch = true
	now := time.Now()
	st := models.NewGridState("BTCUSDT", models.SideLong)
	bear := models.TrendSignal{Score: -3, Time: now}

	_, ok := c.RecommendSide(st, bear)
	assert.False(t, ok)
	_, ok = c.RecommendSide(st, models.TrendSignal{Score: 0, Time: now})
	assert.False(t, ok)
	assert.Equal(t, 0, st.SwitchStreak)

	for i := 1; i < cfg.Risk.SwitchConfirmations; i++ {
		_, ok = c.RecommendSide(st, bear)
		assert.False(t, ok)
	}
	side, ok := c.RecommendSide(st, bear)
	assert.True(t, ok)
	assert.Equal(t, models.SideShort, side)
}

func TestSpikeMonitorAlertsAndPausesOnAdverseExtreme(t *testing.T) {
	m := NewSpikeMonitor(models.SpikeConfig{Enabled: true, WindowSeconds: 300, ThresholdPercent: dec("3"),
		ExtremePercent: dec("5"), CooldownSeconds: 60, PauseSeconds: 300})
	t0 := time.Now()

	assert.Nil(t, m.Observe(models.SideLong, dec("100"), t0).Alert)
	assert.Nil(t, m.Observe(models.SideLong, dec("102"), t0.Add(10*time.Second)).Alert)

	res := m.Observe(models.SideLong, dec("96.5"), t0.Add(20*time.Second))
	require.NotNil(t, res.Alert)
	assert.Equal(t, models.AlertWarning, res.Alert.Level)
	assert.True(t, res.PauseUntil.IsZero())

	// cooldown
	assert.Nil(t, m.Observe(models.SideLong, dec("94"), t0.Add(30*time.Second)).Alert)

	at := t0.Add(90 * time.Second)
	res = m.Observe(models.SideLong, dec("94"), at)
	require.NotNil(t, res.Alert)
	assert.Equal(t, models.AlertCritical, res.Alert.Level)
	assert.Equal(t, at.Add(300*time.Second), res.PauseUntil)
}

func TestSpikeMonitorFavorableMoveNeverPauses(t *testing.T) {
	m := NewSpikeMonitor(models.SpikeConfig{WindowSeconds: 300, ThresholdPercent: dec("3"),
		ExtremePercent: dec("5"), PauseSeconds: 300})
	t0 := time.Now()
	m.Observe(models.SideShort, dec("100"), t0)

	res := m.Observe(models.SideShort, dec("90"), t0.Add(time.Minute))
	require.NotNil(t, res.Alert)
	assert.Equal(t, "FAVORABLE", res.Alert.Fields["impact"])
	assert.True(t, res.PauseUntil.IsZero())
}
