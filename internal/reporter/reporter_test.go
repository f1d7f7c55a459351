package reporter

import (
	"strings"
	"testing"
	"time"

	"perp-grid-engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSession_Summarize(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := NewSession(start, d("1000"))
	s.ObserveEquity(d("1100"))
	s.ObserveEquity(d("990"))
	s.ObserveEquity(d("1050"))
	s.OnTrade(d("3"))
	s.OnTrade(d("5"))
	s.OnTrade(d("-2"))

	st := models.NewGridState("BTCUSDT", models.SideLong)
	st.RealizedPnl = d("6")
	st.Levels = []*models.GridLevel{
		{Index: 0, State: models.LevelTPPlaced, EntryPrice: d("100"), PositionQuantity: d("1")},
		{Index: 1, State: models.LevelPositionHeld, EntryPrice: d("90"), PositionQuantity: d("1")},
	}

	m := s.Summarize(st, d("1050"), start.Add(2*time.Hour))
	assert.Equal(t, 3, m.TotalTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.True(t, m.WinRate.Equal(d("66.67")))
	assert.True(t, m.AvgProfitLoss.Equal(d("2")), "avg win 4 over avg loss 2")
	assert.True(t, m.MaxDrawdown.Equal(d("10")), "1100 down to 990")
	assert.True(t, m.TotalProfit.Equal(d("50")))
	assert.True(t, m.ProfitPercentage.Equal(d("5")))
	assert.Equal(t, 2, m.OpenLevels)
	assert.True(t, m.PositionQty.Equal(d("2")))
	assert.True(t, m.AvgEntry.Equal(d("95")))

	out := SummaryTable(m)
	assert.Contains(t, out, "BTCUSDT LONG")
	assert.Contains(t, out, "66.67%")
	assert.Contains(t, out, "2h0m0s")
}

func TestGridTable(t *testing.T) {
	st := models.NewGridState("ETHUSDT", models.SideShort)
	st.CenterPrice = d("2000")
	st.Levels = []*models.GridLevel{
		{Index: 0, TargetPrice: d("2020"), OrderQuantity: d("0.1"), State: models.LevelTPPlaced,
			EntryPrice: d("2020"), PositionQuantity: d("0.1"), TPPrice: d("2000"), TPMode: models.TPModeFixed},
		{Index: 1, TargetPrice: d("2040"), OrderQuantity: d("0.1"), State: models.LevelSellPlaced},
		{Index: 2, TargetPrice: d("2060"), OrderQuantity: d("0.1"), State: models.LevelEmpty, Degraded: true},
	}

	out := GridTable(st, d("2010"))
	lines := strings.Split(out, "\n")
	assert.Greater(t, len(lines), 6)
	assert.Contains(t, out, "SELL_PLACED")
	assert.Contains(t, out, "EMPTY !")
	assert.Contains(t, out, "FIXED")
	// 空头: (2010 - 2020) * 0.1 * -1 = 1
	assert.Regexp(t, `合计 +│ +1 `, out)
}
