package reporter

import (
	"fmt"
	"sync"
	"time"

	"perp-grid-engine/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Metrics 存储一次运行的统计指标
type Metrics struct {
	Symbol           string
	Side             models.Side
	InitialBalance   decimal.Decimal
	Equity           decimal.Decimal
	TotalProfit      decimal.Decimal
	ProfitPercentage decimal.Decimal
	RealizedPnl      decimal.Decimal
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRate          decimal.Decimal
	AvgProfitLoss    decimal.Decimal // 平均盈利 / 平均亏损
	MaxDrawdown      decimal.Decimal // 会话内权益最大回撤 (%)
	DrawdownState    models.DrawdownState
	OpenLevels       int
	PositionQty      decimal.Decimal
	AvgEntry         decimal.Decimal
	StartTime        time.Time
	EndTime          time.Time
}

// Session 累积会话内的权益曲线与盈亏, 并发安全
type Session struct {
	mu             sync.Mutex
	start          time.Time
	initialBalance decimal.Decimal
	peak           decimal.Decimal
	maxDrawdown    decimal.Decimal
	wins, losses   int
	totalProfit    decimal.Decimal
	totalLoss      decimal.Decimal
}

func NewSession(start time.Time, initialBalance decimal.Decimal) *Session {
	return &Session{start: start, initialBalance: initialBalance, peak: initialBalance}
}

// ObserveEquity 更新权益峰值与最大回撤
func (s *Session) ObserveEquity(equity decimal.Decimal) {
	if !equity.IsPositive() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if equity.GreaterThan(s.peak) {
		s.peak = equity
	}
	if s.peak.IsPositive() {
		dd := s.peak.Sub(equity).Div(s.peak).Mul(hundred)
		if dd.GreaterThan(s.maxDrawdown) {
			s.maxDrawdown = dd
		}
	}
}

// OnTrade 记录一笔已实现盈亏
func (s *Session) OnTrade(pnl decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pnl.IsPositive() {
		s.wins++
		s.totalProfit = s.totalProfit.Add(pnl)
	} else {
		s.losses++
		s.totalLoss = s.totalLoss.Add(pnl)
	}
}

// Summarize 根据状态快照与会话累积计算指标
func (s *Session) Summarize(st *models.GridState, equity decimal.Decimal, now time.Time) *Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &Metrics{
		Symbol:         st.Symbol,
		Side:           st.Side,
		InitialBalance: s.initialBalance,
		Equity:         equity,
		RealizedPnl:    st.RealizedPnl,
		TotalTrades:    s.wins + s.losses,
		WinningTrades:  s.wins,
		LosingTrades:   s.losses,
		MaxDrawdown:    s.maxDrawdown.Round(2),
		DrawdownState:  st.Drawdown.State,
		OpenLevels:     len(st.ExposureLevels()),
		StartTime:      s.start,
		EndTime:        now,
	}
	m.PositionQty, m.AvgEntry = st.AggregatePosition()

	if m.TotalTrades > 0 {
		m.WinRate = decimal.NewFromInt(int64(m.WinningTrades)).Div(decimal.NewFromInt(int64(m.TotalTrades))).Mul(hundred).Round(2)
	}
	if s.wins > 0 && s.losses > 0 && !s.totalLoss.IsZero() {
		avgWin := s.totalProfit.Div(decimal.NewFromInt(int64(s.wins)))
		avgLoss := s.totalLoss.Div(decimal.NewFromInt(int64(s.losses))).Abs()
		m.AvgProfitLoss = avgWin.Div(avgLoss).Round(2)
	}
	if equity.IsPositive() {
		m.TotalProfit = equity.Sub(s.initialBalance)
		if s.initialBalance.IsPositive() {
			m.ProfitPercentage = m.TotalProfit.Div(s.initialBalance).Mul(hundred).Round(2)
		}
	}
	return m
}

// SummaryTable 渲染会话统计
func SummaryTable(m *Metrics) string {
	t := table.NewWriter()
	t.SetTitle(fmt.Sprintf("%s %s 网格运行报告", m.Symbol, m.Side))
	t.SetStyle(table.StyleLight)
	t.AppendRows([]table.Row{
		{"运行周期", fmt.Sprintf("%s → %s (%s)", m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"),
			m.EndTime.Sub(m.StartTime).Truncate(time.Minute))},
		{"初始资金", m.InitialBalance.StringFixed(2) + " USDT"},
		{"当前权益", m.Equity.StringFixed(2) + " USDT"},
		{"总盈亏", fmt.Sprintf("%s USDT (%s%%)", m.TotalProfit.StringFixed(2), m.ProfitPercentage.StringFixed(2))},
		{"已实现盈亏", m.RealizedPnl.StringFixed(4) + " USDT"},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"交易次数", fmt.Sprintf("%d (盈 %d / 亏 %d)", m.TotalTrades, m.WinningTrades, m.LosingTrades)},
		{"胜率", m.WinRate.StringFixed(2) + "%"},
		{"平均盈亏比", m.AvgProfitLoss.StringFixed(2)},
		{"最大回撤", m.MaxDrawdown.StringFixed(2) + "%"},
		{"回撤状态", string(m.DrawdownState)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"持仓档位", m.OpenLevels},
		{"持仓数量", fmt.Sprintf("%s @ %s", m.PositionQty.String(), m.AvgEntry.StringFixed(4))},
	})
	return t.Render()
}

// GridTable 渲染每个档位的状态
func GridTable(st *models.GridState, price decimal.Decimal) string {
	t := table.NewWriter()
	t.SetTitle(fmt.Sprintf("%s %s 网格 | 中心 %s | 现价 %s", st.Symbol, st.Side, st.CenterPrice.String(), price.String()))
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "目标价", "状态", "数量", "持仓", "入场均价", "止盈价", "止盈模式", "浮动盈亏"})

	unrealized := decimal.Zero
	for _, l := range st.Levels {
		upnl := decimal.Zero
		if l.State.HasExposure() && price.IsPositive() {
			upnl = price.Sub(l.EntryPrice).Mul(l.PositionQuantity).Mul(st.Side.Sign())
			unrealized = unrealized.Add(upnl)
		}
		state := string(l.State)
		if l.Degraded {
			state += " !"
		}
		t.AppendRow(table.Row{
			l.Index, l.TargetPrice.String(), state, l.OrderQuantity.String(), dash(l.PositionQuantity),
			dash(l.EntryPrice), dash(l.TPPrice), string(l.TPMode), dash(upnl.Round(4)),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "", "合计", unrealized.Round(4).String()})
	return t.Render()
}

func dash(d decimal.Decimal) string {
	if d.IsZero() {
		return "-"
	}
	return d.String()
}
