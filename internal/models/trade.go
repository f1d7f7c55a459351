package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord 一次完整的开平仓记录 (止盈或风控减仓)
type TradeRecord struct {
	TradeID      string          `json:"trade_id"`
	SessionID    string          `json:"session_id"`
	Symbol       string          `json:"symbol"`
	LevelIndex   int             `json:"level_index"`
	Side         Side            `json:"side"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	ExitPrice    decimal.Decimal `json:"exit_price"`
	Quantity     decimal.Decimal `json:"quantity"`
	RealizedPnl  decimal.Decimal `json:"realized_pnl"`
	Reason       string          `json:"reason"` // TP / PARTIAL_CUT / FULL_CUT
	EntryOrderID string          `json:"entry_order_id"`
	ExitOrderID  string          `json:"exit_order_id"`
	OpenedAt     time.Time       `json:"opened_at"`
	ClosedAt     time.Time       `json:"closed_at"`
}

// BalanceSnapshot 余额快照
type BalanceSnapshot struct {
	SessionID     string          `json:"session_id"`
	Balance       decimal.Decimal `json:"balance"`
	Equity        decimal.Decimal `json:"equity"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl"`
	DrawdownState DrawdownState   `json:"drawdown_state"`
	DrawdownPct   decimal.Decimal `json:"drawdown_pct"`
	Time          time.Time       `json:"time"`
}
