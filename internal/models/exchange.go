package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide 订单方向
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// OrderStatus 订单状态 (交易所归一化后)
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Rank orders statuses within one order's lifecycle.
func (s OrderStatus) Rank() int {
	switch s {
	case OrderStatusNew:
		return 0
	case OrderStatusPartiallyFilled:
		return 1
	default:
		return 2
	}
}

// Terminal reports whether no further events are expected for the order.
func (s OrderStatus) Terminal() bool {
	return s.Rank() == 2
}

// EventKind distinguishes normalized stream events.
type EventKind string

const (
	EventOrderUpdate    EventKind = "ORDER_UPDATE"
	EventPositionUpdate EventKind = "POSITION_UPDATE"
	EventBalanceUpdate  EventKind = "BALANCE_UPDATE"
)

// OrderEvent is the single internal schema for fill, cancel and account events.
type OrderEvent struct {
	Kind          EventKind       `json:"kind"`
	Symbol        string          `json:"symbol"`
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Status        OrderStatus     `json:"status"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	LastFillPrice decimal.Decimal `json:"last_fill_price"`
	LastFillQty   decimal.Decimal `json:"last_fill_qty"`
	CumulativeQty decimal.Decimal `json:"cumulative_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl"`
	ReduceOnly    bool            `json:"reduce_only"`
	Sequence      int64           `json:"sequence"`
	EventTime     time.Time       `json:"event_time"`

	PositionAmount decimal.Decimal `json:"position_amount"`
	PositionEntry  decimal.Decimal `json:"position_entry"`
	UnrealizedPnl  decimal.Decimal `json:"unrealized_pnl"`
	WalletBalance  decimal.Decimal `json:"wallet_balance"`
}

// Version returns the event's ordering key.
func (e OrderEvent) Version() EventVersion {
	return EventVersion{
		Sequence:   e.Sequence,
		Cumulative: e.CumulativeQty,
		StatusRank: e.Status.Rank(),
		AvgPrice:   e.AvgPrice,
		Terminal:   e.Status.Terminal(),
	}
}

// After reports whether v is strictly newer than prev.
func (v EventVersion) After(prev EventVersion) bool {
	if v.Sequence != prev.Sequence {
		return v.Sequence > prev.Sequence
	}
	if c := v.Cumulative.Cmp(prev.Cumulative); c != 0 {
		return c > 0
	}
	return v.StatusRank > prev.StatusRank
}

// Order is a normalized exchange order.
type Order struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Status        OrderStatus     `json:"status"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	OrigQty       decimal.Decimal `json:"orig_qty"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	ReduceOnly    bool            `json:"reduce_only"`
	UpdateTime    time.Time       `json:"update_time"`
}

// EffectivePrice is the resting price used to match an order to a level.
func (o Order) EffectivePrice() decimal.Decimal {
	if o.Price.IsZero() {
		return o.StopPrice
	}
	return o.Price
}

// OrderRequest describes an order to submit.
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	ReduceOnly    bool            `json:"reduce_only"`
	ClientOrderID string          `json:"client_order_id"`
}

// Position is a normalized one-way position; Amount is signed.
type Position struct {
	Symbol        string          `json:"symbol"`
	Amount        decimal.Decimal `json:"amount"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	Leverage      int             `json:"leverage"`
}

// Balance 保证金资产余额
type Balance struct {
	Asset            string          `json:"asset"`
	WalletBalance    decimal.Decimal `json:"wallet_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
}

// Equity is wallet balance plus unrealized pnl.
func (b Balance) Equity() decimal.Decimal {
	return b.WalletBalance.Add(b.UnrealizedPnl)
}

// Ticker carries last trade and top of book.
type Ticker struct {
	Symbol string          `json:"symbol"`
	Last   decimal.Decimal `json:"last"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	BidQty decimal.Decimal `json:"bid_qty"`
	AskQty decimal.Decimal `json:"ask_qty"`
	Time   time.Time       `json:"time"`
}

// Kline is one OHLCV candle.
type Kline struct {
	OpenTime  time.Time       `json:"open_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	CloseTime time.Time       `json:"close_time"`
}

// SymbolRules holds the venue's trading filters for a symbol.
type SymbolRules struct {
	Symbol            string          `json:"symbol"`
	TickSize          decimal.Decimal `json:"tick_size"`
	StepSize          decimal.Decimal `json:"step_size"`
	MinQty            decimal.Decimal `json:"min_qty"`
	MaxQty            decimal.Decimal `json:"max_qty"`
	MinNotional       decimal.Decimal `json:"min_notional"`
	PricePrecision    int32           `json:"price_precision"`
	QuantityPrecision int32           `json:"quantity_precision"`
}
