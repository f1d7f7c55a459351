package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"perp-grid-engine/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperExchange 模拟盘: 行情来自真实交易所 (market), 下单在本地撮合。
// 挂单在最新价穿越挂单价时成交, 成交以用户数据流事件的形式推送给订阅者。
type PaperExchange struct {
	symbol string
	market Exchange // 可为 nil, 此时价格只能通过 SetPrice 注入
	logger *zap.Logger

	MakerFeeRate decimal.Decimal
	TakerFeeRate decimal.Decimal

	mu          sync.Mutex
	wallet      decimal.Decimal
	position    decimal.Decimal // 带符号
	avgEntry    decimal.Decimal
	price       decimal.Decimal
	now         time.Time
	orders      map[string]*models.Order // orderID -> order
	byClient    map[string]string        // clientID -> orderID
	nextOrderID int64
	seq         int64
	leverage    int
	marginType  string
	onEvent     func(models.OrderEvent)
}

// NewPaperExchange 创建一个新的 PaperExchange 实例。
func NewPaperExchange(symbol string, initialBalance decimal.Decimal, market Exchange, logger *zap.Logger) *PaperExchange {
	return &PaperExchange{
		symbol:       symbol,
		market:       market,
		logger:       logger,
		MakerFeeRate: decimal.RequireFromString("0.0002"),
		TakerFeeRate: decimal.RequireFromString("0.0005"),
		wallet:       initialBalance,
		orders:       make(map[string]*models.Order),
		byClient:     make(map[string]string),
		nextOrderID:  1,
	}
}

// Subscribe 设置事件回调 (通常是 Engine.HandleEvent)。
func (e *PaperExchange) Subscribe(fn func(models.OrderEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = fn
}

// SetPrice 模拟价格变动并撮合所有被穿越的挂单。
func (e *PaperExchange) SetPrice(price decimal.Decimal, now time.Time) {
	e.mu.Lock()
	e.price, e.now = price, now
	events := e.matchLocked()
	fn := e.onEvent
	e.mu.Unlock()
	emit(fn, events)
}

func emit(fn func(models.OrderEvent), events []models.OrderEvent) {
	if fn == nil {
		return
	}
	for _, ev := range events {
		fn(ev)
	}
}

// matchLocked 按订单号顺序检查挂单是否可以在当前价成交。必须在持有锁的情况下调用。
func (e *PaperExchange) matchLocked() []models.OrderEvent {
	ids := make([]int64, 0, len(e.orders))
	for id, o := range e.orders {
		if o.Status == models.OrderStatusNew {
			n, _ := strconv.ParseInt(id, 10, 64)
			ids = append(ids, n)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var events []models.OrderEvent
	for _, id := range ids {
		o := e.orders[strconv.FormatInt(id, 10)]
		if e.crossedLocked(o) {
			events = append(events, e.fillLocked(o, o.EffectivePrice(), e.MakerFeeRate)...)
		}
	}
	return events
}

func (e *PaperExchange) crossedLocked(o *models.Order) bool {
	if !e.price.IsPositive() {
		return false
	}
	switch o.Type {
	case models.OrderTypeLimit:
		if o.Side == models.OrderSideBuy {
			return e.price.LessThanOrEqual(o.Price)
		}
		return e.price.GreaterThanOrEqual(o.Price)
	case models.OrderTypeStopMarket:
		if o.Side == models.OrderSideBuy {
			return e.price.GreaterThanOrEqual(o.StopPrice)
		}
		return e.price.LessThanOrEqual(o.StopPrice)
	}
	return false
}

// fillLocked 全额成交一个订单并更新持仓与余额。必须在持有锁的情况下调用。
func (e *PaperExchange) fillLocked(o *models.Order, price, feeRate decimal.Decimal) []models.OrderEvent {
	qty := o.OrigQty
	signed := qty
	if o.Side == models.OrderSideSell {
		signed = qty.Neg()
	}
	if o.ReduceOnly {
		// 只减仓: 数量不超过反向持仓
		if e.position.IsZero() || e.position.Sign() == signed.Sign() {
			return e.finishLocked(o, models.OrderStatusExpired)
		}
		if qty.GreaterThan(e.position.Abs()) {
			qty = e.position.Abs()
			signed = qty.Mul(decimal.NewFromInt(int64(signed.Sign())))
		}
	}

	fee := price.Mul(qty).Mul(feeRate)
	realized := decimal.Zero
	switch {
	case e.position.IsZero() || e.position.Sign() == signed.Sign():
		total := e.position.Abs().Add(qty)
		e.avgEntry = e.avgEntry.Mul(e.position.Abs()).Add(price.Mul(qty)).Div(total)
		e.position = e.position.Add(signed)
	default:
		closing := decimal.Min(qty, e.position.Abs())
		realized = price.Sub(e.avgEntry).Mul(closing).Mul(decimal.NewFromInt(int64(e.position.Sign())))
		e.position = e.position.Add(signed)
		if e.position.IsZero() {
			e.avgEntry = decimal.Zero
		} else if e.position.Sign() == signed.Sign() {
			// 反手: 剩余部分按成交价开新仓
			e.avgEntry = price
		}
	}
	e.wallet = e.wallet.Add(realized).Sub(fee)

	o.Status = models.OrderStatusFilled
	o.ExecutedQty = qty
	o.AvgPrice = price
	seq := e.stampLocked(o)

	ev := orderEvent(o, seq)
	ev.LastFillPrice = price
	ev.LastFillQty = qty
	ev.RealizedPnl = realized

	e.logger.Info("[模拟盘] 订单成交", zap.String("clientId", o.ClientOrderID), zap.String("side", string(o.Side)),
		zap.Stringer("price", price), zap.Stringer("qty", qty), zap.Stringer("realized", realized),
		zap.Stringer("position", e.position), zap.Stringer("wallet", e.wallet))

	return []models.OrderEvent{ev, {
		Kind:           models.EventPositionUpdate,
		Symbol:         e.symbol,
		PositionAmount: e.position,
		PositionEntry:  e.avgEntry,
		UnrealizedPnl:  e.unrealizedLocked(),
		WalletBalance:  e.wallet,
		Sequence:       seq,
		EventTime:      o.UpdateTime,
	}}
}

func (e *PaperExchange) finishLocked(o *models.Order, status models.OrderStatus) []models.OrderEvent {
	o.Status = status
	return []models.OrderEvent{orderEvent(o, e.stampLocked(o))}
}

// stampLocked 给订单打上严格递增的毫秒更新时间, 事件序号与之相同,
// 与实盘一样可以和 REST 查询到的订单快照比较新旧。
func (e *PaperExchange) stampLocked(o *models.Order) int64 {
	seq := e.clock().UnixMilli()
	if seq <= e.seq {
		seq = e.seq + 1
	}
	e.seq = seq
	o.UpdateTime = time.UnixMilli(seq)
	return seq
}

func orderEvent(o *models.Order, seq int64) models.OrderEvent {
	return models.OrderEvent{
		Kind:          models.EventOrderUpdate,
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          o.Side,
		Type:          o.Type,
		Status:        o.Status,
		Price:         o.Price,
		Quantity:      o.OrigQty,
		CumulativeQty: o.ExecutedQty,
		AvgPrice:      o.AvgPrice,
		ReduceOnly:    o.ReduceOnly,
		Sequence:      seq,
		EventTime:     o.UpdateTime,
	}
}

func (e *PaperExchange) unrealizedLocked() decimal.Decimal {
	if e.position.IsZero() || !e.price.IsPositive() {
		return decimal.Zero
	}
	return e.price.Sub(e.avgEntry).Mul(e.position)
}

func (e *PaperExchange) clock() time.Time {
	if e.now.IsZero() {
		return time.Now()
	}
	return e.now
}

// --- Exchange 接口实现 ---

// GetTicker 从真实行情取价, 顺带撮合本地挂单。
func (e *PaperExchange) GetTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	if e.market != nil {
		t, err := e.market.GetTicker(ctx, symbol)
		if err != nil {
			return t, err
		}
		e.SetPrice(t.Last, t.Time)
		return t, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.price.IsPositive() {
		return models.Ticker{}, fmt.Errorf("[模拟盘] 尚无价格")
	}
	return models.Ticker{Symbol: symbol, Last: e.price, Bid: e.price, Ask: e.price, Time: e.clock()}, nil
}

func (e *PaperExchange) GetBalance(ctx context.Context) (models.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.Balance{
		Asset:            "USDT",
		WalletBalance:    e.wallet,
		AvailableBalance: e.wallet,
		UnrealizedPnl:    e.unrealizedLocked(),
	}, nil
}

func (e *PaperExchange) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position.IsZero() || symbol != e.symbol {
		return nil, nil
	}
	return []models.Position{{
		Symbol:        e.symbol,
		Amount:        e.position,
		EntryPrice:    e.avgEntry,
		MarkPrice:     e.price,
		UnrealizedPnl: e.unrealizedLocked(),
		Leverage:      e.leverage,
	}}, nil
}

func (e *PaperExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	e.mu.Lock()
	if req.ClientOrderID != "" {
		if _, dup := e.byClient[req.ClientOrderID]; dup {
			e.mu.Unlock()
			return nil, &models.RejectedOrderError{Code: -4116, Reason: "ClientOrderId is duplicated."}
		}
	}
	if !req.Quantity.IsPositive() {
		e.mu.Unlock()
		return nil, &models.RejectedOrderError{Code: -1111, Reason: "quantity must be positive"}
	}

	o := &models.Order{
		OrderID:       strconv.FormatInt(e.nextOrderID, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        e.symbol, // 强制使用交易所内部的 symbol
		Side:          req.Side,
		Type:          req.Type,
		Status:        models.OrderStatusNew,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		OrigQty:       req.Quantity,
		ReduceOnly:    req.ReduceOnly,
		UpdateTime:    e.clock(),
	}
	e.nextOrderID++
	e.orders[o.OrderID] = o
	if o.ClientOrderID != "" {
		e.byClient[o.ClientOrderID] = o.OrderID
	}
	reply := *o

	var events []models.OrderEvent
	switch {
	case o.Type == models.OrderTypeMarket:
		if !e.price.IsPositive() {
			events = e.finishLocked(o, models.OrderStatusExpired)
		} else {
			events = e.fillLocked(o, e.price, e.TakerFeeRate)
		}
	case e.crossedLocked(o):
		// 限价单穿价, 按挂单价吃单成交
		events = e.fillLocked(o, o.EffectivePrice(), e.TakerFeeRate)
	default:
		events = []models.OrderEvent{orderEvent(o, e.stampLocked(o))}
	}
	fn := e.onEvent
	e.mu.Unlock()

	emit(fn, events)
	return &reply, nil
}

func (e *PaperExchange) lookupLocked(orderID, clientID string) (*models.Order, bool) {
	if o, ok := e.orders[orderID]; ok {
		return o, true
	}
	if id, ok := e.byClient[clientID]; ok && clientID != "" {
		return e.orders[id], true
	}
	return nil, false
}

func (e *PaperExchange) CancelOrder(ctx context.Context, symbol, orderID, clientID string) error {
	e.mu.Lock()
	o, ok := e.lookupLocked(orderID, clientID)
	if !ok || o.Status.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("[模拟盘] cancel %s/%s: %w", orderID, clientID, models.ErrOrderNotFound)
	}
	events := e.finishLocked(o, models.OrderStatusCanceled)
	fn := e.onEvent
	e.mu.Unlock()
	emit(fn, events)
	return nil
}

func (e *PaperExchange) GetOrder(ctx context.Context, symbol, orderID, clientID string) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.lookupLocked(orderID, clientID)
	if !ok {
		return nil, fmt.Errorf("[模拟盘] 订单 %s/%s: %w", orderID, clientID, models.ErrOrderNotFound)
	}
	cp := *o
	return &cp, nil
}

func (e *PaperExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	open := make([]models.Order, 0)
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status == models.OrderStatusNew {
			open = append(open, *o)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].OrderID < open[j].OrderID })
	return open, nil
}

func (e *PaperExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	e.mu.Lock()
	var events []models.OrderEvent
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status == models.OrderStatusNew {
			events = append(events, e.finishLocked(o, models.OrderStatusCanceled)...)
		}
	}
	fn := e.onEvent
	e.mu.Unlock()
	emit(fn, events)
	return nil
}

func (e *PaperExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error) {
	if e.market == nil {
		return nil, nil
	}
	return e.market.GetKlines(ctx, symbol, interval, limit)
}

// GetSymbolRules 无真实行情时返回一组合理的默认规则, 避免网络调用。
func (e *PaperExchange) GetSymbolRules(ctx context.Context, symbol string) (models.SymbolRules, error) {
	if e.market != nil {
		return e.market.GetSymbolRules(ctx, symbol)
	}
	return models.SymbolRules{
		Symbol:            symbol,
		TickSize:          decimal.RequireFromString("0.01"),
		StepSize:          decimal.RequireFromString("0.001"),
		MinQty:            decimal.RequireFromString("0.001"),
		MinNotional:       decimal.NewFromInt(5),
		PricePrecision:    2,
		QuantityPrecision: 3,
	}, nil
}

func (e *PaperExchange) GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if e.market == nil {
		return decimal.Zero, nil
	}
	return e.market.GetFundingRate(ctx, symbol)
}

func (e *PaperExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leverage = leverage
	return nil
}

func (e *PaperExchange) SetMarginType(ctx context.Context, symbol, marginType string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marginType = marginType
	return nil
}

func (e *PaperExchange) TestConnection(ctx context.Context) error {
	if e.market == nil {
		return nil
	}
	return e.market.TestConnection(ctx)
}
