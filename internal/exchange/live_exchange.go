package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"perp-grid-engine/internal/models"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// 币安错误码
const (
	codeDisconnected     = -1001
	codeTooManyRequests  = -1003
	codeUnknownStatus    = -1007 // 请求超时, 结果未知
	codeTooManyOrders    = -1015
	codeTimestamp        = -1021
	codeCancelRejected   = -2011
	codeNoSuchOrder      = -2013
	codeNoNeedMarginType = -4046
	codeNoNeedPosMode    = -4059
)

// LiveExchange 通过 go-binance 的 USDⓈ-M 合约客户端实现 Exchange。
type LiveExchange struct {
	client *futures.Client
	logger *zap.Logger
	asset  string
}

// NewLiveExchange 创建一个新的 LiveExchange 实例。baseURL 为空时使用 go-binance 默认地址。
func NewLiveExchange(apiKey, secretKey, baseURL string, timeout time.Duration, logger *zap.Logger) *LiveExchange {
	client := futures.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &LiveExchange{client: client, logger: logger, asset: "USDT"}
}

// SyncTime 与币安服务器同步时间，之后的签名请求自动带上时间偏移。
func (e *LiveExchange) SyncTime(ctx context.Context) error {
	offset, err := e.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return classify("sync_time", err, false)
	}
	e.logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffset (ms)", offset))
	return nil
}

// TestConnection 检查 REST 连通性。
func (e *LiveExchange) TestConnection(ctx context.Context) error {
	if err := e.client.NewPingService().Do(ctx); err != nil {
		return classify("ping", err, false)
	}
	return nil
}

// GetTicker 获取最新成交价和盘口最优价。
func (e *LiveExchange) GetTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	t := models.Ticker{Symbol: symbol, Time: time.Now()}
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return t, classify("ticker_price", err, false)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			t.Last = num(p.Price)
		}
	}
	books, err := e.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return t, classify("book_ticker", err, false)
	}
	for _, b := range books {
		if b.Symbol == symbol {
			t.Bid, t.BidQty = num(b.BidPrice), num(b.BidQuantity)
			t.Ask, t.AskQty = num(b.AskPrice), num(b.AskQuantity)
		}
	}
	if !t.Last.IsPositive() {
		return t, fmt.Errorf("no price returned for %s", symbol)
	}
	return t, nil
}

// GetBalance 获取保证金资产 (USDT) 余额。
func (e *LiveExchange) GetBalance(ctx context.Context) (models.Balance, error) {
	balances, err := e.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return models.Balance{}, classify("balance", err, false)
	}
	for _, b := range balances {
		if b.Asset == e.asset {
			return models.Balance{
				Asset:            b.Asset,
				WalletBalance:    num(b.Balance),
				AvailableBalance: num(b.AvailableBalance),
				UnrealizedPnl:    num(b.CrossUnPnl),
			}, nil
		}
	}
	return models.Balance{}, fmt.Errorf("未找到 %s 余额", e.asset)
}

// GetPositions 获取指定交易对的非零持仓。
func (e *LiveExchange) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	risks, err := e.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify("position_risk", err, false)
	}
	var out []models.Position
	for _, p := range risks {
		amt := num(p.PositionAmt)
		if amt.IsZero() {
			continue
		}
		out = append(out, models.Position{
			Symbol:        p.Symbol,
			Amount:        amt,
			EntryPrice:    num(p.EntryPrice),
			MarkPrice:     num(p.MarkPrice),
			UnrealizedPnl: num(p.UnRealizedProfit),
		})
	}
	return out, nil
}

// PlaceOrder 下单。成交不从 REST 响应读取，只以用户数据流事件为准。
func (e *LiveExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(req.Quantity.String())
	switch req.Type {
	case models.OrderTypeLimit:
		svc = svc.TimeInForce(futures.TimeInForceTypeGTC).Price(req.Price.String())
	case models.OrderTypeStopMarket:
		svc = svc.StopPrice(req.StopPrice.String())
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		e.logger.Warn("下单请求失败", zap.String("clientId", req.ClientOrderID),
			zap.String("side", string(req.Side)), zap.Stringer("price", req.Price),
			zap.Stringer("qty", req.Quantity), zap.Error(err))
		return nil, classify("place_order", err, true)
	}
	return &models.Order{
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          models.OrderSide(res.Side),
		Type:          models.OrderType(res.Type),
		Status:        models.OrderStatus(res.Status),
		Price:         num(res.Price),
		StopPrice:     num(res.StopPrice),
		OrigQty:       num(res.OrigQuantity),
		ExecutedQty:   num(res.ExecutedQuantity),
		ReduceOnly:    res.ReduceOnly,
		UpdateTime:    time.UnixMilli(res.UpdateTime),
	}, nil
}

// CancelOrder 取消订单, 交易所订单号优先, 否则按客户端订单号。
func (e *LiveExchange) CancelOrder(ctx context.Context, symbol, orderID, clientID string) error {
	svc := e.client.NewCancelOrderService().Symbol(symbol)
	if id, ok := parseOrderID(orderID); ok {
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(clientID)
	}
	if _, err := svc.Do(ctx); err != nil {
		return classify("cancel_order", err, false)
	}
	return nil
}

// GetOrder 查询订单状态。
func (e *LiveExchange) GetOrder(ctx context.Context, symbol, orderID, clientID string) (*models.Order, error) {
	svc := e.client.NewGetOrderService().Symbol(symbol)
	if id, ok := parseOrderID(orderID); ok {
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(clientID)
	}
	o, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("get_order", err, false)
	}
	out := toOrder(o)
	return &out, nil
}

// GetOpenOrders 获取所有挂单。
func (e *LiveExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	orders, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify("open_orders", err, false)
	}
	out := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrder(o))
	}
	return out, nil
}

// CancelAllOrders 取消所有挂单。
func (e *LiveExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := e.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return classify("cancel_all", err, false)
	}
	return nil
}

// GetKlines 获取K线。
func (e *LiveExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error) {
	klines, err := e.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify("klines", err, false)
	}
	out := make([]models.Kline, 0, len(klines))
	for _, k := range klines {
		out = append(out, models.Kline{
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      num(k.Open),
			High:      num(k.High),
			Low:       num(k.Low),
			Close:     num(k.Close),
			Volume:    num(k.Volume),
			CloseTime: time.UnixMilli(k.CloseTime),
		})
	}
	return out, nil
}

// GetSymbolRules 获取交易对的交易规则
func (e *LiveExchange) GetSymbolRules(ctx context.Context, symbol string) (models.SymbolRules, error) {
	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return models.SymbolRules{}, classify("exchange_info", err, false)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		rules := models.SymbolRules{
			Symbol:            s.Symbol,
			PricePrecision:    int32(s.PricePrecision),
			QuantityPrecision: int32(s.QuantityPrecision),
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				rules.TickSize = filterValue(f, "tickSize")
			case "LOT_SIZE":
				rules.StepSize = filterValue(f, "stepSize")
				rules.MinQty = filterValue(f, "minQty")
				rules.MaxQty = filterValue(f, "maxQty")
			case "MIN_NOTIONAL":
				rules.MinNotional = filterValue(f, "notional")
			}
		}
		return rules, nil
	}
	return models.SymbolRules{}, fmt.Errorf("未找到交易对 %s 的信息", symbol)
}

// GetFundingRate 返回最近一次资金费率 (百分比)。
func (e *LiveExchange) GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	idx, err := e.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, classify("premium_index", err, false)
	}
	for _, p := range idx {
		if p.Symbol == symbol {
			return num(p.LastFundingRate).Mul(decimal.NewFromInt(100)), nil
		}
	}
	return decimal.Zero, fmt.Errorf("no funding rate returned for %s", symbol)
}

// SetLeverage 设置杠杆。
func (e *LiveExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if _, err := e.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return classify("leverage", err, false)
	}
	return nil
}

// SetMarginType 设置保证金模式。
func (e *LiveExchange) SetMarginType(ctx context.Context, symbol, marginType string) error {
	err := e.client.NewChangeMarginTypeService().Symbol(symbol).
		MarginType(futures.MarginType(strings.ToUpper(marginType))).Do(ctx)
	if isCode(err, codeNoNeedMarginType) {
		e.logger.Info("保证金模式无需更改，已是目标模式。")
		return nil
	}
	if err != nil {
		return classify("margin_type", err, false)
	}
	return nil
}

// EnsureOneWayMode 切换为单向持仓模式。
func (e *LiveExchange) EnsureOneWayMode(ctx context.Context) error {
	err := e.client.NewChangePositionModeService().DualSide(false).Do(ctx)
	if isCode(err, codeNoNeedPosMode) {
		e.logger.Info("持仓模式无需更改，已是目标模式。")
		return nil
	}
	if err != nil {
		return classify("position_mode", err, false)
	}
	return nil
}

// StartUserStream 创建一个新的 listenKey。
func (e *LiveExchange) StartUserStream(ctx context.Context) (string, error) {
	key, err := e.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", classify("listen_key", err, false)
	}
	return key, nil
}

// KeepAliveUserStream 延长 listenKey 的有效期。
func (e *LiveExchange) KeepAliveUserStream(ctx context.Context, listenKey string) error {
	if err := e.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return classify("listen_key_keepalive", err, false)
	}
	return nil
}

// CloseUserStream 关闭 listenKey。
func (e *LiveExchange) CloseUserStream(ctx context.Context, listenKey string) error {
	if err := e.client.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return classify("listen_key_close", err, false)
	}
	return nil
}

// classify maps go-binance failures onto the engine's error taxonomy.
// placing marks order submission, where any non-transient API error is a rejection.
func classify(op string, err error, placing bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &models.TransientGatewayError{Op: op, Err: fmt.Errorf("%w: %v", models.ErrOutcomeUnknown, err)}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 0, codeDisconnected, codeTooManyRequests, codeTooManyOrders, codeTimestamp:
			// code 0: 非 JSON 的错误响应 (5xx / 网关)
			return &models.TransientGatewayError{Op: op, Err: err}
		case codeUnknownStatus:
			return &models.TransientGatewayError{Op: op, Err: fmt.Errorf("%w: %v", models.ErrOutcomeUnknown, err)}
		case codeCancelRejected, codeNoSuchOrder:
			return fmt.Errorf("%s: %w: %v", op, models.ErrOrderNotFound, err)
		}
		if placing {
			return &models.RejectedOrderError{Code: apiErr.Code, Reason: apiErr.Message, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &models.TransientGatewayError{Op: op, Err: fmt.Errorf("%w: %v", models.ErrOutcomeUnknown, err)}
		}
		return &models.TransientGatewayError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isCode(err error, code int64) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func toOrder(o *futures.Order) models.Order {
	return models.Order{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          models.OrderSide(o.Side),
		Type:          models.OrderType(o.Type),
		Status:        models.OrderStatus(o.Status),
		Price:         num(o.Price),
		StopPrice:     num(o.StopPrice),
		OrigQty:       num(o.OrigQuantity),
		ExecutedQty:   num(o.ExecutedQuantity),
		AvgPrice:      num(o.AvgPrice),
		ReduceOnly:    o.ReduceOnly,
		UpdateTime:    time.UnixMilli(o.UpdateTime),
	}
}

func parseOrderID(id string) (int64, bool) {
	if id == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(id, 10, 64)
	return n, err == nil && n > 0
}

func filterValue(f map[string]interface{}, key string) decimal.Decimal {
	s, _ := f[key].(string)
	return num(s)
}

// num parses an exchange decimal string; malformed or empty input is zero.
func num(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
