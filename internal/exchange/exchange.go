package exchange

import (
	"context"

	"perp-grid-engine/internal/models"

	"github.com/shopspring/decimal"
)

// Exchange 定义了引擎依赖的交易所能力。
// 真实交易、模拟盘和测试替身都实现该接口，核心逻辑不感知具体交易所。
//
// 错误约定: 网络/限频失败返回 *models.TransientGatewayError,
// 精度/名义价值/保证金拒单返回 *models.RejectedOrderError,
// 不存在的订单返回 models.ErrOrderNotFound。
type Exchange interface {
	GetTicker(ctx context.Context, symbol string) (models.Ticker, error)
	GetBalance(ctx context.Context) (models.Balance, error)
	GetPositions(ctx context.Context, symbol string) ([]models.Position, error)
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID, clientID string) error
	GetOrder(ctx context.Context, symbol, orderID, clientID string) (*models.Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error)
	GetSymbolRules(ctx context.Context, symbol string) (models.SymbolRules, error)
	GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol, marginType string) error
	TestConnection(ctx context.Context) error
}

// ListenKeyService 管理用户数据流的 listenKey。
type ListenKeyService interface {
	StartUserStream(ctx context.Context) (string, error)
	KeepAliveUserStream(ctx context.Context, listenKey string) error
	CloseUserStream(ctx context.Context, listenKey string) error
}

// NetPosition 返回单向持仓模式下某交易对的净持仓, 无持仓时 Amount 为零。
func NetPosition(positions []models.Position, symbol string) models.Position {
	out := models.Position{Symbol: symbol}
	for _, p := range positions {
		if p.Symbol != symbol {
			continue
		}
		if out.Amount.IsZero() {
			out = p
			continue
		}
		// 双向持仓残留: 合并为净值, 均价按数量加权
		total := out.Amount.Add(p.Amount)
		if !total.IsZero() {
			out.EntryPrice = out.EntryPrice.Mul(out.Amount.Abs()).Add(p.EntryPrice.Mul(p.Amount.Abs())).
				Div(out.Amount.Abs().Add(p.Amount.Abs()))
		}
		out.Amount = total
		out.UnrealizedPnl = out.UnrealizedPnl.Add(p.UnrealizedPnl)
	}
	return out
}
