package exchange

import (
	"context"
	"errors"
	"time"

	"perp-grid-engine/internal/models"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RetryExchange retries transient failures of idempotent calls with bounded exponential backoff.
// PlaceOrder is passed through untouched: a timed-out placement is resolved by a status
// query, never by a blind resubmission.
type RetryExchange struct {
	Exchange
	attempts int
	min      time.Duration
	max      time.Duration
	logger   *zap.Logger
}

// NewRetryExchange wraps inner.
func NewRetryExchange(inner Exchange, cfg models.ExchangeConfig, logger *zap.Logger) *RetryExchange {
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &RetryExchange{
		Exchange: inner,
		attempts: attempts,
		min:      time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
		max:      time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
		logger:   logger,
	}
}

func (r *RetryExchange) do(ctx context.Context, op string, fn func() error) error {
	b := &backoff.Backoff{Min: r.min, Max: r.max, Factor: 2, Jitter: true}
	for attempt := 1; ; attempt++ {
		err := fn()
		var te *models.TransientGatewayError
		if err == nil || !errors.As(err, &te) || attempt >= r.attempts {
			return err
		}
		wait := b.Duration()
		if te.RetryAfter > wait {
			wait = te.RetryAfter
		}
		r.logger.Warn("交易所请求失败, 准备重试", zap.String("op", op), zap.Int("attempt", attempt),
			zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (r *RetryExchange) GetTicker(ctx context.Context, symbol string) (t models.Ticker, err error) {
	err = r.do(ctx, "ticker", func() error {
		t, err = r.Exchange.GetTicker(ctx, symbol)
		return err
	})
	return t, err
}

func (r *RetryExchange) GetBalance(ctx context.Context) (b models.Balance, err error) {
	err = r.do(ctx, "balance", func() error {
		b, err = r.Exchange.GetBalance(ctx)
		return err
	})
	return b, err
}

func (r *RetryExchange) GetPositions(ctx context.Context, symbol string) (ps []models.Position, err error) {
	err = r.do(ctx, "positions", func() error {
		ps, err = r.Exchange.GetPositions(ctx, symbol)
		return err
	})
	return ps, err
}

// CancelOrder is idempotent: a repeat of a cancel that already went through reports ErrOrderNotFound.
func (r *RetryExchange) CancelOrder(ctx context.Context, symbol, orderID, clientID string) error {
	return r.do(ctx, "cancel_order", func() error {
		return r.Exchange.CancelOrder(ctx, symbol, orderID, clientID)
	})
}

func (r *RetryExchange) GetOrder(ctx context.Context, symbol, orderID, clientID string) (o *models.Order, err error) {
	err = r.do(ctx, "get_order", func() error {
		o, err = r.Exchange.GetOrder(ctx, symbol, orderID, clientID)
		return err
	})
	return o, err
}

func (r *RetryExchange) GetOpenOrders(ctx context.Context, symbol string) (orders []models.Order, err error) {
	err = r.do(ctx, "open_orders", func() error {
		orders, err = r.Exchange.GetOpenOrders(ctx, symbol)
		return err
	})
	return orders, err
}

func (r *RetryExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	return r.do(ctx, "cancel_all", func() error {
		return r.Exchange.CancelAllOrders(ctx, symbol)
	})
}

func (r *RetryExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) (ks []models.Kline, err error) {
	err = r.do(ctx, "klines", func() error {
		ks, err = r.Exchange.GetKlines(ctx, symbol, interval, limit)
		return err
	})
	return ks, err
}

func (r *RetryExchange) GetSymbolRules(ctx context.Context, symbol string) (rules models.SymbolRules, err error) {
	err = r.do(ctx, "exchange_info", func() error {
		rules, err = r.Exchange.GetSymbolRules(ctx, symbol)
		return err
	})
	return rules, err
}

func (r *RetryExchange) GetFundingRate(ctx context.Context, symbol string) (rate decimal.Decimal, err error) {
	err = r.do(ctx, "funding", func() error {
		rate, err = r.Exchange.GetFundingRate(ctx, symbol)
		return err
	})
	return rate, err
}

func (r *RetryExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return r.do(ctx, "leverage", func() error {
		return r.Exchange.SetLeverage(ctx, symbol, leverage)
	})
}

func (r *RetryExchange) SetMarginType(ctx context.Context, symbol, marginType string) error {
	return r.do(ctx, "margin_type", func() error {
		return r.Exchange.SetMarginType(ctx, symbol, marginType)
	})
}
