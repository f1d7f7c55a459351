package bot

import (
	"context"
	"errors"
	"fmt"

	"perp-grid-engine/internal/exchange"
	"perp-grid-engine/internal/models"
	"perp-grid-engine/internal/reconciler"

	"go.uber.org/zap"
)

// Reconcile 全量对账, 以交易所为准修正本地状态。
// 本地引用但交易所已不在挂单列表里的订单先逐个查询状态并按事件应用,
// 然后用新拉取的挂单与持仓做一次对齐。
func (e *GridEngine) Reconcile(ctx context.Context, reason string) error {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	open, err := e.ex.GetOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("获取挂单失败: %w", err)
	}
	var missing []models.OrderHandle
	if err := e.sm.View(ctx, func(st *models.GridState) {
		missing = reconciler.MissingOrders(st, open, e.env(st))
	}); err != nil {
		return err
	}

	for _, h := range missing {
		order, err := e.queryOrder(ctx, h.OrderID, h.ClientID)
		if errors.Is(err, models.ErrOrderNotFound) {
			e.logger.Info("对账: 订单不存在", zap.Int("level", h.Level), zap.String("clientId", h.ClientID))
			continue
		}
		if err != nil {
			return fmt.Errorf("查询订单 %s/%s 失败: %w", h.OrderID, h.ClientID, err)
		}
		ev := reconciler.EventFromOrder(*order)
		if err := e.sm.Do(ctx, "reconcile_order", func(st *models.GridState) error {
			e.commit(st, e.rec.Apply(st, ev, e.env(st)))
			return nil
		}); err != nil {
			return err
		}
	}

	// 查询之后重新取一次, 保证挂单与持仓是同一时刻的视图
	if open, err = e.ex.GetOpenOrders(ctx, e.cfg.Symbol); err != nil {
		return fmt.Errorf("获取挂单失败: %w", err)
	}
	positions, err := e.ex.GetPositions(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("获取持仓失败: %w", err)
	}
	ticker, err := e.ex.GetTicker(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("获取价格失败: %w", err)
	}
	view := reconciler.ExchangeView{
		OpenOrders: open,
		Position:   exchange.NetPosition(positions, e.cfg.Symbol),
		LastPrice:  ticker.Last,
	}

	return e.sm.Do(ctx, "reconcile", func(st *models.GridState) error {
		observePrice(st, ticker.Last)
		res := e.rec.Sync(st, view, e.env(st))
		e.logger.Info("对账完成", zap.String("reason", reason), zap.Int("open_orders", len(open)),
			zap.Int("resolved", len(missing)), zap.Stringer("position", view.Position.Amount),
			zap.Int("actions", len(res.Actions)))
		e.commit(st, res)
		return nil
	})
}
