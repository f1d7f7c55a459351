package bot

import (
	"context"
	"errors"
	"fmt"

	"perp-grid-engine/internal/models"
	"perp-grid-engine/internal/reconciler"

	"go.uber.org/zap"
)

// launch 在命令循环之外按顺序执行一批订单动作。
func (e *GridEngine) launch(actions []models.Action) {
	e.execs.add()
	go func() {
		defer e.execs.done()
		e.execute(actions)
	}()
}

func (e *GridEngine) execute(actions []models.Action) {
	for _, a := range actions {
		if e.ctx.Err() != nil {
			// 停机中: 未执行的意图留给下次启动对账
			return
		}
		switch a.Kind {
		case models.ActionPlaceEntry, models.ActionPlaceTP:
			e.place(a)
		case models.ActionReplaceTP:
			// 先撤旧单再挂新单, 同一档位不会同时有两张止盈
			e.cancelOrder(models.OrderHandle{OrderID: a.CancelOrderID, ClientID: a.CancelClientID, Level: a.Level})
			e.place(a)
		case models.ActionCancelOrder:
			e.cancelOrder(models.OrderHandle{OrderID: a.CancelOrderID, ClientID: a.CancelClientID, Level: a.Level})
		case models.ActionMarketClose:
			for _, h := range a.PreCancels {
				e.cancelOrder(h)
			}
			e.place(a)
		case models.ActionCancelAll:
			e.cancelAll(a.Reason)
		default:
			e.logger.Error("未知的订单动作", zap.String("kind", string(a.Kind)))
		}
	}
}

func (e *GridEngine) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.ctx, e.requestTimeout())
}

// outcomeUnknown 判断下单是否可能已经到达交易所: 超时、断线和临时错误都不能当成失败。
func outcomeUnknown(err error) bool {
	var transient *models.TransientGatewayError
	return errors.Is(err, models.ErrOutcomeUnknown) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &transient)
}

func (e *GridEngine) place(a models.Action) {
	id := a.Request.ClientOrderID
	ctx, cancel := e.callContext()
	order, err := e.ex.PlaceOrder(ctx, a.Request)
	cancel()

	switch {
	case err == nil:
		e.metrics.OrderPlaced(a.Kind)
		e.logger.Debug("下单成功", zap.String("kind", string(a.Kind)), zap.Int("level", a.Level),
			zap.String("clientId", id), zap.String("orderId", order.OrderID))
		accepted := *order
		e.feed("order_accepted", func(st *models.GridState) reconciler.Result {
			e.inflight.remove(id)
			e.rec.OrderAccepted(st, id, accepted)
			return e.replayCancel(st, id, accepted.OrderID, a.Level)
		})
	case e.ctx.Err() != nil:
		// 停机时中断的请求不做处理, 重启后对账
	case outcomeUnknown(err):
		e.logger.Warn("下单结果未知, 查询订单状态", zap.String("clientId", id), zap.Error(err))
		e.resolvePlacement(a, err)
	default:
		e.metrics.OrderRejected(a.Kind)
		e.logger.Warn("下单被拒绝", zap.String("kind", string(a.Kind)), zap.Int("level", a.Level),
			zap.String("clientId", id), zap.Stringer("price", a.Request.Price), zap.Stringer("qty", a.Request.Quantity),
			zap.Error(err))
		e.feed("order_rejected", func(st *models.GridState) reconciler.Result {
			e.inflight.remove(id)
			return e.rec.OrderRejected(st, id, err, e.env(st))
		})
	}
}

// replayCancel 撤单请求早于下单回执到达时, 订单确认后补发撤单。
func (e *GridEngine) replayCancel(st *models.GridState, clientID, orderID string, level int) reconciler.Result {
	intent, ok := st.ExpectedCancels[clientID]
	if !ok {
		return reconciler.Result{}
	}
	return reconciler.Result{Actions: []models.Action{{
		Kind:           models.ActionCancelOrder,
		Level:          level,
		CancelOrderID:  orderID,
		CancelClientID: clientID,
		Reason:         intent.Reason,
	}}}
}

// resolvePlacement 通过查询订单状态确定一次结果未知的下单。
func (e *GridEngine) resolvePlacement(a models.Action, cause error) {
	id := a.Request.ClientOrderID
	order, err := e.queryOrder(e.ctx, "", id)
	switch {
	case err == nil:
		e.metrics.OrderPlaced(a.Kind)
		ev := reconciler.EventFromOrder(*order)
		found := *order
		e.feed("order_resolved", func(st *models.GridState) reconciler.Result {
			e.inflight.remove(id)
			e.rec.OrderAccepted(st, id, found)
			res := e.rec.Apply(st, ev, e.env(st))
			if !found.Status.Terminal() {
				res.Merge(e.replayCancel(st, id, found.OrderID, a.Level))
			}
			return res
		})
	case errors.Is(err, models.ErrOrderNotFound):
		e.metrics.OrderRejected(a.Kind)
		e.logger.Warn("订单未到达交易所, 回滚意图", zap.String("clientId", id), zap.Error(cause))
		e.feed("order_not_placed", func(st *models.GridState) reconciler.Result {
			e.inflight.remove(id)
			return e.rec.OrderRejected(st, id, fmt.Errorf("order never reached the book: %w", cause), e.env(st))
		})
	default:
		// 状态仍未知: 保留意图, 交给全量对账
		e.logger.Error("订单状态查询失败, 等待对账", zap.String("clientId", id), zap.Error(err))
		e.feed("order_unresolved", func(st *models.GridState) reconciler.Result {
			e.inflight.remove(id)
			return reconciler.Result{
				Resync: true,
				Alerts: []models.Alert{models.NewAlert(models.AlertWarning, models.CategoryReconcile,
					"order outcome unknown, reconciling", "level", a.Level, "client_id", id, "error", err)},
			}
		})
	}
}

// cancelOrder 撤单后用订单查询确认结果, 不假设撤单一定成功。
func (e *GridEngine) cancelOrder(h models.OrderHandle) {
	if h.OrderID == "" && h.ClientID == "" {
		return
	}
	ctx, cancel := e.callContext()
	cancelErr := e.ex.CancelOrder(ctx, e.cfg.Symbol, h.OrderID, h.ClientID)
	cancel()
	if e.ctx.Err() != nil {
		return
	}
	if cancelErr != nil {
		e.logger.Warn("撤单失败, 查询订单状态", zap.Int("level", h.Level), zap.String("orderId", h.OrderID),
			zap.String("clientId", h.ClientID), zap.Error(cancelErr))
	}

	order, err := e.queryOrder(e.ctx, h.OrderID, h.ClientID)
	if err != nil {
		if cancelErr == nil {
			// 撤单已受理, 终态事件会从数据流到达
			return
		}
		notFound := errors.Is(err, models.ErrOrderNotFound)
		if notFound {
			cancelErr = fmt.Errorf("%v: %w", cancelErr, models.ErrOrderNotFound)
		}
		e.feed("cancel_failed", func(st *models.GridState) reconciler.Result {
			res := e.rec.CancelFailed(st, h, cancelErr, e.env(st))
			// 交易所查无此单: 由对账清理本地引用
			res.Resync = res.Resync || notFound
			return res
		})
		return
	}

	ev := reconciler.EventFromOrder(*order)
	stillLive := !order.Status.Terminal()
	e.feed("cancel_confirmed", func(st *models.GridState) reconciler.Result {
		res := e.rec.Apply(st, ev, e.env(st))
		if stillLive && cancelErr != nil {
			res.Merge(e.rec.CancelFailed(st, h, cancelErr, e.env(st)))
		}
		return res
	})
}

func (e *GridEngine) cancelAll(reason string) {
	ctx, cancel := e.callContext()
	err := e.ex.CancelAllOrders(ctx, e.cfg.Symbol)
	cancel()
	if err != nil {
		e.logger.Error("撤销全部挂单失败, 可能需要手动检查", zap.String("reason", reason), zap.Error(err))
		e.notify(models.NewAlert(models.AlertCritical, models.CategoryOrder, "cancel all orders failed",
			"reason", reason, "error", err))
	} else {
		e.logger.Warn("已撤销全部挂单", zap.String("reason", reason))
	}
	e.requestResync()
}

func (e *GridEngine) queryOrder(parent context.Context, orderID, clientID string) (*models.Order, error) {
	ctx, cancel := context.WithTimeout(parent, e.requestTimeout())
	defer cancel()
	return e.ex.GetOrder(ctx, e.cfg.Symbol, orderID, clientID)
}
