package bot

import (
	"context"
	"errors"
	"sort"
	"time"

	"perp-grid-engine/internal/grid"
	"perp-grid-engine/internal/models"
	"perp-grid-engine/internal/reconciler"
	"perp-grid-engine/internal/reporter"
	"perp-grid-engine/internal/risk"
	"perp-grid-engine/internal/takeprofit"

	"go.uber.org/zap"
)

// resyncMinGap 两次触发式对账的最小间隔
const resyncMinGap = 5 * time.Second

func (e *GridEngine) startLoops() {
	e.spawn("risk", time.Duration(e.cfg.Risk.EvaluationIntervalSec)*time.Second, true, e.riskTick)
	if e.cfg.Spike.Enabled {
		e.spawn("spike", time.Duration(e.cfg.Spike.IntervalSeconds)*time.Second, false, e.spikeTick)
	}
	if e.cfg.TakeProfit.TrailingEnabled {
		e.spawn("trailing", time.Duration(e.cfg.TakeProfit.TrailingIntervalSec)*time.Second, false, e.trailingTick)
	}
	if m := e.cfg.Engine.SummaryIntervalMinutes; m > 0 {
		e.spawn("summary", time.Duration(m)*time.Minute, false, e.summaryTick)
	}
	e.loops.Add(1)
	go e.resyncLoop()
}

// spawn 启动一个定时循环; immediate 为 true 时先立即执行一次。
func (e *GridEngine) spawn(name string, every time.Duration, immediate bool, tick func(context.Context) error) {
	if every <= 0 {
		every = time.Minute
	}
	e.loops.Add(1)
	go func() {
		defer e.loops.Done()
		run := func() {
			if err := tick(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Warn("定时任务失败", zap.String("loop", name), zap.Error(err))
			}
		}
		if immediate {
			run()
		}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func (e *GridEngine) resyncLoop() {
	defer e.loops.Done()
	var periodic <-chan time.Time
	if m := e.cfg.Engine.ReconcileIntervalMinutes; m > 0 {
		t := time.NewTicker(time.Duration(m) * time.Minute)
		defer t.Stop()
		periodic = t.C
	}
	var last time.Time
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.resyncCh:
			if wait := resyncMinGap - time.Since(last); wait > 0 {
				select {
				case <-e.ctx.Done():
					return
				case <-time.After(wait):
				}
			}
		case <-periodic:
		}
		last = time.Now()
		if err := e.Reconcile(e.ctx, "resync"); err != nil && e.ctx.Err() == nil {
			e.logger.Warn("对账失败, 稍后重试", zap.Error(err))
			e.notify(models.NewAlert(models.AlertWarning, models.CategoryReconcile, "reconciliation failed", "error", err))
		}
	}
}

// riskTick 拉取余额与行情, 在命令循环内执行一次风控评估。
func (e *GridEngine) riskTick(ctx context.Context) error {
	bal, err := e.ex.GetBalance(ctx)
	if err != nil {
		return err
	}
	ticker, err := e.ex.GetTicker(ctx, e.cfg.Symbol)
	if err != nil {
		return err
	}
	in := risk.Inputs{Now: e.clock(), Balance: bal, Price: ticker.Last, Ticker: ticker, Signal: e.signal()}
	if e.session != nil {
		e.session.ObserveEquity(bal.Equity())
	}

	var snap models.BalanceSnapshot
	err = e.sm.Do(ctx, "risk_tick", func(st *models.GridState) error {
		e.commit(st, e.evaluate(st, in))
		snap = models.BalanceSnapshot{
			Balance:       bal.WalletBalance,
			Equity:        bal.Equity(),
			RealizedPnl:   st.RealizedPnl,
			DrawdownState: st.Drawdown.State,
			DrawdownPct:   st.Drawdown.LastPercent,
			Time:          in.Now,
		}
		return nil
	})
	if err == nil && e.trades != nil {
		e.trades.RecordSnapshot(snap)
	}
	return err
}

// evaluate 依次执行: 风控闸门 -> 熔断/减仓 -> 网格重置 -> 方向切换 -> 补挂单。
// 熔断或减仓的这一轮不再做其他动作。
func (e *GridEngine) evaluate(st *models.GridState, in risk.Inputs) reconciler.Result {
	var res reconciler.Result
	observePrice(st, in.Price)
	st.LastBalance = in.Balance.WalletBalance

	v := e.controller.Evaluate(st, in)
	res.Alerts = append(res.Alerts, v.Alerts...)
	if v.Gate != e.lastGate {
		e.metrics.GateTrip(v.Gate)
		e.lastGate = v.Gate
	}

	switch {
	case v.Halt != nil:
		res.Merge(e.halt(st, v.Halt))
		return res
	case v.Cut != nil:
		actions, ok := risk.PlanCut(st, v.Cut.Fraction, v.Cut.Reason, e.rules, in.Now)
		if ok {
			e.logger.Warn("风控减仓", zap.String("reason", v.Cut.Reason), zap.Stringer("fraction", v.Cut.Fraction),
				zap.Stringer("drawdown_pct", st.Drawdown.LastPercent.Round(2)))
			res.Actions = append(res.Actions, actions...)
		}
		return res
	}

	if e.controller.CheckRegrid(st, in.Price, in.Now) {
		plan, err := e.controller.PlanRegrid(st, in.Price, e.rules, in.Now)
		if err != nil {
			e.logger.Error("网格重置失败", zap.Error(err))
			res.Alerts = append(res.Alerts, models.NewAlert(models.AlertWarning, models.CategoryRegrid,
				"regrid failed", "price", in.Price, "error", err))
		} else {
			e.metrics.Regrid()
			res.Actions = append(res.Actions, plan.Actions...)
			res.Alerts = append(res.Alerts, plan.Alert)
		}
	}

	if side, ok := e.controller.RecommendSide(st, in.Signal); ok {
		r, _ := e.switchSide(st, side)
		res.Merge(r)
	}

	res.Merge(e.maintain(st, e.env(st)))
	reconciler.PruneVersions(st, in.Now, reconciler.VersionTTL)
	return res
}

// halt 致命熔断: 撤销全部挂单, 停止一切下单, 等待人工恢复。
func (e *GridEngine) halt(st *models.GridState, breach *models.FatalRiskBreach) reconciler.Result {
	var res reconciler.Result
	for _, l := range st.ExposureLevels() {
		l.Degraded = true
		l.DegradedReason = "halted"
	}
	res.Actions = append(res.Actions, models.Action{Kind: models.ActionCancelAll, Level: -1, Reason: "halted"})
	select {
	case e.fatalCh <- breach:
	default:
	}
	return res
}

// switchSide 请求方向切换, 被拒绝时每个候选方向只告警一次。
func (e *GridEngine) switchSide(st *models.GridState, side models.Side) (reconciler.Result, error) {
	var res reconciler.Result
	if side == st.Side && st.PendingSide == "" {
		return res, nil
	}
	from := st.Side
	actions, err := risk.RequestSwitch(st, side)
	if err != nil {
		if errors.Is(err, models.ErrSideSwitchRejected) && e.switchAlerted != side {
			e.switchAlerted = side
			e.logger.Warn("方向切换被拒绝: 仍有持仓", zap.String("to", string(side)), zap.Error(err))
			res.Alerts = append(res.Alerts, models.NewAlert(models.AlertWarning, models.CategorySystem,
				"side switch rejected, grid holds a position", "from", from, "to", side))
		}
		return res, err
	}
	e.switchAlerted = ""
	res.Actions = actions
	if st.PendingSide == "" {
		e.logger.Info("网格方向已切换", zap.String("from", string(from)), zap.String("to", string(st.Side)))
		res.Alerts = append(res.Alerts, models.NewAlert(models.AlertInfo, models.CategorySystem,
			"grid side switched", "from", from, "to", st.Side))
	} else {
		res.Alerts = append(res.Alerts, models.NewAlert(models.AlertInfo, models.CategorySystem,
			"side switch pending, cancelling entries", "from", from, "to", side, "cancels", len(actions)))
	}
	return res, nil
}

// maintain 补挂止盈和入场单。入场单从离现价最近的档位开始, 不超过挂单上限。
func (e *GridEngine) maintain(st *models.GridState, env reconciler.Env) reconciler.Result {
	var res reconciler.Result
	degraded := 0
	for _, l := range st.Levels {
		if l.State != models.LevelPositionHeld || l.Cutting {
			continue
		}
		if l.Degraded {
			degraded++
			// 数量或名义价值不足的档位重试也没用, 等仓位变化
			if !reconciler.Retryable(l) || !e.tpRetryDue(l, env.Now) {
				continue
			}
			e.logger.Info("重试止盈", zap.Int("level", l.Index), zap.Int("attempts", l.TPAttempts),
				zap.String("reason", l.DegradedReason))
		}
		res.Merge(e.rec.Protect(st, l, env))
	}
	e.metrics.SetDegraded(degraded)

	if !env.EntriesAllowed || !st.LastPrice.IsPositive() {
		return res
	}
	var candidates []*models.GridLevel
	for _, l := range st.Levels {
		if l.State == models.LevelEmpty && !l.Retiring && grid.SideEligible(st.Side, l.TargetPrice, st.LastPrice) {
			candidates = append(candidates, l)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].TargetPrice.Sub(st.LastPrice).Abs().LessThan(candidates[j].TargetPrice.Sub(st.LastPrice).Abs())
	})

	limit := e.cfg.Grid.MaxOpenOrders
	room := limit - st.OpenOrderCount()
	for _, l := range candidates {
		if limit > 0 && room <= 0 {
			break
		}
		r := e.rec.PlaceEntry(st, l, env)
		if len(r.Actions) > 0 {
			room--
		}
		res.Merge(r)
	}
	return res
}

// tpRetryDue 止盈被拒后按退避间隔重试, 间隔随连续被拒次数增长。
func (e *GridEngine) tpRetryDue(l *models.GridLevel, now time.Time) bool {
	if l.DegradedReason == "halted" {
		return true
	}
	attempt := l.TPAttempts - 1
	if attempt < 0 {
		attempt = 0
	}
	return !now.Before(l.DegradedSince.Add(e.tpRetry.ForAttempt(float64(attempt))))
}

// spikeTick 监控短时间内的价格异动, 触发时暂停入场。
func (e *GridEngine) spikeTick(ctx context.Context) error {
	ticker, err := e.ex.GetTicker(ctx, e.cfg.Symbol)
	if err != nil {
		return err
	}
	return e.sm.Do(ctx, "spike", func(st *models.GridState) error {
		observePrice(st, ticker.Last)
		r := e.spike.Observe(st.Side, ticker.Last, e.clock())
		var res reconciler.Result
		if r.Alert != nil {
			res.Alerts = append(res.Alerts, *r.Alert)
		}
		if r.PauseUntil.After(st.SpikePausedTo) {
			st.SpikePausedTo = r.PauseUntil
			if !st.EntriesBlocked {
				st.EntriesBlocked = true
				st.BlockReason = "price spike"
			}
			e.logger.Warn("价格异动, 暂停入场", zap.Stringer("change_pct", r.ChangePct.Round(2)),
				zap.Time("until", r.PauseUntil))
		}
		e.commit(st, res)
		return nil
	})
}

// trailingTick 按最新信号重算追踪止盈, 只在止损线上移 (空头下移) 时替换。
func (e *GridEngine) trailingTick(ctx context.Context) error {
	return e.sm.Do(ctx, "trailing", func(st *models.GridState) error {
		env := e.env(st)
		var res reconciler.Result
		for _, l := range st.ExposureLevels() {
			if l.Cutting || l.NoTrailing || l.State != models.LevelTPPlaced {
				continue
			}
			d, ok := e.policy.Trailing(st.Side, l.EntryPrice, env.Signal)
			if !ok {
				continue
			}
			if l.TPMode == models.TPModeTrailing && !takeprofit.ShouldRatchet(st.Side, l.TPPrice, d.Price) {
				continue
			}
			res.Merge(e.rec.Protect(st, l, env))
		}
		e.commit(st, res)
		return nil
	})
}

// summaryTick 定期输出运行摘要。
func (e *GridEngine) summaryTick(ctx context.Context) error {
	bal, err := e.ex.GetBalance(ctx)
	if err != nil {
		return err
	}
	st, err := e.sm.Snapshot(ctx)
	if err != nil {
		return err
	}
	m := e.session.Summarize(st, bal.Equity(), e.clock())
	table := reporter.SummaryTable(m)
	e.logger.Info("运行摘要\n" + table + "\n" + reporter.GridTable(st, st.LastPrice))
	e.notify(models.NewAlert(models.AlertInfo, models.CategorySummary, "periodic summary\n"+table,
		"equity", bal.Equity(), "realized", st.RealizedPnl, "drawdown_state", st.Drawdown.State))
	return nil
}
