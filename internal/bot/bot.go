package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"perp-grid-engine/internal/exchange"
	"perp-grid-engine/internal/grid"
	"perp-grid-engine/internal/metrics"
	"perp-grid-engine/internal/models"
	"perp-grid-engine/internal/persistence"
	"perp-grid-engine/internal/reconciler"
	"perp-grid-engine/internal/reporter"
	"perp-grid-engine/internal/risk"
	"perp-grid-engine/internal/statemanager"
	"perp-grid-engine/internal/takeprofit"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SignalSource 提供最近一次指标快照 (signal.Poller)。
type SignalSource interface {
	Latest() models.TrendSignal
}

// AlertSink 接收告警, 不得阻塞 (notifier.Dispatcher)。
type AlertSink interface {
	Send(alerts ...models.Alert)
}

// TradeSink 记录成交与余额快照, 不得阻塞 (storage.Recorder)。
type TradeSink interface {
	RecordTrade(t models.TradeRecord)
	RecordSnapshot(b models.BalanceSnapshot)
}

// Deps 是 GridEngine 的外部依赖。除 Exchange 外都可以为 nil。
type Deps struct {
	Exchange exchange.Exchange
	Repo     persistence.StateRepository
	Signals  SignalSource
	Alerts   AlertSink
	Trades   TradeSink
	Metrics  *metrics.Metrics
	Session  *reporter.Session
	Clock    func() time.Time
	Logger   *zap.Logger
}

// GridEngine 是网格引擎的核心结构。
// 所有状态修改都在 StateManager 的命令循环里串行执行; REST 调用在循环之外进行,
// 结果再作为新命令回流, 因此事件处理永远不会被网络阻塞。
type GridEngine struct {
	cfg     *models.Config
	ex      exchange.Exchange
	repo    persistence.StateRepository
	signals SignalSource
	alerts  AlertSink
	trades  TradeSink
	metrics *metrics.Metrics
	session *reporter.Session
	clock   func() time.Time
	logger  *zap.Logger

	policy     *takeprofit.Policy
	rec        *reconciler.Reconciler
	controller *risk.Controller
	spike      *risk.SpikeMonitor
	sm         *statemanager.StateManager

	rules    models.SymbolRules // Start 之后只读
	inflight *inflightSet
	execs    *taskTracker
	tpRetry  *backoff.Backoff // 只用 ForAttempt, 不保存重试计数

	ctx         context.Context
	cancel      context.CancelFunc
	loops       sync.WaitGroup
	stopOnce    sync.Once
	resyncCh    chan struct{}
	reconcileMu sync.Mutex
	fatalCh     chan *models.FatalRiskBreach

	// 以下字段只在命令循环内读写
	lastGate      string
	switchAlerted models.Side
}

// New 创建一个新的网格引擎实例。
func New(cfg *models.Config, deps Deps) (*GridEngine, error) {
	if deps.Exchange == nil {
		return nil, errors.New("engine requires an exchange")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	policy := takeprofit.NewPolicy(cfg.TakeProfit, models.SymbolRules{Symbol: cfg.Symbol})
	return &GridEngine{
		cfg:        cfg,
		ex:         deps.Exchange,
		repo:       deps.Repo,
		signals:    deps.Signals,
		alerts:     deps.Alerts,
		trades:     deps.Trades,
		metrics:    deps.Metrics,
		session:    deps.Session,
		clock:      clock,
		logger:     logger,
		policy:     policy,
		rec:        reconciler.New(policy, logger),
		controller: risk.NewController(cfg, logger),
		spike:      risk.NewSpikeMonitor(cfg.Spike),
		inflight:   newInflightSet(),
		execs:      newTaskTracker(),
		tpRetry: &backoff.Backoff{
			Min:    time.Duration(cfg.Engine.TPRetryMinMs) * time.Millisecond,
			Max:    time.Duration(cfg.Engine.TPRetryMaxMs) * time.Millisecond,
			Factor: 2,
		},
		resyncCh:   make(chan struct{}, 1),
		fatalCh:    make(chan *models.FatalRiskBreach, 1),
	}, nil
}

// Start 完成启动同步并启动所有后台循环。
func (e *GridEngine) Start(ctx context.Context) error {
	if err := e.boot(ctx); err != nil {
		return err
	}
	e.startLoops()
	return nil
}

// boot 设置交易所参数、恢复或新建网格状态, 并做一次全量对账。
func (e *GridEngine) boot(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(context.Background())

	if err := e.prepareExchange(ctx); err != nil {
		e.cancel()
		return err
	}

	bal, err := e.ex.GetBalance(ctx)
	if err != nil {
		e.cancel()
		return fmt.Errorf("获取余额失败: %w", err)
	}
	ticker, err := e.ex.GetTicker(ctx, e.cfg.Symbol)
	if err != nil {
		e.cancel()
		return fmt.Errorf("获取价格失败: %w", err)
	}

	st, err := e.loadState(ticker.Last)
	if err != nil {
		e.cancel()
		return err
	}
	e.sm = statemanager.NewStateManager(st, e.repo, e.cfg.Engine, e.logger)
	e.sm.Start()

	now := e.clock()
	if e.session == nil {
		e.session = reporter.NewSession(now, bal.Equity())
	}
	err = e.sm.Do(ctx, "startup", func(st *models.GridState) error {
		e.controller.RestoreDrawdown(st, bal, now)
		st.LastBalance = bal.WalletBalance
		observePrice(st, ticker.Last)
		if n := reconciler.PruneVersions(st, now, reconciler.VersionTTL); n > 0 {
			e.logger.Info("清理过期订单版本", zap.Int("count", n))
		}
		return nil
	})
	if err == nil {
		err = e.Reconcile(ctx, "startup")
	}
	if err != nil {
		e.cancel()
		e.sm.Stop()
		return fmt.Errorf("启动对账失败: %w", err)
	}

	e.notify(models.NewAlert(models.AlertInfo, models.CategorySystem, "engine started",
		"symbol", e.cfg.Symbol, "side", st.Side, "levels", len(st.Levels), "equity", bal.Equity(),
		"dry_run", e.cfg.DryRun))
	return nil
}

// prepareExchange 设置杠杆与保证金模式并缓存交易规则。
func (e *GridEngine) prepareExchange(ctx context.Context) error {
	if err := e.ex.TestConnection(ctx); err != nil {
		return fmt.Errorf("交易所连接失败: %w", err)
	}
	if err := e.ex.SetLeverage(ctx, e.cfg.Symbol, e.cfg.Grid.Leverage); err != nil {
		return fmt.Errorf("设置杠杆失败: %w", err)
	}
	if e.cfg.Grid.MarginType != "" {
		if err := e.ex.SetMarginType(ctx, e.cfg.Symbol, e.cfg.Grid.MarginType); err != nil {
			return fmt.Errorf("设置保证金模式失败: %w", err)
		}
	}
	rules, err := e.ex.GetSymbolRules(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("无法获取交易对 %s 的规则: %w", e.cfg.Symbol, err)
	}
	e.rules = rules
	e.policy.SetRules(rules)
	e.logger.Info("成功获取并缓存了交易规则", zap.String("symbol", e.cfg.Symbol),
		zap.Stringer("tick", rules.TickSize), zap.Stringer("step", rules.StepSize), zap.Stringer("min_notional", rules.MinNotional))
	return nil
}

// loadState 读取持久化的网格状态, 没有时以当前价为中心新建网格。
func (e *GridEngine) loadState(price decimal.Decimal) (*models.GridState, error) {
	if e.repo != nil {
		st, err := e.repo.LoadState(e.cfg.Symbol)
		if err != nil {
			return nil, fmt.Errorf("读取网格状态失败: %w", err)
		}
		if st != nil && len(st.Levels) > 0 {
			st.EnsureMaps()
			e.logger.Info("已恢复网格状态", zap.String("side", string(st.Side)), zap.Int("levels", len(st.Levels)),
				zap.Stringer("center", st.CenterPrice), zap.Stringer("realized", st.RealizedPnl))
			return st, nil
		}
	}

	layout, err := grid.ComputeLevels(price, e.cfg.Grid.RangePercent, e.cfg.Grid.Count, e.rules)
	if err != nil {
		return nil, err
	}
	st := models.NewGridState(e.cfg.Symbol, e.cfg.Grid.Side)
	st.Levels, st.NextIndex = grid.BuildLevels(layout, 0)
	st.CenterPrice = layout.Center
	st.RangePercent = layout.RangePercent
	st.GridStep = layout.Step
	e.logger.Info("初始化网格", zap.Stringer("center", layout.Center), zap.Stringer("lower", layout.Lower),
		zap.Stringer("upper", layout.Upper), zap.Stringer("step", layout.Step), zap.Int("count", len(layout.Prices)))
	return st, nil
}

// Stop 停止所有循环并保存最终状态。cancelOrders 为 true 时撤销全部挂单。
// 撤单在所有循环和订单动作退出之后进行, 之后不会再有新的下单。
func (e *GridEngine) Stop(cancelOrders bool) {
	e.stopOnce.Do(func() {
		if e.sm == nil {
			return
		}
		e.cancel()
		e.loops.Wait()
		e.execs.wait()
		if cancelOrders {
			ctx, cancel := context.WithTimeout(context.Background(), e.requestTimeout())
			if err := e.ex.CancelAllOrders(ctx, e.cfg.Symbol); err != nil {
				e.logger.Error("退出时撤销挂单失败, 请手动检查", zap.Error(err))
			}
			// 等已入队的撤单回报处理完, 随最终状态一起保存
			_ = e.sm.View(ctx, func(*models.GridState) {})
			cancel()
		}
		e.sm.Stop()
		e.logger.Info("网格引擎已停止")
	})
}

// Fatal 在致命风控熔断时收到一次通知。
func (e *GridEngine) Fatal() <-chan *models.FatalRiskBreach {
	return e.fatalCh
}

// Snapshot 返回当前状态的深拷贝。
func (e *GridEngine) Snapshot(ctx context.Context) (*models.GridState, error) {
	return e.sm.Snapshot(ctx)
}

// HandleEvent 接收用户数据流的标准化事件, 只入队不等待。
func (e *GridEngine) HandleEvent(ev models.OrderEvent) {
	if e.sm == nil || (ev.Symbol != "" && ev.Symbol != e.cfg.Symbol) {
		return
	}
	e.sm.Dispatch("event", func(st *models.GridState) {
		res := e.rec.Apply(st, ev, e.env(st))
		if res.Applied && ev.Kind == models.EventOrderUpdate && ev.LastFillQty.IsPositive() {
			role := models.OrderRole("UNKNOWN")
			if _, r, ok := grid.ParseClientOrderID(ev.ClientOrderID); ok {
				role = r
			}
			e.metrics.Fill(role)
		}
		e.commit(st, res)
	})
}

// OnStreamConnected 是重连屏障: 流恢复后先全量对账, 再继续处理事件。
func (e *GridEngine) OnStreamConnected(ctx context.Context) error {
	return e.Reconcile(ctx, "stream connected")
}

// SwitchSide 人工切换网格方向。有持仓时返回 ErrSideSwitchRejected。
func (e *GridEngine) SwitchSide(ctx context.Context, side models.Side) error {
	return e.sm.Do(ctx, "switch_side", func(st *models.GridState) error {
		res, err := e.switchSide(st, side)
		e.commit(st, res)
		return err
	})
}

// Resume 在致命熔断后人工恢复交易, 余额仍低于下限时返回 FatalRiskBreach。
func (e *GridEngine) Resume(ctx context.Context) error {
	bal, err := e.ex.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("获取余额失败: %w", err)
	}
	err = e.sm.Do(ctx, "resume", func(st *models.GridState) error {
		if err := e.controller.Resume(st, bal, e.clock()); err != nil {
			return err
		}
		var res reconciler.Result
		res.Alerts = append(res.Alerts, models.NewAlert(models.AlertWarning, models.CategorySystem,
			"trading resumed by operator", "equity", bal.Equity()))
		res.Merge(e.maintain(st, e.env(st)))
		e.commit(st, res)
		return nil
	})
	if err != nil {
		return err
	}
	e.requestResync()
	return nil
}

// env 组装一次命令所需的上下文。只能在命令循环内调用。
func (e *GridEngine) env(st *models.GridState) reconciler.Env {
	ratio := risk.SizeRatio(st)
	return reconciler.Env{
		Now:            e.clock(),
		Signal:         e.signal(),
		Rules:          e.rules,
		EntriesAllowed: risk.EntriesAllowed(st),
		AutoRegrid:     e.cfg.Grid.AutoRegrid,
		EntryQuantity: func(price decimal.Decimal) (decimal.Decimal, error) {
			return grid.OrderQuantity(e.cfg.Grid.USDTPerGrid, e.cfg.Grid.Leverage, ratio, price, e.rules)
		},
		InFlight: e.inflight.has,
	}
}

func (e *GridEngine) signal() models.TrendSignal {
	if e.signals == nil {
		return models.TrendSignal{}
	}
	return e.signals.Latest()
}

// commit 把一次状态修改的副作用发出去: 风控回调、告警、成交记录以及要执行的订单动作。
// 在命令循环内调用, 所有调用都不阻塞。
func (e *GridEngine) commit(st *models.GridState, res reconciler.Result) {
	for _, c := range res.Closes {
		e.controller.OnClose(st, c.Pnl)
		if e.session != nil {
			e.session.OnTrade(c.Pnl)
		}
	}
	if done, aborted := risk.CompleteSwitch(st); done {
		e.logger.Info("网格方向已切换", zap.String("side", string(st.Side)))
		res.Alerts = append(res.Alerts, models.NewAlert(models.AlertInfo, models.CategorySystem,
			"grid side switched", "side", st.Side))
	} else if aborted {
		res.Alerts = append(res.Alerts, models.NewAlert(models.AlertWarning, models.CategorySystem,
			"side switch aborted, an entry filled while cancelling", "side", st.Side))
	}

	for _, a := range res.Actions {
		if id := a.Request.ClientOrderID; id != "" {
			e.inflight.add(id)
		}
	}
	e.metrics.ObserveState(st, st.LastBalance)
	e.notify(res.Alerts...)
	if e.trades != nil {
		for _, t := range res.Trades {
			e.trades.RecordTrade(t)
		}
	}
	if len(res.Actions) > 0 {
		e.launch(res.Actions)
	}
	if res.Resync {
		e.requestResync()
	}
}

// feed 把 REST 调用的结果作为新命令送回命令循环。
func (e *GridEngine) feed(name string, fn func(st *models.GridState) reconciler.Result) {
	if !e.sm.Dispatch(name, func(st *models.GridState) { e.commit(st, fn(st)) }) {
		e.logger.Debug("引擎已停止, 丢弃回流结果", zap.String("command", name))
	}
}

func (e *GridEngine) notify(alerts ...models.Alert) {
	if len(alerts) == 0 || e.alerts == nil {
		return
	}
	e.alerts.Send(alerts...)
}

func (e *GridEngine) requestResync() {
	select {
	case e.resyncCh <- struct{}{}:
	default:
	}
}

func (e *GridEngine) requestTimeout() time.Duration {
	if ms := e.cfg.Exchange.RequestTimeoutMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 10 * time.Second
}

// observePrice 记录最新价和会话高低点。
func observePrice(st *models.GridState, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	st.LastPrice = price
	if st.SessionHighPrice.IsZero() || price.GreaterThan(st.SessionHighPrice) {
		st.SessionHighPrice = price
	}
	if st.SessionLowPrice.IsZero() || price.LessThan(st.SessionLowPrice) {
		st.SessionLowPrice = price
	}
}

// inflightSet 记录 REST 下单尚未返回的 clientOrderId, 对账时这些订单不算丢失。
type inflightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{ids: make(map[string]struct{})}
}

func (s *inflightSet) add(id string) {
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

func (s *inflightSet) remove(id string) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

func (s *inflightSet) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// taskTracker 统计正在执行的订单动作。和 WaitGroup 不同, 计数归零后可以随时重新增加。
type taskTracker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	running int
	started int64
}

func newTaskTracker() *taskTracker {
	t := &taskTracker{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *taskTracker) add() {
	t.mu.Lock()
	t.running++
	t.started++
	t.mu.Unlock()
}

func (t *taskTracker) done() {
	t.mu.Lock()
	t.running--
	if t.running == 0 {
		t.cond.Broadcast()
	}
	t.mu.Unlock()
}

func (t *taskTracker) wait() {
	t.mu.Lock()
	for t.running > 0 {
		t.cond.Wait()
	}
	t.mu.Unlock()
}

func (t *taskTracker) counts() (running int, started int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running, t.started
}
