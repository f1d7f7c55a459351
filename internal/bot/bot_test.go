package bot

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"perp-grid-engine/internal/config"
	"perp-grid-engine/internal/exchange"
	"perp-grid-engine/internal/models"
	"perp-grid-engine/internal/persistence"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// faultHook 在请求转发给模拟盘之前调用。forward 为 false 时请求不会到达模拟盘;
// err 非 nil 时调用方看到的是这个错误, 不管请求有没有到达。
type faultHook func(clientID string, req models.OrderRequest) (forward bool, err error)

// testExchange 是本地撮合的模拟盘, 可以覆盖余额来驱动风控, 也可以注入下单和撤单故障。
type testExchange struct {
	*exchange.PaperExchange

	mu         sync.Mutex
	equity     decimal.Decimal // 非零时覆盖 GetBalance
	events     []models.OrderEvent
	placeHook  faultHook
	cancelHook faultHook
	queryErr   error
}

func (x *testExchange) hooks() (place, cancel faultHook, queryErr error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.placeHook, x.cancelHook, x.queryErr
}

func (x *testExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	hook, _, _ := x.hooks()
	if hook == nil {
		return x.PaperExchange.PlaceOrder(ctx, req)
	}
	forward, err := hook(req.ClientOrderID, req)
	if !forward {
		return nil, err
	}
	order, placeErr := x.PaperExchange.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	return order, placeErr
}

func (x *testExchange) CancelOrder(ctx context.Context, symbol, orderID, clientID string) error {
	_, hook, _ := x.hooks()
	if hook == nil {
		return x.PaperExchange.CancelOrder(ctx, symbol, orderID, clientID)
	}
	forward, err := hook(clientID, models.OrderRequest{})
	if !forward {
		return err
	}
	cancelErr := x.PaperExchange.CancelOrder(ctx, symbol, orderID, clientID)
	if err != nil {
		return err
	}
	return cancelErr
}

func (x *testExchange) GetOrder(ctx context.Context, symbol, orderID, clientID string) (*models.Order, error) {
	if _, _, err := x.hooks(); err != nil {
		return nil, err
	}
	return x.PaperExchange.GetOrder(ctx, symbol, orderID, clientID)
}

func (x *testExchange) setHooks(place, cancel faultHook, queryErr error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.placeHook, x.cancelHook, x.queryErr = place, cancel, queryErr
}

func (x *testExchange) GetBalance(ctx context.Context) (models.Balance, error) {
	x.mu.Lock()
	eq := x.equity
	x.mu.Unlock()
	if eq.IsPositive() {
		return models.Balance{Asset: "USDT", WalletBalance: eq, AvailableBalance: eq}, nil
	}
	return x.PaperExchange.GetBalance(ctx)
}

func (x *testExchange) setEquity(v string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.equity = dec(v)
}

func (x *testExchange) recorded() []models.OrderEvent {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]models.OrderEvent(nil), x.events...)
}

// testConfig 以 100 为中心的 95/100/105 三档多头网格, 每档数量 1。
func testConfig() *models.Config {
	cfg := config.Default()
	cfg.Symbol = "BTCUSDT"
	cfg.DryRun = true
	cfg.Grid.Count = 3
	cfg.Grid.RangePercent = dec("5")
	cfg.Grid.USDTPerGrid = dec("47.5")
	cfg.Grid.Leverage = 2
	cfg.TakeProfit.SmartEnabled = false
	cfg.TakeProfit.FixedPercent = dec("1.5")
	cfg.Spike.Enabled = false
	cfg.Regrid.Confirmations = 1
	cfg.Regrid.MinIntervalMinutes = 0
	cfg.Engine.TPRetryMinMs = 1
	cfg.Engine.TPRetryMaxMs = 1
	return cfg
}

func newTestEngine(t *testing.T) (*GridEngine, *testExchange) {
	t.Helper()
	paper := exchange.NewPaperExchange("BTCUSDT", dec("1000"), nil, zap.NewNop())
	paper.SetPrice(dec("100"), time.Now())
	x := &testExchange{PaperExchange: paper}

	e, err := New(testConfig(), Deps{Exchange: x, Repo: persistence.NewMemoryRepository(), Logger: zap.NewNop()})
	require.NoError(t, err)
	paper.Subscribe(func(ev models.OrderEvent) {
		x.mu.Lock()
		x.events = append(x.events, ev)
		x.mu.Unlock()
		e.HandleEvent(ev)
	})
	// 不启动定时循环, 由测试手动驱动
	require.NoError(t, e.boot(context.Background()))
	t.Cleanup(func() { e.Stop(false) })
	return e, x
}

// quiesce 等待所有订单动作执行完毕且回流命令都已处理。
func quiesce(t *testing.T, e *GridEngine) {
	t.Helper()
	require.Eventually(t, func() bool {
		running, started := e.execs.counts()
		if running > 0 {
			return false
		}
		if err := e.sm.View(context.Background(), func(*models.GridState) {}); err != nil {
			return false
		}
		running2, started2 := e.execs.counts()
		return running2 == 0 && started2 == started
	}, 3*time.Second, 5*time.Millisecond)
}

func tick(t *testing.T, e *GridEngine) {
	t.Helper()
	require.NoError(t, e.riskTick(context.Background()))
	quiesce(t, e)
}

func movePrice(t *testing.T, e *GridEngine, x *testExchange, price string) {
	t.Helper()
	x.SetPrice(dec(price), time.Now())
	quiesce(t, e)
}

func snapshot(t *testing.T, e *GridEngine) *models.GridState {
	t.Helper()
	st, err := e.Snapshot(context.Background())
	require.NoError(t, err)
	return st
}

func levelAt(t *testing.T, st *models.GridState, price string) *models.GridLevel {
	t.Helper()
	for _, l := range st.Levels {
		if l.TargetPrice.Equal(dec(price)) {
			return l
		}
	}
	require.FailNowf(t, "level not found", "no level at %s", price)
	return nil
}

func openOrders(t *testing.T, x *testExchange) []models.Order {
	t.Helper()
	open, err := x.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	return open
}

func TestBootBuildsLadderAroundPrice(t *testing.T) {
	e, x := newTestEngine(t)
	st := snapshot(t, e)

	require.Len(t, st.Levels, 3)
	assert.True(t, st.CenterPrice.Equal(dec("100")))
	levelAt(t, st, "95")
	levelAt(t, st, "105")
	assert.Empty(t, openOrders(t, x), "startup only reconciles, entries are placed by the risk tick")
}

func TestEntryFillTakeProfitAndReentry(t *testing.T) {
	e, x := newTestEngine(t)
	tick(t, e)

	// 只有低于现价的档位挂买单
	open := openOrders(t, x)
	require.Len(t, open, 1)
	assert.True(t, open[0].Price.Equal(dec("95")))
	assert.Equal(t, models.OrderSideBuy, open[0].Side)
	assert.True(t, open[0].OrigQty.Equal(dec("1")))
	assert.Equal(t, models.LevelBuyPlaced, levelAt(t, snapshot(t, e), "95").State)

	movePrice(t, e, x, "95")
	l := levelAt(t, snapshot(t, e), "95")
	require.Equal(t, models.LevelTPPlaced, l.State)
	assert.True(t, l.PositionQuantity.Equal(dec("1")))
	assert.True(t, l.EntryPrice.Equal(dec("95")))
	assert.True(t, l.TPPrice.GreaterThanOrEqual(dec("96.42")) && l.TPPrice.LessThanOrEqual(dec("96.43")), l.TPPrice.String())

	open = openOrders(t, x)
	require.Len(t, open, 1)
	assert.Equal(t, models.OrderSideSell, open[0].Side)
	assert.True(t, open[0].ReduceOnly)
	entryID := l.EntryClientID

	movePrice(t, e, x, "97")
	st := snapshot(t, e)
	assert.Equal(t, 1, st.TotalTrades)
	assert.True(t, st.RealizedPnl.IsPositive(), st.RealizedPnl.String())

	// 止盈后原档位重新挂买单
	l = levelAt(t, st, "95")
	assert.Equal(t, models.LevelBuyPlaced, l.State)
	assert.NotEqual(t, entryID, l.EntryClientID)
	open = openOrders(t, x)
	require.Len(t, open, 1)
	assert.True(t, open[0].Price.Equal(dec("95")))
	assert.Equal(t, models.OrderSideBuy, open[0].Side)
}

func TestDuplicateStreamEventIsIgnored(t *testing.T) {
	e, x := newTestEngine(t)
	tick(t, e)
	movePrice(t, e, x, "95")

	var fill *models.OrderEvent
	for _, ev := range x.recorded() {
		if ev.Kind == models.EventOrderUpdate && ev.Status == models.OrderStatusFilled {
			ev := ev
			fill = &ev
		}
	}
	require.NotNil(t, fill)

	before := snapshot(t, e)
	e.HandleEvent(*fill)
	quiesce(t, e)
	after := snapshot(t, e)

	assert.True(t, levelAt(t, after, "95").PositionQuantity.Equal(dec("1")))
	assert.Equal(t, levelAt(t, before, "95").TPClientID, levelAt(t, after, "95").TPClientID)
	assert.Len(t, openOrders(t, x), 1)
}

func TestForeignSymbolEventIsDropped(t *testing.T) {
	e, _ := newTestEngine(t)
	before := snapshot(t, e)
	e.HandleEvent(models.OrderEvent{Kind: models.EventOrderUpdate, Symbol: "ETHUSDT", ClientOrderID: "x",
		Status: models.OrderStatusFilled, LastFillQty: dec("1"), CumulativeQty: dec("1")})
	quiesce(t, e)
	assert.Equal(t, len(before.Versions), len(snapshot(t, e).Versions))
}

func TestSwitchSideRejectedWithExposure(t *testing.T) {
	e, x := newTestEngine(t)
	tick(t, e)
	movePrice(t, e, x, "95")

	err := e.SwitchSide(context.Background(), models.SideShort)
	assert.ErrorIs(t, err, models.ErrSideSwitchRejected)
	assert.Equal(t, models.SideLong, snapshot(t, e).Side)
}

func TestSwitchSideWhenFlat(t *testing.T) {
	e, x := newTestEngine(t)
	tick(t, e)
	require.Len(t, openOrders(t, x), 1)

	require.NoError(t, e.SwitchSide(context.Background(), models.SideShort))
	quiesce(t, e)

	st := snapshot(t, e)
	assert.Equal(t, models.SideShort, st.Side)
	assert.Empty(t, st.PendingSide)
	for _, o := range openOrders(t, x) {
		assert.NotEqual(t, models.OrderSideBuy, o.Side, "resting LONG entries are cancelled")
	}
}

func TestRegridKeepsExposureLevels(t *testing.T) {
	e, x := newTestEngine(t)
	tick(t, e)
	movePrice(t, e, x, "95")
	held := levelAt(t, snapshot(t, e), "95")
	require.Equal(t, models.LevelTPPlaced, held.State)

	// 偏离中心价超过 10%
	movePrice(t, e, x, "89")
	tick(t, e)

	st := snapshot(t, e)
	assert.True(t, st.CenterPrice.Equal(dec("89")))
	var kept *models.GridLevel
	for _, l := range st.Levels {
		if l.Index == held.Index {
			kept = l
		}
	}
	require.NotNil(t, kept, "exposure level survives the regrid")
	assert.Equal(t, models.LevelTPPlaced, kept.State)
	assert.True(t, kept.Retiring)
	assert.Equal(t, held.TPClientID, kept.TPClientID)

	var tpOpen bool
	for _, o := range openOrders(t, x) {
		if o.ClientOrderID == held.TPClientID {
			tpOpen = true
		}
	}
	assert.True(t, tpOpen, "the take-profit is not cancelled by the regrid")
}

func TestDrawdownPartialCut(t *testing.T) {
	e, x := newTestEngine(t)
	tick(t, e)
	movePrice(t, e, x, "95")

	// 峰值 1000, 权益 780: 回撤 22%
	x.setEquity("780")
	tick(t, e)

	st := snapshot(t, e)
	assert.Equal(t, models.DrawdownPartialCut, st.Drawdown.State)
	assert.True(t, st.EntriesBlocked)

	positions, err := x.GetPositions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Amount.Equal(dec("0.5")), positions[0].Amount.String())
	assert.True(t, levelAt(t, st, "95").PositionQuantity.Equal(dec("0.5")))
	assert.Empty(t, st.PendingCuts)
}

func TestMinimumBalanceHaltsAndResumes(t *testing.T) {
	e, x := newTestEngine(t)
	tick(t, e)
	require.Len(t, openOrders(t, x), 1)

	x.setEquity("40")
	tick(t, e)

	select {
	case breach := <-e.Fatal():
		assert.True(t, breach.Floor.Equal(dec("50")))
	case <-time.After(time.Second):
		t.Fatal("expected a fatal breach")
	}
	st := snapshot(t, e)
	assert.True(t, st.Halted)
	assert.Empty(t, openOrders(t, x))

	// 余额仍低于下限时拒绝恢复
	var breach *models.FatalRiskBreach
	assert.ErrorAs(t, e.Resume(context.Background()), &breach)

	x.setEquity("1000")
	require.NoError(t, e.Resume(context.Background()))
	quiesce(t, e)
	st = snapshot(t, e)
	assert.False(t, st.Halted)
	assert.Len(t, openOrders(t, x), 1)
}

func TestStopSavesStateAndRejectsEvents(t *testing.T) {
	paper := exchange.NewPaperExchange("BTCUSDT", dec("1000"), nil, zap.NewNop())
	paper.SetPrice(dec("100"), time.Now())
	repo := persistence.NewMemoryRepository()
	e, err := New(testConfig(), Deps{Exchange: paper, Repo: repo, Logger: zap.NewNop()})
	require.NoError(t, err)
	paper.Subscribe(e.HandleEvent)
	require.NoError(t, e.Start(context.Background()))
	// 风控循环启动时立即执行一次, 挂出 95 的买单
	require.Eventually(t, func() bool {
		open, err := paper.GetOpenOrders(context.Background(), "BTCUSDT")
		return err == nil && len(open) == 1
	}, 3*time.Second, 5*time.Millisecond)
	quiesce(t, e)

	e.Stop(true)
	saved, err := repo.LoadState("BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Len(t, saved.Levels, 3)

	open, err := paper.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)
	// 撤单回报在保存前已经应用
	assert.Equal(t, models.LevelEmpty, levelAt(t, saved, "95").State)

	// 停止后的事件直接丢弃
	e.HandleEvent(models.OrderEvent{Kind: models.EventOrderUpdate, Symbol: "BTCUSDT", ClientOrderID: "late"})
}

func TestRejectedTakeProfitIsRetried(t *testing.T) {
	e, x := newTestEngine(t)
	var rejects int32
	x.setHooks(func(_ string, req models.OrderRequest) (bool, error) {
		if req.ReduceOnly && atomic.AddInt32(&rejects, 1) == 1 {
			return false, &models.RejectedOrderError{Code: -2019, Reason: "Margin is insufficient."}
		}
		return true, nil
	}, nil, nil)
	tick(t, e)
	movePrice(t, e, x, "95")

	l := levelAt(t, snapshot(t, e), "95")
	require.Equal(t, models.LevelPositionHeld, l.State)
	assert.True(t, l.Degraded)
	assert.Equal(t, 1, l.TPAttempts)

	time.Sleep(5 * time.Millisecond)
	tick(t, e)

	l = levelAt(t, snapshot(t, e), "95")
	require.Equal(t, models.LevelTPPlaced, l.State)
	assert.False(t, l.Degraded)
	assert.Zero(t, l.TPAttempts)
	var tpOpen bool
	for _, o := range openOrders(t, x) {
		if o.ClientOrderID == l.TPClientID && o.ReduceOnly {
			tpOpen = true
		}
	}
	assert.True(t, tpOpen)
}

func TestPlacementTimeoutResolvedAsLive(t *testing.T) {
	e, x := newTestEngine(t)
	// 请求到达了交易所, 但回执丢失
	x.setHooks(func(string, models.OrderRequest) (bool, error) {
		return true, models.ErrOutcomeUnknown
	}, nil, nil)
	tick(t, e)

	open := openOrders(t, x)
	require.Len(t, open, 1, "the order is not submitted twice")
	l := levelAt(t, snapshot(t, e), "95")
	assert.Equal(t, models.LevelBuyPlaced, l.State)
	assert.Equal(t, open[0].ClientOrderID, l.EntryClientID)
	assert.Equal(t, open[0].OrderID, l.EntryOrderID)
}

func TestPlacementTimeoutResolvedAsNeverPlaced(t *testing.T) {
	e, x := newTestEngine(t)
	var sent string
	x.setHooks(func(id string, _ models.OrderRequest) (bool, error) {
		sent = id
		return false, context.DeadlineExceeded
	}, nil, nil)
	tick(t, e)

	assert.Empty(t, openOrders(t, x))
	st := snapshot(t, e)
	l := levelAt(t, st, "95")
	assert.Equal(t, models.LevelEmpty, l.State)
	assert.Empty(t, l.EntryClientID)
	require.NotEmpty(t, sent)
	assert.NotContains(t, st.Orders, sent)
}

func TestCancelTimeoutWithOrderStillLive(t *testing.T) {
	e, x := newTestEngine(t)
	tick(t, e)
	require.Len(t, openOrders(t, x), 1)

	x.setHooks(nil, func(string, models.OrderRequest) (bool, error) {
		return false, context.DeadlineExceeded
	}, nil)
	require.NoError(t, e.SwitchSide(context.Background(), models.SideShort))
	quiesce(t, e)

	// 撤单未确认, 档位不能当成已清空
	st := snapshot(t, e)
	assert.Equal(t, models.LevelBuyPlaced, levelAt(t, st, "95").State)
	assert.Equal(t, models.SideLong, st.Side)
	assert.Equal(t, models.SideShort, st.PendingSide)
	assert.Empty(t, st.ExpectedCancels)
	assert.Len(t, openOrders(t, x), 1)
	assert.Len(t, e.resyncCh, 1, "a full reconciliation is requested")
}

func TestCancelTimeoutThatReachedTheExchange(t *testing.T) {
	e, x := newTestEngine(t)
	tick(t, e)
	require.Len(t, openOrders(t, x), 1)

	x.setHooks(nil, func(string, models.OrderRequest) (bool, error) {
		return true, context.DeadlineExceeded
	}, nil)
	require.NoError(t, e.SwitchSide(context.Background(), models.SideShort))
	quiesce(t, e)

	st := snapshot(t, e)
	assert.Equal(t, models.LevelEmpty, levelAt(t, st, "95").State)
	assert.Equal(t, models.SideShort, st.Side)
	assert.Empty(t, openOrders(t, x))
}

func TestCancelAndStatusQueryBothFail(t *testing.T) {
	e, x := newTestEngine(t)
	tick(t, e)
	require.Len(t, openOrders(t, x), 1)

	x.setHooks(nil, func(string, models.OrderRequest) (bool, error) {
		return false, context.DeadlineExceeded
	}, context.DeadlineExceeded)
	require.NoError(t, e.SwitchSide(context.Background(), models.SideShort))
	quiesce(t, e)

	st := snapshot(t, e)
	assert.Equal(t, models.LevelBuyPlaced, levelAt(t, st, "95").State)
	assert.Empty(t, st.ExpectedCancels)
	assert.Len(t, e.resyncCh, 1)
}

func TestStopCancelsOrdersPlacedDuringShutdown(t *testing.T) {
	e, x := newTestEngine(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	x.setHooks(func(string, models.OrderRequest) (bool, error) {
		once.Do(func() { close(entered) })
		<-release
		return true, nil
	}, nil, nil)

	require.NoError(t, e.riskTick(context.Background()))
	<-entered

	stopped := make(chan struct{})
	go func() {
		e.Stop(true)
		close(stopped)
	}()
	<-e.ctx.Done()
	// 停机开始后下单请求才到达交易所
	close(release)
	<-stopped

	assert.Empty(t, openOrders(t, x))
}
