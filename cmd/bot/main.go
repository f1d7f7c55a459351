package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perp-grid-engine/internal/bot"
	"perp-grid-engine/internal/config"
	"perp-grid-engine/internal/exchange"
	"perp-grid-engine/internal/logger"
	"perp-grid-engine/internal/metrics"
	"perp-grid-engine/internal/models"
	"perp-grid-engine/internal/notifier"
	"perp-grid-engine/internal/persistence"
	"perp-grid-engine/internal/reporter"
	gridsignal "perp-grid-engine/internal/signal"
	"perp-grid-engine/internal/storage"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	paperBalance := flag.String("paper-balance", "1000", "initial USDT balance of the paper exchange (dry run only)")
	flag.Parse()

	// --- 初始化日志 (提前) ---
	// 加载 .env 和配置时就需要日志, 先用默认配置初始化
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	log := logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync() // 确保在main函数退出时刷新所有缓冲的日志

	initial, err := decimal.NewFromString(*paperBalance)
	if err != nil {
		logger.S().Fatalf("无效的模拟盘初始余额: %v", err)
	}
	if err := run(cfg, initial, log); err != nil {
		logger.S().Fatalf("引擎异常退出: %v", err)
	}
}

// endpoints 根据配置选择 REST 和 WebSocket 地址
func endpoints(cfg *models.Config) (baseURL, wsURL string) {
	if cfg.IsTestnet {
		logger.S().Info("正在使用币安测试网...")
		return cfg.Exchange.TestnetAPIURL, cfg.Exchange.TestnetWSURL
	}
	logger.S().Info("正在使用币安生产网...")
	return cfg.Exchange.LiveAPIURL, cfg.Exchange.LiveWSURL
}

// run 组装所有组件并阻塞到收到退出信号
func run(cfg *models.Config, paperBalance decimal.Decimal, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- 交易所 ---
	baseURL, wsURL := endpoints(cfg)
	timeout := time.Duration(cfg.Exchange.RequestTimeoutMs) * time.Millisecond
	live := exchange.NewLiveExchange(cfg.Exchange.APIKey, cfg.Exchange.SecretKey, baseURL, timeout, log)
	market := exchange.NewRetryExchange(live, cfg.Exchange, log)

	var ex exchange.Exchange = market
	var paper *exchange.PaperExchange
	if cfg.DryRun {
		logger.S().Infof("--- 模拟盘模式: 行情来自交易所, 订单本地撮合, 初始余额 %s USDT ---", paperBalance)
		paper = exchange.NewPaperExchange(cfg.Symbol, paperBalance, market, log)
		ex = paper
	} else {
		logger.S().Info("--- 启动实盘交易模式 ---")
		if err := live.SyncTime(ctx); err != nil {
			logger.S().Warnf("同步服务器时间失败: %v", err)
		}
		if err := live.EnsureOneWayMode(ctx); err != nil {
			return fmt.Errorf("设置单向持仓模式失败: %w", err)
		}
	}

	// --- 持久化 ---
	repo, err := persistence.NewBadgerRepository(cfg.Storage.StateDBPath)
	if err != nil {
		return fmt.Errorf("打开状态库失败: %w", err)
	}
	defer repo.Close()

	store, err := storage.InitDB(cfg.Storage.TradeDBPath)
	if err != nil {
		return fmt.Errorf("打开交易记录库失败: %w", err)
	}
	defer store.Close()

	bal, err := ex.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("获取余额失败: %w", err)
	}
	sessionID, err := store.StartSession(cfg.Symbol, cfg.Grid.Side, cfg.DryRun, bal.Equity(), time.Now())
	if err != nil {
		return fmt.Errorf("创建会话记录失败: %w", err)
	}
	recorder := storage.NewRecorder(store, sessionID, cfg.Storage.QueueSize,
		time.Duration(cfg.Storage.SnapshotIntervalMinutes)*time.Minute, log)
	defer recorder.Close()

	// --- 告警 ---
	sinks := []notifier.Notifier{notifier.NewLogNotifier(log)}
	if cfg.Notifier.TelegramEnabled {
		tg, err := notifier.NewTelegramNotifier(cfg.Notifier.BotToken, cfg.Notifier.ChatID, "")
		if err != nil {
			logger.S().Warnf("Telegram 初始化失败, 仅记录日志: %v", err)
		} else {
			sinks = append(sinks, tg)
		}
	}
	dispatcher := notifier.NewDispatcher(cfg.Notifier, time.Second, log, sinks...)
	defer dispatcher.Close()

	// --- 指标 ---
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.S().Errorf("metrics 服务异常: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.S().Infof("Prometheus 指标监听于 %s/metrics", cfg.Metrics.ListenAddr)
	}

	// --- 指标信号 ---
	analyzer := gridsignal.NewKlineAnalyzer(market, cfg.Symbol, cfg.Signal, log)
	poller := gridsignal.NewPoller(analyzer, time.Duration(cfg.Signal.RefreshSeconds)*time.Second, nil, log)
	go poller.Run(ctx) // 启动时立即计算一次

	// --- 引擎 ---
	session := reporter.NewSession(time.Now(), bal.Equity())
	engine, err := bot.New(cfg, bot.Deps{
		Exchange: ex,
		Repo:     repo,
		Signals:  poller,
		Alerts:   dispatcher,
		Trades:   recorder,
		Metrics:  m,
		Session:  session,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	if paper != nil {
		paper.Subscribe(engine.HandleEvent)
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("引擎启动失败: %w", err)
	}
	if paper == nil {
		stream := exchange.NewUserStream(wsURL, live, engine, cfg.Exchange, log)
		go func() {
			if err := stream.Run(ctx); err != nil {
				logger.S().Errorf("用户数据流退出: %v", err)
			}
		}()
	}

	// 等待退出信号; SIGHUP 用于熔断后人工恢复
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	var exitErr error
wait:
	for {
		select {
		case s := <-quit:
			if s == syscall.SIGHUP {
				if err := engine.Resume(ctx); err != nil {
					logger.S().Errorf("恢复交易失败: %v", err)
				} else {
					logger.S().Info("已恢复交易")
				}
				continue
			}
			logger.S().Infof("收到信号 %s, 正在停止...", s)
			break wait
		case breach := <-engine.Fatal():
			logger.S().Errorf("致命风控熔断: %v", breach)
			if cfg.Engine.ExitOnFatal {
				exitErr = breach
				break wait
			}
			logger.S().Warn("引擎已停机, 发送 SIGHUP 恢复交易, 或 SIGTERM 退出")
		}
	}

	// --- 收尾 ---
	st, snapErr := engine.Snapshot(ctx)
	engine.Stop(cfg.Engine.CancelOnExit)
	cancel()

	endCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	final, err := ex.GetBalance(endCtx)
	if err != nil {
		final = bal
	}
	if snapErr == nil {
		logger.S().Info("本次运行摘要\n" + reporter.SummaryTable(session.Summarize(st, final.Equity(), time.Now())))
		if err := store.EndSession(sessionID, final.Equity(), st.RealizedPnl, time.Now()); err != nil {
			logger.S().Warnf("更新会话记录失败: %v", err)
		}
	}
	logger.S().Info("引擎已成功停止，状态已保存。")
	return exitErr
}
