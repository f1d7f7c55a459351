package models

import "github.com/shopspring/decimal"

// Config 结构体定义了引擎的所有配置参数
type Config struct {
	Symbol     string           `json:"symbol"`      // 交易对，如 "BTCUSDT"
	IsTestnet  bool             `json:"is_testnet"`  // 是否使用测试网
	DryRun     bool             `json:"dry_run"`     // 模拟盘: 行情来自交易所, 下单走本地撮合
	Exchange   ExchangeConfig   `json:"exchange"`    // 交易所连接配置
	Grid       GridConfig       `json:"grid"`        // 网格参数
	TakeProfit TakeProfitConfig `json:"take_profit"` // 止盈策略
	Risk       RiskConfig       `json:"risk"`        // 风控闸门
	Drawdown   DrawdownConfig   `json:"drawdown"`    // 回撤状态机
	Regrid     RegridConfig     `json:"regrid"`      // 网格重置
	Spike      SpikeConfig      `json:"spike"`       // 价格异动监控
	Signal     SignalConfig     `json:"signal"`      // 指标信号
	Engine     EngineConfig     `json:"engine"`      // 引擎内部参数
	LogConfig  LogConfig        `json:"log"`         // 日志配置
	Storage    StorageConfig    `json:"storage"`     // 持久化
	Notifier   NotifierConfig   `json:"notifier"`    // 告警通知
	Metrics    MetricsConfig    `json:"metrics"`     // Prometheus 指标
}

// ExchangeConfig 交易所 REST / WebSocket 配置
type ExchangeConfig struct {
	LiveAPIURL               string `json:"live_api_url"`
	LiveWSURL                string `json:"live_ws_url"`
	TestnetAPIURL            string `json:"testnet_api_url"`
	TestnetWSURL             string `json:"testnet_ws_url"`
	APIKey                   string `json:"-"` // 从环境变量 BINANCE_API_KEY 读取
	SecretKey                string `json:"-"` // 从环境变量 BINANCE_SECRET_KEY 读取
	RequestTimeoutMs         int    `json:"request_timeout_ms"`          // 单次 REST 请求超时
	RetryAttempts            int    `json:"retry_attempts"`              // 临时错误的最大重试次数
	RetryInitialDelayMs      int    `json:"retry_initial_delay_ms"`      // 重试初始延迟
	RetryMaxDelayMs          int    `json:"retry_max_delay_ms"`          // 重试最大延迟
	WebSocketPingIntervalSec int    `json:"websocket_ping_interval_sec"` // WebSocket Ping 间隔(秒)
	WebSocketPongTimeoutSec  int    `json:"websocket_pong_timeout_sec"`  // WebSocket Pong 超时(秒)
	ListenKeyKeepAliveMin    int    `json:"listen_key_keepalive_min"`    // listenKey 续期间隔(分钟)
	ReconnectMinDelayMs      int    `json:"reconnect_min_delay_ms"`      // 重连退避下限
	ReconnectMaxDelayMs      int    `json:"reconnect_max_delay_ms"`      // 重连退避上限
}

// GridConfig 网格布局与下单参数
type GridConfig struct {
	Side            Side            `json:"side"`              // LONG 或 SHORT
	Count           int             `json:"count"`             // 网格档位数量 (2..50)
	RangePercent    decimal.Decimal `json:"range_percent"`     // 中心价上下浮动百分比
	MaxRangePercent decimal.Decimal `json:"max_range_percent"` // 高波动放宽后的最大范围
	USDTPerGrid     decimal.Decimal `json:"usdt_per_grid"`     // 每格保证金 (USDT)
	Leverage        int             `json:"leverage"`          // 杠杆倍数
	MarginType      string          `json:"margin_type"`       // CROSSED 或 ISOLATED
	MaxOpenOrders   int             `json:"max_open_orders"`   // 同时挂单上限
	AutoRegrid      bool            `json:"auto_regrid"`       // 止盈后是否自动在原档位补单
}

// TakeProfitConfig 止盈策略配置，优先级: trailing > smart > fixed
type TakeProfitConfig struct {
	TrailingEnabled     bool            `json:"trailing_enabled"`
	TrailingIntervalSec int             `json:"trailing_interval_sec"` // 追踪止盈重算间隔
	SmartEnabled        bool            `json:"smart_enabled"`
	FixedPercent        decimal.Decimal `json:"fixed_percent"`   // 固定止盈百分比
	DefaultPercent      decimal.Decimal `json:"default_percent"` // smart 模式默认百分比
	OverboughtRSI       decimal.Decimal `json:"overbought_rsi"`  // 多头超买阈值
	OversoldRSI         decimal.Decimal `json:"oversold_rsi"`    // 多头超卖阈值
	OverboughtPercent   decimal.Decimal `json:"overbought_percent"`
	OversoldPercent     decimal.Decimal `json:"oversold_percent"`
	TrendPercent        decimal.Decimal `json:"trend_percent"`   // 顺势时的止盈百分比
	AdversePercent      decimal.Decimal `json:"adverse_percent"` // 逆势时的止盈百分比
}

// RiskConfig 风控闸门配置
type RiskConfig struct {
	EvaluationIntervalSec int             `json:"evaluation_interval_sec"`  // 风控循环间隔
	MinBalanceUSDT        decimal.Decimal `json:"min_balance_usdt"`         // 最低余额，低于则停机
	MaxDrawdownPercent    decimal.Decimal `json:"max_drawdown_percent"`     // 熔断阈值 (相对峰值)
	DailyLossLimitUSDT    decimal.Decimal `json:"daily_loss_limit_usdt"`    // 单日亏损上限 (USDT)
	DailyLossLimitPercent decimal.Decimal `json:"daily_loss_limit_percent"` // 单日亏损上限 (占窗口起始余额)
	MaxPositionLevels     int             `json:"max_position_levels"`      // 持仓档位上限
	MaxPositionPercent    decimal.Decimal `json:"max_position_percent"`     // 持仓名义价值占余额上限
	ElevatedWidenFactor   decimal.Decimal `json:"elevated_widen_factor"`    // 高波动时下次重置的范围放大倍数
	MaxSpreadPercent      decimal.Decimal `json:"max_spread_percent"`       // 最大买卖价差
	MinDepthUSD           decimal.Decimal `json:"min_depth_usd"`            // 盘口最小深度
	FundingWarnRate       decimal.Decimal `json:"funding_warn_rate"`        // 资金费率告警 (百分比)
	FundingExtremeRate    decimal.Decimal `json:"funding_extreme_rate"`     // 资金费率暂停 (百分比)
	AutoSwitch            bool            `json:"auto_switch"`              // 按趋势自动切换方向
	SwitchScoreThreshold  int             `json:"switch_score_threshold"`
	SwitchConfirmations   int             `json:"switch_confirmations"`
}

// DrawdownConfig 回撤状态机配置
type DrawdownConfig struct {
	Enabled            bool            `json:"enabled"`
	PausePercent       decimal.Decimal `json:"pause_percent"`
	PartialPercent     decimal.Decimal `json:"partial_percent"`
	FullPercent        decimal.Decimal `json:"full_percent"`
	RecoveryPercent    decimal.Decimal `json:"recovery_percent"`     // 回撤回落到此值以下视为恢复
	PartialCutFraction decimal.Decimal `json:"partial_cut_fraction"` // 部分减仓比例
	MinDwellMinutes    int             `json:"min_dwell_minutes"`    // 等待重新入场的最短时间
	ReentryScore       int             `json:"reentry_score"`        // 动量反转确认所需趋势分
	ReentryStochK      decimal.Decimal `json:"reentry_stoch_k"`      // 或 StochRSI K 脱离极值
	BTCVetoScore       int             `json:"btc_veto_score"`       // BTC 趋势强烈不利时否决
	ReentrySizeRatio   decimal.Decimal `json:"reentry_size_ratio"`   // 重新入场时的仓位比例
	RampStep           decimal.Decimal `json:"ramp_step"`            // 每次盈利平仓后的仓位递增
}

// RegridConfig 网格重置配置
type RegridConfig struct {
	ThresholdPercent   decimal.Decimal `json:"threshold_percent"` // 偏离中心价触发重置的百分比
	Confirmations      int             `json:"confirmations"`     // 连续确认次数
	MinIntervalMinutes int             `json:"min_interval_minutes"`
}

// SpikeConfig 价格异动监控配置
type SpikeConfig struct {
	Enabled          bool            `json:"enabled"`
	IntervalSeconds  int             `json:"interval_seconds"`
	WindowSeconds    int             `json:"window_seconds"`
	ThresholdPercent decimal.Decimal `json:"threshold_percent"`
	ExtremePercent   decimal.Decimal `json:"extreme_percent"`
	CooldownSeconds  int             `json:"cooldown_seconds"`
	PauseSeconds     int             `json:"pause_seconds"`
}

// SignalConfig 指标信号配置
type SignalConfig struct {
	Interval             string          `json:"interval"`    // K线周期
	KlineLimit           int             `json:"kline_limit"` // 拉取K线数量
	RefreshSeconds       int             `json:"refresh_seconds"`
	BTCSymbol            string          `json:"btc_symbol"`
	RSIPeriod            int             `json:"rsi_period"`
	ATRPeriod            int             `json:"atr_period"`
	EMAFast              int             `json:"ema_fast"`
	EMASlow              int             `json:"ema_slow"`
	SuperTrendPeriod     int             `json:"supertrend_period"`
	SuperTrendMultiplier decimal.Decimal `json:"supertrend_multiplier"`
	ElevatedVolPercent   decimal.Decimal `json:"elevated_vol_percent"` // ATR/价格
	ExtremeVolPercent    decimal.Decimal `json:"extreme_vol_percent"`
}

// EngineConfig 引擎内部参数
type EngineConfig struct {
	CommandBuffer          int `json:"command_buffer"`
	PersistBuffer          int `json:"persist_buffer"`
	SummaryIntervalMinutes int `json:"summary_interval_minutes"`

	ReconcileIntervalMinutes int  `json:"reconcile_interval_minutes"` // 周期性全量对账, 0 表示只在启动和重连时对账
	ExitOnFatal              bool `json:"exit_on_fatal"`              // 致命风控熔断后退出进程, 否则停机等待人工恢复
	CancelOnExit             bool `json:"cancel_on_exit"`             // 退出时撤销全部挂单 (持仓保留)

	// 止盈被拒后的重试退避, 按连续被拒次数指数增长
	TPRetryMinMs int `json:"tp_retry_min_ms"`
	TPRetryMaxMs int `json:"tp_retry_max_ms"`
}

// StorageConfig 持久化配置
type StorageConfig struct {
	StateDBPath             string `json:"state_db_path"` // badger 状态目录
	TradeDBPath             string `json:"trade_db_path"` // sqlite 交易记录
	SnapshotIntervalMinutes int    `json:"snapshot_interval_minutes"`
	QueueSize               int    `json:"queue_size"`
}

// NotifierConfig 告警通知配置
type NotifierConfig struct {
	TelegramEnabled bool   `json:"telegram_enabled"`
	BotToken        string `json:"-"` // 从环境变量 TELEGRAM_BOT_TOKEN 读取
	ChatID          int64  `json:"chat_id"`
	QueueSize       int    `json:"queue_size"`
	MinLevel        string `json:"min_level"` // INFO / WARNING / CRITICAL
}

// MetricsConfig Prometheus 配置
type MetricsConfig struct {
	Enabled    bool   `json:"enabled"`
	ListenAddr string `json:"listen_addr"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}
