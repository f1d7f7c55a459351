package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"perp-grid-engine/internal/models"

	"github.com/shopspring/decimal"
)

// LoadConfig 从指定路径加载JSON配置文件，填充默认值并校验
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := Default()
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv 从环境变量读取密钥和覆盖项
func ApplyEnv(cfg *models.Config) {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" {
		cfg.Exchange.SecretKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notifier.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Notifier.ChatID = id
		}
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		cfg.DryRun = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SYMBOL"); v != "" {
		cfg.Symbol = strings.ToUpper(v)
	}
}

var (
	zero    = decimal.Zero
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Validate collects every problem and returns them as one *models.ConfigError.
func Validate(cfg *models.Config) error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.Symbol == "" {
		add("symbol is required")
	}

	g := cfg.Grid
	if !g.Side.Valid() {
		add("grid.side must be LONG or SHORT, got %q", g.Side)
	}
	if g.Count < 2 || g.Count > 50 {
		add("grid.count must be in [2, 50], got %d", g.Count)
	}
	if !g.RangePercent.IsPositive() || g.RangePercent.GreaterThan(decimal.NewFromInt(50)) {
		add("grid.range_percent must be in (0, 50], got %s", g.RangePercent)
	}
	if g.MaxRangePercent.LessThan(g.RangePercent) {
		add("grid.max_range_percent %s below range_percent %s", g.MaxRangePercent, g.RangePercent)
	}
	if !g.USDTPerGrid.IsPositive() {
		add("grid.usdt_per_grid must be positive")
	}
	if g.Leverage < 1 || g.Leverage > 125 {
		add("grid.leverage must be in [1, 125], got %d", g.Leverage)
	}
	if g.MarginType != "CROSSED" && g.MarginType != "ISOLATED" {
		add("grid.margin_type must be CROSSED or ISOLATED, got %q", g.MarginType)
	}
	if g.MaxOpenOrders < 1 {
		add("grid.max_open_orders must be at least 1")
	}

	tp := cfg.TakeProfit
	for name, v := range map[string]decimal.Decimal{
		"take_profit.fixed_percent":   tp.FixedPercent,
		"take_profit.default_percent": tp.DefaultPercent,
	} {
		if !v.IsPositive() {
			add("%s must be positive", name)
		}
	}
	if tp.SmartEnabled && !tp.OversoldRSI.LessThan(tp.OverboughtRSI) {
		add("take_profit.oversold_rsi must be below overbought_rsi")
	}

	r := cfg.Risk
	if r.EvaluationIntervalSec < 1 {
		add("risk.evaluation_interval_sec must be at least 1")
	}
	if r.MinBalanceUSDT.IsNegative() {
		add("risk.min_balance_usdt must not be negative")
	}
	if !r.MaxDrawdownPercent.IsPositive() || r.MaxDrawdownPercent.GreaterThan(hundred) {
		add("risk.max_drawdown_percent must be in (0, 100]")
	}
	if r.MaxPositionPercent.IsNegative() {
		add("risk.max_position_percent must not be negative")
	}
	if r.ElevatedWidenFactor.LessThan(one) {
		add("risk.elevated_widen_factor must be >= 1")
	}
	if r.AutoSwitch && (r.SwitchScoreThreshold < 1 || r.SwitchScoreThreshold > 4) {
		add("risk.switch_score_threshold must be in [1, 4]")
	}

	d := cfg.Drawdown
	if d.Enabled {
		if !(d.PausePercent.IsPositive() && d.PausePercent.LessThan(d.PartialPercent) &&
			d.PartialPercent.LessThan(d.FullPercent)) {
			add("drawdown thresholds must satisfy 0 < pause < partial < full (got %s/%s/%s)",
				d.PausePercent, d.PartialPercent, d.FullPercent)
		}
		// the circuit breaker is the outer envelope around the finer-grained machine
		if !r.MaxDrawdownPercent.GreaterThan(d.FullPercent) {
			add("risk.max_drawdown_percent %s must exceed drawdown.full_percent %s",
				r.MaxDrawdownPercent, d.FullPercent)
		}
		if d.RecoveryPercent.IsNegative() || !d.RecoveryPercent.LessThan(d.PausePercent) {
			add("drawdown.recovery_percent must be in [0, pause_percent)")
		}
		if !d.PartialCutFraction.IsPositive() || d.PartialCutFraction.GreaterThan(one) {
			add("drawdown.partial_cut_fraction must be in (0, 1]")
		}
		if !d.ReentrySizeRatio.IsPositive() || d.ReentrySizeRatio.GreaterThan(one) {
			add("drawdown.reentry_size_ratio must be in (0, 1]")
		}
		if d.RampStep.LessThan(zero) {
			add("drawdown.ramp_step must not be negative")
		}
	}

	if !cfg.Regrid.ThresholdPercent.IsPositive() {
		add("regrid.threshold_percent must be positive")
	}
	if cfg.Regrid.Confirmations < 1 {
		add("regrid.confirmations must be at least 1")
	}

	s := cfg.Spike
	if s.Enabled {
		if s.IntervalSeconds < 1 || s.WindowSeconds < s.IntervalSeconds {
			add("spike.window_seconds must cover at least one interval")
		}
		if !s.ThresholdPercent.IsPositive() || s.ExtremePercent.LessThan(s.ThresholdPercent) {
			add("spike thresholds must satisfy 0 < threshold <= extreme")
		}
	}

	if e := cfg.Engine; e.TPRetryMinMs < 0 || e.TPRetryMaxMs < e.TPRetryMinMs {
		add("engine.tp_retry_max_ms must be >= tp_retry_min_ms >= 0")
	}

	if !cfg.DryRun && (cfg.Exchange.APIKey == "" || cfg.Exchange.SecretKey == "") {
		add("BINANCE_API_KEY and BINANCE_SECRET_KEY must be set unless dry_run")
	}
	if cfg.Notifier.TelegramEnabled && (cfg.Notifier.BotToken == "" || cfg.Notifier.ChatID == 0) {
		add("telegram notifier needs TELEGRAM_BOT_TOKEN and chat_id")
	}

	if len(problems) > 0 {
		return &models.ConfigError{Problems: problems}
	}
	return nil
}
