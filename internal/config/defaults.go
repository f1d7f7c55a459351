package config

import (
	"perp-grid-engine/internal/models"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Default returns a config populated with conservative defaults; the JSON file overrides them.
func Default() *models.Config {
	return &models.Config{
		Symbol: "BTCUSDT",
		Exchange: models.ExchangeConfig{
			LiveAPIURL:               "https://fapi.binance.com",
			LiveWSURL:                "wss://fstream.binance.com",
			TestnetAPIURL:            "https://testnet.binancefuture.com",
			TestnetWSURL:             "wss://stream.binancefuture.com",
			RequestTimeoutMs:         10000,
			RetryAttempts:            4,
			RetryInitialDelayMs:      500,
			RetryMaxDelayMs:          8000,
			WebSocketPingIntervalSec: 54,
			WebSocketPongTimeoutSec:  60,
			ListenKeyKeepAliveMin:    30,
			ReconnectMinDelayMs:      1000,
			ReconnectMaxDelayMs:      60000,
		},
		Grid: models.GridConfig{
			Side:            models.SideLong,
			Count:           10,
			RangePercent:    d("15"),
			MaxRangePercent: d("30"),
			USDTPerGrid:     d("35"),
			Leverage:        2,
			MarginType:      "CROSSED",
			MaxOpenOrders:   20,
			AutoRegrid:      true,
		},
		TakeProfit: models.TakeProfitConfig{
			TrailingEnabled:     false,
			TrailingIntervalSec: 60,
			SmartEnabled:        true,
			FixedPercent:        d("1.5"),
			DefaultPercent:      d("1.5"),
			OverboughtRSI:       d("65"),
			OversoldRSI:         d("40"),
			OverboughtPercent:   d("1.0"),
			OversoldPercent:     d("2.5"),
			TrendPercent:        d("2.0"),
			AdversePercent:      d("1.0"),
		},
		Risk: models.RiskConfig{
			EvaluationIntervalSec: 60,
			MinBalanceUSDT:        d("50"),
			MaxDrawdownPercent:    d("30"),
			DailyLossLimitPercent: d("5"),
			MaxPositionLevels:     10,
			MaxPositionPercent:    d("80"),
			ElevatedWidenFactor:   d("1.5"),
			MaxSpreadPercent:      d("0.2"),
			MinDepthUSD:           d("10000"),
			FundingWarnRate:       d("0.1"),
			FundingExtremeRate:    d("0.3"),
			SwitchScoreThreshold:  3,
			SwitchConfirmations:   3,
		},
		Drawdown: models.DrawdownConfig{
			Enabled:            true,
			PausePercent:       d("15"),
			PartialPercent:     d("20"),
			FullPercent:        d("25"),
			RecoveryPercent:    d("5"),
			PartialCutFraction: d("0.5"),
			MinDwellMinutes:    60,
			ReentryScore:       1,
			ReentryStochK:      d("20"),
			BTCVetoScore:       3,
			ReentrySizeRatio:   d("0.5"),
			RampStep:           d("0.1"),
		},
		Regrid: models.RegridConfig{
			ThresholdPercent:   d("10"),
			Confirmations:      2,
			MinIntervalMinutes: 30,
		},
		Spike: models.SpikeConfig{
			Enabled:          true,
			IntervalSeconds:  5,
			WindowSeconds:    300,
			ThresholdPercent: d("3"),
			ExtremePercent:   d("5"),
			CooldownSeconds:  60,
			PauseSeconds:     300,
		},
		Signal: models.SignalConfig{
			Interval:             "15m",
			KlineLimit:           120,
			RefreshSeconds:       60,
			BTCSymbol:            "BTCUSDT",
			RSIPeriod:            14,
			ATRPeriod:            14,
			EMAFast:              20,
			EMASlow:              50,
			SuperTrendPeriod:     10,
			SuperTrendMultiplier: d("3"),
			ElevatedVolPercent:   d("5"),
			ExtremeVolPercent:    d("10"),
		},
		Engine: models.EngineConfig{
			CommandBuffer:            1024,
			PersistBuffer:            128,
			SummaryIntervalMinutes:   60,
			ReconcileIntervalMinutes: 15,
			TPRetryMinMs:             5000,
			TPRetryMaxMs:             300000,
		},
		LogConfig: models.LogConfig{
			Level:      "info",
			Output:     "console",
			File:       "logs/engine.log",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
		Storage: models.StorageConfig{
			StateDBPath:             "data/state",
			TradeDBPath:             "data/trades.db",
			SnapshotIntervalMinutes: 15,
			QueueSize:               256,
		},
		Notifier: models.NotifierConfig{
			QueueSize: 128,
			MinLevel:  string(models.AlertInfo),
		},
		Metrics: models.MetricsConfig{
			ListenAddr: ":9090",
		},
	}
}
