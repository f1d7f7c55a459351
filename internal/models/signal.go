package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// VolatilityRegime classifies market volatility.
type VolatilityRegime string

const (
	VolatilityNormal   VolatilityRegime = "NORMAL"
	VolatilityElevated VolatilityRegime = "ELEVATED"
	VolatilityExtreme  VolatilityRegime = "EXTREME"
)

// TrendSignal is a periodic indicator snapshot, read-only to the engine.
type TrendSignal struct {
	Symbol            string           `json:"symbol"`
	Score             int              `json:"score"` // -4..4
	VolatilityRegime  VolatilityRegime `json:"volatility_regime"`
	VolatilityPercent decimal.Decimal  `json:"volatility_percent"`
	RSI               decimal.Decimal  `json:"rsi"`
	MACDHistogram     decimal.Decimal  `json:"macd_histogram"`
	StochRSIK         decimal.Decimal  `json:"stoch_rsi_k"`
	FundingRate       decimal.Decimal  `json:"funding_rate"` // percent per funding interval
	BTCScore          int              `json:"btc_score"`
	SpreadPercent     decimal.Decimal  `json:"spread_percent"`
	DepthUSD          decimal.Decimal  `json:"depth_usd"`
	SuperTrendLong    decimal.Decimal  `json:"supertrend_long"`  // trailing stop for longs, zero if unavailable
	SuperTrendShort   decimal.Decimal  `json:"supertrend_short"` // trailing stop for shorts, zero if unavailable
	Time              time.Time        `json:"time"`
}

// Available reports whether the snapshot was ever populated.
func (s TrendSignal) Available() bool {
	return !s.Time.IsZero()
}
