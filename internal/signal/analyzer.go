package signal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"perp-grid-engine/internal/exchange"
	"perp-grid-engine/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInsufficientData K线数量不足以计算慢速均线。
var ErrInsufficientData = errors.New("not enough klines")

const (
	macdFast, macdSlow, macdSignal = 12, 26, 9
	stochPeriod, stochSmooth       = 14, 3
	volumeWindow                   = 20
	volumeConfirmRatio             = 1.2
	emaBuffer                      = 0.005
	rsiBullish, rsiBearish         = 55.0, 45.0
)

// Analyzer 产生趋势信号快照。
type Analyzer interface {
	Analyze(ctx context.Context) (models.TrendSignal, error)
}

// TrendScore 四个分项各取 -1/0/+1。
type TrendScore struct {
	EMA    int
	MACD   int
	RSI    int
	Volume int
}

// Total 合计分 (-4..4)。
func (s TrendScore) Total() int {
	return s.EMA + s.MACD + s.RSI + s.Volume
}

// Indicators 是一组K线上最后一根的指标值。
type Indicators struct {
	Close          float64
	EMAFast        float64
	EMASlow        float64
	RSI            float64
	MACDHist       float64
	ATR            float64
	StochK         float64
	VolumeRatio    float64
	SuperUpper     float64
	SuperLower     float64
	SuperUp        bool
	SuperAvailable bool
}

// Score 量能只确认其他三项指向的方向, 本身不决定方向。
func Score(ind Indicators) TrendScore {
	var s TrendScore
	switch {
	case ind.EMAFast > ind.EMASlow*(1+emaBuffer):
		s.EMA = 1
	case ind.EMAFast < ind.EMASlow*(1-emaBuffer):
		s.EMA = -1
	}
	switch {
	case ind.MACDHist > 0:
		s.MACD = 1
	case ind.MACDHist < 0:
		s.MACD = -1
	}
	switch {
	case ind.RSI > rsiBullish:
		s.RSI = 1
	case ind.RSI < rsiBearish:
		s.RSI = -1
	}
	if ind.VolumeRatio > volumeConfirmRatio {
		switch other := s.EMA + s.MACD + s.RSI; {
		case other > 0:
			s.Volume = 1
		case other < 0:
			s.Volume = -1
		}
	}
	return s
}

// Compute 在K线序列上计算指标。
func Compute(klines []models.Kline, cfg models.SignalConfig) (Indicators, error) {
	need := cfg.EMASlow
	if need < macdSlow+macdSignal {
		need = macdSlow + macdSignal
	}
	if len(klines) < need || len(klines) < 2 {
		return Indicators{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, len(klines), need)
	}
	n := len(klines)
	highs, lows, closes, volumes := make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)
	for i, k := range klines {
		highs[i] = k.High.InexactFloat64()
		lows[i] = k.Low.InexactFloat64()
		closes[i] = k.Close.InexactFloat64()
		volumes[i] = k.Volume.InexactFloat64()
	}

	rsi := RSI(closes, cfg.RSIPeriod)
	_, _, hist := MACD(closes, macdFast, macdSlow, macdSignal)
	ind := Indicators{
		Close:    closes[n-1],
		EMAFast:  last(EMA(closes, cfg.EMAFast)),
		EMASlow:  last(EMA(closes, cfg.EMASlow)),
		RSI:      last(rsi),
		MACDHist: last(hist),
		ATR:      last(ATR(highs, lows, closes, cfg.ATRPeriod)),
		StochK:   last(StochRSI(rsi, stochPeriod, stochSmooth)),
	}

	// 使用已收盘K线的量比, 当前K线尚未走完
	volSMA := SMA(volumes, volumeWindow)
	ind.VolumeRatio = 1
	if v := volSMA[n-2]; !math.IsNaN(v) && v > 0 {
		ind.VolumeRatio = volumes[n-2] / v
	}

	ind.SuperUpper, ind.SuperLower, ind.SuperUp, ind.SuperAvailable =
		SuperTrend(highs, lows, closes, cfg.SuperTrendPeriod, cfg.SuperTrendMultiplier.InexactFloat64())
	return ind, nil
}

// KlineAnalyzer 基于交易所K线、资金费率和盘口计算信号。
type KlineAnalyzer struct {
	exchange exchange.Exchange
	symbol   string
	cfg      models.SignalConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewKlineAnalyzer creates a new analyzer for symbol.
func NewKlineAnalyzer(ex exchange.Exchange, symbol string, cfg models.SignalConfig, logger *zap.Logger) *KlineAnalyzer {
	return &KlineAnalyzer{exchange: ex, symbol: symbol, cfg: cfg, logger: logger, now: time.Now}
}

// Analyze 拉取数据并生成快照。只有主交易对K线失败才返回错误, 辅助数据缺失时记零。
func (a *KlineAnalyzer) Analyze(ctx context.Context) (models.TrendSignal, error) {
	klines, err := a.exchange.GetKlines(ctx, a.symbol, a.cfg.Interval, a.cfg.KlineLimit)
	if err != nil {
		return models.TrendSignal{}, fmt.Errorf("fetch klines: %w", err)
	}
	ind, err := Compute(klines, a.cfg)
	if err != nil {
		return models.TrendSignal{}, err
	}
	score := Score(ind)

	sig := models.TrendSignal{
		Symbol:        a.symbol,
		Score:         score.Total(),
		RSI:           toDecimal(ind.RSI, 2),
		MACDHistogram: toDecimal(ind.MACDHist, 8),
		StochRSIK:     toDecimal(ind.StochK, 2),
		Time:          a.now(),
	}
	sig.VolatilityPercent, sig.VolatilityRegime = a.regime(ind)
	if ind.SuperAvailable {
		if ind.SuperUp {
			sig.SuperTrendLong = toDecimal(ind.SuperLower, 8)
		} else {
			sig.SuperTrendShort = toDecimal(ind.SuperUpper, 8)
		}
	}

	if rate, err := a.exchange.GetFundingRate(ctx, a.symbol); err != nil {
		a.logger.Warn("获取资金费率失败", zap.Error(err))
	} else {
		sig.FundingRate = rate
	}

	sig.BTCScore = sig.Score
	if a.cfg.BTCSymbol != "" && a.cfg.BTCSymbol != a.symbol {
		sig.BTCScore = a.btcScore(ctx)
	}

	if tk, err := a.exchange.GetTicker(ctx, a.symbol); err != nil {
		a.logger.Warn("获取盘口失败", zap.Error(err))
	} else if tk.Bid.IsPositive() && tk.Ask.IsPositive() {
		mid := tk.Bid.Add(tk.Ask).Div(decimal.NewFromInt(2))
		sig.SpreadPercent = tk.Ask.Sub(tk.Bid).Div(mid).Mul(decimal.NewFromInt(100)).Round(6)
		sig.DepthUSD = decimal.Min(tk.Bid.Mul(tk.BidQty), tk.Ask.Mul(tk.AskQty)).Round(2)
	}

	a.logger.Debug("信号已更新",
		zap.Int("score", sig.Score),
		zap.Int("ema", score.EMA), zap.Int("macd", score.MACD), zap.Int("rsi", score.RSI), zap.Int("volume", score.Volume),
		zap.String("regime", string(sig.VolatilityRegime)),
		zap.Stringer("volatility_pct", sig.VolatilityPercent),
		zap.Int("btc_score", sig.BTCScore))
	return sig, nil
}

func (a *KlineAnalyzer) regime(ind Indicators) (decimal.Decimal, models.VolatilityRegime) {
	if math.IsNaN(ind.ATR) || ind.Close <= 0 {
		return decimal.Zero, models.VolatilityNormal
	}
	pct := toDecimal(ind.ATR/ind.Close*100, 4)
	switch {
	case a.cfg.ExtremeVolPercent.IsPositive() && pct.GreaterThan(a.cfg.ExtremeVolPercent):
		return pct, models.VolatilityExtreme
	case a.cfg.ElevatedVolPercent.IsPositive() && pct.GreaterThan(a.cfg.ElevatedVolPercent):
		return pct, models.VolatilityElevated
	}
	return pct, models.VolatilityNormal
}

func (a *KlineAnalyzer) btcScore(ctx context.Context) int {
	klines, err := a.exchange.GetKlines(ctx, a.cfg.BTCSymbol, a.cfg.Interval, a.cfg.KlineLimit)
	if err != nil {
		a.logger.Warn("获取BTC K线失败", zap.String("symbol", a.cfg.BTCSymbol), zap.Error(err))
		return 0
	}
	ind, err := Compute(klines, a.cfg)
	if err != nil {
		a.logger.Warn("BTC 指标计算失败", zap.Error(err))
		return 0
	}
	return Score(ind).Total()
}

func toDecimal(v float64, places int32) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v).Round(places)
}
