package signal

import "math"

// 指标函数均返回与输入等长的序列; 回看不足的位置为 NaN。

// EMA 指数移动平均, 以首个值为种子 (adjust=false)。
func EMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 || period <= 0 {
		return out
	}
	alpha := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// SMA 简单移动平均。
func SMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	var sum float64
	for i := range values {
		sum += values[i]
		if i >= period {
			sum -= values[i-period]
		}
		if period > 0 && i >= period-1 {
			out[i] = sum / float64(period)
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// RSI Wilder 平滑 (alpha = 1/period)。
func RSI(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	if len(closes) == 0 || period <= 0 {
		return out
	}
	out[0] = math.NaN()
	alpha := 1.0 / float64(period)
	var gain, loss float64
	for i := 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := math.Max(d, 0), math.Max(-d, 0)
		if i == 1 {
			gain, loss = g, l
		} else {
			gain = alpha*g + (1-alpha)*gain
			loss = alpha*l + (1-alpha)*loss
		}
		switch {
		case loss == 0 && gain == 0:
			out[i] = 50
		case loss == 0:
			out[i] = 100
		default:
			out[i] = 100 - 100/(1+gain/loss)
		}
	}
	return out
}

// TrueRange 首根K线没有前收盘, 取 high-low。
func TrueRange(highs, lows, closes []float64) []float64 {
	out := make([]float64, len(closes))
	for i := range closes {
		tr := highs[i] - lows[i]
		if i > 0 {
			tr = math.Max(tr, math.Abs(highs[i]-closes[i-1]))
			tr = math.Max(tr, math.Abs(lows[i]-closes[i-1]))
		}
		out[i] = tr
	}
	return out
}

// ATR 真实波幅的滚动均值。
func ATR(highs, lows, closes []float64, period int) []float64 {
	return SMA(TrueRange(highs, lows, closes), period)
}

// MACD 返回 macd 线、信号线与柱状图。
func MACD(closes []float64, fast, slow, signal int) (macd, sig, hist []float64) {
	f, s := EMA(closes, fast), EMA(closes, slow)
	macd = make([]float64, len(closes))
	for i := range closes {
		macd[i] = f[i] - s[i]
	}
	sig = EMA(macd, signal)
	hist = make([]float64, len(closes))
	for i := range closes {
		hist[i] = macd[i] - sig[i]
	}
	return macd, sig, hist
}

// StochRSI 返回平滑后的 %K (0..100)。
func StochRSI(rsi []float64, period, smoothK int) []float64 {
	raw := make([]float64, len(rsi))
	for i := range rsi {
		raw[i] = math.NaN()
		if i < period || period <= 0 {
			continue
		}
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range rsi[i-period+1 : i+1] {
			if math.IsNaN(v) {
				lo = math.NaN()
				break
			}
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
		if math.IsNaN(lo) {
			continue
		}
		if hi == lo {
			raw[i] = 50
			continue
		}
		raw[i] = (rsi[i] - lo) / (hi - lo) * 100
	}
	if smoothK <= 1 {
		return raw
	}
	return SMA(raw, smoothK)
}

// SuperTrend 返回最后一根K线的最终上下轨与趋势方向 (true 为上升)。
func SuperTrend(highs, lows, closes []float64, period int, multiplier float64) (upper, lower float64, up bool, ok bool) {
	atr := ATR(highs, lows, closes, period)
	start := -1
	for i := range closes {
		if math.IsNaN(atr[i]) {
			continue
		}
		mid := (highs[i] + lows[i]) / 2
		basicUpper, basicLower := mid+multiplier*atr[i], mid-multiplier*atr[i]
		if start < 0 {
			start = i
			upper, lower = basicUpper, basicLower
			up = closes[i] >= mid
			continue
		}
		// 轨道只向趋势方向收紧, 收盘价突破才翻转
		if basicUpper < upper || closes[i-1] > upper {
			upper = basicUpper
		}
		if basicLower > lower || closes[i-1] < lower {
			lower = basicLower
		}
		switch {
		case up && closes[i] < lower:
			up = false
		case !up && closes[i] > upper:
			up = true
		}
	}
	return upper, lower, up, start >= 0
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}
