package indicator

import (
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"

	"ensemble-trader/internal/market"
)

// minCandles 为 talib 长周期指标（EMA50/ADX）所需的最小样本量。
const minCandles = 60

// Compute 依据给定K线计算快照所需的指标集合。
func Compute(candles []market.Candle) (map[string]float64, error) {
	if len(candles) < minCandles {
		return nil, fmt.Errorf("indicator: K线数量不足: %d < %d", len(candles), minCandles)
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}

	ema12 := talib.Ema(closes, 12)
	ema26 := talib.Ema(closes, 26)
	ema50 := talib.Ema(closes, 50)
	macd, macdSignal, macdHist := talib.Macd(closes, 12, 26, 9)
	bbUpper, bbMiddle, bbLower := talib.BBands(closes, 20, 2, 2, talib.EMA)
	rsi := talib.Rsi(closes, 14)
	atr := talib.Atr(highs, lows, closes, 14)
	adx := talib.Adx(highs, lows, closes, 14)

	lastClose := last(closes)
	atrAbs := last(atr)

	indicators := map[string]float64{
		"close":        lastClose,
		"prev_close":   prev(closes),
		"ema12":        last(ema12),
		"ema26":        last(ema26),
		"ema50":        last(ema50),
		"macd":         last(macd),
		"macd_signal":  last(macdSignal),
		"macd_hist":    last(macdHist),
		"rsi14":        last(rsi),
		"atr14":        atrAbs,
		"atr14_rel":    safeDivide(atrAbs, lastClose),
		"adx14":        last(adx),
		"bb_upper":     last(bbUpper),
		"bb_middle":    last(bbMiddle),
		"bb_lower":     last(bbLower),
		"bb_position":  bollingerPosition(lastClose, last(bbUpper), last(bbLower)),
		"volume_ratio": safeDivide(last(volumes), average(tail(volumes, 20))),
	}

	for key, value := range indicators {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, fmt.Errorf("indicator: 指标 %s 计算结果非法", key)
		}
	}

	return indicators, nil
}

func bollingerPosition(close, upper, lower float64) float64 {
	width := upper - lower
	if width <= 0 {
		return 0.5
	}
	pos := (close - lower) / width
	return math.Max(0, math.Min(1, pos))
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

func prev(values []float64) float64 {
	if len(values) < 2 {
		return math.NaN()
	}
	return values[len(values)-2]
}

func tail(values []float64, n int) []float64 {
	if n <= 0 || len(values) == 0 {
		return nil
	}
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func safeDivide(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
