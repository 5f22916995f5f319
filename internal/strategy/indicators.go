package strategy

import (
	"math"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
)

// DefaultRSI is the Wilder-style RSI over closing prices. Returns the
// neutral 50 when the series is too short.
func DefaultRSI(candles []exchange.Candle, length int) float64 {
	if length <= 0 || len(candles) < length+1 {
		return 50.0
	}
	gains, losses := 0.0, 0.0
	for i := len(candles) - length; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}
	avgGain := gains / float64(length)
	avgLoss := losses / float64(length)
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// DefaultATR is the simple-average true range.
func DefaultATR(candles []exchange.Candle, length int) float64 {
	if length <= 0 || len(candles) < length+1 {
		return 0
	}
	trSum := 0.0
	for i := len(candles) - length; i < len(candles); i++ {
		high, low := candles[i].High, candles[i].Low
		prevClose := candles[i-1].Close
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trSum += tr
	}
	return trSum / float64(length)
}

// Trend EMA spans.
const (
	trendFastPeriod = 20
	trendSlowPeriod = 50
)

// DefaultTrend classifies the trend by comparing a fast and a slow EMA of
// the closes. Flat when the series is too short or the EMAs overlap.
func DefaultTrend(candles []exchange.Candle) Trend {
	if len(candles) < trendSlowPeriod {
		return TrendFlat
	}
	fast := ema(candles, trendFastPeriod)
	slow := ema(candles, trendSlowPeriod)
	if slow == 0 {
		return TrendFlat
	}
	// Require a 0.1% separation so choppy markets read as flat.
	switch diff := (fast - slow) / slow; {
	case diff > 0.001:
		return TrendUp
	case diff < -0.001:
		return TrendDown
	default:
		return TrendFlat
	}
}

func ema(candles []exchange.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}
	// Seed with the SMA of the first window, then smooth forward.
	start := len(candles) - period*2
	if start < 0 {
		start = 0
	}
	sum := 0.0
	seedEnd := start + period
	for i := start; i < seedEnd; i++ {
		sum += candles[i].Close
	}
	value := sum / float64(period)
	k := 2.0 / float64(period+1)
	for i := seedEnd; i < len(candles); i++ {
		value = candles[i].Close*k + value*(1-k)
	}
	return value
}
