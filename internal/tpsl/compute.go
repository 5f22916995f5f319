// Package tpsl keeps the derived take-profit and stop-loss order graph
// consistent with the evolving position. Reconcile is the single entry
// point; it serialises per (uid, symbol) and handles fresh entries, DCA
// replacement and hedge sides.
package tpsl

import (
	"github.com/shopspring/decimal"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/settings"
)

// TPPriceFunc computes the three TP price levels for an entry. Disabled
// levels still receive a price; the engine decides which ones to place.
type TPPriceFunc func(entry float64, s *settings.Settings, side string, atr float64) [3]float64

// SLPriceFunc computes the stop-loss trigger price.
type SLPriceFunc func(entry float64, s *settings.Settings, side string, atr float64) float64

// DefaultTPPrices interprets tpN_value per tp_option: percent offsets
// from entry, absolute prices, or ATR multiples.
func DefaultTPPrices(entry float64, s *settings.Settings, side string, atr float64) [3]float64 {
	values := [3]float64{s.TP1Value, s.TP2Value, s.TP3Value}
	var out [3]float64
	for i, v := range values {
		out[i] = targetPrice(entry, v, s.TPOption, side, atr, true)
	}
	return out
}

// DefaultSLPrice mirrors DefaultTPPrices on the losing side.
func DefaultSLPrice(entry float64, s *settings.Settings, side string, atr float64) float64 {
	return targetPrice(entry, s.SLValue, s.SLOption, side, atr, false)
}

// targetPrice places value relative to entry. profit=true moves with the
// position (up for long), profit=false against it.
func targetPrice(entry, value float64, mode, side string, atr float64, profit bool) float64 {
	up := side == exchange.SideLong
	if !profit {
		up = !up
	}
	e := decimal.NewFromFloat(entry)
	switch mode {
	case settings.ModePrice:
		return value
	case settings.ModeATR:
		delta := decimal.NewFromFloat(atr).Mul(decimal.NewFromFloat(value))
		if up {
			return e.Add(delta).InexactFloat64()
		}
		return e.Sub(delta).InexactFloat64()
	default: // percent
		pct := decimal.NewFromFloat(value).Div(decimal.NewFromInt(100))
		if up {
			return e.Mul(decimal.NewFromInt(1).Add(pct)).InexactFloat64()
		}
		return e.Mul(decimal.NewFromInt(1).Sub(pct)).InexactFloat64()
	}
}

// tpSlice is one computed TP placement.
type tpSlice struct {
	level  int
	price  float64
	size   float64
	lastTP bool // promoted to minimum size; later levels are skipped
}

// splitSizes allocates the position size across the active TP levels.
// Ratios are normalised so they sum to 1; every slice is floored to the
// lot step and the last level takes the exact remainder, so the sizes sum
// to the position size. A slice that floors to zero is dropped (dust); a
// non-zero slice below the exchange minimum is promoted to the minimum
// and terminates the list.
func splitSizes(total float64, levels []int, prices [3]float64, ratios []float64, lot, min float64) []tpSlice {
	if total <= 0 || len(levels) == 0 {
		return nil
	}
	if lot <= 0 {
		lot = 0.01
	}
	if min <= 0 {
		min = lot
	}
	var ratioSum decimal.Decimal
	for _, r := range ratios {
		ratioSum = ratioSum.Add(decimal.NewFromFloat(r))
	}
	if ratioSum.IsZero() {
		return nil
	}

	dTotal := decimal.NewFromFloat(total)
	dLot := decimal.NewFromFloat(lot)
	dMin := decimal.NewFromFloat(min)
	remaining := dTotal

	out := make([]tpSlice, 0, len(levels))
	for i, lvl := range levels {
		var size decimal.Decimal
		if i == len(levels)-1 {
			size = remaining
		} else {
			share := dTotal.Mul(decimal.NewFromFloat(ratios[i])).Div(ratioSum)
			size = share.Div(dLot).Floor().Mul(dLot)
		}
		if size.LessThanOrEqual(decimal.Zero) {
			continue
		}
		sl := tpSlice{level: lvl, price: prices[lvl-1], size: size.InexactFloat64()}
		if size.LessThan(dMin) {
			sl.size = dMin.InexactFloat64()
			sl.lastTP = true
			out = append(out, sl)
			break
		}
		remaining = remaining.Sub(size)
		out = append(out, sl)
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
	}
	return out
}
