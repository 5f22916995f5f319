// Package strategy decides what a trading cycle should do: open a long
// or short, layer an additional DCA entry, or do nothing. The indicator
// math itself (RSI, ATR, trend) is injected as pure functions so the
// decision logic stays testable with scripted values.
package strategy

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/position"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/settings"
)

// Action is the cycle decision.
type Action string

const (
	ActionNone      Action = "none"
	ActionOpenLong  Action = "open_long"
	ActionOpenShort Action = "open_short"
	ActionDCA       Action = "dca"
)

// Trend direction reported by the injected trend function.
type Trend int

const (
	TrendFlat Trend = iota
	TrendUp
	TrendDown
)

// Signal is one cycle decision with the context the executor needs.
type Signal struct {
	Action    Action
	Side      string // long or short; set for open and DCA actions
	Price     float64
	RSI       float64
	ATR       float64
	Reason    string
	Timestamp time.Time
}

// RSIFunc computes the relative strength index over the closing prices.
type RSIFunc func(candles []exchange.Candle, length int) float64

// ATRFunc computes the average true range.
type ATRFunc func(candles []exchange.Candle, length int) float64

// TrendFunc classifies the prevailing trend.
type TrendFunc func(candles []exchange.Candle) Trend

// Decider evaluates entry and DCA conditions for one cycle.
type Decider struct {
	rsi    RSIFunc
	atr    ATRFunc
	trend  TrendFunc
	logger zerolog.Logger
}

// NewDecider wires a Decider. Nil funcs fall back to the defaults in
// indicators.go.
func NewDecider(rsi RSIFunc, atr ATRFunc, trend TrendFunc, logger zerolog.Logger) *Decider {
	if rsi == nil {
		rsi = DefaultRSI
	}
	if atr == nil {
		atr = DefaultATR
	}
	if trend == nil {
		trend = DefaultTrend
	}
	return &Decider{rsi: rsi, atr: atr, trend: trend, logger: logger}
}

// Decide evaluates one cycle. snapLong and snapShort are the current
// position rows for each side (nil when the side is flat).
func (d *Decider) Decide(candles []exchange.Candle, price float64,
	snapLong, snapShort *position.Position, set *settings.Settings) Signal {

	sig := Signal{Action: ActionNone, Price: price, Timestamp: time.Now()}
	if len(candles) == 0 || price <= 0 {
		return sig
	}
	sig.RSI = d.rsi(candles, set.RSILength)
	sig.ATR = d.atr(candles, set.ATRLength)

	if snapLong != nil && snapLong.ContractsAmount > 0 {
		if d.dcaWanted(snapLong, price, sig.RSI, set) {
			sig.Action, sig.Side = ActionDCA, exchange.SideLong
			sig.Reason = "price below pyramiding trigger"
			return sig
		}
	}
	if snapShort != nil && snapShort.ContractsAmount > 0 {
		if d.dcaWanted(snapShort, price, sig.RSI, set) {
			sig.Action, sig.Side = ActionDCA, exchange.SideShort
			sig.Reason = "price above pyramiding trigger"
			return sig
		}
	}
	// Entries only when the side is flat.
	if snapLong == nil || snapLong.ContractsAmount == 0 {
		if d.longEntry(candles, sig.RSI, set) {
			sig.Action, sig.Side = ActionOpenLong, exchange.SideLong
			sig.Reason = "rsi oversold"
			return sig
		}
	}
	if snapShort == nil || snapShort.ContractsAmount == 0 {
		if d.shortEntry(candles, sig.RSI, set) {
			sig.Action, sig.Side = ActionOpenShort, exchange.SideShort
			sig.Reason = "rsi overbought"
			return sig
		}
	}
	return sig
}

func (d *Decider) longEntry(candles []exchange.Candle, rsi float64, set *settings.Settings) bool {
	if set.Direction == settings.DirectionShort {
		return false
	}
	if set.UseRSIEntry && rsi > set.RSIOversold {
		return false
	}
	if set.UseTrendLogic && d.trend(candles) == TrendDown {
		return false
	}
	return set.UseRSIEntry || set.UseTrendLogic
}

func (d *Decider) shortEntry(candles []exchange.Candle, rsi float64, set *settings.Settings) bool {
	if set.Direction == settings.DirectionLong {
		return false
	}
	if set.UseRSIEntry && rsi < set.RSIOverbought {
		return false
	}
	if set.UseTrendLogic && d.trend(candles) == TrendUp {
		return false
	}
	return set.UseRSIEntry || set.UseTrendLogic
}

// dcaWanted checks the pyramiding trigger against the adverse move from
// the average entry.
func (d *Decider) dcaWanted(snap *position.Position, price, rsi float64, set *settings.Settings) bool {
	if set.PyramidingLimit <= 1 || snap.DCACount >= set.PyramidingLimit {
		return false
	}
	if snap.EntryPrice <= 0 {
		return false
	}
	var adversePct float64
	if snap.Side == exchange.SideLong {
		adversePct = (snap.EntryPrice - price) / snap.EntryPrice * 100
	} else {
		adversePct = (price - snap.EntryPrice) / snap.EntryPrice * 100
	}
	switch set.PyramidingType {
	case settings.ModePrice:
		if snap.Side == exchange.SideLong {
			return price <= snap.EntryPrice-set.PyramidingValue
		}
		return price >= snap.EntryPrice+set.PyramidingValue
	default: // percent
		if adversePct < set.PyramidingValue {
			return false
		}
	}
	if set.UseCheckDCA {
		// Re-entry condition: the same RSI signal that opened the side
		// must still hold before adding to it.
		if snap.Side == exchange.SideLong && rsi > set.RSIOversold {
			return false
		}
		if snap.Side == exchange.SideShort && rsi < set.RSIOverbought {
			return false
		}
	}
	return true
}
