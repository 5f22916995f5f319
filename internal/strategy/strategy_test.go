package strategy

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/position"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/settings"
)

func scripted(rsi float64, trend Trend) *Decider {
	return NewDecider(
		func([]exchange.Candle, int) float64 { return rsi },
		func([]exchange.Candle, int) float64 { return 1.5 },
		func([]exchange.Candle) Trend { return trend },
		zerolog.Nop(),
	)
}

func candles(n int) []exchange.Candle {
	out := make([]exchange.Candle, n)
	for i := range out {
		out[i] = exchange.Candle{Open: 100, High: 101, Low: 99, Close: 100}
	}
	return out
}

func TestDecideLongOnOversold(t *testing.T) {
	set := settings.Default()
	d := scripted(25, TrendUp)

	sig := d.Decide(candles(60), 100, nil, nil, &set)
	if sig.Action != ActionOpenLong || sig.Side != exchange.SideLong {
		t.Fatalf("got %s/%s, want open_long/long", sig.Action, sig.Side)
	}
	if sig.RSI != 25 || sig.ATR != 1.5 {
		t.Fatalf("indicator values not carried: rsi=%v atr=%v", sig.RSI, sig.ATR)
	}
}

func TestDecideTrendFilterBlocksLong(t *testing.T) {
	set := settings.Default()
	d := scripted(25, TrendDown)

	if sig := d.Decide(candles(60), 100, nil, nil, &set); sig.Action != ActionNone {
		t.Fatalf("downtrend long not blocked: %s", sig.Action)
	}
}

func TestDecideDirectionFilter(t *testing.T) {
	set := settings.Default()
	set.Direction = settings.DirectionShort
	d := scripted(25, TrendUp)

	if sig := d.Decide(candles(60), 100, nil, nil, &set); sig.Action != ActionNone {
		t.Fatalf("short-only settings opened a long: %s", sig.Action)
	}
}

func TestDecideShortOnOverbought(t *testing.T) {
	set := settings.Default()
	d := scripted(80, TrendDown)

	sig := d.Decide(candles(60), 100, nil, nil, &set)
	if sig.Action != ActionOpenShort || sig.Side != exchange.SideShort {
		t.Fatalf("got %s/%s, want open_short/short", sig.Action, sig.Side)
	}
}

func TestDecideDCAOnAdverseMove(t *testing.T) {
	set := settings.Default()
	set.PyramidingLimit = 3
	set.PyramidingValue = 2.0
	d := scripted(50, TrendFlat)

	snap := &position.Position{Side: exchange.SideLong, EntryPrice: 100,
		ContractsAmount: 10, DCACount: 1}

	// 1% adverse: below the 2% trigger.
	if sig := d.Decide(candles(60), 99, snap, nil, &set); sig.Action != ActionNone {
		t.Fatalf("dca fired below trigger: %s", sig.Action)
	}
	// 2% adverse: trigger met.
	sig := d.Decide(candles(60), 98, snap, nil, &set)
	if sig.Action != ActionDCA || sig.Side != exchange.SideLong {
		t.Fatalf("got %s/%s, want dca/long", sig.Action, sig.Side)
	}
}

func TestDecideDCARespectsLimit(t *testing.T) {
	set := settings.Default()
	set.PyramidingLimit = 2
	set.PyramidingValue = 1.0
	d := scripted(50, TrendFlat)

	snap := &position.Position{Side: exchange.SideLong, EntryPrice: 100,
		ContractsAmount: 10, DCACount: 2}
	if sig := d.Decide(candles(60), 95, snap, nil, &set); sig.Action != ActionNone {
		t.Fatalf("dca fired past the pyramiding limit: %s", sig.Action)
	}
}

func TestDecideDCAConditionCheck(t *testing.T) {
	set := settings.Default()
	set.PyramidingLimit = 3
	set.PyramidingValue = 1.0
	set.UseCheckDCA = true

	snap := &position.Position{Side: exchange.SideLong, EntryPrice: 100,
		ContractsAmount: 10, DCACount: 1}

	// Adverse move met but RSI no longer oversold.
	if sig := scripted(55, TrendFlat).Decide(candles(60), 98, snap, nil, &set); sig.Action != ActionNone {
		t.Fatalf("dca fired without the entry condition: %s", sig.Action)
	}
	if sig := scripted(25, TrendFlat).Decide(candles(60), 98, snap, nil, &set); sig.Action != ActionDCA {
		t.Fatalf("dca blocked with the entry condition held: %s", sig.Action)
	}
}

func TestDefaultRSIShortSeriesNeutral(t *testing.T) {
	if rsi := DefaultRSI(candles(5), 14); rsi != 50 {
		t.Fatalf("short series rsi = %v, want neutral 50", rsi)
	}
}

func TestDefaultRSIAllGains(t *testing.T) {
	cs := make([]exchange.Candle, 20)
	for i := range cs {
		cs[i] = exchange.Candle{Close: 100 + float64(i)}
	}
	if rsi := DefaultRSI(cs, 14); rsi != 100 {
		t.Fatalf("monotonic series rsi = %v, want 100", rsi)
	}
}
