// Package settings holds per-user strategy configuration, its validation
// rules, and named presets with live reload notification.
package settings

// Direction filter values. The UI is Korean; the stored values follow it.
const (
	DirectionBoth  = "롱숏"
	DirectionLong  = "롱"
	DirectionShort = "숏"
)

// Value-interpretation modes shared by TP, SL and pyramiding triggers.
const (
	ModePercent = "percent"
	ModePrice   = "price"
	ModeATR     = "atr"
)

// Trailing-stop offset modes.
const (
	TrailingOffsetFixedPercent = "fixed_percent"
	TrailingOffsetTP23Gap      = "tp2_tp3_gap"
)

// Trailing activation points.
const (
	TrailingStartTP1 = "tp1"
	TrailingStartTP2 = "tp2"
	TrailingStartTP3 = "tp3"
)

// MaxPyramiding is the hard cap on DCA layers.
const MaxPyramiding = 10

// Settings is the full per-user strategy configuration. It is stored as a
// JSON string under user:{uid}:settings and strictly replaced on update.
type Settings struct {
	// Investment sizing.
	InvestmentAmount float64 `json:"investment_amount"`
	InvestmentType   string  `json:"investment_type"` // percent of equity or fixed USDT
	Leverage         int     `json:"leverage"`
	Direction        string  `json:"direction"`

	// Entry signal (RSI + trend).
	RSILength     int     `json:"rsi_length"`
	RSIOversold   float64 `json:"rsi_oversold"`
	RSIOverbought float64 `json:"rsi_overbought"`
	UseTrendLogic bool    `json:"use_trend_logic"`
	UseRSIEntry   bool    `json:"use_rsi_entry"`
	ATRLength     int     `json:"atr_length"`

	// Take profit. Ratios are percentages of the position and must sum
	// to 100; values are interpreted per TPOption.
	TPOption string  `json:"tp_option"`
	TP1Ratio float64 `json:"tp1_ratio"`
	TP2Ratio float64 `json:"tp2_ratio"`
	TP3Ratio float64 `json:"tp3_ratio"`
	TP1Value float64 `json:"tp1_value"`
	TP2Value float64 `json:"tp2_value"`
	TP3Value float64 `json:"tp3_value"`
	UseTP1   bool    `json:"use_tp1"`
	UseTP2   bool    `json:"use_tp2"`
	UseTP3   bool    `json:"use_tp3"`

	// Stop loss.
	UseSL           bool    `json:"use_sl"`
	SLOption        string  `json:"sl_option"`
	SLValue         float64 `json:"sl_value"`
	UseSLOnLast     bool    `json:"use_sl_on_last"` // place SL only on the final DCA layer
	UseSLTimeout    bool    `json:"use_sl_timeout"`
	SLTimeoutMinute int     `json:"sl_timeout_minute"`

	// Break even: move SL to entry after the given TP level fills.
	UseBreakEven    bool `json:"use_break_even"`     // after TP1
	UseBreakEvenTP2 bool `json:"use_break_even_tp2"` // after TP2
	UseBreakEvenTP3 bool `json:"use_break_even_tp3"` // after TP3

	// Pyramiding (DCA).
	PyramidingLimit int     `json:"pyramiding_limit"`
	PyramidingType  string  `json:"pyramiding_type"`
	PyramidingValue float64 `json:"pyramiding_value"`
	UseCheckDCA     bool    `json:"use_check_dca_condition"`

	// Trailing stop.
	UseTrailingStop          bool    `json:"use_trailing_stop"`
	TrailingStartPoint       string  `json:"trailing_start_point"`
	TrailingStopOffsetType   string  `json:"trailing_stop_offset_type"`
	TrailingStopOffsetValue  float64 `json:"trailing_stop_offset_value"`

	// Cooldown after a close before re-entry.
	UseCooldown     bool `json:"use_cooldown"`
	CooldownMinutes int  `json:"cooldown_minutes"`

	// Dual-side (hedge) entries.
	UseDualSideEntry      bool    `json:"use_dual_side_entry"`
	DualSideTrigger       string  `json:"dual_side_trigger"`
	DualSideTriggerValue  float64 `json:"dual_side_trigger_value"`
	DualSideRatio         float64 `json:"dual_side_ratio"`
	DualSideTPValue       float64 `json:"dual_side_tp_value"`
	UseDualSideSL         bool    `json:"use_dual_side_sl"`
	DualSideSLValue       float64 `json:"dual_side_sl_value"`
	DualSidePyramidLimit  int     `json:"dual_side_pyramiding_limit"`
	DualSideAutoRebalance bool    `json:"dual_side_auto_rebalance"`
}

// Default returns the settings a user starts with before any edit.
func Default() Settings {
	return Settings{
		InvestmentAmount: 10,
		InvestmentType:   ModePercent,
		Leverage:         10,
		Direction:        DirectionBoth,

		RSILength:     14,
		RSIOversold:   30,
		RSIOverbought: 70,
		UseTrendLogic: true,
		UseRSIEntry:   true,
		ATRLength:     14,

		TPOption: ModePercent,
		TP1Ratio: 30,
		TP2Ratio: 30,
		TP3Ratio: 40,
		TP1Value: 2.0,
		TP2Value: 3.0,
		TP3Value: 4.0,
		UseTP1:   true,
		UseTP2:   true,
		UseTP3:   true,

		UseSL:    true,
		SLOption: ModePercent,
		SLValue:  5.0,

		UseBreakEven: true,

		PyramidingLimit: 3,
		PyramidingType:  ModePercent,
		PyramidingValue: 2.0,

		TrailingStartPoint:      TrailingStartTP3,
		TrailingStopOffsetType:  TrailingOffsetFixedPercent,
		TrailingStopOffsetValue: 0.5,

		UseCooldown:     true,
		CooldownMinutes: 5,

		DualSideTrigger:      ModePercent,
		DualSideTriggerValue: 3.0,
		DualSideRatio:        50,
		DualSideTPValue:      1.0,
		DualSideSLValue:      3.0,
		DualSidePyramidLimit: 1,
	}
}

// ActiveTPRatios returns the enabled TP levels' ratios in order.
func (s *Settings) ActiveTPRatios() []float64 {
	var out []float64
	if s.UseTP1 {
		out = append(out, s.TP1Ratio)
	}
	if s.UseTP2 {
		out = append(out, s.TP2Ratio)
	}
	if s.UseTP3 {
		out = append(out, s.TP3Ratio)
	}
	return out
}

// TrailingActivationLevel returns the TP level (1..3) whose fill arms the
// trailing stop, or 0 when trailing is disabled.
func (s *Settings) TrailingActivationLevel() int {
	if !s.UseTrailingStop {
		return 0
	}
	switch s.TrailingStartPoint {
	case TrailingStartTP1:
		return 1
	case TrailingStartTP2:
		return 2
	default:
		return 3
	}
}
