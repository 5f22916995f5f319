package settings

import (
	"fmt"
	"math"
)

// ValidationError reports the first failed constraint.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("settings: %s %s", e.Field, e.Reason)
}

// rangeRule is one numeric bound in the declarative constraint table.
type rangeRule struct {
	field string
	value func(*Settings) float64
	min   float64
	max   float64
}

// enumRule checks a field against a closed value set.
type enumRule struct {
	field   string
	value   func(*Settings) string
	allowed []string
}

var rangeRules = []rangeRule{
	{"investment_amount", func(s *Settings) float64 { return s.InvestmentAmount }, 0.01, 1_000_000},
	{"leverage", func(s *Settings) float64 { return float64(s.Leverage) }, 1, 125},
	{"rsi_length", func(s *Settings) float64 { return float64(s.RSILength) }, 2, 100},
	{"rsi_oversold", func(s *Settings) float64 { return s.RSIOversold }, 1, 50},
	{"rsi_overbought", func(s *Settings) float64 { return s.RSIOverbought }, 50, 99},
	{"atr_length", func(s *Settings) float64 { return float64(s.ATRLength) }, 2, 100},
	{"tp1_ratio", func(s *Settings) float64 { return s.TP1Ratio }, 0, 100},
	{"tp2_ratio", func(s *Settings) float64 { return s.TP2Ratio }, 0, 100},
	{"tp3_ratio", func(s *Settings) float64 { return s.TP3Ratio }, 0, 100},
	{"tp1_value", func(s *Settings) float64 { return s.TP1Value }, 0, 1_000_000},
	{"tp2_value", func(s *Settings) float64 { return s.TP2Value }, 0, 1_000_000},
	{"tp3_value", func(s *Settings) float64 { return s.TP3Value }, 0, 1_000_000},
	{"sl_value", func(s *Settings) float64 { return s.SLValue }, 0, 1_000_000},
	{"pyramiding_limit", func(s *Settings) float64 { return float64(s.PyramidingLimit) }, 1, MaxPyramiding},
	{"pyramiding_value", func(s *Settings) float64 { return s.PyramidingValue }, 0, 1_000_000},
	{"trailing_stop_offset_value", func(s *Settings) float64 { return s.TrailingStopOffsetValue }, 0, 100},
	{"cooldown_minutes", func(s *Settings) float64 { return float64(s.CooldownMinutes) }, 0, 1440},
	{"dual_side_trigger_value", func(s *Settings) float64 { return s.DualSideTriggerValue }, 0, 1_000_000},
	{"dual_side_ratio", func(s *Settings) float64 { return s.DualSideRatio }, 1, 100},
	{"dual_side_pyramiding_limit", func(s *Settings) float64 { return float64(s.DualSidePyramidLimit) }, 1, MaxPyramiding},
}

var enumRules = []enumRule{
	{"investment_type", func(s *Settings) string { return s.InvestmentType }, []string{ModePercent, ModePrice}},
	{"direction", func(s *Settings) string { return s.Direction }, []string{DirectionBoth, DirectionLong, DirectionShort}},
	{"tp_option", func(s *Settings) string { return s.TPOption }, []string{ModePercent, ModePrice, ModeATR}},
	{"sl_option", func(s *Settings) string { return s.SLOption }, []string{ModePercent, ModePrice, ModeATR}},
	{"pyramiding_type", func(s *Settings) string { return s.PyramidingType }, []string{ModePercent, ModePrice, ModeATR}},
	{"trailing_start_point", func(s *Settings) string { return s.TrailingStartPoint }, []string{TrailingStartTP1, TrailingStartTP2, TrailingStartTP3}},
	{"trailing_stop_offset_type", func(s *Settings) string { return s.TrailingStopOffsetType }, []string{TrailingOffsetFixedPercent, TrailingOffsetTP23Gap}},
	{"dual_side_trigger", func(s *Settings) string { return s.DualSideTrigger }, []string{ModePercent, ModePrice, ModeATR}},
}

// Validate checks every declarative constraint plus the cross-field rules
// that the table cannot express.
func Validate(s *Settings) error {
	for _, r := range rangeRules {
		v := r.value(s)
		if v < r.min || v > r.max {
			return &ValidationError{Field: r.field, Reason: fmt.Sprintf("must be in [%g, %g], got %g", r.min, r.max, v)}
		}
	}
	for _, r := range enumRules {
		v := r.value(s)
		ok := false
		for _, a := range r.allowed {
			if v == a {
				ok = true
				break
			}
		}
		if !ok {
			return &ValidationError{Field: r.field, Reason: fmt.Sprintf("must be one of %v, got %q", r.allowed, v)}
		}
	}

	// Enabled TP ratios must sum to 100%.
	ratios := s.ActiveTPRatios()
	if len(ratios) > 0 {
		sum := 0.0
		for _, r := range ratios {
			sum += r
		}
		if math.Abs(sum-100) > 0.01 {
			return &ValidationError{Field: "tp_ratio", Reason: fmt.Sprintf("enabled TP ratios must sum to 100, got %g", sum)}
		}
	}

	if s.RSIOversold >= s.RSIOverbought {
		return &ValidationError{Field: "rsi_oversold", Reason: "must be below rsi_overbought"}
	}
	if s.UseTrailingStop && s.TrailingStopOffsetType == TrailingOffsetTP23Gap && (!s.UseTP2 || !s.UseTP3) {
		return &ValidationError{Field: "trailing_stop_offset_type", Reason: "tp2_tp3_gap requires TP2 and TP3 enabled"}
	}
	if s.UseSL && s.SLValue <= 0 {
		return &ValidationError{Field: "sl_value", Reason: "must be positive when stop loss is enabled"}
	}
	return nil
}
