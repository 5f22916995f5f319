package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
)

// Service reads and writes per-user settings and the dual-side blob.
type Service struct {
	store  store.Store
	logger zerolog.Logger
}

// NewService builds the settings service.
func NewService(s store.Store, logger zerolog.Logger) *Service {
	return &Service{store: s, logger: logger}
}

// Get returns the user's settings, default-initialising them on first
// access. Reads go through the 30-second settings cache tier when the
// store supports it.
func (svc *Service) Get(ctx context.Context, uid string) (Settings, error) {
	key := store.UserSettingsKey(uid)
	var raw string
	var err error
	if cached, ok := svc.store.(store.CachedReader); ok {
		raw, err = cached.GetCached(ctx, key, store.SettingsCacheTTL, false)
	} else {
		raw, err = svc.store.Get(ctx, key)
	}
	if errors.Is(err, store.ErrNil) {
		def := Default()
		if err := svc.Set(ctx, uid, def); err != nil {
			return def, fmt.Errorf("init default settings for %s: %w", uid, err)
		}
		return def, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read settings for %s: %w", uid, err)
	}
	var s Settings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Settings{}, fmt.Errorf("decode settings for %s: %w", uid, err)
	}
	return s, nil
}

// Set validates and strictly replaces the user's settings.
func (svc *Service) Set(ctx context.Context, uid string, s Settings) error {
	if err := Validate(&s); err != nil {
		return err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings for %s: %w", uid, err)
	}
	if err := svc.store.Set(ctx, store.UserSettingsKey(uid), string(raw), 0); err != nil {
		return fmt.Errorf("write settings for %s: %w", uid, err)
	}
	return nil
}

// Reset restores defaults.
func (svc *Service) Reset(ctx context.Context, uid string) (Settings, error) {
	def := Default()
	if err := svc.Set(ctx, uid, def); err != nil {
		return def, err
	}
	return def, nil
}

// DualSide is the hedge-side configuration stored as its own hash.
type DualSide struct {
	Enabled      bool    `json:"enabled"`
	Trigger      string  `json:"trigger"`
	TriggerValue float64 `json:"trigger_value"`
	Ratio        float64 `json:"ratio"`
	TPValue      float64 `json:"tp_value"`
	UseSL        bool    `json:"use_sl"`
	SLValue      float64 `json:"sl_value"`
}

// GetDualSide reads the dual-side hash, defaulting from the main settings
// when absent.
func (svc *Service) GetDualSide(ctx context.Context, uid string) (DualSide, error) {
	fields, err := svc.store.HGetAll(ctx, store.UserDualSideKey(uid))
	if err != nil {
		return DualSide{}, fmt.Errorf("read dual side for %s: %w", uid, err)
	}
	if len(fields) == 0 {
		main, err := svc.Get(ctx, uid)
		if err != nil {
			return DualSide{}, err
		}
		return DualSide{
			Enabled:      main.UseDualSideEntry,
			Trigger:      main.DualSideTrigger,
			TriggerValue: main.DualSideTriggerValue,
			Ratio:        main.DualSideRatio,
			TPValue:      main.DualSideTPValue,
			UseSL:        main.UseDualSideSL,
			SLValue:      main.DualSideSLValue,
		}, nil
	}
	var d DualSide
	d.Enabled = fields["enabled"] == "true"
	d.Trigger = fields["trigger"]
	d.TriggerValue = parseF(fields["trigger_value"])
	d.Ratio = parseF(fields["ratio"])
	d.TPValue = parseF(fields["tp_value"])
	d.UseSL = fields["use_sl"] == "true"
	d.SLValue = parseF(fields["sl_value"])
	return d, nil
}

// SetDualSide replaces the dual-side hash.
func (svc *Service) SetDualSide(ctx context.Context, uid string, d DualSide) error {
	return svc.store.HSet(ctx, store.UserDualSideKey(uid), map[string]string{
		"enabled":       boolStr(d.Enabled),
		"trigger":       d.Trigger,
		"trigger_value": floatStr(d.TriggerValue),
		"ratio":         floatStr(d.Ratio),
		"tp_value":      floatStr(d.TPValue),
		"use_sl":        boolStr(d.UseSL),
		"sl_value":      floatStr(d.SLValue),
	})
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func floatStr(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
