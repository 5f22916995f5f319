package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
)

// Preset limits.
const (
	maxPresetName        = 50
	maxPresetDescription = 200
)

// ErrPresetInUse is returned when deleting a preset still bound to a
// symbol; the API maps it to 409.
var ErrPresetInUse = errors.New("settings: preset is bound to an active symbol")

// ErrPresetNotFound is returned for unknown preset IDs.
var ErrPresetNotFound = errors.New("settings: preset not found")

// Preset is a named, versioned snapshot of Settings.
type Preset struct {
	ID          string    `json:"preset_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsDefault   bool      `json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Settings    Settings  `json:"settings"`
}

// PresetService manages preset CRUD and reload fan-out.
type PresetService struct {
	store  store.Store
	logger zerolog.Logger
}

// NewPresetService builds the preset service.
func NewPresetService(s store.Store, logger zerolog.Logger) *PresetService {
	return &PresetService{store: s, logger: logger}
}

func newPresetID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Create stores a new preset. When it is the user's first preset, or
// isDefault is requested, the default pointer moves to it.
func (p *PresetService) Create(ctx context.Context, uid, name, description string, isDefault bool, s Settings) (*Preset, error) {
	if name == "" || len(name) > maxPresetName {
		return nil, fmt.Errorf("settings: preset name must be 1-%d characters", maxPresetName)
	}
	if len(description) > maxPresetDescription {
		return nil, fmt.Errorf("settings: preset description exceeds %d characters", maxPresetDescription)
	}
	if err := Validate(&s); err != nil {
		return nil, err
	}

	existing, err := p.store.SMembers(ctx, store.PresetListKey(uid))
	if err != nil {
		return nil, fmt.Errorf("list presets for %s: %w", uid, err)
	}
	if len(existing) == 0 {
		isDefault = true
	}

	now := time.Now().UTC()
	preset := &Preset{
		ID:          newPresetID(),
		Name:        name,
		Description: description,
		IsDefault:   isDefault,
		CreatedAt:   now,
		UpdatedAt:   now,
		Settings:    s,
	}
	raw, err := json.Marshal(preset)
	if err != nil {
		return nil, fmt.Errorf("encode preset: %w", err)
	}

	err = p.store.Pipeline(ctx, func(pipe store.Pipe) {
		pipe.Set(store.PresetKey(uid, preset.ID), string(raw), 0)
		pipe.SAdd(store.PresetListKey(uid), preset.ID)
		if isDefault {
			pipe.Set(store.PresetDefaultKey(uid), preset.ID, 0)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("store preset: %w", err)
	}
	if isDefault {
		if err := p.clearOtherDefaults(ctx, uid, preset.ID); err != nil {
			p.logger.Warn().Err(err).Str("okx_uid", uid).Msg("failed clearing stale default flags")
		}
	}
	return preset, nil
}

// Get loads one preset.
func (p *PresetService) Get(ctx context.Context, uid, presetID string) (*Preset, error) {
	raw, err := p.store.Get(ctx, store.PresetKey(uid, presetID))
	if errors.Is(err, store.ErrNil) {
		return nil, ErrPresetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read preset %s: %w", presetID, err)
	}
	var preset Preset
	if err := json.Unmarshal([]byte(raw), &preset); err != nil {
		return nil, fmt.Errorf("decode preset %s: %w", presetID, err)
	}
	return &preset, nil
}

// List returns all of a user's presets.
func (p *PresetService) List(ctx context.Context, uid string) ([]*Preset, error) {
	ids, err := p.store.SMembers(ctx, store.PresetListKey(uid))
	if err != nil {
		return nil, fmt.Errorf("list presets for %s: %w", uid, err)
	}
	out := make([]*Preset, 0, len(ids))
	for _, id := range ids {
		preset, err := p.Get(ctx, uid, id)
		if err != nil {
			if errors.Is(err, ErrPresetNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, preset)
	}
	return out, nil
}

// Update replaces a preset's payload and fires a reload notification to
// every symbol currently bound to it.
func (p *PresetService) Update(ctx context.Context, uid, presetID, name, description string, s Settings) (*Preset, error) {
	preset, err := p.Get(ctx, uid, presetID)
	if err != nil {
		return nil, err
	}
	if err := Validate(&s); err != nil {
		return nil, err
	}
	if name != "" {
		if len(name) > maxPresetName {
			return nil, fmt.Errorf("settings: preset name exceeds %d characters", maxPresetName)
		}
		preset.Name = name
	}
	if len(description) > maxPresetDescription {
		return nil, fmt.Errorf("settings: preset description exceeds %d characters", maxPresetDescription)
	}
	if description != "" {
		preset.Description = description
	}
	preset.Settings = s
	preset.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(preset)
	if err != nil {
		return nil, fmt.Errorf("encode preset: %w", err)
	}
	if err := p.store.Set(ctx, store.PresetKey(uid, presetID), string(raw), 0); err != nil {
		return nil, fmt.Errorf("write preset %s: %w", presetID, err)
	}

	if err := p.notifyBoundSymbols(ctx, uid, presetID); err != nil {
		p.logger.Warn().Err(err).Str("preset_id", presetID).Msg("preset reload fan-out failed")
	}
	return preset, nil
}

// notifyBoundSymbols publishes one "reload" message per symbol whose
// preset binding matches presetID.
func (p *PresetService) notifyBoundSymbols(ctx context.Context, uid, presetID string) error {
	symbols, err := p.store.SMembers(ctx, store.ActiveSymbolsKey(uid))
	if err != nil {
		return fmt.Errorf("list active symbols for %s: %w", uid, err)
	}
	for _, sym := range symbols {
		bound, err := p.store.Get(ctx, store.SymbolPresetKey(uid, sym))
		if err != nil || bound != presetID {
			continue
		}
		if err := p.store.Publish(ctx, store.PresetUpdateChannel(uid, sym), "reload"); err != nil {
			p.logger.Warn().Err(err).Str("symbol", sym).Msg("reload publish failed")
		}
	}
	return nil
}

// Delete removes a preset unless any symbol still references it.
func (p *PresetService) Delete(ctx context.Context, uid, presetID string) error {
	if _, err := p.Get(ctx, uid, presetID); err != nil {
		return err
	}
	symbols, err := p.store.SMembers(ctx, store.ActiveSymbolsKey(uid))
	if err != nil {
		return fmt.Errorf("list active symbols for %s: %w", uid, err)
	}
	for _, sym := range symbols {
		bound, err := p.store.Get(ctx, store.SymbolPresetKey(uid, sym))
		if err == nil && bound == presetID {
			return ErrPresetInUse
		}
	}

	def, _ := p.store.Get(ctx, store.PresetDefaultKey(uid))
	return p.store.Pipeline(ctx, func(pipe store.Pipe) {
		pipe.Del(store.PresetKey(uid, presetID))
		pipe.SRem(store.PresetListKey(uid), presetID)
		if def == presetID {
			pipe.Del(store.PresetDefaultKey(uid))
		}
	})
}

// SetDefault moves the default pointer to presetID and keeps the
// is_default flags consistent with it.
func (p *PresetService) SetDefault(ctx context.Context, uid, presetID string) error {
	if _, err := p.Get(ctx, uid, presetID); err != nil {
		return err
	}
	if err := p.store.Set(ctx, store.PresetDefaultKey(uid), presetID, 0); err != nil {
		return fmt.Errorf("set default preset: %w", err)
	}
	return p.clearOtherDefaults(ctx, uid, presetID)
}

// clearOtherDefaults rewrites is_default so at most one preset carries it.
func (p *PresetService) clearOtherDefaults(ctx context.Context, uid, keepID string) error {
	presets, err := p.List(ctx, uid)
	if err != nil {
		return err
	}
	for _, preset := range presets {
		want := preset.ID == keepID
		if preset.IsDefault == want {
			continue
		}
		preset.IsDefault = want
		raw, err := json.Marshal(preset)
		if err != nil {
			return fmt.Errorf("encode preset %s: %w", preset.ID, err)
		}
		if err := p.store.Set(ctx, store.PresetKey(uid, preset.ID), string(raw), 0); err != nil {
			return fmt.Errorf("rewrite preset %s: %w", preset.ID, err)
		}
	}
	return nil
}

// BindSymbol records that a symbol trades with the given preset.
func (p *PresetService) BindSymbol(ctx context.Context, uid, symbol, presetID string) error {
	if _, err := p.Get(ctx, uid, presetID); err != nil {
		return err
	}
	return p.store.Pipeline(ctx, func(pipe store.Pipe) {
		pipe.SAdd(store.ActiveSymbolsKey(uid), symbol)
		pipe.Set(store.SymbolPresetKey(uid, symbol), presetID, 0)
	})
}
