package settings

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
)

const testUID = "646396755365762614"

func TestDefaultSettingsValidate(t *testing.T) {
	def := Default()
	if err := Validate(&def); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}
}

func TestValidateConstraintTable(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"leverage too high", func(s *Settings) { s.Leverage = 200 }},
		{"pyramiding over cap", func(s *Settings) { s.PyramidingLimit = 11 }},
		{"bad direction", func(s *Settings) { s.Direction = "sideways" }},
		{"bad tp option", func(s *Settings) { s.TPOption = "martingale" }},
		{"ratios not 100", func(s *Settings) { s.TP1Ratio = 50 }},
		{"oversold above overbought", func(s *Settings) { s.RSIOversold = 80; s.RSIOverbought = 70 }},
		{"gap mode without tp3", func(s *Settings) {
			s.UseTrailingStop = true
			s.TrailingStopOffsetType = TrailingOffsetTP23Gap
			s.UseTP3 = false
			s.TP1Ratio, s.TP2Ratio = 50, 50
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := Default()
			tc.mutate(&s)
			if err := Validate(&s); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestRatioSumToleratesRounding(t *testing.T) {
	s := Default()
	s.TP1Ratio, s.TP2Ratio, s.TP3Ratio = 33.3, 33.3, 33.4
	if err := Validate(&s); err != nil {
		t.Fatalf("33.3/33.3/33.4 should validate: %v", err)
	}
}

func TestServiceDefaultInitOnFirstAccess(t *testing.T) {
	svc := NewService(store.NewMemory(), zerolog.Nop())
	ctx := context.Background()

	s, err := svc.Get(ctx, testUID)
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	if s.Leverage != Default().Leverage {
		t.Fatalf("first access did not default-init: %+v", s)
	}

	s.Leverage = 20
	if err := svc.Set(ctx, testUID, s); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, _ := svc.Get(ctx, testUID)
	if got.Leverage != 20 {
		t.Fatalf("settings not replaced: leverage=%d", got.Leverage)
	}
}

func TestSetRejectsInvalid(t *testing.T) {
	svc := NewService(store.NewMemory(), zerolog.Nop())
	s := Default()
	s.Leverage = 0
	if err := svc.Set(context.Background(), testUID, s); err == nil {
		t.Fatal("invalid settings accepted")
	}
}

func TestPresetDefaultUniqueness(t *testing.T) {
	m := store.NewMemory()
	ps := NewPresetService(m, zerolog.Nop())
	ctx := context.Background()

	p1, err := ps.Create(ctx, testUID, "conservative", "", false, Default())
	if err != nil {
		t.Fatalf("create p1: %v", err)
	}
	// First preset becomes default regardless.
	if !p1.IsDefault {
		t.Fatal("first preset should be default")
	}

	p2, err := ps.Create(ctx, testUID, "aggressive", "", true, Default())
	if err != nil {
		t.Fatalf("create p2: %v", err)
	}

	presets, _ := ps.List(ctx, testUID)
	defaults := 0
	for _, p := range presets {
		if p.IsDefault {
			defaults++
			if p.ID != p2.ID {
				t.Fatalf("wrong default: %s", p.ID)
			}
		}
	}
	if defaults != 1 {
		t.Fatalf("defaults = %d, want exactly 1", defaults)
	}
}

func TestPresetDeleteGuardedWhileBound(t *testing.T) {
	m := store.NewMemory()
	ps := NewPresetService(m, zerolog.Nop())
	ctx := context.Background()

	p, err := ps.Create(ctx, testUID, "scalp", "", true, Default())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ps.BindSymbol(ctx, testUID, "BTC-USDT-SWAP", p.ID); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if err := ps.Delete(ctx, testUID, p.ID); err != ErrPresetInUse {
		t.Fatalf("delete while bound = %v, want ErrPresetInUse", err)
	}

	// Unbind, then delete succeeds.
	m.Del(ctx, store.SymbolPresetKey(testUID, "BTC-USDT-SWAP"))
	if err := ps.Delete(ctx, testUID, p.ID); err != nil {
		t.Fatalf("delete after unbind: %v", err)
	}
	if _, err := ps.Get(ctx, testUID, p.ID); err != ErrPresetNotFound {
		t.Fatalf("deleted preset still readable: %v", err)
	}
}

func TestPresetUpdateFiresReloadPerBoundSymbol(t *testing.T) {
	m := store.NewMemory()
	ps := NewPresetService(m, zerolog.Nop())
	ctx := context.Background()

	p, _ := ps.Create(ctx, testUID, "swing", "", true, Default())
	other, _ := ps.Create(ctx, testUID, "other", "", false, Default())
	ps.BindSymbol(ctx, testUID, "BTC-USDT-SWAP", p.ID)
	ps.BindSymbol(ctx, testUID, "ETH-USDT-SWAP", p.ID)
	ps.BindSymbol(ctx, testUID, "SOL-USDT-SWAP", other.ID)

	subBTC, _ := m.Subscribe(ctx, store.PresetUpdateChannel(testUID, "BTC-USDT-SWAP"))
	subETH, _ := m.Subscribe(ctx, store.PresetUpdateChannel(testUID, "ETH-USDT-SWAP"))
	subSOL, _ := m.Subscribe(ctx, store.PresetUpdateChannel(testUID, "SOL-USDT-SWAP"))
	defer subBTC.Close()
	defer subETH.Close()
	defer subSOL.Close()

	if _, err := ps.Update(ctx, testUID, p.ID, "", "", Default()); err != nil {
		t.Fatalf("update: %v", err)
	}

	expectReload := func(sub store.Subscription, name string) {
		select {
		case msg := <-sub.Channel():
			if msg.Payload != "reload" {
				t.Fatalf("%s payload = %q", name, msg.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: no reload message", name)
		}
	}
	expectReload(subBTC, "BTC")
	expectReload(subETH, "ETH")

	select {
	case <-subSOL.Channel():
		t.Fatal("unbound symbol received reload")
	case <-time.After(50 * time.Millisecond):
	}
}
