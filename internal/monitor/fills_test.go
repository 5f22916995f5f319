package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/events"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/orders"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/position"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/settings"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/tpsl"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/trailing"
)

type closeTrader struct {
	exchange.Trader
	price float64
}

func (tr *closeTrader) FetchPositions(ctx context.Context, symbols ...string) ([]exchange.Position, error) {
	return nil, nil
}

func (tr *closeTrader) Ticker(ctx context.Context, symbol string) (float64, error) {
	return tr.price, nil
}

type closeTraders struct{ tr exchange.Trader }

func (s closeTraders) Acquire(ctx context.Context, uid string) (exchange.Trader, func(), error) {
	return s.tr, func() {}, nil
}

type staticSettings struct{}

func (staticSettings) Get(ctx context.Context, uid string) (settings.Settings, error) {
	return settings.Default(), nil
}

func newCloseLoop(t *testing.T, mem *store.Memory, n Notifier, price float64) *Loop {
	t.Helper()
	nop := zerolog.Nop()
	repo := position.NewRepository(mem, nop)
	tracker := orders.NewTracker(mem, nop)
	engine := tpsl.NewEngine(mem, repo, tracker, nil, nil, nop)
	trail := trailing.NewHandler(mem, repo, nop)
	cfg := DefaultConfig()
	cfg.CooldownTTL = time.Minute
	return NewLoop(cfg, mem, tracker, repo, engine, trail,
		closeTraders{tr: &closeTrader{price: price}}, staticSettings{}, n, nop)
}

// A verified close must arm the re-entry cooldown, fold the trade into the
// stats hash and drop the TP ordering state so the next position on the
// same key notifies from tp1 again.
func TestVerifiedCloseResetsSideState(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	n := &supNotify{}
	l := newCloseLoop(t, mem, n, 110)
	uid, symbol, side := "123456789012", "BTC-USDT-SWAP", exchange.SideLong

	repo := position.NewRepository(mem, zerolog.Nop())
	if err := repo.Create(ctx, &position.Position{
		UID: uid, Symbol: symbol, Side: side,
		EntryPrice: 100, ContractsAmount: 1,
	}); err != nil {
		t.Fatal(err)
	}

	for lvl := 1; lvl <= 3; lvl++ {
		l.queueTPNotify(uid, symbol, side, lvl, &events.Entry{
			UserID: uid, Symbol: symbol, EventType: events.TPExecution(lvl),
		})
	}
	if got := countEvents(n, events.TPExecution(1)); got != 1 {
		t.Fatalf("tp1 notifications = %d, want 1", got)
	}

	l.verifyClosure(ctx, uid, symbol, side, "sl_filled")

	if _, err := mem.Get(ctx, store.CooldownKey(uid, symbol, side)); err != nil {
		t.Fatalf("cooldown not armed after close: %v", err)
	}
	if total, _ := mem.HGet(ctx, store.UserStatsKey(uid), "total_trades"); total != "1" {
		t.Fatalf("total_trades = %q, want 1", total)
	}
	// Entry 100, close 110 on a long is a win.
	if wins, _ := mem.HGet(ctx, store.UserStatsKey(uid), "wins"); wins != "1" {
		t.Fatalf("wins = %q, want 1", wins)
	}
	if countEvents(n, events.TypePositionClosed) != 1 {
		t.Fatal("position-closed notification missing")
	}

	// A fresh position on the same key must get its tp1 notification.
	if err := repo.Create(ctx, &position.Position{
		UID: uid, Symbol: symbol, Side: side,
		EntryPrice: 108, ContractsAmount: 1,
	}); err != nil {
		t.Fatal(err)
	}
	l.queueTPNotify(uid, symbol, side, 1, &events.Entry{
		UserID: uid, Symbol: symbol, EventType: events.TPExecution(1),
	})
	if got := countEvents(n, events.TPExecution(1)); got != 2 {
		t.Fatalf("tp1 notifications after re-entry = %d, want 2", got)
	}
}

// A short closed below entry books a win too.
func TestCloseStatsShortSide(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	n := &supNotify{}
	l := newCloseLoop(t, mem, n, 90)
	uid, symbol, side := "123456789012", "ETH-USDT-SWAP", exchange.SideShort

	repo := position.NewRepository(mem, zerolog.Nop())
	if err := repo.Create(ctx, &position.Position{
		UID: uid, Symbol: symbol, Side: side,
		EntryPrice: 100, ContractsAmount: 2,
	}); err != nil {
		t.Fatal(err)
	}

	if err := l.finalizeClose(ctx, uid, symbol, side, "tp_complete", 90); err != nil {
		t.Fatal(err)
	}
	if wins, _ := mem.HGet(ctx, store.UserStatsKey(uid), "wins"); wins != "1" {
		t.Fatalf("wins = %q, want 1", wins)
	}
	if _, err := mem.Get(ctx, store.CooldownKey(uid, symbol, side)); err != nil {
		t.Fatalf("cooldown not armed: %v", err)
	}
}

func countEvents(n *supNotify, eventType string) int {
	c := 0
	for _, e := range n.entries {
		if e.EventType == eventType {
			c++
		}
	}
	return c
}
