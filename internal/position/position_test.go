package position

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
)

func newTestRepo() (*Repository, *store.Memory) {
	mem := store.NewMemory()
	return NewRepository(mem, zerolog.Nop()), mem
}

func TestCreateAndFetchRoundTrip(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()

	in := &Position{
		UID: "646396755365762614", Symbol: "BTC-USDT-SWAP", Side: "long",
		EntryPrice: 100, ContractsAmount: 10, Leverage: 10,
		TPPrices: []float64{102, 103, 104}, TPOrderIDs: []string{"a", "b", "c"},
		TPContracts: []float64{3, 3, 4},
		TPData: []TPLevel{
			{Level: 1, Price: 102, Status: TPActive, OrderID: "a"},
			{Level: 2, Price: 103, Status: TPActive, OrderID: "b"},
			{Level: 3, Price: 104, Status: TPActive, OrderID: "c"},
		},
		MainDirection: "long",
	}
	if err := repo.Create(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}

	out, err := repo.Fetch(ctx, in.UID, in.Symbol, in.Side)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if out == nil {
		t.Fatal("expected row, got nil")
	}
	if out.EntryPrice != 100 || out.ContractsAmount != 10 || out.Leverage != 10 {
		t.Fatalf("numeric fields lost: %+v", out)
	}
	if len(out.TPPrices) != 3 || out.TPPrices[2] != 104 {
		t.Fatalf("tp_prices lost: %v", out.TPPrices)
	}
	if len(out.TPData) != 3 || out.TPData[1].Status != TPActive {
		t.Fatalf("tp_data lost: %+v", out.TPData)
	}
}

func TestFetchMissingReturnsNil(t *testing.T) {
	repo, _ := newTestRepo()
	got, err := repo.Fetch(context.Background(), "u", "BTC-USDT-SWAP", "long")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing row, got %+v", got)
	}
}

func TestMarkTPFilledOnceOnly(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	p := &Position{UID: "u1", Symbol: "ETH-USDT-SWAP", Side: "short",
		TPData: []TPLevel{{Level: 1, Status: TPActive}, {Level: 2, Status: TPActive}}}
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := repo.MarkTPFilled(ctx, "u1", "ETH-USDT-SWAP", "short", 1)
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !first {
		t.Fatal("first mark should report true")
	}
	again, err := repo.MarkTPFilled(ctx, "u1", "ETH-USDT-SWAP", "short", 1)
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if again {
		t.Fatal("duplicate mark should report false")
	}

	out, _ := repo.Fetch(ctx, "u1", "ETH-USDT-SWAP", "short")
	if !out.GetTP1 || out.GetTP2 {
		t.Fatalf("flags wrong: tp1=%v tp2=%v", out.GetTP1, out.GetTP2)
	}
	if out.TPState != 1 {
		t.Fatalf("tp_state = %d, want 1", out.TPState)
	}
	if out.TPData[0].Status != TPFilled {
		t.Fatalf("tp_data not advanced: %+v", out.TPData[0])
	}
}

func TestMarkTPFilledStateMonotonic(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	if err := repo.Create(ctx, &Position{UID: "u1", Symbol: "S", Side: "long"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// TP2 fills first; a late TP1 fill must not roll tp_state back.
	if _, err := repo.MarkTPFilled(ctx, "u1", "S", "long", 2); err != nil {
		t.Fatalf("mark tp2: %v", err)
	}
	if _, err := repo.MarkTPFilled(ctx, "u1", "S", "long", 1); err != nil {
		t.Fatalf("mark tp1: %v", err)
	}
	out, _ := repo.Fetch(ctx, "u1", "S", "long")
	if out.TPState != 2 {
		t.Fatalf("tp_state = %d, want 2 after out-of-order fills", out.TPState)
	}
	if !out.GetTP1 || !out.GetTP2 {
		t.Fatalf("both flags should be set: tp1=%v tp2=%v", out.GetTP1, out.GetTP2)
	}
}

func TestSetSLRefusesLiveOverwrite(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	if err := repo.Create(ctx, &Position{UID: "u1", Symbol: "S", Side: "long"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.SetSL(ctx, "u1", "S", "long", 95, "sl-1", 10); err != nil {
		t.Fatalf("first set: %v", err)
	}
	if err := repo.SetSL(ctx, "u1", "S", "long", 94, "sl-2", 10); err == nil {
		t.Fatal("expected refusal while sl-1 is still recorded")
	}
	if err := repo.ClearSL(ctx, "u1", "S", "long"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := repo.SetSL(ctx, "u1", "S", "long", 94, "sl-2", 10); err != nil {
		t.Fatalf("set after clear: %v", err)
	}
	out, _ := repo.Fetch(ctx, "u1", "S", "long")
	if out.SLOrderID != "sl-2" || out.SLPrice != 94 {
		t.Fatalf("sl not replaced: %+v", out)
	}
}

func TestClearTPSLRemovesDerivedColumns(t *testing.T) {
	repo, mem := newTestRepo()
	ctx := context.Background()
	p := &Position{UID: "u1", Symbol: "S", Side: "long",
		EntryPrice: 100, ContractsAmount: 10,
		SLPrice: 95, SLOrderID: "sl-1", SLContracts: 10,
		TPPrices: []float64{102}, TPOrderIDs: []string{"a"}, TPContracts: []float64{10}}
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.ClearTPSL(ctx, "u1", "S", "long"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	fields, _ := mem.HGetAll(ctx, store.PositionKey("u1", "S", "long"))
	for _, f := range []string{"tp_prices", "tp_order_ids", "tp_contracts_amounts", "tp_data",
		"sl_price", "sl_order_id", "sl_contracts_amount"} {
		if _, ok := fields[f]; ok {
			t.Fatalf("field %s survived ClearTPSL", f)
		}
	}
	if fields["entry_price"] == "" {
		t.Fatal("entry_price must survive")
	}
}

func TestIncrementDCA(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	if err := repo.Create(ctx, &Position{UID: "u1", Symbol: "S", Side: "long",
		EntryPrice: 100, ContractsAmount: 10}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.IncrementDCA(ctx, "u1", "S", "long", 99, 20); err != nil {
		t.Fatalf("dca: %v", err)
	}
	out, _ := repo.Fetch(ctx, "u1", "S", "long")
	if out.DCACount != 1 || out.EntryPrice != 99 || out.ContractsAmount != 20 {
		t.Fatalf("dca row wrong: %+v", out)
	}
}

func TestClearSideDeletesArtefactsAndPublishes(t *testing.T) {
	repo, mem := newTestRepo()
	ctx := context.Background()
	uid, sym, side := "u1", "BTC-USDT-SWAP", "long"
	if err := repo.Create(ctx, &Position{UID: uid, Symbol: sym, Side: side}); err != nil {
		t.Fatalf("create: %v", err)
	}
	mem.Set(ctx, store.TrailingKey(uid, sym, side), "{}", 0)
	mem.Set(ctx, store.CooldownKey(uid, sym, side), "1", time.Minute)
	mem.Set(ctx, store.ReconcileLockKey(uid, sym), "1", time.Minute)

	sub, err := mem.Subscribe(ctx, CloseEventChannel)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := repo.ClearSide(ctx, uid, sym, side, "sl_filled"); err != nil {
		t.Fatalf("clear side: %v", err)
	}

	for _, k := range []string{
		store.PositionKey(uid, sym, side),
		store.TrailingKey(uid, sym, side),
		store.CooldownKey(uid, sym, side),
		store.ReconcileLockKey(uid, sym),
	} {
		if _, err := mem.Get(ctx, k); err != store.ErrNil {
			t.Fatalf("key %s survived ClearSide", k)
		}
	}

	select {
	case msg := <-sub.Channel():
		var evt CloseEvent
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			t.Fatalf("bad event payload: %v", err)
		}
		if evt.UID != uid || evt.Reason != "sl_filled" {
			t.Fatalf("event wrong: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no close event published")
	}
}

func TestFetchLiveMergesExchangeState(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	if err := repo.Create(ctx, &Position{UID: "u1", Symbol: "BTC-USDT-SWAP", Side: "long",
		EntryPrice: 100, ContractsAmount: 10, SLOrderID: "sl-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	tr := &stubTrader{positions: []exchange.Position{
		{Symbol: "BTC-USDT-SWAP", PosSide: "long", Contracts: 7, AvgPrice: 100.5, Leverage: 10},
	}}
	out, err := repo.FetchLive(ctx, tr, "u1", "BTC-USDT-SWAP", "long")
	if err != nil {
		t.Fatalf("fetch live: %v", err)
	}
	if out.ContractsAmount != 7 || out.EntryPrice != 100.5 {
		t.Fatalf("live merge wrong: %+v", out)
	}
	if out.SLOrderID != "sl-1" {
		t.Fatal("stored columns must survive the merge")
	}

	// Side gone on the exchange: nil even though a row is stored.
	tr.positions = nil
	out, err = repo.FetchLive(ctx, tr, "u1", "BTC-USDT-SWAP", "long")
	if err != nil {
		t.Fatalf("fetch live empty: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil for externally closed side, got %+v", out)
	}
}

func TestRecordClose(t *testing.T) {
	repo, mem := newTestRepo()
	ctx := context.Background()
	if err := repo.RecordClose(ctx, "u1", true, 2.5); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := repo.RecordClose(ctx, "u1", false, -1.0); err != nil {
		t.Fatalf("record: %v", err)
	}
	stats, _ := mem.HGetAll(ctx, store.UserStatsKey("u1"))
	if stats["total_trades"] != "2" || stats["wins"] != "1" {
		t.Fatalf("counters wrong: %v", stats)
	}
	if stats["pnl_pct"] != "1.5" {
		t.Fatalf("pnl_pct = %s, want 1.5", stats["pnl_pct"])
	}
	if stats["last_trade_date"] == "" {
		t.Fatal("last_trade_date missing")
	}
}

// stubTrader satisfies exchange.Trader for repository tests; only
// FetchPositions is exercised.
type stubTrader struct {
	exchange.Trader
	positions []exchange.Position
}

func (s *stubTrader) FetchPositions(ctx context.Context, symbols ...string) ([]exchange.Position, error) {
	return s.positions, nil
}
