package trailing

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/position"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/settings"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
)

type fakeTrader struct {
	exchange.Trader

	placed    []exchange.OrderRequest
	algoCxl   []string
	positions []exchange.Position
	nextID    int
}

func (f *fakeTrader) CreateOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	f.nextID++
	f.placed = append(f.placed, req)
	if req.Type == exchange.TypeTrigger {
		return &exchange.OrderResult{AlgoID: "algo-" + string(rune('0'+f.nextID))}, nil
	}
	return &exchange.OrderResult{OrderID: "ord-" + string(rune('0'+f.nextID))}, nil
}

func (f *fakeTrader) CancelAlgos(ctx context.Context, items []exchange.AlgoCancel) error {
	for _, it := range items {
		f.algoCxl = append(f.algoCxl, it.AlgoID)
	}
	return nil
}

func (f *fakeTrader) FetchPositions(ctx context.Context, symbols ...string) ([]exchange.Position, error) {
	return f.positions, nil
}

func newTestHandler() (*Handler, *position.Repository, *store.Memory, *time.Time) {
	mem := store.NewMemory()
	repo := position.NewRepository(mem, zerolog.Nop())
	h := NewHandler(mem, repo, zerolog.Nop())
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	return h, repo, mem, &now
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestShortTrailingLifecycle(t *testing.T) {
	h, repo, mem, _ := newTestHandler()
	tr := &fakeTrader{}
	ctx := context.Background()

	snap := &position.Position{UID: "u1", Symbol: "BTC-USDT-SWAP", Side: "short",
		EntryPrice: 200, ContractsAmount: 4, Leverage: 10}
	if err := repo.Create(ctx, snap); err != nil {
		t.Fatalf("create: %v", err)
	}
	set := settings.Default()
	set.UseTrailingStop = true
	set.TrailingStopOffsetType = settings.TrailingOffsetFixedPercent
	set.TrailingStopOffsetValue = 0.5

	rec, err := h.Activate(ctx, snap, &set, 196)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !approx(rec.Offset, 0.98) || !approx(rec.StopPrice, 196.98) {
		t.Fatalf("activation offset=%v stop=%v, want 0.98/196.98", rec.Offset, rec.StopPrice)
	}
	pos, _ := repo.Fetch(ctx, "u1", "BTC-USDT-SWAP", "short")
	if !pos.TrailingStopActive {
		t.Fatal("position trailing flag not set")
	}

	// Price drops: watermark and stop ratchet down.
	res, err := h.Tick(ctx, tr, rec, 195)
	if err != nil {
		t.Fatalf("tick 195: %v", err)
	}
	if !res.Moved || !approx(rec.Watermark, 195) || !approx(rec.StopPrice, 195.98) {
		t.Fatalf("after 195: moved=%v watermark=%v stop=%v", res.Moved, rec.Watermark, rec.StopPrice)
	}

	// Price recovers but stays below the stop: nothing happens.
	res, err = h.Tick(ctx, tr, rec, 195.5)
	if err != nil {
		t.Fatalf("tick 195.5: %v", err)
	}
	if res.Moved || res.Triggered {
		t.Fatalf("195.5 should be a no-op: %+v", res)
	}

	// Price crosses the stop: market close, record purged.
	tr.positions = []exchange.Position{{Symbol: "BTC-USDT-SWAP", PosSide: "short", Contracts: 4}}
	res, err = h.Tick(ctx, tr, rec, 196.99)
	if err != nil {
		t.Fatalf("tick 196.99: %v", err)
	}
	if !res.Triggered || !res.Closed || !approx(res.StopPrice, 195.98) {
		t.Fatalf("trigger result wrong: %+v", res)
	}
	closeReq := tr.placed[len(tr.placed)-1]
	if closeReq.Type != exchange.TypeMarket || !closeReq.ReduceOnly ||
		closeReq.Side != exchange.Buy || !approx(closeReq.Size, 4) {
		t.Fatalf("close order wrong: %+v", closeReq)
	}
	if _, err := mem.Get(ctx, store.TrailingKey("u1", "BTC-USDT-SWAP", "short")); err != store.ErrNil {
		t.Fatal("trailing record survived trigger")
	}
}

func TestLongWatermarkRatchet(t *testing.T) {
	h, repo, _, _ := newTestHandler()
	tr := &fakeTrader{}
	ctx := context.Background()
	snap := &position.Position{UID: "u1", Symbol: "S", Side: "long",
		EntryPrice: 100, ContractsAmount: 10}
	repo.Create(ctx, snap)
	set := settings.Default()
	set.UseTrailingStop = true
	set.TrailingStopOffsetValue = 1.0

	rec, err := h.Activate(ctx, snap, &set, 104)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !approx(rec.StopPrice, 104-1.04) {
		t.Fatalf("initial stop %v", rec.StopPrice)
	}
	if _, err := h.Tick(ctx, tr, rec, 106); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !approx(rec.Watermark, 106) || !approx(rec.StopPrice, 106-1.04) {
		t.Fatalf("ratchet wrong: watermark=%v stop=%v", rec.Watermark, rec.StopPrice)
	}
}

func TestStopPushThrottledToOnePerHour(t *testing.T) {
	h, repo, _, now := newTestHandler()
	tr := &fakeTrader{}
	ctx := context.Background()
	snap := &position.Position{UID: "u1", Symbol: "S", Side: "long",
		EntryPrice: 100, ContractsAmount: 10}
	repo.Create(ctx, snap)
	set := settings.Default()
	set.UseTrailingStop = true

	rec, err := h.Activate(ctx, snap, &set, 104)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}

	// First improvement pushes a stop order (no prior push recorded).
	res, _ := h.Tick(ctx, tr, rec, 105)
	if !res.SLPushed || len(tr.placed) != 1 {
		t.Fatalf("first push missing: %+v placed=%d", res, len(tr.placed))
	}
	firstID := rec.SLOrderID

	// Another improvement 10 minutes later moves the watermark locally but
	// must not touch the exchange.
	*now = now.Add(10 * time.Minute)
	res, _ = h.Tick(ctx, tr, rec, 106)
	if !res.Moved || res.SLPushed || len(tr.placed) != 1 {
		t.Fatalf("throttle violated: %+v placed=%d", res, len(tr.placed))
	}

	// Past the hour the replacement goes out, cancelling the old stop.
	*now = now.Add(time.Hour)
	res, _ = h.Tick(ctx, tr, rec, 107)
	if !res.SLPushed || len(tr.placed) != 2 {
		t.Fatalf("post-hour push missing: %+v placed=%d", res, len(tr.placed))
	}
	if len(tr.algoCxl) != 1 || tr.algoCxl[0] != firstID {
		t.Fatalf("old stop not cancelled: %v", tr.algoCxl)
	}
}

func TestGapOffsetMode(t *testing.T) {
	h, repo, _, _ := newTestHandler()
	ctx := context.Background()
	snap := &position.Position{UID: "u1", Symbol: "S", Side: "long",
		EntryPrice: 100, ContractsAmount: 10,
		TPPrices: []float64{102, 103, 104.5}}
	repo.Create(ctx, snap)
	set := settings.Default()
	set.UseTrailingStop = true
	set.TrailingStopOffsetType = settings.TrailingOffsetTP23Gap

	rec, err := h.Activate(ctx, snap, &set, 104.5)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !approx(rec.Offset, 1.5) {
		t.Fatalf("gap offset %v, want 1.5", rec.Offset)
	}

	// Without a full TP graph the gap mode falls back to fixed percent.
	snap2 := &position.Position{UID: "u1", Symbol: "S2", Side: "long",
		EntryPrice: 100, ContractsAmount: 10}
	repo.Create(ctx, snap2)
	rec2, err := h.Activate(ctx, snap2, &set, 100)
	if err != nil {
		t.Fatalf("activate fallback: %v", err)
	}
	if !approx(rec2.Offset, 100*set.TrailingStopOffsetValue/100) {
		t.Fatalf("fallback offset %v", rec2.Offset)
	}
}

func TestTriggerOnFlatSideJustPurges(t *testing.T) {
	h, repo, mem, _ := newTestHandler()
	tr := &fakeTrader{} // no live positions
	ctx := context.Background()
	snap := &position.Position{UID: "u1", Symbol: "S", Side: "long",
		EntryPrice: 100, ContractsAmount: 10}
	repo.Create(ctx, snap)
	set := settings.Default()
	set.UseTrailingStop = true

	rec, err := h.Activate(ctx, snap, &set, 104)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	res, err := h.Tick(ctx, tr, rec, rec.StopPrice-1)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !res.Triggered || res.Closed {
		t.Fatalf("flat trigger wrong: %+v", res)
	}
	if len(tr.placed) != 0 {
		t.Fatal("no close order should go out for a flat side")
	}
	if _, err := mem.Get(ctx, store.TrailingKey("u1", "S", "long")); err != store.ErrNil {
		t.Fatal("record survived flat trigger")
	}
}

func TestRecordRoundTripAndTTL(t *testing.T) {
	h, repo, mem, _ := newTestHandler()
	ctx := context.Background()
	snap := &position.Position{UID: "u1", Symbol: "S", Side: "short",
		EntryPrice: 200, ContractsAmount: 4, Leverage: 7}
	repo.Create(ctx, snap)
	set := settings.Default()
	set.UseTrailingStop = true
	set.TrailingStopOffsetValue = 0.5

	if _, err := h.Activate(ctx, snap, &set, 196); err != nil {
		t.Fatalf("activate: %v", err)
	}
	rec, err := h.Load(ctx, "u1", "S", "short")
	if err != nil || rec == nil {
		t.Fatalf("load: %v %v", rec, err)
	}
	if !rec.Active || !approx(rec.Watermark, 196) || rec.Leverage != 7 {
		t.Fatalf("round trip lost fields: %+v", rec)
	}
	ttl, err := mem.TTL(ctx, store.TrailingKey("u1", "S", "short"))
	if err != nil || ttl <= 0 || ttl > store.TrailingStopTTL {
		t.Fatalf("ttl = %v (%v)", ttl, err)
	}

	missing, err := h.Load(ctx, "u1", "S", "long")
	if err != nil || missing != nil {
		t.Fatalf("missing record should be nil: %v %v", missing, err)
	}
}
