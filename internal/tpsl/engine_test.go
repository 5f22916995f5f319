package tpsl

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/orders"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/position"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/settings"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
)

// fakeTrader records placements and serves scripted order lookups.
type fakeTrader struct {
	exchange.Trader

	placed    []exchange.OrderRequest
	canceled  []string
	algoCxl   []string
	nextID    int
	failTag   string // CreateOrder with this tag fails
	orderByID map[string]*exchange.Order
	positions []exchange.Position
}

func newFakeTrader() *fakeTrader {
	return &fakeTrader{orderByID: map[string]*exchange.Order{}}
}

func (f *fakeTrader) CreateOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	if f.failTag != "" && req.Tag == f.failTag {
		return nil, errors.New("exchange rejected order")
	}
	f.nextID++
	f.placed = append(f.placed, req)
	id := fmt.Sprintf("ord-%d", f.nextID)
	if req.Type == exchange.TypeTrigger {
		return &exchange.OrderResult{AlgoID: id, Tag: req.Tag}, nil
	}
	return &exchange.OrderResult{OrderID: id, Tag: req.Tag}, nil
}

func (f *fakeTrader) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeTrader) CancelAlgos(ctx context.Context, items []exchange.AlgoCancel) error {
	for _, it := range items {
		f.algoCxl = append(f.algoCxl, it.AlgoID)
	}
	return nil
}

func (f *fakeTrader) FetchOrder(ctx context.Context, symbol, orderID string, isAlgo bool) (*exchange.Order, error) {
	if o, ok := f.orderByID[orderID]; ok {
		return o, nil
	}
	return &exchange.Order{OrderID: orderID, Status: exchange.StatusOpen}, nil
}

func (f *fakeTrader) FetchPositions(ctx context.Context, symbols ...string) ([]exchange.Position, error) {
	return f.positions, nil
}

func newTestEngine() (*Engine, *position.Repository, *orders.Tracker, *store.Memory) {
	mem := store.NewMemory()
	repo := position.NewRepository(mem, zerolog.Nop())
	tracker := orders.NewTracker(mem, zerolog.Nop())
	eng := NewEngine(mem, repo, tracker, nil, nil, zerolog.Nop())
	return eng, repo, tracker, mem
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestReconcileFreshLongPlacesFullGraph(t *testing.T) {
	eng, repo, _, _ := newTestEngine()
	tr := newFakeTrader()
	ctx := context.Background()

	snap := &position.Position{UID: "u1", Symbol: "BTC-USDT-SWAP", Side: "long",
		EntryPrice: 100, ContractsAmount: 10, Leverage: 10}
	if err := repo.Create(ctx, snap); err != nil {
		t.Fatalf("create: %v", err)
	}
	set := settings.Default()

	res, err := eng.Reconcile(ctx, tr, snap, &set, Options{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(res.TPOrderIDs) != 3 {
		t.Fatalf("placed %d TPs, want 3", len(res.TPOrderIDs))
	}
	if res.SLOrderID == "" {
		t.Fatal("sl order missing")
	}

	wantPx := []float64{102, 103, 104}
	wantSz := []float64{3, 3, 4}
	tpReqs := tr.placed[:3]
	for i, req := range tpReqs {
		if !approx(req.Price, wantPx[i]) || !approx(req.Size, wantSz[i]) {
			t.Fatalf("tp%d: price=%v size=%v, want %v/%v", i+1, req.Price, req.Size, wantPx[i], wantSz[i])
		}
		if req.Side != exchange.Sell || !req.ReduceOnly || req.PosSide != "long" {
			t.Fatalf("tp%d not a reduce-only sell on long: %+v", i+1, req)
		}
	}
	slReq := tr.placed[3]
	if slReq.Type != exchange.TypeTrigger || !approx(slReq.TriggerPx, 95) {
		t.Fatalf("sl request wrong: %+v", slReq)
	}

	out, _ := repo.Fetch(ctx, "u1", "BTC-USDT-SWAP", "long")
	if len(out.TPOrderIDs) != 3 || len(out.TPPrices) != 3 || len(out.TPContracts) != 3 {
		t.Fatalf("graph columns incomplete: %+v", out)
	}
	if !approx(out.SLPrice, 95) || out.SLOrderID == "" {
		t.Fatalf("sl columns wrong: price=%v id=%q", out.SLPrice, out.SLOrderID)
	}
	for _, d := range out.TPData {
		if d.Status != position.TPActive || d.OrderID == "" {
			t.Fatalf("tp_data entry not active: %+v", d)
		}
	}
}

func TestReconcileTracksMonitoredRows(t *testing.T) {
	eng, repo, tracker, _ := newTestEngine()
	tr := newFakeTrader()
	ctx := context.Background()
	snap := &position.Position{UID: "u1", Symbol: "S", Side: "long", EntryPrice: 100, ContractsAmount: 10}
	repo.Create(ctx, snap)
	set := settings.Default()

	if _, err := eng.Reconcile(ctx, tr, snap, &set, Options{}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	rows, err := tracker.ListForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("tracked %d rows, want 4 (3 TP + 1 SL)", len(rows))
	}
	names := map[string]bool{}
	for _, r := range rows {
		names[r.OrderName] = true
		if r.OrderName == orders.NameSL && !r.IsAlgo {
			t.Fatal("sl row must be flagged algo")
		}
	}
	for _, n := range []string{"tp1", "tp2", "tp3", "sl"} {
		if !names[n] {
			t.Fatalf("missing tracked row %s", n)
		}
	}
}

func TestReconcileDCAReplacesGraph(t *testing.T) {
	eng, repo, _, _ := newTestEngine()
	tr := newFakeTrader()
	ctx := context.Background()
	set := settings.Default()

	snap := &position.Position{UID: "u1", Symbol: "BTC-USDT-SWAP", Side: "long",
		EntryPrice: 100, ContractsAmount: 10}
	repo.Create(ctx, snap)
	if _, err := eng.Reconcile(ctx, tr, snap, &set, Options{}); err != nil {
		t.Fatalf("initial reconcile: %v", err)
	}

	// The averaged-down position as the exchange now reports it.
	tr.positions = []exchange.Position{{Symbol: "BTC-USDT-SWAP", PosSide: "long", Contracts: 20, AvgPrice: 99}}
	stored, _ := repo.Fetch(ctx, "u1", "BTC-USDT-SWAP", "long")

	res, err := eng.Reconcile(ctx, tr, stored, &set, Options{IsDCA: true})
	if err != nil {
		t.Fatalf("dca reconcile: %v", err)
	}
	if len(tr.canceled) != 3 {
		t.Fatalf("canceled %d regular orders, want 3 TPs", len(tr.canceled))
	}
	if len(tr.algoCxl) != 1 {
		t.Fatalf("canceled %d algo orders, want 1 SL", len(tr.algoCxl))
	}
	if len(res.RaceFills) != 0 {
		t.Fatalf("unexpected race fills: %v", res.RaceFills)
	}

	wantPx := []float64{99 * 1.02, 99 * 1.03, 99 * 1.04}
	wantSz := []float64{6, 6, 8}
	fresh := tr.placed[4:] // first 4 were the initial graph
	if len(fresh) != 4 {
		t.Fatalf("placed %d new orders, want 4", len(fresh))
	}
	for i := 0; i < 3; i++ {
		if !approx(fresh[i].Price, wantPx[i]) || !approx(fresh[i].Size, wantSz[i]) {
			t.Fatalf("new tp%d: price=%v size=%v, want %v/%v", i+1, fresh[i].Price, fresh[i].Size, wantPx[i], wantSz[i])
		}
	}
	if !approx(fresh[3].TriggerPx, 94.05) {
		t.Fatalf("new sl trigger %v, want 94.05", fresh[3].TriggerPx)
	}
}

func TestReconcileDCARaceFillCountsOnce(t *testing.T) {
	eng, repo, _, _ := newTestEngine()
	tr := newFakeTrader()
	ctx := context.Background()
	set := settings.Default()

	snap := &position.Position{UID: "u1", Symbol: "S", Side: "long", EntryPrice: 100, ContractsAmount: 10}
	repo.Create(ctx, snap)
	if _, err := eng.Reconcile(ctx, tr, snap, &set, Options{}); err != nil {
		t.Fatalf("initial reconcile: %v", err)
	}
	stored, _ := repo.Fetch(ctx, "u1", "S", "long")

	// tp2 fills in the race window before its cancel goes out.
	tp2ID := stored.TPOrderIDs[1]
	tr.orderByID[tp2ID] = &exchange.Order{OrderID: tp2ID, Status: exchange.StatusFilled, FilledSize: 3}
	tr.positions = []exchange.Position{{Symbol: "S", PosSide: "long", Contracts: 17, AvgPrice: 99.5}}

	res, err := eng.Reconcile(ctx, tr, stored, &set, Options{IsDCA: true})
	if err != nil {
		t.Fatalf("dca reconcile: %v", err)
	}
	if len(res.RaceFills) != 1 || res.RaceFills[0] != 2 {
		t.Fatalf("race fills = %v, want [2]", res.RaceFills)
	}
	for _, id := range tr.canceled {
		if id == tp2ID {
			t.Fatal("filled tp2 must not receive a cancel")
		}
	}
	out, _ := repo.Fetch(ctx, "u1", "S", "long")
	if !out.GetTP2 {
		t.Fatal("get_tp2 not set after race fill")
	}

	// A second reconcile seeing the same fill must not report it again.
	stored2, _ := repo.Fetch(ctx, "u1", "S", "long")
	stored2.TPOrderIDs = []string{tp2ID}
	stored2.TPData = []position.TPLevel{{Level: 2, OrderID: tp2ID}}
	res2, err := eng.Reconcile(ctx, tr, stored2, &set, Options{IsDCA: true})
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if len(res2.RaceFills) != 0 {
		t.Fatalf("duplicate race fill reported: %v", res2.RaceFills)
	}
}

func TestTrailingActivationCapsActiveTPs(t *testing.T) {
	eng, repo, _, _ := newTestEngine()
	tr := newFakeTrader()
	ctx := context.Background()
	set := settings.Default()
	set.UseTrailingStop = true
	set.TrailingStartPoint = settings.TrailingStartTP2

	snap := &position.Position{UID: "u1", Symbol: "S", Side: "long", EntryPrice: 100, ContractsAmount: 10}
	repo.Create(ctx, snap)

	res, err := eng.Reconcile(ctx, tr, snap, &set, Options{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(res.TPOrderIDs) != 2 {
		t.Fatalf("placed %d TPs, want 2 with activation at tp2", len(res.TPOrderIDs))
	}
	// TP2 is last active, so it absorbs the remainder.
	if !approx(tr.placed[1].Size, 7) {
		t.Fatalf("tp2 size %v, want 7", tr.placed[1].Size)
	}

	out, _ := repo.Fetch(ctx, "u1", "S", "long")
	if len(out.TPData) != 3 {
		t.Fatalf("tp_data should keep all enabled levels, got %d", len(out.TPData))
	}
	if out.TPData[2].Status != position.TPInactive || out.TPData[2].OrderID != "" {
		t.Fatalf("tp3 should be inactive: %+v", out.TPData[2])
	}
}

func TestMinSizePromotionStopsAtLastTP(t *testing.T) {
	eng, repo, _, _ := newTestEngine()
	tr := newFakeTrader()
	ctx := context.Background()
	set := settings.Default()

	snap := &position.Position{UID: "u1", Symbol: "S", Side: "long", EntryPrice: 100, ContractsAmount: 1}
	repo.Create(ctx, snap)

	res, err := eng.Reconcile(ctx, tr, snap, &set, Options{LotSize: 0.1, MinSize: 1})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	// tp1's 0.3-contract slice sits under the 1-contract minimum, so it is
	// promoted to the minimum and becomes the last placed level.
	if len(res.TPOrderIDs) != 1 {
		t.Fatalf("placed %d TPs, want 1", len(res.TPOrderIDs))
	}
	if !approx(tr.placed[0].Size, 1) {
		t.Fatalf("promoted size %v, want 1", tr.placed[0].Size)
	}
}

func TestDustSkipsSilently(t *testing.T) {
	got := splitSizes(10, []int{1, 2, 3}, [3]float64{102, 103, 104}, []float64{1, 1, 98}, 1, 1)
	// 10 * 1% floors to 0 contracts for tp1 and tp2; only tp3 survives.
	if len(got) != 1 || got[0].level != 3 || !approx(got[0].size, 10) {
		t.Fatalf("split = %+v, want single tp3 slice of 10", got)
	}
}

func TestSLOnlyOnLastDCALayer(t *testing.T) {
	eng, repo, _, _ := newTestEngine()
	tr := newFakeTrader()
	ctx := context.Background()
	set := settings.Default()
	set.UseSLOnLast = true
	set.PyramidingLimit = 3

	snap := &position.Position{UID: "u1", Symbol: "S", Side: "long", EntryPrice: 100, ContractsAmount: 10}
	repo.Create(ctx, snap)

	res, err := eng.Reconcile(ctx, tr, snap, &set, Options{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.SLOrderID != "" {
		t.Fatal("sl placed on first layer despite use_sl_on_last")
	}

	snap.DCACount = 2 // next layer is the final one
	res, err = eng.Reconcile(ctx, tr, snap, &set, Options{})
	if err != nil {
		t.Fatalf("reconcile on last layer: %v", err)
	}
	if res.SLOrderID == "" {
		t.Fatal("sl missing on final layer")
	}
}

func TestReconcileBusy(t *testing.T) {
	eng, repo, _, mem := newTestEngine()
	tr := newFakeTrader()
	ctx := context.Background()
	set := settings.Default()
	snap := &position.Position{UID: "u1", Symbol: "S", Side: "long", EntryPrice: 100, ContractsAmount: 10}
	repo.Create(ctx, snap)

	if _, err := mem.SetNX(ctx, store.ReconcileLockKey("u1", "S"), "1", time.Minute); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := eng.Reconcile(ctx, tr, snap, &set, Options{}); !errors.Is(err, ErrReconcileBusy) {
		t.Fatalf("err = %v, want ErrReconcileBusy", err)
	}
	if len(tr.placed) != 0 {
		t.Fatal("orders placed while locked")
	}
}

func TestHedgePlacement(t *testing.T) {
	eng, repo, _, _ := newTestEngine()
	tr := newFakeTrader()
	ctx := context.Background()
	set := settings.Default()
	set.UseDualSideSL = true

	snap := &position.Position{UID: "u1", Symbol: "S", Side: "short",
		EntryPrice: 100, ContractsAmount: 5, IsHedge: true}
	repo.Create(ctx, snap)

	res, err := eng.Reconcile(ctx, tr, snap, &set, Options{IsHedge: true, HedgeTP: 99, HedgeSL: 103})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(res.TPOrderIDs) != 1 || res.SLOrderID == "" {
		t.Fatalf("hedge graph wrong: %+v", res)
	}
	tp := tr.placed[0]
	if tp.Side != exchange.Buy || !approx(tp.Price, 99) || !approx(tp.Size, 5) {
		t.Fatalf("hedge tp wrong: %+v", tp)
	}
	sl := tr.placed[1]
	if sl.Type != exchange.TypeTrigger || !approx(sl.TriggerPx, 103) {
		t.Fatalf("hedge sl wrong: %+v", sl)
	}
}

func TestPartialPlacementFailureKeepsPlacedGraph(t *testing.T) {
	eng, repo, _, _ := newTestEngine()
	tr := newFakeTrader()
	tr.failTag = "tp3"
	ctx := context.Background()
	set := settings.Default()
	snap := &position.Position{UID: "u1", Symbol: "S", Side: "long", EntryPrice: 100, ContractsAmount: 10}
	repo.Create(ctx, snap)

	if _, err := eng.Reconcile(ctx, tr, snap, &set, Options{}); err == nil {
		t.Fatal("expected placement error")
	}
	out, _ := repo.Fetch(ctx, "u1", "S", "long")
	if len(out.TPOrderIDs) != 2 {
		t.Fatalf("partial graph recorded %d orders, want 2", len(out.TPOrderIDs))
	}
	for i, d := range out.TPData {
		want := position.TPActive
		if d.Level == 3 {
			want = position.TPInactive
		}
		if d.Status != want {
			t.Fatalf("tp_data[%d] = %+v, want status %s", i, d, want)
		}
	}
}

func TestMoveSLToBreakEven(t *testing.T) {
	eng, repo, _, _ := newTestEngine()
	tr := newFakeTrader()
	ctx := context.Background()
	set := settings.Default()
	snap := &position.Position{UID: "u1", Symbol: "S", Side: "long", EntryPrice: 100, ContractsAmount: 10}
	repo.Create(ctx, snap)
	if _, err := eng.Reconcile(ctx, tr, snap, &set, Options{}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	stored, _ := repo.Fetch(ctx, "u1", "S", "long")

	// TP1 (3 contracts) filled; break-even covers the remaining 7.
	if _, err := repo.MarkTPFilled(ctx, "u1", "S", "long", 1); err != nil {
		t.Fatalf("mark: %v", err)
	}
	stored.GetTP1 = true

	id, err := eng.MoveSLToBreakEven(ctx, tr, stored)
	if err != nil {
		t.Fatalf("break even: %v", err)
	}
	if id == "" {
		t.Fatal("no break-even order id")
	}
	if len(tr.algoCxl) != 1 || tr.algoCxl[0] != stored.SLOrderID {
		t.Fatalf("old sl not cancelled: %v", tr.algoCxl)
	}
	be := tr.placed[len(tr.placed)-1]
	if !approx(be.TriggerPx, 100) || !approx(be.Size, 7) || be.Tag != orders.NameBreakEven {
		t.Fatalf("break-even order wrong: %+v", be)
	}
	out, _ := repo.Fetch(ctx, "u1", "S", "long")
	if out.SLOrderID != id || !approx(out.SLPrice, 100) {
		t.Fatalf("sl columns not replaced: %+v", out)
	}
}

func TestDefaultPriceFunctions(t *testing.T) {
	set := settings.Default()

	long := DefaultTPPrices(100, &set, exchange.SideLong, 0)
	if !approx(long[0], 102) || !approx(long[1], 103) || !approx(long[2], 104) {
		t.Fatalf("long tp prices = %v", long)
	}
	short := DefaultTPPrices(200, &set, exchange.SideShort, 0)
	if !approx(short[0], 196) || !approx(short[1], 194) || !approx(short[2], 192) {
		t.Fatalf("short tp prices = %v", short)
	}
	if sl := DefaultSLPrice(100, &set, exchange.SideLong, 0); !approx(sl, 95) {
		t.Fatalf("long sl = %v", sl)
	}
	if sl := DefaultSLPrice(200, &set, exchange.SideShort, 0); !approx(sl, 210) {
		t.Fatalf("short sl = %v", sl)
	}

	set.TPOption = settings.ModeATR
	set.TP1Value = 1.5
	atr := DefaultTPPrices(100, &set, exchange.SideLong, 2)
	if !approx(atr[0], 103) {
		t.Fatalf("atr tp1 = %v, want 103", atr[0])
	}
}
