package tpsl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/orders"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/position"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/settings"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
)

// ErrReconcileBusy means another reconciliation holds the per-position
// lock; the caller retries on its next tick.
var ErrReconcileBusy = errors.New("tpsl: reconcile already in progress")

// reconcileLockTTL bounds the serialisation lock so a crashed holder
// cannot wedge the side forever.
const reconcileLockTTL = 30 * time.Second

// Options steer one Reconcile call.
type Options struct {
	IsDCA   bool
	IsHedge bool

	ATR          float64
	CurrentPrice float64

	// Hedge-side targets, used only with IsHedge.
	HedgeTP float64
	HedgeSL float64

	// Exchange sizing steps; zero values fall back to 0.01 contracts.
	LotSize float64
	MinSize float64
}

// Result reports what one reconciliation did.
type Result struct {
	TPOrderIDs []string
	SLOrderID  string
	// RaceFills lists TP levels that turned out filled while being
	// cancelled on the DCA path; each fires exactly one fill notification.
	RaceFills []int
}

// Engine owns the TP/SL order graph for every position side.
type Engine struct {
	store     store.Store
	positions *position.Repository
	tracker   *orders.Tracker
	tpPrices  TPPriceFunc
	slPrice   SLPriceFunc
	logger    zerolog.Logger
}

// NewEngine wires the engine. Nil price functions fall back to the
// percent/price/ATR defaults.
func NewEngine(s store.Store, pos *position.Repository, tr *orders.Tracker,
	tpFn TPPriceFunc, slFn SLPriceFunc, logger zerolog.Logger) *Engine {
	if tpFn == nil {
		tpFn = DefaultTPPrices
	}
	if slFn == nil {
		slFn = DefaultSLPrice
	}
	return &Engine{store: s, positions: pos, tracker: tr, tpPrices: tpFn, slPrice: slFn, logger: logger}
}

// Reconcile brings the TP/SL graph in line with the position snapshot.
// Concurrent calls for the same (uid, symbol) are rejected with
// ErrReconcileBusy; the lock key serialises entries across processes too.
func (e *Engine) Reconcile(ctx context.Context, trader exchange.Trader, snap *position.Position,
	set *settings.Settings, opts Options) (*Result, error) {
	lockKey := store.ReconcileLockKey(snap.UID, snap.Symbol)
	ok, err := e.store.SetNX(ctx, lockKey, "1", reconcileLockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire reconcile lock: %w", err)
	}
	if !ok {
		return nil, ErrReconcileBusy
	}
	defer e.store.Del(context.WithoutCancel(ctx), lockKey)

	log := e.logger.With().Str("okx_uid", snap.UID).Str("symbol", snap.Symbol).
		Str("side", snap.Side).Bool("is_dca", opts.IsDCA).Bool("is_hedge", opts.IsHedge).Logger()

	if opts.IsHedge {
		return e.placeHedge(ctx, trader, snap, set, opts, log)
	}

	res := &Result{}
	if opts.IsDCA {
		fills, err := e.cancelExisting(ctx, trader, snap, log)
		if err != nil {
			return nil, err
		}
		res.RaceFills = fills
		if err := e.positions.ClearTPSL(ctx, snap.UID, snap.Symbol, snap.Side); err != nil {
			return nil, err
		}
		// The averaged entry and size come from the exchange, not the
		// possibly stale snapshot.
		fresh, err := e.positions.FetchLive(ctx, trader, snap.UID, snap.Symbol, snap.Side)
		if err != nil {
			return nil, err
		}
		if fresh == nil {
			log.Warn().Msg("position gone during dca reconcile, nothing to place")
			return res, nil
		}
		snap = fresh
	}

	if err := e.placeGraph(ctx, trader, snap, set, opts, res, log); err != nil {
		return res, err
	}
	return res, nil
}

// placeGraph runs the initial-entry placement path.
func (e *Engine) placeGraph(ctx context.Context, trader exchange.Trader, snap *position.Position,
	set *settings.Settings, opts Options, res *Result, log zerolog.Logger) error {
	prices := e.tpPrices(snap.EntryPrice, set, snap.Side, opts.ATR)

	enabled := enabledLevels(set)
	active := enabled
	if limit := set.TrailingActivationLevel(); limit > 0 {
		active = nil
		for _, lvl := range enabled {
			if lvl <= limit {
				active = append(active, lvl)
			}
		}
	}
	ratios := make([]float64, len(active))
	for i, lvl := range active {
		ratios[i] = tpRatio(set, lvl)
	}
	slices := splitSizes(snap.ContractsAmount, active, prices, ratios, opts.LotSize, opts.MinSize)

	graph := position.TPGraph{}
	var placedLevels []int
	placedLast := false
	for _, sl := range slices {
		if placedLast {
			break
		}
		result, err := trader.CreateOrder(ctx, exchange.OrderRequest{
			Symbol:     snap.Symbol,
			Side:       closeSide(snap.Side),
			PosSide:    snap.Side,
			Size:       sl.size,
			Type:       exchange.TypeLimit,
			Price:      sl.price,
			ReduceOnly: true,
			Tag:        orders.TPName(sl.level),
		})
		if err != nil {
			// Record what did go out so the next tick can repair.
			e.writeGraph(ctx, snap, prices, enabled, placedLevels, &graph)
			return fmt.Errorf("place tp%d: %w", sl.level, err)
		}
		graph.Prices = append(graph.Prices, sl.price)
		graph.OrderIDs = append(graph.OrderIDs, result.OrderID)
		graph.Contracts = append(graph.Contracts, sl.size)
		placedLevels = append(placedLevels, sl.level)
		if err := e.tracker.Track(ctx, &orders.Monitored{
			UID: snap.UID, Symbol: snap.Symbol, OrderID: result.OrderID,
			Price: sl.price, PosSide: snap.Side, Contracts: sl.size,
			OrderName: orders.TPName(sl.level), PositionQty: snap.PositionQty,
			IsHedge: snap.IsHedge,
		}); err != nil {
			log.Warn().Err(err).Int("level", sl.level).Msg("tp placed but tracking row failed")
		}
		placedLast = sl.lastTP
	}
	e.writeGraph(ctx, snap, prices, enabled, placedLevels, &graph)
	res.TPOrderIDs = graph.OrderIDs

	if !slWanted(set, snap) {
		return nil
	}
	slPx := e.slPrice(snap.EntryPrice, set, snap.Side, opts.ATR)
	slID, err := e.placeSL(ctx, trader, snap, slPx, snap.ContractsAmount, orders.NameSL)
	if err != nil {
		return err
	}
	res.SLOrderID = slID
	return nil
}

// writeGraph persists the TP columns including inactive tail levels in
// tp_data.
func (e *Engine) writeGraph(ctx context.Context, snap *position.Position,
	prices [3]float64, enabled, placedLevels []int, graph *position.TPGraph) {
	data := make([]position.TPLevel, 0, len(enabled))
	placed := make(map[int]string, len(placedLevels))
	for i, lvl := range placedLevels {
		placed[lvl] = graph.OrderIDs[i]
	}
	for _, lvl := range enabled {
		entry := position.TPLevel{Level: lvl, Price: prices[lvl-1], Status: position.TPInactive}
		if id, ok := placed[lvl]; ok {
			entry.Status = position.TPActive
			entry.OrderID = id
		}
		data = append(data, entry)
	}
	graph.Data = data
	if err := e.positions.SetTPGraph(ctx, snap.UID, snap.Symbol, snap.Side, *graph); err != nil {
		e.logger.Error().Err(err).Str("symbol", snap.Symbol).Msg("tp graph write failed")
	}
}

// placeSL places the algo trigger stop and records it everywhere.
func (e *Engine) placeSL(ctx context.Context, trader exchange.Trader, snap *position.Position,
	price, contracts float64, name string) (string, error) {
	result, err := trader.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:     snap.Symbol,
		Side:       closeSide(snap.Side),
		PosSide:    snap.Side,
		Size:       contracts,
		Type:       exchange.TypeTrigger,
		TriggerPx:  price,
		ReduceOnly: true,
		Tag:        name,
	})
	if err != nil {
		return "", fmt.Errorf("place %s: %w", name, err)
	}
	id := result.AlgoID
	if id == "" {
		id = result.OrderID
	}
	if err := e.positions.SetSL(ctx, snap.UID, snap.Symbol, snap.Side, price, id, contracts); err != nil {
		return id, err
	}
	if err := e.tracker.Track(ctx, &orders.Monitored{
		UID: snap.UID, Symbol: snap.Symbol, OrderID: id,
		Price: price, PosSide: snap.Side, Contracts: contracts,
		OrderName: name, PositionQty: snap.PositionQty,
		IsAlgo: true, IsHedge: snap.IsHedge,
	}); err != nil {
		e.logger.Warn().Err(err).Str("symbol", snap.Symbol).Msg("sl placed but tracking row failed")
	}
	return id, nil
}

// cancelExisting tears down the current graph ahead of a DCA
// re-placement. Each TP cancel is preceded by a just-in-time fetch: an
// order that filled inside the race window is processed as a fill, once,
// instead of a cancel.
func (e *Engine) cancelExisting(ctx context.Context, trader exchange.Trader,
	snap *position.Position, log zerolog.Logger) ([]int, error) {
	var raceFills []int
	for i, oid := range snap.TPOrderIDs {
		if oid == "" {
			continue
		}
		level := i + 1
		if len(snap.TPData) > i && snap.TPData[i].Level > 0 {
			level = snap.TPData[i].Level
		}
		ord, err := trader.FetchOrder(ctx, snap.Symbol, oid, false)
		if err != nil && !errors.Is(err, exchange.ErrNotFound) {
			log.Warn().Err(err).Str("order_id", oid).Msg("pre-cancel fetch failed, cancelling blind")
		}
		if ord != nil && ord.Status == exchange.StatusFilled {
			first, merr := e.positions.MarkTPFilled(ctx, snap.UID, snap.Symbol, snap.Side, level)
			if merr != nil {
				return raceFills, merr
			}
			if first {
				raceFills = append(raceFills, level)
			}
			e.finishTracked(ctx, snap, oid, orders.StatusFilled, ord.FilledSize, log)
			continue
		}
		if err := trader.CancelOrder(ctx, snap.Symbol, oid); err != nil && !errors.Is(err, exchange.ErrNotFound) {
			return raceFills, fmt.Errorf("cancel tp%d %s: %w", level, oid, err)
		}
		e.finishTracked(ctx, snap, oid, orders.StatusCanceled, 0, log)
	}

	if snap.SLOrderID != "" {
		ord, err := trader.FetchOrder(ctx, snap.Symbol, snap.SLOrderID, true)
		if err != nil && !errors.Is(err, exchange.ErrNotFound) {
			log.Warn().Err(err).Str("order_id", snap.SLOrderID).Msg("pre-cancel sl fetch failed, cancelling blind")
		}
		if ord != nil && ord.Status == exchange.StatusFilled {
			e.finishTracked(ctx, snap, snap.SLOrderID, orders.StatusFilled, ord.FilledSize, log)
		} else {
			err := trader.CancelAlgos(ctx, []exchange.AlgoCancel{{AlgoID: snap.SLOrderID, Symbol: snap.Symbol}})
			if err != nil && !errors.Is(err, exchange.ErrNotFound) && !errors.Is(err, exchange.ErrAlgoState) {
				return raceFills, fmt.Errorf("cancel sl %s: %w", snap.SLOrderID, err)
			}
			e.finishTracked(ctx, snap, snap.SLOrderID, orders.StatusCanceled, 0, log)
		}
	}
	return raceFills, nil
}

// finishTracked closes out the monitored row for an order, tolerating
// rows that were never written.
func (e *Engine) finishTracked(ctx context.Context, snap *position.Position,
	orderID, status string, filled float64, log zerolog.Logger) {
	row, err := e.tracker.Get(ctx, snap.UID, snap.Symbol, orderID)
	if err != nil || row == nil {
		return
	}
	if err := e.tracker.UpdateStatus(ctx, row, status, filled); err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("tracked row update failed")
		return
	}
	if err := e.tracker.Archive(ctx, row); err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("tracked row archive failed")
	}
}

// placeHedge puts a single full-size TP on the hedge side, plus an SL
// when dual-side SL is enabled.
func (e *Engine) placeHedge(ctx context.Context, trader exchange.Trader, snap *position.Position,
	set *settings.Settings, opts Options, log zerolog.Logger) (*Result, error) {
	res := &Result{}
	result, err := trader.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:     snap.Symbol,
		Side:       closeSide(snap.Side),
		PosSide:    snap.Side,
		Size:       snap.ContractsAmount,
		Type:       exchange.TypeLimit,
		Price:      opts.HedgeTP,
		ReduceOnly: true,
		Tag:        orders.NameTP1,
	})
	if err != nil {
		return res, fmt.Errorf("place hedge tp: %w", err)
	}
	res.TPOrderIDs = []string{result.OrderID}
	graph := position.TPGraph{
		Prices:    []float64{opts.HedgeTP},
		OrderIDs:  []string{result.OrderID},
		Contracts: []float64{snap.ContractsAmount},
		Data: []position.TPLevel{{
			Level: 1, Price: opts.HedgeTP, Status: position.TPActive, OrderID: result.OrderID,
		}},
	}
	if err := e.positions.SetTPGraph(ctx, snap.UID, snap.Symbol, snap.Side, graph); err != nil {
		return res, err
	}
	if err := e.tracker.Track(ctx, &orders.Monitored{
		UID: snap.UID, Symbol: snap.Symbol, OrderID: result.OrderID,
		Price: opts.HedgeTP, PosSide: snap.Side, Contracts: snap.ContractsAmount,
		OrderName: orders.NameTP1, IsHedge: true,
	}); err != nil {
		log.Warn().Err(err).Msg("hedge tp placed but tracking row failed")
	}

	if set.UseDualSideSL && opts.HedgeSL > 0 {
		slID, err := e.placeSL(ctx, trader, snap, opts.HedgeSL, snap.ContractsAmount, orders.NameSL)
		if err != nil {
			return res, err
		}
		res.SLOrderID = slID
	}
	return res, nil
}

// MoveSLToBreakEven replaces the current SL with one at the entry price.
// Called by the monitor after a TP fill when the matching break-even
// setting is on.
func (e *Engine) MoveSLToBreakEven(ctx context.Context, trader exchange.Trader,
	snap *position.Position) (string, error) {
	if snap.SLOrderID != "" {
		err := trader.CancelAlgos(ctx, []exchange.AlgoCancel{{AlgoID: snap.SLOrderID, Symbol: snap.Symbol}})
		if err != nil && !errors.Is(err, exchange.ErrNotFound) && !errors.Is(err, exchange.ErrAlgoState) {
			return "", fmt.Errorf("cancel sl for break-even: %w", err)
		}
		e.finishTracked(ctx, snap, snap.SLOrderID, orders.StatusCanceled, 0, e.logger)
		if err := e.positions.ClearSL(ctx, snap.UID, snap.Symbol, snap.Side); err != nil {
			return "", err
		}
	}
	contracts := snap.ContractsAmount
	for i := range snap.TPContracts {
		if snap.GetTP(i + 1) {
			contracts -= snap.TPContracts[i]
		}
	}
	if contracts <= 0 {
		return "", nil
	}
	return e.placeSL(ctx, trader, snap, snap.EntryPrice, contracts, orders.NameBreakEven)
}

// enabledLevels lists the TP levels the settings turn on, ascending.
func enabledLevels(s *settings.Settings) []int {
	var out []int
	if s.UseTP1 {
		out = append(out, 1)
	}
	if s.UseTP2 {
		out = append(out, 2)
	}
	if s.UseTP3 {
		out = append(out, 3)
	}
	return out
}

func tpRatio(s *settings.Settings, level int) float64 {
	switch level {
	case 1:
		return s.TP1Ratio
	case 2:
		return s.TP2Ratio
	case 3:
		return s.TP3Ratio
	}
	return 0
}

// closeSide is the order side that reduces the position.
func closeSide(posSide string) string {
	if posSide == exchange.SideLong {
		return exchange.Sell
	}
	return exchange.Buy
}

// slWanted applies the "only on last DCA" rule.
func slWanted(s *settings.Settings, snap *position.Position) bool {
	if !s.UseSL {
		return false
	}
	if s.UseSLOnLast && snap.DCACount+1 < s.PyramidingLimit {
		return false
	}
	return true
}
