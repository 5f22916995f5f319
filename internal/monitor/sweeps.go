package monitor

import (
	"context"
	"sort"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/orders"
)

// sweepUser runs the 5-minute hygiene passes: cancel algo orders left on
// sides that hold no position, and enforce the per-side order
// cardinality (one SL, three TPs).
func (l *Loop) sweepUser(ctx context.Context, trader exchange.Trader, uid string,
	bySymbol map[string][]*orders.Monitored) {
	live, err := trader.FetchPositions(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Str("okx_uid", uid).Msg("sweep position fetch failed")
		return
	}
	held := map[string]bool{}
	symbols := map[string]bool{}
	for _, p := range live {
		if p.Contracts > 0 {
			held[p.Symbol+":"+p.PosSide] = true
		}
		symbols[p.Symbol] = true
	}
	for symbol := range bySymbol {
		symbols[symbol] = true
	}

	for symbol := range symbols {
		pending, err := trader.PendingAlgoOrders(ctx, symbol, "trigger")
		if err != nil {
			l.logger.Warn().Err(err).Str("symbol", symbol).Msg("pending algo fetch failed")
			continue
		}
		l.cancelOrphanAlgos(ctx, trader, uid, symbol, pending, held)
		l.enforceCardinality(ctx, trader, uid, symbol, pending, bySymbol[symbol])
	}
}

// cancelOrphanAlgos drops algo orders whose side holds nothing. An empty
// cancel response is a normal success.
func (l *Loop) cancelOrphanAlgos(ctx context.Context, trader exchange.Trader, uid, symbol string,
	pending []exchange.AlgoOrder, held map[string]bool) {
	var orphans []exchange.AlgoCancel
	for _, a := range pending {
		if !held[a.Symbol+":"+a.PosSide] {
			orphans = append(orphans, exchange.AlgoCancel{AlgoID: a.AlgoID, Symbol: a.Symbol})
		}
	}
	if len(orphans) == 0 {
		return
	}
	if err := trader.CancelAlgos(ctx, orphans); err != nil {
		l.logger.Warn().Err(err).Str("symbol", symbol).Int("count", len(orphans)).
			Msg("orphan algo cancel failed")
		return
	}
	l.logger.Info().Str("okx_uid", uid).Str("symbol", symbol).Int("count", len(orphans)).
		Msg("orphan algo orders cancelled")
}

// enforceCardinality keeps at most one SL algo per posSide (newest by
// update time) and at most three tracked TP orders per posSide.
func (l *Loop) enforceCardinality(ctx context.Context, trader exchange.Trader, uid, symbol string,
	pending []exchange.AlgoOrder, tracked []*orders.Monitored) {
	byPosSide := map[string][]exchange.AlgoOrder{}
	for _, a := range pending {
		byPosSide[a.PosSide] = append(byPosSide[a.PosSide], a)
	}
	for posSide, algos := range byPosSide {
		if len(algos) <= 1 {
			continue
		}
		sort.Slice(algos, func(i, j int) bool { return algos[i].UpdatedAt.After(algos[j].UpdatedAt) })
		var extra []exchange.AlgoCancel
		for _, a := range algos[1:] {
			extra = append(extra, exchange.AlgoCancel{AlgoID: a.AlgoID, Symbol: a.Symbol})
		}
		l.logger.Warn().Str("okx_uid", uid).Str("symbol", symbol).Str("side", posSide).
			Int("count", len(algos)).Msg("multiple stop orders on one side, keeping newest")
		if err := trader.CancelAlgos(ctx, extra); err != nil {
			l.logger.Warn().Err(err).Str("symbol", symbol).Msg("duplicate stop cancel failed")
		}
	}

	tpByPosSide := map[string][]*orders.Monitored{}
	for _, row := range tracked {
		if orders.TPLevel(row.OrderName) > 0 && row.Status == orders.StatusOpen {
			tpByPosSide[row.PosSide] = append(tpByPosSide[row.PosSide], row)
		}
	}
	for posSide, tps := range tpByPosSide {
		if len(tps) <= 3 {
			continue
		}
		sort.Slice(tps, func(i, j int) bool { return tps[i].UpdatedAt.After(tps[j].UpdatedAt) })
		l.logger.Warn().Str("okx_uid", uid).Str("symbol", symbol).Str("side", posSide).
			Int("count", len(tps)).Msg("more than three TP orders on one side, trimming oldest")
		for _, row := range tps[3:] {
			if err := trader.CancelOrder(ctx, symbol, row.OrderID); err != nil {
				l.logger.Warn().Err(err).Str("order_id", row.OrderID).Msg("surplus tp cancel failed")
				continue
			}
			if err := l.tracker.UpdateStatus(ctx, row, orders.StatusCanceled, row.FilledContracts); err == nil {
				l.tracker.Archive(ctx, row)
			}
		}
	}
}
