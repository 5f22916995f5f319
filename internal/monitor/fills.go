package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/events"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/orders"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/position"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/settings"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
)

// handleTerminal finalises a tracked order. Before the live row is
// archived, one last poll guards against the cancel-vs-fill race: a fill
// that sneaked in behind a local cancel still gets its notification.
func (l *Loop) handleTerminal(ctx context.Context, trader exchange.Trader,
	row *orders.Monitored, p polled, price float64) {
	if p.Status != orders.StatusFilled {
		if last := l.fetchStatus(ctx, trader, row); last.Status == orders.StatusFilled {
			p = last
		}
	}
	if err := l.tracker.UpdateStatus(ctx, row, p.Status, p.Filled); err != nil {
		l.logger.Error().Err(err).Str("order_id", row.OrderID).Msg("terminal status write failed")
		return
	}

	if p.Status == orders.StatusFilled {
		if lvl := orders.TPLevel(row.OrderName); lvl > 0 {
			l.handleTPFill(ctx, trader, row, lvl, p, price)
		} else if row.OrderName == orders.NameSL || row.OrderName == orders.NameBreakEven {
			l.handleSLFill(ctx, row)
		}
	}
	if err := l.tracker.Archive(ctx, row); err != nil {
		l.logger.Warn().Err(err).Str("order_id", row.OrderID).Msg("archive failed")
	}
}

// handleTPFill drives the once-only flag, the ordered notification, the
// break-even pipeline, trailing activation and full-close verification.
func (l *Loop) handleTPFill(ctx context.Context, trader exchange.Trader,
	row *orders.Monitored, level int, p polled, price float64) {
	uid, symbol, side := row.UID, row.Symbol, row.PosSide
	first, err := l.positions.MarkTPFilled(ctx, uid, symbol, side, level)
	if err != nil {
		l.logger.Error().Err(err).Str("symbol", symbol).Int("level", level).Msg("tp flag write failed")
		return
	}
	if !first {
		return
	}

	stale := !p.FillTime.IsZero() && l.now().Sub(p.FillTime) > l.cfg.StaleNotifyAfter
	if stale {
		l.logger.Info().Str("symbol", symbol).Int("level", level).
			Time("fill_time", p.FillTime).Msg("stale fill, notification suppressed")
	} else {
		l.queueTPNotify(uid, symbol, side, level, &events.Entry{
			UserID:    uid,
			Symbol:    symbol,
			EventType: events.TPExecution(level),
			Status:    events.StatusSuccess,
			Category:  events.CategoryTP,
			Content:   fmt.Sprintf("TP%d filled on %s %s at %s contracts", level, symbol, side, trimFloat(p.Filled)),
		})
	}

	set, err := l.settings.Get(ctx, uid)
	if err != nil {
		l.logger.Warn().Err(err).Str("okx_uid", uid).Msg("settings read failed after tp fill")
		return
	}
	snap, err := l.positions.Fetch(ctx, uid, symbol, side)
	if err != nil || snap == nil {
		return
	}

	if breakEvenWanted(&set, level) {
		l.applyBreakEven(ctx, trader, uid, symbol, side, snap)
	}
	if set.UseTrailingStop && level == set.TrailingActivationLevel() && !snap.TrailingStopActive {
		if _, err := l.trailing.Activate(ctx, snap, &set, price); err != nil {
			l.logger.Warn().Err(err).Str("symbol", symbol).Msg("trailing activation failed")
		} else if l.allowNotify("trailing_armed:" + uid + ":" + symbol + ":" + side) {
			l.notify.Enqueue(ctx, &events.Entry{
				UserID: uid, Symbol: symbol,
				EventType: events.TypeTrailingArmed,
				Status:    events.StatusSuccess,
				Category:  events.CategoryTP,
				Content:   fmt.Sprintf("Trailing stop armed on %s %s", symbol, side),
			})
		}
	}
	if lastEnabledTP(&set) == level {
		l.scheduleClosureVerify(ctx, uid, symbol, side, "tp_complete")
	}
}

// applyBreakEven replaces the SL at entry with a 1-minute notification
// de-dup window.
func (l *Loop) applyBreakEven(ctx context.Context, trader exchange.Trader,
	uid, symbol, side string, snap *position.Position) {
	id, err := l.engine.MoveSLToBreakEven(ctx, trader, snap)
	if err != nil {
		l.logger.Warn().Err(err).Str("symbol", symbol).Msg("break-even move failed")
		return
	}
	if id == "" {
		return
	}
	if !l.allowNotify("break_even:" + uid + ":" + symbol + ":" + side) {
		return
	}
	l.notify.Enqueue(ctx, &events.Entry{
		UserID: uid, Symbol: symbol,
		EventType: events.TypeBreakEven,
		Status:    events.StatusSuccess,
		Category:  events.CategorySL,
		Content:   fmt.Sprintf("Stop moved to entry on %s %s", symbol, side),
	})
}

// handleSLFill clears the trailing record and verifies the side closed.
func (l *Loop) handleSLFill(ctx context.Context, row *orders.Monitored) {
	uid, symbol, side := row.UID, row.Symbol, row.PosSide
	if err := l.trailing.Purge(ctx, uid, symbol, side); err != nil {
		l.logger.Warn().Err(err).Str("symbol", symbol).Msg("trailing purge after sl fill failed")
	}
	l.notify.Enqueue(ctx, &events.Entry{
		UserID: uid, Symbol: symbol,
		EventType: events.TypeSLExecution,
		Status:    events.StatusSuccess,
		Category:  events.CategorySL,
		Content:   fmt.Sprintf("Stop loss executed on %s %s", symbol, side),
	})
	l.scheduleClosureVerify(ctx, uid, symbol, side, "sl_filled")
}

// scheduleClosureVerify re-checks the side after a short delay and
// force-closes any residue at market, then clears the side state.
func (l *Loop) scheduleClosureVerify(ctx context.Context, uid, symbol, side, reason string) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error().Interface("panic", r).Msg("closure verification panicked")
			}
		}()
		l.sleep(ctx, l.cfg.ClosureVerifyDelay)
		l.verifyClosure(ctx, uid, symbol, side, reason)
	}()
}

func (l *Loop) verifyClosure(ctx context.Context, uid, symbol, side, reason string) {
	trader, release, err := l.traders.Acquire(ctx, uid)
	if err != nil {
		l.logger.Error().Err(err).Str("okx_uid", uid).Msg("client acquire for closure check failed")
		return
	}
	defer release()

	live, err := trader.FetchPositions(ctx, symbol)
	if err != nil {
		l.logger.Warn().Err(err).Str("symbol", symbol).Msg("closure check position fetch failed")
		return
	}
	var residue float64
	for _, p := range live {
		if p.PosSide == side && p.Contracts > 0 {
			residue = p.Contracts
			break
		}
	}
	if residue > 0 {
		closeSide := exchange.Sell
		if side == exchange.SideShort {
			closeSide = exchange.Buy
		}
		_, err := trader.CreateOrder(ctx, exchange.OrderRequest{
			Symbol:     symbol,
			Side:       closeSide,
			PosSide:    side,
			Size:       residue,
			Type:       exchange.TypeMarket,
			ReduceOnly: true,
			Tag:        "force_close",
		})
		if err != nil {
			l.logger.Error().Err(err).Str("symbol", symbol).Msg("residue force-close failed")
			return
		}
		l.logger.Info().Str("symbol", symbol).Str("side", side).
			Float64("contracts", residue).Str("reason", reason).Msg("residue force-closed")
	}
	closePrice, terr := trader.Ticker(ctx, symbol)
	if terr != nil {
		closePrice = 0
	}
	if err := l.finalizeClose(ctx, uid, symbol, side, reason, closePrice); err != nil {
		l.logger.Error().Err(err).Str("symbol", symbol).Msg("side clear failed")
		return
	}
	l.notify.Enqueue(ctx, &events.Entry{
		UserID: uid, Symbol: symbol,
		EventType: events.TypePositionClosed,
		Status:    events.StatusSuccess,
		Category:  events.CategoryExit,
		Content:   fmt.Sprintf("Position closed on %s %s (%s)", symbol, side, reason),
	})
}

// finalizeClose retires a side: the row is cleared, the re-entry cooldown
// is armed, the trade lands in the stats hash and the TP ordering state is
// dropped so the next position on the same key starts clean.
func (l *Loop) finalizeClose(ctx context.Context, uid, symbol, side, reason string, closePrice float64) error {
	var win bool
	var pnlPct float64
	if snap, err := l.positions.Fetch(ctx, uid, symbol, side); err == nil && snap != nil &&
		snap.EntryPrice > 0 && closePrice > 0 {
		pnlPct = (closePrice - snap.EntryPrice) / snap.EntryPrice * 100
		if side == exchange.SideShort {
			pnlPct = -pnlPct
		}
		win = pnlPct > 0
	}
	if err := l.positions.ClearSide(ctx, uid, symbol, side, reason); err != nil {
		return err
	}
	if l.cfg.CooldownTTL > 0 {
		if err := l.store.Set(ctx, store.CooldownKey(uid, symbol, side), reason, l.cfg.CooldownTTL); err != nil {
			l.logger.Warn().Err(err).Str("symbol", symbol).Msg("cooldown arm failed")
		}
	}
	if err := l.positions.RecordClose(ctx, uid, win, pnlPct); err != nil {
		l.logger.Warn().Err(err).Str("okx_uid", uid).Msg("stats update failed")
	}
	l.resetTPQueue(uid, symbol, side)
	return nil
}

// reconcileMissing enumerates recently-closed orders on the exchange and
// drives synthetic fills for orders that vanished locally but filled
// remotely.
func (l *Loop) reconcileMissing(ctx context.Context, uid, symbol string) {
	trader, release, err := l.traders.Acquire(ctx, uid)
	if err != nil {
		l.logger.Error().Err(err).Str("okx_uid", uid).Msg("client acquire for missing-order check failed")
		return
	}
	defer release()

	since := l.now().Add(-time.Hour)
	hist, err := trader.OrderHistory(ctx, symbol, since)
	if err != nil {
		l.logger.Warn().Err(err).Str("symbol", symbol).Msg("order history fetch failed")
		return
	}
	for i := range hist {
		ord := &hist[i]
		if ord.Status != exchange.StatusFilled {
			continue
		}
		row, err := l.tracker.Get(ctx, uid, symbol, ord.OrderID)
		if err != nil || row == nil || row.Terminal() {
			continue
		}
		l.logger.Info().Str("order_id", ord.OrderID).Str("symbol", symbol).
			Msg("remote fill found for locally open order")
		l.handleTerminal(ctx, trader, row,
			polled{Status: orders.StatusFilled, Filled: ord.FilledSize, FillTime: ord.FillTime}, ord.Price)
	}
}

// tickTrailing advances any armed trailing record for the symbol.
func (l *Loop) tickTrailing(ctx context.Context, trader exchange.Trader, uid, symbol string, price float64) {
	for _, side := range []string{exchange.SideLong, exchange.SideShort} {
		rec, err := l.trailing.Load(ctx, uid, symbol, side)
		if err != nil || rec == nil {
			continue
		}
		res, err := l.trailing.Tick(ctx, trader, rec, price)
		if err != nil {
			l.logger.Warn().Err(err).Str("symbol", symbol).Msg("trailing tick failed")
			continue
		}
		if !res.Triggered {
			continue
		}
		if l.allowNotify("trailing_exec:" + uid + ":" + symbol + ":" + side) {
			l.notify.Enqueue(ctx, &events.Entry{
				UserID: uid, Symbol: symbol,
				EventType: events.TypeTrailingExecution,
				Status:    events.StatusSuccess,
				Category:  events.CategorySL,
				Content: fmt.Sprintf("Trailing stop executed on %s %s at %s",
					symbol, side, trimFloat(res.StopPrice)),
			})
		}
		if res.Closed {
			if err := l.finalizeClose(ctx, uid, symbol, side, "trailing_stop", res.StopPrice); err != nil {
				l.logger.Error().Err(err).Str("symbol", symbol).Msg("side clear after trailing failed")
			}
		}
	}
}

// allowNotify enforces the per-event de-dup window.
func (l *Loop) allowNotify(key string) bool {
	now := l.now()
	if last, ok := l.recentNotify[key]; ok && now.Sub(last) < l.cfg.NotifyDedupWindow {
		return false
	}
	l.recentNotify[key] = now
	return true
}

func breakEvenWanted(s *settings.Settings, level int) bool {
	switch level {
	case 1:
		return s.UseBreakEven
	case 2:
		return s.UseBreakEvenTP2
	case 3:
		return s.UseBreakEvenTP3
	}
	return false
}

// lastEnabledTP is the highest level the settings turn on.
func lastEnabledTP(s *settings.Settings) int {
	switch {
	case s.UseTP3:
		return 3
	case s.UseTP2:
		return 2
	case s.UseTP1:
		return 1
	}
	return 0
}

func trimFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}
