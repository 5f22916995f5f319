package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/events"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/position"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/settings"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/strategy"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/tpsl"
)

// stopPollInterval bounds how long a cycle takes to notice its stop
// signal between bars.
const stopPollInterval = 5 * time.Second

// candleDepth is how many bars the decider sees.
const candleDepth = 100

// contractLot is the sizing step used when the instrument definition is
// unavailable.
const contractLot = 0.01

// runCycle drives the per-(uid, symbol) strategy loop until the context
// ends, the stop signal is set, or a fatal (configuration/auth) error.
func (c *Controller) runCycle(ctx context.Context, uid, symbol, timeframe string) {
	log := c.logger.With().Str("okx_uid", uid).Str("symbol", symbol).
		Str("timeframe", timeframe).Logger()

	interval := parseTimeframe(timeframe)
	if interval == 0 {
		interval = 15 * time.Minute
	}

	var lastBar time.Time
	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.stopRequested(ctx, uid) {
			log.Info().Msg("stop signal observed, cycle exiting")
			return
		}
		if c.now().Sub(lastBar) < interval {
			continue
		}
		lastBar = c.now()

		fatal := c.cycleOnce(ctx, uid, symbol, timeframe, log)
		if fatal != nil {
			_ = c.store.Set(ctx, store.SymbolStatusKey(uid, symbol), StatusError, 0)
			if c.notify != nil {
				_ = c.notify.Enqueue(ctx, &events.Entry{
					Timestamp:    c.now().UTC(),
					UserID:       uid,
					Symbol:       symbol,
					EventType:    events.TypeError,
					Status:       events.StatusFailed,
					Category:     events.CategoryError,
					Content:      "Trading cycle halted",
					ErrorMessage: fatal.Error(),
				})
			}
			log.Error().Err(fatal).Msg("cycle halted on fatal error")
			return
		}
	}
}

// stopRequested checks the cooperative stop flag, uid form first then the
// legacy chat-id twin.
func (c *Controller) stopRequested(ctx context.Context, uid string) bool {
	if v, _ := c.store.Get(ctx, store.UserStopSignalKey(uid)); v == "true" {
		return true
	}
	if chatID, _ := c.resolver.ResolveToChatID(ctx, uid); chatID != "" && chatID != uid {
		if v, _ := c.store.Get(ctx, store.UserStopSignalKey(chatID)); v == "true" {
			return true
		}
	}
	return false
}

// cycleOnce runs one strategy iteration under the cycle lock. A non-nil
// return is fatal to the whole cycle; transient errors are logged and
// swallowed so the next bar retries.
func (c *Controller) cycleOnce(ctx context.Context, uid, symbol, timeframe string, log zerolog.Logger) error {
	lockKey := store.CycleLockKey(uid, symbol, timeframe)
	ok, err := c.store.SetNX(ctx, lockKey, "1", c.cfg.CycleLockTTL)
	if err != nil {
		log.Warn().Err(err).Msg("cycle lock unavailable, skipping bar")
		return nil
	}
	if !ok {
		log.Debug().Msg("cycle already in flight, skipping bar")
		return nil
	}
	defer c.store.Del(context.WithoutCancel(ctx), lockKey)

	_ = c.store.Set(ctx, store.TaskRunningKey(uid), "1", c.cfg.CycleLockTTL)
	defer c.store.Del(context.WithoutCancel(ctx), store.TaskRunningKey(uid))

	trader, release, err := c.traders.Acquire(ctx, uid)
	if err != nil {
		if errors.Is(err, exchange.ErrAuth) || errors.Is(err, exchange.ErrNoCredentials) {
			return err
		}
		log.Warn().Err(err).Msg("client acquire failed, retrying next bar")
		return nil
	}
	defer release()

	set, err := c.settings.Get(ctx, uid)
	if err != nil {
		log.Warn().Err(err).Msg("settings read failed, retrying next bar")
		return nil
	}

	price, err := trader.Ticker(ctx, symbol)
	if err != nil {
		if errors.Is(err, exchange.ErrAuth) {
			return err
		}
		log.Warn().Err(err).Msg("ticker failed, retrying next bar")
		return nil
	}
	candles, err := trader.Candles(ctx, symbol, timeframe, candleDepth)
	if err != nil {
		log.Warn().Err(err).Msg("candles failed, retrying next bar")
		return nil
	}

	snapLong, err := c.positions.Fetch(ctx, uid, symbol, exchange.SideLong)
	if err != nil {
		log.Warn().Err(err).Msg("long snapshot read failed")
		return nil
	}
	snapShort, err := c.positions.Fetch(ctx, uid, symbol, exchange.SideShort)
	if err != nil {
		log.Warn().Err(err).Msg("short snapshot read failed")
		return nil
	}

	sig := c.decider.Decide(candles, price, snapLong, snapShort, &set)

	switch sig.Action {
	case strategy.ActionOpenLong, strategy.ActionOpenShort:
		if c.onCooldown(ctx, uid, symbol, sig.Side) {
			log.Debug().Str("side", sig.Side).Msg("entry suppressed by cooldown")
			return nil
		}
		if err := c.openPosition(ctx, trader, uid, symbol, sig, &set, log); err != nil {
			if errors.Is(err, exchange.ErrAuth) {
				return err
			}
			log.Error().Err(err).Str("side", sig.Side).Msg("entry failed")
		}
	case strategy.ActionDCA:
		snap := snapLong
		if sig.Side == exchange.SideShort {
			snap = snapShort
		}
		if err := c.addLayer(ctx, trader, snap, sig, &set, log); err != nil {
			if errors.Is(err, exchange.ErrAuth) {
				return err
			}
			log.Error().Err(err).Str("side", sig.Side).Msg("dca failed")
		}
	}

	c.maybeHedge(ctx, trader, uid, symbol, price, snapLong, snapShort, &set, log)
	return nil
}

func (c *Controller) onCooldown(ctx context.Context, uid, symbol, side string) bool {
	_, err := c.store.Get(ctx, store.CooldownKey(uid, symbol, side))
	return err == nil
}

// entryContracts sizes a first or layered entry from the user's
// investment settings and account equity.
func (c *Controller) entryContracts(ctx context.Context, trader exchange.Trader,
	set *settings.Settings, price float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("sizing: no price")
	}
	notional := set.InvestmentAmount
	if set.InvestmentType == settings.ModePercent {
		bal, err := trader.FetchBalance(ctx)
		if err != nil {
			return 0, fmt.Errorf("sizing: balance: %w", err)
		}
		notional = bal.Available * set.InvestmentAmount / 100
	}
	leverage := set.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	qty := notional * float64(leverage) / price
	contracts := math.Floor(qty/contractLot) * contractLot
	if contracts <= 0 {
		return 0, fmt.Errorf("sizing: %f USDT at %f rounds to zero contracts", notional, price)
	}
	return contracts, nil
}

func (c *Controller) openPosition(ctx context.Context, trader exchange.Trader,
	uid, symbol string, sig strategy.Signal, set *settings.Settings, log zerolog.Logger) error {
	contracts, err := c.entryContracts(ctx, trader, set, sig.Price)
	if err != nil {
		return err
	}
	orderSide := exchange.Buy
	if sig.Side == exchange.SideShort {
		orderSide = exchange.Sell
	}
	if _, err := trader.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:   symbol,
		Side:     orderSide,
		PosSide:  sig.Side,
		Size:     contracts,
		Type:     exchange.TypeMarket,
		Leverage: set.Leverage,
		Tag:      "entry",
	}); err != nil {
		return fmt.Errorf("entry order: %w", err)
	}

	// The fill-averaged entry comes from the exchange.
	snap, err := c.positions.FetchLive(ctx, trader, uid, symbol, sig.Side)
	if err != nil || snap == nil {
		snap = &position.Position{
			UID: uid, Symbol: symbol, Side: sig.Side,
			EntryPrice: sig.Price, ContractsAmount: contracts,
		}
	}
	snap.PositionQty = contracts
	snap.Leverage = set.Leverage
	snap.DCACount = 1
	snap.MainDirection = sig.Side
	if err := c.positions.Create(ctx, snap); err != nil {
		return err
	}

	if _, err := c.engine.Reconcile(ctx, trader, snap, set, tpsl.Options{
		ATR:          sig.ATR,
		CurrentPrice: sig.Price,
	}); err != nil && !errors.Is(err, tpsl.ErrReconcileBusy) {
		log.Error().Err(err).Msg("tp/sl placement incomplete, monitor will repair")
	}

	if c.notify != nil {
		_ = c.notify.Enqueue(ctx, &events.Entry{
			Timestamp: c.now().UTC(),
			UserID:    uid,
			Symbol:    symbol,
			EventType: events.TypePositionEntry,
			Status:    events.StatusSuccess,
			Category:  events.CategoryEntry,
			Content: fmt.Sprintf("%s entry: %.4f contracts at %.4f (%s)",
				sig.Side, snap.ContractsAmount, snap.EntryPrice, sig.Reason),
		})
	}
	log.Info().Str("side", sig.Side).Float64("contracts", snap.ContractsAmount).
		Float64("entry", snap.EntryPrice).Msg("position opened")
	return nil
}

func (c *Controller) addLayer(ctx context.Context, trader exchange.Trader,
	snap *position.Position, sig strategy.Signal, set *settings.Settings, log zerolog.Logger) error {
	if snap == nil {
		return fmt.Errorf("dca: no position snapshot")
	}
	contracts, err := c.entryContracts(ctx, trader, set, sig.Price)
	if err != nil {
		return err
	}
	orderSide := exchange.Buy
	if snap.Side == exchange.SideShort {
		orderSide = exchange.Sell
	}
	if _, err := trader.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:   snap.Symbol,
		Side:     orderSide,
		PosSide:  snap.Side,
		Size:     contracts,
		Type:     exchange.TypeMarket,
		Leverage: set.Leverage,
		Tag:      "dca",
	}); err != nil {
		return fmt.Errorf("dca order: %w", err)
	}

	fresh, err := c.positions.FetchLive(ctx, trader, snap.UID, snap.Symbol, snap.Side)
	if err == nil && fresh != nil {
		if err := c.positions.IncrementDCA(ctx, snap.UID, snap.Symbol, snap.Side,
			fresh.EntryPrice, fresh.ContractsAmount); err != nil {
			log.Warn().Err(err).Msg("dca counter update failed")
		}
	}

	res, err := c.engine.Reconcile(ctx, trader, snap, set, tpsl.Options{
		IsDCA:        true,
		ATR:          sig.ATR,
		CurrentPrice: sig.Price,
	})
	if err != nil && !errors.Is(err, tpsl.ErrReconcileBusy) {
		log.Error().Err(err).Msg("dca tp/sl replacement incomplete, monitor will repair")
	}
	if res != nil && c.notify != nil {
		// TP orders that filled in the cancel race window fire their one
		// fill notification here.
		for _, level := range res.RaceFills {
			_ = c.notify.Enqueue(ctx, &events.Entry{
				Timestamp: c.now().UTC(),
				UserID:    snap.UID,
				Symbol:    snap.Symbol,
				EventType: events.TPExecution(level),
				Status:    events.StatusSuccess,
				Category:  events.CategoryTP,
				Content:   fmt.Sprintf("TP%d filled during DCA replacement (%s)", level, snap.Side),
			})
		}
		_ = c.notify.Enqueue(ctx, &events.Entry{
			Timestamp: c.now().UTC(),
			UserID:    snap.UID,
			Symbol:    snap.Symbol,
			EventType: events.TypeDCAEntry,
			Status:    events.StatusSuccess,
			Category:  events.CategoryEntry,
			Content:   fmt.Sprintf("DCA layer added: %.4f contracts at %.4f (%s)", contracts, sig.Price, snap.Side),
		})
	}
	log.Info().Str("side", snap.Side).Float64("contracts", contracts).Msg("dca layer added")
	return nil
}

// maybeHedge opens the dual-side position when the main side has moved
// adversely past the configured trigger and the opposite side is flat.
func (c *Controller) maybeHedge(ctx context.Context, trader exchange.Trader,
	uid, symbol string, price float64, snapLong, snapShort *position.Position,
	set *settings.Settings, log zerolog.Logger) {
	if !set.UseDualSideEntry || price <= 0 {
		return
	}
	var main *position.Position
	var hedgeSide string
	switch {
	case snapLong != nil && snapLong.ContractsAmount > 0 && (snapShort == nil || snapShort.ContractsAmount == 0):
		main, hedgeSide = snapLong, exchange.SideShort
	case snapShort != nil && snapShort.ContractsAmount > 0 && (snapLong == nil || snapLong.ContractsAmount == 0):
		main, hedgeSide = snapShort, exchange.SideLong
	default:
		return
	}
	if main.EntryPrice <= 0 || main.IsHedge {
		return
	}

	var adversePct float64
	if main.Side == exchange.SideLong {
		adversePct = (main.EntryPrice - price) / main.EntryPrice * 100
	} else {
		adversePct = (price - main.EntryPrice) / main.EntryPrice * 100
	}
	if adversePct < set.DualSideTriggerValue {
		return
	}

	contracts := math.Floor(main.ContractsAmount*set.DualSideRatio/100/contractLot) * contractLot
	if contracts <= 0 {
		return
	}
	orderSide := exchange.Buy
	if hedgeSide == exchange.SideShort {
		orderSide = exchange.Sell
	}
	if _, err := trader.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:  symbol,
		Side:    orderSide,
		PosSide: hedgeSide,
		Size:    contracts,
		Type:    exchange.TypeMarket,
		Tag:     "hedge",
	}); err != nil {
		log.Error().Err(err).Str("side", hedgeSide).Msg("hedge entry failed")
		return
	}

	snap := &position.Position{
		UID: uid, Symbol: symbol, Side: hedgeSide,
		EntryPrice: price, ContractsAmount: contracts,
		Leverage: set.Leverage, IsHedge: true, DCACount: 1,
		MainDirection: main.Side,
	}
	if err := c.positions.Create(ctx, snap); err != nil {
		log.Error().Err(err).Msg("hedge row write failed")
		return
	}

	hedgeTP, hedgeSL := hedgeTargets(price, hedgeSide, set)
	if _, err := c.engine.Reconcile(ctx, trader, snap, set, tpsl.Options{
		IsHedge:      true,
		CurrentPrice: price,
		HedgeTP:      hedgeTP,
		HedgeSL:      hedgeSL,
	}); err != nil && !errors.Is(err, tpsl.ErrReconcileBusy) {
		log.Error().Err(err).Msg("hedge tp/sl placement incomplete")
	}

	if c.notify != nil {
		_ = c.notify.Enqueue(ctx, &events.Entry{
			Timestamp: c.now().UTC(),
			UserID:    uid,
			Symbol:    symbol,
			EventType: events.TypePositionEntry,
			Status:    events.StatusSuccess,
			Category:  events.CategoryEntry,
			Content: fmt.Sprintf("Hedge %s opened: %.4f contracts at %.4f (main %s %.1f%% adverse)",
				hedgeSide, contracts, price, main.Side, adversePct),
		})
	}
}

// hedgeTargets derives the dual-side TP/SL prices from the hedge entry.
func hedgeTargets(entry float64, hedgeSide string, set *settings.Settings) (tp, sl float64) {
	if hedgeSide == exchange.SideLong {
		tp = entry * (1 + set.DualSideTPValue/100)
		if set.UseDualSideSL {
			sl = entry * (1 - set.DualSideSLValue/100)
		}
		return tp, sl
	}
	tp = entry * (1 - set.DualSideTPValue/100)
	if set.UseDualSideSL {
		sl = entry * (1 + set.DualSideSLValue/100)
	}
	return tp, sl
}
