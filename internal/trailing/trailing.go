// Package trailing implements the trailing-stop handler: watermark
// records armed when a configured TP level fills, ticked by the monitor
// loop, with throttled stop pushes to the exchange and a market close on
// breach.
package trailing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/position"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/settings"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
)

// slPushInterval is the minimum gap between stop-order updates on the
// exchange, however often the watermark moves locally.
const slPushInterval = time.Hour

// Record is the per-(uid, symbol, side) trailing state. It lives in its
// own key, independent of the position row, with a 7-day safety TTL.
type Record struct {
	UID    string
	Symbol string
	Side   string

	Active     bool
	EntryPrice float64
	Contracts  float64
	Offset     float64 // absolute price distance
	Watermark  float64 // highest seen (long) or lowest seen (short)
	StopPrice  float64
	SLOrderID  string
	Leverage   int

	ActivatedAt time.Time
	UpdatedAt   time.Time
	SLPushedAt  time.Time
}

func (r *Record) fields() map[string]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	m := map[string]string{
		"active":              strconv.FormatBool(r.Active),
		"entry_price":         f(r.EntryPrice),
		"contracts_amount":    f(r.Contracts),
		"trailing_offset":     f(r.Offset),
		"trailing_stop_price": f(r.StopPrice),
		"sl_order_id":         r.SLOrderID,
		"leverage":            strconv.Itoa(r.Leverage),
		"activated_at":        r.ActivatedAt.UTC().Format(time.RFC3339),
		"updated_at":          r.UpdatedAt.UTC().Format(time.RFC3339),
		"sl_pushed_at":        r.SLPushedAt.UTC().Format(time.RFC3339),
	}
	if r.Side == exchange.SideLong {
		m["highest_price"] = f(r.Watermark)
	} else {
		m["lowest_price"] = f(r.Watermark)
	}
	return m
}

func recordFromFields(uid, symbol, side string, m map[string]string) *Record {
	pf := func(k string) float64 {
		v, _ := strconv.ParseFloat(m[k], 64)
		return v
	}
	r := &Record{
		UID: uid, Symbol: symbol, Side: side,
		Active:     m["active"] == "true",
		EntryPrice: pf("entry_price"),
		Contracts:  pf("contracts_amount"),
		Offset:     pf("trailing_offset"),
		StopPrice:  pf("trailing_stop_price"),
		SLOrderID:  m["sl_order_id"],
	}
	r.Leverage, _ = strconv.Atoi(m["leverage"])
	if side == exchange.SideLong {
		r.Watermark = pf("highest_price")
	} else {
		r.Watermark = pf("lowest_price")
	}
	for k, dst := range map[string]*time.Time{
		"activated_at": &r.ActivatedAt, "updated_at": &r.UpdatedAt, "sl_pushed_at": &r.SLPushedAt,
	} {
		if t, err := time.Parse(time.RFC3339, m[k]); err == nil {
			*dst = t
		}
	}
	return r
}

// TickResult reports what one Tick did.
type TickResult struct {
	Triggered bool
	Closed    bool    // a live position was market-closed
	StopPrice float64 // the stop at trigger time, for the execution log
	Moved     bool    // watermark advanced this tick
	SLPushed  bool    // a fresh stop order went to the exchange
}

// Handler owns the trailing records.
type Handler struct {
	store     store.Store
	positions *position.Repository
	logger    zerolog.Logger
	now       func() time.Time
}

func NewHandler(s store.Store, pos *position.Repository, logger zerolog.Logger) *Handler {
	return &Handler{store: s, positions: pos, logger: logger, now: time.Now}
}

// Activate arms trailing for a side at the current price, computing the
// offset per settings, and flips the position's trailing flag.
func (h *Handler) Activate(ctx context.Context, snap *position.Position, set *settings.Settings,
	currentPrice float64) (*Record, error) {
	if currentPrice <= 0 {
		return nil, fmt.Errorf("trailing: invalid activation price %v", currentPrice)
	}
	offset := h.computeOffset(snap, set, currentPrice)
	if offset <= 0 {
		return nil, fmt.Errorf("trailing: computed offset %v for %s/%s", offset, snap.Symbol, snap.Side)
	}
	now := h.now().UTC()
	rec := &Record{
		UID: snap.UID, Symbol: snap.Symbol, Side: snap.Side,
		Active:     true,
		EntryPrice: snap.EntryPrice,
		Contracts:  snap.ContractsAmount,
		Offset:     offset,
		Watermark:  currentPrice,
		Leverage:   snap.Leverage,
		ActivatedAt: now,
		UpdatedAt:   now,
	}
	if snap.Side == exchange.SideLong {
		rec.StopPrice = currentPrice - offset
	} else {
		rec.StopPrice = currentPrice + offset
	}
	if err := h.save(ctx, rec); err != nil {
		return nil, err
	}
	if err := h.positions.SetTrailingActive(ctx, snap.UID, snap.Symbol, snap.Side, true); err != nil {
		return rec, err
	}
	h.logger.Info().Str("okx_uid", snap.UID).Str("symbol", snap.Symbol).Str("side", snap.Side).
		Float64("offset", offset).Float64("stop", rec.StopPrice).Msg("trailing stop armed")
	return rec, nil
}

// computeOffset applies the configured offset mode. The TP2-TP3 gap mode
// needs both TP prices; it falls back to the fixed-percent formula when
// the graph does not carry them.
func (h *Handler) computeOffset(snap *position.Position, set *settings.Settings, price float64) float64 {
	if set.TrailingStopOffsetType == settings.TrailingOffsetTP23Gap && len(snap.TPPrices) >= 3 {
		if gap := math.Abs(snap.TPPrices[2] - snap.TPPrices[1]); gap > 0 {
			return gap
		}
	}
	return price * set.TrailingStopOffsetValue / 100
}

// Load returns the record for a side, or nil when none is armed.
func (h *Handler) Load(ctx context.Context, uid, symbol, side string) (*Record, error) {
	m, err := h.store.HGetAll(ctx, store.TrailingKey(uid, symbol, side))
	if err != nil {
		return nil, fmt.Errorf("read trailing %s/%s/%s: %w", uid, symbol, side, err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return recordFromFields(uid, symbol, side, m), nil
}

// Purge drops the record without touching the exchange.
func (h *Handler) Purge(ctx context.Context, uid, symbol, side string) error {
	return h.store.Del(ctx, store.TrailingKey(uid, symbol, side))
}

// Tick evaluates one price observation against the armed record.
// Watermark improvements ratchet the stop; a breach verifies the side
// still holds size and market-closes it reduce-only.
func (h *Handler) Tick(ctx context.Context, trader exchange.Trader, rec *Record,
	currentPrice float64) (*TickResult, error) {
	if rec == nil || !rec.Active {
		return &TickResult{}, nil
	}
	res := &TickResult{}
	long := rec.Side == exchange.SideLong

	improved := (long && currentPrice > rec.Watermark) || (!long && currentPrice < rec.Watermark)
	if improved {
		rec.Watermark = currentPrice
		if long {
			rec.StopPrice = rec.Watermark - rec.Offset
		} else {
			rec.StopPrice = rec.Watermark + rec.Offset
		}
		rec.UpdatedAt = h.now().UTC()
		res.Moved = true
		if h.now().Sub(rec.SLPushedAt) >= slPushInterval {
			if err := h.pushStop(ctx, trader, rec); err != nil {
				h.logger.Warn().Err(err).Str("symbol", rec.Symbol).Msg("trailing stop push failed")
			} else {
				res.SLPushed = true
			}
		}
		if err := h.save(ctx, rec); err != nil {
			return res, err
		}
		return res, nil
	}

	breached := (long && currentPrice <= rec.StopPrice) || (!long && currentPrice >= rec.StopPrice)
	if !breached {
		return res, nil
	}
	res.Triggered = true
	res.StopPrice = rec.StopPrice

	closed, err := h.closeSide(ctx, trader, rec)
	if err != nil {
		return res, err
	}
	res.Closed = closed
	if err := h.Purge(ctx, rec.UID, rec.Symbol, rec.Side); err != nil {
		return res, err
	}
	h.logger.Info().Str("okx_uid", rec.UID).Str("symbol", rec.Symbol).Str("side", rec.Side).
		Float64("trailing_stop_price", rec.StopPrice).Bool("position_closed", closed).
		Msg("trailing stop executed")
	return res, nil
}

// pushStop replaces the exchange stop order at the new trailing price.
func (h *Handler) pushStop(ctx context.Context, trader exchange.Trader, rec *Record) error {
	if rec.SLOrderID != "" {
		err := trader.CancelAlgos(ctx, []exchange.AlgoCancel{{AlgoID: rec.SLOrderID, Symbol: rec.Symbol}})
		if err != nil && !errors.Is(err, exchange.ErrNotFound) && !errors.Is(err, exchange.ErrAlgoState) {
			return fmt.Errorf("cancel trailing sl %s: %w", rec.SLOrderID, err)
		}
	}
	side := exchange.Sell
	if rec.Side == exchange.SideShort {
		side = exchange.Buy
	}
	result, err := trader.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:     rec.Symbol,
		Side:       side,
		PosSide:    rec.Side,
		Size:       rec.Contracts,
		Type:       exchange.TypeTrigger,
		TriggerPx:  rec.StopPrice,
		ReduceOnly: true,
		Tag:        "trailing_sl",
	})
	if err != nil {
		return fmt.Errorf("place trailing sl: %w", err)
	}
	rec.SLOrderID = result.AlgoID
	if rec.SLOrderID == "" {
		rec.SLOrderID = result.OrderID
	}
	rec.SLPushedAt = h.now().UTC()
	return nil
}

// closeSide market-closes whatever the side still holds. A side that is
// already flat just cleans up.
func (h *Handler) closeSide(ctx context.Context, trader exchange.Trader, rec *Record) (bool, error) {
	live, err := trader.FetchPositions(ctx, rec.Symbol)
	if err != nil {
		return false, fmt.Errorf("verify position before trailing close: %w", err)
	}
	var contracts float64
	for _, p := range live {
		if p.PosSide == rec.Side && p.Contracts > 0 {
			contracts = p.Contracts
			break
		}
	}
	if contracts == 0 {
		return false, nil
	}
	if rec.SLOrderID != "" {
		err := trader.CancelAlgos(ctx, []exchange.AlgoCancel{{AlgoID: rec.SLOrderID, Symbol: rec.Symbol}})
		if err != nil && !errors.Is(err, exchange.ErrNotFound) && !errors.Is(err, exchange.ErrAlgoState) {
			h.logger.Warn().Err(err).Str("symbol", rec.Symbol).Msg("trailing sl cancel before close failed")
		}
	}
	side := exchange.Sell
	if rec.Side == exchange.SideShort {
		side = exchange.Buy
	}
	_, err = trader.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:     rec.Symbol,
		Side:       side,
		PosSide:    rec.Side,
		Size:       contracts,
		Type:       exchange.TypeMarket,
		ReduceOnly: true,
		Tag:        "trailing_close",
	})
	if err != nil {
		return false, fmt.Errorf("trailing market close: %w", err)
	}
	return true, nil
}

func (h *Handler) save(ctx context.Context, rec *Record) error {
	key := store.TrailingKey(rec.UID, rec.Symbol, rec.Side)
	err := h.store.Pipeline(ctx, func(p store.Pipe) {
		p.HSet(key, rec.fields())
		p.Expire(key, store.TrailingStopTTL)
	})
	if err != nil {
		return fmt.Errorf("save trailing %s/%s: %w", rec.Symbol, rec.Side, err)
	}
	return nil
}
