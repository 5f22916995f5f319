package position

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
)

// CloseEvent is published when a side is cleared.
type CloseEvent struct {
	UID    string    `json:"okx_uid"`
	Symbol string    `json:"symbol"`
	Side   string    `json:"side"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// CloseEventChannel carries CloseEvent JSON for listeners (dispatcher,
// API streams).
const CloseEventChannel = "position:events:close"

// Repository persists position rows in the state store.
type Repository struct {
	store  store.Store
	logger zerolog.Logger
}

// NewRepository builds the position repository.
func NewRepository(s store.Store, logger zerolog.Logger) *Repository {
	return &Repository{store: s, logger: logger}
}

// Fetch returns the stored position, or nil when the side has no row.
func (r *Repository) Fetch(ctx context.Context, uid, symbol, side string) (*Position, error) {
	fields, err := r.store.HGetAll(ctx, store.PositionKey(uid, symbol, side))
	if err != nil {
		return nil, fmt.Errorf("read position %s/%s/%s: %w", uid, symbol, side, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fromFields(uid, symbol, side, fields), nil
}

// FetchLive merges the stored row with the live exchange position:
// quantity, average price and update times come from the exchange. A nil
// result with a stored row means the exchange no longer holds the side
// (silent replacement or external close).
func (r *Repository) FetchLive(ctx context.Context, trader exchange.Trader, uid, symbol, side string) (*Position, error) {
	stored, err := r.Fetch(ctx, uid, symbol, side)
	if err != nil {
		return nil, err
	}
	live, err := trader.FetchPositions(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch live position %s/%s: %w", symbol, side, err)
	}
	for i := range live {
		lp := &live[i]
		if lp.PosSide != side || lp.Contracts == 0 {
			continue
		}
		if stored == nil {
			stored = &Position{UID: uid, Symbol: symbol, Side: side}
		}
		stored.ContractsAmount = lp.Contracts
		stored.EntryPrice = lp.AvgPrice
		if lp.Leverage > 0 {
			stored.Leverage = lp.Leverage
		}
		stored.CreatedAt = lp.CreatedAt
		stored.UpdatedAt = lp.UpdatedAt
		return stored, nil
	}
	return nil, nil
}

// Create writes a fresh position row for a first entry.
func (r *Repository) Create(ctx context.Context, p *Position) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if err := r.store.HSet(ctx, store.PositionKey(p.UID, p.Symbol, p.Side), p.toFields()); err != nil {
		return fmt.Errorf("create position %s/%s/%s: %w", p.UID, p.Symbol, p.Side, err)
	}
	return nil
}

// TPGraph is the complete derived TP order set written after placement.
type TPGraph struct {
	Prices    []float64
	OrderIDs  []string
	Contracts []float64
	Data      []TPLevel
}

// SetTPGraph records the TP columns. The three lists must be parallel and
// bounded by three active levels.
func (r *Repository) SetTPGraph(ctx context.Context, uid, symbol, side string, g TPGraph) error {
	if len(g.OrderIDs) != len(g.Prices) || len(g.OrderIDs) != len(g.Contracts) {
		return fmt.Errorf("position: tp graph lists not parallel (%d prices, %d ids, %d sizes)",
			len(g.Prices), len(g.OrderIDs), len(g.Contracts))
	}
	if len(g.OrderIDs) > 3 {
		return fmt.Errorf("position: %d TP orders exceeds the 3-level cap", len(g.OrderIDs))
	}
	prices, _ := json.Marshal(g.Prices)
	ids, _ := json.Marshal(g.OrderIDs)
	contracts, _ := json.Marshal(g.Contracts)
	data, _ := json.Marshal(g.Data)
	return r.store.HSet(ctx, store.PositionKey(uid, symbol, side), map[string]string{
		"tp_prices":            string(prices),
		"tp_order_ids":         string(ids),
		"tp_contracts_amounts": string(contracts),
		"tp_data":              string(data),
		"updated_at":           time.Now().UTC().Format(time.RFC3339),
	})
}

// SetSL records a stop-loss order. The previous SL must already have been
// cancelled and cleared; overwriting a live SL id is refused.
func (r *Repository) SetSL(ctx context.Context, uid, symbol, side string, price float64, orderID string, contracts float64) error {
	key := store.PositionKey(uid, symbol, side)
	existing, err := r.store.HGet(ctx, key, "sl_order_id")
	if err == nil && existing != "" && existing != orderID {
		return fmt.Errorf("position: sl_order_id %s still set for %s/%s/%s, cancel it before replacing", existing, uid, symbol, side)
	}
	return r.store.HSet(ctx, key, map[string]string{
		"sl_price":            fstr(price),
		"sl_order_id":         orderID,
		"sl_contracts_amount": fstr(contracts),
		"updated_at":          time.Now().UTC().Format(time.RFC3339),
	})
}

// ClearSL removes the SL columns (after a cancel).
func (r *Repository) ClearSL(ctx context.Context, uid, symbol, side string) error {
	return r.store.HDel(ctx, store.PositionKey(uid, symbol, side),
		"sl_price", "sl_order_id", "sl_contracts_amount")
}

// ClearTPSL removes every TP and SL column ahead of a DCA re-placement.
func (r *Repository) ClearTPSL(ctx context.Context, uid, symbol, side string) error {
	return r.store.HDel(ctx, store.PositionKey(uid, symbol, side),
		"tp_prices", "tp_order_ids", "tp_sizes", "tp_contracts_amounts", "tp_data",
		"sl_price", "sl_order_id", "sl_contracts_amount")
}

// MarkTPFilled flips get_tpN exactly once and advances tp_state in the
// same write. The bool reports whether this call was the first; duplicate
// marks are no-ops so concurrent monitor paths cannot double-process.
func (r *Repository) MarkTPFilled(ctx context.Context, uid, symbol, side string, level int) (bool, error) {
	if level < 1 || level > 3 {
		return false, fmt.Errorf("position: invalid TP level %d", level)
	}
	key := store.PositionKey(uid, symbol, side)
	field := fmt.Sprintf("get_tp%d", level)
	first, err := r.store.HSetNX(ctx, key, field, "true")
	if err != nil {
		return false, fmt.Errorf("mark tp%d for %s/%s/%s: %w", level, uid, symbol, side, err)
	}
	if !first {
		// Field may pre-exist as "false" from row creation; flip it once.
		cur, gerr := r.store.HGet(ctx, key, field)
		if gerr == nil && cur != "true" {
			first = true
		} else {
			return false, nil
		}
	}

	// tp_state is monotonic: only advance, and keep it in lockstep with
	// the flag so readers of either view agree.
	stateStr, _ := r.store.HGet(ctx, key, "tp_state")
	state := fint(stateStr)
	fields := map[string]string{
		field:        "true",
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if level > state {
		fields["tp_state"] = fmt.Sprintf("%d", level)
	}

	// Reflect the fill in tp_data.
	if raw, gerr := r.store.HGet(ctx, key, "tp_data"); gerr == nil {
		var data []TPLevel
		if json.Unmarshal([]byte(raw), &data) == nil {
			for i := range data {
				if data[i].Level == level {
					data[i].Status = TPFilled
				}
			}
			if b, merr := json.Marshal(data); merr == nil {
				fields["tp_data"] = string(b)
			}
		}
	}
	if err := r.store.HSet(ctx, key, fields); err != nil {
		return true, fmt.Errorf("advance tp_state for %s/%s/%s: %w", uid, symbol, side, err)
	}
	return true, nil
}

// IncrementDCA bumps the layer counter and refreshes entry/size.
func (r *Repository) IncrementDCA(ctx context.Context, uid, symbol, side string, entryPrice, contracts float64) error {
	key := store.PositionKey(uid, symbol, side)
	cur, _ := r.store.HGet(ctx, key, "dca_count")
	return r.store.HSet(ctx, key, map[string]string{
		"dca_count":        fmt.Sprintf("%d", fint(cur)+1),
		"entry_price":      fstr(entryPrice),
		"contracts_amount": fstr(contracts),
		"updated_at":       time.Now().UTC().Format(time.RFC3339),
	})
}

// SetTrailingActive flips the trailing flag on the row.
func (r *Repository) SetTrailingActive(ctx context.Context, uid, symbol, side string, active bool) error {
	return r.store.HSet(ctx, store.PositionKey(uid, symbol, side), map[string]string{
		"trailing_stop_active": bstr(active),
		"updated_at":           time.Now().UTC().Format(time.RFC3339),
	})
}

// ClearSide removes the position row and its dependent artefacts
// (trailing record, cooldown, reconcile lock) and publishes a close event.
// The cooldown key is re-armed by the caller when re-entry suppression is
// wanted.
func (r *Repository) ClearSide(ctx context.Context, uid, symbol, side, reason string) error {
	err := r.store.Pipeline(ctx, func(p store.Pipe) {
		p.Del(
			store.PositionKey(uid, symbol, side),
			store.TrailingKey(uid, symbol, side),
			store.CooldownKey(uid, symbol, side),
			store.ReconcileLockKey(uid, symbol),
		)
	})
	if err != nil {
		return fmt.Errorf("clear side %s/%s/%s: %w", uid, symbol, side, err)
	}
	evt := CloseEvent{UID: uid, Symbol: symbol, Side: side, Reason: reason, At: time.Now().UTC()}
	if raw, merr := json.Marshal(evt); merr == nil {
		if perr := r.store.Publish(ctx, CloseEventChannel, string(raw)); perr != nil {
			r.logger.Warn().Err(perr).Str("symbol", symbol).Msg("close event publish failed")
		}
	}
	return nil
}

// RecordClose updates the aggregate stats hash after a side closes.
func (r *Repository) RecordClose(ctx context.Context, uid string, win bool, pnlPct float64) error {
	key := store.UserStatsKey(uid)
	if _, err := r.store.HIncrBy(ctx, key, "total_trades", 1); err != nil {
		return fmt.Errorf("bump total_trades for %s: %w", uid, err)
	}
	if win {
		if _, err := r.store.HIncrBy(ctx, key, "wins", 1); err != nil {
			return fmt.Errorf("bump wins for %s: %w", uid, err)
		}
	}
	prev, _ := r.store.HGet(ctx, key, "pnl_pct")
	return r.store.HSet(ctx, key, map[string]string{
		"pnl_pct":         fstr(ffloat(prev) + pnlPct),
		"last_trade_date": time.Now().UTC().Format(time.RFC3339),
	})
}
