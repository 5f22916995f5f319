// Package orders tracks exchange orders the controller placed. Live rows
// sit under monitor:user:{uid}:{symbol}:order:{id}; terminal rows move to
// the completed:* archive with a 14-day TTL.
package orders

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
)

// Order names carried in order_name. tp1..tp3 and sl are the graph
// orders; break_even replaces sl after a TP fill.
const (
	NameTP1       = "tp1"
	NameTP2       = "tp2"
	NameTP3       = "tp3"
	NameSL        = "sl"
	NameBreakEven = "break_even"
	NameLimit     = "limit"
	NameMarket    = "market"
)

// TPName returns tpN for a level in 1..3.
func TPName(level int) string { return fmt.Sprintf("tp%d", level) }

// TPLevel parses tpN back to its level, or 0 for non-TP names.
func TPLevel(name string) int {
	if !strings.HasPrefix(name, "tp") || len(name) != 3 {
		return 0
	}
	n, err := strconv.Atoi(name[2:])
	if err != nil || n < 1 || n > 3 {
		return 0
	}
	return n
}

// Statuses mirror the exchange package's normalised order states.
const (
	StatusOpen     = "open"
	StatusFilled   = "filled"
	StatusCanceled = "canceled"
	StatusFailed   = "failed"
)

// Monitored is one tracked order row.
type Monitored struct {
	UID     string
	Symbol  string
	OrderID string

	Status          string
	Price           float64
	PosSide         string
	Contracts       float64
	FilledContracts float64
	RemainContracts float64
	OrderName       string
	PositionQty     float64
	IsAlgo          bool
	IsHedge         bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the row has reached a final state.
func (m *Monitored) Terminal() bool {
	return m.Status == StatusFilled || m.Status == StatusCanceled || m.Status == StatusFailed
}

func (m *Monitored) fields() map[string]string {
	return map[string]string{
		"status":                   m.Status,
		"price":                    strconv.FormatFloat(m.Price, 'f', -1, 64),
		"position_side":            m.PosSide,
		"contracts_amount":         strconv.FormatFloat(m.Contracts, 'f', -1, 64),
		"filled_contracts_amount":  strconv.FormatFloat(m.FilledContracts, 'f', -1, 64),
		"remain_contracts_amount":  strconv.FormatFloat(m.RemainContracts, 'f', -1, 64),
		"order_name":               m.OrderName,
		"position_qty":             strconv.FormatFloat(m.PositionQty, 'f', -1, 64),
		"is_algo":                  strconv.FormatBool(m.IsAlgo),
		"is_hedge":                 strconv.FormatBool(m.IsHedge),
		"created_at":               m.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":               m.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func fromFields(uid, symbol, orderID string, f map[string]string) *Monitored {
	pf := func(k string) float64 {
		v, _ := strconv.ParseFloat(f[k], 64)
		return v
	}
	m := &Monitored{
		UID: uid, Symbol: symbol, OrderID: orderID,
		Status:          f["status"],
		Price:           pf("price"),
		PosSide:         f["position_side"],
		Contracts:       pf("contracts_amount"),
		FilledContracts: pf("filled_contracts_amount"),
		RemainContracts: pf("remain_contracts_amount"),
		OrderName:       f["order_name"],
		PositionQty:     pf("position_qty"),
		IsAlgo:          f["is_algo"] == "true",
		IsHedge:         f["is_hedge"] == "true",
	}
	if t, err := time.Parse(time.RFC3339, f["created_at"]); err == nil {
		m.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, f["updated_at"]); err == nil {
		m.UpdatedAt = t
	}
	return m
}

// Tracker persists monitored-order rows.
type Tracker struct {
	store  store.Store
	logger zerolog.Logger
}

func NewTracker(s store.Store, logger zerolog.Logger) *Tracker {
	return &Tracker{store: s, logger: logger}
}

// Track writes a new live row.
func (t *Tracker) Track(ctx context.Context, m *Monitored) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = StatusOpen
	}
	key := store.MonitorOrderKey(m.UID, m.Symbol, m.OrderID)
	if err := t.store.HSet(ctx, key, m.fields()); err != nil {
		return fmt.Errorf("track order %s: %w", m.OrderID, err)
	}
	return nil
}

// Get returns the live row, or nil when not tracked.
func (t *Tracker) Get(ctx context.Context, uid, symbol, orderID string) (*Monitored, error) {
	f, err := t.store.HGetAll(ctx, store.MonitorOrderKey(uid, symbol, orderID))
	if err != nil {
		return nil, fmt.Errorf("read order %s: %w", orderID, err)
	}
	if len(f) == 0 {
		return nil, nil
	}
	return fromFields(uid, symbol, orderID, f), nil
}

// ListForUser scans every live row for a user.
func (t *Tracker) ListForUser(ctx context.Context, uid string) ([]*Monitored, error) {
	keys, err := t.store.Scan(ctx, store.MonitorOrderPattern(uid), 200)
	if err != nil {
		return nil, fmt.Errorf("scan orders for %s: %w", uid, err)
	}
	out := make([]*Monitored, 0, len(keys))
	for _, key := range keys {
		symbol, orderID, ok := splitMonitorKey(key)
		if !ok {
			continue
		}
		f, err := t.store.HGetAll(ctx, key)
		if err != nil || len(f) == 0 {
			continue
		}
		out = append(out, fromFields(uid, symbol, orderID, f))
	}
	return out, nil
}

// UpdateStatus records a status transition with fill quantities.
func (t *Tracker) UpdateStatus(ctx context.Context, m *Monitored, status string, filled float64) error {
	m.Status = status
	m.FilledContracts = filled
	m.RemainContracts = m.Contracts - filled
	if m.RemainContracts < 0 {
		m.RemainContracts = 0
	}
	m.UpdatedAt = time.Now().UTC()
	key := store.MonitorOrderKey(m.UID, m.Symbol, m.OrderID)
	return t.store.HSet(ctx, key, map[string]string{
		"status":                  m.Status,
		"filled_contracts_amount": strconv.FormatFloat(m.FilledContracts, 'f', -1, 64),
		"remain_contracts_amount": strconv.FormatFloat(m.RemainContracts, 'f', -1, 64),
		"updated_at":              m.UpdatedAt.Format(time.RFC3339),
	})
}

// Archive moves a terminal row to the completed keyspace. The live row is
// removed and the archive copy expires after 14 days.
func (t *Tracker) Archive(ctx context.Context, m *Monitored) error {
	if !m.Terminal() {
		return fmt.Errorf("orders: refusing to archive %s in state %s", m.OrderID, m.Status)
	}
	m.UpdatedAt = time.Now().UTC()
	liveKey := store.MonitorOrderKey(m.UID, m.Symbol, m.OrderID)
	doneKey := store.CompletedOrderKey(m.UID, m.Symbol, m.OrderID)
	err := t.store.Pipeline(ctx, func(p store.Pipe) {
		p.HSet(doneKey, m.fields())
		p.Expire(doneKey, store.CompletedOrderTTL)
		p.Del(liveKey)
	})
	if err != nil {
		return fmt.Errorf("archive order %s: %w", m.OrderID, err)
	}
	return nil
}

// splitMonitorKey recovers (symbol, orderID) from
// monitor:user:{uid}:{symbol}:order:{id}.
func splitMonitorKey(key string) (symbol, orderID string, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 6 || parts[0] != "monitor" || parts[4] != "order" {
		return "", "", false
	}
	return parts[3], parts[5], true
}
