// Package position is the repository for per-side position rows and their
// derived TP/SL metadata. All mutations go through narrow helpers; full
// row replacement is not offered.
package position

import (
	"encoding/json"
	"strconv"
	"time"
)

// TP level statuses inside tp_data.
const (
	TPActive   = "active"
	TPInactive = "inactive"
	TPFilled   = "filled"
)

// TPLevel is one entry of the structured tp_data list.
type TPLevel struct {
	Level   int     `json:"level"`
	Price   float64 `json:"price"`
	Status  string  `json:"status"`
	OrderID string  `json:"order_id"`
}

// Position is the per-(uid, symbol, side) row.
type Position struct {
	UID    string
	Symbol string
	Side   string // long or short

	EntryPrice      float64
	ContractsAmount float64
	PositionQty     float64
	Leverage        int

	SLPrice     float64
	SLOrderID   string
	SLContracts float64

	TPPrices    []float64
	TPOrderIDs  []string
	TPContracts []float64
	TPData      []TPLevel

	GetTP1 bool
	GetTP2 bool
	GetTP3 bool

	TrailingStopActive bool
	IsHedge            bool
	DCACount           int
	TPState            int // highest filled TP level, monotonic until close
	MainDirection      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// GetTP reports the once-only fill flag for a level.
func (p *Position) GetTP(level int) bool {
	switch level {
	case 1:
		return p.GetTP1
	case 2:
		return p.GetTP2
	case 3:
		return p.GetTP3
	}
	return false
}

// toFields flattens a Position into the stored hash representation.
func (p *Position) toFields() map[string]string {
	tpPrices, _ := json.Marshal(p.TPPrices)
	tpOrderIDs, _ := json.Marshal(p.TPOrderIDs)
	tpContracts, _ := json.Marshal(p.TPContracts)
	tpData, _ := json.Marshal(p.TPData)
	return map[string]string{
		"entry_price":          fstr(p.EntryPrice),
		"contracts_amount":     fstr(p.ContractsAmount),
		"position_qty":         fstr(p.PositionQty),
		"leverage":             strconv.Itoa(p.Leverage),
		"sl_price":             fstr(p.SLPrice),
		"sl_order_id":          p.SLOrderID,
		"sl_contracts_amount":  fstr(p.SLContracts),
		"tp_prices":            string(tpPrices),
		"tp_order_ids":         string(tpOrderIDs),
		"tp_contracts_amounts": string(tpContracts),
		"tp_data":              string(tpData),
		"get_tp1":              bstr(p.GetTP1),
		"get_tp2":              bstr(p.GetTP2),
		"get_tp3":              bstr(p.GetTP3),
		"trailing_stop_active": bstr(p.TrailingStopActive),
		"is_hedge":             bstr(p.IsHedge),
		"dca_count":            strconv.Itoa(p.DCACount),
		"tp_state":             strconv.Itoa(p.TPState),
		"main_direction":       p.MainDirection,
		"created_at":           p.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":           p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// fromFields rebuilds a Position from the stored hash, coercing numerics.
func fromFields(uid, symbol, side string, fields map[string]string) *Position {
	p := &Position{
		UID:    uid,
		Symbol: symbol,
		Side:   side,

		EntryPrice:      ffloat(fields["entry_price"]),
		ContractsAmount: ffloat(fields["contracts_amount"]),
		PositionQty:     ffloat(fields["position_qty"]),
		Leverage:        fint(fields["leverage"]),

		SLPrice:     ffloat(fields["sl_price"]),
		SLOrderID:   fields["sl_order_id"],
		SLContracts: ffloat(fields["sl_contracts_amount"]),

		GetTP1: fields["get_tp1"] == "true",
		GetTP2: fields["get_tp2"] == "true",
		GetTP3: fields["get_tp3"] == "true",

		TrailingStopActive: fields["trailing_stop_active"] == "true",
		IsHedge:            fields["is_hedge"] == "true",
		DCACount:           fint(fields["dca_count"]),
		TPState:            fint(fields["tp_state"]),
		MainDirection:      fields["main_direction"],
	}
	json.Unmarshal([]byte(fields["tp_prices"]), &p.TPPrices)
	json.Unmarshal([]byte(fields["tp_order_ids"]), &p.TPOrderIDs)
	json.Unmarshal([]byte(fields["tp_contracts_amounts"]), &p.TPContracts)
	json.Unmarshal([]byte(fields["tp_data"]), &p.TPData)
	if t, err := time.Parse(time.RFC3339, fields["created_at"]); err == nil {
		p.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, fields["updated_at"]); err == nil {
		p.UpdatedAt = t
	}
	return p
}

func fstr(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func bstr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func ffloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func fint(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
