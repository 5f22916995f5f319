// Package exchange implements the OKX v5 REST gateway and the bounded
// per-user client pool.
//
// The REST client (Client) covers the endpoints the controller needs:
//   - GET  /api/v5/public/time            — server-time offset for signing
//   - GET  /api/v5/account/config         — account UID / position mode
//   - GET  /api/v5/account/balance        — USDT balance
//   - GET  /api/v5/account/positions      — live positions
//   - POST /api/v5/trade/order            — place regular orders
//   - POST /api/v5/trade/cancel-order     — cancel a regular order
//   - POST /api/v5/trade/order-algo       — place trigger (SL) orders
//   - POST /api/v5/trade/cancel-algos     — batch-cancel algo orders
//   - GET  /api/v5/trade/order            — fetch one order
//   - GET  /api/v5/trade/orders-algo-pending, orders-algo-history
//   - GET  /api/v5/trade/orders-history   — recently closed orders
//   - GET  /api/v5/market/ticker, /api/v5/market/candles
//
// Every request is signed with the user's API triplet, retried on transient
// failures, and mapped to the typed error kinds in errors.go.
package exchange

import "time"

// Position sides in hedge mode.
const (
	SideLong  = "long"
	SideShort = "short"
)

// Order sides on the wire.
const (
	Buy  = "buy"
	Sell = "sell"
)

// Order types.
const (
	TypeLimit   = "limit"
	TypeMarket  = "market"
	TypeTrigger = "trigger"
)

// Credentials is the per-user OKX API triplet, loaded from the state store.
type Credentials struct {
	Key        string `json:"api_key"`
	Secret     string `json:"api_secret"`
	Passphrase string `json:"passphrase"`
}

// Valid reports whether all three parts are present.
func (c Credentials) Valid() bool {
	return c.Key != "" && c.Secret != "" && c.Passphrase != ""
}

// OrderRequest describes one order to place.
type OrderRequest struct {
	Symbol     string  // instrument ID, e.g. BTC-USDT-SWAP
	Side       string  // buy or sell
	PosSide    string  // long or short (hedge mode)
	Size       float64 // contracts
	Type       string  // limit, market or trigger
	Price      float64 // limit price; 0 for market
	TriggerPx  float64 // trigger price for algo orders
	Leverage   int     // applied via tdMode margin, informational here
	ReduceOnly bool
	Tag        string // client tag, e.g. tp1, sl
}

// OrderResult is the exchange acknowledgement of a placed order.
type OrderResult struct {
	OrderID string
	AlgoID  string
	Tag     string
}

// Order statuses normalised from the exchange state field.
const (
	StatusOpen     = "open"
	StatusFilled   = "filled"
	StatusCanceled = "canceled"
	StatusFailed   = "failed"
)

// Order is a normalised regular or algo order snapshot.
type Order struct {
	OrderID    string
	AlgoID     string
	Symbol     string
	Side       string
	PosSide    string
	Price      float64
	TriggerPx  float64
	Size       float64 // contracts requested
	FilledSize float64 // contracts filled
	Status     string  // open, filled, canceled, failed
	IsAlgo     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
	FillTime   time.Time
}

// Remaining returns the unfilled contract amount.
func (o *Order) Remaining() float64 {
	if o.FilledSize > o.Size {
		return 0
	}
	return o.Size - o.FilledSize
}

// AlgoCancel identifies one algo order in a batch cancel.
type AlgoCancel struct {
	AlgoID string `json:"algoId"`
	Symbol string `json:"instId"`
}

// Position is a live exchange position snapshot.
type Position struct {
	Symbol    string
	PosSide   string
	Contracts float64 // signed size in contracts
	AvgPrice  float64
	Leverage  int
	UPnL      float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Balance is the USDT account snapshot.
type Balance struct {
	TotalEquity float64
	Available   float64
	Currency    string
}

// AccountConfig holds the account-level settings read at registration.
type AccountConfig struct {
	UID       string
	PosMode   string // long_short_mode or net_mode
	AcctLevel string
}

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Instrument is one tradable contract definition, used for size rounding.
type Instrument struct {
	Symbol  string
	CtVal   float64 // contract value in base currency
	LotSize float64 // minimum size increment in contracts
	MinSize float64 // minimum order size in contracts
	TickSz  float64
}
