package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Retry configuration for API calls.
const (
	maxRetries     = 3
	baseRetryDelay = 2 * time.Second
	requestTimeout = 10 * time.Second

	// Server-time offset refresh cadence; keeps /public/time load minimal.
	timeOffsetRefresh = 5 * time.Minute

	isoMillis = "2006-01-02T15:04:05.000Z"
)

// Trader is the gateway surface the rest of the controller depends on.
// The production implementation is Client; tests supply fakes.
type Trader interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAlgos(ctx context.Context, items []AlgoCancel) error
	CancelAllAlgo(ctx context.Context, symbol, side, algoType string) (int, error)
	FetchOrder(ctx context.Context, symbol, orderID string, isAlgo bool) (*Order, error)
	PendingAlgoOrders(ctx context.Context, symbol, algoType string) ([]AlgoOrder, error)
	AlgoOrderHistory(ctx context.Context, symbol string, since time.Time) ([]AlgoOrder, error)
	OrderHistory(ctx context.Context, symbol string, since time.Time) ([]Order, error)
	FetchPositions(ctx context.Context, symbols ...string) ([]Position, error)
	FetchBalance(ctx context.Context) (*Balance, error)
	Ticker(ctx context.Context, symbol string) (float64, error)
	Candles(ctx context.Context, symbol, bar string, limit int) ([]Candle, error)
	AccountConfig(ctx context.Context) (*AccountConfig, error)
	LoadMarkets(ctx context.Context) error
}

// AlgoOrder is the pending/history algo order row used by cancel sweeps.
type AlgoOrder struct {
	AlgoID    string
	Symbol    string
	Side      string
	PosSide   string
	TriggerPx float64
	Size      float64
	State     string
	UpdatedAt time.Time
}

// Client is the OKX v5 REST client for one user's credentials.
type Client struct {
	http   *resty.Client
	creds  Credentials
	demo   bool
	logger zerolog.Logger

	offsetMu   sync.Mutex
	timeOffset time.Duration
	offsetAt   time.Time
}

// NewClient builds a client for one user's API triplet.
func NewClient(baseURL string, creds Credentials, demo bool, logger zerolog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		creds:  Credentials{Key: strings.TrimSpace(creds.Key), Secret: strings.TrimSpace(creds.Secret), Passphrase: strings.TrimSpace(creds.Passphrase)},
		demo:   demo,
		logger: logger,
	}
}

// envelope is the standard OKX response wrapper.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// tradeAck items carry per-order result codes on trade endpoints.
type tradeAck struct {
	OrdID  string `json:"ordId"`
	AlgoID string `json:"algoId"`
	Tag    string `json:"tag"`
	SCode  string `json:"sCode"`
	SMsg   string `json:"sMsg"`
}

// ==================== SIGNING ====================

// serverNow returns exchange time using a cached offset refreshed at most
// every 5 minutes. When the time endpoint is unreachable local time is used.
func (c *Client) serverNow(ctx context.Context) time.Time {
	c.offsetMu.Lock()
	defer c.offsetMu.Unlock()
	if time.Since(c.offsetAt) > timeOffsetRefresh {
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		var env envelope
		resp, err := c.http.R().SetContext(reqCtx).SetResult(&env).Get("/api/v5/public/time")
		if err == nil && resp.StatusCode() == 200 && env.Code == "0" {
			var rows []struct {
				TS string `json:"ts"`
			}
			if json.Unmarshal(env.Data, &rows) == nil && len(rows) > 0 {
				if ms, err := strconv.ParseInt(rows[0].TS, 10, 64); err == nil {
					c.timeOffset = time.UnixMilli(ms).Sub(time.Now())
					c.offsetAt = time.Now()
				}
			}
		} else {
			// Exchange unreachable: fall back to local clock, try again next window.
			c.timeOffset = 0
			c.offsetAt = time.Now()
		}
	}
	return time.Now().Add(c.timeOffset)
}

// sign produces base64(HMAC-SHA256(secret, ts+method+path+body)).
func sign(secret, timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) authHeaders(ctx context.Context, method, path, body string) map[string]string {
	ts := c.serverNow(ctx).UTC().Format(isoMillis)
	h := map[string]string{
		"OK-ACCESS-KEY":        c.creds.Key,
		"OK-ACCESS-SIGN":       sign(c.creds.Secret, ts, method, path, body),
		"OK-ACCESS-TIMESTAMP":  ts,
		"OK-ACCESS-PASSPHRASE": c.creds.Passphrase,
	}
	if c.demo {
		h["x-simulated-trading"] = "1"
	}
	return h
}

// ==================== TRANSPORT ====================

// do executes one signed request with the retry ladder: connection errors
// and rate limits back off 2s * 2^n up to 3 retries; auth, 50015 and
// not-found collapse to terminal immediately.
func (c *Client) do(ctx context.Context, method, path string, query map[string]string, payload interface{}) (json.RawMessage, error) {
	var body string
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = string(b)
	}

	fullPath := path
	if len(query) > 0 {
		parts := make([]string, 0, len(query))
		for k, v := range query {
			parts = append(parts, k+"="+v)
		}
		fullPath = path + "?" + strings.Join(parts, "&")
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay * time.Duration(1<<uint(attempt-1))
			c.logger.Warn().Err(lastErr).Str("path", path).Dur("retry_in", delay).
				Int("attempt", attempt).Msg("okx request retry")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		var env envelope
		req := c.http.R().SetContext(ctx).SetResult(&env).SetError(&env).
			SetHeaders(c.authHeaders(ctx, method, fullPath, body))

		var resp *resty.Response
		var err error
		switch method {
		case "GET":
			resp, err = req.Get(fullPath)
		case "POST":
			resp, err = req.SetBody(body).Post(fullPath)
		default:
			return nil, fmt.Errorf("unsupported method %s", method)
		}
		if err != nil {
			lastErr = fmt.Errorf("okx %s %s: %w", method, path, err)
			continue
		}

		if resp.StatusCode() != 200 || env.Code != "0" {
			apiErr := newAPIError(resp.StatusCode(), env.Code, env.Msg)
			if !retryable(apiErr) {
				return nil, apiErr
			}
			lastErr = apiErr
			continue
		}

		// Trade endpoints embed per-item result codes.
		if strings.HasPrefix(path, "/api/v5/trade/") && method == "POST" {
			var acks []tradeAck
			if json.Unmarshal(env.Data, &acks) == nil && len(acks) > 0 && acks[0].SCode != "" && acks[0].SCode != "0" {
				apiErr := newAPIError(resp.StatusCode(), acks[0].SCode, acks[0].SMsg)
				if !retryable(apiErr) {
					return nil, apiErr
				}
				lastErr = apiErr
				continue
			}
		}

		return env.Data, nil
	}
	return nil, lastErr
}

// ==================== ACCOUNT ====================

func (c *Client) AccountConfig(ctx context.Context) (*AccountConfig, error) {
	data, err := c.do(ctx, "GET", "/api/v5/account/config", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch account config: %w", err)
	}
	var rows []struct {
		UID      string `json:"uid"`
		PosMode  string `json:"posMode"`
		AcctLv   string `json:"acctLv"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("parse account config: %w", err)
	}
	return &AccountConfig{UID: rows[0].UID, PosMode: rows[0].PosMode, AcctLevel: rows[0].AcctLv}, nil
}

func (c *Client) FetchBalance(ctx context.Context) (*Balance, error) {
	data, err := c.do(ctx, "GET", "/api/v5/account/balance", map[string]string{"ccy": "USDT"}, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	var rows []struct {
		TotalEq string `json:"totalEq"`
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	bal := &Balance{Currency: "USDT", TotalEquity: parseFloat(rows[0].TotalEq)}
	for _, d := range rows[0].Details {
		if d.Ccy == "USDT" {
			bal.Available = parseFloat(d.AvailBal)
		}
	}
	return bal, nil
}

func (c *Client) FetchPositions(ctx context.Context, symbols ...string) ([]Position, error) {
	query := map[string]string{"instType": "SWAP"}
	if len(symbols) > 0 {
		query["instId"] = strings.Join(symbols, ",")
	}
	data, err := c.do(ctx, "GET", "/api/v5/account/positions", query, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	var rows []struct {
		InstID  string `json:"instId"`
		PosSide string `json:"posSide"`
		Pos     string `json:"pos"`
		AvgPx   string `json:"avgPx"`
		Lever   string `json:"lever"`
		Upl     string `json:"upl"`
		CTime   string `json:"cTime"`
		UTime   string `json:"uTime"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse positions: %w", err)
	}
	out := make([]Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, Position{
			Symbol:    r.InstID,
			PosSide:   r.PosSide,
			Contracts: parseFloat(r.Pos),
			AvgPrice:  parseFloat(r.AvgPx),
			Leverage:  int(parseFloat(r.Lever)),
			UPnL:      parseFloat(r.Upl),
			CreatedAt: parseMillis(r.CTime),
			UpdatedAt: parseMillis(r.UTime),
		})
	}
	return out, nil
}

// ==================== MARKET DATA ====================

func (c *Client) Ticker(ctx context.Context, symbol string) (float64, error) {
	data, err := c.do(ctx, "GET", "/api/v5/market/ticker", map[string]string{"instId": symbol}, nil)
	if err != nil {
		return 0, fmt.Errorf("fetch ticker %s: %w", symbol, err)
	}
	var rows []struct {
		Last string `json:"last"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return 0, fmt.Errorf("parse ticker %s: %w", symbol, err)
	}
	return parseFloat(rows[0].Last), nil
}

func (c *Client) Candles(ctx context.Context, symbol, bar string, limit int) ([]Candle, error) {
	query := map[string]string{"instId": symbol, "bar": bar, "limit": strconv.Itoa(limit)}
	data, err := c.do(ctx, "GET", "/api/v5/market/candles", query, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch candles %s: %w", symbol, err)
	}
	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse candles %s: %w", symbol, err)
	}
	out := make([]Candle, 0, len(rows))
	// OKX returns newest first; reverse to chronological order.
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		if len(r) < 6 {
			continue
		}
		out = append(out, Candle{
			Time:   parseMillis(r[0]),
			Open:   parseFloat(r[1]),
			High:   parseFloat(r[2]),
			Low:    parseFloat(r[3]),
			Close:  parseFloat(r[4]),
			Volume: parseFloat(r[5]),
		})
	}
	return out, nil
}

// LoadMarkets is the pool's 5-second health probe: a light instruments
// fetch proving both connectivity and credentials.
func (c *Client) LoadMarkets(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.do(probeCtx, "GET", "/api/v5/account/config", nil, nil)
	if err != nil {
		return fmt.Errorf("market probe: %w", err)
	}
	return nil
}

// ==================== TRADE ====================

func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.Type == TypeTrigger {
		return c.createAlgoOrder(ctx, req)
	}
	payload := map[string]string{
		"instId":  req.Symbol,
		"tdMode":  "cross",
		"side":    req.Side,
		"ordType": req.Type,
		"sz":      formatFloat(req.Size),
	}
	if req.PosSide != "" {
		payload["posSide"] = req.PosSide
	}
	if req.Type == TypeLimit {
		payload["px"] = formatFloat(req.Price)
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = "true"
	}
	if req.Tag != "" {
		payload["tag"] = req.Tag
	}
	data, err := c.do(ctx, "POST", "/api/v5/trade/order", nil, []map[string]string{payload})
	if err != nil {
		return nil, fmt.Errorf("create order %s %s: %w", req.Symbol, req.Side, err)
	}
	var acks []tradeAck
	if err := json.Unmarshal(data, &acks); err != nil || len(acks) == 0 {
		return nil, fmt.Errorf("parse order ack: %w", err)
	}
	return &OrderResult{OrderID: acks[0].OrdID, Tag: acks[0].Tag}, nil
}

func (c *Client) createAlgoOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	payload := map[string]string{
		"instId":      req.Symbol,
		"tdMode":      "cross",
		"side":        req.Side,
		"ordType":     "trigger",
		"sz":          formatFloat(req.Size),
		"triggerPx":   formatFloat(req.TriggerPx),
		"orderPx":     "-1", // market execution on trigger
	}
	if req.PosSide != "" {
		payload["posSide"] = req.PosSide
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = "true"
	}
	if req.Tag != "" {
		payload["tag"] = req.Tag
	}
	data, err := c.do(ctx, "POST", "/api/v5/trade/order-algo", nil, []map[string]string{payload})
	if err != nil {
		return nil, fmt.Errorf("create algo order %s %s: %w", req.Symbol, req.Side, err)
	}
	var acks []tradeAck
	if err := json.Unmarshal(data, &acks); err != nil || len(acks) == 0 {
		return nil, fmt.Errorf("parse algo ack: %w", err)
	}
	return &OrderResult{AlgoID: acks[0].AlgoID, OrderID: acks[0].AlgoID, Tag: acks[0].Tag}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	payload := []map[string]string{{"instId": symbol, "ordId": orderID}}
	if _, err := c.do(ctx, "POST", "/api/v5/trade/cancel-order", nil, payload); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

func (c *Client) CancelAlgos(ctx context.Context, items []AlgoCancel) error {
	if len(items) == 0 {
		return nil
	}
	if _, err := c.do(ctx, "POST", "/api/v5/trade/cancel-algos", nil, items); err != nil {
		return fmt.Errorf("cancel algos: %w", err)
	}
	return nil
}

// CancelAllAlgo fetches pending algo orders for (symbol, algoType),
// optionally filters by position side (long cancels sells, short cancels
// buys), and batch-cancels them. An empty book is success.
func (c *Client) CancelAllAlgo(ctx context.Context, symbol, side, algoType string) (int, error) {
	pending, err := c.PendingAlgoOrders(ctx, symbol, algoType)
	if err != nil {
		return 0, fmt.Errorf("cancel all algo %s: %w", symbol, err)
	}
	wantSide := ""
	switch side {
	case SideLong:
		wantSide = Sell
	case SideShort:
		wantSide = Buy
	}
	var items []AlgoCancel
	for _, o := range pending {
		if wantSide != "" && o.Side != wantSide {
			continue
		}
		items = append(items, AlgoCancel{AlgoID: o.AlgoID, Symbol: o.Symbol})
	}
	if len(items) == 0 {
		return 0, nil
	}
	if err := c.CancelAlgos(ctx, items); err != nil {
		return 0, err
	}
	return len(items), nil
}

func (c *Client) PendingAlgoOrders(ctx context.Context, symbol, algoType string) ([]AlgoOrder, error) {
	if algoType == "" {
		algoType = "trigger"
	}
	query := map[string]string{"ordType": algoType}
	if symbol != "" {
		query["instId"] = symbol
	}
	data, err := c.do(ctx, "GET", "/api/v5/trade/orders-algo-pending", query, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch pending algos: %w", err)
	}
	return parseAlgoRows(data)
}

// AlgoOrderHistory returns algo orders touched since the given time; used
// by the missing-order reconciliation.
func (c *Client) AlgoOrderHistory(ctx context.Context, symbol string, since time.Time) ([]AlgoOrder, error) {
	query := map[string]string{"ordType": "trigger", "state": "effective"}
	if symbol != "" {
		query["instId"] = symbol
	}
	data, err := c.do(ctx, "GET", "/api/v5/trade/orders-algo-history", query, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch algo history: %w", err)
	}
	rows, err := parseAlgoRows(data)
	if err != nil {
		return nil, err
	}
	var out []AlgoOrder
	for _, r := range rows {
		if r.UpdatedAt.After(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

// OrderHistory returns recently closed regular orders since the given time.
func (c *Client) OrderHistory(ctx context.Context, symbol string, since time.Time) ([]Order, error) {
	query := map[string]string{"instType": "SWAP"}
	if symbol != "" {
		query["instId"] = symbol
	}
	data, err := c.do(ctx, "GET", "/api/v5/trade/orders-history", query, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch order history: %w", err)
	}
	var rows []okxOrderRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse order history: %w", err)
	}
	var out []Order
	for _, r := range rows {
		o := r.toOrder()
		if o.UpdatedAt.After(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

// FetchOrder fetches one regular or algo order and normalises its status.
func (c *Client) FetchOrder(ctx context.Context, symbol, orderID string, isAlgo bool) (*Order, error) {
	if isAlgo {
		return c.fetchAlgoOrder(ctx, symbol, orderID)
	}
	query := map[string]string{"instId": symbol, "ordId": orderID}
	data, err := c.do(ctx, "GET", "/api/v5/trade/order", query, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch order %s: %w", orderID, err)
	}
	var rows []okxOrderRow
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("parse order %s: %w", orderID, err)
	}
	o := rows[0].toOrder()
	return &o, nil
}

func (c *Client) fetchAlgoOrder(ctx context.Context, symbol, algoID string) (*Order, error) {
	query := map[string]string{"algoId": algoID}
	data, err := c.do(ctx, "GET", "/api/v5/trade/order-algo", query, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch algo order %s: %w", algoID, err)
	}
	var rows []struct {
		AlgoID    string `json:"algoId"`
		InstID    string `json:"instId"`
		Side      string `json:"side"`
		PosSide   string `json:"posSide"`
		TriggerPx string `json:"triggerPx"`
		Sz        string `json:"sz"`
		State     string `json:"state"`
		CTime     string `json:"cTime"`
		UTime     string `json:"uTime"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("parse algo order %s: %w", algoID, err)
	}
	r := rows[0]
	o := &Order{
		OrderID:   r.AlgoID,
		AlgoID:    r.AlgoID,
		Symbol:    r.InstID,
		Side:      r.Side,
		PosSide:   r.PosSide,
		TriggerPx: parseFloat(r.TriggerPx),
		Size:      parseFloat(r.Sz),
		IsAlgo:    true,
		CreatedAt: parseMillis(r.CTime),
		UpdatedAt: parseMillis(r.UTime),
	}
	switch r.State {
	case "live", "pause":
		o.Status = StatusOpen
	case "effective", "filled":
		o.Status = StatusFilled
		o.FilledSize = o.Size
		o.FillTime = o.UpdatedAt
	case "canceled", "order_failed":
		o.Status = StatusCanceled
	default:
		o.Status = StatusFailed
	}
	return o, nil
}

// okxOrderRow is the wire shape of a regular order.
type okxOrderRow struct {
	OrdID   string `json:"ordId"`
	InstID  string `json:"instId"`
	Side    string `json:"side"`
	PosSide string `json:"posSide"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	AccFill string `json:"accFillSz"`
	State   string `json:"state"`
	CTime   string `json:"cTime"`
	UTime   string `json:"uTime"`
	FillTime string `json:"fillTime"`
}

func (r okxOrderRow) toOrder() Order {
	o := Order{
		OrderID:    r.OrdID,
		Symbol:     r.InstID,
		Side:       r.Side,
		PosSide:    r.PosSide,
		Price:      parseFloat(r.Px),
		Size:       parseFloat(r.Sz),
		FilledSize: parseFloat(r.AccFill),
		CreatedAt:  parseMillis(r.CTime),
		UpdatedAt:  parseMillis(r.UTime),
		FillTime:   parseMillis(r.FillTime),
	}
	switch r.State {
	case "live", "partially_filled":
		o.Status = StatusOpen
	case "filled":
		o.Status = StatusFilled
	case "canceled", "mmp_canceled":
		o.Status = StatusCanceled
	default:
		o.Status = StatusFailed
	}
	return o
}

func parseAlgoRows(data json.RawMessage) ([]AlgoOrder, error) {
	var rows []struct {
		AlgoID    string `json:"algoId"`
		InstID    string `json:"instId"`
		Side      string `json:"side"`
		PosSide   string `json:"posSide"`
		TriggerPx string `json:"triggerPx"`
		Sz        string `json:"sz"`
		State     string `json:"state"`
		UTime     string `json:"uTime"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse algo rows: %w", err)
	}
	out := make([]AlgoOrder, 0, len(rows))
	for _, r := range rows {
		out = append(out, AlgoOrder{
			AlgoID:    r.AlgoID,
			Symbol:    r.InstID,
			Side:      r.Side,
			PosSide:   r.PosSide,
			TriggerPx: parseFloat(r.TriggerPx),
			Size:      parseFloat(r.Sz),
			State:     r.State,
			UpdatedAt: parseMillis(r.UTime),
		})
	}
	return out, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
