// Package monitor runs the process-wide order-watching loop: it polls
// tracked orders on a tiered cadence, drives fill handling (TP ordering,
// break-even, trailing activation, closure verification), and sweeps
// orphaned and over-counted orders.
package monitor

import (
	"context"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/events"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/orders"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/position"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/settings"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/tpsl"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/trailing"
)

// TraderSource hands out an authenticated client for a user. The release
// func returns it to the pool.
type TraderSource interface {
	Acquire(ctx context.Context, uid string) (exchange.Trader, func(), error)
}

// PoolSource adapts the client pool manager to TraderSource.
type PoolSource struct {
	Pools *exchange.PoolManager
}

func (p *PoolSource) Acquire(ctx context.Context, uid string) (exchange.Trader, func(), error) {
	pool := p.Pools.ForUser(uid)
	t, err := pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return t, func() { pool.Release(t) }, nil
}

// Notifier queues user-facing messages; the dispatcher implements it.
type Notifier interface {
	Enqueue(ctx context.Context, e *events.Entry) error
}

// SettingsSource reads a user's strategy settings.
type SettingsSource interface {
	Get(ctx context.Context, uid string) (settings.Settings, error)
}

// Config tunes the loop cadences.
type Config struct {
	Interval           time.Duration // one loop iteration
	FullPollEvery      time.Duration // poll everything at least this often
	HealthPingEvery    time.Duration
	MemoryCheckEvery   time.Duration
	MemoryLimitMB      uint64
	StaleNotifyAfter   time.Duration // suppress fill notices older than this
	SweepEvery         time.Duration // orphan + cardinality sweeps
	NotifyDedupWindow  time.Duration // break-even / trailing notice de-dup
	ClosureVerifyDelay time.Duration
	CooldownTTL        time.Duration // re-entry suppression armed on close
}

// DefaultConfig mirrors the production cadences.
func DefaultConfig() Config {
	return Config{
		Interval:           2 * time.Second,
		FullPollEvery:      15 * time.Second,
		HealthPingEvery:    30 * time.Second,
		MemoryCheckEvery:   60 * time.Second,
		MemoryLimitMB:      512,
		StaleNotifyAfter:   15 * time.Minute,
		SweepEvery:         5 * time.Minute,
		NotifyDedupWindow:  time.Minute,
		ClosureVerifyDelay: 2 * time.Second,
		CooldownTTL:        5 * time.Minute,
	}
}

// Loop is the monitor. One instance runs per process.
type Loop struct {
	cfg       Config
	store     store.Store
	tracker   *orders.Tracker
	positions *position.Repository
	engine    *tpsl.Engine
	trailing  *trailing.Handler
	traders   TraderSource
	settings  SettingsSource
	notify    Notifier
	logger    zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)

	iter           int
	lastFullPoll   time.Time
	lastHealthPing time.Time
	lastMemCheck   time.Time
	lastSweep      map[string]time.Time
	prevOpenCount  map[string]int
	prevStatus     map[string]string
	tpQueues       map[string]*tpQueue
	recentNotify   map[string]time.Time

	wg sync.WaitGroup
}

// NewLoop wires the monitor.
func NewLoop(cfg Config, s store.Store, tracker *orders.Tracker, positions *position.Repository,
	engine *tpsl.Engine, trail *trailing.Handler, traders TraderSource,
	settingsSrc SettingsSource, notify Notifier, logger zerolog.Logger) *Loop {
	return &Loop{
		cfg:       cfg,
		store:     s,
		tracker:   tracker,
		positions: positions,
		engine:    engine,
		trailing:  trail,
		traders:   traders,
		settings:  settingsSrc,
		notify:    notify,
		logger:    logger,
		now:       time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
		lastSweep:     map[string]time.Time{},
		prevOpenCount: map[string]int{},
		prevStatus:    map[string]string{},
		tpQueues:      map[string]*tpQueue{},
		recentNotify:  map[string]time.Time{},
	}
}

// Run iterates until the context ends. Per-user failures never stop the
// loop; panics are caught by the supervisor wrapping Run.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick is one loop iteration.
func (l *Loop) Tick(ctx context.Context) {
	l.iter++
	l.health(ctx)

	fullPoll := l.now().Sub(l.lastFullPoll) >= l.cfg.FullPollEvery
	if fullPoll {
		l.lastFullPoll = l.now()
	}

	for _, uid := range l.runningUsers(ctx) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error().Interface("panic", r).Str("okx_uid", uid).Msg("user section panicked")
				}
			}()
			l.processUser(ctx, uid, fullPoll)
		}()
	}
	l.flushTPQueues(ctx)
}

// health pings the store every 30s and samples memory every 60s, forcing
// a GC pass over the configured ceiling.
func (l *Loop) health(ctx context.Context) {
	now := l.now()
	if now.Sub(l.lastHealthPing) >= l.cfg.HealthPingEvery {
		l.lastHealthPing = now
		if err := l.store.Ping(ctx); err != nil {
			l.logger.Warn().Err(err).Msg("store ping failed, relying on client reconnect")
		}
	}
	if now.Sub(l.lastMemCheck) >= l.cfg.MemoryCheckEvery {
		l.lastMemCheck = now
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		residentMB := ms.HeapInuse / (1 << 20)
		if l.cfg.MemoryLimitMB > 0 && residentMB > l.cfg.MemoryLimitMB {
			l.logger.Warn().Uint64("resident_mb", residentMB).Msg("memory over limit, forcing gc")
			runtime.GC()
			debug.FreeOSMemory()
		}
	}
}

// runningUsers scans the per-symbol status keys and returns the uids
// with at least one running symbol.
func (l *Loop) runningUsers(ctx context.Context) []string {
	keys, err := l.store.Scan(ctx, store.SymbolStatusPattern, 200)
	if err != nil {
		l.logger.Error().Err(err).Msg("status scan failed")
		return nil
	}
	seen := map[string]bool{}
	var uids []string
	for _, key := range keys {
		status, err := l.store.Get(ctx, key)
		if err != nil || status != "running" {
			continue
		}
		parts := strings.Split(key, ":")
		if len(parts) != 5 {
			continue
		}
		uid := parts[1]
		if !seen[uid] {
			seen[uid] = true
			uids = append(uids, uid)
		}
	}
	return uids
}

// processUser handles one user's tracked orders and trailing records.
func (l *Loop) processUser(ctx context.Context, uid string, fullPoll bool) {
	rows, err := l.tracker.ListForUser(ctx, uid)
	if err != nil {
		l.logger.Error().Err(err).Str("okx_uid", uid).Msg("order scan failed")
		return
	}
	live := rows[:0]
	for _, r := range rows {
		if !r.Terminal() {
			live = append(live, r)
		}
	}
	trader, release, err := l.traders.Acquire(ctx, uid)
	if err != nil {
		l.logger.Error().Err(err).Str("okx_uid", uid).Msg("client acquire failed")
		return
	}
	defer release()

	bySymbol := map[string][]*orders.Monitored{}
	for _, r := range live {
		bySymbol[r.Symbol] = append(bySymbol[r.Symbol], r)
	}
	for symbol, symRows := range bySymbol {
		price, err := trader.Ticker(ctx, symbol)
		if err != nil {
			l.logger.Warn().Err(err).Str("symbol", symbol).Msg("price fetch failed, skipping symbol")
			continue
		}
		l.detectDrop(ctx, uid, symbol, len(symRows))
		for _, row := range symRows {
			if l.shouldPoll(row, price, fullPoll) {
				l.pollOrder(ctx, trader, row, price)
			}
		}
		l.tickTrailing(ctx, trader, uid, symbol, price)
	}

	if l.now().Sub(l.lastSweep[uid]) >= l.cfg.SweepEvery {
		l.lastSweep[uid] = l.now()
		l.sweepUser(ctx, trader, uid, bySymbol)
	}
}

// detectDrop compares the open-order count against the previous tick and
// kicks the missing-order reconciliation when it shrank.
func (l *Loop) detectDrop(ctx context.Context, uid, symbol string, count int) {
	key := uid + ":" + symbol
	prev, ok := l.prevOpenCount[key]
	l.prevOpenCount[key] = count
	if !ok || count >= prev {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error().Interface("panic", r).Msg("missing-order reconcile panicked")
			}
		}()
		l.reconcileMissing(ctx, uid, symbol)
	}()
}

// shouldPoll applies the tiered cadence rules.
func (l *Loop) shouldPoll(row *orders.Monitored, price float64, fullPoll bool) bool {
	if fullPoll {
		return true
	}
	key := store.MonitorOrderKey(row.UID, row.Symbol, row.OrderID)
	if prev, ok := l.prevStatus[key]; ok && prev != row.Status {
		return true
	}
	if row.Status == orders.StatusOpen && l.iter%5 == 0 {
		return true
	}
	if lvl := orders.TPLevel(row.OrderName); lvl > 0 {
		if l.iter%2 == 0 {
			return true
		}
		// Near-the-money poll: within 1% on the closing side.
		if row.PosSide == exchange.SideLong && price >= row.Price*0.99 {
			return true
		}
		if row.PosSide == exchange.SideShort && price <= row.Price*1.01 {
			return true
		}
	}
	if row.OrderName == orders.NameSL || row.OrderName == orders.NameBreakEven {
		if row.PosSide == exchange.SideLong && price <= row.Price {
			return true
		}
		if row.PosSide == exchange.SideShort && price >= row.Price {
			return true
		}
	}
	return false
}

// pollOrder fetches the order and routes terminal transitions. Not-found
// maps to canceled.
func (l *Loop) pollOrder(ctx context.Context, trader exchange.Trader, row *orders.Monitored, price float64) {
	key := store.MonitorOrderKey(row.UID, row.Symbol, row.OrderID)
	ord := l.fetchStatus(ctx, trader, row)
	l.prevStatus[key] = ord.Status
	if ord.Status == orders.StatusOpen {
		return
	}
	l.handleTerminal(ctx, trader, row, ord, price)
	delete(l.prevStatus, key)
}

// polled is the normalised poll outcome.
type polled struct {
	Status   string
	Filled   float64
	FillTime time.Time
}

func (l *Loop) fetchStatus(ctx context.Context, trader exchange.Trader, row *orders.Monitored) polled {
	ord, err := trader.FetchOrder(ctx, row.Symbol, row.OrderID, row.IsAlgo)
	if err != nil {
		// Not-found and algo-state responses mean the order is gone.
		return polled{Status: orders.StatusCanceled}
	}
	switch ord.Status {
	case exchange.StatusFilled:
		return polled{Status: orders.StatusFilled, Filled: ord.FilledSize, FillTime: ord.FillTime}
	case exchange.StatusCanceled:
		return polled{Status: orders.StatusCanceled, Filled: ord.FilledSize}
	case exchange.StatusFailed:
		return polled{Status: orders.StatusFailed}
	default:
		return polled{Status: orders.StatusOpen, Filled: ord.FilledSize}
	}
}
