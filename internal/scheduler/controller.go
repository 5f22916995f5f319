// Package scheduler is the task controller: it starts, stops and
// restarts the per-(user, symbol) trading cycles, recovers running users
// at boot, and guards the process with a pid file.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/events"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/identity"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/position"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/settings"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/strategy"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/tpsl"
)

// Trading statuses stored under user:{uid}:symbol:{sym}:status.
const (
	StatusRunning    = "running"
	StatusStopped    = "stopped"
	StatusRestarting = "restarting"
	StatusError      = "error"
)

// ErrAlreadyRunning rejects a start for a (user, symbol) whose cycle is
// live and restart was not requested.
var ErrAlreadyRunning = errors.New("scheduler: trading already running")

// revokeSettle is how long a revoked task gets to unwind before its keys
// are purged.
const revokeSettle = 2 * time.Second

// TraderSource hands out a pooled exchange client for a user.
type TraderSource interface {
	Acquire(ctx context.Context, uid string) (exchange.Trader, func(), error)
}

// SettingsSource reads a user's strategy settings.
type SettingsSource interface {
	Get(ctx context.Context, uid string) (settings.Settings, error)
}

// Notifier queues user-facing messages; the dispatcher implements it.
type Notifier interface {
	Enqueue(ctx context.Context, e *events.Entry) error
}

// Config tunes the controller.
type Config struct {
	CycleLockTTL     time.Duration
	DefaultSymbol    string
	DefaultTimeframe string
}

// Controller owns every cycle task in the process.
type Controller struct {
	cfg       Config
	store     store.Store
	resolver  *identity.Resolver
	creds     *identity.CredentialStore
	traders   TraderSource
	positions *position.Repository
	engine    *tpsl.Engine
	settings  SettingsSource
	decider   *strategy.Decider
	notify    Notifier
	logger    zerolog.Logger

	mu    sync.Mutex
	tasks map[string]*task // task id -> running cycle

	wg    sync.WaitGroup
	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time
}

type task struct {
	uid    string
	symbol string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewController wires the task controller.
func NewController(cfg Config, s store.Store, resolver *identity.Resolver,
	creds *identity.CredentialStore, traders TraderSource, positions *position.Repository,
	engine *tpsl.Engine, settingsSrc SettingsSource, decider *strategy.Decider,
	notify Notifier, logger zerolog.Logger) *Controller {
	if cfg.CycleLockTTL <= 0 {
		cfg.CycleLockTTL = 5 * time.Minute
	}
	if cfg.DefaultSymbol == "" {
		cfg.DefaultSymbol = "BTC-USDT-SWAP"
	}
	if cfg.DefaultTimeframe == "" {
		cfg.DefaultTimeframe = "15m"
	}
	return &Controller{
		cfg:       cfg,
		store:     s,
		resolver:  resolver,
		creds:     creds,
		traders:   traders,
		positions: positions,
		engine:    engine,
		settings:  settingsSrc,
		decider:   decider,
		notify:    notify,
		logger:    logger,
		tasks:     map[string]*task{},
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
		now: time.Now,
	}
}

// StartRequest is one §4.9 start call.
type StartRequest struct {
	UserID    string
	Symbol    string
	Timeframe string
	Restart   bool
}

// StartResult reports the dispatched task.
type StartResult struct {
	UID    string `json:"okx_uid"`
	Symbol string `json:"symbol"`
	TaskID string `json:"task_id"`
}

// Start resolves the user, guards against duplicate cycles, revokes any
// prior task and dispatches a fresh one.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	uid, err := c.resolver.ResolveToUID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if _, err := c.creds.Ensure(ctx, uid); err != nil {
		return nil, err
	}
	symbol := req.Symbol
	if symbol == "" {
		symbol = c.cfg.DefaultSymbol
	}
	timeframe := req.Timeframe
	if timeframe == "" {
		timeframe = c.cfg.DefaultTimeframe
	}

	chatID, _ := c.resolver.ResolveToChatID(ctx, uid)

	// The legacy chat-id-keyed twin still counts as running during the
	// key-schema transition window.
	statuses := []string{c.readStatus(ctx, uid, symbol)}
	if chatID != "" && chatID != uid {
		statuses = append(statuses, c.readStatus(ctx, chatID, symbol))
	}
	prevTask, _ := c.store.Get(ctx, store.UserTaskIDKey(uid))
	for _, st := range statuses {
		if st == StatusRunning && !req.Restart {
			return nil, ErrAlreadyRunning
		}
	}

	if req.Restart || prevTask != "" {
		c.revokeTask(prevTask)
		_ = c.store.Del(ctx, store.UserTaskIDKey(uid))
		if chatID != "" && chatID != uid {
			_ = c.store.Del(ctx, store.UserTaskIDKey(chatID))
		}
		c.sleep(ctx, revokeSettle)
	}

	c.purgeSideState(ctx, uid, symbol, timeframe)

	taskID := uuid.NewString()
	if err := c.store.Set(ctx, store.SymbolStatusKey(uid, symbol), StatusRunning, 0); err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	_ = c.store.HSet(ctx, store.UserPreferencesKey(uid), map[string]string{
		"symbol":    symbol,
		"timeframe": timeframe,
	})
	_ = c.store.Del(ctx, store.UserStopSignalKey(uid))
	_ = c.store.Set(ctx, store.UserTaskIDKey(uid), taskID, 0)
	if chatID != "" && chatID != uid {
		_ = c.store.Set(ctx, store.UserTaskIDKey(chatID), taskID, 0)
	}

	c.dispatch(taskID, uid, symbol, timeframe)
	c.logger.Info().Str("okx_uid", uid).Str("symbol", symbol).
		Str("timeframe", timeframe).Str("task_id", taskID).Bool("restart", req.Restart).
		Msg("trading cycle dispatched")
	return &StartResult{UID: uid, Symbol: symbol, TaskID: taskID}, nil
}

// dispatch launches the cycle goroutine under a controller-owned context
// so API request cancellation cannot kill it.
func (c *Controller) dispatch(taskID, uid, symbol, timeframe string) {
	cycleCtx, cancel := context.WithCancel(context.Background())
	t := &task{uid: uid, symbol: symbol, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.tasks[taskID] = t
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(t.done)
		defer func() {
			c.mu.Lock()
			delete(c.tasks, taskID)
			c.mu.Unlock()
		}()
		c.runCycle(cycleCtx, uid, symbol, timeframe)
	}()
}

// revokeTask cancels a live task by id. Best-effort; unknown ids are a
// no-op (the task may belong to a previous process).
func (c *Controller) revokeTask(taskID string) {
	if taskID == "" {
		return
	}
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	c.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// purgeSideState clears locks, cooldowns and the task-running flag so a
// fresh cycle starts clean.
func (c *Controller) purgeSideState(ctx context.Context, uid, symbol, timeframe string) {
	keys := []string{
		store.CycleLockKey(uid, symbol, timeframe),
		store.ReconcileLockKey(uid, symbol),
		store.CooldownKey(uid, symbol, exchange.SideLong),
		store.CooldownKey(uid, symbol, exchange.SideShort),
		store.TaskRunningKey(uid),
	}
	if err := c.store.Del(ctx, keys...); err != nil {
		c.logger.Warn().Err(err).Str("okx_uid", uid).Msg("side-state purge incomplete")
	}
}

// Stop tears the cycle down. Every step is best-effort: a failure is
// logged and the teardown continues.
func (c *Controller) Stop(ctx context.Context, userID string) (string, error) {
	uid, err := c.resolver.ResolveToUID(ctx, userID)
	if err != nil {
		return "", err
	}
	chatID, _ := c.resolver.ResolveToChatID(ctx, uid)

	prefs, _ := c.store.HGetAll(ctx, store.UserPreferencesKey(uid))
	symbol := prefs["symbol"]
	if symbol == "" {
		symbol = c.cfg.DefaultSymbol
	}
	timeframe := prefs["timeframe"]
	if timeframe == "" {
		timeframe = c.cfg.DefaultTimeframe
	}

	step := func(name string, err error) {
		if err != nil {
			c.logger.Warn().Err(err).Str("okx_uid", uid).Str("step", name).Msg("stop step failed, continuing")
		}
	}

	step("stop_signal", c.store.Set(ctx, store.UserStopSignalKey(uid), "true", 0))
	if chatID != "" && chatID != uid {
		step("stop_signal_twin", c.store.Set(ctx, store.UserStopSignalKey(chatID), "true", 0))
	}
	step("status", c.store.Set(ctx, store.SymbolStatusKey(uid, symbol), StatusStopped, 0))

	taskID, _ := c.store.Get(ctx, store.UserTaskIDKey(uid))
	c.revokeTask(taskID)
	c.sleep(ctx, revokeSettle)

	del := []string{
		store.UserTaskIDKey(uid),
		store.UserStopSignalKey(uid),
		store.TaskRunningKey(uid),
		store.CycleLockKey(uid, symbol, timeframe),
		store.CooldownKey(uid, symbol, exchange.SideLong),
		store.CooldownKey(uid, symbol, exchange.SideShort),
	}
	if chatID != "" && chatID != uid {
		del = append(del, store.UserTaskIDKey(chatID), store.UserStopSignalKey(chatID))
	}
	step("cleanup", c.store.Del(ctx, del...))

	if c.notify != nil {
		_ = c.notify.Enqueue(ctx, &events.Entry{
			Timestamp: c.now().UTC(),
			UserID:    uid,
			Symbol:    symbol,
			EventType: events.TypeTradingStop,
			Status:    events.StatusSuccess,
			Category:  events.CategoryStop,
			Content:   fmt.Sprintf("Trading stopped for %s", symbol),
		})
	}
	c.logger.Info().Str("okx_uid", uid).Str("symbol", symbol).Msg("trading stopped")
	return uid, nil
}

// RunningUser is one (uid, symbol) pair whose status reads running.
type RunningUser struct {
	UID    string `json:"okx_uid"`
	Symbol string `json:"symbol"`
}

// RunningUsers cursor-scans the per-symbol status keys.
func (c *Controller) RunningUsers(ctx context.Context) ([]RunningUser, error) {
	keys, err := c.store.Scan(ctx, store.SymbolStatusPattern, 200)
	if err != nil {
		return nil, err
	}
	var out []RunningUser
	for _, key := range keys {
		uid, symbol, ok := splitStatusKey(key)
		if !ok {
			continue
		}
		if st, _ := c.store.Get(ctx, key); st == StatusRunning {
			out = append(out, RunningUser{UID: uid, Symbol: symbol})
		}
	}
	return out, nil
}

// RecoveryResult reports a bulk start/stop pass.
type RecoveryResult struct {
	Restarted []string          `json:"restarted_users"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// StartAllRunning re-launches every user whose status survived a process
// restart as running. Individual failures are collected, never fatal.
func (c *Controller) StartAllRunning(ctx context.Context) (*RecoveryResult, error) {
	running, err := c.RunningUsers(ctx)
	if err != nil {
		return nil, err
	}
	res := &RecoveryResult{Errors: map[string]string{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, ru := range running {
		ru := ru
		g.Go(func() error {
			_ = c.store.Set(gctx, store.SymbolStatusKey(ru.UID, ru.Symbol), StatusRestarting, 0)
			if orphan, _ := c.store.Get(gctx, store.UserTaskIDKey(ru.UID)); orphan != "" {
				c.revokeTask(orphan)
			}
			prefs, perr := c.store.HGetAll(gctx, store.UserPreferencesKey(ru.UID))
			if perr != nil && !errors.Is(perr, store.ErrNil) {
				mu.Lock()
				res.Errors[ru.UID] = perr.Error()
				mu.Unlock()
				return nil
			}
			timeframe := prefs["timeframe"]
			if timeframe != "" && parseTimeframe(timeframe) == 0 {
				mu.Lock()
				res.Errors[ru.UID] = fmt.Sprintf("malformed preferences: timeframe %q", timeframe)
				mu.Unlock()
				return nil
			}
			_, serr := c.Start(gctx, StartRequest{
				UserID: ru.UID, Symbol: ru.Symbol, Timeframe: timeframe, Restart: true,
			})
			mu.Lock()
			if serr != nil {
				res.Errors[ru.UID] = serr.Error()
			} else {
				res.Restarted = append(res.Restarted, ru.UID)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if len(res.Errors) == 0 {
		res.Errors = nil
	}
	return res, nil
}

// StopAllRunning stops every running (uid, symbol).
func (c *Controller) StopAllRunning(ctx context.Context) (*RecoveryResult, error) {
	running, err := c.RunningUsers(ctx)
	if err != nil {
		return nil, err
	}
	res := &RecoveryResult{Errors: map[string]string{}}
	seen := map[string]bool{}
	for _, ru := range running {
		if seen[ru.UID] {
			continue
		}
		seen[ru.UID] = true
		if _, err := c.Stop(ctx, ru.UID); err != nil {
			res.Errors[ru.UID] = err.Error()
		} else {
			res.Restarted = append(res.Restarted, ru.UID)
		}
	}
	if len(res.Errors) == 0 {
		res.Errors = nil
	}
	return res, nil
}

// StatusInfo is the per-(uid, symbol) status snapshot.
type StatusInfo struct {
	UID       string               `json:"okx_uid"`
	Symbol    string               `json:"symbol"`
	Status    string               `json:"status"`
	TaskID    string               `json:"task_id,omitempty"`
	Positions []*position.Position `json:"positions,omitempty"`
}

// Status reads the trading status plus open position rows for a symbol.
func (c *Controller) Status(ctx context.Context, userID, symbol string) (*StatusInfo, error) {
	uid, err := c.resolver.ResolveToUID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if symbol == "" {
		prefs, _ := c.store.HGetAll(ctx, store.UserPreferencesKey(uid))
		symbol = prefs["symbol"]
		if symbol == "" {
			symbol = c.cfg.DefaultSymbol
		}
	}
	info := &StatusInfo{UID: uid, Symbol: symbol, Status: c.readStatus(ctx, uid, symbol)}
	info.TaskID, _ = c.store.Get(ctx, store.UserTaskIDKey(uid))
	for _, side := range []string{exchange.SideLong, exchange.SideShort} {
		if p, err := c.positions.Fetch(ctx, uid, symbol, side); err == nil && p != nil {
			info.Positions = append(info.Positions, p)
		}
	}
	return info, nil
}

// Shutdown cancels every live cycle and waits for them to unwind.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	for _, t := range c.tasks {
		t.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Controller) readStatus(ctx context.Context, uid, symbol string) string {
	st, err := c.store.Get(ctx, store.SymbolStatusKey(uid, symbol))
	if err != nil || st == "" {
		return StatusStopped
	}
	return st
}

// splitStatusKey parses user:{uid}:symbol:{sym}:status.
func splitStatusKey(key string) (uid, symbol string, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 5 || parts[0] != "user" || parts[len(parts)-1] != "status" {
		return "", "", false
	}
	symIdx := -1
	for i, p := range parts {
		if p == "symbol" {
			symIdx = i
			break
		}
	}
	if symIdx < 2 || symIdx >= len(parts)-2 {
		return "", "", false
	}
	uid = strings.Join(parts[1:symIdx], ":")
	symbol = strings.Join(parts[symIdx+1:len(parts)-1], ":")
	return uid, symbol, uid != "" && symbol != ""
}

// parseTimeframe maps a chart timeframe token to its bar duration.
// Returns 0 for unknown tokens.
func parseTimeframe(tf string) time.Duration {
	switch tf {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h", "1H":
		return time.Hour
	case "2h", "2H":
		return 2 * time.Hour
	case "4h", "4H":
		return 4 * time.Hour
	case "1d", "1D":
		return 24 * time.Hour
	default:
		return 0
	}
}
