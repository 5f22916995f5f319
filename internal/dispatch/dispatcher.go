// Package dispatch delivers user-facing messages through per-user FIFO
// queues with classified retries, fans every record into the ordered log
// stream, and keeps per-user delivery counters.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/events"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
)

const (
	maxSendAttempts = 3
	retryInterval   = time.Second
	// maxParallelSends bounds concurrent chat-API calls process-wide.
	maxParallelSends = 3
)

// ChatResolver maps an exchange UID to its linked chat ID; empty string
// means no link (message is logged but not sent).
type ChatResolver interface {
	ResolveToChatID(ctx context.Context, uid string) (string, error)
}

// Dispatcher owns the queues and workers.
type Dispatcher struct {
	store    store.Store
	resolver ChatResolver
	sender   Sender
	sem      *semaphore.Weighted
	logger   zerolog.Logger

	mu      sync.Mutex
	workers map[string]struct{}
	wg      sync.WaitGroup

	// sleep is swapped in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration)
}

func NewDispatcher(s store.Store, resolver ChatResolver, sender Sender, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    s,
		resolver: resolver,
		sender:   sender,
		sem:      semaphore.NewWeighted(maxParallelSends),
		logger:   logger,
		workers:  map[string]struct{}{},
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// Log appends an entry to the user's ordered log stream and publishes it
// on the live channel. It never sends a chat message.
func (d *Dispatcher) Log(ctx context.Context, e *events.Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	uid := e.UserID
	if err := d.store.ZAdd(ctx, store.LogsKey(uid), float64(e.Timestamp.Unix()), string(raw)); err != nil {
		return fmt.Errorf("append log for %s: %w", uid, err)
	}
	if err := d.store.Publish(ctx, store.LogChannelKey(uid), string(raw)); err != nil {
		d.logger.Warn().Err(err).Str("okx_uid", uid).Msg("log stream publish failed")
	}
	return nil
}

// Enqueue logs the entry and queues it for chat delivery, spawning the
// user's worker when none is draining.
func (d *Dispatcher) Enqueue(ctx context.Context, e *events.Entry) error {
	if err := d.Log(ctx, e); err != nil {
		return err
	}
	raw, _ := json.Marshal(e)
	if err := d.store.LPush(ctx, store.QueueKey(e.UserID), string(raw)); err != nil {
		return fmt.Errorf("enqueue for %s: %w", e.UserID, err)
	}
	d.ensureWorker(e.UserID)
	return nil
}

// ensureWorker starts a drain goroutine for uid unless one is live.
func (d *Dispatcher) ensureWorker(uid string) {
	d.mu.Lock()
	if _, ok := d.workers[uid]; ok {
		d.mu.Unlock()
		return
	}
	d.workers[uid] = struct{}{}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.workers, uid)
			d.mu.Unlock()
		}()
		d.drain(context.Background(), uid)
	}()
}

// Drain synchronously empties the user's queue. Exposed for tests and
// for the HTTP enqueue path that wants completion before responding.
func (d *Dispatcher) Drain(ctx context.Context, uid string) {
	d.drain(ctx, uid)
}

// drain processes the queue under the processing flag. Another live
// holder of the flag means a concurrent worker exists; back off.
func (d *Dispatcher) drain(ctx context.Context, uid string) {
	flag := store.ProcessingKey(uid)
	ok, err := d.store.SetNX(ctx, flag, "1", store.ProcessingFlagTTL)
	if err != nil || !ok {
		return
	}
	defer d.store.Del(context.WithoutCancel(ctx), flag)

	for {
		raw, err := d.store.RPop(ctx, store.QueueKey(uid))
		if errors.Is(err, store.ErrNil) {
			return
		}
		if err != nil {
			d.logger.Error().Err(err).Str("okx_uid", uid).Msg("queue pop failed")
			return
		}
		// Keep the flag alive while a slow send is in flight.
		d.store.Expire(ctx, flag, store.ProcessingFlagTTL)

		var e events.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			d.logger.Warn().Err(err).Str("okx_uid", uid).Msg("dropping undecodable queue entry")
			continue
		}
		d.deliver(ctx, uid, &e)
	}
}

// deliver sends one entry and updates the counters. A user with no chat
// link downgrades silently: counted, not sent.
func (d *Dispatcher) deliver(ctx context.Context, uid string, e *events.Entry) {
	statsKey := store.TelegramStatsKey(uid)
	d.store.HIncrBy(ctx, statsKey, "total", 1)
	if e.Category != "" {
		d.store.HIncrBy(ctx, statsKey, "category:"+e.Category, 1)
	}

	chatID, err := d.resolver.ResolveToChatID(ctx, uid)
	if err != nil {
		d.logger.Warn().Err(err).Str("okx_uid", uid).Msg("chat resolution failed")
	}
	if chatID == "" {
		d.store.HIncrBy(ctx, statsKey, "success", 1)
		return
	}

	msgID, err := d.send(ctx, chatID, e.Content)
	if err != nil {
		d.store.HIncrBy(ctx, statsKey, "failed", 1)
		d.logger.Warn().Err(err).Str("okx_uid", uid).Str("category", e.Category).Msg("message delivery failed")
		return
	}
	d.store.HIncrBy(ctx, statsKey, "success", 1)
	e.MessageID = msgID
}

// send applies the retry policy: terminal classes stop immediately,
// rate limits suspend for the server-provided interval, transients get
// up to three 1-second-spaced attempts.
func (d *Dispatcher) send(ctx context.Context, chatID, text string) (string, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer d.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		if attempt > 0 {
			d.sleep(ctx, retryInterval)
		}
		msgID, err := d.sender.Send(ctx, chatID, text, true)
		if err == nil {
			return msgID, nil
		}
		lastErr = err
		if errors.Is(err, ErrAuthDenied) || errors.Is(err, ErrBadRequest) {
			return "", err
		}
		var rl *RateLimitError
		if errors.As(err, &rl) {
			d.sleep(ctx, rl.RetryAfter)
			continue
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

// Close waits for in-flight workers.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}

// RecentLogs pages through the log stream newest-first, with optional
// category and strategy-type filters applied after decode.
func (d *Dispatcher) RecentLogs(ctx context.Context, uid string, limit, offset int64,
	category, strategyType string) ([]events.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := d.store.ZRevRange(ctx, store.LogsKey(uid), offset, offset+limit-1)
	if err != nil {
		return nil, fmt.Errorf("read logs for %s: %w", uid, err)
	}
	out := make([]events.Entry, 0, len(raw))
	for _, r := range raw {
		var e events.Entry
		if json.Unmarshal([]byte(r), &e) != nil {
			continue
		}
		if category != "" && e.Category != category {
			continue
		}
		if strategyType != "" && e.StrategyType != strategyType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Stats returns the per-user delivery counters.
func (d *Dispatcher) Stats(ctx context.Context, uid string) (map[string]string, error) {
	m, err := d.store.HGetAll(ctx, store.TelegramStatsKey(uid))
	if err != nil {
		return nil, fmt.Errorf("read dispatch stats for %s: %w", uid, err)
	}
	return m, nil
}
