package monitor

import (
	"context"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/events"
)

// tpQueue orders TP fill notifications per (uid, symbol, side): tpK only
// goes out after tp1..tpK-1 have, unless the predecessor stays missing
// past one loop iteration, in which case tpK is emitted with a fallback
// log record and the gap is forgiven.
type tpQueue struct {
	emitted [4]bool // index by level 1..3
	pending map[int]*pendingNotify
}

type pendingNotify struct {
	entry *events.Entry
	iter  int // loop iteration when queued
}

func newTPQueue() *tpQueue {
	return &tpQueue{pending: map[int]*pendingNotify{}}
}

// ready reports whether every level below lvl has been emitted.
func (q *tpQueue) ready(lvl int) bool {
	for i := 1; i < lvl; i++ {
		if !q.emitted[i] {
			return false
		}
	}
	return true
}

// queueTPNotify emits the notification if its predecessors are through,
// otherwise parks it for flushTPQueues.
func (l *Loop) queueTPNotify(uid, symbol, side string, level int, e *events.Entry) {
	key := uid + ":" + symbol + ":" + side
	q, ok := l.tpQueues[key]
	if !ok {
		q = newTPQueue()
		l.tpQueues[key] = q
	}
	if q.emitted[level] {
		return
	}
	if q.ready(level) {
		l.emitTP(q, level, e, false)
		l.releaseSuccessors(q, level)
		return
	}
	q.pending[level] = &pendingNotify{entry: e, iter: l.iter}
}

// releaseSuccessors drains parked levels that became in-order.
func (l *Loop) releaseSuccessors(q *tpQueue, from int) {
	for lvl := from + 1; lvl <= 3; lvl++ {
		p, ok := q.pending[lvl]
		if !ok || !q.ready(lvl) {
			return
		}
		delete(q.pending, lvl)
		l.emitTP(q, lvl, p.entry, false)
	}
}

// flushTPQueues runs at the end of every tick: a parked notification
// older than one iteration goes out anyway, flagged as out of order.
func (l *Loop) flushTPQueues(ctx context.Context) {
	for _, q := range l.tpQueues {
		for lvl := 1; lvl <= 3; lvl++ {
			p, ok := q.pending[lvl]
			if !ok || l.iter-p.iter <= 1 {
				continue
			}
			delete(q.pending, lvl)
			l.emitTP(q, lvl, p.entry, true)
		}
	}
}

func (l *Loop) emitTP(q *tpQueue, level int, e *events.Entry, fallback bool) {
	q.emitted[level] = true
	if fallback {
		l.logger.Warn().Str("okx_uid", e.UserID).Str("symbol", e.Symbol).Int("level", level).
			Msg("tp notification emitted out of order, predecessor missing")
	}
	if err := l.notify.Enqueue(context.Background(), e); err != nil {
		l.logger.Warn().Err(err).Str("symbol", e.Symbol).Int("level", level).
			Msg("tp notification enqueue failed")
	}
}

// resetTPQueue drops ordering state when a side closes.
func (l *Loop) resetTPQueue(uid, symbol, side string) {
	delete(l.tpQueues, uid+":"+symbol+":"+side)
}
