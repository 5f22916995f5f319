package store

import (
	"context"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is a full in-process Store implementation. It backs every unit
// test in the repo and doubles as a degraded fallback when no Redis is
// reachable at boot in development.
type Memory struct {
	mu      sync.RWMutex
	strings map[string]memVal
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	sets    map[string]map[string]struct{}
	lists   map[string][]string
	expiry  map[string]time.Time

	subMu sync.Mutex
	subs  []*memorySubscription
}

type memVal struct {
	value string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		strings: make(map[string]memVal),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		sets:    make(map[string]map[string]struct{}),
		lists:   make(map[string][]string),
		expiry:  make(map[string]time.Time),
	}
}

func (m *Memory) expired(key string) bool {
	if exp, ok := m.expiry[key]; ok && time.Now().After(exp) {
		return true
	}
	return false
}

func (m *Memory) purge(key string) {
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.zsets, key)
	delete(m.sets, key)
	delete(m.lists, key)
	delete(m.expiry, key)
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		m.purge(key)
	}
	v, ok := m.strings[key]
	if !ok {
		return "", ErrNil
	}
	return v.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = memVal{value: value}
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		m.purge(key)
	}
	if _, ok := m.strings[key]; ok {
		return false, nil
	}
	m.strings[key] = memVal{value: value}
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	}
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.purge(k)
	}
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiry[key] = time.Now().Add(ttl)
	return nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exp, ok := m.expiry[key]
	if !ok {
		return -1, nil
	}
	return time.Until(exp), nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		m.purge(key)
	}
	h, ok := m.hashes[key]
	if !ok {
		return "", ErrNil
	}
	v, ok := h[field]
	if !ok {
		return "", ErrNil
	}
	return v, nil
}

func (m *Memory) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *Memory) HSetNX(_ context.Context, key, field, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	if _, exists := h[field]; exists {
		return false, nil
	}
	h[field] = value
	return true, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		m.purge(key)
	}
	out := make(map[string]string)
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashes[key]
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (m *Memory) HIncrBy(_ context.Context, key, field string, incr int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	cur := parseInt(h[field])
	cur += incr
	h[field] = formatInt(cur)
	return cur, nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *Memory) ZRevRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	z := m.zsets[key]
	type pair struct {
		member string
		score  float64
	}
	pairs := make([]pair, 0, len(z))
	for mem, sc := range z {
		pairs = append(pairs, pair{mem, sc})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].score == pairs[j].score {
			return pairs[i].member > pairs[j].member
		}
		return pairs[i].score > pairs[j].score
	})
	if stop < 0 {
		stop = int64(len(pairs)) + stop
	}
	var out []string
	for i, p := range pairs {
		if int64(i) < start {
			continue
		}
		if int64(i) > stop {
			break
		}
		out = append(out, p.member)
	}
	return out, nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.zsets[key])), nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, mem := range members {
		set[mem] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	for _, mem := range members {
		delete(set, mem)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sets[key]))
	for mem := range m.sets[key] {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) LPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(values, m.lists[key]...)
	return nil
}

func (m *Memory) RPop(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	if len(l) == 0 {
		return "", ErrNil
	}
	v := l[len(l)-1]
	m.lists[key] = l[:len(l)-1]
	return v, nil
}

func (m *Memory) LLen(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.lists[key])), nil
}

func (m *Memory) Scan(_ context.Context, pattern string, _ int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	match := func(key string) {
		if m.expired(key) {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		if ok, _ := path.Match(pattern, key); ok {
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	for k := range m.strings {
		match(k)
	}
	for k := range m.hashes {
		match(k)
	}
	for k := range m.zsets {
		match(k)
	}
	for k := range m.sets {
		match(k)
	}
	for k := range m.lists {
		match(k)
	}
	sort.Strings(out)
	return out, nil
}

type memPipe struct {
	m   *Memory
	ctx context.Context
}

func (p memPipe) Set(key, value string, ttl time.Duration) { p.m.Set(p.ctx, key, value, ttl) }
func (p memPipe) Del(keys ...string)                       { p.m.Del(p.ctx, keys...) }
func (p memPipe) HSet(key string, fields map[string]string) {
	p.m.HSet(p.ctx, key, fields)
}
func (p memPipe) HDel(key string, fields ...string)  { p.m.HDel(p.ctx, key, fields...) }
func (p memPipe) SAdd(key string, members ...string) { p.m.SAdd(p.ctx, key, members...) }
func (p memPipe) SRem(key string, members ...string) { p.m.SRem(p.ctx, key, members...) }
func (p memPipe) ZAdd(key string, score float64, member string) {
	p.m.ZAdd(p.ctx, key, score, member)
}
func (p memPipe) Expire(key string, ttl time.Duration) { p.m.Expire(p.ctx, key, ttl) }
func (p memPipe) Publish(channel, payload string)      { p.m.Publish(p.ctx, channel, payload) }

func (m *Memory) Pipeline(ctx context.Context, fn func(Pipe)) error {
	fn(memPipe{m: m, ctx: ctx})
	return nil
}

type memorySubscription struct {
	m        *Memory
	channels map[string]struct{}
	out      chan Message
	closed   bool
	mu       sync.Mutex
}

func (s *memorySubscription) Channel() <-chan Message { return s.out }

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.out)
	s.m.subMu.Lock()
	for i, sub := range s.m.subs {
		if sub == s {
			s.m.subs = append(s.m.subs[:i], s.m.subs[i+1:]...)
			break
		}
	}
	s.m.subMu.Unlock()
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	sub := &memorySubscription{
		m:        m,
		channels: make(map[string]struct{}, len(channels)),
		out:      make(chan Message, 64),
	}
	for _, c := range channels {
		sub.channels[c] = struct{}{}
	}
	m.subMu.Lock()
	m.subs = append(m.subs, sub)
	m.subMu.Unlock()
	return sub, nil
}

func (m *Memory) Publish(_ context.Context, channel, payload string) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, sub := range m.subs {
		sub.mu.Lock()
		if !sub.closed {
			if _, ok := sub.channels[channel]; ok {
				select {
				case sub.out <- Message{Channel: channel, Payload: payload}:
				default:
				}
			} else {
				// Support glob subscriptions used by pattern listeners.
				for c := range sub.channels {
					if strings.Contains(c, "*") {
						if ok, _ := path.Match(c, channel); ok {
							select {
							case sub.out <- Message{Channel: channel, Payload: payload}:
							default:
							}
							break
						}
					}
				}
			}
		}
		sub.mu.Unlock()
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func formatInt(n int64) string { return strconv.FormatInt(n, 10) }
