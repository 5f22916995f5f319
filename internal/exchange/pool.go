package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pool acquire backoff: 0.5s, 1s, 2s, then ErrPoolFull.
const (
	acquireMaxRetries = 3
	acquireBaseDelay  = 500 * time.Millisecond
)

// Defaults for pool sizing.
const (
	DefaultPoolMaxSize = 10
	DefaultPoolMaxAge  = time.Hour
)

// MetricsCollector receives pool metrics. A nil collector is a no-op.
type MetricsCollector interface {
	ClientCreated(uid string)
	ClientReleased(uid string)
	ClientError(uid string)
	AcquireWait(uid string, d time.Duration)
	PoolSize(uid string, size int)
}

// CredentialsSource loads a user's API triplet from the state store.
type CredentialsSource interface {
	Credentials(ctx context.Context, uid string) (Credentials, error)
}

// ClientFactory builds a validated Trader for a user. The production
// factory wraps NewClient; tests substitute fakes.
type ClientFactory func(ctx context.Context, creds Credentials) (Trader, error)

type pooledClient struct {
	trader    Trader
	createdAt time.Time
	inUse     bool
}

// Pool is a bounded set of authenticated exchange clients for one user.
// Clients older than maxAge are evicted; idle clients are re-validated
// with a 5-second market probe before being handed out.
type Pool struct {
	uid     string
	maxSize int
	maxAge  time.Duration
	factory ClientFactory
	creds   CredentialsSource
	metrics MetricsCollector
	logger  zerolog.Logger

	mu      sync.Mutex
	clients []*pooledClient
}

// NewPool creates a pool for one user.
func NewPool(uid string, maxSize int, maxAge time.Duration, creds CredentialsSource, factory ClientFactory, metrics MetricsCollector, logger zerolog.Logger) *Pool {
	if maxSize <= 0 {
		maxSize = DefaultPoolMaxSize
	}
	if maxAge <= 0 {
		maxAge = DefaultPoolMaxAge
	}
	return &Pool{
		uid:     uid,
		maxSize: maxSize,
		maxAge:  maxAge,
		factory: factory,
		creds:   creds,
		metrics: metrics,
		logger:  logger.With().Str("okx_uid", uid).Logger(),
	}
}

// Acquire returns a validated client, building one when the pool has
// headroom. At capacity it retries with 0.5s * 2^n backoff before failing
// with ErrPoolFull.
func (p *Pool) Acquire(ctx context.Context) (Trader, error) {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		trader, err := p.tryAcquire(ctx)
		if err == nil {
			if p.metrics != nil {
				p.metrics.AcquireWait(p.uid, time.Since(start))
			}
			return trader, nil
		}
		if !errors.Is(err, ErrPoolFull) {
			if p.metrics != nil {
				p.metrics.ClientError(p.uid)
			}
			return nil, err
		}
		if attempt >= acquireMaxRetries {
			if p.metrics != nil {
				p.metrics.ClientError(p.uid)
			}
			return nil, fmt.Errorf("acquire for %s after %d attempts: %w", p.uid, attempt, ErrPoolFull)
		}
		delay := acquireBaseDelay * time.Duration(1<<uint(attempt))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (p *Pool) tryAcquire(ctx context.Context) (Trader, error) {
	// Hand out the first idle client that still validates. Validation is
	// an I/O call, so the pool lock is dropped around it.
	for {
		p.mu.Lock()
		// Evict idle clients past max age.
		kept := p.clients[:0]
		for _, pc := range p.clients {
			if !pc.inUse && time.Since(pc.createdAt) > p.maxAge {
				continue
			}
			kept = append(kept, pc)
		}
		p.clients = kept

		var cand *pooledClient
		for _, pc := range p.clients {
			if !pc.inUse {
				pc.inUse = true
				cand = pc
				break
			}
		}
		if cand == nil {
			if len(p.clients) >= p.maxSize {
				p.mu.Unlock()
				return nil, ErrPoolFull
			}
			p.mu.Unlock()
			break
		}
		p.mu.Unlock()

		err := cand.trader.LoadMarkets(ctx)
		if err == nil {
			return cand.trader, nil
		}
		p.Remove(cand.trader)
		if errors.Is(err, ErrAuth) {
			return nil, err
		}
		p.logger.Warn().Err(err).Msg("pooled client failed validation, dropping")
	}

	creds, err := p.creds.Credentials(ctx, p.uid)
	if err != nil {
		return nil, fmt.Errorf("load credentials for %s: %w", p.uid, err)
	}
	if !creds.Valid() {
		return nil, ErrNoCredentials
	}
	trader, err := p.factory(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("build client for %s: %w", p.uid, err)
	}
	if err := trader.LoadMarkets(ctx); err != nil {
		return nil, fmt.Errorf("validate new client for %s: %w", p.uid, err)
	}

	p.mu.Lock()
	if len(p.clients) >= p.maxSize {
		p.mu.Unlock()
		return nil, ErrPoolFull
	}
	p.clients = append(p.clients, &pooledClient{trader: trader, createdAt: time.Now(), inUse: true})
	size := len(p.clients)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.ClientCreated(p.uid)
		p.metrics.PoolSize(p.uid, size)
	}
	return trader, nil
}

// Release returns a client to the available set without closing it.
func (p *Pool) Release(t Trader) {
	p.mu.Lock()
	for _, pc := range p.clients {
		if pc.trader == t {
			pc.inUse = false
			break
		}
	}
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.ClientReleased(p.uid)
	}
}

// Remove drops a client from the pool entirely.
func (p *Pool) Remove(t Trader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, pc := range p.clients {
		if pc.trader == t {
			p.clients = append(p.clients[:i], p.clients[i+1:]...)
			return
		}
	}
}

// Size returns the current pool membership count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Drain drops every client.
func (p *Pool) Drain() {
	p.mu.Lock()
	p.clients = nil
	p.mu.Unlock()
}

// PoolManager maps users to their pools. Pools are created lazily and
// shared across all concurrent cycles of a user.
type PoolManager struct {
	maxSize int
	maxAge  time.Duration
	creds   CredentialsSource
	factory ClientFactory
	metrics MetricsCollector
	logger  zerolog.Logger

	mu    sync.Mutex
	pools map[string]*Pool
}

// NewPoolManager creates the process-wide pool registry.
func NewPoolManager(maxSize int, maxAge time.Duration, creds CredentialsSource, factory ClientFactory, metrics MetricsCollector, logger zerolog.Logger) *PoolManager {
	return &PoolManager{
		maxSize: maxSize,
		maxAge:  maxAge,
		creds:   creds,
		factory: factory,
		metrics: metrics,
		logger:  logger,
		pools:   make(map[string]*Pool),
	}
}

// ForUser returns the user's pool, creating it on first use.
func (m *PoolManager) ForUser(uid string) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[uid]
	if !ok {
		p = NewPool(uid, m.maxSize, m.maxAge, m.creds, m.factory, m.metrics, m.logger)
		m.pools[uid] = p
	}
	return p
}

// Acquire checks a client out of the user's pool. The returned release
// func must be called exactly once when the caller is done with it.
func (m *PoolManager) Acquire(ctx context.Context, uid string) (Trader, func(), error) {
	p := m.ForUser(uid)
	trader, err := p.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return trader, func() { p.Release(trader) }, nil
}

// InvalidateUser closes and drops every client for a user. Called when
// credentials change or an auth error surfaces.
func (m *PoolManager) InvalidateUser(uid string) {
	m.mu.Lock()
	p, ok := m.pools[uid]
	m.mu.Unlock()
	if ok {
		p.Drain()
	}
}
