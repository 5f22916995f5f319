package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeTrader struct {
	Trader
	id        int
	probeErr  error
	probeMu   sync.Mutex
	probeHits int
}

func (f *fakeTrader) LoadMarkets(context.Context) error {
	f.probeMu.Lock()
	f.probeHits++
	f.probeMu.Unlock()
	return f.probeErr
}

type fakeCreds struct {
	creds Credentials
	err   error
}

func (f fakeCreds) Credentials(context.Context, string) (Credentials, error) {
	return f.creds, f.err
}

func newTestPool(maxSize int, maxAge time.Duration) (*Pool, *int) {
	built := 0
	factory := func(context.Context, Credentials) (Trader, error) {
		built++
		return &fakeTrader{id: built}, nil
	}
	creds := fakeCreds{creds: Credentials{Key: "k", Secret: "s", Passphrase: "p"}}
	p := NewPool("646396755365762614", maxSize, maxAge, creds, factory, nil, zerolog.Nop())
	return p, &built
}

func TestPoolReusesReleasedClient(t *testing.T) {
	p, built := newTestPool(2, time.Hour)
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(c1)
	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if c1 != c2 {
		t.Fatal("released client not reused")
	}
	if *built != 1 {
		t.Fatalf("built %d clients, want 1", *built)
	}
}

func TestPoolFullAfterBackoff(t *testing.T) {
	p, _ := newTestPool(2, time.Hour)
	ctx := context.Background()

	if _, err := p.Acquire(ctx); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if _, err := p.Acquire(ctx); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	start := time.Now()
	_, err := p.Acquire(ctx)
	if !errors.Is(err, ErrPoolFull) {
		t.Fatalf("err = %v, want ErrPoolFull", err)
	}
	// Backoff ladder is 0.5 + 1 + 2 seconds before giving up.
	if elapsed := time.Since(start); elapsed < 3*time.Second || elapsed > 5*time.Second {
		t.Fatalf("pool-full wait = %s, want ~3.5s", elapsed)
	}
}

func TestPoolEvictsAgedClients(t *testing.T) {
	p, built := newTestPool(2, 10*time.Millisecond)
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(c1)
	time.Sleep(20 * time.Millisecond)

	if _, err := p.Acquire(ctx); err != nil {
		t.Fatalf("acquire after age-out: %v", err)
	}
	if *built != 2 {
		t.Fatalf("built %d clients, want 2 (aged client evicted)", *built)
	}
}

func TestPoolDropsFailedValidation(t *testing.T) {
	p, built := newTestPool(2, time.Hour)
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	c1.(*fakeTrader).probeErr = errors.New("timeout")
	p.Release(c1)

	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after bad probe: %v", err)
	}
	if c1 == c2 {
		t.Fatal("invalid client handed out again")
	}
	if *built != 2 {
		t.Fatalf("built %d clients, want 2", *built)
	}
}

func TestPoolAuthErrorSurfaces(t *testing.T) {
	p, _ := newTestPool(2, time.Hour)
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	c1.(*fakeTrader).probeErr = ErrAuth
	p.Release(c1)

	// The idle client fails with an auth error; the caller must see it so
	// it can stop retrying, not a rebuilt client.
	if _, err := p.Acquire(ctx); !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}

func TestPoolManagerInvalidateUser(t *testing.T) {
	built := 0
	factory := func(context.Context, Credentials) (Trader, error) {
		built++
		return &fakeTrader{id: built}, nil
	}
	m := NewPoolManager(2, time.Hour, fakeCreds{creds: Credentials{Key: "k", Secret: "s", Passphrase: "p"}}, factory, nil, zerolog.Nop())

	p := m.ForUser("646396755365762614")
	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(c)

	m.InvalidateUser("646396755365762614")
	if p.Size() != 0 {
		t.Fatalf("pool size after invalidate = %d, want 0", p.Size())
	}
}
