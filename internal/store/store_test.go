package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStringTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := m.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("get = %q, %v", got, err)
	}

	if err := m.Set(ctx, "tmp", "x", time.Millisecond); err != nil {
		t.Fatalf("set ttl: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := m.Get(ctx, "tmp"); err != ErrNil {
		t.Fatalf("expected ErrNil after expiry, got %v", err)
	}
}

func TestMemorySetNX(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.SetNX(ctx, "lock", "1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first setnx = %v, %v", ok, err)
	}
	ok, err = m.SetNX(ctx, "lock", "2", time.Minute)
	if err != nil || ok {
		t.Fatalf("second setnx should fail, got %v, %v", ok, err)
	}
}

func TestMemoryScanPattern(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.Set(ctx, SymbolStatusKey("123456789012", "BTC-USDT-SWAP"), "running", 0)
	m.Set(ctx, SymbolStatusKey("123456789013", "ETH-USDT-SWAP"), "stopped", 0)
	m.Set(ctx, UserTaskIDKey("123456789012"), "t1", 0)

	keys, err := m.Scan(ctx, SymbolStatusPattern, 100)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("scan matched %d keys, want 2: %v", len(keys), keys)
	}
}

func TestMemoryZRevRangeOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.ZAdd(ctx, "logs", 100, "oldest")
	m.ZAdd(ctx, "logs", 300, "newest")
	m.ZAdd(ctx, "logs", 200, "middle")

	got, err := m.ZRevRange(ctx, "logs", 0, -1)
	if err != nil {
		t.Fatalf("zrevrange: %v", err)
	}
	want := []string{"newest", "middle", "oldest"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("zrevrange order = %v, want %v", got, want)
		}
	}
}

func TestMemoryPubSub(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	sub, err := m.Subscribe(ctx, LogChannelKey("111"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := m.Publish(ctx, LogChannelKey("111"), "hello"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-sub.Channel():
		if msg.Payload != "hello" {
			t.Fatalf("payload = %q", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}

func TestMemoryPipelineAtomicKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	err := m.Pipeline(ctx, func(p Pipe) {
		p.Set(ChatToUIDKey("12345"), "646396755365762614", 0)
		p.Set(UIDToChatKey("646396755365762614"), "12345", 0)
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	uid, _ := m.Get(ctx, ChatToUIDKey("12345"))
	chat, _ := m.Get(ctx, UIDToChatKey(uid))
	if chat != "12345" {
		t.Fatalf("round trip = %q, want 12345", chat)
	}
}

func TestMemoryCacheSweep(t *testing.T) {
	c := newMemoryCache(10 * time.Millisecond)
	c.set("a", "1", time.Millisecond)

	if _, ok := c.get("a"); ok {
		time.Sleep(2 * time.Millisecond)
	}
	if _, ok := c.get("a"); ok {
		t.Fatal("expired entry still visible through get")
	}
	// Stale read still works before the sweeper evicts.
	if _, ok := c.getStale("a"); !ok {
		t.Fatal("stale entry should survive until sweep")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go c.sweep(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()

	if _, ok := c.getStale("a"); ok {
		t.Fatal("sweeper did not evict expired entry")
	}
}
