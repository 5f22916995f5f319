package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/dispatch"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/identity"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/orders"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/position"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/scheduler"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/settings"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/strategy"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/tpsl"
)

type nullSender struct{}

func (nullSender) Send(ctx context.Context, chatID, text string, html bool) (string, error) {
	return "1", nil
}

type stubTraders struct{}

func (stubTraders) Acquire(ctx context.Context, uid string) (exchange.Trader, func(), error) {
	return nil, func() {}, nil
}

func newTestServer(t *testing.T) (*Server, *store.Memory, *scheduler.Controller) {
	t.Helper()
	mem := store.NewMemory()
	nop := zerolog.Nop()
	resolver := identity.NewResolver(mem, nil, nop)
	creds := identity.NewCredentialStore(mem, nil)
	repo := position.NewRepository(mem, nop)
	tracker := orders.NewTracker(mem, nop)
	engine := tpsl.NewEngine(mem, repo, tracker, nil, nil, nop)
	settingsSvc := settings.NewService(mem, nop)
	presets := settings.NewPresetService(mem, nop)
	dispatcher := dispatch.NewDispatcher(mem, resolver, nullSender{}, nop)
	decider := strategy.NewDecider(nil, nil, nil, nop)

	controller := scheduler.NewController(scheduler.Config{
		CycleLockTTL:     time.Minute,
		DefaultSymbol:    "BTC-USDT-SWAP",
		DefaultTimeframe: "15m",
	}, mem, resolver, creds, stubTraders{}, repo, engine, settingsSvc, decider, dispatcher, nop)

	srv := NewServer(Config{ProductionMode: true}, mem, controller, resolver, creds,
		settingsSvc, presets, dispatcher, nop)
	return srv, mem, controller
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)
	if w := doJSON(t, srv, http.MethodGet, "/status/", nil); w.Code != http.StatusOK {
		t.Fatalf("/status/ = %d", w.Code)
	}
	if w := doJSON(t, srv, http.MethodGet, "/status/redis", nil); w.Code != http.StatusOK {
		t.Fatalf("/status/redis = %d", w.Code)
	}
}

func TestRegisterThenStartStop(t *testing.T) {
	srv, _, controller := newTestServer(t)
	defer controller.Shutdown()
	uid := "123456789012"

	w := doJSON(t, srv, http.MethodPost, "/user/register", jsonBody{
		"user_id": uid, "api_key": "k", "secret": "s", "passphrase": "p",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("register = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, http.MethodPost, "/trading/start", jsonBody{"user_id": uid})
	if w.Code != http.StatusOK {
		t.Fatalf("start = %d: %s", w.Code, w.Body.String())
	}
	var res scheduler.StartResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil || res.TaskID == "" {
		t.Fatalf("start response malformed: %s", w.Body.String())
	}

	// Second start without restart is rejected 400.
	w = doJSON(t, srv, http.MethodPost, "/trading/start", jsonBody{"user_id": uid})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("duplicate start = %d, want 400", w.Code)
	}

	w = doJSON(t, srv, http.MethodPost, "/trading/stop", jsonBody{"okx_uid": uid})
	if w.Code != http.StatusOK {
		t.Fatalf("stop = %d: %s", w.Code, w.Body.String())
	}
}

func TestStartWithoutCredentials(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodPost, "/trading/start", jsonBody{"user_id": "123456789012"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("start without keys = %d, want 400", w.Code)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)
	uid := "123456789012"

	w := doJSON(t, srv, http.MethodGet, "/settings/"+uid, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("settings get = %d", w.Code)
	}
	var set settings.Settings
	if err := json.Unmarshal(w.Body.Bytes(), &set); err != nil {
		t.Fatal(err)
	}
	set.Leverage = 20
	if w := doJSON(t, srv, http.MethodPut, "/settings/"+uid, set); w.Code != http.StatusOK {
		t.Fatalf("settings put = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, http.MethodGet, "/settings/"+uid, nil)
	var back settings.Settings
	if err := json.Unmarshal(w.Body.Bytes(), &back); err != nil {
		t.Fatal(err)
	}
	if back.Leverage != 20 {
		t.Fatalf("leverage = %d after put, want 20", back.Leverage)
	}
}

func TestSettingsPutRejectsInvalid(t *testing.T) {
	srv, _, _ := newTestServer(t)
	set := settings.Default()
	set.TP1Ratio, set.TP2Ratio, set.TP3Ratio = 50, 50, 50 // sums to 150
	if w := doJSON(t, srv, http.MethodPut, "/settings/123456789012", set); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid settings accepted: %d", w.Code)
	}
}

func TestPresetLifecycle(t *testing.T) {
	srv, mem, _ := newTestServer(t)
	uid := "123456789012"

	w := doJSON(t, srv, http.MethodPost, "/presets?user_id="+uid, jsonBody{
		"name": "scalp", "description": "fast", "is_default": true,
		"settings": settings.Default(),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("preset create = %d: %s", w.Code, w.Body.String())
	}
	var p settings.Preset
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil || p.ID == "" {
		t.Fatalf("preset response malformed: %s", w.Body.String())
	}

	if w := doJSON(t, srv, http.MethodGet, "/presets/"+p.ID+"?user_id="+uid, nil); w.Code != http.StatusOK {
		t.Fatalf("preset get = %d", w.Code)
	}

	// Bind the preset to a symbol; deletion must then conflict.
	ctx := context.Background()
	presets := settings.NewPresetService(mem, zerolog.Nop())
	if err := presets.BindSymbol(ctx, uid, "BTC-USDT-SWAP", p.ID); err != nil {
		t.Fatal(err)
	}
	if w := doJSON(t, srv, http.MethodDelete, "/presets/"+p.ID+"?user_id="+uid, nil); w.Code != http.StatusConflict {
		t.Fatalf("delete of bound preset = %d, want 409", w.Code)
	}

	if w := doJSON(t, srv, http.MethodGet, "/presets/missing?user_id="+uid, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing preset get = %d, want 404", w.Code)
	}
}

func TestReverseLookupNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	if w := doJSON(t, srv, http.MethodGet, "/user/okx/999999999999/telegram", nil); w.Code != http.StatusNotFound {
		t.Fatalf("reverse lookup = %d, want 404", w.Code)
	}
}

func TestLogsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	uid := "123456789012"

	w := doJSON(t, srv, http.MethodPost, "/telegram/messages/"+uid+"?message=hello", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("enqueue = %d: %s", w.Code, w.Body.String())
	}
	// The dispatcher logs the entry synchronously on enqueue.
	w = doJSON(t, srv, http.MethodGet, "/telegram/logs/by_okx_uid/"+uid, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("logs = %d", w.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count == 0 {
		t.Fatal("no log entries recorded for the queued message")
	}
}

// jsonBody is shorthand for ad-hoc request payloads.
type jsonBody map[string]any
