// Package api exposes the HTTP control surface: trading start/stop,
// user and settings management, preset CRUD, telegram log queries and
// the live WebSocket log stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/dispatch"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/identity"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/scheduler"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/settings"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/tpsl"
)

// Config holds the server listen settings.
type Config struct {
	Host            string
	Port            int
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	ProductionMode  bool
}

// Server is the HTTP API server.
type Server struct {
	cfg        Config
	router     *gin.Engine
	httpServer *http.Server

	store      store.Store
	controller *scheduler.Controller
	resolver   *identity.Resolver
	creds      *identity.CredentialStore
	settings   *settings.Service
	presets    *settings.PresetService
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger
}

// NewServer wires the router.
func NewServer(cfg Config, s store.Store, controller *scheduler.Controller,
	resolver *identity.Resolver, creds *identity.CredentialStore,
	settingsSvc *settings.Service, presets *settings.PresetService,
	dispatcher *dispatch.Dispatcher, logger zerolog.Logger) *Server {

	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsCfg))

	srv := &Server{
		cfg:        cfg,
		router:     router,
		store:      s,
		controller: controller,
		resolver:   resolver,
		creds:      creds,
		settings:   settingsSvc,
		presets:    presets,
		dispatcher: dispatcher,
		logger:     logger,
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	r := s.router

	status := r.Group("/status")
	{
		status.GET("/", s.handleHealth)
		status.GET("/redis", s.handleRedisHealth)
	}

	trading := r.Group("/trading")
	{
		trading.POST("/start", s.handleTradingStart)
		trading.POST("/stop", s.handleTradingStop)
		trading.POST("/start_all_users", s.handleStartAllUsers)
		trading.POST("/stop_all_running_users", s.handleStopAllUsers)
		trading.GET("/running_users", s.handleRunningUsers)
		trading.GET("/status/:uid", s.handleTradingStatus)
		trading.GET("/status/:uid/:symbol", s.handleTradingStatus)
	}

	user := r.Group("/user")
	{
		user.POST("/register", s.handleUserRegister)
		user.GET("/okx/:uid/telegram", s.handleReverseLookup)
		user.GET("/:uid", s.handleUserGet)
		user.GET("/:uid/okx_uid", s.handleMappingGet)
		user.POST("/:uid/okx_uid/:okx_uid", s.handleMappingSet)
	}

	cfg := r.Group("/settings")
	{
		cfg.GET("/:uid", s.handleSettingsGet)
		cfg.PUT("/:uid", s.handleSettingsPut)
		cfg.POST("/:uid/reset", s.handleSettingsReset)
		cfg.GET("/:uid/dual_side", s.handleDualSideGet)
		cfg.PUT("/:uid/dual_side", s.handleDualSidePut)
	}

	presets := r.Group("/presets")
	{
		presets.GET("", s.handlePresetList)
		presets.POST("", s.handlePresetCreate)
		presets.GET("/:id", s.handlePresetGet)
		presets.PUT("/:id", s.handlePresetUpdate)
		presets.DELETE("/:id", s.handlePresetDelete)
		presets.POST("/:id/default", s.handlePresetSetDefault)
	}

	tg := r.Group("/telegram")
	{
		tg.POST("/messages/:uid", s.handleEnqueueMessage)
		tg.GET("/logs/:uid", s.handleLogs)
		tg.GET("/logs/by_okx_uid/:uid", s.handleLogsByUID)
		tg.GET("/stats/:uid", s.handleStats)
		tg.GET("/ws/logs/:uid", s.handleWSLogs)
		tg.GET("/ws/logs/by_okx_uid/:uid", s.handleWSLogsByUID)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.router,
	}
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http api listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(sctx)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler { return s.router }

// fail writes the structured error body, mapping typed error kinds to
// HTTP-style codes.
func (s *Server) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	var verr *settings.ValidationError
	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		code = http.StatusBadRequest
	case errors.As(err, &verr):
		code = http.StatusBadRequest
	case errors.Is(err, exchange.ErrNoCredentials):
		code = http.StatusBadRequest
	case errors.Is(err, exchange.ErrAuth):
		code = http.StatusUnauthorized
	case errors.Is(err, exchange.ErrNotFound), errors.Is(err, settings.ErrPresetNotFound), errors.Is(err, store.ErrNil):
		code = http.StatusNotFound
	case errors.Is(err, settings.ErrPresetInUse):
		code = http.StatusConflict
	case errors.Is(err, exchange.ErrRateLimited):
		code = http.StatusTooManyRequests
	case errors.Is(err, tpsl.ErrReconcileBusy):
		code = http.StatusConflict
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleRedisHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
