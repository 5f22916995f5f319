package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/seungdori/TradingBoost-Strategy-sub006/config"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/api"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/dispatch"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/identity"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/logging"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/monitor"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/orders"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/position"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/scheduler"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/settings"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/strategy"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/tpsl"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/trailing"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file (default: configs/config.yaml)")
	flag.Parse()

	// .env is optional; real deployments set TB_* in the environment.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	logging.Init(cfg.Logging)
	logger := logging.Component("main")

	pidfile, err := scheduler.AcquirePIDFile(cfg.Scheduler.PidFile)
	if err != nil {
		var locked *scheduler.ErrAlreadyLocked
		if errors.As(err, &locked) {
			logger.Error().Int("pid", locked.PID).Msg("another controller instance is already running")
		} else {
			logger.Error().Err(err).Msg("pid file acquisition failed")
		}
		return 1
	}
	defer pidfile.Release()

	st := store.NewRedis(store.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, logging.Component("store"))
	defer st.Close()

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()
	if err := st.Ping(bootCtx); err != nil {
		logger.Error().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable")
		return 1
	}
	if err := scheduler.MigrateLegacyKeys(bootCtx, st, logging.Component("migrate")); err != nil {
		// Migration failures leave old keys readable via the twin lookups.
		logger.Warn().Err(err).Msg("legacy key migration incomplete")
	}

	var directory identity.Directory
	if cfg.Postgres.DSN != "" {
		pg, err := identity.NewPGDirectory(bootCtx, cfg.Postgres.DSN)
		if err != nil {
			logger.Warn().Err(err).Msg("user directory unavailable, continuing without fallback")
		} else {
			directory = pg
			defer pg.Close()
		}
	}

	resolver := identity.NewResolver(st, directory, logging.Component("identity"))
	creds := identity.NewCredentialStore(st, directory)

	factory := func(ctx context.Context, c exchange.Credentials) (exchange.Trader, error) {
		client := exchange.NewClient(cfg.OKX.BaseURL, c, cfg.OKX.Demo, logging.Component("exchange"))
		if err := client.LoadMarkets(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
	pools := exchange.NewPoolManager(cfg.Pool.MaxSize, cfg.Pool.MaxAge, creds, factory, nil,
		logging.Component("pool"))

	var sender dispatch.Sender = dispatch.NopSender{}
	if cfg.Telegram.Enabled {
		sender = dispatch.NewTelegramSender(cfg.Telegram.BotToken, cfg.Telegram.BaseURL, 10*time.Second)
	}
	dispatcher := dispatch.NewDispatcher(st, resolver, sender, logging.Component("dispatch"))

	positions := position.NewRepository(st, logging.Component("position"))
	tracker := orders.NewTracker(st, logging.Component("orders"))
	engine := tpsl.NewEngine(st, positions, tracker, nil, nil, logging.Component("tpsl"))
	trail := trailing.NewHandler(st, positions, logging.Component("trailing"))
	settingsSvc := settings.NewService(st, logging.Component("settings"))
	presets := settings.NewPresetService(st, logging.Component("settings"))
	decider := strategy.NewDecider(nil, nil, nil, logging.Component("strategy"))

	controller := scheduler.NewController(scheduler.Config{
		CycleLockTTL:     cfg.Scheduler.CycleLockTTL,
		DefaultSymbol:    cfg.Scheduler.DefaultSymbol,
		DefaultTimeframe: cfg.Scheduler.DefaultTimeframe,
	}, st, resolver, creds, pools, positions, engine, settingsSvc, decider, dispatcher,
		logging.Component("scheduler"))

	mcfg := monitor.DefaultConfig()
	mcfg.FullPollEvery = cfg.Monitor.TickInterval
	mcfg.MemoryLimitMB = cfg.Monitor.MemoryLimitMB
	mcfg.StaleNotifyAfter = cfg.Monitor.StaleNotifyAge
	mcfg.ClosureVerifyDelay = cfg.Monitor.ClosureVerifyIn
	mcfg.CooldownTTL = cfg.Monitor.CooldownTTL
	loop := monitor.NewLoop(mcfg, st, tracker, positions, engine, trail, pools, settingsSvc,
		dispatcher, logging.Component("monitor"))
	supervisor := monitor.NewSupervisor(loop, cfg.Monitor.MaxRestarts, dispatcher,
		logging.Component("monitor"))
	if cfg.Monitor.AlertUID != "" {
		supervisor.SetAlertRecipient(cfg.Monitor.AlertUID)
	}

	// Resume users whose tasks were live before the last shutdown.
	if rec, err := controller.StartAllRunning(bootCtx); err != nil {
		logger.Warn().Err(err).Msg("task recovery scan failed")
	} else {
		logger.Info().Int("started", len(rec.Restarted)).Int("failed", len(rec.Errors)).
			Msg("task recovery complete")
		for uid, msg := range rec.Errors {
			logger.Warn().Str("okx_uid", uid).Str("reason", msg).Msg("task not recovered")
		}
	}
	bootCancel()

	server := api.NewServer(api.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		ProductionMode:  cfg.Logging.Level != "debug",
	}, st, controller, resolver, creds, settingsSvc, presets, dispatcher,
		logging.Component("api"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st.StartSweeper(ctx)

	srvErr := make(chan error, 1)
	go func() { srvErr <- server.Start() }()

	supErr := make(chan error, 1)
	go func() { supErr <- supervisor.Run(ctx) }()

	logger.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).
		Bool("telegram", cfg.Telegram.Enabled).Bool("demo", cfg.OKX.Demo).
		Msg("trading controller up")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-srvErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
			code = 1
		}
	case err := <-supErr:
		if errors.Is(err, monitor.ErrMaxRestarts) {
			logger.Error().Err(err).Msg("monitor gave up, exiting")
			code = 1
		} else if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("monitor stopped")
			code = 1
		}
	}

	cancel()
	controller.Shutdown()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutCancel()
	if err := server.Shutdown(shutCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}

	logger.Info().Int("exit_code", code).Msg("trading controller stopped")
	return code
}
