package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"risk-engine/internal/api"
	"risk-engine/internal/balance"
	"risk-engine/internal/control"
	"risk-engine/internal/engine"
	"risk-engine/internal/events"
	"risk-engine/internal/features"
	"risk-engine/internal/guard"
	"risk-engine/internal/indicators"
	"risk-engine/internal/market"
	"risk-engine/internal/monitor"
	"risk-engine/internal/order"
	"risk-engine/internal/persistence"
	"risk-engine/internal/reconciliation"
	"risk-engine/internal/risk"
	"risk-engine/internal/scorer"
	"risk-engine/internal/state"
	"risk-engine/internal/strategy"
	"risk-engine/internal/universe"
	"risk-engine/pkg/config"
	"risk-engine/pkg/db"
	"risk-engine/pkg/errs"
	exfutusdt "risk-engine/pkg/exchanges/binance/futures_usdt"
	exchange "risk-engine/pkg/exchanges/common"
	"risk-engine/pkg/exchanges/paper"
	"risk-engine/pkg/logger"
	natsq "risk-engine/pkg/queue/nats"
)

func main() {
	err := run()
	logger.Sync()
	if err != nil && errs.IsFatal(err) {
		os.Exit(1)
	}
}

// run wires every component and blocks until a termination signal. Only
// configuration errors are returned as fatal; everything after the first cycle
// starts is recovered locally.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("console", "info")
		logger.Error("invalid configuration", zap.Error(err))
		return err
	}
	logger.Init(cfg.LogFormat, cfg.LogLevel)
	logger.Info("starting risk engine",
		zap.Bool("dry_run", cfg.DryRun),
		zap.Strings("symbols", cfg.Universe.Symbols),
		zap.String("timeframe", cfg.Timeframe),
		zap.String("timezone", cfg.Risk.Timezone),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Error("open database", zap.String("path", cfg.DBPath), zap.Error(err))
		return errs.E(errs.KindFatalConfig, "db.open", errors.Join(errs.ErrFatalConfig, err))
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		logger.Error("apply migrations", zap.Error(err))
		return errs.E(errs.KindFatalConfig, "db.migrate", errors.Join(errs.ErrFatalConfig, err))
	}

	bus := events.NewBus()

	// Exchange selection
	var raw exchange.Exchange
	venue := "paper"
	if cfg.DryRun {
		raw = paper.New(paper.Config{
			InitialBalance: cfg.DryRunInitialBalance,
			FeeRate:        cfg.DryRunFeeRate,
			SlippageBps:    cfg.DryRunSlippageBps,
			Seed:           time.Now().UnixNano(),
		})
	} else {
		client := exfutusdt.NewClient(exfutusdt.Config{
			APIKey:    cfg.BinanceUSDTKey,
			APISecret: cfg.BinanceUSDTSecret,
			Testnet:   cfg.BinanceTestnet,
		})
		client.StartTimeSync(ctx)
		raw = client
		venue = "binance-usdtm"
		if cfg.BinanceTestnet {
			venue += "-testnet"
		}
	}
	safe := guard.New(raw, cfg.Guard, cfg.ExchangeTimeout)
	filters := market.NewFilterCache(safe, cfg.FilterTTL)

	weights := scorer.New(database)
	if err := weights.Load(ctx); err != nil {
		logger.Error("load scorer weights", zap.Error(err))
		return err
	}

	// Notification sinks
	routes := []monitor.Route{{Sink: monitor.LogSink{}}}
	if d := monitor.NewDiscordSink(cfg.DiscordWebhook); d != nil {
		routes = append(routes, monitor.Route{Sink: d, MinLevel: events.LevelWarn})
	}
	var nc *natsq.Client
	if cfg.NATSURL != "" {
		ncfg := natsq.DefaultConfig()
		ncfg.URL = cfg.NATSURL
		ncfg.StreamName = cfg.NATSStream
		if nc, err = natsq.NewClient(ncfg); err != nil {
			logger.Warn("nats unavailable; continuing without remote control", zap.Error(err))
			nc = nil
		} else {
			defer nc.Close()
			if err := nc.EnsureStream(ctx); err != nil {
				logger.Warn("nats stream", zap.Error(err))
			}
			routes = append(routes, monitor.Route{Sink: monitor.NewNATSSink(nc)})
		}
	}
	var recorder engine.CycleRecorder
	if cfg.InfluxURL != "" {
		influx, err := monitor.NewInfluxRecorder(ctx, monitor.InfluxConfig{
			URL: cfg.InfluxURL, Token: cfg.InfluxToken, Org: cfg.InfluxOrg, Bucket: cfg.InfluxBucket,
		})
		if err != nil {
			logger.Warn("influx unavailable; cycle telemetry disabled", zap.Error(err))
		} else {
			defer influx.Close()
			recorder = influx
			routes = append(routes, monitor.Route{Sink: influx})
		}
	}
	monitor.New(10*time.Second, routes...).Start(ctx, bus)

	// Durable state: journal replay, then the single writer, then venue recovery.
	journal, err := order.OpenJournal(cfg.JournalPath)
	if err != nil {
		logger.Warn("transition journal unavailable", zap.String("path", cfg.JournalPath), zap.Error(err))
		journal = nil
	} else {
		defer journal.Close()
		if n, err := journal.Replay(ctx, database); err != nil {
			logger.Warn("journal replay", zap.Error(err))
		} else if n > 0 {
			logger.Info("journal replayed", zap.Int("transitions", n))
		}
	}

	active, err := database.ListActivePositions(ctx)
	if err != nil {
		logger.Warn("list active positions", zap.Error(err))
	}
	stateMgr := state.NewManager(state.Config{
		Location:     cfg.Location(),
		DailyTarget:  cfg.Risk.DailyProfitTarget,
		MaxDailyLoss: cfg.Risk.MaxDailyLoss,
		MaxPositions: cfg.Risk.MaxConcurrentPositions,
		QueueSize:    cfg.CommandQueueSize,

		ClearPauseOnRollover: cfg.Risk.ClearPauseOnRollover,
	}, database, bus)
	if err := stateMgr.Load(ctx, active); err != nil {
		logger.Warn("state load; starting from an empty day", zap.Error(err))
		stateMgr.MarkReducedDurability()
	}
	go func() {
		if err := stateMgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("state manager stopped", zap.Error(err))
		}
	}()

	orders := order.NewManager(order.DefaultConfig(), safe, database, journal, stateMgr, filters, bus)
	recovered, err := orders.Recover(ctx)
	if err != nil {
		logger.Warn("order recovery incomplete", zap.Error(err))
	}

	reconciler := reconciliation.NewService(safe, orders, cfg.ReconcileEvery)
	reconciler.SetAutoSync(cfg.ReconcileRepair)
	if _, err := reconciler.Reconcile(ctx); err != nil {
		logger.Warn("startup reconciliation", zap.Error(err))
	}
	reconciler.Start(ctx)

	bal := balance.NewManager(safe, cfg.BalanceTTL)
	if _, err := bal.Sync(ctx); err != nil {
		logger.Warn("initial balance", zap.Error(err))
	}
	bal.Start(ctx)

	// Control surface
	ctrl := control.New(stateMgr, 5*time.Second)
	if nc != nil {
		if err := control.NewIntake(ctrl).Start(ctx, nc); err != nil {
			logger.Warn("nats command intake", zap.Error(err))
		}
	}

	reports := persistence.NewBatchWriter(database, 20, 10*time.Second)
	defer reports.Close()

	sel := universe.NewSelector(cfg.Universe, cfg.Risk.MinNotional)
	eng := engine.NewEngine(engine.CycleConfig{
		Interval: cfg.CycleInterval,
		Workers:  cfg.Workers,
		K:        cfg.Universe.K,
	}, engine.Deps{
		Bars:    market.NewSource(safe, cfg.Timeframe, cfg.Lookback),
		Quotes:  safe,
		Filters: filters,
		Extractor: features.NewExtractor(indicators.Params{
			EMAFast:   cfg.Signal.EMAFast,
			EMASlow:   cfg.Signal.EMASlow,
			RSIPeriod: cfg.Signal.RSIPeriod,
			ATRPeriod: cfg.Signal.ATRPeriod,
		}, cfg.Signal.MinBars),
		Scorer:    weights,
		Generator: strategy.NewGenerator(cfg.Signal),
		Selector:  sel,
		Risk:      risk.NewManager(cfg.Risk),
		Equity:    bal,
		State:     stateMgr,
		Orders:    orders,
		Reports:   reports,
		Recorder:  recorder,
		Publisher: bus,
	})

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "dev"
	}
	svc := engine.NewImpl(engine.Config{
		Controller: ctrl,
		DB:         database,
		Weights:    weights,
		Reconciler: reconciler,
		Balance:    bal,
		Breaker:    safe,
		Meta: engine.SystemStatus{
			DryRun:    cfg.DryRun,
			Venue:     venue,
			Symbols:   sel.Symbols(),
			Timeframe: cfg.Timeframe,
			Version:   version,
		},
	})

	srv := api.NewServer(api.Config{
		Engine:    svc,
		Bus:       bus,
		JWTSecret: cfg.JWTSecret,
		APIKey:    cfg.ControlAPIKey,
	})
	go func() {
		if err := srv.Start(":" + cfg.Port); err != nil {
			logger.Error("http api stopped", zap.Error(err))
		}
	}()
	health := api.NewHealthServer(ctrl, 5*time.Second)
	go func() {
		if err := health.Serve(ctx, ":"+cfg.GRPCPort); err != nil {
			logger.Error("grpc health stopped", zap.Error(err))
		}
	}()
	go publishGauges(ctx, ctrl, 15*time.Second)

	bus.Emit(events.New(events.EventStartup, events.LevelInfo, "", "risk engine started").
		With("venue", venue).
		With("open_positions", len(recovered)).
		With("version", version))

	if err := eng.Run(ctx); err != nil {
		logger.Error("engine stopped", zap.Error(err))
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

// publishGauges mirrors the state snapshot into prometheus.
func publishGauges(ctx context.Context, ctrl *control.Controller, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := ctrl.Status(ctx)
			if err != nil {
				continue
			}
			monitor.SetGauges(monitor.Gauges{
				Equity:        st.Equity,
				DailyPnL:      st.DailyPnL,
				OpenPositions: st.OpenPositions,
				EntriesGated:  st.EntriesGated,
			})
		}
	}
}
