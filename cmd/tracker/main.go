package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"DowTracker/internal/cache"
	"DowTracker/internal/collector"
	"DowTracker/internal/config"
	"DowTracker/internal/exporter"
	"DowTracker/internal/lifecycle"
	"DowTracker/internal/logger"
	"DowTracker/internal/metrics"
	"DowTracker/internal/notifier"
	"DowTracker/internal/orchestrator"
	"DowTracker/internal/recorder"
	"DowTracker/internal/scheduler"
	"DowTracker/internal/server"
	"DowTracker/internal/workerpool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dowtracker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(&cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log.Info("DowTracker starting", logger.String("config", cfgPath), logger.String("data_dir", cfg.DataDir))

	tt, err := cfg.Timetable()
	if err != nil {
		return err
	}

	// The SQLite lock doubles as the single-instance guard.
	rec, err := recorder.NewSQLiteRecorder(cfg.Database.SQLitePath, log)
	if err != nil {
		return fmt.Errorf("init recorder (is another instance running?): %w", err)
	}
	defer rec.Close()

	pool := workerpool.New(cfg.Export.Workers)
	defer pool.Wait()

	store, err := cache.New(filepath.Join(cfg.DataDir, "cache"), tt,
		cache.WithLogger(log.With(logger.String("component", "cache"))),
		cache.WithPool(pool),
	)
	if err != nil {
		return err
	}

	chain, err := collector.BuildChain(cfg, store)
	if err != nil {
		return err
	}
	log.Info("provider chain", logger.Strings("chain", collector.Names(chain)))

	m := metrics.New()
	orch := orchestrator.New(chain, store,
		orchestrator.WithTimeout(cfg.Fetch.Timeout),
		orchestrator.WithConcurrency(cfg.Fetch.Concurrency),
		orchestrator.WithLogger(log.With(logger.String("component", "orchestrator"))),
		orchestrator.WithMetrics(m),
	)

	var (
		alerter   exporter.Alerter = notifier.Noop{Log: log}
		messenger scheduler.Messenger
		tn        *notifier.TelegramNotifier
	)
	if cfg.Telegram.BotToken != "" {
		tn = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy, log)
		alerter, messenger = tn, tn
	}

	ctrl := exporter.NewController(store, &exporter.XLSXWriter{Dir: cfg.DataDir}, exporter.Options{
		Universe:        cfg.Universe,
		MaxRetries:      cfg.Export.MaxRetries,
		RetryBase:       cfg.Export.RetryBase,
		ShutdownTimeout: cfg.Export.ShutdownTimeout,
		Logger:          log,
		Recorder:        rec,
		Alerter:         alerter,
		Metrics:         m,
		Pool:            pool,
	})

	hook := lifecycle.New(log)
	if err := hook.Register(ctrl.Finalize); err != nil {
		return err
	}

	defer func() {
		if err := hook.Run(context.Background(), "return"); err != nil {
			log.Error("safety-net export failed", logger.Err(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer hook.Guard(ctx)

	sched := scheduler.New(orch, store, ctrl, scheduler.Options{
		Universe:        cfg.Universe,
		CaptureDeadline: cfg.Fetch.CaptureDeadline,
		CatchUp:         cfg.Schedule.CatchUp,
		CatchUpCron:     cfg.Schedule.CatchUpCron,
		RolloverCron:    cfg.Schedule.RolloverCron,
		Logger:          log,
		Recorder:        rec,
		Metrics:         m,
		Messenger:       messenger,
	})
	if err := sched.RegisterAll(); err != nil {
		return fmt.Errorf("register cron tasks: %w", err)
	}

	if cfg.Schedule.SyncOnStart {
		sched.Sync(ctx)
	}
	sched.Start(ctx)

	var srv *server.Server
	if cfg.HTTP.Enabled {
		h := server.NewHandler(sched, ctrl, tt, nil, log)
		srv = server.New(cfg.HTTP.Addr, h, m.Handler(), log)
		srv.Start()
	}
	if tn != nil {
		go tn.StartPolling(ctx, sched.HandleCommand)
		log.Info("telegram polling started")
	}

	log.Info("DowTracker is running, press Ctrl+C to stop")
	<-ctx.Done()
	log.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Export.ShutdownTimeout+5*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Warn("http shutdown", logger.Err(err))
		}
	}
	sched.Stop()
	if err := hook.Run(shutdownCtx, "signal"); err != nil {
		log.Error("safety-net export failed", logger.Err(err))
	}
	log.Info("DowTracker stopped")
	return nil
}
