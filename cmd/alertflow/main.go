package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"alertflow/internal/alerts"
	"alertflow/internal/api"
	"alertflow/internal/config"
	"alertflow/internal/delivery"
	"alertflow/internal/handlers/alertcheck"
	"alertflow/internal/handlers/backup"
	"alertflow/internal/handlers/cleanup"
	"alertflow/internal/handlers/queue"
	"alertflow/internal/handlers/report"
	"alertflow/internal/hook"
	"alertflow/internal/notify"
	"alertflow/internal/recipients"
	"alertflow/internal/scheduler"
	"alertflow/internal/store"
	"alertflow/internal/worker"
)

func main() {
	var (
		cfgPath  = flag.String("config", "", "path to YAML config")
		addr     = flag.String("addr", "", "HTTP bind address (overrides config)")
		driver   = flag.String("db-driver", "", "database driver: sqlite or postgres (overrides config)")
		dsn      = flag.String("db", "", "database DSN or sqlite path (overrides config)")
		logLevel = flag.String("log-level", "", "log level (overrides config)")
		debug    = flag.Bool("debug", false, "expose pprof routes")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *driver != "" {
		cfg.Database.Driver = *driver
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(cfg.LogLevel())
	if cfg.Log.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *cfgPath, *debug, log.Logger); err != nil {
		log.Fatal().Err(err).Msg("alertflow")
	}
}

func run(ctx context.Context, cfg *config.Config, cfgPath string, debug bool, logger zerolog.Logger) error {
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}
	if cfg.Database.ERPSchema {
		if err := st.EnsureERPSchema(ctx); err != nil {
			return err
		}
	}
	if cfg.Database.Seed {
		if err := st.Seed(ctx, cfg.Scheduler.DefaultTimezone); err != nil {
			return err
		}
	}

	loc, err := time.LoadLocation(cfg.Scheduler.DefaultTimezone)
	if err != nil {
		return err
	}

	resolver := recipients.NewResolver(st, logger)
	composer := notify.NewComposer(st, resolver, cfg.Delivery.MaxAttempts, logger)
	events := notify.NewEventProcessor(st, composer, loc, logger)
	eval := alerts.NewEvaluator(st, composer, alerts.DefaultRegistry(), loc, logger)

	var sender delivery.Sender = delivery.NewLogSender(logger)
	if cfg.Delivery.WebhookURL != "" {
		sender = delivery.NewWebhookSender(cfg.Delivery.WebhookURL, cfg.Delivery.WebhookHeaders, cfg.Delivery.WebhookTimeout.D())
	}
	ratePerHour, err := st.IntSetting(ctx, store.SettingMaxNotificationsPerHour, cfg.Delivery.RatePerHour)
	if err != nil {
		return err
	}
	proc := delivery.NewProcessor(st, sender, delivery.Options{
		BatchSize:   cfg.Delivery.BatchSize,
		RatePerHour: ratePerHour,
		RetryBase:   cfg.Delivery.RetryBase.D(),
		RetryMax:    cfg.Delivery.RetryMax.D(),
		StaleAfter:  cfg.Delivery.StaleAfter.D(),
	}, logger)
	if n, err := proc.RecoverStale(ctx); err == nil {
		logger.Info().Int("recovered", n).Msg("recovered stale processing entries")
	}

	exec := worker.NewExecutor(st, logger)
	for _, h := range []worker.Handler{
		alertcheck.AlertCheck(eval, events, proc, logger),
		alertcheck.SLAMonitor(eval, logger),
		alertcheck.MaintenanceReminder(eval, logger),
		queue.New(proc, logger),
		cleanup.New(st, logger),
		report.New(st, logger),
		backup.New(st, logger),
	} {
		if err := exec.Register(h); err != nil {
			return err
		}
	}

	sched := scheduler.NewService(st, exec, scheduler.Options{
		Enabled:         cfg.Scheduler.Enabled,
		DefaultTimezone: cfg.Scheduler.DefaultTimezone,
	}, logger)
	hk := hook.New(events, eval, cfg.Hook.Delay.D(), logger)

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewServer(api.Deps{
			Store:     st,
			Scheduler: sched,
			Alerts:    eval,
			Queue:     proc,
			Hook:      hk,
			Log:       logger,
			Debug:     debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	started, err := sched.Start(ctx)
	if err != nil {
		return err
	}
	logger.Info().Bool("scheduler", started).Str("instance", exec.Instance()).Msg("alertflow started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfgPath != "" {
		g.Go(func() error {
			err := config.Watch(gctx, cfgPath, logger, func(next *config.Config) {
				zerolog.SetGlobalLevel(next.LogLevel())
				proc.SetRate(next.Delivery.RatePerHour)
				logger.Info().
					Str("level", next.Log.Level).
					Int("rate_per_hour", next.Delivery.RatePerHour).
					Msg("config reloaded")
			})
			if err != nil {
				logger.Warn().Err(err).Msg("config watch stopped, hot reload disabled")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.StopTimeout.D())
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if serr := sched.Stop(shutdownCtx); serr != nil {
			err = errors.Join(err, serr)
		}
		hk.Wait()
		return err
	})

	return g.Wait()
}
