package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"localq/internal/api"
	"localq/internal/config"
	"localq/internal/domain"
	"localq/internal/eventbus"
	httph "localq/internal/handlers/http"
	"localq/internal/handlers/shell"
	"localq/internal/logging"
	"localq/internal/metrics"
	"localq/internal/scheduler"
	"localq/internal/store"
	"localq/internal/webhook"
	"localq/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config file (optional)")
		addr    = flag.String("addr", ":8080", "HTTP bind address")
		dbPath  = flag.String("db", "localq.db", "SQLite DB path")
		workers = flag.Int("workers", 0, "number of worker goroutines (default NumCPU)")
		poll    = flag.Duration("poll", time.Second, "poll interval for scheduled jobs")
		pprof   = flag.Bool("pprof", false, "expose /debug/pprof")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "db":
			cfg.DB = *dbPath
		case "workers":
			cfg.Scheduler.Workers = *workers
		case "poll":
			cfg.Scheduler.PollInterval = config.Duration(*poll)
		case "pprof":
			cfg.Pprof = *pprof
		}
	})

	logger, err := logging.New(os.Stdout, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "log:", err)
		os.Exit(2)
	}
	log.Logger = logger

	if err := run(cfg, *cfgPath, logger); err != nil {
		log.Fatal().Err(err).Msg("localq")
	}
}

func run(cfg config.Config, cfgPath string, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DB)
	if err != nil {
		return err
	}
	repo := store.NewSQLiteRepo(db)
	defer repo.Close()

	handlers := worker.NewRegistry()
	if err := errors.Join(
		handlers.Register("http", httph.New(logger)),
		handlers.Register("shell", shell.New(logger)),
	); err != nil {
		return err
	}

	logger.Info().Strs("job_types", handlers.Types()).Msg("handlers registered")

	bus := eventbus.New(logger)
	m := metrics.New()
	m.Attach(bus)

	hooks := webhook.New(cfg.WebhookConfig(), webhook.WithStore(repo), webhook.WithLogger(logger))
	if n, err := hooks.Load(ctx); err != nil {
		return err
	} else if n > 0 {
		logger.Info().Int("webhooks", n).Msg("loaded webhooks")
	}
	if err := hooks.Sync(ctx, cfg.DeclaredWebhooks()); err != nil {
		logger.Warn().Err(err).Msg("declared webhooks")
	}
	hooks.Attach(bus)
	hooks.Start(context.Background())

	sched := scheduler.New(cfg.SchedulerConfig(), handlers, bus, scheduler.WithStore(repo), scheduler.WithLogger(logger))
	if err := restore(ctx, sched, repo, cfg, logger); err != nil {
		return err
	}

	m.SetGauges(func() metrics.Gauges {
		snap := sched.Snapshot()
		return metrics.Gauges{
			Queued:   snap.Queued,
			InFlight: snap.InFlight,
			Retrying: snap.Retrying,
			Jobs:     snap.Jobs,
			Webhooks: len(hooks.List()),
			Pending:  hooks.Pending(),
		}
	})

	if _, err := sched.Start(ctx); err != nil {
		return err
	}

	if cfgPath != "" {
		go func() {
			err := config.Watch(ctx, cfgPath, cfg, logger, func(next config.Config) {
				if err := logging.SetLevel(next.Log.Level); err != nil {
					logger.Warn().Err(err).Msg("reload log level")
				}
				if err := hooks.Sync(ctx, next.DeclaredWebhooks()); err != nil {
					logger.Warn().Err(err).Msg("reload webhooks")
				}
				logger.Info().Msg("config reloaded")
			})
			if err != nil {
				logger.Error().Err(err).Msg("config watch")
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewServer(sched, hooks, api.Options{Debug: cfg.Pprof, Metrics: m.Handler(), History: repo, Log: logger}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug().Err(err).Msg("sd_notify ready")
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server")
		}
	}

	logger.Info().Msg("shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.StopTimeout.Std()+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := sched.Stop(true); err != nil {
		logger.Warn().Err(err).Msg("scheduler stop")
	}
	if err := hooks.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("webhook stop")
	}
	return nil
}

// restore brings back unfinished tasks and stored jobs, then applies the jobs
// declared in the config file on top of them.
func restore(ctx context.Context, sched *scheduler.Scheduler, repo store.Repository, cfg config.Config, logger zerolog.Logger) error {
	tasks, err := repo.ListUnfinishedTasks(ctx)
	if err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}
	if n := sched.Restore(tasks); n > 0 {
		logger.Info().Int("tasks", n).Msg("recovered unfinished tasks")
	}

	jobs, err := repo.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}
	for _, j := range jobs {
		if _, err := sched.Schedule(j); err != nil {
			logger.Warn().Err(err).Str("job_id", j.ID).Msg("restore job")
		}
	}

	declared, err := cfg.DeclaredJobs()
	if err != nil {
		return err
	}
	for _, j := range declared {
		_, err := sched.Schedule(j)
		if errors.Is(err, domain.ErrInvalidState) {
			_, err = sched.UpdateJob(j)
		}
		if err != nil {
			logger.Warn().Err(err).Str("job_id", j.ID).Str("name", j.Name).Msg("declared job")
		}
	}
	return nil
}
