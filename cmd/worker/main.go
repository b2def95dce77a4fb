package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"generation-orchestrator/internal/artifact"
	"generation-orchestrator/internal/collaborator"
	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/lifecycle"
	"generation-orchestrator/internal/logging"
	"generation-orchestrator/internal/queue"
	"generation-orchestrator/internal/relay"
	"generation-orchestrator/internal/store"
	"generation-orchestrator/internal/telemetry"
	"generation-orchestrator/internal/worker"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cmd := &cli.Command{
		Name:  "orchestrator-worker",
		Usage: "Claim generation jobs from the dispatch queue and run them against the collaborator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file",
				Sources: cli.EnvVars("ORCH_CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:    "worker-id",
				Usage:   "Consumer name in the dispatch group (defaults to the hostname)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("worker failed")
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := cmd.String("worker-id"); v != "" {
		cfg.Worker.ID = v
	}
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format).With().Str("worker_id", cfg.Worker.ID).Logger()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	st, err := store.NewPostgres(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	q := queue.NewRedisQueue(rdb, cfg.Queue)
	if err := q.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	writer, err := artifact.New(ctx, cfg.Artifacts, logger)
	if err != nil {
		return fmt.Errorf("init artifact store: %w", err)
	}

	// Workers never submit, so the lifecycle manager has no queue.
	lc := lifecycle.NewManager(st, nil, relay.NewRedisPublisher(rdb, cfg.Relay.Channel), logger)
	processor := worker.NewProcessor(cfg.Worker, cfg.Queue.Group, q, lc, collaborator.NewClient(cfg.Collaborator), writer, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := errors.Join(rdb.Ping(r.Context()).Err(), st.Ping(r.Context())); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	metricsServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("collaborator", cfg.Collaborator.URL).
			Dur("claim_idle_timeout", cfg.Worker.ClaimIdleTimeout).
			Msg("worker starting")
		return processor.Serve(gctx)
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
