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

	"generation-orchestrator/internal/api"
	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/lifecycle"
	"generation-orchestrator/internal/logging"
	"generation-orchestrator/internal/queue"
	"generation-orchestrator/internal/ratelimit"
	"generation-orchestrator/internal/relay"
	"generation-orchestrator/internal/store"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cmd := &cli.Command{
		Name:  "orchestrator-api",
		Usage: "Accept generation jobs, ingest worker reports and relay job events",
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
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("api failed")
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
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

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

	// Events from every process arrive through the Redis channel, including
	// this one's, so the local hub is only fed by the bridge.
	hub := relay.NewHub(cfg.Relay.BufferSize, logger)
	lc := lifecycle.NewManager(st, q, relay.NewRedisPublisher(rdb, cfg.Relay.Channel), logger)
	lc.SetIdempotencyTTL(cfg.Queue.IdempotencyTTL)
	lc.SetEnqueueTimeout(cfg.Queue.EnqueueTimeout)

	server := api.New(cfg, api.Deps{
		Store:     st,
		Lifecycle: lc,
		Limiter:   ratelimit.NewTokenBucket(rdb, "ratelimit:submit:", cfg.RateLimit),
		Hub:       hub,
		Checks: []api.HealthCheck{{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}},
	}, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.NewBridge(rdb, cfg.Relay.Channel, hub, logger).Run(gctx)
	})
	g.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Bool("strict_auth", cfg.Auth.Strict).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
