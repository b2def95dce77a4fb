package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"generation-orchestrator/internal/auth"
	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/report"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("report failed")
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "orchestrator-report",
		Usage: "Send a job report to the API, as a collaborator or an operator settling a stuck job",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file, read for the JWT secret",
				Sources: cli.EnvVars("ORCH_CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:    "api-url",
				Usage:   "Base URL of the orchestrator API",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("ORCH_API_URL"),
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token; signed from auth.jwt_secret when empty",
				Sources: cli.EnvVars("ORCH_REPORT_TOKEN"),
			},
			&cli.StringFlag{
				Name:  "request-id",
				Usage: "X-Request-Id of the report; reuse it to resend the same report",
			},
			&cli.IntFlag{
				Name:  "attempts",
				Usage: "Send attempts for transient failures",
				Value: 3,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "status",
				Usage:     "Report a status change (queued, processing, cancelled)",
				ArgsUsage: "<job-id> <status>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return send(ctx, cmd, func(c *report.Client, jobID, requestID string) (report.Ack, error) {
						status := models.Status(cmd.Args().Get(1))
						if !status.Valid() {
							return report.Ack{}, fmt.Errorf("unknown status %q", status)
						}
						return c.Status(ctx, jobID, requestID, status)
					})
				},
			},
			{
				Name:      "progress",
				Usage:     "Report generation progress",
				ArgsUsage: "<job-id>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "current", Usage: "Completed steps"},
					&cli.IntFlag{Name: "total", Usage: "Total steps", Value: 1},
					&cli.StringFlag{Name: "message", Usage: "Step description"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return send(ctx, cmd, func(c *report.Client, jobID, requestID string) (report.Ack, error) {
						current, total := int(cmd.Int("current")), int(cmd.Int("total"))
						if total <= 0 || current < 0 || current > total {
							return report.Ack{}, fmt.Errorf("invalid progress %d/%d", current, total)
						}
						return c.Progress(ctx, jobID, requestID, models.Progress{
							Current:    current,
							Total:      total,
							Percentage: float64(current) / float64(total) * 100,
							Message:    cmd.String("message"),
						})
					})
				},
			},
			{
				Name:      "complete",
				Usage:     "Report success with a JSON result",
				ArgsUsage: "<job-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "result", Usage: "Job result as JSON", Value: "{}"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return send(ctx, cmd, func(c *report.Client, jobID, requestID string) (report.Ack, error) {
						result := json.RawMessage(cmd.String("result"))
						if !json.Valid(result) {
							return report.Ack{}, errors.New("result is not valid JSON")
						}
						return c.Complete(ctx, jobID, requestID, result)
					})
				},
			},
			{
				Name:      "fail",
				Usage:     "Report a failure",
				ArgsUsage: "<job-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "code", Usage: "Error code", Value: models.ErrCodeReported},
					&cli.StringFlag{Name: "message", Usage: "Error message", Value: "failed by operator"},
					&cli.BoolFlag{Name: "retryable", Usage: "Whether a retry may succeed"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return send(ctx, cmd, func(c *report.Client, jobID, requestID string) (report.Ack, error) {
						return c.Fail(ctx, jobID, requestID, models.JobError{
							Code:      cmd.String("code"),
							Message:   cmd.String("message"),
							Retryable: cmd.Bool("retryable"),
						})
					})
				},
			},
		},
	}
}

type sendFunc func(c *report.Client, jobID, requestID string) (report.Ack, error)

func send(ctx context.Context, cmd *cli.Command, fn sendFunc) error {
	jobID := cmd.Args().First()
	if jobID == "" {
		return errors.New("job id is required")
	}
	token, err := bearerToken(cmd)
	if err != nil {
		return err
	}

	client := report.NewClient(cmd.String("api-url"), token, report.WithRetry(int(cmd.Int("attempts")), 250*time.Millisecond))
	ack, err := fn(client, jobID, cmd.String("request-id"))
	if err != nil {
		return err
	}
	return json.NewEncoder(cmd.Root().Writer).Encode(ack)
}

func bearerToken(cmd *cli.Command) (string, error) {
	if token := cmd.String("token"); token != "" {
		return token, nil
	}
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		// Lenient servers accept unauthenticated reports.
		return "", nil
	}
	return auth.Sign(cfg.Auth.JWTSecret, "orchestrator-report", "system", 5*time.Minute)
}
