// Package main provides the Tideflow schedule sweeper.
package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/tideflow-io/tideflow/pkg/cmd"
	"github.com/tideflow-io/tideflow/pkg/leases"
	"github.com/tideflow-io/tideflow/pkg/log"
	"github.com/tideflow-io/tideflow/pkg/otelhelper"
	"github.com/tideflow-io/tideflow/pkg/services"
)

const (
	defaultSweepInterval = time.Minute
	defaultLeaseTTL      = 30 * time.Second
)

func main() {
	logger := log.WithModule("sweeper")

	command := &cli.Command{
		Name:                  "tideflow-sweeper",
		Usage:                 "Periodically materialize flow schedules into runs",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for sweep leases (optional)",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS"),
			},
			&cli.DurationFlag{
				Name:    "sweep-interval",
				Usage:   "Time between sweep passes",
				Value:   defaultSweepInterval,
				Sources: cli.EnvVars("SWEEP_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			sweeperID := "sweeper-" + uuid.New().String()

			logger.InfoContext(ctx, "Initializing Tideflow sweeper", "sweeper_id", sweeperID)

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			var leaser *leases.RedisLeaser

			if redisURL := command.String("redis-url"); redisURL != "" {
				var err error

				leaser, err = leases.NewRedisLeaser(redisURL, sweeperID, defaultLeaseTTL)
				if err != nil {
					return err
				}

				defer func() {
					if err := leaser.Close(); err != nil {
						logger.ErrorContext(ctx, "Failed to close lease client", "error", err)
					}
				}()
			}

			tracer, err := otelhelper.NewTracer(ctx, "tideflow-sweeper")
			if err != nil {
				return err
			}

			flowService := services.NewFlowService(persistence, eventBus, logger)

			sweeper := NewSweeper(
				sweeperID,
				flowService,
				persistence,
				leaser,
				tracer,
				command.Duration("sweep-interval"),
				logger,
			)

			sweeper.Start(ctx)

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
