// Package main runs the workflow engine: it consumes domain events, matches
// them against active workflows and executes the matches.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/autoflow/pkg/cmd"
	"github.com/dukex/autoflow/pkg/log"
	"github.com/dukex/autoflow/pkg/otelhelper"
	"github.com/dukex/autoflow/pkg/trigger"
	cli "github.com/urfave/cli/v3"
)

func main() {
	flags := append(cmd.CommonFlags(), cmd.DispatchFlags()...)
	flags = append(flags,
		&cli.DurationFlag{
			Name:    "dedup-window",
			Usage:   "How long a delivered event id is remembered per workflow",
			Value:   trigger.DefaultDedupWindow,
			Sources: cli.EnvVars("DEDUP_WINDOW"),
		},
		&cli.BoolFlag{
			Name:    "scheduler",
			Usage:   "Also fire periodic workflows from this process",
			Sources: cli.EnvVars("WITH_SCHEDULER"),
		},
	)

	command := &cli.Command{
		Name:                  "autoflow-engine",
		Usage:                 "Match domain events against workflows and run them",
		EnableShellCompletion: true,
		Flags:                 flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("autoflow-engine")

			logger.InfoContext(ctx, "Initializing Autoflow engine")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tracer, shutdown, err := otelhelper.NewTracer(ctx, "autoflow-engine", command.Bool("otel"))
			if err != nil {
				return err
			}

			defer func() {
				err := shutdown(context.Background())
				if err != nil {
					logger.ErrorContext(ctx, "Failed to shutdown tracer", "error", err)
				}
			}()

			config := cmd.EngineConfigFrom(command, "autoflow-engine")
			config.Tracer = tracer

			engine, err := cmd.NewEngine(ctx, logger, config)
			if err != nil {
				return err
			}

			defer func() {
				err := engine.Close(context.Background())
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close engine", "error", err)
				}
			}()

			manager := NewEngineManager(logger, engine, engine.Claimer, Options{
				Workers:       command.Int("workers"),
				QueueSize:     command.Int("queue-size"),
				DedupWindow:   command.Duration("dedup-window"),
				WithScheduler: command.Bool("scheduler"),
				Tracer:        tracer,
			})

			err = manager.Start(ctx)
			if err != nil {
				return err
			}

			err = manager.Run(ctx)

			logger.Info("Shutting down engine")

			return err
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
