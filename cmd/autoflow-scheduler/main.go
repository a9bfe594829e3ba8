// Package main fires periodic workflows. Several instances may run against
// the same database; each due slot is claimed by exactly one of them.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/autoflow/pkg/cmd"
	"github.com/dukex/autoflow/pkg/dispatch"
	"github.com/dukex/autoflow/pkg/log"
	"github.com/dukex/autoflow/pkg/otelhelper"
	"github.com/dukex/autoflow/pkg/scheduler"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	flags := append(cmd.CommonFlags(), cmd.DispatchFlags()...)
	flags = append(flags, &cli.StringFlag{
		Name:    "tick",
		Usage:   "Cron spec of the scheduler tick",
		Value:   scheduler.DefaultTick,
		Sources: cli.EnvVars("SCHEDULER_TICK"),
	})

	command := &cli.Command{
		Name:                  "autoflow-scheduler",
		Usage:                 "Fire periodic workflows when their schedule is due",
		EnableShellCompletion: true,
		Flags:                 flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("autoflow-scheduler")

			logger.InfoContext(ctx, "Initializing Autoflow scheduler")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tracer, shutdown, err := otelhelper.NewTracer(ctx, "autoflow-scheduler", command.Bool("otel"))
			if err != nil {
				return err
			}

			defer func() {
				err := shutdown(context.Background())
				if err != nil {
					logger.ErrorContext(ctx, "Failed to shutdown tracer", "error", err)
				}
			}()

			config := cmd.EngineConfigFrom(command, "autoflow-scheduler")
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

			pool := dispatch.NewPool(logger, engine.Orchestrator, command.Int("workers"), command.Int("queue-size"))
			sched := scheduler.NewScheduler(logger, engine.Persistence.WorkflowRepository(), pool,
				scheduler.WithTick(command.String("tick")))

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return pool.Run(gctx)
			})

			g.Go(func() error {
				return sched.Run(gctx)
			})

			return g.Wait()
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
