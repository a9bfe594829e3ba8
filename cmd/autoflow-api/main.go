package main

import (
	"context"
	"os"

	"github.com/dukex/autoflow/pkg/cmd"
	"github.com/dukex/autoflow/pkg/log"
	"github.com/dukex/autoflow/pkg/otelhelper"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "autoflow-api",
		Usage:                 "Create, test and manage workflows",
		EnableShellCompletion: true,
		Flags: append([]cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
		}, cmd.CommonFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("autoflow-api")

			logger.InfoContext(ctx, "Initializing Autoflow API")

			tracer, shutdown, err := otelhelper.NewTracer(ctx, "autoflow-api", command.Bool("otel"))
			if err != nil {
				return err
			}

			defer func() {
				err := shutdown(context.Background())
				if err != nil {
					logger.ErrorContext(ctx, "Failed to shutdown tracer", "error", err)
				}
			}()

			config := cmd.EngineConfigFrom(command, "autoflow-api")
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

			api := NewAPI(
				logger,
				engine.Persistence,
				engine.Registry,
				engine.Orchestrator,
				engine.Entities,
			)

			return api.Start(command.Int("port"))
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
