package cmd

import (
	"time"

	"github.com/dukex/autoflow/pkg/actions/webhook"
	"github.com/dukex/autoflow/pkg/workflow"
	cli "github.com/urfave/cli/v3"
)

// CommonFlags are shared by every binary.
func CommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (file://path or postgres://...)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (kafka, gochannel)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Value:   "localhost:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL sharing dedup and cooldown claims between processes; empty keeps them in memory",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "entity-service-url",
			Usage:   "Base URL of the entity service; empty runs on an in-memory entity store",
			Sources: cli.EnvVars("ENTITY_SERVICE_URL"),
		},
		&cli.DurationFlag{
			Name:    "entity-service-timeout",
			Usage:   "Timeout of one entity service call",
			Value:   10 * time.Second,
			Sources: cli.EnvVars("ENTITY_SERVICE_TIMEOUT"),
		},
		&cli.StringFlag{
			Name:    "plugins-path",
			Usage:   "Path to the directory containing action plugins",
			Value:   "",
			Sources: cli.EnvVars("PLUGINS_PATH"),
		},
		&cli.StringFlag{
			Name:    "webhook-secret",
			Usage:   "Secret signing outbound webhooks that do not configure their own",
			Sources: cli.EnvVars("WEBHOOK_SECRET"),
		},
		&cli.StringFlag{
			Name:    "rate-limit-default",
			Usage:   "Default token bucket as burst:rate",
			Value:   "5:1",
			Sources: cli.EnvVars("RATE_LIMIT_DEFAULT"),
		},
		&cli.StringSliceFlag{
			Name:    "rate-limit",
			Usage:   "Bucket override as key=burst:rate; a trailing * in key matches a prefix",
			Sources: cli.EnvVars("RATE_LIMITS"),
		},
		&cli.IntFlag{
			Name:    "step-budget",
			Usage:   "Maximum steps visited by one execution",
			Value:   workflow.DefaultLimits().StepBudget,
			Sources: cli.EnvVars("STEP_BUDGET"),
		},
		&cli.IntFlag{
			Name:    "chain-depth",
			Usage:   "Maximum depth of executions caused by other executions",
			Value:   workflow.DefaultLimits().ChainDepth,
			Sources: cli.EnvVars("CHAIN_DEPTH"),
		},
		&cli.DurationFlag{
			Name:    "execution-timeout",
			Usage:   "Wall clock budget of one execution",
			Value:   workflow.DefaultLimits().Timeout,
			Sources: cli.EnvVars("EXECUTION_TIMEOUT"),
		},
		&cli.BoolFlag{
			Name:    "otel",
			Usage:   "Export traces over OTLP HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json, pretty)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

// DispatchFlags configure the local worker pool.
func DispatchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "Concurrent execution slots",
			Value:   8,
			Sources: cli.EnvVars("WORKERS"),
		},
		&cli.IntFlag{
			Name:    "queue-size",
			Usage:   "Execution requests waiting for a slot before new ones are refused",
			Value:   256,
			Sources: cli.EnvVars("QUEUE_SIZE"),
		},
	}
}

// EngineConfigFrom reads the CommonFlags of command.
func EngineConfigFrom(command *cli.Command, serviceName string) EngineConfig {
	limits := workflow.DefaultLimits()
	limits.StepBudget = command.Int("step-budget")
	limits.ChainDepth = command.Int("chain-depth")
	limits.Timeout = command.Duration("execution-timeout")

	webhookConfig := webhook.DefaultConfig()
	webhookConfig.Secret = command.String("webhook-secret")

	return EngineConfig{
		ServiceName:        serviceName,
		DatabaseURL:        command.String("database-url"),
		EventBus:           command.String("event-bus"),
		KafkaBrokers:       command.String("kafka-brokers"),
		RedisURL:           command.String("redis-url"),
		EntityServiceURL:   command.String("entity-service-url"),
		EntityTimeout:      command.Duration("entity-service-timeout"),
		PluginsPath:        command.String("plugins-path"),
		RateLimitDefault:   command.String("rate-limit-default"),
		RateLimitOverrides: command.StringSlice("rate-limit"),
		Webhook:            webhookConfig,
		Limits:             limits,
	}
}
