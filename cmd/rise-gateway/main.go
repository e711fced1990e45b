package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/risehq/rise-gateway/pkg/log"
	"github.com/risehq/rise-gateway/pkg/otelhelper"
)

const defaultPort = 9090

func main() {
	cmd := &cli.Command{
		Name:                  "rise-gateway",
		EnableShellCompletion: true,
		Usage:                 "Run the multi-tenant Telegram conversation gateway",
		Flags:                 gatewayFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("rise-gateway")

			tracerProvider, err := otelhelper.InitTracer(ctx, "rise-gateway")
			if err != nil {
				logger.WarnContext(ctx, "tracer initialization failed, continuing without export", "error", err)
			} else {
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()

					if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
						slog.Error("Failed to shutdown tracer provider", "error", err)
					}
				}()
			}

			runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			gateway, err := NewGateway(runCtx, gatewayConfig(command), logger)
			if err != nil {
				return fmt.Errorf("gateway bootstrap: %w", err)
			}

			return gateway.Run(runCtx)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func gatewayFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port to run the HTTP server on",
			Value:   defaultPort,
			Sources: cli.EnvVars("PORT"),
		},
		&cli.StringFlag{
			Name:     "mongodb-uri",
			Usage:    "MongoDB connection URI for bindings, workflows, and runs",
			Required: true,
			Sources:  cli.EnvVars("MONGODB_URI"),
		},
		&cli.StringFlag{
			Name:    "mongodb-database",
			Usage:   "MongoDB database name",
			Value:   "rise",
			Sources: cli.EnvVars("MONGODB_DATABASE"),
		},
		&cli.StringFlag{
			Name:     "redis-url",
			Usage:    "Redis connection URL for the task queue and counters",
			Required: true,
			Sources:  cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (redis, gochannel)",
			Value:   "redis",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:     "webhook-secret",
			Usage:    "Secret token Telegram echoes back on every webhook call",
			Required: true,
			Sources:  cli.EnvVars("TELEGRAM_BOT_SECRETS"),
		},
		&cli.StringFlag{
			Name:    "webhook-url",
			Usage:   "Public HTTPS URL Telegram delivers updates to",
			Sources: cli.EnvVars("WEB_HOOK"),
		},
		&cli.StringFlag{
			Name:     "token-secret",
			Usage:    "Key material for bot token encryption at rest",
			Required: true,
			Sources:  cli.EnvVars("TELEGRAM_TOKEN_SECRET"),
		},
		&cli.StringFlag{
			Name:     "agent-url",
			Usage:    "HTTP endpoint of the model bridge executing prompt stages",
			Required: true,
			Sources:  cli.EnvVars("AGENT_URL"),
		},
		&cli.StringFlag{
			Name:    "probe-mode",
			Usage:   "Telegram capability probe mode (getme, webhook, skip)",
			Value:   "getme",
			Sources: cli.EnvVars("TELEGRAM_PROBE_MODE"),
		},
		&cli.BoolFlag{
			Name:    "binding-probe-enabled",
			Usage:   "Send end-to-end probe messages during monitor sweeps",
			Sources: cli.EnvVars("BINDING_PROBE_ENABLED"),
		},
		&cli.BoolFlag{
			Name:    "fallback-enabled",
			Usage:   "Queue messages for manual review when no binding is active",
			Sources: cli.EnvVars("TELEGRAM_BINDING_FALLBACK_ENABLED"),
		},
		&cli.IntFlag{
			Name:    "binding-refresh-timeout",
			Usage:   "Seconds allowed for the targeted registry refresh during dispatch",
			Value:   1,
			Sources: cli.EnvVars("TELEGRAM_BINDING_REFRESH_TIMEOUT"),
		},
		&cli.IntFlag{
			Name:    "worker-concurrency",
			Usage:   "Number of task worker goroutines",
			Value:   4,
			Sources: cli.EnvVars("WORKER_CONCURRENCY"),
		},
		&cli.IntFlag{
			Name:    "summary-ttl-seconds",
			Usage:   "TTL of cached conversation summaries",
			Value:   3600,
			Sources: cli.EnvVars("WORKFLOW_SUMMARY_TTL_SECONDS"),
		},
		&cli.IntFlag{
			Name:    "summary-max-entries",
			Usage:   "Maximum cached summary entries per chat",
			Value:   20,
			Sources: cli.EnvVars("WORKFLOW_SUMMARY_MAX_ENTRIES"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}

func gatewayConfig(command *cli.Command) Config {
	return Config{
		Port:              int(command.Int("port")),
		MongoURL:          command.String("mongodb-uri"),
		MongoDatabase:     command.String("mongodb-database"),
		RedisURL:          command.String("redis-url"),
		EventBusType:      command.String("event-bus"),
		WebhookSecret:     command.String("webhook-secret"),
		WebhookURL:        command.String("webhook-url"),
		TokenSecret:       command.String("token-secret"),
		AgentURL:          command.String("agent-url"),
		ProbeMode:         command.String("probe-mode"),
		ProbeEnabled:      command.Bool("binding-probe-enabled"),
		FallbackEnabled:   command.Bool("fallback-enabled"),
		RefreshTimeout:    time.Duration(command.Int("binding-refresh-timeout")) * time.Second,
		WorkerConcurrency: int(command.Int("worker-concurrency")),
		SummaryTTL:        time.Duration(command.Int("summary-ttl-seconds")) * time.Second,
		SummaryMaxEntries: int(command.Int("summary-max-entries")),
	}
}
