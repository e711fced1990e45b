package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cli "github.com/urfave/cli/v3"
)

func parseConfig(t *testing.T, args ...string) Config {
	t.Helper()

	var cfg Config

	cmd := &cli.Command{
		Flags: gatewayFlags(),
		Action: func(_ context.Context, command *cli.Command) error {
			cfg = gatewayConfig(command)

			return nil
		},
	}

	argv := append([]string{"rise-gateway",
		"--redis-url", "redis://localhost:6379",
		"--webhook-secret", "hook-secret",
		"--token-secret", "key-material",
		"--agent-url", "http://localhost:8700",
	}, args...)

	require.NoError(t, cmd.Run(context.Background(), argv))

	return cfg
}

func TestGatewayConfigFromEnv(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://db.example.com:27017")
	t.Setenv("TELEGRAM_BINDING_REFRESH_TIMEOUT", "3")
	t.Setenv("TELEGRAM_PROBE_MODE", "webhook")

	cfg := parseConfig(t)

	assert.Equal(t, "mongodb://db.example.com:27017", cfg.MongoURL)
	assert.Equal(t, 3*time.Second, cfg.RefreshTimeout)
	assert.Equal(t, "webhook", cfg.ProbeMode)
}

func TestGatewayConfigDefaults(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017")

	cfg := parseConfig(t)

	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, "rise", cfg.MongoDatabase)
	assert.Equal(t, "getme", cfg.ProbeMode)
	assert.Equal(t, time.Second, cfg.RefreshTimeout)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, time.Hour, cfg.SummaryTTL)
}
