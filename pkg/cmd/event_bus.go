// Package cmd holds the shared bootstrap helpers for the gateway binaries.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	redis "github.com/redis/go-redis/v9"

	"github.com/risehq/rise-gateway/pkg/channels/gochannel"
	"github.com/risehq/rise-gateway/pkg/channels/redischannel"
	"github.com/risehq/rise-gateway/pkg/eventbus"
)

// NewEventBus creates an event bus instance based on the provider. Redis
// pub/sub carries binding events between processes; gochannel is for
// single-process development runs.
func NewEventBus(provider string, redisClient redis.UniversalClient, logger *slog.Logger) eventbus.EventBus {
	switch provider {
	case "redis":
		pub, sub, err := redischannel.CreateChannel(redisClient)
		if err != nil {
			panic(fmt.Errorf("failed to create Redis pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	case "gochannel", "":
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			panic(fmt.Errorf("failed to create in-memory pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	default:
		panic("Unsupported event bus provider: " + provider)
	}
}
