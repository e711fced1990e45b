package channel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/risehq/rise-gateway/pkg/log"
)

const DefaultValidateInterval = 600 * time.Second

// Validator periodically performs a full registry refresh so snapshots
// recover from missed pub/sub events.
type Validator struct {
	registry *Registry
	interval time.Duration
	cron     *cron.Cron
	logger   *slog.Logger
}

func NewValidator(registry *Registry, interval time.Duration) *Validator {
	if interval <= 0 {
		interval = DefaultValidateInterval
	}

	return &Validator{
		registry: registry,
		interval: interval,
		cron:     cron.New(),
		logger:   log.WithModule("channel_validator"),
	}
}

func (v *Validator) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %ds", int(v.interval.Seconds()))

	_, err := v.cron.AddFunc(spec, func() {
		refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		if _, err := v.registry.Refresh(refreshCtx, ""); err != nil {
			v.logger.Warn("periodic binding refresh failed", "error", err)

			return
		}

		v.logger.Debug("periodic binding refresh completed")
	})
	if err != nil {
		return err
	}

	v.cron.Start()

	return nil
}

func (v *Validator) Stop() {
	stopCtx := v.cron.Stop()
	<-stopCtx.Done()
}
