package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/risehq/rise-gateway/pkg/log"
)

// Probe cadence defaults: healthy capabilities re-probe at the base interval,
// failing ones back off exponentially up to the max.
const (
	DefaultProbeInterval    = 30 * time.Second
	DefaultProbeMaxInterval = 300 * time.Second
	DefaultProbeTimeout     = 10 * time.Second
)

// SchedulerConfig tunes probe cadence.
type SchedulerConfig struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Timeout     time.Duration
}

func (c *SchedulerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultProbeInterval
	}

	if c.MaxInterval < c.Interval {
		c.MaxInterval = DefaultProbeMaxInterval
	}

	if c.Timeout <= 0 {
		c.Timeout = DefaultProbeTimeout
	}
}

// Scheduler runs each probe on its own loop and feeds results into the
// registry. Start probes everything once up front; a critical capability
// failing that first round aborts startup.
type Scheduler struct {
	registry *Registry
	probes   []Probe
	cfg      SchedulerConfig
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(registry *Registry, cfg SchedulerConfig, probes ...Probe) *Scheduler {
	cfg.applyDefaults()

	return &Scheduler{
		registry: registry,
		probes:   probes,
		cfg:      cfg,
		logger:   log.WithModule("capability_scheduler"),
	}
}

// Start probes every capability once, then launches the periodic loops.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, probe := range s.probes {
		status, detail := s.runProbe(ctx, probe)
		s.registry.Report(ctx, probe.Name(), status, detail)

		if status == StatusUnavailable && Critical(probe.Name()) {
			return fmt.Errorf("startup probe %s failed: %s", probe.Name(), detail)
		}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	for _, probe := range s.probes {
		s.wg.Add(1)

		go s.loop(loopCtx, probe)
	}

	return nil
}

// Stop halts the probe loops and waits for them to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, probe Probe) {
	defer s.wg.Done()

	interval := s.cfg.Interval

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		status, detail := s.runProbe(ctx, probe)
		s.registry.Report(ctx, probe.Name(), status, detail)

		if status == StatusAvailable {
			interval = s.cfg.Interval

			continue
		}

		interval *= 2
		if interval > s.cfg.MaxInterval {
			interval = s.cfg.MaxInterval
		}

		s.logger.Debug("probe backing off",
			"capability", probe.Name(),
			"status", status,
			"next_in", interval.String())
	}
}

func (s *Scheduler) runProbe(ctx context.Context, probe Probe) (string, string) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	err := probe.Check(probeCtx)
	if err == nil {
		return StatusAvailable, ""
	}

	if errors.Is(err, ErrDegraded) {
		return StatusDegraded, err.Error()
	}

	return StatusUnavailable, err.Error()
}
