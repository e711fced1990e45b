package capability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/risehq/rise-gateway/pkg/log"
)

// DefaultRetryAfter is advertised to callers rejected by a gate.
const DefaultRetryAfter = 30 * time.Second

// Runtime is the controllable part of the gateway: the worker pool plus
// whatever else must pause while a critical dependency is down.
type Runtime interface {
	Start(ctx context.Context)
	Stop()
}

// RecoveryHook runs once when a capability comes back after being down.
type RecoveryHook func(ctx context.Context)

// Supervisor pauses and resumes the runtime as critical capabilities change,
// and gates request paths while they are down.
type Supervisor struct {
	registry *Registry
	runtime  Runtime
	logger   *slog.Logger

	mu            sync.Mutex
	running       bool
	pendingHooks  map[string][]RecoveryHook
	waiters       []chan struct{}
	runtimeCtx    context.Context
	runtimeCancel context.CancelFunc
}

func NewSupervisor(registry *Registry, runtime Runtime) *Supervisor {
	s := &Supervisor{
		registry:     registry,
		runtime:      runtime,
		logger:       log.WithModule("capability_supervisor"),
		pendingHooks: make(map[string][]RecoveryHook),
	}

	registry.Subscribe(s.onTransition)

	return s
}

// OnRecovery registers a hook that runs the next time the capability
// transitions from unavailable back to available. Hooks fire once.
func (s *Supervisor) OnRecovery(capabilityName string, hook RecoveryHook) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendingHooks[capabilityName] = append(s.pendingHooks[capabilityName], hook)
}

// Start brings the runtime up if every critical capability is available.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.runtimeCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	if s.criticalAvailable() {
		s.startRuntime(ctx)
	} else {
		s.logger.WarnContext(ctx, "runtime held back, critical capability down")
	}
}

// Stop halts the runtime.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	cancel := s.runtimeCancel
	s.mu.Unlock()

	if !wasRunning {
		return
	}

	if cancel != nil {
		cancel()
	}

	s.runtime.Stop()
}

// Require rejects with Unavailable when any named capability is not usable.
// Degraded capabilities pass; only unavailable ones gate.
func (s *Supervisor) Require(names ...string) error {
	for _, name := range names {
		if s.registry.Get(name).Status == StatusUnavailable {
			return &Unavailable{Capability: name, RetryAfter: DefaultRetryAfter}
		}
	}

	return nil
}

// WaitUntil blocks until every critical capability is available or the
// context expires.
func (s *Supervisor) WaitUntil(ctx context.Context) error {
	for {
		if s.criticalAvailable() {
			return nil
		}

		waiter := make(chan struct{})

		s.mu.Lock()
		s.waiters = append(s.waiters, waiter)
		s.mu.Unlock()

		select {
		case <-waiter:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Running reports whether the runtime is currently active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

func (s *Supervisor) onTransition(previous, current Info) {
	ctx := s.baseContext()

	if current.Status == StatusAvailable && previous.Status == StatusUnavailable {
		s.fireRecoveryHooks(ctx, current.Name)
	}

	if !Critical(current.Name) {
		return
	}

	switch current.Status {
	case StatusUnavailable:
		s.logger.Warn("critical capability lost, pausing runtime",
			"capability", current.Name)
		s.Stop()
	case StatusAvailable:
		if s.criticalAvailable() {
			s.logger.Info("critical capabilities recovered, resuming runtime",
				"capability", current.Name)
			s.startRuntime(ctx)
			s.wakeWaiters()
		}
	}
}

func (s *Supervisor) startRuntime(ctx context.Context) {
	s.mu.Lock()

	if s.running {
		s.mu.Unlock()

		return
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.runtimeCancel = cancel
	s.mu.Unlock()

	s.runtime.Start(runCtx)
}

func (s *Supervisor) fireRecoveryHooks(ctx context.Context, capabilityName string) {
	s.mu.Lock()
	hooks := s.pendingHooks[capabilityName]
	delete(s.pendingHooks, capabilityName)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(ctx)
	}
}

func (s *Supervisor) wakeWaiters() {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, waiter := range waiters {
		close(waiter)
	}
}

func (s *Supervisor) criticalAvailable() bool {
	for _, name := range []string{CapabilityMongo, CapabilityRedis} {
		if s.registry.Get(name).Status != StatusAvailable {
			return false
		}
	}

	return true
}

func (s *Supervisor) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runtimeCtx != nil {
		return s.runtimeCtx
	}

	return context.Background()
}
