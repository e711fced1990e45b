package capability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/risehq/rise-gateway/pkg/eventbus"
	"github.com/risehq/rise-gateway/pkg/events"
	"github.com/risehq/rise-gateway/pkg/log"
)

// Listener is invoked on every status transition, outside the registry lock.
type Listener func(previous, current Info)

// Registry is the authoritative view of capability states. Probes write into
// it; the supervisor and the web layer read from it.
type Registry struct {
	publisher eventbus.EventPublisher
	logger    *slog.Logger

	mu        sync.RWMutex
	states    map[string]Info
	listeners []Listener
}

func NewRegistry(publisher eventbus.EventPublisher) *Registry {
	return &Registry{
		publisher: publisher,
		logger:    log.WithModule("capability_registry"),
		states:    make(map[string]Info),
	}
}

// Subscribe registers a transition listener. Listeners must not call back
// into the registry's write path.
func (r *Registry) Subscribe(listener Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, listener)
}

// Report records a probe result and fans out transitions to listeners and the
// capability topic.
func (r *Registry) Report(ctx context.Context, name, status, detail string) {
	now := time.Now().UTC()

	r.mu.Lock()

	previous, known := r.states[name]
	if !known {
		previous = Info{Name: name, Status: StatusUnknown}
	}

	current := previous
	current.Name = name
	current.Status = status
	current.Detail = detail
	current.LastProbeAt = now

	if status == StatusAvailable {
		current.LastOKAt = now
		current.FailureCount = 0
	} else {
		current.FailureCount++
	}

	r.states[name] = current

	transitioned := previous.Status != current.Status
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)

	r.mu.Unlock()

	if !transitioned {
		return
	}

	r.logger.InfoContext(ctx, "capability transition",
		"capability", name,
		"from", previous.Status,
		"to", current.Status,
		"detail", detail)

	for _, listener := range listeners {
		listener(previous, current)
	}

	r.announce(ctx, current)
}

func (r *Registry) announce(ctx context.Context, info Info) {
	if r.publisher == nil {
		return
	}

	event := events.CapabilityState{
		BaseEvent:  events.NewBaseEvent(events.CapabilityStateEvent, ""),
		Capability: info.Name,
		Status:     info.Status,
		Detail:     info.Detail,
	}

	if err := r.publisher.Publish(ctx, info.Name, event); err != nil {
		r.logger.WarnContext(ctx, "capability event publish failed",
			"capability", info.Name, "error", err)
	}
}

// Get returns the tracked state of one capability.
func (r *Registry) Get(name string) Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if info, ok := r.states[name]; ok {
		return info
	}

	return Info{Name: name, Status: StatusUnknown}
}

// Snapshot returns every tracked capability, for diagnostics.
func (r *Registry) Snapshot() map[string]Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Info, len(r.states))
	for name, info := range r.states {
		out[name] = info
	}

	return out
}

// Overall reduces the tracked states: any critical capability down makes the
// whole gateway unavailable, any non-available state degrades it.
func (r *Registry) Overall() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.states) == 0 {
		return StatusUnknown
	}

	overall := StatusAvailable

	for name, info := range r.states {
		switch info.Status {
		case StatusUnavailable:
			if Critical(name) {
				return StatusUnavailable
			}

			overall = StatusDegraded
		case StatusDegraded, StatusUnknown:
			if overall == StatusAvailable {
				overall = StatusDegraded
			}
		}
	}

	return overall
}
