// Package capability tracks the availability of the gateway's external
// dependencies and gates the runtime on them: probes feed a registry of
// capability states, and the supervisor pauses or resumes the task runtime
// as those states change.
package capability

import (
	"errors"
	"fmt"
	"time"
)

// Capability names.
const (
	CapabilityMongo    = "mongo"
	CapabilityRedis    = "redis"
	CapabilityBus      = "event_bus"
	CapabilityTelegram = "telegram"
)

// Capability statuses.
const (
	StatusUnknown     = "unknown"
	StatusAvailable   = "available"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// ErrDegraded marks a probe failure that should degrade, not disable, a
// capability. An expiring TLS certificate is the canonical case.
var ErrDegraded = errors.New("capability degraded")

// Unavailable is returned by gates when a required capability is down.
type Unavailable struct {
	Capability string
	RetryAfter time.Duration
}

func (e *Unavailable) Error() string {
	return fmt.Sprintf("capability %s unavailable, retry after %s", e.Capability, e.RetryAfter)
}

// IsUnavailable reports whether err is a capability gate rejection.
func IsUnavailable(err error) bool {
	var target *Unavailable

	return errors.As(err, &target)
}

// Info is the tracked state of one capability.
type Info struct {
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	Detail       string    `json:"detail,omitempty"`
	LastProbeAt  time.Time `json:"last_probe_at,omitempty"`
	LastOKAt     time.Time `json:"last_ok_at,omitempty"`
	FailureCount int       `json:"failure_count"`
}

// Critical reports whether the gateway cannot run without this capability.
func Critical(name string) bool {
	return name == CapabilityMongo || name == CapabilityRedis
}
