package channel

import "time"

// BindingOption is the derived admin/runtime view of one workflow's binding
// state on a channel.
type BindingOption struct {
	WorkflowID       string         `json:"workflow_id"`
	WorkflowName     string         `json:"workflow_name"`
	PublishedVersion int64          `json:"published_version"`
	Channel          string         `json:"channel"`
	Status           string         `json:"status"`
	IsEnabled        bool           `json:"is_enabled"`
	KillSwitch       bool           `json:"kill_switch"`
	Policy           *BindingPolicy `json:"policy,omitempty"`
	Health           HealthSnapshot `json:"health"`
	UpdatedAt        time.Time      `json:"updated_at,omitempty"`
	UpdatedBy        string         `json:"updated_by,omitempty"`
}

// Eligible reports whether the option can be selected as the active binding.
func (o BindingOption) Eligible() bool {
	if o.Policy == nil || !o.IsEnabled || o.KillSwitch {
		return false
	}

	return o.Status == StatusBound || o.Status == StatusDegraded
}

// ActiveBinding is the option a channel currently routes inbound traffic to.
type ActiveBinding struct {
	WorkflowID string         `json:"workflow_id"`
	Channel    string         `json:"channel"`
	Policy     *BindingPolicy `json:"policy"`
	Version    int64          `json:"version"`
}

// WorkflowInfo is the slice of a workflow definition the binding layer needs.
type WorkflowInfo struct {
	ID               string
	Name             string
	Status           string
	PublishedVersion int64
	ChannelEnabled   bool
}

// Routable reports whether the workflow may appear as a binding option even
// without a stored policy.
func (w WorkflowInfo) Routable() bool {
	switch w.Status {
	case "published", "production", "active":
		return w.ChannelEnabled
	default:
		return false
	}
}
