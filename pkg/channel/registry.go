package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/risehq/rise-gateway/pkg/events"
	"github.com/risehq/rise-gateway/pkg/log"
)

// State is an immutable per-channel snapshot. Readers hold a reference and
// never see partial refreshes.
type State struct {
	Options     map[string]BindingOption
	Active      *ActiveBinding
	Version     int64
	RefreshedAt time.Time
}

// Registry caches binding options per channel and selects the active binding.
// Refreshes serialize on a mutex; reads return the current snapshot without
// locking writers out.
type Registry struct {
	service  *BindingService
	defaults []string
	logger   *slog.Logger

	mu      sync.RWMutex
	cache   map[string]*State
	version int64
}

func NewRegistry(service *BindingService, defaultChannels ...string) *Registry {
	if len(defaultChannels) == 0 {
		defaultChannels = []string{ChannelTelegram}
	}

	return &Registry{
		service:  service,
		defaults: defaultChannels,
		logger:   log.WithModule("channel_registry"),
		cache:    make(map[string]*State),
	}
}

// Refresh reloads every option for a channel and reselects the active
// binding. An empty channel refreshes all known channels plus the defaults.
func (r *Registry) Refresh(ctx context.Context, channel string) (*State, error) {
	channels := []string{channel}
	if channel == "" {
		channels = r.knownChannels()
	}

	var state *State

	for _, name := range channels {
		options, err := r.service.ListOptions(ctx, name)
		if err != nil {
			return nil, err
		}

		refreshed := r.install(name, options, 0)
		if name == channel || channel == "" {
			state = refreshed
		}
	}

	return state, nil
}

// RefreshWorkflow updates a single workflow's option in place and reselects
// the active binding, without reloading the whole channel.
func (r *Registry) RefreshWorkflow(ctx context.Context, channel, workflowID string, bindingVersion int64) (*State, error) {
	option, err := r.service.GetOption(ctx, workflowID, channel)
	if err != nil && !IsWorkflowNotFound(err) && !IsPolicyNotFound(err) {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.cache[channel]

	options := make(map[string]BindingOption)
	if current != nil {
		for id, opt := range current.Options {
			options[id] = opt
		}
	}

	if option == nil {
		delete(options, workflowID)
	} else {
		options[workflowID] = *option
	}

	return r.installLocked(channel, options, bindingVersion), nil
}

// HandleEvent reacts to a binding pub/sub frame with a targeted refresh.
func (r *Registry) HandleEvent(ctx context.Context, event any) error {
	switch typed := event.(type) {
	case *events.BindingChanged:
		_, err := r.RefreshWorkflow(ctx, typed.Channel, typed.WorkflowID, typed.BindingVersion)

		return err
	case *events.BindingHealth:
		_, err := r.RefreshWorkflow(ctx, typed.Channel, typed.WorkflowID, 0)

		return err
	default:
		// Unknown frames are ignored; the periodic validator covers gaps.
		return nil
	}
}

// GetActiveBinding returns the active binding for a channel, populating the
// cache on first use.
func (r *Registry) GetActiveBinding(ctx context.Context, channel string) (*ActiveBinding, error) {
	state, err := r.ensure(ctx, channel)
	if err != nil {
		return nil, err
	}

	return state.Active, nil
}

// GetOptions returns the cached options for a channel.
func (r *Registry) GetOptions(ctx context.Context, channel string) ([]BindingOption, error) {
	state, err := r.ensure(ctx, channel)
	if err != nil {
		return nil, err
	}

	options := make([]BindingOption, 0, len(state.Options))
	for _, option := range state.Options {
		options = append(options, option)
	}

	return options, nil
}

// GetState returns the current snapshot without triggering a load.
func (r *Registry) GetState(channel string) *State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.cache[channel]
}

// Diagnostics summarizes every cached channel for the admin API.
func (r *Registry) Diagnostics() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]any, len(r.cache))

	for channel, state := range r.cache {
		var active any
		if state.Active != nil {
			active = state.Active.WorkflowID
		}

		out[channel] = map[string]any{
			"active_workflow_id": active,
			"version":            state.Version,
			"refreshed_at":       state.RefreshedAt.Format(time.RFC3339),
			"option_count":       len(state.Options),
		}
	}

	return out
}

func (r *Registry) ensure(ctx context.Context, channel string) (*State, error) {
	if state := r.GetState(channel); state != nil {
		return state, nil
	}

	state, err := r.Refresh(ctx, channel)
	if err != nil {
		return nil, err
	}

	return state, nil
}

func (r *Registry) knownChannels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.cache) == 0 {
		return append([]string(nil), r.defaults...)
	}

	channels := make([]string, 0, len(r.cache))
	for channel := range r.cache {
		channels = append(channels, channel)
	}

	return channels
}

func (r *Registry) install(channel string, options []BindingOption, bindingVersion int64) *State {
	optionMap := make(map[string]BindingOption, len(options))
	for _, option := range options {
		optionMap[option.WorkflowID] = option
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.installLocked(channel, optionMap, bindingVersion)
}

func (r *Registry) installLocked(channel string, options map[string]BindingOption, bindingVersion int64) *State {
	version := bindingVersion
	if version <= r.version {
		version = r.version + 1
	}

	r.version = version

	active := selectActive(channel, options, version)

	state := &State{
		Options:     options,
		Active:      active,
		Version:     version,
		RefreshedAt: time.Now().UTC(),
	}
	r.cache[channel] = state

	activeID := ""
	if active != nil {
		activeID = active.WorkflowID
	}

	r.logger.Debug("registry snapshot installed",
		"channel", channel,
		"version", version,
		"options", len(options),
		"active_workflow_id", activeID)

	return state
}

// selectActive picks the eligible option with the most recent updated_at.
func selectActive(channel string, options map[string]BindingOption, version int64) *ActiveBinding {
	var best *BindingOption

	for id := range options {
		option := options[id]
		if !option.Eligible() {
			continue
		}

		if best == nil || option.UpdatedAt.After(best.UpdatedAt) {
			candidate := option
			best = &candidate
		}
	}

	if best == nil {
		return nil
	}

	return &ActiveBinding{
		WorkflowID: best.WorkflowID,
		Channel:    channel,
		Policy:     best.Policy,
		Version:    version,
	}
}
