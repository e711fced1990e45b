package channel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/risehq/rise-gateway/pkg/eventbus"
	"github.com/risehq/rise-gateway/pkg/events"
	"github.com/risehq/rise-gateway/pkg/log"
)

// CommandOutcome is the result of a binding mutation: the fresh option view
// plus warnings for failures that did not abort the command.
type CommandOutcome struct {
	Option   *BindingOption `json:"option,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// CommandService mutates bindings through the BindingService and announces
// every change on the binding topic so other processes refresh.
type CommandService struct {
	service   *BindingService
	registry  *Registry
	publisher eventbus.EventPublisher
	logger    *slog.Logger
}

func NewCommandService(service *BindingService, registry *Registry, publisher eventbus.EventPublisher) *CommandService {
	return &CommandService{
		service:   service,
		registry:  registry,
		publisher: publisher,
		logger:    log.WithModule("channel_commands"),
	}
}

// UpsertBinding creates or updates a policy and publishes an upsert event.
func (c *CommandService) UpsertBinding(ctx context.Context, req UpsertRequest) (*CommandOutcome, error) {
	policy, err := c.service.SavePolicy(ctx, req)
	if err != nil {
		return nil, err
	}

	return c.finish(ctx, policy.WorkflowID, policy.Channel, events.OperationUpsert, policy.SecretVersion)
}

// DeleteBinding removes a policy and publishes a delete event.
func (c *CommandService) DeleteBinding(ctx context.Context, workflowID, channel string) (*CommandOutcome, error) {
	if err := c.service.DeletePolicy(ctx, workflowID, channel); err != nil {
		return nil, err
	}

	return c.finish(ctx, workflowID, channel, events.OperationDelete, 0)
}

// SetKillSwitch flips the kill switch and publishes a kill_switch event.
func (c *CommandService) SetKillSwitch(ctx context.Context, workflowID, channel string, active bool, actor string) (*CommandOutcome, error) {
	if err := c.service.SetKillSwitch(ctx, workflowID, channel, active, actor); err != nil {
		return nil, err
	}

	return c.finish(ctx, workflowID, channel, events.OperationKillSwitch, 0)
}

// RotateToken swaps the stored credential, publishes a rotate event, and
// announces the rotation so webhook-credential consumers refresh.
func (c *CommandService) RotateToken(ctx context.Context, workflowID, channel, newToken, actor string) (*CommandOutcome, error) {
	policy, err := c.service.RotateToken(ctx, workflowID, channel, newToken, actor)
	if err != nil {
		return nil, err
	}

	outcome, err := c.finish(ctx, workflowID, channel, events.OperationRotate, policy.SecretVersion)
	if err != nil {
		return nil, err
	}

	rotated := events.CredentialsRotated{
		BaseEvent:     events.NewBaseEvent(events.CredentialsRotatedEvent, channel),
		WorkflowID:    workflowID,
		SecretVersion: policy.SecretVersion,
		Reason:        "token_rotation",
	}

	if publishErr := c.publisher.Publish(ctx, channel+":"+workflowID, rotated); publishErr != nil {
		c.logger.Warn("credentials rotated event publish failed",
			"workflow_id", workflowID, "error", publishErr)

		outcome.Warnings = append(outcome.Warnings,
			fmt.Sprintf("credentials rotated event publish failed: %v", publishErr))
	}

	return outcome, nil
}

// Republish re-announces the current binding snapshot for a channel as
// upsert frames. Other processes may have missed events while the pub/sub
// backend was down; replaying the snapshot converges them without waiting
// for their periodic validators.
func (c *CommandService) Republish(ctx context.Context, channel string) error {
	state, err := c.registry.Refresh(ctx, channel)
	if err != nil {
		return err
	}

	var firstErr error

	for workflowID, option := range state.Options {
		event := events.BindingChanged{
			BaseEvent:        events.NewBaseEvent(events.BindingChangedEvent, channel),
			WorkflowID:       workflowID,
			Operation:        events.OperationUpsert,
			BindingVersion:   state.Version,
			PublishedVersion: option.PublishedVersion,
			Enabled:          option.IsEnabled,
		}

		if publishErr := c.publisher.Publish(ctx, channel+":"+workflowID, event); publishErr != nil {
			c.logger.Warn("binding snapshot republish failed",
				"workflow_id", workflowID,
				"error", publishErr)

			if firstErr == nil {
				firstErr = publishErr
			}
		}
	}

	return firstErr
}

// finish refreshes the local registry, then publishes the change. Publish
// failures degrade to warnings: the local state is already correct and the
// periodic validator will heal other processes.
func (c *CommandService) finish(ctx context.Context, workflowID, channel, operation string, secretVersion int64) (*CommandOutcome, error) {
	var (
		state *State
		err   error
	)

	if c.registry != nil {
		state, err = c.registry.RefreshWorkflow(ctx, channel, workflowID, 0)
		if err != nil {
			return nil, err
		}
	}

	outcome := &CommandOutcome{}

	var (
		bindingVersion   int64
		publishedVersion int64
		enabled          bool
	)

	if state != nil {
		bindingVersion = state.Version

		if option, ok := state.Options[workflowID]; ok {
			optionCopy := option
			outcome.Option = &optionCopy
			publishedVersion = option.PublishedVersion
			enabled = option.IsEnabled
		}
	}

	event := events.BindingChanged{
		BaseEvent:        events.NewBaseEvent(events.BindingChangedEvent, channel),
		WorkflowID:       workflowID,
		Operation:        operation,
		BindingVersion:   bindingVersion,
		PublishedVersion: publishedVersion,
		Enabled:          enabled,
		SecretVersion:    secretVersion,
	}

	if publishErr := c.publisher.Publish(ctx, channel+":"+workflowID, event); publishErr != nil {
		c.logger.Warn("binding event publish failed",
			"workflow_id", workflowID,
			"operation", operation,
			"error", publishErr)

		outcome.Warnings = append(outcome.Warnings,
			fmt.Sprintf("binding event publish failed: %v", publishErr))
	}

	return outcome, nil
}
