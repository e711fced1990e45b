package channel

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/risehq/rise-gateway/pkg/log"
)

// WorkflowCatalog exposes the slice of workflow definitions the binding layer
// joins against when deriving options.
type WorkflowCatalog interface {
	ListForChannel(ctx context.Context, channel string) ([]WorkflowInfo, error)
	GetForChannel(ctx context.Context, workflowID, channel string) (*WorkflowInfo, error)
}

// BindingService joins stored policies with the workflow catalog, owns token
// encryption, and validates admin mutations.
type BindingService struct {
	store   Store
	catalog WorkflowCatalog
	secrets *SecretBox
	logger  *slog.Logger
}

func NewBindingService(store Store, catalog WorkflowCatalog, secrets *SecretBox) *BindingService {
	return &BindingService{
		store:   store,
		catalog: catalog,
		secrets: secrets,
		logger:  log.WithModule("channel_binding"),
	}
}

// UpsertRequest carries an admin create/update of a binding policy. BotToken
// may be empty on update to keep the stored credential.
type UpsertRequest struct {
	WorkflowID             string
	Channel                string
	BotToken               string
	WebhookURL             string
	Mode                   string
	WaitForResult          *bool
	WorkflowMissingMessage string
	TimeoutMessage         string
	Metadata               PolicyMetadata
	Localization           Localization
	Actor                  string
}

// ListOptions derives the binding options for a channel: every routable
// workflow plus every workflow that already has a policy.
func (s *BindingService) ListOptions(ctx context.Context, channel string) ([]BindingOption, error) {
	workflows, err := s.catalog.ListForChannel(ctx, channel)
	if err != nil {
		return nil, err
	}

	policies, err := s.store.ListPolicies(ctx, channel)
	if err != nil {
		return nil, err
	}

	policyByWorkflow := make(map[string]*BindingPolicy, len(policies))
	for _, policy := range policies {
		policyByWorkflow[policy.WorkflowID] = policy
	}

	options := make([]BindingOption, 0, len(workflows))
	seen := make(map[string]bool, len(workflows))

	for _, workflow := range workflows {
		policy := policyByWorkflow[workflow.ID]
		if policy == nil && !workflow.Routable() {
			continue
		}

		seen[workflow.ID] = true

		options = append(options, buildOption(workflow, policy))
	}

	// Policies whose workflow vanished still surface, so operators can see
	// and delete them.
	for workflowID, policy := range policyByWorkflow {
		if seen[workflowID] {
			continue
		}

		options = append(options, buildOption(WorkflowInfo{ID: workflowID}, policy))
	}

	sort.Slice(options, func(i, j int) bool {
		return options[i].WorkflowID < options[j].WorkflowID
	})

	return options, nil
}

// GetOption derives the binding view for one workflow.
func (s *BindingService) GetOption(ctx context.Context, workflowID, channel string) (*BindingOption, error) {
	workflow, err := s.catalog.GetForChannel(ctx, workflowID, channel)
	if err != nil {
		return nil, err
	}

	policy, err := s.store.GetPolicy(ctx, workflowID, channel)
	if err != nil && !IsPolicyNotFound(err) {
		return nil, err
	}

	if workflow == nil {
		if policy == nil {
			return nil, ErrWorkflowNotFound
		}

		workflow = &WorkflowInfo{ID: workflowID}
	}

	option := buildOption(*workflow, policy)

	return &option, nil
}

// SavePolicy validates and persists an upsert, rotating the stored token only
// when a new one is supplied.
func (s *BindingService) SavePolicy(ctx context.Context, req UpsertRequest) (*BindingPolicy, error) {
	if req.Channel == "" {
		req.Channel = ChannelTelegram
	}

	if err := ValidateWebhookURL(req.WebhookURL); err != nil {
		return nil, err
	}

	existing, err := s.store.GetPolicy(ctx, req.WorkflowID, req.Channel)
	if err != nil && !IsPolicyNotFound(err) {
		return nil, err
	}

	encrypted, mask, secretVersion, err := s.resolveToken(existing, req.BotToken)
	if err != nil {
		return nil, err
	}

	waitForResult := true
	if req.WaitForResult != nil {
		waitForResult = *req.WaitForResult
	} else if existing != nil {
		waitForResult = existing.WaitForResult
	}

	policy := &BindingPolicy{
		WorkflowID:             req.WorkflowID,
		Channel:                req.Channel,
		EncryptedBotToken:      encrypted,
		BotTokenMask:           mask,
		WebhookURL:             req.WebhookURL,
		Mode:                   req.Mode,
		WaitForResult:          waitForResult,
		WorkflowMissingMessage: req.WorkflowMissingMessage,
		TimeoutMessage:         req.TimeoutMessage,
		Metadata:               mergeMetadata(existing, req.Metadata),
		Localization:           req.Localization,
		SecretVersion:          secretVersion,
		UpdatedBy:              req.Actor,
		UpdatedAt:              time.Now().UTC(),
	}

	if existing != nil {
		policy.KillSwitch = existing.KillSwitch

		if policy.Localization.Messages == nil {
			policy.Localization = existing.Localization
		}
	}

	policy.ApplyDefaults()

	if err := s.store.SavePolicy(ctx, policy); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "binding policy saved",
		"workflow_id", policy.WorkflowID,
		"channel", policy.Channel,
		"secret_version", policy.SecretVersion,
		"token_mask", policy.BotTokenMask)

	return policy, nil
}

// RotateToken replaces the stored credential and bumps the secret version.
func (s *BindingService) RotateToken(ctx context.Context, workflowID, channel, newToken, actor string) (*BindingPolicy, error) {
	if newToken == "" {
		return nil, NewValidationError("BOT_TOKEN_REQUIRED", "botToken is required for rotation")
	}

	existing, err := s.store.GetPolicy(ctx, workflowID, channel)
	if err != nil {
		return nil, err
	}

	encrypted, mask, secretVersion, err := s.resolveToken(existing, newToken)
	if err != nil {
		return nil, err
	}

	existing.EncryptedBotToken = encrypted
	existing.BotTokenMask = mask
	existing.SecretVersion = secretVersion
	existing.UpdatedBy = actor
	existing.UpdatedAt = time.Now().UTC()

	if err := s.store.SavePolicy(ctx, existing); err != nil {
		return nil, err
	}

	return existing, nil
}

// DeletePolicy removes a binding policy.
func (s *BindingService) DeletePolicy(ctx context.Context, workflowID, channel string) error {
	return s.store.DeletePolicy(ctx, workflowID, channel)
}

// SetKillSwitch flips the kill switch without touching the rest of the policy.
func (s *BindingService) SetKillSwitch(ctx context.Context, workflowID, channel string, active bool, actor string) error {
	return s.store.SetKillSwitch(ctx, workflowID, channel, active, actor)
}

// RecordHealthSnapshot persists the monitor's verdict into the policy.
func (s *BindingService) RecordHealthSnapshot(ctx context.Context, workflowID, channel string, snapshot HealthSnapshot) error {
	return s.store.RecordHealthSnapshot(ctx, workflowID, channel, snapshot)
}

// DecryptToken recovers the bot token of a policy.
func (s *BindingService) DecryptToken(policy *BindingPolicy) (string, error) {
	return s.secrets.Decrypt(policy.EncryptedBotToken)
}

func (s *BindingService) resolveToken(existing *BindingPolicy, newToken string) (encrypted, mask string, secretVersion int64, err error) {
	if newToken == "" {
		if existing == nil {
			return "", "", 0, NewValidationError("BOT_TOKEN_REQUIRED", "botToken is required")
		}

		return existing.EncryptedBotToken, existing.BotTokenMask, existing.SecretVersion, nil
	}

	if !ValidBotToken(newToken) {
		return "", "", 0, NewValidationError("BOT_TOKEN_INVALID", "botToken format is invalid")
	}

	encrypted, err = s.secrets.Encrypt(newToken)
	if err != nil {
		return "", "", 0, err
	}

	secretVersion = 1
	if existing != nil {
		secretVersion = existing.SecretVersion + 1
	}

	return encrypted, MaskToken(newToken), secretVersion, nil
}

func mergeMetadata(existing *BindingPolicy, incoming PolicyMetadata) PolicyMetadata {
	merged := incoming

	if existing != nil {
		if merged.AllowedChatIDs == nil {
			merged.AllowedChatIDs = existing.Metadata.AllowedChatIDs
		}

		if merged.RateLimitPerMin < 1 {
			merged.RateLimitPerMin = existing.Metadata.RateLimitPerMin
		}

		if merged.Locale == "" {
			merged.Locale = existing.Metadata.Locale
		}

		if merged.ProbeChatID == "" {
			merged.ProbeChatID = existing.Metadata.ProbeChatID
		}

		// Health is owned by the monitor, never by admin writes.
		merged.Health = existing.Metadata.Health
	}

	return merged
}

func buildOption(workflow WorkflowInfo, policy *BindingPolicy) BindingOption {
	option := BindingOption{
		WorkflowID:       workflow.ID,
		WorkflowName:     workflow.Name,
		PublishedVersion: workflow.PublishedVersion,
		Channel:          ChannelTelegram,
		Status:           DeriveStatus(policy),
		IsEnabled:        workflow.ChannelEnabled,
		Policy:           policy,
	}

	if policy != nil {
		option.Channel = policy.Channel
		option.Health = policy.Metadata.Health
		option.UpdatedAt = policy.UpdatedAt
		option.UpdatedBy = policy.UpdatedBy
		option.KillSwitch = policy.KillSwitch
	}

	return option
}
