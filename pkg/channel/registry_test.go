package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risehq/rise-gateway/pkg/events"
)

const validToken = "123456789:AAHsV9x2kJh3mPqWn8rTzYc4LbNdEfGh"

type fakeStore struct {
	mu       sync.Mutex
	policies map[string]*BindingPolicy
}

func newFakeStore() *fakeStore {
	return &fakeStore{policies: make(map[string]*BindingPolicy)}
}

func storeKey(workflowID, channel string) string {
	return workflowID + "|" + channel
}

func (s *fakeStore) GetPolicy(_ context.Context, workflowID, channel string) (*BindingPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	policy, ok := s.policies[storeKey(workflowID, channel)]
	if !ok {
		return nil, ErrPolicyNotFound
	}

	copied := *policy

	return &copied, nil
}

func (s *fakeStore) ListPolicies(_ context.Context, channel string) ([]*BindingPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*BindingPolicy

	for _, policy := range s.policies {
		if policy.Channel == channel {
			copied := *policy
			out = append(out, &copied)
		}
	}

	return out, nil
}

func (s *fakeStore) SavePolicy(_ context.Context, policy *BindingPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *policy
	s.policies[storeKey(policy.WorkflowID, policy.Channel)] = &copied

	return nil
}

func (s *fakeStore) DeletePolicy(_ context.Context, workflowID, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(workflowID, channel)
	if _, ok := s.policies[key]; !ok {
		return ErrPolicyNotFound
	}

	delete(s.policies, key)

	return nil
}

func (s *fakeStore) RecordHealthSnapshot(_ context.Context, workflowID, channel string, snapshot HealthSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	policy, ok := s.policies[storeKey(workflowID, channel)]
	if !ok {
		return ErrPolicyNotFound
	}

	policy.Metadata.Health = snapshot

	return nil
}

func (s *fakeStore) SetKillSwitch(_ context.Context, workflowID, channel string, active bool, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	policy, ok := s.policies[storeKey(workflowID, channel)]
	if !ok {
		return ErrPolicyNotFound
	}

	policy.KillSwitch = active
	policy.UpdatedBy = actor
	policy.UpdatedAt = time.Now().UTC()

	return nil
}

type fakeCatalog struct {
	workflows []WorkflowInfo
}

func (c *fakeCatalog) ListForChannel(_ context.Context, _ string) ([]WorkflowInfo, error) {
	return c.workflows, nil
}

func (c *fakeCatalog) GetForChannel(_ context.Context, workflowID, _ string) (*WorkflowInfo, error) {
	for _, workflow := range c.workflows {
		if workflow.ID == workflowID {
			copied := workflow

			return &copied, nil
		}
	}

	return nil, nil
}

func testPolicy(workflowID string, updatedAt time.Time) *BindingPolicy {
	policy := &BindingPolicy{
		WorkflowID:        workflowID,
		Channel:           ChannelTelegram,
		EncryptedBotToken: "sealed",
		BotTokenMask:      "123456****EfGh",
		WebhookURL:        "https://gateway.example.com/telegram/webhook",
		WaitForResult:     true,
		SecretVersion:     1,
		UpdatedAt:         updatedAt,
	}
	policy.ApplyDefaults()

	return policy
}

func newTestRegistry(t *testing.T, store Store, catalog WorkflowCatalog) *Registry {
	t.Helper()

	box, err := NewSecretBox("registry-test-key")
	require.NoError(t, err)

	return NewRegistry(NewBindingService(store, catalog, box))
}

func TestActiveSelectionPrefersMostRecentUpdate(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	catalog := &fakeCatalog{workflows: []WorkflowInfo{
		{ID: "wf-old", Name: "Old", Status: "published", PublishedVersion: 1, ChannelEnabled: true},
		{ID: "wf-new", Name: "New", Status: "published", PublishedVersion: 2, ChannelEnabled: true},
	}}

	base := time.Now().UTC()
	require.NoError(t, store.SavePolicy(ctx, testPolicy("wf-old", base.Add(-time.Hour))))
	require.NoError(t, store.SavePolicy(ctx, testPolicy("wf-new", base)))

	registry := newTestRegistry(t, store, catalog)

	active, err := registry.GetActiveBinding(ctx, ChannelTelegram)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "wf-new", active.WorkflowID)
	assert.NotNil(t, active.Policy)
}

func TestKillSwitchExcludesBinding(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	catalog := &fakeCatalog{workflows: []WorkflowInfo{
		{ID: "wf-1", Status: "published", ChannelEnabled: true},
	}}

	policy := testPolicy("wf-1", time.Now().UTC())
	policy.KillSwitch = true
	require.NoError(t, store.SavePolicy(ctx, policy))

	registry := newTestRegistry(t, store, catalog)

	active, err := registry.GetActiveBinding(ctx, ChannelTelegram)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestDisabledWorkflowIsNotActive(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	catalog := &fakeCatalog{workflows: []WorkflowInfo{
		{ID: "wf-1", Status: "published", ChannelEnabled: false},
	}}

	require.NoError(t, store.SavePolicy(ctx, testPolicy("wf-1", time.Now().UTC())))

	registry := newTestRegistry(t, store, catalog)

	active, err := registry.GetActiveBinding(ctx, ChannelTelegram)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestDegradedBindingRemainsEligible(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	catalog := &fakeCatalog{workflows: []WorkflowInfo{
		{ID: "wf-1", Status: "published", ChannelEnabled: true},
	}}

	policy := testPolicy("wf-1", time.Now().UTC())
	policy.Metadata.Health = HealthSnapshot{Status: HealthDegraded}
	require.NoError(t, store.SavePolicy(ctx, policy))

	registry := newTestRegistry(t, store, catalog)

	active, err := registry.GetActiveBinding(ctx, ChannelTelegram)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "wf-1", active.WorkflowID)

	options, err := registry.GetOptions(ctx, ChannelTelegram)
	require.NoError(t, err)
	require.Len(t, options, 1)
	assert.Equal(t, StatusDegraded, options[0].Status)
}

func TestUnboundOptionIsNeverActive(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	catalog := &fakeCatalog{workflows: []WorkflowInfo{
		{ID: "wf-1", Status: "published", ChannelEnabled: true},
	}}

	registry := newTestRegistry(t, store, catalog)

	active, err := registry.GetActiveBinding(ctx, ChannelTelegram)
	require.NoError(t, err)
	assert.Nil(t, active)

	options, err := registry.GetOptions(ctx, ChannelTelegram)
	require.NoError(t, err)
	require.Len(t, options, 1)
	assert.Equal(t, StatusUnbound, options[0].Status)
}

func TestHandleEventAppliesDelete(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	catalog := &fakeCatalog{workflows: []WorkflowInfo{
		{ID: "wf-1", Status: "published", ChannelEnabled: true},
	}}

	require.NoError(t, store.SavePolicy(ctx, testPolicy("wf-1", time.Now().UTC())))

	registry := newTestRegistry(t, store, catalog)

	active, err := registry.GetActiveBinding(ctx, ChannelTelegram)
	require.NoError(t, err)
	require.NotNil(t, active)

	require.NoError(t, store.DeletePolicy(ctx, "wf-1", ChannelTelegram))

	err = registry.HandleEvent(ctx, &events.BindingChanged{
		BaseEvent:  events.NewBaseEvent(events.BindingChangedEvent, ChannelTelegram),
		WorkflowID: "wf-1",
		Operation:  events.OperationDelete,
	})
	require.NoError(t, err)

	active, err = registry.GetActiveBinding(ctx, ChannelTelegram)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestVersionIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	catalog := &fakeCatalog{workflows: []WorkflowInfo{
		{ID: "wf-1", Status: "published", ChannelEnabled: true},
	}}

	require.NoError(t, store.SavePolicy(ctx, testPolicy("wf-1", time.Now().UTC())))

	registry := newTestRegistry(t, store, catalog)

	first, err := registry.Refresh(ctx, ChannelTelegram)
	require.NoError(t, err)

	second, err := registry.RefreshWorkflow(ctx, ChannelTelegram, "wf-1", 0)
	require.NoError(t, err)
	assert.Greater(t, second.Version, first.Version)

	third, err := registry.Refresh(ctx, ChannelTelegram)
	require.NoError(t, err)
	assert.Greater(t, third.Version, second.Version)
}

func TestDiagnosticsSummarizesState(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	catalog := &fakeCatalog{workflows: []WorkflowInfo{
		{ID: "wf-1", Status: "published", ChannelEnabled: true},
	}}

	require.NoError(t, store.SavePolicy(ctx, testPolicy("wf-1", time.Now().UTC())))

	registry := newTestRegistry(t, store, catalog)
	_, err := registry.Refresh(ctx, ChannelTelegram)
	require.NoError(t, err)

	diag := registry.Diagnostics()
	require.Contains(t, diag, ChannelTelegram)
	assert.Equal(t, "wf-1", diag[ChannelTelegram]["active_workflow_id"])
	assert.Equal(t, 1, diag[ChannelTelegram]["option_count"])
}
