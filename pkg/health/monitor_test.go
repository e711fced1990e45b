package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risehq/rise-gateway/pkg/channel"
	"github.com/risehq/rise-gateway/pkg/dispatch"
	"github.com/risehq/rise-gateway/pkg/eventbus"
	"github.com/risehq/rise-gateway/pkg/telegram"
)

type fakeOptions struct {
	options []channel.BindingOption
}

func (f *fakeOptions) GetOptions(_ context.Context, _ string) ([]channel.BindingOption, error) {
	return f.options, nil
}

type fakeService struct {
	token     string
	tokenErr  error
	snapshots map[string]channel.HealthSnapshot
}

func newFakeService() *fakeService {
	return &fakeService{token: "123:token", snapshots: make(map[string]channel.HealthSnapshot)}
}

func (f *fakeService) DecryptToken(_ *channel.BindingPolicy) (string, error) {
	return f.token, f.tokenErr
}

func (f *fakeService) RecordHealthSnapshot(_ context.Context, workflowID, _ string, snapshot channel.HealthSnapshot) error {
	f.snapshots[workflowID] = snapshot

	return nil
}

type fakeInspector struct {
	info telegram.WebhookInfo
	err  error
}

func (f *fakeInspector) GetWebhookInfo(_ context.Context, _ string) (telegram.WebhookInfo, error) {
	return f.info, f.err
}

type fakeProber struct {
	outcome *dispatch.Outcome
	err     error
	calls   int
	chatID  string
}

func (f *fakeProber) Probe(_ context.Context, _, chatID, _ string) (*dispatch.Outcome, error) {
	f.calls++
	f.chatID = chatID

	return f.outcome, f.err
}

type fakeCounters struct {
	counters   channel.HealthCounters
	heartbeats map[string]string
	resets     []string
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{heartbeats: make(map[string]string)}
}

func (f *fakeCounters) Snapshot(_ context.Context, _, _ string) (channel.HealthCounters, error) {
	return f.counters, nil
}

func (f *fakeCounters) RecordHeartbeat(_ context.Context, _, workflowID, status string) error {
	f.heartbeats[workflowID] = status

	return nil
}

func (f *fakeCounters) Reset(_ context.Context, _, workflowID string) error {
	f.resets = append(f.resets, workflowID)

	return nil
}

type fakeKiller struct {
	killed []string
	err    error
}

func (f *fakeKiller) SetKillSwitch(_ context.Context, workflowID, _ string, active bool, _ string) (*channel.CommandOutcome, error) {
	if active {
		f.killed = append(f.killed, workflowID)
	}

	return &channel.CommandOutcome{}, f.err
}

type capturingPublisher struct {
	events []eventbus.Event
}

func (p *capturingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.events = append(p.events, event)

	return nil
}

type monitorFixture struct {
	service   *fakeService
	inspector *fakeInspector
	prober    *fakeProber
	counters  *fakeCounters
	killer    *fakeKiller
	publisher *capturingPublisher
}

func newMonitorFixture() *monitorFixture {
	return &monitorFixture{
		service:   newFakeService(),
		inspector: &fakeInspector{info: telegram.WebhookInfo{URL: "https://gw.example.com/telegram/webhook"}},
		prober:    &fakeProber{},
		counters:  newFakeCounters(),
		killer:    &fakeKiller{},
		publisher: &capturingPublisher{},
	}
}

func (f *monitorFixture) monitor(options []channel.BindingOption, cfg Config) *Monitor {
	return NewMonitor(&fakeOptions{options: options},
		f.service, f.inspector, f.prober, f.counters, f.killer, f.publisher, cfg)
}

func boundOption(workflowID string) channel.BindingOption {
	policy := &channel.BindingPolicy{
		WorkflowID: workflowID,
		Channel:    channel.ChannelTelegram,
		WebhookURL: "https://gw.example.com/telegram/webhook/",
	}
	policy.ApplyDefaults()

	return channel.BindingOption{
		WorkflowID: workflowID,
		Channel:    channel.ChannelTelegram,
		Status:     channel.StatusBound,
		IsEnabled:  true,
		Policy:     policy,
	}
}

func TestMonitorHealthyBinding(t *testing.T) {
	fixture := newMonitorFixture()
	monitor := fixture.monitor([]channel.BindingOption{boundOption("wf-1")}, Config{})

	verdicts := monitor.Sweep(context.Background())
	require.Len(t, verdicts, 1)

	assert.Equal(t, channel.HealthOK, verdicts[0].Status)
	assert.Empty(t, verdicts[0].Issues)
	assert.Equal(t, channel.HealthOK, fixture.counters.heartbeats["wf-1"])
	assert.Equal(t, channel.HealthOK, fixture.service.snapshots["wf-1"].Status)
	assert.Len(t, fixture.publisher.events, 1)
	assert.Empty(t, fixture.killer.killed)
}

func TestMonitorWebhookMismatchDegrades(t *testing.T) {
	fixture := newMonitorFixture()
	fixture.inspector.info.URL = "https://other.example.com/hook"
	monitor := fixture.monitor([]channel.BindingOption{boundOption("wf-1")}, Config{})

	verdicts := monitor.Sweep(context.Background())
	require.Len(t, verdicts, 1)

	assert.Equal(t, channel.HealthDegraded, verdicts[0].Status)
	assert.Contains(t, verdicts[0].Issues, "webhook_mismatch")
	assert.Empty(t, fixture.killer.killed)
}

func TestMonitorTrailingSlashIsNotAMismatch(t *testing.T) {
	fixture := newMonitorFixture()
	fixture.inspector.info.URL = "https://gw.example.com/telegram/webhook"
	monitor := fixture.monitor(nil, Config{})

	option := boundOption("wf-1")
	option.Policy.WebhookURL = "https://gw.example.com/telegram/webhook///"

	verdict := monitor.CheckBinding(context.Background(), option)
	assert.Equal(t, channel.HealthOK, verdict.Status)
}

func TestMonitorCounterThresholdTripsKillSwitch(t *testing.T) {
	fixture := newMonitorFixture()
	fixture.counters.counters = channel.HealthCounters{EnqueueFailed: EnqueueFailedThreshold}
	monitor := fixture.monitor([]channel.BindingOption{boundOption("wf-1")}, Config{})

	verdicts := monitor.Sweep(context.Background())
	require.Len(t, verdicts, 1)

	assert.Equal(t, channel.HealthDown, verdicts[0].Status)
	assert.Contains(t, verdicts[0].Issues, "error_threshold_exceeded")
	assert.Equal(t, []string{"wf-1"}, fixture.killer.killed)
	assert.Equal(t, []string{"wf-1"}, fixture.counters.resets)
}

func TestMonitorLowCounterOnlyDegrades(t *testing.T) {
	fixture := newMonitorFixture()
	fixture.counters.counters = channel.HealthCounters{WorkflowMissing: 1}
	monitor := fixture.monitor([]channel.BindingOption{boundOption("wf-1")}, Config{})

	verdicts := monitor.Sweep(context.Background())
	require.Len(t, verdicts, 1)

	assert.Equal(t, channel.HealthDegraded, verdicts[0].Status)
	assert.Empty(t, fixture.killer.killed)
}

func TestMonitorProbeOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		outcome *dispatch.Outcome
		err     error
		status  string
	}{
		{"success", &dispatch.Outcome{Intent: dispatch.IntentWorkflowResult}, nil, channel.HealthOK},
		{"timeout", &dispatch.Outcome{Intent: dispatch.IntentSyncTimeout}, nil, channel.HealthDegraded},
		{"workflow failure", &dispatch.Outcome{Intent: dispatch.IntentAsyncFailure}, nil, channel.HealthDown},
		{"probe error", nil, errors.New("queue down"), channel.HealthDown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fixture := newMonitorFixture()
			fixture.prober.outcome = tc.outcome
			fixture.prober.err = tc.err

			option := boundOption("wf-1")
			option.Policy.Metadata.ProbeChatID = "555"

			monitor := fixture.monitor(nil, Config{ProbeEnabled: true})

			verdict := monitor.CheckBinding(context.Background(), option)
			assert.Equal(t, tc.status, verdict.Status)
			assert.Equal(t, 1, fixture.prober.calls)
		})
	}
}

func TestMonitorSkipsProbeWithoutChatID(t *testing.T) {
	fixture := newMonitorFixture()
	monitor := fixture.monitor(nil, Config{ProbeEnabled: true})

	verdict := monitor.CheckBinding(context.Background(), boundOption("wf-1"))
	assert.Equal(t, channel.HealthOK, verdict.Status)
	assert.Zero(t, fixture.prober.calls)
}

func TestMonitorProbeFallsBackToFirstAllowedChat(t *testing.T) {
	fixture := newMonitorFixture()
	fixture.prober.outcome = &dispatch.Outcome{Intent: dispatch.IntentWorkflowResult}

	option := boundOption("wf-1")
	option.Policy.Metadata.AllowedChatIDs = []string{"777", "888"}

	monitor := fixture.monitor(nil, Config{ProbeEnabled: true})

	verdict := monitor.CheckBinding(context.Background(), option)
	assert.Equal(t, channel.HealthOK, verdict.Status)
	assert.Equal(t, 1, fixture.prober.calls)
	assert.Equal(t, "777", fixture.prober.chatID)
}

func TestMonitorWebhookNetworkErrorIsDown(t *testing.T) {
	fixture := newMonitorFixture()
	fixture.inspector.err = errors.New("connection reset")
	monitor := fixture.monitor([]channel.BindingOption{boundOption("wf-1")}, Config{})

	verdicts := monitor.Sweep(context.Background())
	require.Len(t, verdicts, 1)

	assert.Equal(t, channel.HealthDown, verdicts[0].Status)
	assert.Contains(t, verdicts[0].Issues, "webhook_info_unreachable")
	assert.Equal(t, []string{"wf-1"}, fixture.killer.killed)
}

func TestMonitorTokenDecryptFailureIsDown(t *testing.T) {
	fixture := newMonitorFixture()
	fixture.service.tokenErr = errors.New("bad secret")
	monitor := fixture.monitor([]channel.BindingOption{boundOption("wf-1")}, Config{})

	verdicts := monitor.Sweep(context.Background())
	require.Len(t, verdicts, 1)

	assert.Equal(t, channel.HealthDown, verdicts[0].Status)
	assert.Equal(t, []string{"wf-1"}, fixture.killer.killed)
}
