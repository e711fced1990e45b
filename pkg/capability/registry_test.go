package capability

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryTracksTransitions(t *testing.T) {
	registry := NewRegistry(nil)

	var transitions []string

	registry.Subscribe(func(previous, current Info) {
		transitions = append(transitions, previous.Status+"->"+current.Status)
	})

	ctx := context.Background()

	registry.Report(ctx, CapabilityRedis, StatusAvailable, "")
	registry.Report(ctx, CapabilityRedis, StatusAvailable, "")
	registry.Report(ctx, CapabilityRedis, StatusUnavailable, "connection refused")
	registry.Report(ctx, CapabilityRedis, StatusAvailable, "")

	assert.Equal(t, []string{
		"unknown->available",
		"available->unavailable",
		"unavailable->available",
	}, transitions)

	info := registry.Get(CapabilityRedis)
	assert.Equal(t, StatusAvailable, info.Status)
	assert.Zero(t, info.FailureCount)
}

func TestRegistryFailureCountAccumulates(t *testing.T) {
	registry := NewRegistry(nil)
	ctx := context.Background()

	registry.Report(ctx, CapabilityMongo, StatusUnavailable, "down")
	registry.Report(ctx, CapabilityMongo, StatusUnavailable, "down")

	assert.Equal(t, 2, registry.Get(CapabilityMongo).FailureCount)
}

func TestRegistryOverall(t *testing.T) {
	registry := NewRegistry(nil)
	ctx := context.Background()

	assert.Equal(t, StatusUnknown, registry.Overall())

	registry.Report(ctx, CapabilityMongo, StatusAvailable, "")
	registry.Report(ctx, CapabilityRedis, StatusAvailable, "")
	registry.Report(ctx, CapabilityTelegram, StatusAvailable, "")
	assert.Equal(t, StatusAvailable, registry.Overall())

	registry.Report(ctx, CapabilityTelegram, StatusUnavailable, "api down")
	assert.Equal(t, StatusDegraded, registry.Overall())

	registry.Report(ctx, CapabilityRedis, StatusUnavailable, "refused")
	assert.Equal(t, StatusUnavailable, registry.Overall())
}

func TestTelegramProbeModes(t *testing.T) {
	skip := NewTelegramProbe(ProbeModeSkip, "", nil)
	require.NoError(t, skip.Check(context.Background()))

	noToken := NewTelegramProbe(ProbeModeGetMe, "", nil)
	err := noToken.Check(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDegraded))
}

func TestTelegramWebhookProbeRejectsInsecureURL(t *testing.T) {
	probe := NewTelegramProbe(ProbeModeWebhook, "http://gw.example.com/telegram/webhook", nil)
	probe.dial = func(_ context.Context, _ string) (*tls.Conn, error) {
		t.Fatal("dial must not run for a non-https webhook url")

		return nil, nil
	}

	err := probe.Check(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDegraded))
	assert.Contains(t, err.Error(), "not https")
}

func TestTelegramWebhookProbeDialsConfiguredHost(t *testing.T) {
	var dialed string

	probe := NewTelegramProbe(ProbeModeWebhook, "https://gw.example.com/telegram/webhook", nil)
	probe.dial = func(_ context.Context, addr string) (*tls.Conn, error) {
		dialed = addr

		return nil, errors.New("refused")
	}

	err := probe.Check(context.Background())
	require.Error(t, err)
	assert.Equal(t, "gw.example.com:443", dialed)

	probe = NewTelegramProbe(ProbeModeWebhook, "https://gw.example.com:8443/hook", nil)
	probe.dial = func(_ context.Context, addr string) (*tls.Conn, error) {
		dialed = addr

		return nil, errors.New("refused")
	}

	require.Error(t, probe.Check(context.Background()))
	assert.Equal(t, "gw.example.com:8443", dialed)
}

func TestUnavailableError(t *testing.T) {
	err := &Unavailable{Capability: CapabilityRedis, RetryAfter: DefaultRetryAfter}

	assert.True(t, IsUnavailable(err))
	assert.False(t, IsUnavailable(errors.New("other")))
	assert.Contains(t, err.Error(), CapabilityRedis)
}
