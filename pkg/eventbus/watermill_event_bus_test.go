package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risehq/rise-gateway/pkg/channels/gochannel"
	"github.com/risehq/rise-gateway/pkg/events"
)

func newTestBus(t *testing.T) *WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	return NewWatermillEventBus(pub, sub)
}

func TestPublishAndSubscribeBindingChanged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)

	received := make(chan *events.BindingChanged, 1)
	bus.Handle(events.BindingChangedEvent, func(_ context.Context, event any) error {
		typed, ok := event.(*events.BindingChanged)
		require.True(t, ok)
		received <- typed

		return nil
	})

	require.NoError(t, bus.Subscribe(ctx))

	published := events.BindingChanged{
		BaseEvent:      events.NewBaseEvent(events.BindingChangedEvent, "telegram"),
		WorkflowID:     "wf-1",
		Operation:      events.OperationUpsert,
		BindingVersion: 3,
		Enabled:        true,
	}
	require.NoError(t, bus.Publish(ctx, "telegram:wf-1", published))

	select {
	case got := <-received:
		assert.Equal(t, "wf-1", got.WorkflowID)
		assert.Equal(t, events.OperationUpsert, got.Operation)
		assert.EqualValues(t, 3, got.BindingVersion)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for binding event")
	}
}

func TestHealthEventsTravelOnHealthTopic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)

	received := make(chan *events.BindingHealth, 1)
	bus.Handle(events.BindingHealthChangedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.BindingHealth)

		return nil
	})

	require.NoError(t, bus.Subscribe(ctx, events.BindingHealthTopic))

	require.NoError(t, bus.Publish(ctx, "telegram:wf-1", events.BindingHealth{
		BaseEvent:  events.NewBaseEvent(events.BindingHealthChangedEvent, "telegram"),
		WorkflowID: "wf-1",
		Status:     "degraded",
		CheckedAt:  time.Now().UTC(),
	}))

	select {
	case got := <-received:
		assert.Equal(t, "degraded", got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for health event")
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := NewWatermillEventBus(pub, sub)

	received := make(chan *events.BindingChanged, 1)
	bus.Handle(events.BindingChangedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.BindingChanged)

		return nil
	})

	require.NoError(t, bus.Subscribe(ctx))

	// A frame with an unknown event type must be dropped silently.
	unknown := message.NewMessage("msg-unknown", []byte(`{}`))
	unknown.Metadata.Set(events.EventTypeMetadataKey, "binding.mystery")
	require.NoError(t, pub.Publish(events.BindingTopic, unknown))

	// A frame with an invalid payload must be dropped too.
	broken := message.NewMessage("msg-broken", []byte(`{not json`))
	broken.Metadata.Set(events.EventTypeMetadataKey, string(events.BindingChangedEvent))
	require.NoError(t, pub.Publish(events.BindingTopic, broken))

	// A well-formed frame still arrives afterwards.
	require.NoError(t, bus.Publish(ctx, "telegram:wf-2", events.BindingChanged{
		BaseEvent:  events.NewBaseEvent(events.BindingChangedEvent, "telegram"),
		WorkflowID: "wf-2",
		Operation:  events.OperationDelete,
	}))

	select {
	case got := <-received:
		assert.Equal(t, "wf-2", got.WorkflowID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for surviving event")
	}
}
