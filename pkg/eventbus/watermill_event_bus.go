package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/risehq/rise-gateway/pkg/events"
)

// WatermillEventBus routes typed binding events over any watermill
// publisher/subscriber pair (Redis pub/sub in production, gochannel in
// tests). Malformed frames are acknowledged and dropped so one bad producer
// cannot wedge the stream.
type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber

	mu            sync.RWMutex
	subscriptions map[events.EventType]EventHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) *WatermillEventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[events.EventType]EventHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(events.TopicFor(event.GetType()), msg)
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		topics = []string{events.BindingTopic, events.BindingHealthTopic}
	}

	for _, topic := range topics {
		messages, err := eb.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return err
		}

		go eb.consume(ctx, messages)
	}

	return nil
}

func (eb *WatermillEventBus) consume(ctx context.Context, messages <-chan *message.Message) {
	for msg := range messages {
		eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

		eb.mu.RLock()
		handler, exists := eb.subscriptions[eventType]
		eb.mu.RUnlock()

		if !exists {
			msg.Ack()

			continue
		}

		var event any

		switch eventType {
		case events.BindingChangedEvent:
			event = &events.BindingChanged{}
		case events.BindingHealthChangedEvent:
			event = &events.BindingHealth{}
		case events.CredentialsRotatedEvent:
			event = &events.CredentialsRotated{}
		case events.CapabilityStateEvent:
			event = &events.CapabilityState{}
		default:
			// Unknown frame; drop it rather than poison the stream.
			msg.Ack()

			continue
		}

		if err := json.Unmarshal(msg.Payload, event); err != nil {
			msg.Ack()

			continue
		}

		if err := handler(ctx, event); err != nil {
			msg.Nack()

			continue
		}

		msg.Ack()
	}
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscriptions[eventType] = handler
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}
