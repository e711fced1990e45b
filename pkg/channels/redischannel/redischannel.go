// Package redischannel implements watermill publisher/subscriber interfaces
// over Redis pub/sub, which carries the channel binding topics between
// gateway processes.
package redischannel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	redis "github.com/redis/go-redis/v9"
)

// frame is the wire representation of a watermill message on a Redis topic.
type frame struct {
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  json.RawMessage   `json:"payload"`
}

type Channel struct {
	client redis.UniversalClient

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// CreateChannel returns the same instance as both publisher and subscriber,
// mirroring how the in-memory channel is wired.
func CreateChannel(client redis.UniversalClient) (*Channel, *Channel, error) {
	if client == nil {
		return nil, nil, errors.New("redis client is required")
	}

	channel := &Channel{client: client}

	return channel, channel, nil
}

func (c *Channel) Publish(topic string, messages ...*message.Message) error {
	ctx := context.Background()

	for _, msg := range messages {
		encoded, err := json.Marshal(frame{
			UUID:     msg.UUID,
			Metadata: msg.Metadata,
			Payload:  json.RawMessage(msg.Payload),
		})
		if err != nil {
			return err
		}

		if err := c.client.Publish(ctx, topic, encoded).Err(); err != nil {
			return err
		}
	}

	return nil
}

func (c *Channel) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.New("redis channel is closed")
	}

	pubsub := c.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()

		return nil, err
	}

	c.subs = append(c.subs, pubsub)

	out := make(chan *message.Message)

	go func() {
		defer close(out)

		incoming := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()

				return
			case raw, ok := <-incoming:
				if !ok {
					return
				}

				var decoded frame
				if err := json.Unmarshal([]byte(raw.Payload), &decoded); err != nil {
					// Malformed frame; Redis pub/sub has no redelivery,
					// so dropping is the only option.
					continue
				}

				msg := message.NewMessage(decoded.UUID, []byte(decoded.Payload))
				for key, value := range decoded.Metadata {
					msg.Metadata.Set(key, value)
				}

				select {
				case out <- msg:
				case <-ctx.Done():
					_ = pubsub.Close()

					return
				}
			}
		}
	}()

	return out, nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	var firstErr error

	for _, pubsub := range c.subs {
		if err := pubsub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	c.subs = nil

	return firstErr
}
