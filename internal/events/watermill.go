package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const subscriberBuffer = 64

// WatermillBus is an in-process Bus over watermill's gochannel transport.
// Delivery per subscription is FIFO; publishers never block, and a slow
// consumer stalls only its own subscription.
type WatermillBus struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger
}

var _ Bus = (*WatermillBus)(nil)

// NewBus creates the gochannel-backed bus.
func NewBus(logger *slog.Logger) *WatermillBus {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: subscriberBuffer},
		watermill.NewSlogLogger(logger),
	)
	return &WatermillBus{pubsub: pubsub, logger: logger}
}

// NewTestBus creates a bus whose Publish blocks until every subscription
// acknowledges delivery. Slower, but deterministic: tests can assert on
// delivery order without sleeping.
func NewTestBus(logger *slog.Logger) *WatermillBus {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            subscriberBuffer,
			BlockPublishUntilSubscriberAck: true,
		},
		watermill.NewSlogLogger(logger),
	)
	return &WatermillBus{pubsub: pubsub, logger: logger}
}

// Publish fans the event out to every open subscription.
func (b *WatermillBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set(MetadataExecutionID, event.ExecutionID)
	msg.Metadata.Set(MetadataEventType, event.Type)

	return b.pubsub.Publish(Topic, msg)
}

// Subscribe opens a filtered subscription. The returned channel closes when
// cancel is called, ctx ends, or the bus closes.
func (b *WatermillBus) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	messages, err := b.pubsub.Subscribe(subCtx, Topic)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan Event, subscriberBuffer)

	go func() {
		defer close(out)

		for msg := range messages {
			if !filter.matches(msg.Metadata.Get(MetadataExecutionID), msg.Metadata.Get(MetadataEventType)) {
				msg.Ack()
				continue
			}

			var event Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				b.logger.Warn("dropping undecodable bus event",
					"message_id", msg.UUID, "error", err)
				msg.Ack()
				continue
			}

			select {
			case out <- event:
				msg.Ack()
			case <-subCtx.Done():
				msg.Nack()
				return
			}
		}
	}()

	return out, cancel, nil
}

// Close shuts the transport down; open subscriptions drain and close.
func (b *WatermillBus) Close() error {
	return b.pubsub.Close()
}
