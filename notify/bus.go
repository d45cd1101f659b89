package notify

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Topic carries every ledger event on the bus.
const Topic = "session-ledger.events"

// Bus publishes events on an in-process watermill gochannel.
type Bus struct {
	pubSub *gochannel.GoChannel
	log    *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		pubSub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			zapAdapter{log: log.Named("watermill")},
		),
		log: log,
	}
}

func (b *Bus) Notify(_ context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", string(e.Type))
	msg.Metadata.Set("mapping_id", e.MappingID)
	if err := b.pubSub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// Subscribe returns decoded events until ctx is done or the bus closes.
// Undecodable messages are acked and dropped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	messages, err := b.pubSub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for msg := range messages {
			var e Event
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				b.log.Error("notify: failed to decode event", zap.String("uuid", msg.UUID), zap.Error(err))
				msg.Ack()
				continue
			}
			select {
			case out <- e:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	return b.pubSub.Close()
}

// zapAdapter routes watermill logs into zap.
type zapAdapter struct {
	log *zap.Logger
}

func (a zapAdapter) fields(f watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (a zapAdapter) Error(msg string, err error, f watermill.LogFields) {
	a.log.Error(msg, append(a.fields(f), zap.Error(err))...)
}

func (a zapAdapter) Info(msg string, f watermill.LogFields) {
	a.log.Info(msg, a.fields(f)...)
}

func (a zapAdapter) Debug(msg string, f watermill.LogFields) {
	a.log.Debug(msg, a.fields(f)...)
}

func (a zapAdapter) Trace(msg string, f watermill.LogFields) {
	a.log.Debug(msg, a.fields(f)...)
}

func (a zapAdapter) With(f watermill.LogFields) watermill.LoggerAdapter {
	return zapAdapter{log: a.log.With(a.fields(f)...)}
}
