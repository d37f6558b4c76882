package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"

	"github.com/socialwatch/sentinel/internal/notify"
)

// PubSubSink publishes every event as one JSON message on a topic. Rooms are
// carried in the "rooms" attribute and trace context in the rest.
type PubSubSink struct {
	topic *pubsub.Topic
}

// NewPubSubSink wraps an existing topic handle.
func NewPubSubSink(topic *pubsub.Topic) *PubSubSink {
	return &PubSubSink{topic: topic}
}

// Consume publishes the batch and waits for every server ack.
func (s *PubSubSink) Consume(ctx context.Context, batch []notify.Event) error {
	if s.topic == nil {
		return errors.New("pubsub topic is not configured")
	}
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		msg := &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"kind":  string(evt.Kind),
				"type":  evt.Type,
				"rooms": strings.Join(evt.Rooms(), ","),
			},
		}
		otel.GetTextMapPropagator().Inject(ctx, &attributeCarrier{attrs: msg.Attributes})
		results = append(results, s.topic.Publish(ctx, msg))
	}
	var errs []error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("publish events: %w", err)
	}
	return nil
}

// Close flushes pending messages and stops the topic's goroutines.
func (s *PubSubSink) Close(context.Context) error {
	if s.topic != nil {
		s.topic.Stop()
	}
	return nil
}

// attributeCarrier implements propagation.TextMapCarrier for message attributes.
type attributeCarrier struct {
	attrs map[string]string
}

func (c *attributeCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *attributeCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
