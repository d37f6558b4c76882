package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/socialwatch/sentinel/internal/notify"
)

// RedisPublisher is the subset of *redis.Client used by RedisSink.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// RedisSink publishes each event on one Redis channel per room, so that
// other processes can PSUBSCRIBE "<prefix>campaign:*" and similar patterns.
type RedisSink struct {
	client RedisPublisher
	prefix string
}

// NewRedisSink wraps a connected client. prefix is prepended to every room name.
func NewRedisSink(client RedisPublisher, prefix string) *RedisSink {
	return &RedisSink{client: client, prefix: prefix}
}

// Consume publishes every event to each of its rooms.
func (s *RedisSink) Consume(ctx context.Context, batch []notify.Event) error {
	var errs []error
	for _, evt := range batch {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		for _, room := range evt.Rooms() {
			if err := s.client.Publish(ctx, s.prefix+room, payload).Err(); err != nil {
				errs = append(errs, fmt.Errorf("publish to %s: %w", s.prefix+room, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Close closes the underlying client.
func (s *RedisSink) Close(context.Context) error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
