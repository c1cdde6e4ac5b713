// Package relay forwards account activity to external subscribers.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	accounts "github.com/goliatone/go-accounts"
	"github.com/goliatone/go-accounts/activitymap"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "accounts.activity"

// Publisher is the subset of *redis.Client used by RedisSink.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

var _ Publisher = (*redis.Client)(nil)

// RedisSink publishes normalized activity records as JSON on a redis channel.
type RedisSink struct {
	client  Publisher
	channel string
	timeout time.Duration
	opts    []activitymap.Option
}

var _ accounts.ActivitySink = (*RedisSink)(nil)

// SinkOption customizes a RedisSink.
type SinkOption func(*RedisSink)

// WithChannel overrides the pub/sub channel.
func WithChannel(channel string) SinkOption {
	return func(s *RedisSink) {
		if channel != "" {
			s.channel = channel
		}
	}
}

// WithTimeout bounds each publish call.
func WithTimeout(timeout time.Duration) SinkOption {
	return func(s *RedisSink) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithNormalizeOptions forwards options to activitymap.Normalize.
func WithNormalizeOptions(opts ...activitymap.Option) SinkOption {
	return func(s *RedisSink) {
		s.opts = append(s.opts, opts...)
	}
}

// NewRedisSink returns a sink that publishes through client.
func NewRedisSink(client Publisher, opts ...SinkOption) *RedisSink {
	s := &RedisSink{
		client:  client,
		channel: DefaultChannel,
		timeout: 2 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Record implements accounts.ActivitySink.
func (s *RedisSink) Record(ctx context.Context, event accounts.ActivityEvent) error {
	payload, err := json.Marshal(activitymap.Normalize(event, s.opts...))
	if err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish activity to %s: %w", s.channel, err)
	}
	return nil
}
