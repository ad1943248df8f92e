// Package redis delivers subscription notifications to a Redis stream, where
// mailers and push workers consume them with XREADGROUP.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Config holds Redis stream configuration
type Config struct {
	// Stream is the stream key notifications are appended to (default: "goentitle:notifications")
	Stream string

	// MaxLen approximately caps the stream length (default: 100000, negative disables trimming)
	MaxLen int64
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Stream: "goentitle:notifications",
		MaxLen: 100000,
	}
}

// Sender implements goentitle.Sender with XADD.
type Sender struct {
	client redis.UniversalClient
	config Config
}

// New creates a stream sender.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Sender, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	defaults := DefaultConfig()
	if config.Stream == "" {
		config.Stream = defaults.Stream
	}
	if config.MaxLen == 0 {
		config.MaxLen = defaults.MaxLen
	}
	return &Sender{client: client, config: config}, nil
}

// Send appends n to the stream.
func (s *Sender) Send(ctx context.Context, n goentitle.Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", n.Kind(), err)
	}

	args := &redis.XAddArgs{
		Stream: s.config.Stream,
		Values: map[string]interface{}{
			"kind":            string(n.Kind()),
			"user_id":         n.UserID,
			"subscription_id": n.SubscriptionID,
			"platform":        string(n.Platform),
			"created_at":      n.CreatedAt.UTC().Format(time.RFC3339Nano),
			"payload":         string(payload),
		},
	}
	if s.config.MaxLen > 0 {
		args.MaxLen = s.config.MaxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append notification: %w", err)
	}
	return nil
}
