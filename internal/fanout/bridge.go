package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type envelope struct {
	Node  string `json:"node"`
	Event Event  `json:"event"`
}

// RedisBridge relays events between nodes over one Redis pub/sub channel.
// Events a node published itself are ignored when they come back.
type RedisBridge struct {
	client  redis.UniversalClient
	channel string
	node    string
	logger  *zap.Logger
}

// NewRedisBridge creates a bridge on channel.
func NewRedisBridge(client redis.UniversalClient, channel string, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if channel == "" {
		channel = "roundtable:fanout"
	}
	return &RedisBridge{
		client:  client,
		channel: channel,
		node:    uuid.New().String(),
		logger:  logger.With(zap.String("component", "fanout_bridge")),
	}
}

// Publish sends ev to every other node.
func (b *RedisBridge) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(envelope{Node: b.node, Event: ev})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Run subscribes and hands remote events to deliver until ctx ends. ready,
// if non-nil, is closed once the subscription is confirmed.
func (b *RedisBridge) Run(ctx context.Context, deliver func(Event), ready chan<- struct{}) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	b.logger.Info("fanout bridge subscribed", zap.String("channel", b.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping malformed bridge message", zap.Error(err))
				continue
			}
			if env.Node == b.node {
				continue
			}
			deliver(env.Event)
		}
	}
}
