package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/jobqueue/internal/logger"
)

// RedisNotifier implements the Cluster-backed variant of §4.2 over Redis
// Pub/Sub, for deployments without DB-level LISTEN/NOTIFY (or that already
// run a Redis cluster for other coordination).
type RedisNotifier struct {
	client *redis.Client
	prefix string
	log    logger.Logger

	mu   sync.Mutex
	subs map[Channel]*redis.PubSub
}

// NewRedisNotifier wraps an existing go-redis client.
func NewRedisNotifier(client *redis.Client, prefix string, log logger.Logger) *RedisNotifier {
	return &RedisNotifier{
		client: client,
		prefix: prefix,
		log:    log,
		subs:   make(map[Channel]*redis.PubSub),
	}
}

func (n *RedisNotifier) qualify(ch Channel) string {
	return fmt.Sprintf("%s.%s", n.prefix, ch)
}

// Listen subscribes to channel and delivers messages to handler until ctx is
// done, re-subscribing transparently if Receive returns a connection error.
func (n *RedisNotifier) Listen(ctx context.Context, channel Channel, handler Handler) error {
	n.mu.Lock()
	if _, ok := n.subs[channel]; ok {
		n.mu.Unlock()
		return fmt.Errorf("notifier: already listening on %s", channel)
	}
	sub := n.client.Subscribe(ctx, n.qualify(channel))
	n.subs[channel] = sub
	n.mu.Unlock()

	go n.deliver(ctx, channel, sub, handler)
	return nil
}

func (n *RedisNotifier) deliver(ctx context.Context, channel Channel, sub *redis.PubSub, handler Handler) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				n.log.Warn("redis notifier channel closed, re-subscribing",
					logger.String("channel", string(channel)))
				sub = n.client.Subscribe(ctx, n.qualify(channel))
				ch = sub.Channel()
				continue
			}
			handler([]byte(msg.Payload))
		}
	}
}

// Notify publishes payload on channel.
func (n *RedisNotifier) Notify(ctx context.Context, channel Channel, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}
	return n.client.Publish(ctx, n.qualify(channel), b).Err()
}

// Close unsubscribes every channel.
func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var firstErr error
	for _, sub := range n.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
