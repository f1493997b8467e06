package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultTopicPrefix = "sync:ws:"
	defaultDedupeTTL   = 2 * time.Minute
	maxBackoffDelay    = 30 * time.Second
)

// RedisBroadcaster publishes messages to one Redis channel per workspace and
// delivers what it receives to the sockets of this instance. Every instance,
// the publisher included, receives its own messages through the
// subscription.
type RedisBroadcaster struct {
	client  *redis.Client
	deliver DeliverFunc
	logger  zerolog.Logger

	topicPrefix string
	dedupeTTL   time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time

	readyOnce sync.Once
	ready     chan struct{}
}

// NewRedisBroadcaster constructs a broadcaster backed by Redis pub/sub.
func NewRedisBroadcaster(client *redis.Client, deliver DeliverFunc, logger zerolog.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:      client,
		deliver:     deliver,
		logger:      logger.With().Str("component", "redis_broadcaster").Logger(),
		topicPrefix: defaultTopicPrefix,
		dedupeTTL:   defaultDedupeTTL,
		seen:        make(map[string]time.Time),
		ready:       make(chan struct{}),
	}
}

// Ready is closed once the first subscription is confirmed.
func (b *RedisBroadcaster) Ready() <-chan struct{} {
	return b.ready
}

// Publish sends msg to the workspace channel, retrying with backoff until it
// succeeds or ctx ends.
func (b *RedisBroadcaster) Publish(ctx context.Context, msg Message) error {
	if b == nil || b.client == nil {
		return errors.New("nil broadcaster")
	}
	if msg.WorkspaceID == "" || msg.ID == "" {
		return errors.New("incomplete message")
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode redis payload: %w", err)
	}

	topic := b.topic(msg.WorkspaceID)
	backoff := 100 * time.Millisecond
	for {
		if err := b.client.Publish(ctx, topic, encoded).Err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			b.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", backoff).Msg("redis publish failed; retrying")
			select {
			case <-time.After(backoff):
				backoff = minDuration(backoff*2, maxBackoffDelay)
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

// Run consumes the workspace channels until ctx is done, resubscribing with
// backoff when the subscription drops.
func (b *RedisBroadcaster) Run(ctx context.Context) error {
	if b.deliver == nil {
		return errNoDeliver
	}
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		pubsub := b.client.PSubscribe(ctx, b.topicPrefix+"*")
		if err := b.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		}
	}
}

func (b *RedisBroadcaster) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	b.readyOnce.Do(func() { close(b.ready) })

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := b.process(msg); err != nil {
				b.logger.Warn().Err(err).Msg("failed to process broadcast message")
			}
		}
	}
}

func (b *RedisBroadcaster) process(msg *redis.Message) error {
	var payload Message
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload.WorkspaceID == "" || payload.ID == "" {
		return errors.New("incomplete payload")
	}
	if b.isDuplicate(payload.ID) {
		return nil
	}

	observeDelivery(payload)
	b.deliver(payload)
	return nil
}

func (b *RedisBroadcaster) topic(workspaceID string) string {
	return b.topicPrefix + workspaceID
}

func (b *RedisBroadcaster) isDuplicate(id string) bool {
	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	now := time.Now()
	if ts, ok := b.seen[id]; ok && now.Sub(ts) < b.dedupeTTL {
		return true
	}

	b.seen[id] = now
	cutoff := now.Add(-b.dedupeTTL)
	for k, ts := range b.seen {
		if ts.Before(cutoff) {
			delete(b.seen, k)
		}
	}
	return false
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
