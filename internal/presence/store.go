package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/workspace-sync/internal/types"
)

const (
	defaultKeyPrefix = "presence:ws:"
	maxWatchRetries  = 5
)

// Store records presence per workspace. Observe returns the full list after
// the event has been applied.
type Store interface {
	Observe(ctx context.Context, workspaceID string, event types.PresenceEvent) ([]types.PresenceState, error)
	List(ctx context.Context, workspaceID string) ([]types.PresenceState, error)
	Remove(ctx context.Context, workspaceID string, device types.DeviceID) error
}

var observations = registerObservations()

func registerObservations() *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "events_observed_total",
		Help:      "Presence events recorded, by event type.",
	}, []string{"type"})

	if err := prometheus.Register(counter); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			counter = regErr.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return counter
}

// MemoryStore keeps one Tracker per workspace in process. Suitable for a
// single server instance.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	trackers map[string]*Tracker
}

// NewMemoryStore constructs an in-process store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, trackers: make(map[string]*Tracker)}
}

// WithClock replaces the time source for every tracker created afterwards.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	s.now = now
	for _, tracker := range s.trackers {
		tracker.WithClock(now)
	}
	s.mu.Unlock()
	return s
}

func (s *MemoryStore) tracker(workspaceID string) *Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracker, ok := s.trackers[workspaceID]
	if !ok {
		tracker = NewTracker(s.ttl).WithClock(s.now)
		s.trackers[workspaceID] = tracker
	}
	return tracker
}

func (s *MemoryStore) Observe(_ context.Context, workspaceID string, event types.PresenceEvent) ([]types.PresenceState, error) {
	tracker := s.tracker(workspaceID)
	tracker.Observe(event)
	observations.WithLabelValues(event.Type).Inc()
	return tracker.List(), nil
}

func (s *MemoryStore) List(_ context.Context, workspaceID string) ([]types.PresenceState, error) {
	return s.tracker(workspaceID).List(), nil
}

func (s *MemoryStore) Remove(_ context.Context, workspaceID string, device types.DeviceID) error {
	s.tracker(workspaceID).Remove(device)
	return nil
}

// RedisStore keeps presence in one Redis hash per workspace, keyed by device,
// so every server instance serves the same list.
type RedisStore struct {
	client    *redis.Client
	logger    zerolog.Logger
	ttl       time.Duration
	keyPrefix string
	now       func() time.Time
}

// NewRedisStore constructs a Redis-backed presence store.
func NewRedisStore(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client:    client,
		logger:    logger,
		ttl:       ttl,
		keyPrefix: defaultKeyPrefix,
		now:       time.Now,
	}
}

// WithClock replaces the time source, mainly for tests.
func (s *RedisStore) WithClock(now func() time.Time) *RedisStore {
	s.now = now
	return s
}

func (s *RedisStore) Observe(ctx context.Context, workspaceID string, event types.PresenceEvent) ([]types.PresenceState, error) {
	if s.client == nil {
		return nil, errors.New("nil redis client")
	}
	if event.DeviceID == "" {
		return nil, errors.New("presence event missing device id")
	}

	key := s.key(workspaceID)
	field := string(event.DeviceID)
	now := s.now()
	if event.At.IsZero() {
		event.At = now
	}

	update := func(tx *redis.Tx) error {
		state := types.PresenceState{DeviceID: event.DeviceID}
		raw, err := tx.HGet(ctx, key, field).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal([]byte(raw), &state); err != nil || state.LastSeenAt.Before(now.Add(-s.ttl)) {
				state = types.PresenceState{DeviceID: event.DeviceID}
			}
		}
		applyEvent(&state, event, now)

		payload, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal presence: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, payload)
			pipe.PExpire(ctx, key, 2*s.ttl)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err = s.client.Watch(ctx, update, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("record presence: %w", err)
	}
	observations.WithLabelValues(event.Type).Inc()
	return s.List(ctx, workspaceID)
}

func (s *RedisStore) List(ctx context.Context, workspaceID string) ([]types.PresenceState, error) {
	if s.client == nil {
		return nil, errors.New("nil redis client")
	}
	key := s.key(workspaceID)
	values, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("load presence: %w", err)
	}

	cutoff := s.now().Add(-s.ttl)
	out := make([]types.PresenceState, 0, len(values))
	var stale []string
	for field, raw := range values {
		var state types.PresenceState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			s.logger.Warn().Err(err).Str("workspace", workspaceID).Str("device", field).Msg("failed to decode presence value")
			stale = append(stale, field)
			continue
		}
		if state.LastSeenAt.Before(cutoff) {
			stale = append(stale, field)
			continue
		}
		out = append(out, state)
	}
	if len(stale) > 0 {
		if err := s.client.HDel(ctx, key, stale...).Err(); err != nil {
			s.logger.Warn().Err(err).Str("workspace", workspaceID).Msg("failed to evict stale presence")
		}
	}
	sortStates(out)
	return out, nil
}

func (s *RedisStore) Remove(ctx context.Context, workspaceID string, device types.DeviceID) error {
	if s.client == nil {
		return errors.New("nil redis client")
	}
	if err := s.client.HDel(ctx, s.key(workspaceID), string(device)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("remove presence: %w", err)
	}
	return nil
}

func (s *RedisStore) key(workspaceID string) string {
	return s.keyPrefix + workspaceID
}
