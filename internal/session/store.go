// Package session keeps sync sessions in a store shared by every server
// instance. Sessions slide: each verified use pushes the expiry out by the
// configured TTL.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/workspace-sync/internal/syncerr"
	"github.com/example/workspace-sync/internal/types"
)

// DefaultTTL is the sliding lifetime of a session.
const DefaultTTL = 10 * time.Minute

// Store persists sessions keyed by token.
type Store interface {
	// Save stores the session until session.ExpiresAt.
	Save(ctx context.Context, session types.Session) error
	// Touch returns the session and extends its expiry. Unknown or expired
	// tokens yield syncerr.ErrAuthentication.
	Touch(ctx context.Context, token string) (types.Session, error)
	Delete(ctx context.Context, token string) error
}

// RedisOptions tunes the Redis backed store.
type RedisOptions struct {
	TTL       time.Duration
	Prefix    string
	CacheSize int
	// CacheTTL bounds how long a session may be served from process memory
	// without touching Redis. Zero disables the local cache.
	CacheTTL time.Duration
}

// RedisStore keeps sessions as JSON strings with a Redis TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	cache  *localCache
	logger zerolog.Logger
	now    func() time.Time
}

// NewRedisStore constructs a session store on top of client.
func NewRedisStore(client *redis.Client, opts RedisOptions, logger zerolog.Logger) *RedisStore {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Prefix == "" {
		opts.Prefix = "sync:session:"
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	return &RedisStore{
		client: client,
		ttl:    opts.TTL,
		prefix: opts.Prefix,
		cache:  newLocalCache(opts.CacheSize, opts.CacheTTL),
		logger: logger.With().Str("component", "session_store").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source, used by tests.
func (s *RedisStore) WithClock(now func() time.Time) *RedisStore {
	s.now = now
	return s
}

func (s *RedisStore) Save(ctx context.Context, session types.Session) error {
	ttl := session.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		ttl = s.ttl
		session.ExpiresAt = s.now().Add(ttl)
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+session.Token, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: save session: %v", syncerr.ErrTransientTransport, err)
	}
	s.cache.Put(session, s.now())
	return nil
}

func (s *RedisStore) Touch(ctx context.Context, token string) (types.Session, error) {
	if token == "" {
		return types.Session{}, syncerr.ErrAuthentication
	}
	now := s.now()
	if cached, ok := s.cache.Get(token, now); ok {
		cached.ExpiresAt = now.Add(s.ttl)
		if err := s.client.Expire(ctx, s.prefix+token, s.ttl).Err(); err != nil {
			s.logger.Debug().Err(err).Msg("sliding cached session failed")
		}
		s.cache.Slide(token, cached.ExpiresAt)
		return cached, nil
	}

	raw, err := s.client.GetEx(ctx, s.prefix+token, s.ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.Session{}, syncerr.ErrAuthentication
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("%w: load session: %v", syncerr.ErrTransientTransport, err)
	}

	var session types.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		s.logger.Warn().Err(err).Msg("discarding unreadable session")
		_ = s.client.Del(ctx, s.prefix+token).Err()
		return types.Session{}, syncerr.ErrAuthentication
	}
	session.ExpiresAt = now.Add(s.ttl)
	s.cache.Put(session, now)
	return session, nil
}

func (s *RedisStore) Delete(ctx context.Context, token string) error {
	s.cache.Delete(token)
	if err := s.client.Del(ctx, s.prefix+token).Err(); err != nil {
		return fmt.Errorf("%w: delete session: %v", syncerr.ErrTransientTransport, err)
	}
	return nil
}

// MemoryStore keeps sessions in process. It is only correct for a single
// server instance.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]types.Session
	now      func() time.Time
}

// NewMemoryStore constructs an in-process store with the given sliding TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:      ttl,
		sessions: make(map[string]types.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source, used by tests.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Save(_ context.Context, session types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !session.ExpiresAt.After(m.now()) {
		session.ExpiresAt = m.now().Add(m.ttl)
	}
	m.sessions[session.Token] = session
	return nil
}

func (m *MemoryStore) Touch(_ context.Context, token string) (types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[token]
	now := m.now()
	if !ok || session.Expired(now) {
		delete(m.sessions, token)
		return types.Session{}, syncerr.ErrAuthentication
	}
	session.ExpiresAt = now.Add(m.ttl)
	m.sessions[token] = session
	return session, nil
}

func (m *MemoryStore) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}
