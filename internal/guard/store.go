package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keys persisted per desk session.
const (
	OnlineKey = "__booking_online"
	UserIDKey = "__auth_user_id"
)

const onlineValue = "1"

var ErrNoSession = errors.New("guard: desk session id is required")

// Store persists per desk session state for the lifetime of the session,
// the way a browser tab keeps its session storage.
type Store interface {
	SetOnline(ctx context.Context, sid string) error
	Online(ctx context.Context, sid string) (bool, error)
	ClearOnline(ctx context.Context, sid string) error
	SetUserID(ctx context.Context, sid, userID string) error
	UserID(ctx context.Context, sid string) (string, error)
	// Forget drops everything stored for sid.
	Forget(ctx context.Context, sid string) error
}

// RedisStore keeps session keys in redis with a sliding TTL; every read or
// write pushes the expiry forward.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) (*RedisStore, error) {
	if rdb == nil {
		return nil, fmt.Errorf("guard: redis client is nil")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl, prefix: "desk:"}, nil
}

func (s *RedisStore) key(sid, name string) string {
	return s.prefix + sid + ":" + name
}

func (s *RedisStore) SetOnline(ctx context.Context, sid string) error {
	if sid == "" {
		return ErrNoSession
	}
	return s.rdb.Set(ctx, s.key(sid, OnlineKey), onlineValue, s.ttl).Err()
}

func (s *RedisStore) Online(ctx context.Context, sid string) (bool, error) {
	v, err := s.get(ctx, sid, OnlineKey)
	if err != nil {
		return false, err
	}
	return v == onlineValue, nil
}

func (s *RedisStore) ClearOnline(ctx context.Context, sid string) error {
	if sid == "" {
		return ErrNoSession
	}
	return s.rdb.Del(ctx, s.key(sid, OnlineKey)).Err()
}

func (s *RedisStore) SetUserID(ctx context.Context, sid, userID string) error {
	if sid == "" {
		return ErrNoSession
	}
	return s.rdb.Set(ctx, s.key(sid, UserIDKey), userID, s.ttl).Err()
}

func (s *RedisStore) UserID(ctx context.Context, sid string) (string, error) {
	return s.get(ctx, sid, UserIDKey)
}

func (s *RedisStore) Forget(ctx context.Context, sid string) error {
	if sid == "" {
		return ErrNoSession
	}
	return s.rdb.Del(ctx, s.key(sid, OnlineKey), s.key(sid, UserIDKey)).Err()
}

func (s *RedisStore) get(ctx context.Context, sid, name string) (string, error) {
	if sid == "" {
		return "", ErrNoSession
	}
	v, err := s.rdb.GetEx(ctx, s.key(sid, name), s.ttl).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("guard: read %s: %w", name, err)
	}
	return v, nil
}

// MemoryStore is an in-process Store for local runs and tests.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]string)}
}

func (s *MemoryStore) set(sid, name, v string) error {
	if sid == "" {
		return ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.data[sid]
	if m == nil {
		m = make(map[string]string)
		s.data[sid] = m
	}
	m[name] = v
	return nil
}

func (s *MemoryStore) get(sid, name string) (string, error) {
	if sid == "" {
		return "", ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[sid][name], nil
}

func (s *MemoryStore) SetOnline(_ context.Context, sid string) error {
	return s.set(sid, OnlineKey, onlineValue)
}

func (s *MemoryStore) Online(_ context.Context, sid string) (bool, error) {
	v, err := s.get(sid, OnlineKey)
	return v == onlineValue, err
}

func (s *MemoryStore) ClearOnline(_ context.Context, sid string) error {
	if sid == "" {
		return ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[sid], OnlineKey)
	return nil
}

func (s *MemoryStore) SetUserID(_ context.Context, sid, userID string) error {
	return s.set(sid, UserIDKey, userID)
}

func (s *MemoryStore) UserID(_ context.Context, sid string) (string, error) {
	return s.get(sid, UserIDKey)
}

func (s *MemoryStore) Forget(_ context.Context, sid string) error {
	if sid == "" {
		return ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, sid)
	return nil
}
