package crm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateStore persists OAuth anti-CSRF state values between the redirect and the callback.
type StateStore interface {
	Save(ctx context.Context, state string, ttl time.Duration) error
	Matches(ctx context.Context, state string) (bool, error)
	Clear(ctx context.Context, state string) error
}

// MemoryStateStore keeps states in process memory.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]time.Time
	now    func() time.Time
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryStateStore) Save(ctx context.Context, state string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for s, exp := range m.states {
		if !now.Before(exp) {
			delete(m.states, s)
		}
	}
	m.states[state] = now.Add(ttl)
	return nil
}

func (m *MemoryStateStore) Matches(ctx context.Context, state string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.states[state]
	return ok && m.now().Before(exp), nil
}

func (m *MemoryStateStore) Clear(ctx context.Context, state string) error {
	m.mu.Lock()
	delete(m.states, state)
	m.mu.Unlock()
	return nil
}

const redisStatePrefix = "vetsync:crm:oauth_state:"

// RedisStateStore shares states between API replicas.
type RedisStateStore struct {
	client *redis.Client
}

// NewRedisStateStore connects to the redis instance at rawURL.
func NewRedisStateStore(ctx context.Context, rawURL string) (*RedisStateStore, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStateStore{client: client}, nil
}

func (r *RedisStateStore) Save(ctx context.Context, state string, ttl time.Duration) error {
	return r.client.Set(ctx, redisStatePrefix+state, "1", ttl).Err()
}

func (r *RedisStateStore) Matches(ctx context.Context, state string) (bool, error) {
	n, err := r.client.Exists(ctx, redisStatePrefix+state).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisStateStore) Clear(ctx context.Context, state string) error {
	return r.client.Del(ctx, redisStatePrefix+state).Err()
}

func (r *RedisStateStore) Close() error { return r.client.Close() }
