// Package lease provides a best-effort named lease that keeps at most one
// sweep in flight across service replicas.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned by Acquire when another holder owns the lease.
var ErrHeld = errors.New("lease held")

// Locker acquires named leases. The returned release func is safe to call once.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, err error)
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Redis implements Locker with SET NX PX and a compare-and-delete release.
type Redis struct {
	rdb *redis.Client
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

func (r *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	key := "vault:lease:" + name
	token := newToken()
	ok, err := r.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lease acquire failed: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, r.rdb, []string{key}, token).Err()
	}, nil
}

// Memory implements Locker within one process.
type Memory struct {
	mu   sync.Mutex
	held map[string]memLease
	now  func() time.Time
}

type memLease struct {
	token   string
	expires time.Time
}

// NewMemory returns an in-process Locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]memLease), now: time.Now}
}

func (m *Memory) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.held[name]; ok && m.now().Before(l.expires) {
		return nil, ErrHeld
	}
	token := newToken()
	m.held[name] = memLease{token: token, expires: m.now().Add(ttl)}
	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if l, ok := m.held[name]; ok && l.token == token {
			delete(m.held, name)
		}
		return nil
	}, nil
}

// NewRedisClient connects to addr and pings it. It returns nil when Redis is
// unreachable so callers can fall back to an in-process lease.
func NewRedisClient(addr, password string) *redis.Client {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil
	}
	return client
}
