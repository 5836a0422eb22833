package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RuleLocker serializes processing of one area. TryLock never blocks: ok is
// false when another worker holds the area.
type RuleLocker interface {
	TryLock(ctx context.Context, areaID string) (unlock func(), ok bool, err error)
}

// MemoryLocker is an in-process set of area ids being processed.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time), now: time.Now}
}

// TryLock implements RuleLocker.
func (m *MemoryLocker) TryLock(_ context.Context, areaID string) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.held[areaID]; busy {
		return nil, false, nil
	}
	m.held[areaID] = m.now()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, areaID)
			m.mu.Unlock()
		})
	}, true, nil
}

// Held returns the locked area ids, sorted.
func (m *MemoryLocker) Held() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.held))
	for id := range m.held {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LockClient is the subset of redis.Cmdable the Redis locker needs.
type LockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// releaseScript deletes the lease only if this holder still owns it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// renewScript extends the lease only if this holder still owns it.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// RedisLocker holds per-area leases in Redis so several engine instances
// sharing a database never poll the same area concurrently. A held lease is
// renewed every ttl/3 and expires after ttl if its holder dies.
type RedisLocker struct {
	client LockClient
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisLocker creates a lease-based locker. Keys are namespaced with prefix.
func NewRedisLocker(client LockClient, prefix string, ttl time.Duration, logger zerolog.Logger) *RedisLocker {
	if prefix == "" {
		prefix = "area:lease:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "redis_locker").Logger(),
	}
}

// TryLock implements RuleLocker.
func (r *RedisLocker) TryLock(ctx context.Context, areaID string) (func(), bool, error) {
	key := r.prefix + areaID
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", areaID, err)
	}
	if !ok {
		return nil, false, nil
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go r.renew(key, token, areaID, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// release even when the tick context is already cancelled
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.client.Eval(rctx, releaseScript, []string{key}, token).Err(); err != nil {
				r.logger.Warn().Err(err).Str("area_id", areaID).Msg("Failed to release lease, it will expire")
			}
		})
	}, true, nil
}

// renew keeps the lease alive until stop is closed or the lease is lost.
func (r *RedisLocker) renew(key, token, areaID string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			n, err := r.client.Eval(ctx, renewScript, []string{key}, token, r.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				r.logger.Warn().Err(err).Str("area_id", areaID).Msg("Failed to renew lease")
				continue
			}
			if n == 0 {
				r.logger.Warn().Str("area_id", areaID).Msg("Lease lost before the area finished")
				return
			}
		}
	}
}
