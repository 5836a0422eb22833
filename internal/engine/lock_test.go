package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.TryLock(ctx, "a1")
	assert.False(t, ok)

	_, ok, _ = l.TryLock(ctx, "a2")
	assert.True(t, ok)
	assert.Equal(t, []string{"a1", "a2"}, l.Held())

	unlock()
	unlock() // idempotent
	_, ok, _ = l.TryLock(ctx, "a1")
	assert.True(t, ok)
}

func TestMemoryLocker_Concurrent(t *testing.T) {
	l := NewMemoryLocker()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := l.TryLock(context.Background(), "same"); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

// fakeLockRedis models SET NX PX plus the two lease scripts, with expiry.
type fakeLockRedis struct {
	mu       sync.Mutex
	data     map[string]string
	ttls     map[string]time.Duration
	expires  map[string]time.Time
	setErr   error
	evals    int
	renewals int
}

func newFakeLockRedis() *fakeLockRedis {
	return &fakeLockRedis{
		data:    map[string]string{},
		ttls:    map[string]time.Duration{},
		expires: map[string]time.Time{},
	}
}

// expire drops key when its deadline has passed. Callers hold mu.
func (f *fakeLockRedis) expire(key string) {
	if at, ok := f.expires[key]; ok && !time.Now().Before(at) {
		delete(f.data, key)
		delete(f.expires, key)
	}
}

func (f *fakeLockRedis) SetNX(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return redis.NewBoolResult(false, f.setErr)
	}
	f.expire(key)
	if _, exists := f.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = value.(string)
	f.ttls[key] = expiration
	f.expires[key] = time.Now().Add(expiration)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeLockRedis) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := keys[0]
	f.expire(key)
	owned := f.data[key] == args[0].(string)

	if script == renewScript {
		f.renewals++
		if !owned {
			return redis.NewCmdResult(int64(0), nil)
		}
		f.expires[key] = time.Now().Add(time.Duration(args[1].(int64)) * time.Millisecond)
		return redis.NewCmdResult(int64(1), nil)
	}

	f.evals++
	if owned {
		delete(f.data, key)
		delete(f.expires, key)
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func (f *fakeLockRedis) renewCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renewals
}

func TestRedisLocker(t *testing.T) {
	client := newFakeLockRedis()
	l := NewRedisLocker(client, "", time.Minute, testLogger())
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, client.ttls["area:lease:a1"])

	_, ok, err = l.TryLock(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	unlock()
	assert.Equal(t, 1, client.evals)
	assert.Empty(t, client.data)

	_, ok, _ = l.TryLock(ctx, "a1")
	assert.True(t, ok)
}

func TestRedisLocker_RenewsWhileHeld(t *testing.T) {
	client := newFakeLockRedis()
	holder := NewRedisLocker(client, "", 60*time.Millisecond, testLogger())
	other := NewRedisLocker(client, "", 60*time.Millisecond, testLogger())
	ctx := context.Background()

	unlock, ok, err := holder.TryLock(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)

	// held well past the ttl
	time.Sleep(200 * time.Millisecond)
	_, ok, err = other.TryLock(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, client.renewCount(), 0)

	unlock()
	renewed := client.renewCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, renewed, client.renewCount())

	release, ok, err := other.TryLock(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, ok)
	release()
}

func TestRedisLocker_StopsRenewingLostLease(t *testing.T) {
	client := newFakeLockRedis()
	l := NewRedisLocker(client, "lease:", 30*time.Millisecond, testLogger())

	unlock, ok, _ := l.TryLock(context.Background(), "a1")
	require.True(t, ok)
	defer unlock()

	client.mu.Lock()
	client.data["lease:a1"] = "other-holder"
	delete(client.expires, "lease:a1")
	client.mu.Unlock()

	time.Sleep(100 * time.Millisecond)
	lost := client.renewCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, lost, client.renewCount())
	assert.Equal(t, 1, lost)
}

func TestTick_LeaseOutlivesSlowReactions(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "message {{message_id}}")
	env.setCursor(t, "a1", "100")
	env.trigger.setItems("a1", 101, 102, 103)
	env.reaction.onExecute = func() { time.Sleep(150 * time.Millisecond) }

	client := newFakeLockRedis()
	newInstance := func() *Scheduler {
		deps := env.deps()
		deps.Locker = NewRedisLocker(client, "", 100*time.Millisecond, testLogger())
		return NewScheduler(testConfig(), deps, testLogger())
	}
	first, second := newInstance(), newInstance()

	done := make(chan TickReport, 1)
	go func() { done <- first.Tick(context.Background()) }()

	time.Sleep(250 * time.Millisecond)
	rep := second.Tick(context.Background())
	assert.Equal(t, 1, rep.Skipped)

	firstRep := <-done
	assert.Equal(t, 3, firstRep.Succeeded)
	assert.Equal(t, 3, env.reaction.callCount())
	assert.Equal(t, "103", env.cursor(t, "a1"))
}

func TestRedisLocker_ReleaseKeepsForeignLease(t *testing.T) {
	client := newFakeLockRedis()
	l := NewRedisLocker(client, "lease:", time.Minute, testLogger())

	unlock, ok, _ := l.TryLock(context.Background(), "a1")
	require.True(t, ok)

	// lease expired and was taken by another instance
	client.data["lease:a1"] = "other-holder"
	unlock()
	assert.Equal(t, "other-holder", client.data["lease:a1"])
}

func TestRedisLocker_Error(t *testing.T) {
	client := newFakeLockRedis()
	client.setErr = errors.New("connection refused")
	l := NewRedisLocker(client, "", 0, testLogger())

	_, ok, err := l.TryLock(context.Background(), "a1")
	assert.False(t, ok)
	assert.ErrorContains(t, err, "connection refused")
}

func TestTick_LeaseErrorSkipsArea(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "x")
	client := newFakeLockRedis()
	client.setErr = errors.New("connection refused")

	deps := env.deps()
	deps.Locker = NewRedisLocker(client, "", time.Minute, testLogger())
	rep := NewScheduler(testConfig(), deps, testLogger()).Tick(context.Background())

	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 0, env.trigger.pollCount("a1"))
}
