package engine

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/area/internal/connector"
	perrors "github.com/p-blackswan/area/internal/errors"
	"github.com/p-blackswan/area/internal/store"
)

func TestTick_FirstPollEstablishesBaseline(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "hello")
	env.trigger.setItems("a1", 1, 2, 3)

	rep := env.scheduler(testConfig()).Tick(context.Background())

	assert.Equal(t, 1, rep.Rules)
	assert.Equal(t, 1, rep.Polled)
	assert.Equal(t, 0, rep.Events)
	assert.Equal(t, 0, env.reaction.callCount())
	assert.Equal(t, "3", env.cursor(t, "a1"))
}

func TestTick_ProcessesEventsInOrder(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "message {{message_id}}")
	env.setCursor(t, "a1", "100")
	env.trigger.setItems("a1", 100, 101, 102, 103)

	rep := env.scheduler(testConfig()).Tick(context.Background())

	assert.Equal(t, 3, rep.Events)
	assert.Equal(t, 3, rep.Succeeded)
	assert.Equal(t, 0, rep.Errors)
	assert.Equal(t, []string{"message 101", "message 102", "message 103"}, env.reaction.texts())
	assert.Equal(t, "103", env.cursor(t, "a1"))

	area := env.area(t, "a1")
	assert.Equal(t, int64(3), area.TriggeredCount)
	assert.NotZero(t, area.LastTriggeredAt)

	execs := env.executions(t, "a1")
	require.Len(t, execs, 3)
	assert.Equal(t, 3, statusCount(execs, store.ExecutionSuccess))
}

func TestTick_ReactionFailureDoesNotStopBatch(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "message {{message_id}}")
	env.setCursor(t, "a1", "100")
	env.trigger.setItems("a1", 101, 102, 103)
	env.reaction.failOn["102"] = errors.New("connection reset")

	rep := env.scheduler(testConfig()).Tick(context.Background())

	assert.Equal(t, 3, rep.Events)
	assert.Equal(t, 2, rep.Succeeded)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 3, env.reaction.callCount())
	assert.Equal(t, "103", env.cursor(t, "a1"))
	assert.Equal(t, int64(2), env.area(t, "a1").TriggeredCount)

	execs, err := env.db.ListExecutions(context.Background(), store.ExecutionFilter{AreaID: "a1", EventID: "102"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, store.ExecutionFailure, execs[0].Status)
	assert.Contains(t, execs[0].Error, "connection reset")
}

func TestTick_RejectedReactionRecordedAsFailure(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "hi")
	env.setCursor(t, "a1", "0")
	env.trigger.setItems("a1", 1)
	env.reaction.rejectOn["1"] = "channel archived"

	rep := env.scheduler(testConfig()).Tick(context.Background())

	assert.Equal(t, 1, rep.Failed)
	execs := env.executions(t, "a1")
	require.Len(t, execs, 1)
	assert.Equal(t, "channel archived", execs[0].Error)
	assert.Equal(t, int64(0), env.area(t, "a1").TriggeredCount)
}

func TestTick_PollErrorIsolatedPerArea(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "broken", "x")
	env.newArea(t, "healthy", "y {{message_id}}")
	env.setCursor(t, "broken", "0")
	env.setCursor(t, "healthy", "0")
	env.trigger.setErr("broken", perrors.FromStatus("src", 503, "down"))
	env.trigger.setItems("healthy", 1, 2)

	rep := env.scheduler(testConfig()).Tick(context.Background())

	assert.Equal(t, 2, rep.Rules)
	assert.Equal(t, 1, rep.Errors)
	assert.Equal(t, 2, rep.Succeeded)
	assert.Equal(t, []string{"y 1", "y 2"}, env.reaction.texts())

	assert.Equal(t, "0", env.cursor(t, "broken"))
	h, err := env.db.GetHookState(context.Background(), "broken", "last_id")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.NotZero(t, h.LastCheckedAt)
}

func TestTick_PanickingConnectorIsolated(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "x")
	env.setCursor(t, "a1", "0")
	env.trigger.pollFn = func(connector.PollRequest) (*connector.PollResult, error) {
		panic("connector bug")
	}

	rep := env.scheduler(testConfig()).Tick(context.Background())
	assert.Equal(t, 1, rep.Errors)
}

func TestTick_NoEventsTouchesLastChecked(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "x")
	env.setCursor(t, "a1", "5")
	env.trigger.setItems("a1", 1, 5)

	rep := env.scheduler(testConfig()).Tick(context.Background())

	assert.Equal(t, 0, rep.Events)
	assert.Equal(t, "5", env.cursor(t, "a1"))
	h, err := env.db.GetHookState(context.Background(), "a1", "last_id")
	require.NoError(t, err)
	assert.NotZero(t, h.LastCheckedAt)
}

func TestTick_SkipsAreaStillInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "x")
	s := env.scheduler(testConfig())

	unlock, ok, err := s.inflight.TryLock(context.Background(), "a1")
	require.NoError(t, err)
	require.True(t, ok)

	rep := s.Tick(context.Background())
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 0, env.trigger.pollCount("a1"))
	assert.Equal(t, []string{"a1"}, s.Status().InFlight)

	unlock()
	rep = s.Tick(context.Background())
	assert.Equal(t, 0, rep.Skipped)
	assert.Equal(t, 1, env.trigger.pollCount("a1"))
}

func TestTick_SkipsAreaLeasedElsewhere(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "x")
	lease := NewMemoryLocker()
	_, ok, _ := lease.TryLock(context.Background(), "a1")
	require.True(t, ok)

	deps := env.deps()
	deps.Locker = lease
	s := NewScheduler(testConfig(), deps, testLogger())

	rep := s.Tick(context.Background())
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 0, env.trigger.pollCount("a1"))
}

func TestTick_RateLimitBacksOff(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "x")
	env.setCursor(t, "a1", "0")
	rl := perrors.FromStatus("src", 429, "slow down")
	rl.RetryAfter = 10 * time.Minute
	env.trigger.setErr("a1", rl)

	cfg := testConfig()
	cfg.RateLimitBackoffBase = time.Minute
	s := env.scheduler(cfg)

	rep := s.Tick(context.Background())
	assert.Equal(t, 1, rep.Errors)
	st := s.Status()
	require.Contains(t, st.Backoffs, "a1")
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), st.Backoffs["a1"], 5*time.Second)

	rep = s.Tick(context.Background())
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 1, env.trigger.pollCount("a1"))

	// backoff expired and the provider recovered
	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	env.trigger.setErr("a1", nil)
	rep = s.Tick(context.Background())
	assert.Equal(t, 0, rep.Skipped)
	assert.Empty(t, s.Status().Backoffs)
}

func TestTick_AuthFailureKeepsAreaActiveByDefault(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "x")
	env.setCursor(t, "a1", "0")
	env.trigger.setErr("a1", perrors.FromStatus("src", 401, "token revoked"))

	rep := env.scheduler(testConfig()).Tick(context.Background())

	assert.Equal(t, 1, rep.Errors)
	assert.True(t, env.area(t, "a1").IsActive)
	assert.Equal(t, "0", env.cursor(t, "a1"))
}

func TestTick_AuthFailureDeactivatesWhenConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "x")
	env.setCursor(t, "a1", "0")
	env.trigger.setErr("a1", perrors.FromStatus("src", 401, "token revoked"))

	cfg := testConfig()
	cfg.DeactivateOnAuthFailure = true
	env.scheduler(cfg).Tick(context.Background())

	assert.False(t, env.area(t, "a1").IsActive)
}

func TestTick_UnrecordedOutcomeStopsBatch(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "m {{message_id}}")
	env.setCursor(t, "a1", "100")
	env.trigger.setItems("a1", 101, 102)
	env.faults.failFinish = errors.New("disk I/O error")

	rep := env.scheduler(testConfig()).Tick(context.Background())

	assert.Equal(t, 1, rep.Errors)
	assert.Equal(t, 1, env.reaction.callCount())
	assert.Equal(t, "100", env.cursor(t, "a1"))
	assert.Equal(t, int64(0), env.area(t, "a1").TriggeredCount)
}

func TestTick_CursorWriteFailureStopsBatch(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "m {{message_id}}")
	env.setCursor(t, "a1", "100")
	env.trigger.setItems("a1", 101, 102)
	env.faults.failCursor = errors.New("database is locked")

	rep := env.scheduler(testConfig()).Tick(context.Background())

	assert.Equal(t, 1, rep.Errors)
	assert.Equal(t, []string{"m 101"}, env.reaction.texts())
	assert.Equal(t, "100", env.cursor(t, "a1"))
	// the outcome itself is durable
	assert.Len(t, env.executions(t, "a1"), 1)
}

func TestTick_ListFailureAbortsOnlyThisTick(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "x")
	env.faults.failList = errors.New("database unreachable")
	s := env.scheduler(testConfig())

	rep := s.Tick(context.Background())
	assert.Equal(t, 1, rep.Errors)
	assert.Equal(t, 0, rep.Rules)

	env.faults.failList = nil
	rep = s.Tick(context.Background())
	assert.Equal(t, 0, rep.Errors)
	assert.Equal(t, 1, rep.Rules)
}

func TestTick_DuplicateEventsFireOnce(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "x")
	env.trigger.pollFn = func(connector.PollRequest) (*connector.PollResult, error) {
		// a provider that keeps re-reporting the same event
		ev := itemEvent(7)
		return &connector.PollResult{Events: []connector.Event{ev}, State: ev.Cursor}, nil
	}
	s := env.scheduler(testConfig())

	s.Tick(context.Background())
	s.Tick(context.Background())

	assert.Equal(t, 1, env.reaction.callCount())
	assert.Len(t, env.executions(t, "a1"), 1)
	assert.Equal(t, 1, s.Status().DedupeEntries)
}

func TestTick_SweptExecutionStillAdvancesCursor(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "x")
	env.setCursor(t, "a1", "100")
	env.trigger.setItems("a1", 101)
	env.reaction.onExecute = func() {
		// another instance starting up closes the row mid-reaction
		_, err := env.db.FailPendingExecutions(context.Background(), time.Now().Add(time.Hour), "interrupted")
		assert.NoError(t, err)
	}
	s := env.scheduler(testConfig())

	rep := s.Tick(context.Background())
	assert.Equal(t, 0, rep.Errors)
	assert.Equal(t, "101", env.cursor(t, "a1"))

	s.Tick(context.Background())
	assert.Equal(t, 1, env.reaction.callCount())
	execs := env.executions(t, "a1")
	require.Len(t, execs, 1)
	assert.Equal(t, store.ExecutionFailure, execs[0].Status)
	assert.Equal(t, "interrupted", execs[0].Error)
}

func TestTick_CursorIsMonotonic(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "x")
	env.setCursor(t, "a1", "0")
	s := env.scheduler(testConfig())

	var items []int
	prev := 0
	for round := 1; round <= 5; round++ {
		items = append(items, round*2-1, round*2)
		env.trigger.setItems("a1", items...)
		s.Tick(context.Background())

		cur, err := strconv.Atoi(env.cursor(t, "a1"))
		require.NoError(t, err)
		assert.Greater(t, cur, prev)
		prev = cur
	}
	assert.Equal(t, 10, prev)
	assert.Equal(t, 10, env.reaction.callCount())
}

func TestTick_OnlyActiveAreas(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "on", "x")
	off := env.newArea(t, "off", "x")
	require.NoError(t, env.db.SetAreaActive(context.Background(), off.ID, false))

	rep := env.scheduler(testConfig()).Tick(context.Background())
	assert.Equal(t, 1, rep.Rules)
	assert.Equal(t, 0, env.trigger.pollCount("off"))
}

func TestTick_AuditCompleteness(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "{{message_id}}")
	env.setCursor(t, "a1", "0")
	env.trigger.setItems("a1", 1, 2, 3, 4)
	env.reaction.failOn["2"] = errors.New("boom")
	env.reaction.rejectOn["3"] = "bad request"

	env.scheduler(testConfig()).Tick(context.Background())

	execs := env.executions(t, "a1")
	require.Len(t, execs, 4)
	for _, e := range execs {
		assert.Contains(t, []string{store.ExecutionSuccess, store.ExecutionFailure}, e.Status)
		assert.NotZero(t, e.FinishedAt)
	}
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t)
	a := env.newArea(t, "a1", "x")
	ctx := context.Background()
	stuck := &store.Execution{AreaID: a.ID, TriggeredAt: time.Now().Add(-2 * time.Hour).UnixMilli()}
	require.NoError(t, env.db.CreateExecution(ctx, stuck))
	running := &store.Execution{AreaID: a.ID}
	require.NoError(t, env.db.CreateExecution(ctx, running))

	cfg := testConfig()
	cfg.TickSpec = "@every 1h"
	cfg.RetentionSpec = "@daily"
	s := env.scheduler(cfg)

	require.NoError(t, s.Start(ctx))
	assert.True(t, s.Status().Running)
	assert.Error(t, s.Start(ctx))

	got, err := env.db.GetExecution(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionFailure, got.Status)

	// may belong to another live instance
	got, err = env.db.GetExecution(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionPending, got.Status)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	assert.False(t, s.Status().Running)
	assert.NoError(t, s.Stop(stopCtx))
}

func TestStart_InvalidTickSpec(t *testing.T) {
	env := newTestEnv(t)
	cfg := testConfig()
	cfg.TickSpec = "every now and then"
	assert.Error(t, env.scheduler(cfg).Start(context.Background()))
}

func TestRunRetention(t *testing.T) {
	env := newTestEnv(t)
	a := env.newArea(t, "a1", "x")
	old := time.Now().Add(-72 * time.Hour)
	e := &store.Execution{AreaID: a.ID, TriggeredAt: old.UnixMilli()}
	require.NoError(t, env.db.CreateExecution(context.Background(), e))
	require.NoError(t, env.db.FinishExecution(context.Background(), e.ID, store.ExecutionSuccess, "", old))

	cfg := testConfig()
	cfg.Retention = store.RetentionPolicy{Executions: 24 * time.Hour}
	res, err := env.scheduler(cfg).RunRetention(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Executions)
	assert.Empty(t, env.executions(t, "a1"))
}

func TestRunRetention_KeepsDedupeWindow(t *testing.T) {
	env := newTestEnv(t)
	env.newArea(t, "a1", "x")
	env.trigger.pollFn = func(connector.PollRequest) (*connector.PollResult, error) {
		ev := itemEvent(7)
		return &connector.PollResult{Events: []connector.Event{ev}, State: ev.Cursor}, nil
	}
	s := env.scheduler(testConfig())

	s.Tick(context.Background())
	require.Equal(t, 1, s.Status().DedupeEntries)

	_, err := s.RunRetention(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Status().DedupeEntries)

	s.Tick(context.Background())
	assert.Equal(t, 1, env.reaction.callCount())
}

func TestHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	s := env.scheduler(testConfig())
	assert.True(t, s.Heartbeat().IsZero())

	rep := s.Tick(context.Background())
	assert.Equal(t, rep.Finished, s.Heartbeat())
	require.NotNil(t, s.Status().LastTick)
	assert.Equal(t, rep.TickID, s.Status().LastTick.TickID)
}

func TestTickInterval(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 30, 0, time.UTC)

	d, err := TickInterval("@every 1m", now)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = TickInterval("*/5 * * * *", now)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)

	_, err = TickInterval("every minute", now)
	assert.Error(t, err)
}
