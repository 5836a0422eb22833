package engine

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/area/internal/catalog"
	"github.com/p-blackswan/area/internal/connector"
	"github.com/p-blackswan/area/internal/metrics"
	"github.com/p-blackswan/area/internal/store"
)

const testCatalog = `
services:
  - id: src
    name: Source
    actions:
      - name: feed
        params:
          - name: topic
            type: string
  - id: dst
    name: Destination
    reactions:
      - name: send
        params:
          - name: text
            type: string
            required: true
          - name: count
            type: integer
`

// fakeTrigger serves numbered items per area and uses "last_id" as cursor.
type fakeTrigger struct {
	mu     sync.Mutex
	items  map[string][]int
	errs   map[string]error
	polls  map[string]int
	pollFn func(req connector.PollRequest) (*connector.PollResult, error)
}

func newFakeTrigger() *fakeTrigger {
	return &fakeTrigger{items: map[string][]int{}, errs: map[string]error{}, polls: map[string]int{}}
}

func (f *fakeTrigger) Service() string { return "src" }

func (f *fakeTrigger) Poll(_ context.Context, req connector.PollRequest) (*connector.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[req.AreaID]++
	if f.pollFn != nil {
		return f.pollFn(req)
	}
	if err := f.errs[req.AreaID]; err != nil {
		return nil, err
	}

	items := f.items[req.AreaID]
	last, ok := req.State["last_id"]
	if !ok {
		max := 0
		for _, n := range items {
			if n > max {
				max = n
			}
		}
		return &connector.PollResult{State: map[string]string{"last_id": strconv.Itoa(max)}}, nil
	}

	lastN, _ := strconv.Atoi(last)
	res := &connector.PollResult{}
	for _, n := range items {
		if n <= lastN {
			continue
		}
		res.Events = append(res.Events, itemEvent(n))
		res.State = map[string]string{"last_id": strconv.Itoa(n)}
	}
	return res, nil
}

func (f *fakeTrigger) setItems(areaID string, ids ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[areaID] = ids
}

func (f *fakeTrigger) setErr(areaID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[areaID] = err
}

func (f *fakeTrigger) pollCount(areaID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[areaID]
}

func itemEvent(n int) connector.Event {
	id := strconv.Itoa(n)
	return connector.Event{
		ID:         id,
		OccurredAt: time.Unix(int64(n), 0),
		Payload: map[string]any{
			"message_id": id,
			"author":     map[string]any{"name": "user" + id},
		},
		Cursor: map[string]string{"last_id": id},
	}
}

// fakeReaction records calls and fails on demand, keyed by event id.
type fakeReaction struct {
	mu       sync.Mutex
	calls    []connector.ExecuteRequest
	failOn   map[string]error
	rejectOn map[string]string
	panicOn  string
	block    bool

	// onExecute runs after the call is recorded, outside the lock.
	onExecute func()
}

func newFakeReaction() *fakeReaction {
	return &fakeReaction{failOn: map[string]error{}, rejectOn: map[string]string{}}
}

func (f *fakeReaction) Service() string { return "dst" }

func (f *fakeReaction) Execute(ctx context.Context, req connector.ExecuteRequest) (connector.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	eventID, _ := req.Context[KeyEventID].(string)
	err := f.failOn[eventID]
	reason, rejected := f.rejectOn[eventID]
	block := f.block
	panics := f.panicOn != "" && f.panicOn == eventID
	hook := f.onExecute
	f.mu.Unlock()

	if hook != nil {
		hook()
	}

	if panics {
		panic("boom")
	}
	if block {
		<-ctx.Done()
		return connector.Outcome{}, ctx.Err()
	}
	if err != nil {
		return connector.Outcome{}, err
	}
	if rejected {
		return connector.Failed("%s", reason), nil
	}
	return connector.Succeeded("sent "+req.Params["text"], nil), nil
}

func (f *fakeReaction) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Params["text"])
	}
	return out
}

func (f *fakeReaction) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// faultStore injects storage failures into selected writes.
type faultStore struct {
	*store.Store

	mu         sync.Mutex
	failFinish error
	failCursor error
	failList   error
}

func (f *faultStore) fault(err *error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *err
}

func (f *faultStore) FinishExecution(ctx context.Context, id, status, errMsg string, at time.Time) error {
	if err := f.fault(&f.failFinish); err != nil {
		return err
	}
	return f.Store.FinishExecution(ctx, id, status, errMsg, at)
}

func (f *faultStore) SetHookStates(ctx context.Context, areaID string, values map[string]string, checkedAt *time.Time) error {
	if err := f.fault(&f.failCursor); err != nil {
		return err
	}
	return f.Store.SetHookStates(ctx, areaID, values, checkedAt)
}

func (f *faultStore) ListActiveAreas(ctx context.Context) ([]*store.Area, error) {
	if err := f.fault(&f.failList); err != nil {
		return nil, err
	}
	return f.Store.ListActiveAreas(ctx)
}

type testEnv struct {
	db       *store.Store
	faults   *faultStore
	trigger  *fakeTrigger
	reaction *fakeReaction
	registry *connector.Registry
	catalog  *catalog.Catalog
	metrics  *metrics.Metrics
	notices  *noticeLog
}

type noticeLog struct {
	mu  sync.Mutex
	all []ExecutionNotice
}

func (n *noticeLog) Notify(e ExecutionNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.all = append(n.all, e)
}

func (n *noticeLog) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.all))
	for _, e := range n.all {
		out = append(out, e.Type)
	}
	return out
}

func testConfig() Config {
	return Config{
		MaxConcurrentRules: 4,
		StorageRetries:     2,
		StorageRetryDelay:  time.Millisecond,
		ExecuteTimeout:     time.Second,
		PollTimeout:        time.Second,
		DedupeCapacity:     100,
		DedupeWindow:       time.Hour,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "engine-test.db"), zerolog.New(os.Stderr).Level(zerolog.WarnLevel))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cat, err := catalog.LoadBytes([]byte(testCatalog))
	require.NoError(t, err)
	require.NoError(t, db.SyncCatalog(context.Background(), cat.ToStore()))

	env := &testEnv{
		db:       db,
		faults:   &faultStore{Store: db},
		trigger:  newFakeTrigger(),
		reaction: newFakeReaction(),
		registry: connector.NewRegistry(0, 0),
		catalog:  cat,
		metrics:  metrics.New(),
		notices:  &noticeLog{},
	}
	env.registry.MustRegister(env.trigger, env.reaction)
	return env
}

func (e *testEnv) deps() Deps {
	return Deps{
		Store:    e.faults,
		Catalog:  StaticCatalog{C: e.catalog},
		Registry: e.registry,
		Notifier: e.notices,
		Metrics:  e.metrics,
	}
}

func (e *testEnv) scheduler(cfg Config) *Scheduler {
	return NewScheduler(cfg, e.deps(), testLogger())
}

func (e *testEnv) pipeline(cfg Config) *Pipeline {
	return NewPipeline(cfg, e.deps(), testLogger())
}

// newArea creates an active src.feed -> dst.send area whose text parameter is text.
func (e *testEnv) newArea(t *testing.T, id, text string) *store.Area {
	t.Helper()
	ctx := context.Background()
	a := &store.Area{
		ID:                  id,
		OwnerID:             "owner-1",
		ActionComponentID:   "src.feed",
		ReactionComponentID: "dst.send",
		Name:                "area " + id,
		IsActive:            true,
	}
	require.NoError(t, e.db.CreateArea(ctx, a))
	require.NoError(t, e.db.BulkUpsertParameters(ctx, id, []store.ParameterInput{
		{VariableID: "dst.send.text", Value: text},
	}))
	return a
}

func (e *testEnv) setCursor(t *testing.T, areaID, lastID string) {
	t.Helper()
	require.NoError(t, e.db.SetHookState(context.Background(), areaID, "last_id", &lastID, nil))
}

func (e *testEnv) cursor(t *testing.T, areaID string) string {
	t.Helper()
	v, _, err := e.db.HookValue(context.Background(), areaID, "last_id")
	require.NoError(t, err)
	return v
}

func (e *testEnv) executions(t *testing.T, areaID string) []*store.Execution {
	t.Helper()
	execs, err := e.db.ListExecutions(context.Background(), store.ExecutionFilter{AreaID: areaID})
	require.NoError(t, err)
	return execs
}

func (e *testEnv) area(t *testing.T, id string) *store.Area {
	t.Helper()
	a, err := e.db.GetArea(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, a)
	return a
}

func statusCount(execs []*store.Execution, status string) int {
	n := 0
	for _, e := range execs {
		if e.Status == status {
			n++
		}
	}
	return n
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
