package mgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/area/internal/catalog"
	"github.com/p-blackswan/area/internal/connector"
	"github.com/p-blackswan/area/internal/engine"
	perrors "github.com/p-blackswan/area/internal/errors"
	"github.com/p-blackswan/area/internal/health"
	"github.com/p-blackswan/area/internal/metrics"
	"github.com/p-blackswan/area/internal/store"
	"github.com/p-blackswan/area/pkg/tokenstore"
)

const testCatalog = `
services:
  - id: src
    name: Source
    auth: token
    actions:
      - name: feed
        params:
          - name: topic
            type: string
            required: true
          - name: limit
            type: integer
            minimum: 1
        outputs:
          - name: message_id
            type: string
  - id: dst
    name: Destination
    reactions:
      - name: send
        params:
          - name: text
            type: string
            required: true
`

const (
	testAPIKey    = "test-secret-key"
	testJWTSecret = "jwt-secret"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (f *fakeRunner) RunNow(_ context.Context, areaID string, payload map[string]any) (*engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if areaID == "" {
		return nil, perrors.NewNotFound("area", areaID)
	}
	f.calls = append(f.calls, payload)
	now := time.Now().UnixMilli()
	return &engine.Result{
		Execution: &store.Execution{
			ID:          "exec-1",
			AreaID:      areaID,
			EventID:     "manual:1",
			Status:      store.ExecutionSuccess,
			TriggeredAt: now,
			FinishedAt:  now,
			Attempt:     1,
		},
		Outcome: connector.Succeeded("sent", map[string]any{"ts": "1.2"}),
	}, nil
}

type fakeScheduler struct {
	mu    sync.Mutex
	ticks []string
}

func (f *fakeScheduler) Tick(ctx context.Context) engine.TickReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "tick-" + time.Now().Format("150405")
	f.ticks = append(f.ticks, id)
	return engine.TickReport{TickID: id, Rules: 2, Polled: 2}
}

func (f *fakeScheduler) Status() engine.Status {
	return engine.Status{Running: true, InFlight: []string{}}
}

type testServer struct {
	app     *fiber.App
	db      *store.Store
	tokens  *tokenstore.MemoryStore
	runner  *fakeRunner
	sched   *fakeScheduler
	checker *health.Checker
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	return newTestServerWith(t, ServerConfig{
		AuthConfig: auth,
		RateLimit:  RateLimitConfig{RPS: 1000, Burst: 1000},
	})
}

func newTestServerWith(t *testing.T, cfg ServerConfig) *testServer {
	t.Helper()
	logger := zerolog.Nop()
	db, err := store.New(filepath.Join(t.TempDir(), "mgmt-test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cat, err := catalog.LoadBytes([]byte(testCatalog))
	require.NoError(t, err)
	require.NoError(t, db.SyncCatalog(context.Background(), cat.ToStore()))

	ts := &testServer{
		db:      db,
		tokens:  tokenstore.NewMemoryStore(),
		runner:  &fakeRunner{},
		sched:   &fakeScheduler{},
		checker: health.NewChecker(logger),
	}
	ts.checker.Register("store", health.PingCheck(db.Ping))

	srv := NewServer(cfg, Deps{
		Store:     db,
		Catalog:   engine.StaticCatalog{C: cat},
		Runner:    ts.runner,
		Scheduler: ts.sched,
		Tokens:    ts.tokens,
		Checker:   ts.checker,
	}, metrics.New(), logger)
	ts.app = srv.App()
	return ts
}

// do sends a JSON request; token may be empty.
func (ts *testServer) do(t *testing.T, method, path string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

func (ts *testServer) createArea(t *testing.T, owner, name string) AreaResponse {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/v1/areas", CreateAreaRequest{
		OwnerID:             owner,
		Name:                name,
		ActionComponentID:   "src.feed",
		ReactionComponentID: "dst.send",
		Parameters: map[string]string{
			"src.feed.topic": "news",
			"dst.send.text":  "got {{message_id}}",
		},
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var a AreaResponse
	require.NoError(t, json.Unmarshal(body, &a))
	return a
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

func signJWT(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}
