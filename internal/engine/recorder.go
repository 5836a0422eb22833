package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/area/internal/connector"
	perrors "github.com/p-blackswan/area/internal/errors"
	"github.com/p-blackswan/area/internal/metrics"
	"github.com/p-blackswan/area/internal/retry"
	"github.com/p-blackswan/area/internal/store"
)

// maxDetailLen caps the error detail stored on an execution row.
const maxDetailLen = 2000

// Recorder writes the audit trail of reaction pipeline runs. Every write is
// retried with backoff before the error is surfaced.
type Recorder struct {
	store   Store
	retry   retry.Config
	metrics *metrics.Metrics
	now     func() time.Time
	logger  zerolog.Logger
}

// NewRecorder creates a recorder retrying each write per cfg.
func NewRecorder(s Store, cfg retry.Config, m *metrics.Metrics, logger zerolog.Logger) *Recorder {
	cfg.RetryIf = storageRetryable
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Recorder{
		store:   s,
		retry:   cfg,
		metrics: m,
		now:     time.Now,
		logger:  logger.With().Str("component", "recorder").Logger(),
	}
}

// storageRetryable retries anything except cancellation and errors that a
// second attempt cannot change.
func storageRetryable(err error) bool {
	if !retry.Always(err) {
		return false
	}
	return !errors.Is(err, perrors.ErrConflict) &&
		!errors.Is(err, perrors.ErrNotFound) &&
		!errors.Is(err, perrors.ErrValidation)
}

// write runs fn under the storage retry policy and counts final failures.
func (r *Recorder) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, r.retry, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && attempt < r.retry.MaxAttempts && storageRetryable(err) {
			r.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("Storage write failed, retrying")
		}
		return err
	})
	if err != nil && r.metrics != nil {
		r.metrics.RecordStorageError(op)
	}
	return err
}

// Begin writes a pending execution row for ev.
func (r *Recorder) Begin(ctx context.Context, area *store.Area, ev connector.Event) (*store.Execution, error) {
	exec := &store.Execution{
		ID:             uuid.NewString(),
		AreaID:         area.ID,
		EventID:        ev.ID,
		TriggeredAt:    r.now().UnixMilli(),
		TriggerPayload: snapshot(ev),
	}
	err := r.write(ctx, "execution_create", func(ctx context.Context) error {
		return r.store.CreateExecution(ctx, exec)
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// Succeed marks exec successful and bumps the area's trigger counters.
func (r *Recorder) Succeed(ctx context.Context, exec *store.Execution) error {
	at := r.now()
	if err := r.finish(ctx, exec, store.ExecutionSuccess, "", at); err != nil {
		return err
	}
	return r.write(ctx, "area_trigger", func(ctx context.Context) error {
		return r.store.RecordTrigger(ctx, exec.AreaID, at)
	})
}

// Fail marks exec failed with detail. Area counters are left alone.
func (r *Recorder) Fail(ctx context.Context, exec *store.Execution, detail string) error {
	return r.finish(ctx, exec, store.ExecutionFailure, truncate(detail, maxDetailLen), r.now())
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (r *Recorder) finish(ctx context.Context, exec *store.Execution, status, detail string, at time.Time) error {
	attempt := 0
	err := r.write(ctx, "execution_finish", func(ctx context.Context) error {
		attempt++
		err := r.store.FinishExecution(ctx, exec.ID, status, detail, at)
		if attempt > 1 && errors.Is(err, perrors.ErrConflict) {
			// an earlier attempt committed before reporting an error
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	exec.Status = status
	exec.Error = detail
	exec.FinishedAt = at.UnixMilli()
	return nil
}

func snapshot(ev connector.Event) string {
	doc := map[string]any{"id": ev.ID, "payload": ev.Payload}
	if !ev.OccurredAt.IsZero() {
		doc["occurred_at"] = ev.OccurredAt.UTC().Format(time.RFC3339Nano)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(raw)
}
