package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/p-blackswan/area/internal/config"
	"github.com/p-blackswan/area/internal/connector"
	perrors "github.com/p-blackswan/area/internal/errors"
	"github.com/p-blackswan/area/internal/metrics"
	"github.com/p-blackswan/area/internal/requestid"
	"github.com/p-blackswan/area/internal/retry"
	"github.com/p-blackswan/area/internal/store"
)

// Config tunes the scheduler and the pipeline.
type Config struct {
	TickSpec                string
	PollTimeout             time.Duration
	ExecuteTimeout          time.Duration
	MaxConcurrentRules      int
	StorageRetries          int
	StorageRetryDelay       time.Duration
	DeactivateOnAuthFailure bool
	RateLimitBackoffBase    time.Duration
	RateLimitBackoffMax     time.Duration
	DedupeWindow            time.Duration
	DedupeCapacity          int
	RetentionSpec           string
	Retention               store.RetentionPolicy
}

// ConfigFrom maps the process configuration onto engine settings.
func ConfigFrom(c *config.Config) Config {
	return Config{
		TickSpec:                c.TickSpec,
		PollTimeout:             c.PollTimeout,
		ExecuteTimeout:          c.ExecuteTimeout,
		MaxConcurrentRules:      c.MaxConcurrentRules,
		StorageRetries:          c.StorageRetries,
		DeactivateOnAuthFailure: c.DeactivateOnAuthFailure,
		RateLimitBackoffBase:    c.RateLimitBackoffBase,
		RateLimitBackoffMax:     c.RateLimitBackoffMax,
		DedupeWindow:            c.DedupeWindow,
		DedupeCapacity:          c.DedupeCapacity,
		RetentionSpec:           c.RetentionSpec,
		Retention: store.RetentionPolicy{
			HookStates: c.HookStateRetention,
			Executions: c.ExecutionRetention,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.TickSpec == "" {
		c.TickSpec = "@every 1m"
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 30 * time.Second
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = 30 * time.Second
	}
	if c.MaxConcurrentRules < 1 {
		c.MaxConcurrentRules = 8
	}
	if c.StorageRetries < 1 {
		c.StorageRetries = 3
	}
	if c.StorageRetryDelay <= 0 {
		c.StorageRetryDelay = 200 * time.Millisecond
	}
	if c.RateLimitBackoffBase <= 0 {
		c.RateLimitBackoffBase = time.Minute
	}
	if c.RateLimitBackoffMax < c.RateLimitBackoffBase {
		c.RateLimitBackoffMax = 30 * c.RateLimitBackoffBase
	}
	return c
}

func (c Config) storageRetry() retry.Config {
	return retry.Config{
		MaxAttempts: c.StorageRetries,
		BaseDelay:   c.StorageRetryDelay,
		MaxDelay:    5 * time.Second,
		Jitter:      true,
	}
}

// Deps are the collaborators of the scheduler and the pipeline.
type Deps struct {
	Store    Store
	Catalog  CatalogSource
	Registry *connector.Registry
	// Locker is an optional cross-instance lease taken after the in-process
	// exclusion succeeded.
	Locker   RuleLocker
	Notifier Notifier
	Metrics  *metrics.Metrics
}

// TickReport summarizes one scheduler tick.
type TickReport struct {
	TickID    string    `json:"tick_id"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Rules     int       `json:"rules"`
	Skipped   int       `json:"skipped"`
	Polled    int       `json:"polled"`
	Events    int       `json:"events"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Errors    int       `json:"errors"`
}

func (r *TickReport) add(o ruleReport) {
	if o.skipped {
		r.Skipped++
	}
	if o.polled {
		r.Polled++
	}
	r.Events += o.events
	r.Succeeded += o.succeeded
	r.Failed += o.failed
	if o.err {
		r.Errors++
	}
}

type ruleReport struct {
	skipped   bool
	polled    bool
	events    int
	succeeded int
	failed    int
	err       bool
}

// Status is the scheduler state exposed to operators.
type Status struct {
	Running       bool                 `json:"running"`
	LastTick      *TickReport          `json:"last_tick,omitempty"`
	InFlight      []string             `json:"in_flight"`
	Backoffs      map[string]time.Time `json:"backoffs,omitempty"`
	DedupeEntries int                  `json:"dedupe_entries"`
}

type backoffState struct {
	until    time.Time
	attempts int
}

// Scheduler is the clock-driven loop that polls every active area once per
// tick. It owns its cron handle and the set of areas in flight; one area is
// never processed by two ticks at once, while a slow area does not hold up
// the others.
type Scheduler struct {
	cfg      Config
	store    Store
	registry *connector.Registry
	pipeline *Pipeline
	recorder *Recorder
	inflight *MemoryLocker
	lease    RuleLocker
	dedupe   *dedupe
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	backoffs  map[string]backoffState
	last      *TickReport
	heartbeat time.Time
	cron      *cron.Cron
	cancel    context.CancelFunc
}

// NewScheduler wires a scheduler and its pipeline.
func NewScheduler(cfg Config, deps Deps, logger zerolog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:      cfg,
		store:    deps.Store,
		registry: deps.Registry,
		pipeline: NewPipeline(cfg, deps, logger),
		recorder: NewRecorder(deps.Store, cfg.storageRetry(), deps.Metrics, logger),
		inflight: NewMemoryLocker(),
		lease:    deps.Locker,
		dedupe:   newDedupe(cfg.DedupeCapacity, cfg.DedupeWindow),
		metrics:  deps.Metrics,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
		backoffs: make(map[string]backoffState),
	}
}

// Pipeline returns the reaction pipeline used for every event.
func (s *Scheduler) Pipeline() *Pipeline {
	return s.pipeline
}

// Start recovers executions orphaned by a dead process, then schedules
// ticks and retention on their cron specs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	if err := s.recoverPending(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := cron.New(cron.WithLogger(cronLogger{s.logger}))
	if _, err := c.AddFunc(s.cfg.TickSpec, func() { s.Tick(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("invalid tick spec %q: %w", s.cfg.TickSpec, err)
	}
	if s.cfg.RetentionSpec != "" {
		_, err := c.AddFunc(s.cfg.RetentionSpec, func() {
			if _, err := s.RunRetention(runCtx); err != nil {
				s.logger.Error().Err(err).Msg("Retention failed")
			}
		})
		if err != nil {
			cancel()
			return fmt.Errorf("invalid retention spec %q: %w", s.cfg.RetentionSpec, err)
		}
	}

	c.Start()
	s.cron = c
	s.cancel = cancel
	s.logger.Info().
		Str("tick", s.cfg.TickSpec).
		Str("retention", s.cfg.RetentionSpec).
		Int("max_concurrent", s.cfg.MaxConcurrentRules).
		Msg("Scheduler started")
	return nil
}

// Stop halts scheduling and waits for running ticks until ctx expires, then
// cancels whatever is still in flight.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	done := c.Stop()
	defer cancel()
	select {
	case <-done.Done():
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn().Msg("Scheduler stop timed out, cancelling in-flight rules")
		return ctx.Err()
	}
}

// TickInterval returns the gap between the next two firings of spec after now.
func TickInterval(spec string, now time.Time) (time.Duration, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, fmt.Errorf("invalid tick spec %q: %w", spec, err)
	}
	next := sched.Next(now)
	return sched.Next(next).Sub(next), nil
}

// Heartbeat returns when the last tick finished, zero before the first.
func (s *Scheduler) Heartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeat
}

// Status reports the last tick, in-flight areas and active backoffs.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:       s.cron != nil,
		InFlight:      s.inflight.Held(),
		DedupeEntries: s.dedupe.Len(),
	}
	if s.last != nil {
		last := *s.last
		st.LastTick = &last
	}
	now := s.now()
	for id, b := range s.backoffs {
		if b.until.After(now) {
			if st.Backoffs == nil {
				st.Backoffs = make(map[string]time.Time)
			}
			st.Backoffs[id] = b.until
		}
	}
	return st
}

// Tick runs one scheduling cycle over every active area. Per-area failures
// are counted in the report; only failing to list areas aborts the tick.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	tickID, ok := requestid.Lookup(ctx)
	if !ok {
		ctx, tickID = requestid.New(ctx)
	}
	rep := TickReport{TickID: tickID, Started: s.now()}
	log := requestid.Logger(ctx, s.logger, "tick_id")

	ctx, span := tracer.Start(ctx, "scheduler.tick", trace.WithAttributes(attribute.String("tick.id", rep.TickID)))
	defer span.End()

	var areas []*store.Area
	err := s.recorder.write(ctx, "areas_list", func(ctx context.Context) error {
		var err error
		areas, err = s.store.ListActiveAreas(ctx)
		return err
	})
	if err != nil {
		rep.Errors++
		span.SetStatus(codes.Error, "list areas")
		log.Error().Err(err).Msg("Tick aborted: cannot list active areas")
		return s.finishTick(rep, log)
	}
	rep.Rules = len(areas)

	var (
		g   errgroup.Group
		mu  sync.Mutex
		agg = rep
	)
	g.SetLimit(s.cfg.MaxConcurrentRules)
	for _, area := range areas {
		area := area
		g.Go(func() error {
			r := s.processRule(ctx, area, log)
			mu.Lock()
			agg.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("tick.rules", agg.Rules),
		attribute.Int("tick.events", agg.Events),
		attribute.Int("tick.errors", agg.Errors),
	)
	return s.finishTick(agg, log)
}

func (s *Scheduler) finishTick(rep TickReport, log zerolog.Logger) TickReport {
	rep.Finished = s.now()
	if s.metrics != nil {
		s.metrics.ObserveTick(rep.Finished.Sub(rep.Started).Seconds(), rep.Rules)
	}

	s.mu.Lock()
	last := rep
	s.last = &last
	s.heartbeat = rep.Finished
	s.mu.Unlock()

	entry := log.Info()
	if rep.Errors > 0 {
		entry = log.Warn()
	}
	entry.
		Int("rules", rep.Rules).
		Int("skipped", rep.Skipped).
		Int("polled", rep.Polled).
		Int("events", rep.Events).
		Int("succeeded", rep.Succeeded).
		Int("failed", rep.Failed).
		Int("errors", rep.Errors).
		Dur("duration", rep.Finished.Sub(rep.Started)).
		Msg("Tick complete")
	return rep
}

func (s *Scheduler) skip(reason string) ruleReport {
	if s.metrics != nil {
		s.metrics.RecordSkip(reason)
	}
	return ruleReport{skipped: true}
}

// processRule polls one area and runs the pipeline for each new event. It
// never returns an error: every failure is logged and counted.
func (s *Scheduler) processRule(ctx context.Context, area *store.Area, tickLog zerolog.Logger) (rep ruleReport) {
	log := tickLog.With().
		Str("area_id", area.ID).
		Str("action", area.ActionComponentID).
		Logger()

	if until, ok := s.backoffUntil(area.ID); ok {
		log.Debug().Time("until", until).Msg("Area in rate-limit backoff, skipping")
		return s.skip("backoff")
	}

	unlock, ok, _ := s.inflight.TryLock(ctx, area.ID)
	if !ok {
		log.Debug().Msg("Area still in flight from a previous tick, skipping")
		return s.skip("in_flight")
	}
	defer unlock()

	if s.lease != nil {
		release, ok, err := s.lease.TryLock(ctx, area.ID)
		if err != nil {
			log.Warn().Err(err).Msg("Lease unavailable, skipping area")
			return s.skip("lease_error")
		}
		if !ok {
			log.Debug().Msg("Area leased by another instance, skipping")
			return s.skip("lease_held")
		}
		defer release()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Area processing panicked")
			rep.err = true
		}
	}()

	ctx, span := tracer.Start(ctx, "rule.process", trace.WithAttributes(attribute.String("area.id", area.ID)))
	defer span.End()

	poller, ok := s.registry.Poller(area.ActionServiceID)
	if !ok {
		log.Warn().Str("service", area.ActionServiceID).Msg("No trigger connector registered for service")
		return s.skip("no_connector")
	}

	var (
		cursor map[string]string
		params []store.Parameter
	)
	err := s.recorder.write(ctx, "hook_state_load", func(ctx context.Context) error {
		var err error
		cursor, err = s.store.HookCursor(ctx, area.ID)
		return err
	})
	if err == nil {
		err = s.recorder.write(ctx, "parameters_load", func(ctx context.Context) error {
			var err error
			params, err = s.store.ListParametersForComponent(ctx, area.ID, area.ActionComponentID)
			return err
		})
	}
	if err != nil {
		log.Error().Err(err).Msg("Cannot load area state")
		span.SetStatus(codes.Error, "load state")
		rep.err = true
		return rep
	}

	req := connector.PollRequest{
		AreaID:    area.ID,
		OwnerID:   area.OwnerID,
		Component: area.ActionComponentID,
		Params:    make(map[string]string, len(params)),
		State:     cursor,
	}
	for _, p := range params {
		req.Params[p.Name] = p.Value
	}

	result, err := s.poll(ctx, poller, req)
	rep.polled = true
	checkedAt := s.now()
	if err != nil {
		s.handlePollError(ctx, area, err, log)
		span.SetStatus(codes.Error, perrors.Kind(err))
		s.touch(ctx, area.ID, checkedAt, log)
		rep.err = true
		return rep
	}
	s.clearBackoff(area.ID)

	rep.events = len(result.Events)
	for _, ev := range result.Events {
		if ctx.Err() != nil {
			log.Warn().Msg("Tick cancelled mid-batch, remaining events replay next tick")
			rep.err = true
			return rep
		}

		if s.dedupe.Seen(area.ID, ev.ID) {
			log.Debug().Str("event_id", ev.ID).Msg("Event already handled, skipping")
			if s.metrics != nil {
				s.metrics.RecordSkip("duplicate_event")
			}
		} else {
			res, err := s.pipeline.Run(ctx, area, ev)
			if err != nil {
				// the outcome is not durable; stop before the cursor passes this event
				log.Error().Err(err).Str("event_id", ev.ID).Msg("Stopping batch: execution outcome not recorded")
				rep.err = true
				return rep
			}
			if res.Outcome.OK() {
				rep.succeeded++
			} else {
				rep.failed++
				if res.Err != nil && perrors.IsAuth(res.Err) {
					s.handleAuthFailure(ctx, area, area.ReactionServiceID, "execute", res.Err, log)
				}
			}
			s.dedupe.Mark(area.ID, ev.ID)
		}

		if len(ev.Cursor) > 0 {
			err := s.recorder.write(ctx, "hook_state_write", func(ctx context.Context) error {
				return s.store.SetHookStates(ctx, area.ID, ev.Cursor, nil)
			})
			if err != nil {
				log.Error().Err(err).Str("event_id", ev.ID).Msg("Stopping batch: cursor not advanced")
				rep.err = true
				return rep
			}
		}
	}

	if len(result.State) > 0 {
		err := s.recorder.write(ctx, "hook_state_write", func(ctx context.Context) error {
			return s.store.SetHookStates(ctx, area.ID, result.State, &checkedAt)
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to persist cursor")
			rep.err = true
			return rep
		}
	}
	s.touch(ctx, area.ID, checkedAt, log)

	if rep.events > 0 {
		log.Info().
			Int("events", rep.events).
			Int("succeeded", rep.succeeded).
			Int("failed", rep.failed).
			Msg("Area processed")
	}
	return rep
}

// poll calls the trigger connector under the registry rate limit and the
// poll timeout.
func (s *Scheduler) poll(ctx context.Context, poller connector.Pollable, req connector.PollRequest) (res *connector.PollResult, err error) {
	service := poller.Service()
	started := time.Now()

	ctx, span := tracer.Start(ctx, "connector.poll", trace.WithAttributes(attribute.String("service", service)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: connector panic: %v", service, r)
		}
		if err == nil && res == nil {
			res = &connector.PollResult{}
		}
		if s.metrics != nil {
			result := "ok"
			if err != nil {
				result = perrors.Kind(err)
			}
			events := 0
			if res != nil {
				events = len(res.Events)
			}
			s.metrics.RecordPoll(service, result, time.Since(started).Seconds(), events)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, perrors.Kind(err))
		}
	}()

	if err := s.registry.Wait(ctx, service); err != nil {
		return nil, fmt.Errorf("%s: rate limiter: %w", service, err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()

	res, err = poller.Poll(pollCtx, req)
	if err != nil && errors.Is(pollCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%s: poll timed out after %s: %w", service, s.cfg.PollTimeout, perrors.ErrTimeout)
	}
	return res, err
}

func (s *Scheduler) handlePollError(ctx context.Context, area *store.Area, err error, log zerolog.Logger) {
	switch {
	case perrors.IsRateLimit(err):
		until := s.scheduleBackoff(area.ID, perrors.RetryAfter(err))
		log.Warn().Err(err).Time("until", until).Msg("Trigger rate limited, backing off")
	case perrors.IsAuth(err):
		s.handleAuthFailure(ctx, area, area.ActionServiceID, "poll", err, log)
	default:
		log.Warn().Err(err).Str("kind", perrors.Kind(err)).Msg("Trigger poll failed, retrying next tick")
	}
}

// handleAuthFailure logs an expired or revoked credential and, when
// configured, deactivates the area until its owner relinks the account.
func (s *Scheduler) handleAuthFailure(ctx context.Context, area *store.Area, service, phase string, err error, log zerolog.Logger) {
	if s.metrics != nil {
		s.metrics.RecordAuthFailure(service, phase)
	}
	log.Error().Err(err).
		Str("service", service).
		Str("phase", phase).
		Str("owner_id", area.OwnerID).
		Msg("Authentication failed for linked account")

	if !s.cfg.DeactivateOnAuthFailure {
		return
	}
	werr := s.recorder.write(ctx, "area_deactivate", func(ctx context.Context) error {
		return s.store.SetAreaActive(ctx, area.ID, false)
	})
	if werr != nil {
		log.Error().Err(werr).Msg("Failed to deactivate area after auth failure")
		return
	}
	log.Warn().Msg("Area deactivated after authentication failure")
}

func (s *Scheduler) touch(ctx context.Context, areaID string, at time.Time, log zerolog.Logger) {
	err := s.recorder.write(ctx, "hook_state_touch", func(ctx context.Context) error {
		return s.store.TouchHookStates(ctx, areaID, at)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to update last_checked_at")
	}
}

func (s *Scheduler) backoffUntil(areaID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backoffs[areaID]
	if !ok || !b.until.After(s.now()) {
		return time.Time{}, false
	}
	return b.until, true
}

// scheduleBackoff doubles the area's backoff on every consecutive rate
// limit, honoring a longer Retry-After from the provider.
func (s *Scheduler) scheduleBackoff(areaID string, retryAfter time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.backoffs[areaID]
	delay := retry.Backoff(retry.Config{
		BaseDelay: s.cfg.RateLimitBackoffBase,
		MaxDelay:  s.cfg.RateLimitBackoffMax,
	}, b.attempts)
	if retryAfter > delay {
		delay = retryAfter
	}
	b.attempts++
	b.until = s.now().Add(delay)
	s.backoffs[areaID] = b
	return b.until
}

func (s *Scheduler) clearBackoff(areaID string) {
	s.mu.Lock()
	delete(s.backoffs, areaID)
	s.mu.Unlock()
}

// RunRetention prunes idle cursors and old executions, then refreshes the
// database size gauge.
func (s *Scheduler) RunRetention(ctx context.Context) (store.RetentionResult, error) {
	res, err := s.store.RunRetention(ctx, s.cfg.Retention)
	if err != nil {
		return res, fmt.Errorf("retention: %w", err)
	}
	if s.dedupe != nil {
		s.dedupe.seen.Purge()
	}
	if err := s.recoverPending(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Pending execution recovery failed")
	}
	if s.metrics != nil {
		s.metrics.RecordRetention("hook_states", res.HookStates)
		s.metrics.RecordRetention("executions", res.Executions)
		s.metrics.RecordRetention("account_tokens", int64(res.AccountTokens))
		if size, err := s.store.DBSizeBytes(); err == nil {
			s.metrics.SetDBSize(size)
		}
	}
	s.logger.Info().
		Int64("hook_states", res.HookStates).
		Int64("executions", res.Executions).
		Int("account_tokens", res.AccountTokens).
		Msg("Retention complete")
	return res, nil
}

// pendingGrace is added to the execute timeout before a pending row is
// presumed orphaned. It covers the outcome write and its retries.
const pendingGrace = time.Minute

// recoverPending fails executions pending for longer than any live worker
// could keep one open. Younger rows may belong to another instance sharing
// the database and are left alone.
func (s *Scheduler) recoverPending(ctx context.Context) error {
	cutoff := s.now().Add(-(s.cfg.ExecuteTimeout + pendingGrace))
	n, err := s.store.FailPendingExecutions(ctx, cutoff, "interrupted: engine stopped before the reaction finished")
	if err != nil {
		return fmt.Errorf("recover pending executions: %w", err)
	}
	if n > 0 {
		s.logger.Warn().Int64("count", n).Time("cutoff", cutoff).Msg("Marked interrupted executions as failed")
	}
	return nil
}

// cronLogger routes robfig/cron diagnostics into zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
