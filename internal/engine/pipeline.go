package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/p-blackswan/area/internal/connector"
	perrors "github.com/p-blackswan/area/internal/errors"
	"github.com/p-blackswan/area/internal/interpolate"
	"github.com/p-blackswan/area/internal/metrics"
	"github.com/p-blackswan/area/internal/store"
)

var tracer = otel.Tracer("github.com/p-blackswan/area/internal/engine")

// Result is the recorded outcome of one pipeline run.
type Result struct {
	Execution *store.Execution
	Outcome   connector.Outcome
	// Err is the connector error behind a failure outcome, if any.
	Err error
}

// Pipeline runs the reaction side of an area for one fired event.
type Pipeline struct {
	store    Store
	catalog  CatalogSource
	registry *connector.Registry
	recorder *Recorder
	interp   *interpolate.Interpolator
	notifier Notifier
	metrics  *metrics.Metrics
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewPipeline wires a reaction pipeline.
func NewPipeline(cfg Config, deps Deps, logger zerolog.Logger) *Pipeline {
	cfg = cfg.withDefaults()
	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Pipeline{
		store:    deps.Store,
		catalog:  deps.Catalog,
		registry: deps.Registry,
		recorder: NewRecorder(deps.Store, cfg.storageRetry(), deps.Metrics, logger),
		interp:   interpolate.New(logger),
		notifier: notifier,
		metrics:  deps.Metrics,
		timeout:  cfg.ExecuteTimeout,
		now:      time.Now,
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run executes the area's reaction for ev and records exactly one execution
// row. Connector failures become failure outcomes; an error is returned only
// when the audit trail could not be written.
func (p *Pipeline) Run(ctx context.Context, area *store.Area, ev connector.Event) (*Result, error) {
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("area.id", area.ID),
		attribute.String("event.id", ev.ID),
		attribute.String("reaction.component", area.ReactionComponentID),
	))
	defer span.End()

	vars := BuildContext(area, ev, p.now())

	var params []store.Parameter
	err := p.recorder.write(ctx, "parameters_load", func(ctx context.Context) error {
		var err error
		params, err = p.store.ListParametersForComponent(ctx, area.ID, area.ReactionComponentID)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, "load parameters")
		return nil, fmt.Errorf("load reaction parameters of %s: %w", area.ID, err)
	}

	exec, err := p.recorder.Begin(ctx, area, ev)
	if err != nil {
		span.SetStatus(codes.Error, "begin execution")
		return nil, fmt.Errorf("begin execution of %s: %w", area.ID, err)
	}
	p.notify(NoticeStarted, area, exec, "")

	started := time.Now()
	outcome, callErr := p.react(ctx, area, params, vars)
	if callErr != nil {
		outcome = connector.Outcome{Status: connector.StatusFailure, Detail: callErr.Error()}
	}
	res := &Result{Execution: exec, Outcome: outcome, Err: callErr}

	log := p.logger.With().
		Str("area_id", area.ID).
		Str("execution_id", exec.ID).
		Str("event_id", ev.ID).
		Str("reaction", area.ReactionComponentID).
		Logger()

	var recordErr error
	if outcome.OK() {
		recordErr = p.recorder.Succeed(ctx, exec)
	} else {
		recordErr = p.recorder.Fail(ctx, exec, outcome.Detail)
	}
	if p.metrics != nil {
		p.metrics.RecordExecution(area.ReactionServiceID, string(outcome.Status), time.Since(started).Seconds())
	}
	if errors.Is(recordErr, perrors.ErrConflict) {
		// closed by a recovery sweep while the reaction ran; the event is handled
		log.Warn().Err(recordErr).Msg("Execution already finalized, keeping its recorded status")
		recordErr = nil
	}
	if recordErr != nil {
		log.Error().Err(recordErr).Msg("Failed to record execution outcome")
		span.SetStatus(codes.Error, "record outcome")
		return res, fmt.Errorf("record execution %s: %w", exec.ID, recordErr)
	}

	p.notify(NoticeFinished, area, exec, outcome.Detail)
	span.SetAttributes(attribute.String("execution.status", string(outcome.Status)))
	if outcome.OK() {
		log.Info().Str("detail", outcome.Detail).Msg("Reaction succeeded")
	} else {
		span.SetStatus(codes.Error, outcome.Detail)
		entry := log.Warn().Str("detail", outcome.Detail)
		if callErr != nil {
			entry = entry.Str("kind", perrors.Kind(callErr))
		}
		entry.Msg("Reaction failed")
	}
	return res, nil
}

// RunNow fires the area's reaction immediately with a synthetic event.
func (p *Pipeline) RunNow(ctx context.Context, areaID string, payload map[string]any) (*Result, error) {
	area, err := p.store.GetArea(ctx, areaID)
	if err != nil {
		return nil, err
	}
	if area == nil {
		return nil, perrors.NewNotFound("area", areaID)
	}
	ev := connector.Event{
		ID:         "manual:" + uuid.NewString(),
		OccurredAt: p.now(),
		Payload:    payload,
	}
	return p.Run(ctx, area, ev)
}

// react renders and validates the reaction parameters, then calls the
// reaction connector. Validation problems come back as failure outcomes.
func (p *Pipeline) react(ctx context.Context, area *store.Area, params []store.Parameter, vars map[string]any) (connector.Outcome, error) {
	cat := p.catalog.Current()
	if cat == nil {
		return connector.Failed("component catalog not loaded"), nil
	}
	comp := cat.Component(area.ReactionComponentID)
	if comp == nil {
		return connector.Failed("unknown reaction component %q", area.ReactionComponentID), nil
	}

	raw := make(map[string]string, len(params))
	rendered := make(map[string]string, len(params))
	for _, prm := range params {
		raw[prm.Name] = prm.Value
		rendered[prm.Name] = p.interp.Interpolate(prm.Value, vars)
	}

	for _, spec := range comp.Spec.Params {
		if !spec.Required {
			continue
		}
		if missing := interpolate.Unresolved(raw[spec.Name], vars); len(missing) > 0 {
			return connector.Failed("parameter %q references unknown variables: %s",
				spec.Name, strings.Join(missing, ", ")), nil
		}
	}
	if err := comp.Validate(rendered); err != nil {
		return connector.Failed("%v", err), nil
	}

	service := area.ReactionServiceID
	executor, ok := p.registry.Executor(service)
	if !ok {
		return connector.Failed("no reaction connector registered for service %q", service), nil
	}
	if err := p.registry.Wait(ctx, service); err != nil {
		return connector.Outcome{}, fmt.Errorf("%s: rate limiter: %w", service, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	callCtx, span := tracer.Start(callCtx, "connector.execute", trace.WithAttributes(
		attribute.String("service", service),
	))
	defer span.End()

	outcome, err := safeExecute(callCtx, executor, connector.ExecuteRequest{
		AreaID:    area.ID,
		OwnerID:   area.OwnerID,
		Component: area.ReactionComponentID,
		Params:    rendered,
		Context:   vars,
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%s: execute timed out after %s: %w", service, p.timeout, perrors.ErrTimeout)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, perrors.Kind(err))
		return connector.Outcome{}, err
	}
	if outcome.Status == "" {
		return connector.Failed("%s: connector reported no status", service), nil
	}
	return outcome, nil
}

func safeExecute(ctx context.Context, ex connector.Executable, req connector.ExecuteRequest) (out connector.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: connector panic: %v", ex.Service(), r)
		}
	}()
	return ex.Execute(ctx, req)
}

func (p *Pipeline) notify(typ string, area *store.Area, exec *store.Execution, detail string) {
	status := exec.Status
	if typ == NoticeStarted {
		status = store.ExecutionPending
	}
	p.notifier.Notify(ExecutionNotice{
		Type:        typ,
		AreaID:      area.ID,
		AreaName:    area.Name,
		ExecutionID: exec.ID,
		EventID:     exec.EventID,
		Status:      status,
		Detail:      detail,
		At:          p.now(),
	})
}
