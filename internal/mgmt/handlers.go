package mgmt

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/area/internal/catalog"
	"github.com/p-blackswan/area/internal/engine"
	perrors "github.com/p-blackswan/area/internal/errors"
	"github.com/p-blackswan/area/internal/health"
	"github.com/p-blackswan/area/internal/interpolate"
	"github.com/p-blackswan/area/internal/store"
	"github.com/p-blackswan/area/pkg/tokenstore"
)

// AreaStore is the persistence the API needs.
type AreaStore interface {
	CreateArea(ctx context.Context, a *store.Area) error
	GetArea(ctx context.Context, id string) (*store.Area, error)
	ListAreas(ctx context.Context, f store.AreaFilter) ([]*store.Area, error)
	UpdateArea(ctx context.Context, id string, u store.AreaUpdate) (*store.Area, error)
	DeleteArea(ctx context.Context, id string) error
	ListParameters(ctx context.Context, areaID string) ([]store.Parameter, error)
	BulkUpsertParameters(ctx context.Context, areaID string, entries []store.ParameterInput) error
	ListHookStates(ctx context.Context, areaID string) ([]store.HookState, error)
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]*store.Execution, error)
}

// Runner fires an area's reaction on demand.
type Runner interface {
	RunNow(ctx context.Context, areaID string, payload map[string]any) (*engine.Result, error)
}

// SchedulerControl exposes scheduler state and manual ticks.
type SchedulerControl interface {
	Tick(ctx context.Context) engine.TickReport
	Status() engine.Status
}

// Deps are the collaborators of the API handlers. Runner, Scheduler and
// Tokens are optional; their routes answer 503 when unset.
type Deps struct {
	Store     AreaStore
	Catalog   engine.CatalogSource
	Runner    Runner
	Scheduler SchedulerControl
	Tokens    tokenstore.Store
	Checker   *health.Checker
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	deps      Deps
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, logger zerolog.Logger) *Handlers {
	if deps.Checker == nil {
		deps.Checker = health.NewChecker(logger)
	}
	return &Handlers{
		deps:      deps,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

func (h *Handlers) catalog() *catalog.Catalog {
	if h.deps.Catalog == nil {
		return nil
	}
	return h.deps.Catalog.Current()
}

// loadArea fetches :id and hides areas the caller does not own.
func (h *Handlers) loadArea(c *fiber.Ctx) (*store.Area, error) {
	id := c.Params("id")
	a, err := h.deps.Store.GetArea(c.UserContext(), id)
	if err != nil {
		return nil, err
	}
	if a == nil || !canSee(c, a.OwnerID) {
		return nil, perrors.NewNotFound("area", id)
	}
	return a, nil
}

func canSee(c *fiber.Ctx, ownerID string) bool {
	p := principal(c)
	return p.Owner == "" || p.Owner == ownerID
}

// ListAreas handles GET /api/v1/areas.
func (h *Handlers) ListAreas(c *fiber.Ctx) error {
	f := store.AreaFilter{
		OwnerID:    c.Query("owner_id"),
		ActiveOnly: c.QueryBool("active", false),
		Limit:      clampLimit(c.QueryInt("limit", defaultListLimit)),
	}
	if p := principal(c); p.Owner != "" {
		f.OwnerID = p.Owner
	}

	areas, err := h.deps.Store.ListAreas(c.UserContext(), f)
	if err != nil {
		return h.problemFromError(c, err)
	}
	out := make([]AreaResponse, 0, len(areas))
	for _, a := range areas {
		out = append(out, toAreaResponse(a))
	}
	return c.JSON(AreaListResponse{Areas: out, Total: len(out)})
}

// CreateArea handles POST /api/v1/areas.
func (h *Handlers) CreateArea(c *fiber.Ctx) error {
	var req CreateAreaRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}

	if p := principal(c); p.Owner != "" {
		req.OwnerID = p.Owner
	}
	switch {
	case req.OwnerID == "":
		return problemResponse(c, fiber.StatusBadRequest, "missing_owner", "Bad Request", "owner_id is required")
	case strings.TrimSpace(req.Name) == "":
		return problemResponse(c, fiber.StatusBadRequest, "missing_name", "Bad Request", "name is required")
	case req.ActionComponentID == "" || req.ReactionComponentID == "":
		return problemResponse(c, fiber.StatusBadRequest, "missing_component", "Bad Request",
			"action_component_id and reaction_component_id are required")
	}

	if err := h.validateActionParams(req.ActionComponentID, nil, req.Parameters); err != nil {
		return h.problemFromError(c, err)
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	area := &store.Area{
		OwnerID:             req.OwnerID,
		Name:                req.Name,
		Description:         req.Description,
		ActionComponentID:   req.ActionComponentID,
		ReactionComponentID: req.ReactionComponentID,
		IsActive:            active,
	}
	ctx := c.UserContext()
	if err := h.deps.Store.CreateArea(ctx, area); err != nil {
		return h.problemFromError(c, err)
	}

	if len(req.Parameters) > 0 {
		if err := h.deps.Store.BulkUpsertParameters(ctx, area.ID, parameterInputs(req.Parameters)); err != nil {
			if delErr := h.deps.Store.DeleteArea(ctx, area.ID); delErr != nil {
				h.logger.Error().Err(delErr).Str("area_id", area.ID).Msg("failed to roll back area after parameter error")
			}
			return h.problemFromError(c, err)
		}
	}

	created, err := h.deps.Store.GetArea(ctx, area.ID)
	if err != nil || created == nil {
		created = area
	}
	h.logger.Info().
		Str("area_id", area.ID).
		Str("owner_id", area.OwnerID).
		Str("action", area.ActionComponentID).
		Str("reaction", area.ReactionComponentID).
		Msg("area created")
	return c.Status(fiber.StatusCreated).JSON(toAreaResponse(created))
}

// GetArea handles GET /api/v1/areas/:id.
func (h *Handlers) GetArea(c *fiber.Ctx) error {
	a, err := h.loadArea(c)
	if err != nil {
		return h.problemFromError(c, err)
	}
	return c.JSON(toAreaResponse(a))
}

// UpdateArea handles PATCH /api/v1/areas/:id.
func (h *Handlers) UpdateArea(c *fiber.Ctx) error {
	a, err := h.loadArea(c)
	if err != nil {
		return h.problemFromError(c, err)
	}
	var req UpdateAreaRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return problemResponse(c, fiber.StatusBadRequest, "missing_name", "Bad Request", "name cannot be empty")
	}

	updated, err := h.deps.Store.UpdateArea(c.UserContext(), a.ID, store.AreaUpdate{
		Name:        req.Name,
		Description: req.Description,
		IsActive:    req.IsActive,
	})
	if err != nil {
		return h.problemFromError(c, err)
	}
	return c.JSON(toAreaResponse(updated))
}

// DeleteArea handles DELETE /api/v1/areas/:id.
func (h *Handlers) DeleteArea(c *fiber.Ctx) error {
	a, err := h.loadArea(c)
	if err != nil {
		return h.problemFromError(c, err)
	}
	if err := h.deps.Store.DeleteArea(c.UserContext(), a.ID); err != nil {
		return h.problemFromError(c, err)
	}
	h.logger.Info().Str("area_id", a.ID).Msg("area deleted")
	return c.SendStatus(fiber.StatusNoContent)
}

// ListParameters handles GET /api/v1/areas/:id/parameters.
func (h *Handlers) ListParameters(c *fiber.Ctx) error {
	a, err := h.loadArea(c)
	if err != nil {
		return h.problemFromError(c, err)
	}
	params, err := h.deps.Store.ListParameters(c.UserContext(), a.ID)
	if err != nil {
		return h.problemFromError(c, err)
	}
	return c.JSON(fiber.Map{"parameters": toParameterResponses(params)})
}

// PutParameters handles PUT /api/v1/areas/:id/parameters. Entries are
// upserted; parameters not named in the body are kept.
func (h *Handlers) PutParameters(c *fiber.Ctx) error {
	a, err := h.loadArea(c)
	if err != nil {
		return h.problemFromError(c, err)
	}
	var req ParametersRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if len(req.Parameters) == 0 {
		return problemResponse(c, fiber.StatusBadRequest, "missing_parameters", "Bad Request", "parameters is required")
	}

	ctx := c.UserContext()
	existing, err := h.deps.Store.ListParameters(ctx, a.ID)
	if err != nil {
		return h.problemFromError(c, err)
	}
	if err := h.validateActionParams(a.ActionComponentID, existing, req.Parameters); err != nil {
		return h.problemFromError(c, err)
	}
	if err := h.deps.Store.BulkUpsertParameters(ctx, a.ID, parameterInputs(req.Parameters)); err != nil {
		return h.problemFromError(c, err)
	}

	params, err := h.deps.Store.ListParameters(ctx, a.ID)
	if err != nil {
		return h.problemFromError(c, err)
	}
	return c.JSON(fiber.Map{"parameters": toParameterResponses(params)})
}

// validateActionParams checks the merged action parameters against the
// component schema. Reaction parameters may be templates, so they are only
// validated after interpolation at execution time.
func (h *Handlers) validateActionParams(componentID string, existing []store.Parameter, incoming map[string]string) error {
	cat := h.catalog()
	if cat == nil || cat.Component(componentID) == nil {
		return nil
	}
	prefix := componentID + "."
	merged := make(map[string]string)
	for _, p := range existing {
		if p.ComponentID == componentID {
			merged[p.Name] = p.Value
		}
	}
	for id, v := range incoming {
		if name, ok := strings.CutPrefix(id, prefix); ok {
			merged[name] = v
		}
	}
	for _, v := range merged {
		if interpolate.HasVariables(v) {
			return nil
		}
	}
	return cat.ValidateParams(componentID, merged)
}

// ListHooks handles GET /api/v1/areas/:id/hooks.
func (h *Handlers) ListHooks(c *fiber.Ctx) error {
	a, err := h.loadArea(c)
	if err != nil {
		return h.problemFromError(c, err)
	}
	states, err := h.deps.Store.ListHookStates(c.UserContext(), a.ID)
	if err != nil {
		return h.problemFromError(c, err)
	}
	out := make([]HookStateResponse, 0, len(states))
	for _, s := range states {
		out = append(out, HookStateResponse{
			Key:           s.Key,
			Value:         s.Value,
			LastCheckedAt: msTimePtr(s.LastCheckedAt),
			UpdatedAt:     msTime(s.UpdatedAt),
		})
	}
	return c.JSON(fiber.Map{"hooks": out})
}

// ListExecutions handles GET /api/v1/areas/:id/executions.
func (h *Handlers) ListExecutions(c *fiber.Ctx) error {
	a, err := h.loadArea(c)
	if err != nil {
		return h.problemFromError(c, err)
	}
	execs, err := h.deps.Store.ListExecutions(c.UserContext(), store.ExecutionFilter{
		AreaID:  a.ID,
		EventID: c.Query("event_id"),
		Status:  c.Query("status"),
		Limit:   clampLimit(c.QueryInt("limit", defaultListLimit)),
	})
	if err != nil {
		return h.problemFromError(c, err)
	}
	out := make([]ExecutionResponse, 0, len(execs))
	for _, e := range execs {
		out = append(out, toExecutionResponse(e))
	}
	return c.JSON(fiber.Map{"executions": out, "total": len(out)})
}

// GetExecution handles GET /api/v1/executions/:id.
func (h *Handlers) GetExecution(c *fiber.Ctx) error {
	id := c.Params("id")
	ctx := c.UserContext()
	e, err := h.deps.Store.GetExecution(ctx, id)
	if err != nil {
		return h.problemFromError(c, err)
	}
	if e == nil {
		return h.problemFromError(c, perrors.NewNotFound("execution", id))
	}
	if principal(c).Owner != "" {
		a, err := h.deps.Store.GetArea(ctx, e.AreaID)
		if err != nil {
			return h.problemFromError(c, err)
		}
		if a == nil || !canSee(c, a.OwnerID) {
			return h.problemFromError(c, perrors.NewNotFound("execution", id))
		}
	}
	return c.JSON(toExecutionResponse(e))
}

// RunArea handles POST /api/v1/areas/:id/run.
func (h *Handlers) RunArea(c *fiber.Ctx) error {
	if h.deps.Runner == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable, "runner_unavailable", "Service Unavailable",
			"Manual runs are not enabled")
	}
	a, err := h.loadArea(c)
	if err != nil {
		return h.problemFromError(c, err)
	}
	var req RunRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_body", "Bad Request",
				"Invalid request body: "+err.Error())
		}
	}

	res, err := h.deps.Runner.RunNow(c.UserContext(), a.ID, req.Payload)
	if err != nil {
		return h.problemFromError(c, err)
	}
	h.logger.Info().
		Str("area_id", a.ID).
		Str("execution_id", res.Execution.ID).
		Str("outcome", string(res.Outcome.Status)).
		Msg("manual run finished")
	return c.JSON(RunResponse{
		Execution: toExecutionResponse(res.Execution),
		Status:    string(res.Outcome.Status),
		Detail:    res.Outcome.Detail,
		Output:    res.Outcome.Output,
	})
}

// ListServices handles GET /api/v1/services.
func (h *Handlers) ListServices(c *fiber.Ctx) error {
	cat := h.catalog()
	out := []ServiceResponse{}
	if cat != nil {
		for _, svc := range cat.Services() {
			r := ServiceResponse{
				ID:          svc.ID,
				Name:        svc.Name,
				Description: svc.Description,
				Auth:        svc.Auth,
				Actions:     make([]string, 0, len(svc.Actions)),
				Reactions:   make([]string, 0, len(svc.Reactions)),
			}
			for _, a := range svc.Actions {
				r.Actions = append(r.Actions, svc.ID+"."+a.Name)
			}
			for _, re := range svc.Reactions {
				r.Reactions = append(r.Reactions, svc.ID+"."+re.Name)
			}
			out = append(out, r)
		}
	}
	return c.JSON(fiber.Map{"services": out})
}

// GetComponent handles GET /api/v1/components/:id.
func (h *Handlers) GetComponent(c *fiber.Ctx) error {
	id := c.Params("id")
	var comp *catalog.Component
	if cat := h.catalog(); cat != nil {
		comp = cat.Component(id)
	}
	if comp == nil {
		return h.problemFromError(c, perrors.NewNotFound("component", id))
	}
	params := comp.Spec.Params
	if params == nil {
		params = []catalog.VariableSpec{}
	}
	outputs := comp.Spec.Outputs
	if outputs == nil {
		outputs = []catalog.VariableSpec{}
	}
	return c.JSON(ComponentResponse{
		ID:          comp.ID,
		ServiceID:   comp.ServiceID,
		Kind:        comp.Kind,
		Name:        comp.Spec.Name,
		Description: comp.Spec.Description,
		Params:      params,
		Outputs:     outputs,
		Schema:      comp.SchemaJSON(),
	})
}

func (h *Handlers) hasService(id string) bool {
	cat := h.catalog()
	if cat == nil {
		return true
	}
	for _, svc := range cat.Services() {
		if svc.ID == id {
			return true
		}
	}
	return false
}

// PutAccount handles PUT /api/v1/accounts/:service.
func (h *Handlers) PutAccount(c *fiber.Ctx) error {
	if h.deps.Tokens == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable, "tokens_unavailable", "Service Unavailable",
			"No token store configured")
	}
	service := c.Params("service")
	if !h.hasService(service) {
		return h.problemFromError(c, perrors.NewNotFound("service", service))
	}
	var req AccountRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if p := principal(c); p.Owner != "" {
		req.OwnerID = p.Owner
	}
	if req.OwnerID == "" {
		return problemResponse(c, fiber.StatusBadRequest, "missing_owner", "Bad Request", "owner_id is required")
	}
	if req.Token == "" {
		return problemResponse(c, fiber.StatusBadRequest, "missing_token", "Bad Request", "token is required")
	}
	if req.TTLSeconds < 0 {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_ttl", "Bad Request", "ttl_seconds cannot be negative")
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := h.deps.Tokens.Set(c.UserContext(), tokenstore.AccountKey(req.OwnerID, service), req.Token, ttl); err != nil {
		return h.problemFromError(c, err)
	}
	h.logger.Info().Str("owner_id", req.OwnerID).Str("service", service).Msg("account linked")
	return c.SendStatus(fiber.StatusNoContent)
}

// DeleteAccount handles DELETE /api/v1/accounts/:service.
func (h *Handlers) DeleteAccount(c *fiber.Ctx) error {
	if h.deps.Tokens == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable, "tokens_unavailable", "Service Unavailable",
			"No token store configured")
	}
	service := c.Params("service")
	owner := c.Query("owner_id")
	if p := principal(c); p.Owner != "" {
		owner = p.Owner
	}
	if owner == "" {
		return problemResponse(c, fiber.StatusBadRequest, "missing_owner", "Bad Request", "owner_id is required")
	}
	if err := h.deps.Tokens.Delete(c.UserContext(), tokenstore.AccountKey(owner, service)); err != nil {
		return h.problemFromError(c, err)
	}
	h.logger.Info().Str("owner_id", owner).Str("service", service).Msg("account unlinked")
	return c.SendStatus(fiber.StatusNoContent)
}

// SchedulerStatus handles GET /api/v1/scheduler.
func (h *Handlers) SchedulerStatus(c *fiber.Ctx) error {
	if h.deps.Scheduler == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable, "scheduler_unavailable", "Service Unavailable",
			"Scheduler is not running in this process")
	}
	return c.JSON(h.deps.Scheduler.Status())
}

// TriggerTick handles POST /api/v1/scheduler/tick.
func (h *Handlers) TriggerTick(c *fiber.Ctx) error {
	if h.deps.Scheduler == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable, "scheduler_unavailable", "Service Unavailable",
			"Scheduler is not running in this process")
	}
	return c.JSON(h.deps.Scheduler.Tick(c.UserContext()))
}

// HealthDetail handles GET /api/v1/health.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	results := h.deps.Checker.RunAll(c.UserContext())

	checks := make(map[string]string, len(results))
	overall := "ok"
	for name, status := range results {
		checks[name] = string(status)
		if status != health.StatusOK && overall == "ok" {
			overall = string(health.StatusDegraded)
		}
		if status == health.StatusDown {
			overall = string(health.StatusDown)
		}
	}

	return c.JSON(fiber.Map{
		"status": overall,
		"checks": checks,
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if !h.deps.Checker.IsReady(c.UserContext()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
		})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// problemFromError maps domain errors onto problem responses.
func (h *Handlers) problemFromError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, perrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", err.Error())
	case errors.Is(err, perrors.ErrConflict):
		return problemResponse(c, fiber.StatusConflict, "conflict", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrValidation), errors.Is(err, perrors.ErrInvalidInput):
		return problemResponse(c, fiber.StatusBadRequest, "validation_failed", "Bad Request", err.Error())
	case errors.Is(err, perrors.ErrUnavailable):
		return problemResponse(c, fiber.StatusServiceUnavailable, "unavailable", "Service Unavailable", err.Error())
	}
	h.logger.Error().Err(err).Str("path", c.Path()).Str("method", c.Method()).Msg("request failed")
	return problemResponse(c, fiber.StatusInternalServerError, "internal_error", "Internal Server Error",
		"An internal error occurred")
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	body := ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	}
	return c.Status(status).JSON(body, "application/problem+json")
}

func parameterInputs(m map[string]string) []store.ParameterInput {
	out := make([]store.ParameterInput, 0, len(m))
	for id, v := range m {
		out = append(out, store.ParameterInput{VariableID: id, Value: v})
	}
	return out
}

func toParameterResponses(params []store.Parameter) []ParameterResponse {
	out := make([]ParameterResponse, 0, len(params))
	for _, p := range params {
		out = append(out, ParameterResponse{
			VariableID:  p.VariableID,
			ComponentID: p.ComponentID,
			Name:        p.Name,
			Value:       p.Value,
			IsTemplate:  p.IsTemplate,
			UpdatedAt:   msTime(p.UpdatedAt),
		})
	}
	return out
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
