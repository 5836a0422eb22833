package mgmt

import (
	"time"

	"github.com/p-blackswan/area/internal/catalog"
	"github.com/p-blackswan/area/internal/store"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// CreateAreaRequest is the body of POST /api/v1/areas.
type CreateAreaRequest struct {
	OwnerID             string `json:"owner_id"`
	Name                string `json:"name"`
	Description         string `json:"description"`
	ActionComponentID   string `json:"action_component_id"`
	ReactionComponentID string `json:"reaction_component_id"`
	IsActive            *bool  `json:"is_active"`
	// Parameters are keyed by variable id, e.g. "github.new_commit.repo".
	Parameters map[string]string `json:"parameters"`
}

// UpdateAreaRequest is the body of PATCH /api/v1/areas/:id.
type UpdateAreaRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"is_active"`
}

// ParametersRequest is the body of PUT /api/v1/areas/:id/parameters.
type ParametersRequest struct {
	Parameters map[string]string `json:"parameters"`
}

// RunRequest is the optional body of POST /api/v1/areas/:id/run.
type RunRequest struct {
	Payload map[string]any `json:"payload"`
}

// AccountRequest is the body of PUT /api/v1/accounts/:service.
type AccountRequest struct {
	OwnerID    string `json:"owner_id"`
	Token      string `json:"token"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// AreaResponse is the API shape of a store.Area.
type AreaResponse struct {
	ID                  string     `json:"id"`
	OwnerID             string     `json:"owner_id"`
	Name                string     `json:"name"`
	Description         string     `json:"description,omitempty"`
	ActionComponentID   string     `json:"action_component_id"`
	ReactionComponentID string     `json:"reaction_component_id"`
	ActionServiceID     string     `json:"action_service_id"`
	ReactionServiceID   string     `json:"reaction_service_id"`
	IsActive            bool       `json:"is_active"`
	TriggeredCount      int64      `json:"triggered_count"`
	LastTriggeredAt     *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// AreaListResponse wraps a list of areas.
type AreaListResponse struct {
	Areas []AreaResponse `json:"areas"`
	Total int            `json:"total"`
}

// ParameterResponse is the API shape of a store.Parameter.
type ParameterResponse struct {
	VariableID  string    `json:"variable_id"`
	ComponentID string    `json:"component_id"`
	Name        string    `json:"name"`
	Value       string    `json:"value"`
	IsTemplate  bool      `json:"is_template"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HookStateResponse is the API shape of a store.HookState.
type HookStateResponse struct {
	Key           string     `json:"key"`
	Value         *string    `json:"value"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ExecutionResponse is the API shape of a store.Execution.
type ExecutionResponse struct {
	ID             string     `json:"id"`
	AreaID         string     `json:"area_id"`
	EventID        string     `json:"event_id"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	TriggerPayload string     `json:"trigger_payload,omitempty"`
	Attempt        int        `json:"attempt"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// RunResponse is returned by POST /api/v1/areas/:id/run.
type RunResponse struct {
	Execution ExecutionResponse `json:"execution"`
	Status    string            `json:"outcome"`
	Detail    string            `json:"detail,omitempty"`
	Output    map[string]any    `json:"output,omitempty"`
}

// ServiceResponse lists one catalog service with its components.
type ServiceResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Auth        string   `json:"auth"`
	Actions     []string `json:"actions"`
	Reactions   []string `json:"reactions"`
}

// ComponentResponse describes one component and its parameter schema.
type ComponentResponse struct {
	ID          string                 `json:"id"`
	ServiceID   string                 `json:"service_id"`
	Kind        string                 `json:"kind"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Params      []catalog.VariableSpec `json:"params"`
	Outputs     []catalog.VariableSpec `json:"outputs"`
	Schema      string                 `json:"schema"`
}

func msTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func msTimePtr(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := msTime(ms)
	return &t
}

func toAreaResponse(a *store.Area) AreaResponse {
	return AreaResponse{
		ID:                  a.ID,
		OwnerID:             a.OwnerID,
		Name:                a.Name,
		Description:         a.Description,
		ActionComponentID:   a.ActionComponentID,
		ReactionComponentID: a.ReactionComponentID,
		ActionServiceID:     a.ActionServiceID,
		ReactionServiceID:   a.ReactionServiceID,
		IsActive:            a.IsActive,
		TriggeredCount:      a.TriggeredCount,
		LastTriggeredAt:     msTimePtr(a.LastTriggeredAt),
		CreatedAt:           msTime(a.CreatedAt),
		UpdatedAt:           msTime(a.UpdatedAt),
	}
}

func toExecutionResponse(e *store.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:             e.ID,
		AreaID:         e.AreaID,
		EventID:        e.EventID,
		Status:         e.Status,
		Error:          e.Error,
		TriggerPayload: e.TriggerPayload,
		Attempt:        e.Attempt,
		TriggeredAt:    msTime(e.TriggeredAt),
		FinishedAt:     msTimePtr(e.FinishedAt),
	}
}
