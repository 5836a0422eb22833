// Package connector defines the contract between the AREA engine and the
// external services it polls for triggers and calls for reactions.
//
// A service implements Pollable, Executable or both. Capabilities are
// detected by type assertion when the connector is registered, so adding a
// service means registering a new implementation rather than editing a
// central switch.
package connector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	perrors "github.com/p-blackswan/area/internal/errors"
)

// Connector is the base interface for every service integration.
type Connector interface {
	// Service returns the service identifier, e.g. "github".
	Service() string
}

// Pollable is implemented by services that can detect new trigger events.
//
// Poll must be idempotent with respect to req.State: polling twice with the
// same state returns the same events. An empty state is a first poll and
// establishes a baseline without reporting events.
type Pollable interface {
	Connector
	Poll(ctx context.Context, req PollRequest) (*PollResult, error)
}

// Executable is implemented by services that can perform reactions.
//
// A downstream rejection (4xx, validation) is reported as a failure Outcome
// with a nil error. A returned error means the call could not be completed.
type Executable interface {
	Connector
	Execute(ctx context.Context, req ExecuteRequest) (Outcome, error)
}

// PollRequest carries one area's trigger configuration and cursor.
type PollRequest struct {
	AreaID    string
	OwnerID   string
	Component string // full component id, e.g. "github.new_commit"
	Params    map[string]string
	State     map[string]string
}

// PollResult is the outcome of one poll.
type PollResult struct {
	// Events are new occurrences in chronological order.
	Events []Event
	// State is the cursor after every event of this poll has been handled.
	// Nil leaves the stored cursor untouched.
	State map[string]string
}

// Event is one fired trigger.
type Event struct {
	ID         string
	OccurredAt time.Time
	// Payload holds provider fields exposed to the execution context.
	Payload map[string]any
	// Cursor is the state to persist once this event has been handled.
	Cursor map[string]string
}

// ExecuteRequest carries one reaction invocation with interpolated parameters.
type ExecuteRequest struct {
	AreaID    string
	OwnerID   string
	Component string
	Params    map[string]string
	Context   map[string]any
}

// Status is the terminal result of a reaction.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Outcome is what a reaction reports back to the pipeline.
type Outcome struct {
	Status Status
	Detail string
	Output map[string]any
}

// Succeeded builds a success outcome.
func Succeeded(detail string, output map[string]any) Outcome {
	return Outcome{Status: StatusSuccess, Detail: detail, Output: output}
}

// Failed builds a failure outcome.
func Failed(format string, args ...any) Outcome {
	return Outcome{Status: StatusFailure, Detail: fmt.Sprintf(format, args...)}
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}

// ComponentName strips the service prefix: "github.new_commit" -> "new_commit".
func ComponentName(componentID string) string {
	if i := strings.IndexByte(componentID, '.'); i >= 0 {
		return componentID[i+1:]
	}
	return componentID
}

// Require returns the trimmed value of a required parameter.
func Require(params map[string]string, name string) (string, error) {
	v := strings.TrimSpace(params[name])
	if v == "" {
		return "", perrors.Validationf("missing required parameter %q", name)
	}
	return v, nil
}

// Optional returns the trimmed parameter value or def when blank.
func Optional(params map[string]string, name, def string) string {
	if v := strings.TrimSpace(params[name]); v != "" {
		return v
	}
	return def
}

// IntParam parses an integer parameter, returning def when blank.
func IntParam(params map[string]string, name string, def int) (int, error) {
	v := strings.TrimSpace(params[name])
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, perrors.Validationf("parameter %q must be an integer, got %q", name, v)
	}
	return n, nil
}

// BoolParam parses a boolean parameter, returning def when blank.
func BoolParam(params map[string]string, name string, def bool) (bool, error) {
	v := strings.TrimSpace(params[name])
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, perrors.Validationf("parameter %q must be a boolean, got %q", name, v)
	}
	return b, nil
}

// UnsupportedComponent is returned when a connector is asked for a component it does not serve.
func UnsupportedComponent(service, componentID string) error {
	return perrors.Validationf("%s: unsupported component %q", service, componentID)
}

// Rejected converts a downstream error into a failure Outcome when the
// provider refused the request itself (4xx other than auth and rate limit).
// Any other error is returned unchanged for the pipeline to record.
func Rejected(err error) (Outcome, error) {
	var apiErr *perrors.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
		!perrors.IsAuth(err) && !perrors.IsRateLimit(err) {
		return Failed("%s rejected request (status %d): %s", apiErr.Service, apiErr.StatusCode, apiErr.Message), nil
	}
	if errors.Is(err, perrors.ErrValidation) {
		return Failed("%v", err), nil
	}
	return Outcome{}, err
}
