// Package kubernetes watches namespaces for Warning events and operates on
// deployments.
package kubernetes

import (
	"context"
	"fmt"
	"time"

	"github.com/p-blackswan/area/internal/connector"
)

// ServiceID is the catalog id of the Kubernetes service.
const ServiceID = "kubernetes"

const (
	stateLastEventTime = "last_event_time"
	stateLastEventUID  = "last_event_uid"
)

// Connector implements connector.Pollable and connector.Executable over a cluster client.
type Connector struct {
	client *Client
	now    func() time.Time
}

// New creates a Kubernetes connector.
func New(client *Client) *Connector {
	return &Connector{client: client, now: time.Now}
}

func (c *Connector) Service() string { return ServiceID }

// Poll reports Warning events seen after the stored (time, uid) cursor.
func (c *Connector) Poll(ctx context.Context, req connector.PollRequest) (*connector.PollResult, error) {
	if connector.ComponentName(req.Component) != "warning_event" {
		return nil, connector.UnsupportedComponent(ServiceID, req.Component)
	}
	namespace, err := connector.Require(req.Params, "namespace")
	if err != nil {
		return nil, err
	}

	events, err := c.client.WarningEvents(ctx, namespace)
	if err != nil {
		return nil, err
	}

	rawTime, seen := req.State[stateLastEventTime]
	lastTime, perr := time.Parse(time.RFC3339Nano, rawTime)
	if !seen || perr != nil {
		state := cursor(c.now().UTC(), "")
		if n := len(events); n > 0 {
			state = cursor(events[n-1].LastSeen, events[n-1].UID)
		}
		return &connector.PollResult{State: state}, nil
	}
	lastUID := req.State[stateLastEventUID]

	var out []connector.Event
	for _, e := range events {
		if e.LastSeen.Before(lastTime) || (e.LastSeen.Equal(lastTime) && e.UID <= lastUID) {
			continue
		}
		out = append(out, connector.Event{
			ID:         fmt.Sprintf("%s/%d", e.UID, e.Count),
			OccurredAt: e.LastSeen,
			Payload: map[string]any{
				"reason":      e.Reason,
				"message":     e.Message,
				"object_kind": e.ObjectKind,
				"object_name": e.ObjectName,
				"namespace":   e.Namespace,
				"event_count": e.Count,
				"last_seen":   e.LastSeen.Format(time.RFC3339),
			},
			Cursor: cursor(e.LastSeen, e.UID),
		})
	}
	if len(out) == 0 {
		return &connector.PollResult{}, nil
	}
	return &connector.PollResult{Events: out, State: out[len(out)-1].Cursor}, nil
}

// Execute scales or restarts a deployment.
func (c *Connector) Execute(ctx context.Context, req connector.ExecuteRequest) (connector.Outcome, error) {
	namespace, err := connector.Require(req.Params, "namespace")
	if err != nil {
		return connector.Rejected(err)
	}
	deployment, err := connector.Require(req.Params, "deployment")
	if err != nil {
		return connector.Rejected(err)
	}

	switch connector.ComponentName(req.Component) {
	case "scale_deployment":
		replicas, err := connector.IntParam(req.Params, "replicas", -1)
		if err != nil {
			return connector.Rejected(err)
		}
		if replicas < 0 {
			return connector.Failed("parameter \"replicas\" must be >= 0"), nil
		}
		if err := c.client.ScaleDeployment(ctx, namespace, deployment, int32(replicas)); err != nil {
			return connector.Rejected(err)
		}
		return connector.Succeeded(
			fmt.Sprintf("scaled %s/%s to %d", namespace, deployment, replicas),
			map[string]any{"replicas": replicas},
		), nil
	case "restart_deployment":
		at := c.now().UTC()
		if err := c.client.RestartDeployment(ctx, namespace, deployment, at); err != nil {
			return connector.Rejected(err)
		}
		return connector.Succeeded(
			fmt.Sprintf("restarted %s/%s", namespace, deployment),
			map[string]any{"restarted_at": at.Format(time.RFC3339)},
		), nil
	default:
		return connector.Outcome{}, connector.UnsupportedComponent(ServiceID, req.Component)
	}
}

func cursor(t time.Time, uid string) map[string]string {
	return map[string]string{
		stateLastEventTime: t.Format(time.RFC3339Nano),
		stateLastEventUID:  uid,
	}
}
