// Package timer implements the cron-schedule trigger.
package timer

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/p-blackswan/area/internal/connector"
	perrors "github.com/p-blackswan/area/internal/errors"
)

const (
	// ServiceID is the catalog id of the timer service.
	ServiceID = "timer"

	componentSchedule = "timer.schedule"
	stateLastFired    = "last_fired_at"

	defaultMaxPerPoll = 10
)

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Connector fires once for every activation of a cron expression that has
// elapsed since the stored cursor.
type Connector struct {
	now        func() time.Time
	maxPerPoll int
}

// Option configures a Connector.
type Option func(*Connector)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Connector) { c.now = now }
}

// WithMaxPerPoll caps how many activations a single poll reports. The
// remainder is picked up by later polls.
func WithMaxPerPoll(n int) Option {
	return func(c *Connector) {
		if n > 0 {
			c.maxPerPoll = n
		}
	}
}

// New creates a timer connector.
func New(opts ...Option) *Connector {
	c := &Connector{now: time.Now, maxPerPoll: defaultMaxPerPoll}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Connector) Service() string { return ServiceID }

// ParseSchedule validates a cron expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, perrors.Validationf("invalid cron expression %q: %v", spec, err)
	}
	return sched, nil
}

// Poll reports elapsed activations in chronological order.
func (c *Connector) Poll(_ context.Context, req connector.PollRequest) (*connector.PollResult, error) {
	if req.Component != componentSchedule {
		return nil, connector.UnsupportedComponent(ServiceID, req.Component)
	}
	spec, err := connector.Require(req.Params, "cron")
	if err != nil {
		return nil, err
	}
	sched, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	raw, ok := req.State[stateLastFired]
	if !ok || raw == "" {
		return &connector.PollResult{State: map[string]string{stateLastFired: format(now)}}, nil
	}
	last, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		// Corrupt cursor: re-baseline rather than replay an unknown backlog.
		return &connector.PollResult{State: map[string]string{stateLastFired: format(now)}}, nil
	}

	var events []connector.Event
	for t := sched.Next(last); !t.IsZero() && !t.After(now); t = sched.Next(t) {
		if len(events) == c.maxPerPoll {
			break
		}
		fired := t.UTC()
		cursor := map[string]string{stateLastFired: format(fired)}
		events = append(events, connector.Event{
			ID:         fmt.Sprintf("%s@%d", req.AreaID, fired.Unix()),
			OccurredAt: fired,
			Payload: map[string]any{
				"fired_at": fired.Format(time.RFC3339),
				"cron":     spec,
			},
			Cursor: cursor,
		})
	}
	if len(events) == 0 {
		return &connector.PollResult{}, nil
	}
	return &connector.PollResult{Events: events, State: events[len(events)-1].Cursor}, nil
}

func format(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}
