// Package slack polls channels for new messages and posts messages.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/area/internal/connector"
	perrors "github.com/p-blackswan/area/internal/errors"
)

// ServiceID is the catalog id of the Slack service.
const ServiceID = "slack"

const (
	stateLastTS = "last_message_ts"

	defaultHistoryLimit = 50
)

// API abstracts the Slack Web API calls the connector makes.
type API interface {
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// ClientFunc builds an API client for a bot or user token.
type ClientFunc func(token string) API

// Connector implements connector.Pollable and connector.Executable for Slack.
type Connector struct {
	creds     connector.Credentials
	newClient ClientFunc
	limit     int
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures a Connector.
type Option func(*Connector)

// WithAPIURL points the client at a different Slack API endpoint.
func WithAPIURL(apiURL string) Option {
	return func(c *Connector) {
		if apiURL == "" {
			return
		}
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		c.newClient = func(token string) API {
			return slack.New(token, slack.OptionAPIURL(apiURL))
		}
	}
}

// WithClientFunc replaces client construction, mainly for tests.
func WithClientFunc(fn ClientFunc) Option {
	return func(c *Connector) { c.newClient = fn }
}

// WithClock overrides the time source used for empty-channel baselines.
func WithClock(now func() time.Time) Option {
	return func(c *Connector) { c.now = now }
}

// New creates a Slack connector.
func New(creds connector.Credentials, logger zerolog.Logger, opts ...Option) *Connector {
	c := &Connector{
		creds: creds,
		newClient: func(token string) API {
			return slack.New(token)
		},
		limit:  defaultHistoryLimit,
		now:    time.Now,
		logger: logger.With().Str("component", "connector-slack").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Connector) Service() string { return ServiceID }

func (c *Connector) api(ctx context.Context, ownerID string) (API, error) {
	token, err := c.creds.Token(ctx, ownerID, ServiceID)
	if err != nil {
		return nil, err
	}
	return c.newClient(token), nil
}

// Poll reports messages posted after the stored timestamp, oldest first.
func (c *Connector) Poll(ctx context.Context, req connector.PollRequest) (*connector.PollResult, error) {
	if connector.ComponentName(req.Component) != "new_message" {
		return nil, connector.UnsupportedComponent(ServiceID, req.Component)
	}
	channel, err := connector.Require(req.Params, "channel")
	if err != nil {
		return nil, err
	}
	api, err := c.api(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}

	last, seen := req.State[stateLastTS]
	params := &slack.GetConversationHistoryParameters{ChannelID: channel, Limit: c.limit}
	if seen {
		params.Oldest = last
	} else {
		params.Limit = 1
	}

	resp, err := api.GetConversationHistoryContext(ctx, params)
	if err != nil {
		return nil, mapError(err)
	}

	if !seen {
		baseline := formatTS(c.now())
		if len(resp.Messages) > 0 {
			baseline = resp.Messages[0].Timestamp
		}
		return &connector.PollResult{State: map[string]string{stateLastTS: baseline}}, nil
	}

	// History is newest first; emit oldest first and never at or before the cursor.
	var events []connector.Event
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		msg := resp.Messages[i]
		if !after(msg.Timestamp, last) {
			continue
		}
		events = append(events, connector.Event{
			ID:         channel + ":" + msg.Timestamp,
			OccurredAt: parseTS(msg.Timestamp),
			Payload: map[string]any{
				"message_ts":      msg.Timestamp,
				"message_content": msg.Text,
				"author_id":       msg.User,
				"channel":         channel,
				"thread_ts":       msg.ThreadTimestamp,
			},
			Cursor: map[string]string{stateLastTS: msg.Timestamp},
		})
	}
	if resp.HasMore {
		c.logger.Debug().Str("channel", channel).Int("returned", len(events)).Msg("history truncated, remainder on next poll")
	}
	if len(events) == 0 {
		return &connector.PollResult{}, nil
	}
	return &connector.PollResult{Events: events, State: events[len(events)-1].Cursor}, nil
}

// Execute posts a message.
func (c *Connector) Execute(ctx context.Context, req connector.ExecuteRequest) (connector.Outcome, error) {
	if connector.ComponentName(req.Component) != "post_message" {
		return connector.Outcome{}, connector.UnsupportedComponent(ServiceID, req.Component)
	}
	channel, err := connector.Require(req.Params, "channel")
	if err != nil {
		return connector.Rejected(err)
	}
	text, err := connector.Require(req.Params, "text")
	if err != nil {
		return connector.Rejected(err)
	}
	api, err := c.api(ctx, req.OwnerID)
	if err != nil {
		return connector.Outcome{}, err
	}

	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if ts := connector.Optional(req.Params, "thread_ts", ""); ts != "" {
		opts = append(opts, slack.MsgOptionTS(ts))
	}

	ch, ts, err := api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return connector.Rejected(mapError(err))
	}
	return connector.Succeeded(
		fmt.Sprintf("posted to %s", ch),
		map[string]any{"channel": ch, "message_ts": ts},
	), nil
}

// after compares Slack "seconds.micros" timestamps numerically.
func after(ts, cursor string) bool {
	if cursor == "" {
		return true
	}
	a, errA := strconv.ParseFloat(ts, 64)
	b, errB := strconv.ParseFloat(cursor, 64)
	if errA != nil || errB != nil {
		return ts > cursor
	}
	return a > b
}

func parseTS(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micros int64
	if frac != "" {
		micros, _ = strconv.ParseInt((frac + "000000")[:6], 10, 64)
	}
	return time.Unix(s, micros*int64(time.Microsecond)).UTC()
}

func formatTS(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/int(time.Microsecond))
}

var authErrors = []string{"invalid_auth", "not_authed", "token_revoked", "token_expired", "account_inactive", "missing_scope"}

// mapError translates slack-go errors into the engine's error kinds.
func mapError(err error) error {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		apiErr := perrors.NewAPIError(ServiceID, http.StatusTooManyRequests, "ratelimited")
		apiErr.Err = perrors.ErrRateLimit
		apiErr.RetryAfter = rl.RetryAfter
		return apiErr
	}
	var sc slack.StatusCodeError
	if errors.As(err, &sc) {
		return perrors.FromStatus(ServiceID, sc.Code, sc.Status)
	}
	msg := err.Error()
	for _, code := range authErrors {
		if strings.Contains(msg, code) {
			return perrors.FromStatus(ServiceID, http.StatusUnauthorized, msg)
		}
	}
	switch {
	case strings.Contains(msg, "channel_not_found"), strings.Contains(msg, "not_in_channel"),
		strings.Contains(msg, "is_archived"), strings.Contains(msg, "msg_too_long"), strings.Contains(msg, "no_text"):
		return perrors.FromStatus(ServiceID, http.StatusBadRequest, msg)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("slack: %w", perrors.ErrTimeout)
	}
	return fmt.Errorf("slack: %w", err)
}
