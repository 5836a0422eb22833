// Package jira polls projects for new issues and creates issues through the
// Jira Cloud REST API.
package jira

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/area/internal/connector"
)

// ServiceID is the catalog id of the Jira service.
const ServiceID = "jira"

const (
	stateLastIssueID = "last_issue_id"

	createdLayout     = "2006-01-02T15:04:05.000-0700"
	defaultSearchSize = 50
)

// Connector implements connector.Pollable and connector.Executable for Jira.
type Connector struct {
	baseURL    string
	creds      connector.Credentials
	basic      *BasicAuth
	httpClient HTTPClient
	logger     zerolog.Logger
}

// Option configures a Connector.
type Option func(*Connector)

// WithBasicAuth uses a service account for every owner instead of linked tokens.
func WithBasicAuth(email, apiToken string) Option {
	return func(c *Connector) {
		if email != "" && apiToken != "" {
			c.basic = &BasicAuth{Email: email, APIToken: apiToken}
		}
	}
}

// WithHTTPClient sets a custom HTTP client (for testing).
func WithHTTPClient(hc HTTPClient) Option {
	return func(c *Connector) { c.httpClient = hc }
}

// New creates a Jira connector for the instance at baseURL.
func New(baseURL string, creds connector.Credentials, logger zerolog.Logger, opts ...Option) *Connector {
	c := &Connector{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		creds:   creds,
		logger:  logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Connector) Service() string { return ServiceID }

func (c *Connector) client(ctx context.Context, ownerID string) (*Client, error) {
	var auth Authenticator
	if c.basic != nil {
		auth = c.basic
	} else {
		token, err := c.creds.Token(ctx, ownerID, ServiceID)
		if err != nil {
			return nil, err
		}
		auth = &BearerAuth{AccessToken: token}
	}
	cl := NewClient(c.baseURL, auth, c.logger)
	if c.httpClient != nil {
		cl.SetHTTPClient(c.httpClient)
	}
	return cl, nil
}

// Poll reports issues created in the project after the stored issue id.
func (c *Connector) Poll(ctx context.Context, req connector.PollRequest) (*connector.PollResult, error) {
	if connector.ComponentName(req.Component) != "new_issue" {
		return nil, connector.UnsupportedComponent(ServiceID, req.Component)
	}
	project, err := connector.Require(req.Params, "project")
	if err != nil {
		return nil, err
	}
	cl, err := c.client(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}

	jql := fmt.Sprintf("project = %q ORDER BY created DESC", project)
	res, err := cl.SearchIssues(ctx, jql, defaultSearchSize)
	if err != nil {
		return nil, err
	}

	var newest int64
	for _, is := range res.Issues {
		if id := issueID(is); id > newest {
			newest = id
		}
	}

	raw, seen := req.State[stateLastIssueID]
	last, perr := strconv.ParseInt(raw, 10, 64)
	if !seen || perr != nil {
		return &connector.PollResult{State: map[string]string{stateLastIssueID: strconv.FormatInt(newest, 10)}}, nil
	}

	var events []connector.Event
	for i := len(res.Issues) - 1; i >= 0; i-- {
		is := res.Issues[i]
		id := issueID(is)
		if id <= last {
			continue
		}
		created, _ := time.Parse(createdLayout, is.Fields.Created)
		payload := map[string]any{
			"issue_key": is.Key,
			"summary":   is.Fields.Summary,
			"url":       cl.BaseURL() + "/browse/" + is.Key,
			"project":   project,
		}
		if is.Fields.IssueType != nil {
			payload["issue_type"] = is.Fields.IssueType.Name
		}
		if is.Fields.Reporter != nil {
			payload["reporter"] = is.Fields.Reporter.DisplayName
		}
		events = append(events, connector.Event{
			ID:         is.Key,
			OccurredAt: created.UTC(),
			Payload:    payload,
			Cursor:     map[string]string{stateLastIssueID: strconv.FormatInt(id, 10)},
		})
	}
	if len(events) == 0 {
		return &connector.PollResult{}, nil
	}
	return &connector.PollResult{Events: events, State: events[len(events)-1].Cursor}, nil
}

// Execute creates an issue.
func (c *Connector) Execute(ctx context.Context, req connector.ExecuteRequest) (connector.Outcome, error) {
	if connector.ComponentName(req.Component) != "create_issue" {
		return connector.Outcome{}, connector.UnsupportedComponent(ServiceID, req.Component)
	}
	project, err := connector.Require(req.Params, "project")
	if err != nil {
		return connector.Rejected(err)
	}
	summary, err := connector.Require(req.Params, "summary")
	if err != nil {
		return connector.Rejected(err)
	}
	cl, err := c.client(ctx, req.OwnerID)
	if err != nil {
		return connector.Outcome{}, err
	}

	create := &CreateIssueRequest{Fields: CreateIssueFields{
		Project:     Project{Key: project},
		Summary:     summary,
		Description: PlainDocument(req.Params["description"]),
		IssueType:   IssueType{Name: connector.Optional(req.Params, "issue_type", "Task")},
	}}
	issue, err := cl.CreateIssue(ctx, create)
	if err != nil {
		return connector.Rejected(err)
	}
	return connector.Succeeded(
		"created "+issue.Key,
		map[string]any{"issue_key": issue.Key, "url": cl.BaseURL() + "/browse/" + issue.Key},
	), nil
}

func issueID(is Issue) int64 {
	id, err := strconv.ParseInt(is.ID, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
