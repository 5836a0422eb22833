// Package github polls repositories for commits and issues and performs
// issue reactions through the GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/p-blackswan/area/internal/connector"
	perrors "github.com/p-blackswan/area/internal/errors"
)

// ServiceID is the catalog id of the GitHub service.
const ServiceID = "github"

const (
	stateLastCommit = "last_commit_sha"
	stateLastIssue  = "last_issue_number"

	defaultPageSize = 30
)

// Connector implements connector.Pollable and connector.Executable for GitHub.
type Connector struct {
	creds      connector.Credentials
	baseURL    *url.URL
	httpClient *http.Client
	pageSize   int
	logger     zerolog.Logger
}

// Option configures a Connector.
type Option func(*Connector)

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(raw string) Option {
	return func(c *Connector) {
		if raw == "" {
			return
		}
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		if u, err := url.Parse(raw); err == nil {
			c.baseURL = u
		}
	}
}

// WithHTTPClient sets the transport used beneath the OAuth2 token source.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Connector) { c.httpClient = hc }
}

// WithPageSize sets how many items a poll fetches.
func WithPageSize(n int) Option {
	return func(c *Connector) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// New creates a GitHub connector using the owner's linked token.
func New(creds connector.Credentials, logger zerolog.Logger, opts ...Option) *Connector {
	c := &Connector{
		creds:      creds,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		pageSize:   defaultPageSize,
		logger:     logger.With().Str("component", "connector-github").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Connector) Service() string { return ServiceID }

func (c *Connector) client(ctx context.Context, ownerID string) (*gh.Client, error) {
	token, err := c.creds.Token(ctx, ownerID, ServiceID)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	client := gh.NewClient(oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})))
	if c.baseURL != nil {
		client.BaseURL = c.baseURL
	}
	return client, nil
}

// Poll dispatches to the component's poller.
func (c *Connector) Poll(ctx context.Context, req connector.PollRequest) (*connector.PollResult, error) {
	owner, err := connector.Require(req.Params, "owner")
	if err != nil {
		return nil, err
	}
	repo, err := connector.Require(req.Params, "repo")
	if err != nil {
		return nil, err
	}
	client, err := c.client(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}

	switch connector.ComponentName(req.Component) {
	case "new_commit":
		return c.pollCommits(ctx, client, owner, repo, connector.Optional(req.Params, "branch", ""), req.State)
	case "new_issue":
		return c.pollIssues(ctx, client, owner, repo, req.State)
	default:
		return nil, connector.UnsupportedComponent(ServiceID, req.Component)
	}
}

func (c *Connector) pollCommits(ctx context.Context, client *gh.Client, owner, repo, branch string, state map[string]string) (*connector.PollResult, error) {
	commits, _, err := client.Repositories.ListCommits(ctx, owner, repo, &gh.CommitsListOptions{
		SHA:         branch,
		ListOptions: gh.ListOptions{PerPage: c.pageSize},
	})
	if err != nil {
		return nil, mapError(err)
	}

	last, seen := state[stateLastCommit]
	if !seen {
		baseline := ""
		if len(commits) > 0 {
			baseline = commits[0].GetSHA()
		}
		return &connector.PollResult{State: map[string]string{stateLastCommit: baseline}}, nil
	}

	// Newest first from the API; collect until the cursor, then reverse.
	var fresh []*gh.RepositoryCommit
	found := false
	for _, rc := range commits {
		if rc.GetSHA() == last {
			found = true
			break
		}
		fresh = append(fresh, rc)
	}
	if !found && last != "" {
		c.logger.Warn().Str("repo", owner+"/"+repo).Str("cursor", last).
			Int("fetched", len(commits)).Msg("cursor commit not in page, reporting fetched window")
	}
	if len(fresh) == 0 {
		return &connector.PollResult{}, nil
	}

	events := make([]connector.Event, 0, len(fresh))
	for i := len(fresh) - 1; i >= 0; i-- {
		rc := fresh[i]
		commit := rc.GetCommit()
		committed := commit.GetCommitter().GetDate().Time
		if committed.IsZero() {
			committed = commit.GetAuthor().GetDate().Time
		}
		events = append(events, connector.Event{
			ID:         rc.GetSHA(),
			OccurredAt: committed,
			Payload: map[string]any{
				"sha":          rc.GetSHA(),
				"message":      commit.GetMessage(),
				"author_name":  commit.GetAuthor().GetName(),
				"author_email": commit.GetAuthor().GetEmail(),
				"url":          rc.GetHTMLURL(),
				"committed_at": committed.UTC().Format(time.RFC3339),
				"repository":   owner + "/" + repo,
			},
			Cursor: map[string]string{stateLastCommit: rc.GetSHA()},
		})
	}
	return &connector.PollResult{Events: events, State: events[len(events)-1].Cursor}, nil
}

func (c *Connector) pollIssues(ctx context.Context, client *gh.Client, owner, repo string, state map[string]string) (*connector.PollResult, error) {
	issues, _, err := client.Issues.ListByRepo(ctx, owner, repo, &gh.IssueListByRepoOptions{
		State:       "all",
		Sort:        "created",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: c.pageSize},
	})
	if err != nil {
		return nil, mapError(err)
	}

	var newest int
	for _, is := range issues {
		if !is.IsPullRequest() && is.GetNumber() > newest {
			newest = is.GetNumber()
		}
	}

	raw, seen := state[stateLastIssue]
	if !seen {
		return &connector.PollResult{State: map[string]string{stateLastIssue: fmt.Sprint(newest)}}, nil
	}
	var last int
	if _, err := fmt.Sscan(raw, &last); err != nil {
		return &connector.PollResult{State: map[string]string{stateLastIssue: fmt.Sprint(newest)}}, nil
	}

	var events []connector.Event
	for i := len(issues) - 1; i >= 0; i-- {
		is := issues[i]
		if is.IsPullRequest() || is.GetNumber() <= last {
			continue
		}
		created := is.GetCreatedAt().Time
		events = append(events, connector.Event{
			ID:         fmt.Sprintf("%s/%s#%d", owner, repo, is.GetNumber()),
			OccurredAt: created,
			Payload: map[string]any{
				"number":      is.GetNumber(),
				"title":       is.GetTitle(),
				"body":        is.GetBody(),
				"author_name": is.GetUser().GetLogin(),
				"url":         is.GetHTMLURL(),
				"created_at":  created.UTC().Format(time.RFC3339),
				"repository":  owner + "/" + repo,
			},
			Cursor: map[string]string{stateLastIssue: fmt.Sprint(is.GetNumber())},
		})
	}
	if len(events) == 0 {
		return &connector.PollResult{}, nil
	}
	return &connector.PollResult{Events: events, State: events[len(events)-1].Cursor}, nil
}

// Execute performs an issue reaction.
func (c *Connector) Execute(ctx context.Context, req connector.ExecuteRequest) (connector.Outcome, error) {
	owner, err := connector.Require(req.Params, "owner")
	if err != nil {
		return connector.Rejected(err)
	}
	repo, err := connector.Require(req.Params, "repo")
	if err != nil {
		return connector.Rejected(err)
	}
	client, err := c.client(ctx, req.OwnerID)
	if err != nil {
		return connector.Outcome{}, err
	}

	switch connector.ComponentName(req.Component) {
	case "create_issue":
		return c.createIssue(ctx, client, owner, repo, req.Params)
	case "comment_issue":
		return c.commentIssue(ctx, client, owner, repo, req.Params)
	default:
		return connector.Outcome{}, connector.UnsupportedComponent(ServiceID, req.Component)
	}
}

func (c *Connector) createIssue(ctx context.Context, client *gh.Client, owner, repo string, params map[string]string) (connector.Outcome, error) {
	title, err := connector.Require(params, "title")
	if err != nil {
		return connector.Rejected(err)
	}
	issue := &gh.IssueRequest{Title: gh.String(title)}
	if body := params["body"]; body != "" {
		issue.Body = gh.String(body)
	}
	if labels := splitLabels(params["labels"]); len(labels) > 0 {
		issue.Labels = &labels
	}

	created, _, err := client.Issues.Create(ctx, owner, repo, issue)
	if err != nil {
		return connector.Rejected(mapError(err))
	}
	c.logger.Info().Str("repo", owner+"/"+repo).Int("number", created.GetNumber()).Msg("issue created")
	return connector.Succeeded(
		fmt.Sprintf("created issue #%d", created.GetNumber()),
		map[string]any{"number": created.GetNumber(), "url": created.GetHTMLURL()},
	), nil
}

func (c *Connector) commentIssue(ctx context.Context, client *gh.Client, owner, repo string, params map[string]string) (connector.Outcome, error) {
	number, err := connector.IntParam(params, "number", 0)
	if err != nil {
		return connector.Rejected(err)
	}
	if number <= 0 {
		return connector.Failed("parameter \"number\" must be a positive issue number"), nil
	}
	body, err := connector.Require(params, "body")
	if err != nil {
		return connector.Rejected(err)
	}

	comment, _, err := client.Issues.CreateComment(ctx, owner, repo, number, &gh.IssueComment{Body: gh.String(body)})
	if err != nil {
		return connector.Rejected(mapError(err))
	}
	return connector.Succeeded(
		fmt.Sprintf("commented on #%d", number),
		map[string]any{"comment_id": comment.GetID(), "url": comment.GetHTMLURL()},
	), nil
}

func splitLabels(raw string) []string {
	var out []string
	for _, l := range strings.Split(raw, ",") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// mapError translates go-github errors into the engine's error kinds.
func mapError(err error) error {
	var rle *gh.RateLimitError
	if errors.As(err, &rle) {
		apiErr := perrors.NewAPIError(ServiceID, http.StatusTooManyRequests, rle.Message)
		apiErr.Err = perrors.ErrRateLimit
		apiErr.RetryAfter = time.Until(rle.Rate.Reset.Time)
		return apiErr
	}
	var abuse *gh.AbuseRateLimitError
	if errors.As(err, &abuse) {
		apiErr := perrors.NewAPIError(ServiceID, http.StatusTooManyRequests, abuse.Message)
		apiErr.Err = perrors.ErrRateLimit
		apiErr.RetryAfter = abuse.GetRetryAfter()
		return apiErr
	}
	var er *gh.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return perrors.FromStatus(ServiceID, er.Response.StatusCode, er.Message)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("github: %w", perrors.ErrTimeout)
	}
	return fmt.Errorf("github: %w", err)
}
