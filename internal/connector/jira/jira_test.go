package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/area/internal/connector"
	perrors "github.com/p-blackswan/area/internal/errors"
)

func setupTestServer(t *testing.T, handler http.HandlerFunc, opts ...Option) *Connector {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	opts = append(opts, WithHTTPClient(server.Client()))
	return New(server.URL, connector.StaticCredentials("jira-token"), zerolog.Nop(), opts...)
}

func searchResult(issues ...Issue) SearchResult {
	return SearchResult{Total: len(issues), Issues: issues}
}

func issue(id, key, summary string) Issue {
	return Issue{ID: id, Key: key, Fields: IssueFields{
		Summary:   summary,
		Created:   "2024-03-01T10:00:00.000+0000",
		Reporter:  &User{DisplayName: "Grace"},
		IssueType: &IssueType{Name: "Bug"},
	}}
}

func pollReq(state map[string]string) connector.PollRequest {
	return connector.PollRequest{
		OwnerID:   "u1",
		Component: "jira.new_issue",
		Params:    map[string]string{"project": "PLAT"},
		State:     state,
	}
}

func TestPoll_Baseline(t *testing.T) {
	c := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/3/search", r.URL.Path)
		assert.Equal(t, "Bearer jira-token", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, `project = "PLAT" ORDER BY created DESC`, body["jql"])
		json.NewEncoder(w).Encode(searchResult(issue("10002", "PLAT-2", "b"), issue("10001", "PLAT-1", "a")))
	})

	res, err := c.Poll(context.Background(), pollReq(nil))
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Equal(t, "10002", res.State[stateLastIssueID])
}

func TestPoll_NewIssues(t *testing.T) {
	c := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(searchResult(
			issue("10003", "PLAT-3", "third"),
			issue("10002", "PLAT-2", "second"),
			issue("10001", "PLAT-1", "first"),
		))
	})

	res, err := c.Poll(context.Background(), pollReq(map[string]string{stateLastIssueID: "10001"}))
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	assert.Equal(t, "PLAT-2", res.Events[0].ID)
	assert.Equal(t, "third", res.Events[1].Payload["summary"])
	assert.Equal(t, "Bug", res.Events[1].Payload["issue_type"])
	assert.Equal(t, "Grace", res.Events[1].Payload["reporter"])
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), res.Events[0].OccurredAt)
	assert.Equal(t, "10003", res.State[stateLastIssueID])
}

func TestPoll_ErrorKinds(t *testing.T) {
	c := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.Poll(context.Background(), pollReq(map[string]string{stateLastIssueID: "1"}))
	assert.True(t, perrors.IsRateLimit(err))
	assert.Equal(t, 12*time.Second, perrors.RetryAfter(err))

	c = setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err = c.Poll(context.Background(), pollReq(map[string]string{stateLastIssueID: "1"}))
	assert.True(t, perrors.IsAuth(err))
}

func TestExecute_CreateIssue(t *testing.T) {
	c := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.Header.Get("Authorization"), "Basic ")
		var req CreateIssueRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "PLAT", req.Fields.Project.Key)
		assert.Equal(t, "Task", req.Fields.IssueType.Name)
		require.NotNil(t, req.Fields.Description)
		assert.Equal(t, "details", req.Fields.Description.Content[0].Content[0].Text)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Issue{ID: "10005", Key: "PLAT-5"})
	}, WithBasicAuth("bot@example.com", "secret"))

	out, err := c.Execute(context.Background(), connector.ExecuteRequest{
		Component: "jira.create_issue",
		Params:    map[string]string{"project": "PLAT", "summary": "New task", "description": "details"},
	})
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.Equal(t, "PLAT-5", out.Output["issue_key"])
}

func TestExecute_BadRequestIsFailure(t *testing.T) {
	c := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errors":{"project":"valid project is required"}}`))
	})

	out, err := c.Execute(context.Background(), connector.ExecuteRequest{
		Component: "jira.create_issue",
		Params:    map[string]string{"project": "NOPE", "summary": "x"},
	})
	require.NoError(t, err)
	assert.False(t, out.OK())
	assert.Contains(t, out.Detail, "valid project is required")
}

func TestBearerAuth_NoToken(t *testing.T) {
	req, _ := http.NewRequest("GET", "http://example.com", nil)
	err := (&BearerAuth{}).Apply(req)
	assert.True(t, perrors.IsAuth(err))
}

func TestBasicAuth_Apply(t *testing.T) {
	auth := &BasicAuth{Email: "user@example.com", APIToken: "token123"}
	req, _ := http.NewRequest("GET", "http://example.com", nil)
	require.NoError(t, auth.Apply(req))
	assert.Contains(t, req.Header.Get("Authorization"), "Basic ")
}

func TestPlainDocument(t *testing.T) {
	assert.Nil(t, PlainDocument(""))
	doc := PlainDocument("hello")
	assert.Equal(t, "doc", doc.Type)
	assert.Equal(t, "hello", doc.Content[0].Content[0].Text)
}
