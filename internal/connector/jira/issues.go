package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Issue represents a Jira issue.
type Issue struct {
	ID     string      `json:"id"`
	Key    string      `json:"key"`
	Self   string      `json:"self"`
	Fields IssueFields `json:"fields"`
}

// IssueFields contains the fields the connector reads.
type IssueFields struct {
	Summary   string     `json:"summary"`
	Created   string     `json:"created,omitempty"`
	Reporter  *User      `json:"reporter,omitempty"`
	Project   *Project   `json:"project,omitempty"`
	IssueType *IssueType `json:"issuetype,omitempty"`
}

type User struct {
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName"`
}

type Project struct {
	Key string `json:"key"`
}

type IssueType struct {
	Name string `json:"name"`
}

// SearchResult contains JQL search results.
type SearchResult struct {
	Total      int     `json:"total"`
	MaxResults int     `json:"maxResults"`
	Issues     []Issue `json:"issues"`
}

// CreateIssueRequest is the payload for creating an issue.
type CreateIssueRequest struct {
	Fields CreateIssueFields `json:"fields"`
}

type CreateIssueFields struct {
	Project     Project   `json:"project"`
	Summary     string    `json:"summary"`
	Description *Document `json:"description,omitempty"`
	IssueType   IssueType `json:"issuetype"`
}

// Document is a minimal Atlassian Document Format body.
type Document struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	Content []Node `json:"content"`
}

type Node struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Content []Node `json:"content,omitempty"`
}

// PlainDocument wraps text in a single-paragraph ADF document.
func PlainDocument(text string) *Document {
	if text == "" {
		return nil
	}
	return &Document{
		Type:    "doc",
		Version: 1,
		Content: []Node{{Type: "paragraph", Content: []Node{{Type: "text", Text: text}}}},
	}
}

// CreateIssue creates a new issue.
func (c *Client) CreateIssue(ctx context.Context, req *CreateIssueRequest) (*Issue, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := c.do(ctx, "POST", "/rest/api/3/issue", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating issue: %w", err)
	}

	var issue Issue
	if err := decodeResponse(resp, &issue); err != nil {
		return nil, err
	}

	c.logger.Info().Str("key", issue.Key).Msg("issue created")
	return &issue, nil
}

// SearchIssues performs a JQL search.
func (c *Client) SearchIssues(ctx context.Context, jql string, maxResults int) (*SearchResult, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"jql":        jql,
		"maxResults": maxResults,
		"fields":     []string{"summary", "created", "reporter", "issuetype", "project"},
	})

	resp, err := c.do(ctx, "POST", "/rest/api/3/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("searching issues: %w", err)
	}

	var result SearchResult
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
