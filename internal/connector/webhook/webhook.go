// Package webhook sends outgoing HTTP requests as a reaction.
package webhook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/area/internal/connector"
	perrors "github.com/p-blackswan/area/internal/errors"
)

// ServiceID is the catalog id of the webhook service.
const ServiceID = "webhook"

const (
	defaultMaxBody     = 64 * 1024 // response bytes kept in the outcome
	defaultContentType = "application/json"
)

// Connector implements connector.Executable for plain HTTP calls.
type Connector struct {
	client  *http.Client
	maxBody int
	logger  zerolog.Logger
}

// New creates a webhook connector. A nil client gets a 30s timeout default.
func New(client *http.Client, logger zerolog.Logger) *Connector {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Connector{
		client:  client,
		maxBody: defaultMaxBody,
		logger:  logger.With().Str("component", "connector-webhook").Logger(),
	}
}

func (c *Connector) Service() string { return ServiceID }

// Execute performs the request. 2xx and 3xx succeed, 4xx is a failure
// outcome, 5xx and transport errors are returned as errors.
func (c *Connector) Execute(ctx context.Context, req connector.ExecuteRequest) (connector.Outcome, error) {
	if connector.ComponentName(req.Component) != "http_request" {
		return connector.Outcome{}, connector.UnsupportedComponent(ServiceID, req.Component)
	}
	target, err := connector.Require(req.Params, "url")
	if err != nil {
		return connector.Rejected(err)
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return connector.Failed("invalid url %q", target), nil
	}

	method := strings.ToUpper(connector.Optional(req.Params, "method", http.MethodPost))
	var body io.Reader
	if b := req.Params["body"]; b != "" && method != http.MethodGet {
		body = strings.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return connector.Failed("build request: %v", err), nil
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", connector.Optional(req.Params, "content_type", defaultContentType))
	}
	httpReq.Header.Set("User-Agent", "area-engine")
	httpReq.Header.Set("X-Area-Id", req.AreaID)

	c.logger.Debug().Str("method", method).Str("host", u.Host).Msg("webhook request")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return connector.Outcome{}, fmt.Errorf("webhook %s: %w", u.Host, perrors.ErrTimeout)
		}
		return connector.Outcome{}, fmt.Errorf("webhook %s: %w: %v", u.Host, perrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, int64(c.maxBody)))
	if resp.StatusCode >= 400 {
		return connector.Rejected(perrors.FromStatus(ServiceID, resp.StatusCode, strings.TrimSpace(string(respBody))))
	}
	return connector.Succeeded(
		fmt.Sprintf("%s %s -> %d", method, u.Host, resp.StatusCode),
		map[string]any{"status": resp.StatusCode, "body": string(respBody)},
	), nil
}
