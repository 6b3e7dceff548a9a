// Package nws talks to the National Weather Service API: the active alert
// feed, forecast and county zone geometry, and local storm reports.
package nws

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/storm-alert-correlator/internal/observability"
	"github.com/couchcryptid/storm-alert-correlator/internal/retry"
)

// Collaborator labels used on the request metrics.
const (
	collabFeed    = "feed"
	collabZone    = "zone"
	collabReports = "reports"
)

// Client is an NWS API client. Every request carries the configured
// User-Agent, which the API requires.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	retry      retry.Policy
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewClient creates an NWS client.
func NewClient(baseURL, userAgent string, timeout time.Duration, policy retry.Policy, logger *slog.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retry:   policy,
		logger:  logger,
		metrics: metrics,
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// get issues a GET with retries. 5xx, 429 and transport errors are retried;
// any other non-2xx status other than 304 is returned at once.
func (c *Client) get(ctx context.Context, collaborator, path string, query url.Values, header http.Header) (response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	start := time.Now()
	var res response
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		r, err := c.do(ctx, u, header)
		if err != nil {
			c.logger.Debug("nws request failed", "collaborator", collaborator, "url", u, "error", err)
			return err
		}
		res = r
		return nil
	})
	c.metrics.CollaboratorDuration.WithLabelValues(collaborator).Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		c.metrics.CollaboratorRequests.WithLabelValues(collaborator, "error").Inc()
		return response{}, err
	case res.status == http.StatusNotModified:
		c.metrics.CollaboratorRequests.WithLabelValues(collaborator, "not_modified").Inc()
	default:
		c.metrics.CollaboratorRequests.WithLabelValues(collaborator, "success").Inc()
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, u string, header http.Header) (response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return response{}, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/geo+json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("nws request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusNotModified:
		return response{status: resp.StatusCode, header: resp.Header, body: body}, nil
	case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
		return response{}, fmt.Errorf("nws API error: status %d: %s", resp.StatusCode, body)
	default:
		return response{}, retry.Permanent(fmt.Errorf("nws API error: status %d: %s", resp.StatusCode, body))
	}
}

// localPath maps an absolute API URL onto this client's base URL, so zone
// links returned by the feed follow the configured endpoint.
func localPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return ""
	}
	return u.Path
}
