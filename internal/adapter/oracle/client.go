// Package oracle is the client for the reasoning service that reads report
// and alert text: it places field reports within an event's locations and
// judges whether a wind warning meets the configured threshold.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
	"github.com/couchcryptid/storm-alert-correlator/internal/observability"
	"github.com/couchcryptid/storm-alert-correlator/internal/retry"
)

const collaborator = "oracle"

// Client calls the oracle over HTTP. Every failure, including exhausted
// retries and undecodable answers, wraps domain.ErrOracleUnavailable.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      retry.Policy
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewClient creates an oracle client.
func NewClient(baseURL string, timeout time.Duration, policy retry.Policy, logger *slog.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retry:   policy,
		logger:  logger,
		metrics: metrics,
	}
}

// ExtractLocation asks where a field report places the hazard.
func (c *Client) ExtractLocation(ctx context.Context, req domain.ExtractionRequest) (domain.Extraction, error) {
	var resp extractResponse
	if err := c.post(ctx, "/v1/extract-location", req, &resp); err != nil {
		return domain.Extraction{}, fmt.Errorf("extract location for %s report %s: %w", req.EventKey, req.Report.ID, err)
	}
	out := domain.Extraction{Found: resp.Found}
	if resp.Found {
		out.Point = domain.Coordinate{Lat: resp.Latitude, Lon: resp.Longitude}
		out.LocationIndex = resp.LocationIndex
	}
	return out, nil
}

// ValidateWind asks whether the alert's described wind meets the threshold.
func (c *Client) ValidateWind(ctx context.Context, check domain.WindCheck) (bool, error) {
	var resp windResponse
	if err := c.post(ctx, "/v1/validate-wind", check, &resp); err != nil {
		return false, fmt.Errorf("validate wind for %s: %w", check.AlertID, err)
	}
	return resp.MeetsThreshold, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	start := time.Now()
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, c.baseURL+path, payload, out)
	})
	c.metrics.CollaboratorDuration.WithLabelValues(collaborator).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.CollaboratorRequests.WithLabelValues(collaborator, "error").Inc()
		c.logger.Warn("oracle request failed", "path", path, "error", err)
		return fmt.Errorf("%w: %w", domain.ErrOracleUnavailable, err)
	}
	c.metrics.CollaboratorRequests.WithLabelValues(collaborator, "success").Inc()
	return nil
}

func (c *Client) do(ctx context.Context, u string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("oracle request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("oracle API error: status %d: %s", resp.StatusCode, body)
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return err
		}
		return retry.Permanent(err)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// Oracle API response types.

type extractResponse struct {
	Found         bool    `json:"found"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	LocationIndex int     `json:"location_index"`
}

type windResponse struct {
	MeetsThreshold bool `json:"meets_threshold"`
}
