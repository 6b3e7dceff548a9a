package nws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
)

// ListReports lists the local storm reports an office issued at or after
// since. Report text is not included; fetch it with ReportText.
func (c *Client) ListReports(ctx context.Context, office string, since time.Time) ([]domain.FieldReport, error) {
	loc := productLocation(office)
	res, err := c.get(ctx, collabReports, "/products/types/LSR/locations/"+url.PathEscape(loc), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list storm reports for %s: %w", loc, err)
	}

	var listing productListing
	if err := json.Unmarshal(res.body, &listing); err != nil {
		return nil, fmt.Errorf("decode storm report listing: %w", err)
	}

	var reports []domain.FieldReport
	for _, item := range listing.Graph {
		if item.IssuanceTime.Before(since) {
			continue
		}
		reports = append(reports, domain.FieldReport{
			ID:       item.ID,
			Office:   office,
			IssuedAt: item.IssuanceTime.UTC(),
		})
	}
	c.logger.Debug("storm reports listed", "office", office, "listed", len(listing.Graph), "since", since, "reports", len(reports))
	return reports, nil
}

// ReportText fetches the text of one storm report.
func (c *Client) ReportText(ctx context.Context, id string) (string, error) {
	res, err := c.get(ctx, collabReports, "/products/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return "", fmt.Errorf("fetch storm report %s: %w", id, err)
	}
	var p product
	if err := json.Unmarshal(res.body, &p); err != nil {
		return "", fmt.Errorf("decode storm report %s: %w", id, err)
	}
	return p.ProductText, nil
}

// productLocation turns a four-letter office identifier into the three-letter
// location the products endpoint expects.
func productLocation(office string) string {
	if len(office) == 4 {
		return office[1:]
	}
	return office
}

type productListing struct {
	Graph []productSummary `json:"@graph"`
}

type productSummary struct {
	ID           string    `json:"id"`
	IssuanceTime time.Time `json:"issuanceTime"`
}

type product struct {
	ID          string `json:"id"`
	ProductText string `json:"productText"`
}
