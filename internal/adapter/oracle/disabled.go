package oracle

import (
	"context"
	"fmt"

	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
)

// Disabled stands in when no oracle is configured. Reports stay unpolled
// until one is, and wind warnings are admitted unchecked.
type Disabled struct{}

func (Disabled) ExtractLocation(_ context.Context, req domain.ExtractionRequest) (domain.Extraction, error) {
	return domain.Extraction{}, fmt.Errorf("extract location for %s: no oracle configured: %w", req.EventKey, domain.ErrOracleUnavailable)
}

func (Disabled) ValidateWind(context.Context, domain.WindCheck) (bool, error) {
	return true, nil
}
