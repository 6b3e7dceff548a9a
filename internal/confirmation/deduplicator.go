// Package confirmation attaches field reports to tracked events. Each report
// is processed at most once per event; a report that fails mid-processing is
// left for the next cycle.
package confirmation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
	"github.com/couchcryptid/storm-alert-correlator/internal/geometry"
	"github.com/couchcryptid/storm-alert-correlator/internal/observability"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ReportSource lists field reports issued by an office since a given time
// and fetches one report's text on demand.
type ReportSource interface {
	ListReports(ctx context.Context, office string, since time.Time) ([]domain.FieldReport, error)
	ReportText(ctx context.Context, id string) (string, error)
}

// Extractor asks the oracle where a report places the hazard. Failures wrap
// domain.ErrOracleUnavailable.
type Extractor interface {
	ExtractLocation(ctx context.Context, req domain.ExtractionRequest) (domain.Extraction, error)
}

// Store is the registry surface the deduplicator reads and writes.
type Store interface {
	Event(key domain.Key) (*domain.Event, error)
	ActiveEvents() []*domain.Event
	UpdateEvent(ctx context.Context, key domain.Key, fn func(*domain.Event) error) (*domain.Event, error)
}

// Options bounds the deduplicator's use of its collaborators.
type Options struct {
	MaxConcurrent int
	// RatePerSec paces oracle calls across all events. Zero means unlimited.
	RatePerSec float64
}

// Summary totals one RunCycle.
type Summary struct {
	Events    int
	Fetched   int
	Accepted  int
	Rejected  int
	Deferred  int
	Confirmed int
	Failed    int
}

// EventResult reports the confirmation pass over one event.
type EventResult struct {
	Key       domain.Key `json:"key"`
	Fetched   int        `json:"fetched"`
	New       int        `json:"new"`
	Accepted  int        `json:"accepted"`
	Rejected  int        `json:"rejected"`
	Deferred  int        `json:"deferred"`
	Confirmed bool       `json:"confirmed"`
}

// Deduplicator runs the confirmation workflow.
type Deduplicator struct {
	store     Store
	reports   ReportSource
	extractor Extractor
	limiter   *rate.Limiter
	opts      Options
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// New creates a Deduplicator.
func New(store Store, reports ReportSource, extractor Extractor, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Deduplicator {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	return &Deduplicator{
		store:     store,
		reports:   reports,
		extractor: extractor,
		limiter:   rate.NewLimiter(limit, 1),
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
	}
}

// RunCycle processes every active, unconfirmed event. A failure on one event
// is logged and counted; it does not stop the others.
func (d *Deduplicator) RunCycle(ctx context.Context) (Summary, error) {
	var pending []*domain.Event
	for _, ev := range d.store.ActiveEvents() {
		if !ev.Confirmed {
			pending = append(pending, ev)
		}
	}

	results := make([]EventResult, len(pending))
	failed := make([]bool, len(pending))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.MaxConcurrent)
	for i, ev := range pending {
		g.Go(func() error {
			res, err := d.confirm(gctx, ev)
			results[i] = res
			if err != nil {
				failed[i] = true
				d.logger.Warn("confirmation failed", "key", ev.Key.String(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	sum := Summary{Events: len(pending)}
	for i, r := range results {
		sum.Fetched += r.Fetched
		sum.Accepted += r.Accepted
		sum.Rejected += r.Rejected
		sum.Deferred += r.Deferred
		if r.Confirmed {
			sum.Confirmed++
		}
		if failed[i] {
			sum.Failed++
		}
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}

// ConfirmEvent runs the workflow for one event on demand.
func (d *Deduplicator) ConfirmEvent(ctx context.Context, key domain.Key) (EventResult, error) {
	ev, err := d.store.Event(key)
	if err != nil {
		return EventResult{Key: key}, err
	}
	if !ev.Active {
		return EventResult{Key: key}, fmt.Errorf("confirm %s: %w", key, domain.ErrStaleReference)
	}
	return d.confirm(ctx, ev)
}

var errAlreadyPolled = errors.New("report already polled")

func (d *Deduplicator) confirm(ctx context.Context, ev *domain.Event) (EventResult, error) {
	res := EventResult{Key: ev.Key, Confirmed: ev.Confirmed}

	reports, err := d.reports.ListReports(ctx, ev.Key.Office, ev.OpenedAt)
	if err != nil {
		return res, fmt.Errorf("fetch reports for %s: %w", ev.Key, err)
	}
	res.Fetched = len(reports)

	var fresh []domain.FieldReport
	for _, r := range reports {
		if !ev.PolledReportIDs.Has(r.ID) {
			fresh = append(fresh, r)
		}
	}
	res.New = len(fresh)
	if len(fresh) == 0 {
		d.logger.Debug("no new reports", "key", ev.Key.String(), "fetched", res.Fetched)
		return res, nil
	}

	var errs []error
	for _, r := range fresh {
		text, err := d.reports.ReportText(ctx, r.ID)
		if err != nil {
			d.metrics.ConfirmationReports.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("report %s: %w", r.ID, err))
			continue
		}
		r.Text = text

		if err := d.limiter.Wait(ctx); err != nil {
			return res, err
		}
		accepted, err := d.process(ctx, ev, r, &res)
		switch {
		case errors.Is(err, errAlreadyPolled):
			continue
		case errors.Is(err, domain.ErrOracleUnavailable):
			res.Deferred++
			d.metrics.ConfirmationReports.WithLabelValues("deferred").Inc()
			d.logger.Warn("report deferred", "key", ev.Key.String(), "report_id", r.ID, "error", err)
			continue
		case err != nil:
			d.metrics.ConfirmationReports.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("report %s: %w", r.ID, err))
			continue
		}
		if accepted {
			res.Accepted++
			d.metrics.ConfirmationReports.WithLabelValues("accepted").Inc()
		} else {
			res.Rejected++
			d.metrics.ConfirmationReports.WithLabelValues("rejected").Inc()
		}
	}
	return res, errors.Join(errs...)
}

// process evaluates one report and commits its effect together with the
// polled mark.
func (d *Deduplicator) process(ctx context.Context, ev *domain.Event, r domain.FieldReport, res *EventResult) (bool, error) {
	ext, err := d.extractor.ExtractLocation(ctx, domain.ExtractionRequest{
		EventKey:   ev.Key,
		HazardType: ev.HazardType,
		Report:     r,
		Locations:  domain.CloneLocations(ev.Locations),
	})
	if err != nil {
		return false, err
	}

	code, ok := validate(ev.Locations, ext)
	if ext.Found && !ok {
		d.logger.Info("report point outside event coverage",
			"key", ev.Key.String(),
			"report_id", r.ID,
			"location_index", ext.LocationIndex,
			"lat", ext.Point.Lat,
			"lon", ext.Point.Lon,
		)
	}

	updated, err := d.store.UpdateEvent(ctx, ev.Key, func(e *domain.Event) error {
		if !e.Active {
			return fmt.Errorf("event %s: %w", e.Key, domain.ErrStaleReference)
		}
		if e.PolledReportIDs.Has(r.ID) {
			return errAlreadyPolled
		}
		if e.PolledReportIDs == nil {
			e.PolledReportIDs = domain.NewIDSet()
		}
		e.PolledReportIDs[r.ID] = struct{}{}
		if !ok {
			return nil
		}
		for i := range e.Locations {
			if e.Locations[i].AdminCode() == code {
				pt := ext.Point
				e.Locations[i].Observed = &pt
				e.Confirmed = true
				return nil
			}
		}
		ok = false
		return nil
	})
	if err != nil {
		return false, err
	}

	if ok && !res.Confirmed {
		d.metrics.EventsConfirmed.Inc()
		d.logger.Info("event confirmed", "key", ev.Key.String(), "report_id", r.ID)
	}
	res.Confirmed = updated.Confirmed
	return ok, nil
}

// validate checks the oracle's point against the coverage of the location it
// named and returns that location's admin code.
func validate(locs []domain.Location, ext domain.Extraction) (string, bool) {
	if !ext.Found || ext.LocationIndex < 0 || ext.LocationIndex >= len(locs) {
		return "", false
	}
	loc := locs[ext.LocationIndex]
	if !geometry.Contains(loc.Area, ext.Point) {
		return "", false
	}
	return loc.AdminCode(), true
}
