package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
	"github.com/couchcryptid/storm-alert-correlator/internal/observability"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// RegistryReader is the read side of the registry the classifier needs.
type RegistryReader interface {
	Lookup(key domain.Key) (domain.Entity, bool)
	ResolveAlias(key domain.Key) (domain.Key, bool)
}

// GeometryLookup resolves an affected-area descriptor to its coverage area.
// Implementations must be idempotent and free of side effects.
type GeometryLookup interface {
	LookupArea(ctx context.Context, area domain.AreaDescriptor) (domain.CoverageArea, error)
}

// WindValidator asks the oracle whether a wind warning meets the threshold.
// Failures wrap domain.ErrOracleUnavailable.
type WindValidator interface {
	ValidateWind(ctx context.Context, check domain.WindCheck) (bool, error)
}

// ClassifierOptions tunes a Classifier.
type ClassifierOptions struct {
	Concurrency      int
	WindThresholdMPH int
}

// Classifier partitions a batch of envelopes into the four action buckets.
type Classifier struct {
	registry RegistryReader
	geometry GeometryLookup
	wind     WindValidator
	opts     ClassifierOptions
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewClassifier creates a Classifier. geometry and wind may be nil: locations
// without a feed polygon then stay unresolved, and wind warnings are admitted.
func NewClassifier(reg RegistryReader, geometry GeometryLookup, wind WindValidator, opts ClassifierOptions, logger *slog.Logger, metrics *observability.Metrics) *Classifier {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Classifier{
		registry: reg,
		geometry: geometry,
		wind:     wind,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
	}
}

// Classification is the output of one Classify call. Every envelope produces
// exactly one ItemResult, and every bucketed alert exactly one Action.
type Classification struct {
	Results []ItemResult
	// Deferred counts alerts held back by an unavailable oracle.
	Deferred int

	actions []Action
}

// Actions returns every bucketed action in batch order.
func (c Classification) Actions() []Action {
	return c.actions
}

// Bucket returns the actions of one bucket in batch order.
func (c Classification) Bucket(b Bucket) []Action {
	var out []Action
	for _, a := range c.actions {
		if a.Bucket == b {
			out = append(out, a)
		}
	}
	return out
}

type prepared struct {
	alert  domain.Alert
	result *ItemResult
}

// Classify evaluates the batch. Parsing, admission and geometry resolution
// run in parallel; bucket assignment then runs sequentially in sent order so
// repeated keys within the batch see each other.
func (c *Classifier) Classify(ctx context.Context, batch []domain.Envelope) (Classification, error) {
	items := make([]prepared, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i := range batch {
		g.Go(func() error {
			items[i] = c.prepare(gctx, batch[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Classification{}, err
	}
	if err := ctx.Err(); err != nil {
		return Classification{}, err
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].alert.SentAt.Before(items[j].alert.SentAt)
	})

	var out Classification
	ov := newOverlay()
	for _, it := range items {
		if it.result == nil {
			act, res := c.assign(it.alert, ov)
			it.result = &res
			if act != nil {
				out.add(*act)
			}
		}
		if it.result.Outcome == OutcomeDeferred {
			out.Deferred++
		}
		c.metrics.AlertOutcomes.WithLabelValues(string(it.result.Outcome)).Inc()
		out.Results = append(out.Results, *it.result)
	}
	return out, nil
}

func (c *Classification) add(a Action) {
	c.actions = append(c.actions, a)
}

// prepare runs the order-independent part of classification for one envelope.
func (c *Classifier) prepare(ctx context.Context, env domain.Envelope) prepared {
	var p prepared
	terminal := func(key string, outcome Outcome, reason string) prepared {
		p.result = &ItemResult{AlertID: env.ID, Key: key, Outcome: outcome, Reason: reason}
		return p
	}

	if reason := domain.AdmissionFailure(env); reason != "" {
		c.logger.Debug("alert filtered", "alert_id", env.ID, "reason", reason)
		return terminal("", OutcomeFiltered, reason)
	}

	alert, err := domain.ParseAlert(env)
	if err != nil {
		c.logger.Warn("dropping alert with malformed key", "alert_id", env.ID, "error", err)
		return terminal("", OutcomeMalformed, err.Error())
	}
	p.alert = alert
	key := alert.Key.String()

	if !alert.Status.Known() {
		c.logger.Warn("alert surfaced for review",
			"alert_id", env.ID,
			"key", key,
			"status", alert.Status,
			"error", domain.ErrUnclassifiedStatus,
		)
		return terminal(key, OutcomeUnclassified, fmt.Sprintf("status %q", alert.Status))
	}

	if alert.HazardType == domain.HazardHighWind && c.wind != nil && !alert.Status.Closes() {
		ok, err := c.wind.ValidateWind(ctx, domain.WindCheck{
			AlertID:      alert.ID,
			HazardType:   alert.HazardType,
			Headline:     alert.Headline,
			Description:  alert.Description,
			ThresholdMPH: c.opts.WindThresholdMPH,
		})
		if err != nil {
			c.logger.Warn("wind validation deferred", "alert_id", env.ID, "key", key, "error", err)
			return terminal(key, OutcomeDeferred, err.Error())
		}
		if !ok {
			return terminal(key, OutcomeFiltered, fmt.Sprintf("wind below %d mph", c.opts.WindThresholdMPH))
		}
	}

	if !alert.Status.Closes() {
		if err := c.resolveGeometry(ctx, &p.alert); err != nil {
			c.logger.Warn("geometry unresolved, linking deferred", "alert_id", env.ID, "key", key, "error", err)
		}
	}
	return p
}

// resolveGeometry fills every location without a coverage area from the
// geometry lookup. Locations that cannot be resolved are left empty.
func (c *Classifier) resolveGeometry(ctx context.Context, alert *domain.Alert) error {
	return resolveLocations(ctx, c.geometry, alert.Locations, alert.Areas)
}

func resolveLocations(ctx context.Context, lookup GeometryLookup, locs []domain.Location, areas []domain.AreaDescriptor) error {
	var errs []error
	for i := range locs {
		if !locs[i].Area.IsEmpty() {
			continue
		}
		desc := domain.AreaDescriptor{UGC: locs[i].UGC, SAME: locs[i].SAME}
		if i < len(areas) {
			desc = areas[i]
		}
		if lookup == nil {
			errs = append(errs, fmt.Errorf("%s: no geometry lookup configured", locs[i].AdminCode()))
			continue
		}
		area, err := lookup.LookupArea(ctx, desc)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", locs[i].AdminCode(), err))
			continue
		}
		locs[i].Area = area.Clone()
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrGeometryUnavailable, errors.Join(errs...))
	}
	return nil
}

// overlay records keys created, closed or aliased earlier in the same batch.
type overlay struct {
	active  map[domain.Key]bool
	aliases map[domain.Key]domain.Key
}

func newOverlay() *overlay {
	return &overlay{
		active:  make(map[domain.Key]bool),
		aliases: make(map[domain.Key]domain.Key),
	}
}

// locate finds the entity a key refers to, directly or through an alias.
func (c *Classifier) locate(key domain.Key, ov *overlay) (target domain.Key, known, active bool) {
	if t, ok := ov.aliases[key]; ok {
		key = t
	}
	if a, ok := ov.active[key]; ok {
		return key, true, a
	}
	if e, ok := c.registry.Lookup(key); ok {
		return key, true, e.IsActive()
	}
	if t, ok := c.registry.ResolveAlias(key); ok {
		if a, ok := ov.active[t]; ok {
			return t, true, a
		}
		if e, ok := c.registry.Lookup(t); ok {
			return t, true, e.IsActive()
		}
	}
	return key, false, false
}

// assign places one alert in a bucket, or returns the outcome that keeps it out.
func (c *Classifier) assign(alert domain.Alert, ov *overlay) (*Action, ItemResult) {
	res := ItemResult{AlertID: alert.ID, Key: alert.Key.String()}

	if target, known, active := c.locate(alert.Key, ov); known {
		if !active {
			return c.stale(res, alert, target)
		}
		act := c.newAction(alert, bucketFor(target.Kind(), false), target)
		if target != alert.Key {
			act.Alias = &alert.Key
		}
		if alert.Status.Replaces() && len(alert.References) > 0 {
			act.PriorKey = &alert.References[0]
		}
		if alert.Status.Closes() {
			ov.active[target] = false
		}
		return c.bucketed(res, act)
	}

	if alert.Status == domain.StatusNew || len(alert.References) == 0 {
		return c.create(res, alert, ov)
	}

	sawClosed := false
	for _, ref := range alert.References {
		target, known, active := c.locate(ref, ov)
		if !known {
			continue
		}
		if !active {
			sawClosed = true
			continue
		}
		act := c.newAction(alert, bucketFor(target.Kind(), false), target)
		act.Alias = &alert.Key
		act.PriorKey = &ref
		ov.aliases[alert.Key] = target
		if alert.Status.Closes() {
			ov.active[target] = false
		}
		return c.bucketed(res, act)
	}
	if sawClosed {
		return c.stale(res, alert, alert.References[0])
	}
	return c.create(res, alert, ov)
}

func (c *Classifier) create(res ItemResult, alert domain.Alert, ov *overlay) (*Action, ItemResult) {
	if alert.Status.Closes() {
		res.Outcome, res.Reason = OutcomeSkipped, "closure of untracked hazard"
		c.logger.Debug("skipping closure of untracked hazard", "alert_id", alert.ID, "key", res.Key)
		return nil, res
	}
	act := c.newAction(alert, bucketFor(alert.Key.Kind(), true), alert.Key)
	if len(alert.References) > 0 {
		act.PriorKey = &alert.References[0]
	}
	ov.active[alert.Key] = true
	return c.bucketed(res, act)
}

func (c *Classifier) stale(res ItemResult, alert domain.Alert, target domain.Key) (*Action, ItemResult) {
	res.Outcome, res.Reason = OutcomeStale, fmt.Sprintf("%s is closed", target)
	c.logger.Info("dropping alert for closed key",
		"alert_id", alert.ID,
		"key", res.Key,
		"target", target.String(),
		"status", alert.Status,
		"error", domain.ErrStaleReference,
	)
	return nil, res
}

func (c *Classifier) bucketed(res ItemResult, act Action) (*Action, ItemResult) {
	res.Outcome = Outcome(act.Bucket)
	return &act, res
}

func (c *Classifier) newAction(alert domain.Alert, bucket Bucket, target domain.Key) Action {
	a := alert
	return Action{
		ID:     uuid.NewString(),
		Bucket: bucket,
		Target: target,
		Alert:  &a,
	}
}
