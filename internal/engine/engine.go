// Package engine classifies hazard alerts against the registry, links events
// to episodes and applies the resulting lifecycle actions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
	"github.com/couchcryptid/storm-alert-correlator/internal/observability"
	"github.com/google/uuid"
)

// Plan is the ordered work produced from one feed batch.
type Plan struct {
	CycleID string
	// Actions are ordered episodes first, then events, then relinks.
	Actions []Action
	Results []ItemResult
	// Deferred counts alerts held back by an unavailable oracle.
	Deferred int
	// PendingLinks counts events whose episode link is still deferred.
	PendingLinks int
}

// Held reports whether the feed watermark must stay put so deferred work is
// seen again next cycle.
func (p Plan) Held() bool {
	return p.Deferred > 0
}

// Engine turns feed batches into plans.
type Engine struct {
	classifier *Classifier
	linker     *Linker
	store      Store
	geometry   GeometryLookup
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// New creates an Engine. geometry is used to retry deferred links and may be nil.
func New(classifier *Classifier, linker *Linker, store Store, geometry GeometryLookup, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		classifier: classifier,
		linker:     linker,
		store:      store,
		geometry:   geometry,
		logger:     logger,
		metrics:    metrics,
	}
}

// Plan classifies batch and links its new events. Events already tracked with
// a deferred link are retried even when batch is empty.
func (e *Engine) Plan(ctx context.Context, batch []domain.Envelope) (Plan, error) {
	cls, err := e.classifier.Classify(ctx, batch)
	if err != nil {
		return Plan{}, fmt.Errorf("classify: %w", err)
	}

	plan := Plan{
		CycleID:  uuid.NewString(),
		Results:  cls.Results,
		Deferred: cls.Deferred,
	}

	snap := NewEpisodeSnapshot(e.store.ActiveEpisodes())
	actions := cls.Actions()
	for _, a := range actions {
		if a.Bucket == BucketNewEpisode {
			snap.Add(a.Target, domain.Coverage(a.Alert.Locations), openedAt(*a.Alert))
		}
	}

	var episodes, events []Action
	closing := make(map[domain.Key]bool)
	for _, a := range actions {
		if a.Alert.Status.Closes() {
			closing[a.Target] = true
		}
		if a.Target.Kind() == domain.KindEpisode {
			episodes = append(episodes, a)
			continue
		}
		if a.Bucket == BucketNewEvent {
			link, err := e.linker.Link(snap, a.Target, a.Alert.Locations, openedAt(*a.Alert))
			switch {
			case errors.Is(err, domain.ErrGeometryUnavailable):
				a.LinkDeferred = true
				plan.PendingLinks++
				e.logger.Info("episode link deferred", "key", a.Target.String(), "error", err)
			case err != nil:
				return Plan{}, err
			default:
				a.Link = &link
			}
		}
		events = append(events, a)
	}

	plan.Actions = append(episodes, events...)
	relinks, pending := e.relinks(ctx, snap, closing)
	plan.Actions = append(plan.Actions, relinks...)
	plan.PendingLinks += pending
	for i := range plan.Actions {
		plan.Actions[i].CycleID = plan.CycleID
	}
	return plan, nil
}

// relinks retries linking for tracked events with a deferred link.
func (e *Engine) relinks(ctx context.Context, snap *EpisodeSnapshot, closing map[domain.Key]bool) ([]Action, int) {
	var (
		out     []Action
		pending int
	)
	for _, ev := range e.store.ActiveEvents() {
		if !ev.LinkPending || ev.EpisodeKey != nil || closing[ev.Key] {
			continue
		}
		locs := domain.CloneLocations(ev.Locations)
		if err := resolveLocations(ctx, e.geometry, locs, nil); err != nil {
			pending++
			e.logger.Debug("geometry still unavailable", "key", ev.Key.String(), "error", err)
			continue
		}
		link, err := e.linker.Link(snap, ev.Key, locs, ev.OpenedAt)
		if err != nil {
			pending++
			continue
		}
		out = append(out, Action{
			ID:        uuid.NewString(),
			Bucket:    BucketUpdatedEvent,
			Target:    ev.Key,
			Link:      &link,
			Locations: locs,
		})
	}
	return out, pending
}
