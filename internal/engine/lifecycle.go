package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
	"github.com/couchcryptid/storm-alert-correlator/internal/observability"
	"github.com/jonboulle/clockwork"
)

// Store is the registry surface the lifecycle writes through. Every change
// to a tracked entity goes through Update so it is decided against the
// committed state.
type Store interface {
	RegistryReader
	Insert(ctx context.Context, e domain.Entity) error
	MarkInactive(ctx context.Context, key domain.Key, at time.Time) error
	Update(ctx context.Context, key domain.Key, fn func(domain.Entity) error) (domain.Entity, error)
	UpdateEvent(ctx context.Context, key domain.Key, fn func(*domain.Event) error) (*domain.Event, error)
	UpdateEpisode(ctx context.Context, key domain.Key, fn func(*domain.Episode) error) (*domain.Episode, error)
	AllActive() iter.Seq[domain.Entity]
	ActiveEvents() []*domain.Event
	ActiveEpisodes() []*domain.Episode
}

// Lifecycle applies actions to the registry. It is the only writer that
// activates keys.
type Lifecycle struct {
	store   Store
	clock   clockwork.Clock
	grace   time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewLifecycle creates a Lifecycle. grace is how long past its expected close
// an entity stays active before SweepExpired closes it.
func NewLifecycle(store Store, clock clockwork.Clock, grace time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Lifecycle {
	return &Lifecycle{
		store:   store,
		clock:   clock,
		grace:   grace,
		logger:  logger,
		metrics: metrics,
	}
}

// Apply commits one action. Once started it runs to completion even if ctx is
// cancelled, so callers check cancellation between actions.
func (l *Lifecycle) Apply(ctx context.Context, act Action) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)

	out, err := l.apply(ctx, act)
	result := "applied"
	switch {
	case errors.Is(err, domain.ErrStaleReference):
		result = "stale"
	case errors.Is(err, domain.ErrUnclassifiedStatus):
		result = "unclassified"
	case err != nil:
		result = "error"
	}
	l.metrics.ActionsApplied.WithLabelValues(string(act.Bucket), result).Inc()
	if err != nil {
		return out, err
	}

	l.logger.Debug("action applied",
		"action_id", act.ID,
		"cycle_id", act.CycleID,
		"bucket", act.Bucket,
		"target", act.Target.String(),
		"outcome", out,
	)
	return out, nil
}

func (l *Lifecycle) apply(ctx context.Context, act Action) (Outcome, error) {
	if act.Alert == nil {
		return l.relink(ctx, act)
	}
	if !act.Alert.Status.Known() {
		return OutcomeUnclassified, fmt.Errorf("apply %s: %w: %q", act.Target, domain.ErrUnclassifiedStatus, act.Alert.Status)
	}

	cur, ok := l.store.Lookup(act.Target)
	if !ok {
		if !act.Bucket.IsNew() {
			return "", fmt.Errorf("apply %s: %w", act.Target, domain.ErrNotFound)
		}
		if act.Alert.Status.Closes() {
			return OutcomeSkipped, nil
		}
		out, err := l.create(ctx, act)
		if !errors.Is(err, domain.ErrDuplicateKey) {
			return out, err
		}
		l.conflict(act.Target, "create")
		if cur, ok = l.store.Lookup(act.Target); !ok {
			return "", err
		}
	}
	if !cur.IsActive() {
		return OutcomeStale, fmt.Errorf("apply %s %s: %w", act.Alert.Status, act.Target, domain.ErrStaleReference)
	}

	// A create for a key already committed is a redelivery: merge it.
	switch v := cur.(type) {
	case *domain.Event:
		return l.updateEvent(ctx, v, act)
	case *domain.Episode:
		return l.updateEpisode(ctx, v, act)
	}
	return "", fmt.Errorf("apply %s: unsupported entity %T", act.Target, cur)
}

func (l *Lifecycle) create(ctx context.Context, act Action) (Outcome, error) {
	alert := act.Alert
	key := act.Target

	if key.Kind() == domain.KindEpisode {
		ep := &domain.Episode{
			Key:           key,
			HazardType:    alert.HazardType,
			Locations:     relabel(alert.Locations, key, &key),
			OpenedAt:      openedAt(*alert),
			ExpectedClose: cloneTimePtr(alert.ExpectedClose),
			PriorKey:      cloneKeyPtr(act.PriorKey),
			State:         domain.StatePending,
			Headline:      alert.Headline,
			Description:   alert.Description,
			AlertIDs:      domain.AppendUnique(nil, alert.ID),
		}
		ep.Active, ep.State = true, domain.StateActive
		if err := l.store.Insert(ctx, ep); err != nil {
			return "", err
		}
		l.logger.Info("episode opened", "key", key.String(), "hazard", alert.HazardType, "product", alert.HazardType.Name(), "alert_id", alert.ID)
		return OutcomeNewEpisode, nil
	}

	ev := &domain.Event{
		Key:             key,
		HazardType:      alert.HazardType,
		Locations:       relabel(alert.Locations, key, nil),
		OpenedAt:        openedAt(*alert),
		ExpectedClose:   cloneTimePtr(alert.ExpectedClose),
		Confirmed:       alert.Observed(),
		PriorKey:        cloneKeyPtr(act.PriorKey),
		PolledReportIDs: domain.NewIDSet(),
		State:           domain.StatePending,
		Headline:        alert.Headline,
		Description:     alert.Description,
		Severity:        alert.Severity,
		Certainty:       alert.Certainty,
		AlertIDs:        domain.AppendUnique(nil, alert.ID),
		LinkPending:     act.LinkDeferred,
	}
	ev.Active, ev.State = true, domain.StateActive
	if err := l.attach(ctx, ev, act.Link); err != nil {
		return "", err
	}
	if err := l.store.Insert(ctx, ev); err != nil {
		return "", err
	}
	l.logger.Info("event opened",
		"key", key.String(),
		"hazard", alert.HazardType,
		"product", alert.HazardType.Name(),
		"alert_id", alert.ID,
		"episode", keyString(ev.EpisodeKey),
		"link_pending", ev.LinkPending,
	)
	return OutcomeNewEvent, nil
}

// updateEvent folds an alert into a tracked event. The episode is grown from
// a preview first; the event itself is rewritten under the registry lock, so
// writes committed since snap was read are kept.
func (l *Lifecycle) updateEvent(ctx context.Context, snap *domain.Event, act Action) (Outcome, error) {
	alert := act.Alert
	if alert.Status.Closes() {
		return l.close(ctx, snap.Key, domain.KindEvent, alert)
	}

	preview := snap.Clone()
	foldEvent(preview, act)
	if err := l.attach(ctx, preview, act.Link); err != nil {
		return "", err
	}

	_, err := l.store.UpdateEvent(ctx, snap.Key, func(ev *domain.Event) error {
		if !ev.Active {
			return fmt.Errorf("apply %s %s: %w", alert.Status, ev.Key, domain.ErrStaleReference)
		}
		foldEvent(ev, act)
		linkEvent(ev, act.Link)
		return nil
	})
	if err != nil {
		return staleOutcome(err), err
	}
	return OutcomeUpdatedEvent, nil
}

func (l *Lifecycle) updateEpisode(ctx context.Context, snap *domain.Episode, act Action) (Outcome, error) {
	alert := act.Alert
	if alert.Status.Closes() {
		return l.close(ctx, snap.Key, domain.KindEpisode, alert)
	}

	_, err := l.store.UpdateEpisode(ctx, snap.Key, func(ep *domain.Episode) error {
		if !ep.Active {
			return fmt.Errorf("apply %s %s: %w", alert.Status, ep.Key, domain.ErrStaleReference)
		}
		foldEpisode(ep, act)
		return nil
	})
	if err != nil {
		return staleOutcome(err), err
	}
	return OutcomeUpdatedEpisode, nil
}

func (l *Lifecycle) close(ctx context.Context, key domain.Key, kind domain.Kind, alert *domain.Alert) (Outcome, error) {
	if err := l.store.MarkInactive(ctx, key, l.clock.Now()); err != nil {
		return OutcomeStale, err
	}
	l.logger.Info("hazard closed", "key", key.String(), "kind", kind, "status", alert.Status, "alert_id", alert.ID)
	return Outcome(bucketFor(kind, false)), nil
}

// relink re-applies resolved geometry and an episode decision to an event
// whose earlier link was deferred.
func (l *Lifecycle) relink(ctx context.Context, act Action) (Outcome, error) {
	e, ok := l.store.Lookup(act.Target)
	if !ok {
		return "", fmt.Errorf("relink %s: %w", act.Target, domain.ErrNotFound)
	}
	snap, ok := e.(*domain.Event)
	if !ok {
		return "", fmt.Errorf("relink %s: %w", act.Target, domain.ErrNotFound)
	}
	if !snap.Active {
		return OutcomeStale, fmt.Errorf("relink %s: %w", act.Target, domain.ErrStaleReference)
	}

	preview := snap.Clone()
	preview.Locations = domain.MergeLocations(preview.Locations, relabel(act.Locations, preview.Key, preview.EpisodeKey))
	if err := l.attach(ctx, preview, act.Link); err != nil {
		return "", err
	}

	next, err := l.store.UpdateEvent(ctx, act.Target, func(ev *domain.Event) error {
		if !ev.Active {
			return fmt.Errorf("relink %s: %w", ev.Key, domain.ErrStaleReference)
		}
		ev.Locations = domain.MergeLocations(ev.Locations, relabel(act.Locations, ev.Key, ev.EpisodeKey))
		linkEvent(ev, act.Link)
		return nil
	})
	if err != nil {
		return staleOutcome(err), err
	}
	l.logger.Info("deferred link resolved", "key", next.Key.String(), "episode", keyString(next.EpisodeKey))
	return OutcomeUpdatedEvent, nil
}

// attach applies link to ev and grows the episode with the event's locations.
// The episode is written before the event, so an event never names an
// episode that was not committed.
func (l *Lifecycle) attach(ctx context.Context, ev *domain.Event, link *Link) error {
	create := linkEvent(ev, link)
	if ev.EpisodeKey == nil {
		return nil
	}
	return l.growEpisode(ctx, *ev.EpisodeKey, ev, create)
}

var errEpisodeUnchanged = errors.New("episode unchanged")

func (l *Lifecycle) growEpisode(ctx context.Context, key domain.Key, ev *domain.Event, create bool) error {
	if create {
		ep := &domain.Episode{
			Key:           key,
			HazardType:    ev.HazardType,
			Locations:     relabel(ev.Locations, ev.Key, &key),
			OpenedAt:      ev.OpenedAt,
			ExpectedClose: cloneTimePtr(ev.ExpectedClose),
			State:         domain.StateActive,
			Active:        true,
			Headline:      ev.Headline,
			Implicit:      true,
		}
		err := l.store.Insert(ctx, ep)
		if err == nil {
			l.logger.Info("implicit episode opened", "key", key.String(), "event", ev.Key.String())
			return nil
		}
		if !errors.Is(err, domain.ErrDuplicateKey) {
			return fmt.Errorf("open implicit episode %s: %w", key, err)
		}
		l.conflict(key, "open implicit episode")
	}

	locs := relabel(ev.Locations, ev.Key, &key)
	_, err := l.store.UpdateEpisode(ctx, key, func(ep *domain.Episode) error {
		if !ep.Active {
			return errEpisodeUnchanged
		}
		merged := domain.MergeLocations(ep.Locations, locs)
		if !grew(ep.Locations, merged) {
			return errEpisodeUnchanged
		}
		ep.Locations = merged
		return nil
	})
	switch {
	case err == nil, errors.Is(err, errEpisodeUnchanged):
		return nil
	case errors.Is(err, domain.ErrNotFound):
		l.logger.Debug("linked episode not committed yet", "event", ev.Key.String(), "episode", key.String())
		return nil
	}
	return fmt.Errorf("grow episode %s: %w", key, err)
}

// conflict records an insert that lost to a write committed since the
// lifecycle last looked. The committed entity wins.
func (l *Lifecycle) conflict(key domain.Key, op string) {
	l.metrics.RegistryConflicts.Inc()
	l.logger.Warn("registry key committed concurrently",
		"key", key.String(),
		"op", op,
		"error", domain.ErrRegistryConflict,
	)
}

// Close ends the entity under key at the given time.
func (l *Lifecycle) Close(ctx context.Context, key domain.Key, at time.Time) error {
	if err := l.store.MarkInactive(context.WithoutCancel(ctx), key, at); err != nil {
		return err
	}
	l.logger.Info("hazard closed", "key", key.String(), "kind", key.Kind(), "at", at.UTC())
	return nil
}

// SweepExpired closes every active entity whose expected close plus the
// completion grace has passed. It returns how many were closed.
func (l *Lifecycle) SweepExpired(ctx context.Context) (int, error) {
	now := l.clock.Now()
	closed := 0
	for e := range l.store.AllActive() {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		exp := expectedClose(e)
		if exp == nil || now.Before(exp.Add(l.grace)) {
			continue
		}
		if err := l.store.MarkInactive(ctx, e.EntityKey(), now); err != nil {
			if errors.Is(err, domain.ErrStaleReference) || errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return closed, fmt.Errorf("expire %s: %w", e.EntityKey(), err)
		}
		closed++
		l.metrics.EntitiesExpired.WithLabelValues(string(e.EntityKind())).Inc()
		l.logger.Info("hazard expired", "key", e.EntityKey().String(), "kind", e.EntityKind(), "expected_close", exp.UTC())
	}
	return closed, nil
}

// Confirm marks an active event confirmed on an operator's word.
func (l *Lifecycle) Confirm(ctx context.Context, key domain.Key) (*domain.Event, error) {
	ev, err := l.store.UpdateEvent(context.WithoutCancel(ctx), key, func(ev *domain.Event) error {
		if !ev.Active {
			return fmt.Errorf("confirm %s: %w", key, domain.ErrStaleReference)
		}
		ev.Confirmed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.metrics.EventsConfirmed.Inc()
	l.logger.Info("event confirmed by operator", "key", key.String())
	return ev, nil
}

// Amendment is an operator edit of an active entity. Nil fields are left as is.
type Amendment struct {
	Headline      *string           `json:"headline,omitempty"`
	Description   *string           `json:"description,omitempty"`
	ExpectedClose *time.Time        `json:"expected_close,omitempty"`
	Locations     []domain.Location `json:"locations,omitempty"`
}

// Amend applies an operator edit. Locations are merged, never dropped.
func (l *Lifecycle) Amend(ctx context.Context, key domain.Key, a Amendment) (domain.Entity, error) {
	return l.store.Update(context.WithoutCancel(ctx), key, func(e domain.Entity) error {
		if !e.IsActive() {
			return fmt.Errorf("amend %s: %w", key, domain.ErrStaleReference)
		}
		switch v := e.(type) {
		case *domain.Event:
			amendFields(&v.Headline, &v.Description, &v.ExpectedClose, a)
			v.Locations = domain.MergeLocations(v.Locations, relabel(a.Locations, v.Key, v.EpisodeKey))
		case *domain.Episode:
			amendFields(&v.Headline, &v.Description, &v.ExpectedClose, a)
			v.Locations = domain.MergeLocations(v.Locations, relabel(a.Locations, v.Key, &v.Key))
		}
		return nil
	})
}

// Register opens an entity supplied by an operator. The key must be untracked.
func (l *Lifecycle) Register(ctx context.Context, e domain.Entity) error {
	now := l.clock.Now().UTC()
	switch v := e.(type) {
	case *domain.Event:
		if v.OpenedAt.IsZero() {
			v.OpenedAt = now
		}
		if v.PolledReportIDs == nil {
			v.PolledReportIDs = domain.NewIDSet()
		}
		v.Locations = relabel(v.Locations, v.Key, v.EpisodeKey)
		v.Active, v.State, v.Revision = true, domain.StateActive, 0
	case *domain.Episode:
		if v.OpenedAt.IsZero() {
			v.OpenedAt = now
		}
		v.Locations = relabel(v.Locations, v.Key, &v.Key)
		v.Active, v.State, v.Revision = true, domain.StateActive, 0
	default:
		return fmt.Errorf("register %s: unsupported entity %T", e.EntityKey(), e)
	}
	if err := l.store.Insert(context.WithoutCancel(ctx), e); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	l.logger.Info("hazard registered by operator", "key", e.EntityKey().String(), "kind", e.EntityKind())
	return nil
}

// foldEvent applies an alert's fields to ev. A replacing status overwrites;
// anything else merges.
func foldEvent(ev *domain.Event, act Action) {
	alert := act.Alert
	locs := relabel(alert.Locations, ev.Key, ev.EpisodeKey)
	if alert.Status.Replaces() {
		ev.Locations = locs
		ev.ExpectedClose = cloneTimePtr(alert.ExpectedClose)
		ev.Headline, ev.Description = alert.Headline, alert.Description
		ev.Severity, ev.Certainty = alert.Severity, alert.Certainty
	} else {
		ev.Locations = domain.MergeLocations(ev.Locations, locs)
		mergeText(&ev.Headline, &ev.Description, &ev.ExpectedClose, alert)
	}
	if alert.Observed() {
		ev.Confirmed = true
	}
	ev.AlertIDs = domain.AppendUnique(ev.AlertIDs, alert.ID)
	recordSuccession(&ev.PriorKey, &ev.Aliases, ev.Key, act)
	if act.LinkDeferred && ev.EpisodeKey == nil {
		ev.LinkPending = true
	}
}

func foldEpisode(ep *domain.Episode, act Action) {
	alert := act.Alert
	locs := relabel(alert.Locations, ep.Key, &ep.Key)
	if alert.Status.Replaces() {
		ep.Locations = locs
		ep.ExpectedClose = cloneTimePtr(alert.ExpectedClose)
		ep.Headline, ep.Description = alert.Headline, alert.Description
	} else {
		ep.Locations = domain.MergeLocations(ep.Locations, locs)
		mergeText(&ep.Headline, &ep.Description, &ep.ExpectedClose, alert)
	}
	ep.AlertIDs = domain.AppendUnique(ep.AlertIDs, alert.ID)
	recordSuccession(&ep.PriorKey, &ep.Aliases, ep.Key, act)
}

func mergeText(headline, description *string, expected **time.Time, alert *domain.Alert) {
	if alert.ExpectedClose != nil {
		*expected = cloneTimePtr(alert.ExpectedClose)
	}
	if alert.Headline != "" {
		*headline = alert.Headline
	}
	if alert.Description != "" {
		*description = alert.Description
	}
}

// linkEvent points an unlinked event at link's episode and labels its
// locations with the event's episode. It reports whether the episode is to
// be opened implicitly.
func linkEvent(ev *domain.Event, link *Link) bool {
	create := false
	if link != nil && ev.EpisodeKey == nil {
		key := link.EpisodeKey
		ev.EpisodeKey = &key
		ev.LinkPending = false
		create = link.Create
	}
	if ev.EpisodeKey != nil {
		for i := range ev.Locations {
			ev.Locations[i].EpisodeKey = cloneKeyPtr(ev.EpisodeKey)
		}
	}
	return create
}

func staleOutcome(err error) Outcome {
	if errors.Is(err, domain.ErrStaleReference) {
		return OutcomeStale
	}
	return ""
}

func amendFields(headline, description *string, expected **time.Time, a Amendment) {
	if a.Headline != nil {
		*headline = *a.Headline
	}
	if a.Description != nil {
		*description = *a.Description
	}
	if a.ExpectedClose != nil {
		*expected = cloneTimePtr(a.ExpectedClose)
	}
}

// recordSuccession notes the referenced key an alert succeeds and the alert's
// own key when it differs from the entity it updates.
func recordSuccession(prior **domain.Key, aliases *[]domain.Key, self domain.Key, act Action) {
	if act.PriorKey != nil && *act.PriorKey != self {
		*prior = cloneKeyPtr(act.PriorKey)
	}
	if act.Alias != nil && *act.Alias != self && !domain.HasAlias(*aliases, *act.Alias) {
		*aliases = append(*aliases, *act.Alias)
	}
}

// relabel copies locs under a new owner.
func relabel(locs []domain.Location, eventKey domain.Key, episodeKey *domain.Key) []domain.Location {
	out := domain.CloneLocations(locs)
	for i := range out {
		out[i].EventKey = eventKey
		out[i].EpisodeKey = cloneKeyPtr(episodeKey)
	}
	return out
}

// grew reports whether after adds locations or areas to before.
func grew(before, after []domain.Location) bool {
	if len(after) != len(before) {
		return true
	}
	for i := range before {
		if before[i].Area.IsEmpty() && !after[i].Area.IsEmpty() {
			return true
		}
	}
	return false
}

func expectedClose(e domain.Entity) *time.Time {
	switch v := e.(type) {
	case *domain.Event:
		return v.ExpectedClose
	case *domain.Episode:
		return v.ExpectedClose
	}
	return nil
}

// openedAt is when an alert's hazard took effect.
func openedAt(a domain.Alert) time.Time {
	if !a.Effective.IsZero() {
		return a.Effective
	}
	return a.SentAt
}

func keyString(k *domain.Key) string {
	if k == nil {
		return ""
	}
	return k.String()
}

func cloneKeyPtr(k *domain.Key) *domain.Key {
	if k == nil {
		return nil
	}
	c := *k
	return &c
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
