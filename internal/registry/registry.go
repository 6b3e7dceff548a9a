// Package registry holds the set of tracked events and episodes keyed by
// canonical key, optionally mirrored to a durable key-value store.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
	"github.com/couchcryptid/storm-alert-correlator/internal/observability"
	"github.com/jonboulle/clockwork"
)

// Record is one entity as stored in the mirror.
type Record struct {
	Key       string
	Kind      domain.Kind
	Active    bool
	Payload   []byte
	UpdatedAt time.Time
}

// Mirror is the durable key-value store behind the registry. Each registry
// write maps to exactly one Set; there are no cross-key transactions.
type Mirror interface {
	Set(ctx context.Context, rec Record) error
	List(ctx context.Context) ([]Record, error)
}

// Registry is the in-process view of tracked entities. Readers receive deep
// copies; writers replace whole entities under a single lock, so no reader
// observes a torn entity.
type Registry struct {
	mu       sync.RWMutex
	entities map[domain.Key]domain.Entity
	aliases  map[domain.Key]domain.Key

	mirror  Mirror
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock
}

// New creates a registry. A nil mirror keeps state in memory only.
func New(mirror Mirror, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock) *Registry {
	return &Registry{
		entities: make(map[domain.Key]domain.Entity),
		aliases:  make(map[domain.Key]domain.Key),
		mirror:   mirror,
		logger:   logger,
		metrics:  metrics,
		clock:    clock,
	}
}

// Load hydrates the registry from the mirror, replacing anything in memory.
func (r *Registry) Load(ctx context.Context) error {
	if r.mirror == nil {
		return nil
	}
	recs, err := r.mirror.List(ctx)
	if err != nil {
		return fmt.Errorf("list mirror: %w", err)
	}

	entities := make(map[domain.Key]domain.Entity, len(recs))
	aliases := make(map[domain.Key]domain.Key)
	for _, rec := range recs {
		e, err := decodeRecord(rec)
		if err != nil {
			r.logger.Warn("skipping undecodable registry record", "key", rec.Key, "error", err)
			continue
		}
		entities[e.EntityKey()] = e
		for _, a := range aliasesOf(e) {
			aliases[a] = e.EntityKey()
		}
	}

	r.mu.Lock()
	r.entities = entities
	r.aliases = aliases
	r.refreshGaugesLocked()
	r.mu.Unlock()

	r.logger.Info("registry loaded", "entities", len(entities))
	return nil
}

// Lookup returns a copy of the entity stored under key.
func (r *Registry) Lookup(key domain.Key) (domain.Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[key]
	if !ok {
		return nil, false
	}
	return e.CloneEntity(), true
}

// ResolveAlias maps a tracking key reissued for an existing entity back to
// that entity's canonical key.
func (r *Registry) ResolveAlias(key domain.Key) (domain.Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.aliases[key]
	return k, ok
}

// Event returns a copy of the event stored under key.
func (r *Registry) Event(key domain.Key) (*domain.Event, error) {
	e, ok := r.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("event %s: %w", key, domain.ErrNotFound)
	}
	ev, ok := e.(*domain.Event)
	if !ok {
		return nil, fmt.Errorf("event %s: %w", key, domain.ErrNotFound)
	}
	return ev, nil
}

// Episode returns a copy of the episode stored under key.
func (r *Registry) Episode(key domain.Key) (*domain.Episode, error) {
	e, ok := r.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("episode %s: %w", key, domain.ErrNotFound)
	}
	ep, ok := e.(*domain.Episode)
	if !ok {
		return nil, fmt.Errorf("episode %s: %w", key, domain.ErrNotFound)
	}
	return ep, nil
}

// Insert stores e under a key that is not tracked yet. A tracked key fails
// with domain.ErrDuplicateKey and nothing is written.
func (r *Registry) Insert(ctx context.Context, e domain.Entity) error {
	if e.EntityKind() != e.EntityKey().Kind() {
		return fmt.Errorf("insert %s: %s key stored as %s", e.EntityKey(), e.EntityKey().Kind(), e.EntityKind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entities[e.EntityKey()]; ok {
		return fmt.Errorf("insert %s: %w", e.EntityKey(), domain.ErrDuplicateKey)
	}
	return r.commitLocked(ctx, e.CloneEntity(), 0)
}

// Upsert stores e, replacing any entity under the same key. A write carrying
// a revision older than the stored one is a RegistryConflict: it is logged
// and the write still wins. Read-modify-write callers use Update instead.
func (r *Registry) Upsert(ctx context.Context, e domain.Entity) error {
	if e.EntityKind() != e.EntityKey().Kind() {
		return fmt.Errorf("upsert %s: %s key stored as %s", e.EntityKey(), e.EntityKey().Kind(), e.EntityKind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var stored int64
	if cur, ok := r.entities[e.EntityKey()]; ok {
		stored = cur.EntityRevision()
		if e.EntityRevision() < stored {
			r.metrics.RegistryConflicts.Inc()
			r.logger.Warn("registry write over newer revision",
				"key", e.EntityKey().String(),
				"error", domain.ErrRegistryConflict,
				"stored_revision", stored,
				"write_revision", e.EntityRevision(),
			)
		}
	}
	return r.commitLocked(ctx, e.CloneEntity(), max(stored, e.EntityRevision()))
}

// MarkInactive closes the entity under key at the given time.
func (r *Registry) MarkInactive(ctx context.Context, key domain.Key, at time.Time) error {
	_, err := r.Update(ctx, key, func(e domain.Entity) error {
		if !e.IsActive() {
			return fmt.Errorf("close %s: %w", key, domain.ErrStaleReference)
		}
		closed := at.UTC()
		switch v := e.(type) {
		case *domain.Event:
			v.Active, v.State, v.ActualClose = false, domain.StateClosed, &closed
		case *domain.Episode:
			v.Active, v.State, v.ActualClose = false, domain.StateClosed, &closed
		}
		return nil
	})
	return err
}

// Update applies fn to a copy of the entity under key and commits the result
// atomically. If fn fails nothing is written.
func (r *Registry) Update(ctx context.Context, key domain.Key, fn func(domain.Entity) error) (domain.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.entities[key]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", key, domain.ErrNotFound)
	}
	next := cur.CloneEntity()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := r.commitLocked(ctx, next, cur.EntityRevision()); err != nil {
		return nil, err
	}
	return next.CloneEntity(), nil
}

// UpdateEvent is Update for events.
func (r *Registry) UpdateEvent(ctx context.Context, key domain.Key, fn func(*domain.Event) error) (*domain.Event, error) {
	e, err := r.Update(ctx, key, func(e domain.Entity) error {
		ev, ok := e.(*domain.Event)
		if !ok {
			return fmt.Errorf("event %s: %w", key, domain.ErrNotFound)
		}
		return fn(ev)
	})
	if err != nil {
		return nil, err
	}
	return e.(*domain.Event), nil
}

// UpdateEpisode is Update for episodes.
func (r *Registry) UpdateEpisode(ctx context.Context, key domain.Key, fn func(*domain.Episode) error) (*domain.Episode, error) {
	e, err := r.Update(ctx, key, func(e domain.Entity) error {
		ep, ok := e.(*domain.Episode)
		if !ok {
			return fmt.Errorf("episode %s: %w", key, domain.ErrNotFound)
		}
		return fn(ep)
	})
	if err != nil {
		return nil, err
	}
	return e.(*domain.Episode), nil
}

// AllActive yields copies of active entities ordered by opening time. Each
// range over the sequence starts from a fresh snapshot of active keys and
// skips entities closed since.
func (r *Registry) AllActive() iter.Seq[domain.Entity] {
	return func(yield func(domain.Entity) bool) {
		for _, key := range r.keys(func(e domain.Entity) bool { return e.IsActive() }) {
			e, ok := r.Lookup(key)
			if !ok || !e.IsActive() {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// ActiveEvents returns copies of all active events ordered by OpenedAt.
func (r *Registry) ActiveEvents() []*domain.Event {
	return r.Events(true)
}

// ActiveEpisodes returns copies of all active episodes ordered by OpenedAt.
func (r *Registry) ActiveEpisodes() []*domain.Episode {
	return r.Episodes(true)
}

// Events lists events ordered by OpenedAt, optionally active only.
func (r *Registry) Events(activeOnly bool) []*domain.Event {
	var out []*domain.Event
	for _, e := range r.list(domain.KindEvent, activeOnly) {
		out = append(out, e.(*domain.Event))
	}
	return out
}

// Episodes lists episodes ordered by OpenedAt, optionally active only.
func (r *Registry) Episodes(activeOnly bool) []*domain.Episode {
	var out []*domain.Episode
	for _, e := range r.list(domain.KindEpisode, activeOnly) {
		out = append(out, e.(*domain.Episode))
	}
	return out
}

// CountByHazard counts entities of a kind per hazard type. Every whitelisted
// hazard of that kind is listed, with zero when nothing is tracked.
func (r *Registry) CountByHazard(kind domain.Kind, activeOnly bool) map[domain.HazardType]int {
	counts := make(map[domain.HazardType]int)
	for _, h := range domain.HazardTypes() {
		if h.Kind() == kind {
			counts[h] = 0
		}
	}
	for _, e := range r.list(kind, activeOnly) {
		switch v := e.(type) {
		case *domain.Event:
			counts[v.HazardType]++
		case *domain.Episode:
			counts[v.HazardType]++
		}
	}
	return counts
}

func (r *Registry) list(kind domain.Kind, activeOnly bool) []domain.Entity {
	keys := r.keys(func(e domain.Entity) bool {
		return e.EntityKind() == kind && (!activeOnly || e.IsActive())
	})
	out := make([]domain.Entity, 0, len(keys))
	for _, k := range keys {
		if e, ok := r.Lookup(k); ok {
			out = append(out, e)
		}
	}
	return out
}

// keys returns matching keys ordered by opening time, then key string.
func (r *Registry) keys(match func(domain.Entity) bool) []domain.Key {
	r.mu.RLock()
	type entry struct {
		key    domain.Key
		opened time.Time
	}
	var entries []entry
	for k, e := range r.entities {
		if match(e) {
			entries = append(entries, entry{key: k, opened: e.Opened()})
		}
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].opened.Equal(entries[j].opened) {
			return entries[i].opened.Before(entries[j].opened)
		}
		return entries[i].key.String() < entries[j].key.String()
	})
	out := make([]domain.Key, len(entries))
	for i, e := range entries {
		out[i] = e.key
	}
	return out
}

// commitLocked stamps the next revision, writes through the mirror, then
// replaces the in-memory entity. A mirror failure leaves memory untouched.
func (r *Registry) commitLocked(ctx context.Context, e domain.Entity, baseRevision int64) error {
	now := r.clock.Now().UTC()
	switch v := e.(type) {
	case *domain.Event:
		v.Revision, v.UpdatedAt = baseRevision+1, now
	case *domain.Episode:
		v.Revision, v.UpdatedAt = baseRevision+1, now
	default:
		return fmt.Errorf("commit %s: unsupported entity %T", e.EntityKey(), e)
	}

	if r.mirror != nil {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.EntityKey(), err)
		}
		rec := Record{
			Key:       e.EntityKey().String(),
			Kind:      e.EntityKind(),
			Active:    e.IsActive(),
			Payload:   payload,
			UpdatedAt: now,
		}
		if err := r.mirror.Set(ctx, rec); err != nil {
			return fmt.Errorf("mirror set %s: %w", rec.Key, err)
		}
	}

	r.entities[e.EntityKey()] = e
	for _, a := range aliasesOf(e) {
		r.aliases[a] = e.EntityKey()
	}
	r.refreshGaugesLocked()
	return nil
}

func (r *Registry) refreshGaugesLocked() {
	var events, episodes int
	for _, e := range r.entities {
		if !e.IsActive() {
			continue
		}
		if e.EntityKind() == domain.KindEvent {
			events++
		} else {
			episodes++
		}
	}
	r.metrics.RegistryActive.WithLabelValues(string(domain.KindEvent)).Set(float64(events))
	r.metrics.RegistryActive.WithLabelValues(string(domain.KindEpisode)).Set(float64(episodes))
}

func aliasesOf(e domain.Entity) []domain.Key {
	switch v := e.(type) {
	case *domain.Event:
		return v.Aliases
	case *domain.Episode:
		return v.Aliases
	}
	return nil
}

func decodeRecord(rec Record) (domain.Entity, error) {
	switch rec.Kind {
	case domain.KindEvent:
		var ev domain.Event
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			return nil, err
		}
		return &ev, nil
	case domain.KindEpisode:
		var ep domain.Episode
		if err := json.Unmarshal(rec.Payload, &ep); err != nil {
			return nil, err
		}
		return &ep, nil
	}
	return nil, fmt.Errorf("unknown kind %q", rec.Kind)
}
