package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
	"github.com/couchcryptid/storm-alert-correlator/internal/geometry"
	"github.com/couchcryptid/storm-alert-correlator/internal/observability"
)

// EpisodeSnapshot is the fixed list of episodes an event may join during one
// cycle. Episodes closed later in the cycle stay in it.
type EpisodeSnapshot struct {
	entries []snapshotEntry
}

type snapshotEntry struct {
	key    domain.Key
	family string
	area   domain.CoverageArea
	opened time.Time
}

// NewEpisodeSnapshot captures the given active episodes.
func NewEpisodeSnapshot(episodes []*domain.Episode) *EpisodeSnapshot {
	s := &EpisodeSnapshot{}
	for _, ep := range episodes {
		s.Add(ep.Key, domain.Coverage(ep.Locations), ep.OpenedAt)
	}
	return s
}

// Add appends an episode and keeps the snapshot ordered by opening time.
func (s *EpisodeSnapshot) Add(key domain.Key, area domain.CoverageArea, opened time.Time) {
	for i := range s.entries {
		if s.entries[i].key == key {
			s.entries[i].area.Rings = append(s.entries[i].area.Rings, area.Clone().Rings...)
			return
		}
	}
	s.entries = append(s.entries, snapshotEntry{
		key:    key,
		family: key.Family(),
		area:   area.Clone(),
		opened: opened,
	})
	sort.SliceStable(s.entries, func(i, j int) bool {
		if !s.entries[i].opened.Equal(s.entries[j].opened) {
			return s.entries[i].opened.Before(s.entries[j].opened)
		}
		return s.entries[i].key.String() < s.entries[j].key.String()
	})
}

// Len is the number of episodes in the snapshot.
func (s *EpisodeSnapshot) Len() int {
	return len(s.entries)
}

// Linker decides which episode a new event belongs to.
type Linker struct {
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewLinker creates a Linker.
func NewLinker(logger *slog.Logger, metrics *observability.Metrics) *Linker {
	return &Linker{logger: logger, metrics: metrics}
}

// ImplicitEpisodeKey is the key of the episode opened for an event that fits
// no existing episode. The feed never admits significance S, so it cannot
// collide with a real watch.
func ImplicitEpisodeKey(event domain.Key) domain.Key {
	return event.WithSignificance(domain.SignificanceStatement)
}

// Link returns the first snapshot episode of the same hazard family whose
// coverage overlaps the event's, or a request to create an implicit episode.
// An event with unresolved geometry cannot be linked yet.
func (l *Linker) Link(snap *EpisodeSnapshot, event domain.Key, locs []domain.Location, opened time.Time) (Link, error) {
	if len(locs) == 0 {
		l.metrics.EpisodeLinks.WithLabelValues("deferred").Inc()
		return Link{}, fmt.Errorf("link %s: %w: no locations", event, domain.ErrGeometryUnavailable)
	}
	for _, loc := range locs {
		if loc.Area.IsEmpty() {
			l.metrics.EpisodeLinks.WithLabelValues("deferred").Inc()
			return Link{}, fmt.Errorf("link %s: %w: %s has no coverage", event, domain.ErrGeometryUnavailable, loc.AdminCode())
		}
	}

	area := domain.Coverage(locs)
	family := event.Family()
	for _, entry := range snap.entries {
		if entry.family != family {
			continue
		}
		if geometry.Overlaps(area, entry.area) {
			l.metrics.EpisodeLinks.WithLabelValues("linked").Inc()
			l.logger.Debug("event linked to episode", "event", event.String(), "episode", entry.key.String())
			return Link{EpisodeKey: entry.key}, nil
		}
	}

	key := ImplicitEpisodeKey(event)
	snap.Add(key, area, opened)
	l.metrics.EpisodeLinks.WithLabelValues("created").Inc()
	l.logger.Debug("event opens implicit episode", "event", event.String(), "episode", key.String())
	return Link{EpisodeKey: key, Create: true}, nil
}
