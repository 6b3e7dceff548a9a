package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// State is the lifecycle position of an event or episode.
type State string

const (
	StatePending State = "PENDING"
	StateActive  State = "ACTIVE"
	StateClosed  State = "CLOSED"
)

// Location is one affected zone of an event or episode.
type Location struct {
	EpisodeKey *Key         `json:"episode_key,omitempty"`
	EventKey   Key          `json:"event_key"`
	UGC        string       `json:"ugc,omitempty"`
	SAME       string       `json:"same,omitempty"`
	StateFIPS  string       `json:"state_fips,omitempty"`
	CountyFIPS string       `json:"county_fips,omitempty"`
	Area       CoverageArea `json:"area"`
	Observed   *Coordinate  `json:"observed_point,omitempty"`
}

// AdminCode identifies the zone for deduplication: UGC, falling back to SAME.
func (l Location) AdminCode() string {
	if l.UGC != "" {
		return l.UGC
	}
	return l.SAME
}

// Clone deep-copies the location, including its coverage area.
func (l Location) Clone() Location {
	out := l
	out.Area = l.Area.Clone()
	if l.EpisodeKey != nil {
		k := *l.EpisodeKey
		out.EpisodeKey = &k
	}
	if l.Observed != nil {
		c := *l.Observed
		out.Observed = &c
	}
	return out
}

// CloneLocations deep-copies a location slice.
func CloneLocations(locs []Location) []Location {
	if locs == nil {
		return nil
	}
	out := make([]Location, len(locs))
	for i := range locs {
		out[i] = locs[i].Clone()
	}
	return out
}

// MergeLocations appends incoming locations whose admin code is not already
// present. Existing order is kept. An existing location without an area takes
// the incoming area for the same code.
func MergeLocations(existing, incoming []Location) []Location {
	out := CloneLocations(existing)
	index := make(map[string]int, len(out))
	for i, l := range out {
		index[l.AdminCode()] = i
	}
	for _, l := range incoming {
		if i, ok := index[l.AdminCode()]; ok {
			if out[i].Area.IsEmpty() && !l.Area.IsEmpty() {
				out[i].Area = l.Area.Clone()
			}
			continue
		}
		index[l.AdminCode()] = len(out)
		out = append(out, l.Clone())
	}
	return out
}

// IDSet is a set of identifiers that serializes as a sorted JSON array.
type IDSet map[string]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in ascending order.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *IDSet) UnmarshalJSON(b []byte) error {
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*s = NewIDSet(ids...)
	return nil
}

// Entity is an event or an episode as held by the registry.
type Entity interface {
	EntityKey() Key
	EntityKind() Kind
	IsActive() bool
	EntityRevision() int64
	Opened() time.Time
	CloneEntity() Entity
}

// Event is a short-duration, warning-class hazard occurrence.
type Event struct {
	Key             Key        `json:"key"`
	EpisodeKey      *Key       `json:"episode_key,omitempty"`
	HazardType      HazardType `json:"hazard_type"`
	Locations       []Location `json:"locations"`
	OpenedAt        time.Time  `json:"opened_at"`
	ExpectedClose   *time.Time `json:"expected_close,omitempty"`
	ActualClose     *time.Time `json:"actual_close,omitempty"`
	Active          bool       `json:"is_active"`
	Confirmed       bool       `json:"is_confirmed"`
	PriorKey        *Key       `json:"prior_key,omitempty"`
	PolledReportIDs IDSet      `json:"polled_report_ids"`

	State       State     `json:"state"`
	Headline    string    `json:"headline,omitempty"`
	Description string    `json:"description,omitempty"`
	Severity    string    `json:"severity,omitempty"`
	Certainty   string    `json:"certainty,omitempty"`
	AlertIDs    []string  `json:"alert_ids,omitempty"`
	Aliases     []Key     `json:"aliases,omitempty"`
	LinkPending bool      `json:"link_pending,omitempty"`
	Revision    int64     `json:"revision"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (e *Event) EntityKey() Key { return e.Key }
func (e *Event) EntityKind() Kind { return KindEvent }
func (e *Event) IsActive() bool { return e.Active }
func (e *Event) EntityRevision() int64 { return e.Revision }
func (e *Event) Opened() time.Time { return e.OpenedAt }
func (e *Event) CloneEntity() Entity { return e.Clone() }

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	out := *e
	out.EpisodeKey = cloneKey(e.EpisodeKey)
	out.PriorKey = cloneKey(e.PriorKey)
	out.ExpectedClose = cloneTime(e.ExpectedClose)
	out.ActualClose = cloneTime(e.ActualClose)
	out.Locations = CloneLocations(e.Locations)
	out.PolledReportIDs = e.PolledReportIDs.Clone()
	out.AlertIDs = append([]string(nil), e.AlertIDs...)
	out.Aliases = append([]Key(nil), e.Aliases...)
	return &out
}

// Episode is a long-duration, watch-class advisory grouping events.
type Episode struct {
	Key           Key        `json:"key"`
	HazardType    HazardType `json:"hazard_type"`
	Locations     []Location `json:"locations"`
	OpenedAt      time.Time  `json:"opened_at"`
	ExpectedClose *time.Time `json:"expected_close,omitempty"`
	ActualClose   *time.Time `json:"actual_close,omitempty"`
	Active        bool       `json:"is_active"`
	PriorKey      *Key       `json:"prior_key,omitempty"`

	State       State     `json:"state"`
	Headline    string    `json:"headline,omitempty"`
	Description string    `json:"description,omitempty"`
	AlertIDs    []string  `json:"alert_ids,omitempty"`
	Aliases     []Key     `json:"aliases,omitempty"`
	Implicit    bool      `json:"implicit,omitempty"`
	Revision    int64     `json:"revision"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (p *Episode) EntityKey() Key { return p.Key }
func (p *Episode) EntityKind() Kind { return KindEpisode }
func (p *Episode) IsActive() bool { return p.Active }
func (p *Episode) EntityRevision() int64 { return p.Revision }
func (p *Episode) Opened() time.Time { return p.OpenedAt }
func (p *Episode) CloneEntity() Entity { return p.Clone() }

// Clone returns a deep copy of the episode.
func (p *Episode) Clone() *Episode {
	out := *p
	out.PriorKey = cloneKey(p.PriorKey)
	out.ExpectedClose = cloneTime(p.ExpectedClose)
	out.ActualClose = cloneTime(p.ActualClose)
	out.Locations = CloneLocations(p.Locations)
	out.AlertIDs = append([]string(nil), p.AlertIDs...)
	out.Aliases = append([]Key(nil), p.Aliases...)
	return &out
}

// Coverage gathers every location's area into one multi-ring area.
func Coverage(locs []Location) CoverageArea {
	var out CoverageArea
	for _, l := range locs {
		for _, r := range l.Area.Rings {
			out.Rings = append(out.Rings, append([]Coordinate(nil), r...))
		}
	}
	return out
}

// AppendUnique appends id unless it is already present.
func AppendUnique(ids []string, id string) []string {
	if id == "" {
		return ids
	}
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// HasAlias reports whether keys contains k.
func HasAlias(keys []Key, k Key) bool {
	for _, a := range keys {
		if a == k {
			return true
		}
	}
	return false
}

func cloneKey(k *Key) *Key {
	if k == nil {
		return nil
	}
	c := *k
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
