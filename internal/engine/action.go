package engine

import (
	"context"
	"errors"

	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
)

// Bucket is one of the four disjoint classification buckets.
type Bucket string

const (
	BucketNewEvent       Bucket = "new_event"
	BucketUpdatedEvent   Bucket = "updated_event"
	BucketNewEpisode     Bucket = "new_episode"
	BucketUpdatedEpisode Bucket = "updated_episode"
)

// IsNew reports whether the bucket creates entities.
func (b Bucket) IsNew() bool {
	return b == BucketNewEvent || b == BucketNewEpisode
}

func bucketFor(kind domain.Kind, isNew bool) Bucket {
	switch {
	case kind == domain.KindEpisode && isNew:
		return BucketNewEpisode
	case kind == domain.KindEpisode:
		return BucketUpdatedEpisode
	case isNew:
		return BucketNewEvent
	default:
		return BucketUpdatedEvent
	}
}

// Link is the episode decision for an event.
type Link struct {
	EpisodeKey domain.Key `json:"episode_key"`
	// Create asks the lifecycle to open an implicit episode seeded from the event.
	Create bool `json:"create,omitempty"`
}

// Action is one unit of lifecycle work. It is self-contained so it can cross
// a queue and be applied more than once with the same result.
type Action struct {
	ID      string        `json:"id"`
	CycleID string        `json:"cycle_id,omitempty"`
	Bucket  Bucket        `json:"bucket"`
	Target  domain.Key    `json:"target"`
	Alert   *domain.Alert `json:"alert,omitempty"`

	// PriorKey is the referenced key this alert succeeds.
	PriorKey *domain.Key `json:"prior_key,omitempty"`
	// Alias is the alert's own key when it updates a different, referenced entity.
	Alias *domain.Key `json:"alias,omitempty"`

	Link         *Link `json:"link,omitempty"`
	LinkDeferred bool  `json:"link_deferred,omitempty"`

	// Locations carries re-resolved geometry for a relink action, which has no alert.
	Locations []domain.Location `json:"locations,omitempty"`
}

// Outcome is the per-alert result of a polling cycle.
type Outcome string

const (
	OutcomeNewEvent       Outcome = "new_event"
	OutcomeUpdatedEvent   Outcome = "updated_event"
	OutcomeNewEpisode     Outcome = "new_episode"
	OutcomeUpdatedEpisode Outcome = "updated_episode"
	OutcomeMalformed      Outcome = "malformed"
	OutcomeUnclassified   Outcome = "unclassified"
	OutcomeStale          Outcome = "stale"
	OutcomeFiltered       Outcome = "filtered"
	OutcomeDeferred       Outcome = "deferred"
	OutcomeSkipped        Outcome = "skipped"
)

// ItemResult reports what happened to one alert.
type ItemResult struct {
	AlertID string  `json:"alert_id"`
	Key     string  `json:"key,omitempty"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Delivery is an action read back from a queue, with its acknowledgement.
type Delivery struct {
	Action    Action
	DecodeErr error
	Topic     string
	Partition int
	Offset    int64
	Commit    func(ctx context.Context) error
}

// Recoverable reports whether err is local to one action, so the action can be
// acknowledged and skipped rather than retried.
func Recoverable(err error) bool {
	return errors.Is(err, domain.ErrStaleReference) ||
		errors.Is(err, domain.ErrUnclassifiedStatus) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrMalformedKey)
}
