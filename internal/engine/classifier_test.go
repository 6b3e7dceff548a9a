package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
	"github.com/couchcryptid/storm-alert-correlator/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan_BucketsNewEventAndEpisode(t *testing.T) {
	h := newHarness(t)

	plan, err := h.engine.Plan(context.Background(), []domain.Envelope{
		envelope("tor", "TOR", []string{vtec("NEW", "TO", "W", 15)}),
		envelope("toa", "TOA", []string{vtec("NEW", "TO", "A", 200)}, withArea("OKC001", square(34, -99, 4))),
	})
	require.NoError(t, err)

	require.Len(t, plan.Actions, 2)
	// Episodes are ordered ahead of events.
	assert.Equal(t, engine.BucketNewEpisode, plan.Actions[0].Bucket)
	assert.Equal(t, "KOUNTOA020024", plan.Actions[0].Target.String())
	assert.Equal(t, engine.BucketNewEvent, plan.Actions[1].Bucket)
	assert.Equal(t, "KOUNTOW001524", plan.Actions[1].Target.String())
	assert.NotEmpty(t, plan.CycleID)
	for _, a := range plan.Actions {
		assert.Equal(t, plan.CycleID, a.CycleID)
	}
	assert.Equal(t, map[string]engine.Outcome{
		"tor": engine.OutcomeNewEvent,
		"toa": engine.OutcomeNewEpisode,
	}, outcomes(plan))
}

func TestPlan_ContinueOnActiveKeyIsUpdate(t *testing.T) {
	h := newHarness(t)
	h.cycle(t, envelope("a1", "TOR", []string{vtec("NEW", "TO", "W", 15)}))

	plan, err := h.engine.Plan(context.Background(), []domain.Envelope{
		envelope("a2", "TOR", []string{vtec("CON", "TO", "W", 15)}, sentAt(10*time.Minute)),
	})
	require.NoError(t, err)

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, engine.BucketUpdatedEvent, plan.Actions[0].Bucket)
	assert.Nil(t, plan.Actions[0].Alias)
}

func TestPlan_ContinueAfterCancelIsStale(t *testing.T) {
	h := newHarness(t)
	h.cycle(t, envelope("a1", "TOR", []string{vtec("NEW", "TO", "W", 15)}))
	h.cycle(t, envelope("a2", "TOR", []string{vtec("CAN", "TO", "W", 15)}, sentAt(5*time.Minute)))

	plan := h.cycle(t, envelope("a3", "TOR", []string{vtec("CON", "TO", "W", 15)}, sentAt(10*time.Minute)))

	assert.Empty(t, plan.Actions)
	assert.Equal(t, engine.OutcomeStale, outcomes(plan)["a3"])
	assert.False(t, h.event(t, "KOUNTOW001524").Active)
}

func TestPlan_ReferencedKeyBecomesAlias(t *testing.T) {
	h := newHarness(t)
	h.cycle(t, envelope("sv", "SVR", []string{vtec("NEW", "SV", "W", 10)}))

	plan := h.cycle(t, envelope("to", "TOR",
		[]string{vtec("EXA", "TO", "W", 15), vtec("CON", "SV", "W", 10)},
		sentAt(5*time.Minute),
	))

	require.Len(t, plan.Actions, 1)
	act := plan.Actions[0]
	assert.Equal(t, engine.BucketUpdatedEvent, act.Bucket)
	assert.Equal(t, "KOUNSVW001024", act.Target.String())
	require.NotNil(t, act.Alias)
	assert.Equal(t, "KOUNTOW001524", act.Alias.String())
	require.NotNil(t, act.PriorKey)
	assert.Equal(t, "KOUNSVW001024", act.PriorKey.String())

	ev := h.event(t, "KOUNSVW001024")
	assert.Equal(t, []domain.Key{mustKey(t, "KOUNTOW001524")}, ev.Aliases)
	assert.Nil(t, ev.PriorKey, "an entity never succeeds itself")
	_, tracked := h.reg.Lookup(mustKey(t, "KOUNTOW001524"))
	assert.False(t, tracked, "alias keys are not separate entities")

	// Later alerts under the alias reach the same entity.
	plan = h.cycle(t, envelope("to2", "TOR", []string{vtec("CON", "TO", "W", 15)}, sentAt(10*time.Minute)))
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, "KOUNSVW001024", plan.Actions[0].Target.String())
}

func TestPlan_DirectMatchBeatsReference(t *testing.T) {
	h := newHarness(t)
	h.cycle(t,
		envelope("sv", "SVR", []string{vtec("NEW", "SV", "W", 10)}),
		envelope("to", "TOR", []string{vtec("NEW", "TO", "W", 15)}),
	)

	plan := h.cycle(t, envelope("to2", "TOR",
		[]string{vtec("COR", "TO", "W", 15), vtec("CON", "SV", "W", 10)},
		sentAt(5*time.Minute),
	))

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, "KOUNTOW001524", plan.Actions[0].Target.String())
	assert.Nil(t, plan.Actions[0].Alias)
	require.NotNil(t, plan.Actions[0].PriorKey)
	assert.Equal(t, "KOUNSVW001024", plan.Actions[0].PriorKey.String())
}

func TestPlan_ReferenceToClosedKeyIsStale(t *testing.T) {
	h := newHarness(t)
	h.cycle(t, envelope("sv", "SVR", []string{vtec("NEW", "SV", "W", 10)}))
	h.cycle(t, envelope("sv-can", "SVR", []string{vtec("CAN", "SV", "W", 10)}, sentAt(time.Minute)))

	plan := h.cycle(t, envelope("to", "TOR",
		[]string{vtec("EXA", "TO", "W", 15), vtec("CON", "SV", "W", 10)},
		sentAt(5*time.Minute),
	))

	assert.Empty(t, plan.Actions)
	assert.Equal(t, engine.OutcomeStale, outcomes(plan)["to"])
}

func TestPlan_PerItemOutcomes(t *testing.T) {
	h := newHarness(t)

	plan, err := h.engine.Plan(context.Background(), []domain.Envelope{
		envelope("minor", "TOR", []string{vtec("NEW", "TO", "W", 1)}, withSeverity("Minor")),
		envelope("bad-vtec", "TOR", []string{"/O.NEW.KOUN.TO.W.ABCD.240520T2100Z-240520T2300Z/"}),
		envelope("routine", "TOR", []string{vtec("ROU", "TO", "W", 2)}),
		envelope("untracked-can", "TOR", []string{vtec("CAN", "TO", "W", 3)}),
		envelope("not-listed", "ZZZ", []string{vtec("NEW", "TO", "W", 4)}),
	})
	require.NoError(t, err)

	assert.Empty(t, plan.Actions)
	assert.Equal(t, map[string]engine.Outcome{
		"minor":         engine.OutcomeFiltered,
		"bad-vtec":      engine.OutcomeMalformed,
		"routine":       engine.OutcomeUnclassified,
		"untracked-can": engine.OutcomeSkipped,
		"not-listed":    engine.OutcomeFiltered,
	}, outcomes(plan))
}

func TestPlan_SameKeyInBatchAppliesInSentOrder(t *testing.T) {
	h := newHarness(t)

	// The continuation is listed first but sent later.
	plan := h.cycle(t,
		envelope("con", "TOR", []string{vtec("CON", "TO", "W", 15)},
			sentAt(10*time.Minute), withArea("OKC017", square(35.5, -97.5, 0.5))),
		envelope("new", "TOR", []string{vtec("NEW", "TO", "W", 15)}),
	)

	require.Len(t, plan.Actions, 2)
	assert.Equal(t, engine.BucketNewEvent, plan.Actions[0].Bucket)
	assert.Equal(t, engine.BucketUpdatedEvent, plan.Actions[1].Bucket)

	ev := h.event(t, "KOUNTOW001524")
	require.Len(t, ev.Locations, 2)
	assert.Equal(t, "OKC109", ev.Locations[0].UGC)
	assert.Equal(t, "OKC017", ev.Locations[1].UGC)
}

func TestPlan_HighWindValidation(t *testing.T) {
	t.Run("below threshold is filtered", func(t *testing.T) {
		h := newHarness(t)
		h.wind.meets = false

		plan := h.cycle(t, envelope("hww", "HWW", []string{vtec("NEW", "HW", "W", 3)}))

		assert.Empty(t, plan.Actions)
		assert.Equal(t, engine.OutcomeFiltered, outcomes(plan)["hww"])
	})

	t.Run("oracle failure defers and holds the watermark", func(t *testing.T) {
		h := newHarness(t)
		h.wind.err = errors.Join(domain.ErrOracleUnavailable, errors.New("502"))

		plan := h.cycle(t, envelope("hww", "HWW", []string{vtec("NEW", "HW", "W", 3)}))

		assert.Empty(t, plan.Actions)
		assert.Equal(t, engine.OutcomeDeferred, outcomes(plan)["hww"])
		assert.Equal(t, 1, plan.Deferred)
		assert.True(t, plan.Held())
	})

	t.Run("at threshold is admitted", func(t *testing.T) {
		h := newHarness(t)

		plan := h.cycle(t, envelope("hww", "HWW", []string{vtec("NEW", "HW", "W", 3)}))

		assert.Equal(t, engine.OutcomeNewEvent, outcomes(plan)["hww"])
		assert.False(t, plan.Held())
	})
}

func TestPlan_EveryAlertHasExactlyOneResult(t *testing.T) {
	h := newHarness(t)
	h.cycle(t, envelope("seed", "SVR", []string{vtec("NEW", "SV", "W", 10)}))

	batch := []domain.Envelope{
		envelope("a", "TOR", []string{vtec("NEW", "TO", "W", 1)}),
		envelope("b", "SVR", []string{vtec("CON", "SV", "W", 10)}, sentAt(time.Minute)),
		envelope("c", "TOA", []string{vtec("NEW", "TO", "A", 9)}),
		envelope("d", "TOR", []string{vtec("ROU", "TO", "W", 2)}),
		envelope("e", "TOR", []string{"garbage"}),
	}
	plan, err := h.engine.Plan(context.Background(), batch)
	require.NoError(t, err)

	assert.Len(t, plan.Results, len(batch))
	bucketed := 0
	for _, r := range plan.Results {
		switch r.Outcome {
		case engine.OutcomeNewEvent, engine.OutcomeUpdatedEvent, engine.OutcomeNewEpisode, engine.OutcomeUpdatedEpisode:
			bucketed++
		}
	}
	assert.Equal(t, bucketed, len(plan.Actions))
}
