package engine_test

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
	"github.com/couchcryptid/storm-alert-correlator/internal/engine"
	"github.com/couchcryptid/storm-alert-correlator/internal/observability"
	"github.com/couchcryptid/storm-alert-correlator/internal/registry"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, time.May, 20, 21, 0, 0, 0, time.UTC)

// --- fakes ---

type fakeGeometry struct {
	mu    sync.Mutex
	areas map[string]domain.CoverageArea
	calls int
}

func (f *fakeGeometry) LookupArea(_ context.Context, area domain.AreaDescriptor) (domain.CoverageArea, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	a, ok := f.areas[area.UGC]
	if !ok {
		return domain.CoverageArea{}, fmt.Errorf("zone %s: 503", area.UGC)
	}
	return a, nil
}

func (f *fakeGeometry) set(ugc string, area domain.CoverageArea) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.areas[ugc] = area
}

type fakeWind struct {
	meets bool
	err   error
}

func (f *fakeWind) ValidateWind(context.Context, domain.WindCheck) (bool, error) {
	return f.meets, f.err
}

// --- harness ---

type harness struct {
	clock      *clockwork.FakeClock
	reg        *registry.Registry
	geo        *fakeGeometry
	wind       *fakeWind
	metrics    *observability.Metrics
	lifecycle  *engine.Lifecycle
	engine     *engine.Engine
	dispatcher *engine.InlineDispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   clockwork.NewFakeClockAt(baseTime),
		geo:     &fakeGeometry{areas: make(map[string]domain.CoverageArea)},
		wind:    &fakeWind{meets: true},
		metrics: observability.NewMetricsForTesting(),
	}
	logger := slog.Default()
	h.reg = registry.New(nil, logger, h.metrics, h.clock)
	classifier := engine.NewClassifier(h.reg, h.geo, h.wind, engine.ClassifierOptions{Concurrency: 4, WindThresholdMPH: 58}, logger, h.metrics)
	linker := engine.NewLinker(logger, h.metrics)
	h.lifecycle = engine.NewLifecycle(h.reg, h.clock, 30*time.Minute, logger, h.metrics)
	h.engine = engine.New(classifier, linker, h.reg, h.geo, logger, h.metrics)
	h.dispatcher = engine.NewInlineDispatcher(h.lifecycle, logger, h.metrics)
	return h
}

// cycle plans and applies one batch.
func (h *harness) cycle(t *testing.T, batch ...domain.Envelope) engine.Plan {
	t.Helper()
	ctx := context.Background()
	plan, err := h.engine.Plan(ctx, batch)
	require.NoError(t, err)
	_, err = h.dispatcher.Dispatch(ctx, plan.Actions)
	require.NoError(t, err)
	return plan
}

func (h *harness) event(t *testing.T, key string) *domain.Event {
	t.Helper()
	ev, err := h.reg.Event(mustKey(t, key))
	require.NoError(t, err)
	return ev
}

func (h *harness) episode(t *testing.T, key string) *domain.Episode {
	t.Helper()
	ep, err := h.reg.Episode(mustKey(t, key))
	require.NoError(t, err)
	return ep
}

// --- fixtures ---

func mustKey(t *testing.T, s string) domain.Key {
	t.Helper()
	k, err := domain.ParseKey(s)
	require.NoError(t, err)
	return k
}

// vtec builds a P-VTEC string valid 21:00-23:00Z on 2024-05-20.
func vtec(action, phen, sig string, etn int) string {
	return fmt.Sprintf("/O.%s.KOUN.%s.%s.%04d.240520T2100Z-240520T2300Z/", action, phen, sig, etn)
}

// square is a closed ring with its south-west corner at (lat, lon).
func square(lat, lon, size float64) domain.CoverageArea {
	return domain.CoverageArea{Rings: [][]domain.Coordinate{{
		{Lat: lat, Lon: lon},
		{Lat: lat, Lon: lon + size},
		{Lat: lat + size, Lon: lon + size},
		{Lat: lat + size, Lon: lon},
		{Lat: lat, Lon: lon},
	}}}
}

type envOpt func(*domain.Envelope)

func withArea(ugc string, area domain.CoverageArea) envOpt {
	return func(e *domain.Envelope) {
		e.Areas = []domain.AreaDescriptor{{UGC: ugc, SAME: "040109"}}
		e.Geometry = area
	}
}

func withZones(ugcs ...string) envOpt {
	return func(e *domain.Envelope) {
		e.Areas = nil
		for _, u := range ugcs {
			e.Areas = append(e.Areas, domain.AreaDescriptor{UGC: u})
		}
		e.Geometry = domain.CoverageArea{}
	}
}

func withCertainty(c string) envOpt {
	return func(e *domain.Envelope) { e.Certainty = c }
}

func withSeverity(s string) envOpt {
	return func(e *domain.Envelope) { e.Severity = s }
}

func sentAt(offset time.Duration) envOpt {
	return func(e *domain.Envelope) {
		e.Sent = baseTime.Add(offset)
		e.Effective = e.Sent
	}
}

func envelope(id, code string, vtecs []string, opts ...envOpt) domain.Envelope {
	e := domain.Envelope{
		ID:          id,
		VTEC:        vtecs,
		EventCode:   code,
		Status:      "Actual",
		Severity:    "Severe",
		Urgency:     "Immediate",
		Certainty:   "Likely",
		Headline:    code + " issued",
		Description: "test alert " + id,
		Sent:        baseTime,
		Effective:   baseTime,
		Areas:       []domain.AreaDescriptor{{UGC: "OKC109", SAME: "040109"}},
		Geometry:    square(35, -98, 1),
	}
	for _, o := range opts {
		o(&e)
	}
	return e
}

func outcomes(plan engine.Plan) map[string]engine.Outcome {
	out := make(map[string]engine.Outcome, len(plan.Results))
	for _, r := range plan.Results {
		out[r.AlertID] = r.Outcome
	}
	return out
}
