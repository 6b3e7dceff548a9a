package pipeline_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/couchcryptid/storm-alert-correlator/internal/confirmation"
	"github.com/couchcryptid/storm-alert-correlator/internal/observability"
	"github.com/couchcryptid/storm-alert-correlator/internal/pipeline"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRunner struct{ mock.Mock }

func (m *mockRunner) RunCycle(ctx context.Context) (confirmation.Summary, error) {
	args := m.Called(ctx)
	return args.Get(0).(confirmation.Summary), args.Error(1)
}

func TestConfirmer_RunsEveryInterval(t *testing.T) {
	runner := &mockRunner{}
	runner.On("RunCycle", mock.Anything).Return(confirmation.Summary{}, errors.New("reports down")).Once()
	runner.On("RunCycle", mock.Anything).Return(confirmation.Summary{Events: 1, Confirmed: 1}, nil)
	metrics := observability.NewMetricsForTesting()

	c := pipeline.NewConfirmer(runner, clockwork.NewRealClock(), 20*time.Millisecond, slog.Default(), metrics)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	require.NoError(t, c.Run(ctx))
	assert.GreaterOrEqual(t, len(runner.Calls), 3, "a failed cycle does not stop the loop")
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ConfirmerRunning))
}

func TestConfirmer_WaitsForInterval(t *testing.T) {
	runner := &mockRunner{}
	runner.On("RunCycle", mock.Anything).Return(confirmation.Summary{}, nil)
	clock := clockwork.NewFakeClockAt(baseTime)

	c := pipeline.NewConfirmer(runner, clock, time.Hour, slog.Default(), observability.NewMetricsForTesting())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	runner.AssertNumberOfCalls(t, "RunCycle", 1)

	clock.Advance(time.Hour)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	runner.AssertNumberOfCalls(t, "RunCycle", 2)

	cancel()
	require.NoError(t, <-done)
}
