package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "info", "json")

	logger.Info("cycle complete", "alerts", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "cycle complete", rec["msg"])
	assert.InDelta(t, 3, rec["alerts"], 0)
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "info", "text")

	logger.Info("cycle complete")

	assert.Contains(t, buf.String(), "msg=\"cycle complete\"")
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range tests {
		t.Run(tc.level, func(t *testing.T) {
			logger := newLogger(&bytes.Buffer{}, tc.level, "json")
			assert.True(t, logger.Enabled(context.Background(), tc.want))
			if tc.want > slog.LevelDebug {
				assert.False(t, logger.Enabled(context.Background(), tc.want-1))
			}
		})
	}
}

func TestNewMetricsForTesting_Independent(t *testing.T) {
	a := NewMetricsForTesting()
	b := NewMetricsForTesting()

	a.AlertsFetched.Add(2)
	assert.NotSame(t, a.AlertsFetched, b.AlertsFetched)
	assert.Len(t, a.collectors(), 20)
}
