package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesKeyValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput("debug", "test", &buf)

	logger.Info("provider failed", "provider", "ipapi.co", "error", errors.New("boom"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "provider failed", entry["msg"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, "ipapi.co", entry["provider"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLoggerAcceptsFieldMap(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput("info", "test", &buf)

	logger.Warn("mapped", map[string]interface{}{"attempt": 2})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.EqualValues(t, 2, entry["attempt"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput("warn", "test", &buf)

	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.SetLevel("debug")
	logger.Debug("visible")
	assert.NotZero(t, buf.Len())
}

func TestPerformanceLoggerRecordsOutcomes(t *testing.T) {
	pl := NewPerformanceLogger(NewNopLogger(), 0)

	pl.StartOperation("submission.checkin").Complete(nil)
	pl.StartOperation("submission.checkin").Complete(errors.New("reset"))

	m, ok := pl.GetMetric("submission.checkin")
	require.True(t, ok)
	assert.EqualValues(t, 2, m.Count)
	assert.EqualValues(t, 1, m.ErrorCount)
	assert.InDelta(t, 50.0, m.SuccessRate(), 0.001)

	var nilLogger *PerformanceLogger
	assert.NotPanics(t, func() { nilLogger.StartOperation("x").Complete(nil) })
}
