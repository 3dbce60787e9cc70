package core

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(format string) (*ProductionLogger, *bytes.Buffer) {
	logger := NewProductionLogger(
		LoggingConfig{Level: "debug", Format: format, ServiceName: "test-service"},
		DevelopmentConfig{DebugLogging: true},
		"core",
	)
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)
	return logger, buf
}

func TestProductionLoggerJSONOutput(t *testing.T) {
	logger, buf := newTestLogger("json")

	logger.Info("execution started", map[string]interface{}{
		"operation":    "execute_workflow",
		"execution_id": "exec-1",
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "execution started", entry["message"])
	assert.Equal(t, "core", entry["component"])
	assert.Equal(t, "test-service", entry["service"])
	assert.Equal(t, "execute_workflow", entry["operation"])
	assert.Equal(t, "exec-1", entry["execution_id"])
}

func TestProductionLoggerTextOutput(t *testing.T) {
	logger, buf := newTestLogger("text")

	logger.Warn("step retried", map[string]interface{}{"step_id": "charge"})

	line := buf.String()
	assert.Contains(t, line, "[WARN]")
	assert.Contains(t, line, "[core]")
	assert.Contains(t, line, "step retried")
	assert.Contains(t, line, "step_id=charge")
}

func TestProductionLoggerLevelFilter(t *testing.T) {
	logger, buf := newTestLogger("json")
	logger.SetLevel("warn")

	logger.Debug("hidden", nil)
	logger.Info("hidden too", nil)
	logger.Warn("visible", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "visible")
}

func TestProductionLoggerErrorRateLimit(t *testing.T) {
	logger, buf := newTestLogger("json")

	for i := 0; i < 10; i++ {
		logger.Error("store write failed", map[string]interface{}{"attempt": i})
	}

	// Only the first error within the window survives rate limiting.
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 1)
}

func TestProductionLoggerWithComponent(t *testing.T) {
	logger, buf := newTestLogger("json")

	child := logger.WithComponent("mandate")
	child.Info("chain created", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "mandate", entry["component"])
}

func TestSystemClockSleepHonorsCancel(t *testing.T) {
	clock := SystemClock{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := clock.Sleep(ctx, 5*time.Second)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSystemClockSleepCompletes(t *testing.T) {
	clock := SystemClock{}
	err := clock.Sleep(context.Background(), 5*time.Millisecond)
	assert.NoError(t, err)
}
