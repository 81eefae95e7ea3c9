package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, output *bytes.Buffer) []map[string]any {
	t.Helper()

	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(output.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		wantMsgs []string
	}{
		{name: "debug", level: "debug", wantMsgs: []string{"debug", "info", "warn", "error"}},
		{name: "info", level: "info", wantMsgs: []string{"info", "warn", "error"}},
		{name: "warning alias", level: "warning", wantMsgs: []string{"warn", "error"}},
		{name: "error", level: "error", wantMsgs: []string{"error"}},
		{name: "unknown falls back to info", level: "verbose", wantMsgs: []string{"info", "warn", "error"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := &bytes.Buffer{}
			logger, err := New(&Config{Level: tt.level, Format: "json", writer: output})
			require.NoError(t, err)

			logger.Debug("debug")
			logger.Info("info")
			logger.Warn("warn")
			logger.Error("error")

			var msgs []string
			for _, entry := range decodeLines(t, output) {
				msgs = append(msgs, entry["msg"].(string))
			}
			assert.Equal(t, tt.wantMsgs, msgs)
		})
	}
}

func TestNew_ConsoleFormat(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Level: "info", Format: "console", writer: output})
	require.NoError(t, err)

	logger.Info("job processed", slog.String("job_id", "abc"))

	line := output.String()
	assert.Contains(t, line, "job processed")
	assert.Contains(t, line, "job_id=abc")
	assert.NotContains(t, line, "\x1b[", "console output to a writer is not colored")
}

func TestNew_EnableSource(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Level: "info", Format: "json", EnableSource: true, writer: output})
	require.NoError(t, err)

	logger.Info("with source")

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0], slog.SourceKey)
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "worker.log")

	logger, err := New(&Config{
		Level:  "info",
		Format: "json",
		Output: path,
	})
	require.NoError(t, err)

	logger.Info("written to file", slog.String("job_id", "abc"))
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var logEntry map[string]any
	require.NoError(t, json.Unmarshal(data, &logEntry))
	assert.Equal(t, "written to file", logEntry["msg"])
	assert.Equal(t, "abc", logEntry["job_id"])
}

func TestNew_FileOutputUnwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, err := New(&Config{Format: "json", Output: filepath.Join(blocker, "worker.log")})
	assert.Error(t, err)
}

func TestLogger_CloseWithoutFile(t *testing.T) {
	logger, err := New(&Config{Format: "json", writer: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.NoError(t, logger.Close())
}

func TestLogger_With(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.log")

	logger, err := New(&Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	serviceLogger := logger.With(slog.String("service", "api-service"))
	serviceLogger.Component("dedup").Info("claimed")
	logger.Info("untagged")
	require.NoError(t, serviceLogger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	entries := decodeLines(t, bytes.NewBuffer(data))
	require.Len(t, entries, 2)

	assert.Equal(t, "api-service", entries[0]["service"])
	assert.Equal(t, "dedup", entries[0]["component"])
	assert.NotContains(t, entries[1], "service")
}

func TestLogger_Component(t *testing.T) {
	output := &bytes.Buffer{}

	logger, err := New(&Config{
		Level:  "info",
		Format: "json",
		writer: output,
	})
	require.NoError(t, err)

	logger.Component("deliverer").Info("tick")

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	assert.Equal(t, "deliverer", entries[0]["component"])
	assert.NoError(t, logger.Close())
}
