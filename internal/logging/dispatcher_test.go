package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/lapsync/engine/internal/dispatcher"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestNewDispatcherLogger(t *testing.T) {
	dl := NewDispatcherLogger(zerolog.Nop())
	assert.NotNil(t, dl)
}

func TestDispatcherLogger_Debug(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDispatcherLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))

	dl.Debug("handling event", "loop", "session", "queued", 42)

	entry := decodeLine(t, &buf)
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "handling event", entry["message"])
	assert.Equal(t, "session", entry["loop"])
	assert.Equal(t, float64(42), entry["queued"])
}

func TestDispatcherLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDispatcherLogger(zerolog.New(&buf))

	dl.Info("loop started", "loop", "session")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "loop started", entry["message"])
}

func TestDispatcherLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDispatcherLogger(zerolog.New(&buf))

	dl.Error("event failed", "command", "stream-1/tick", "error", "boom")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "stream-1/tick", entry["command"])
	assert.Equal(t, "boom", entry["error"])
}

func TestDispatcherLogger_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDispatcherLogger(zerolog.New(&buf).Level(zerolog.InfoLevel))

	dl.Debug("hidden")
	assert.Empty(t, buf.String())
}

func TestDispatcherLogger_OddKeyValues(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDispatcherLogger(zerolog.New(&buf))

	dl.Info("odd", "key", "value", "dangling", 7, "tail")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "value", entry["key"])
	assert.NotContains(t, entry, "tail")
}

func TestDispatcherLogger_ImplementsInterface(t *testing.T) {
	var _ dispatcher.Logger = NewDispatcherLogger(zerolog.Nop())
}

func TestDispatcherLogger_SkipsNonStringKeys(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDispatcherLogger(zerolog.New(&buf))

	dl.Info("mixed", 3, "ignored", "queued", 2)

	entry := decodeLine(t, &buf)
	assert.Equal(t, float64(2), entry["queued"])
	assert.NotContains(t, entry, "3")
}
