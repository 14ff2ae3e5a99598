package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var out []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		out = append(out, e)
	}
	return out
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelInfo, FormatJSON)
	l.SetOutput(&buf)

	assert.False(t, l.Enabled(LevelDebug))
	assert.True(t, l.Enabled(LevelWarn))

	l.Debug("hidden")
	l.Info("shown")
	l.SetLevel(LevelDebug)
	l.Debug("now shown")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "shown", entries[0].Message)
	assert.Equal(t, "debug", entries[1].Level)
}

func TestDerivedLoggersShareSinkAndKeepParentFields(t *testing.T) {
	var buf bytes.Buffer
	root := NewLogger(LevelInfo, FormatJSON)
	root.SetOutput(&buf)

	job := root.Component("scheduler").ForJob("j1", "u1", "activities")
	job.WithError(errors.New("boom")).Error("failed")
	root.Info("plain")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "scheduler", entries[0].Fields["component"])
	assert.Equal(t, "j1", entries[0].Fields["jobId"])
	assert.Equal(t, "boom", entries[0].Fields["error"])
	assert.NotEmpty(t, entries[0].Caller)
	assert.Empty(t, entries[1].Fields)
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelInfo, FormatText)
	l.SetOutput(&buf)

	l.WithField("userId", "u1").Warn("waiting")
	assert.Contains(t, buf.String(), "warn: waiting")
	assert.Contains(t, buf.String(), `fields={"userId":"u1"}`)
}

func TestContextLogger(t *testing.T) {
	l := NewLogger(LevelInfo, FormatJSON)
	ctx := WithLogger(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestParseLogLevelAndFormat(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLogLevel("loud"))
	assert.Equal(t, FormatText, ParseLogFormat("text"))
	assert.Equal(t, FormatJSON, ParseLogFormat(""))
}
