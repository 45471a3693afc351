package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WARN, false)
	l.SetOutput(&buf)

	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN: shown")
}

func TestLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(DEBUG, true)
	l.now = fixedClock
	l.SetOutput(&buf)

	l.WithField("restart", 3).Info("worker exited", map[string]interface{}{"exit_code": 1})

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry.Level)
	assert.Equal(t, "worker exited", entry.Message)
	assert.Equal(t, "2026-01-02T03:04:05Z", entry.Timestamp)
	assert.EqualValues(t, 3, entry.Fields["restart"])
	assert.EqualValues(t, 1, entry.Fields["exit_code"])
}

func TestLogger_WithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(INFO, false)
	parent.SetOutput(&buf)

	child := parent.WithField("session", "abc")
	parent.Info("from parent")
	child.Info("from child")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "session")
	assert.Contains(t, lines[1], "session:abc")
}

func TestFileLogger_WritesToFileAndConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bot.log")

	l, err := NewFileLogger(path, INFO, false)
	require.NoError(t, err)
	defer l.Close()

	var console bytes.Buffer
	l.SetOutput(&console)

	l.Info("restarting worker")
	l.Writer().Write([]byte("worker line\n"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "restarting worker")
	assert.Contains(t, string(data), "worker line")
	assert.Contains(t, console.String(), "restarting worker")
	assert.Contains(t, console.String(), "worker line")
}

func TestFileLogger_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	require.NoError(t, os.WriteFile(path, []byte("previous run\n"), 0644))

	l, err := NewFileLogger(path, INFO, false)
	require.NoError(t, err)
	l.SetOutput(&bytes.Buffer{})
	l.Info("new run")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "previous run\n"))
	assert.Contains(t, string(data), "new run")
}

func TestFileLogger_RotateIfNeeded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bot.log")

	l, err := NewFileLogger(path, INFO, false)
	require.NoError(t, err)
	defer l.Close()
	l.now = fixedClock
	l.SetOutput(&bytes.Buffer{})

	l.Info(strings.Repeat("x", 128))

	rotated, err := l.RotateIfNeeded(1 << 20)
	require.NoError(t, err)
	assert.False(t, rotated)

	rotated, err = l.RotateIfNeeded(16)
	require.NoError(t, err)
	assert.True(t, rotated)

	_, err = os.Stat(path + ".20260102-030405")
	assert.NoError(t, err)

	l.Info("after rotation")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "after rotation")
	assert.NotContains(t, string(data), "xxxx")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"error", ERROR},
		{"bogus", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestGenerateLogrotateConfig(t *testing.T) {
	cfg := GenerateLogrotateConfig("/srv/bot/bot.log")
	assert.Contains(t, cfg, "/srv/bot/bot.log {")
	assert.Contains(t, cfg, "copytruncate")
}
