package report

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/psantana5/botkeeper/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult(launch, code int, reason ExitReason) *Result {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewResult(launch, 1000+launch, code, reason, start, start.Add(90*time.Second))
}

func TestMetrics_RecordsLifecycle(t *testing.T) {
	m := NewMetrics()

	m.RecordLaunch()
	snap := m.Snapshot()
	assert.Equal(t, true, snap["worker_up"])
	assert.Equal(t, uint64(1), snap["launches"])

	m.RecordResult(sampleResult(1, 1, ExitReasonError))
	m.RecordRestart(5)
	m.RecordInstall("success")

	snap = m.Snapshot()
	assert.Equal(t, false, snap["worker_up"])
	assert.Equal(t, uint64(1), snap["restarts"])
	assert.Equal(t, int64(1), snap["last_exit_code"])

	text, err := m.Text()
	require.NoError(t, err)
	out := string(text)
	assert.Contains(t, out, "botkeeper_worker_launches_total 1")
	assert.Contains(t, out, `botkeeper_worker_exits_total{reason="error"} 1`)
	assert.Contains(t, out, "botkeeper_worker_last_exit_code 1")
	assert.Contains(t, out, `botkeeper_dependency_installs_total{result="success"} 1`)
	assert.Contains(t, out, "botkeeper_restart_delay_seconds_total 5")
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.RecordLaunch()

	path := filepath.Join(t.TempDir(), "textfile", "botkeeper.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "botkeeper_worker_up 1")
}

func TestHistory_RingBuffer(t *testing.T) {
	h := NewHistory(3)
	for i := 1; i <= 5; i++ {
		h.Record(sampleResult(i, i, ExitReasonError))
	}

	assert.Equal(t, 3, h.Count())
	recent := h.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, 5, recent[0].Launch, "newest first")
	assert.Equal(t, 3, recent[2].Launch, "oldest retained")
	assert.Equal(t, 90.0, recent[0].Duration)
}

func TestResult_LogSummary(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.INFO, true)
	logger.SetOutput(&buf)

	sampleResult(2, 1, ExitReasonError).LogSummary(logger)

	var entry logging.LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry.Level)
	assert.EqualValues(t, 1, entry.Fields["exit_code"])
	assert.Equal(t, "error", entry.Fields["reason"])
	assert.Equal(t, "1m30s", entry.Fields["uptime"])
}

func TestServer_Routes(t *testing.T) {
	m := NewMetrics()
	h := NewHistory(10)
	m.RecordLaunch()
	r := sampleResult(1, 2, ExitReasonError)
	m.RecordResult(r)
	h.Record(r)

	srv := NewServer("127.0.0.1:0", m, h, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, false, health["worker_up"])
	assert.EqualValues(t, 1, health["launches"])

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/exits", nil))
	var exits []ExitSample
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exits))
	require.Len(t, exits, 1)
	assert.Equal(t, 2, exits[0].ExitCode)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "botkeeper_worker_launches_total"))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_StartAndShutdown(t *testing.T) {
	srv := NewServer("127.0.0.1:0", NewMetrics(), NewHistory(1), nil)
	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Shutdown(t.Context()))
}
