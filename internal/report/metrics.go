package report

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Metrics are boring counters only. Every value is explainable by looking
// at the Results that produced it.
type Metrics struct {
	registry *prometheus.Registry

	launches      prometheus.Counter
	exits         *prometheus.CounterVec
	lastExitCode  prometheus.Gauge
	up            prometheus.Gauge
	installs      *prometheus.CounterVec
	uptime        prometheus.Histogram
	restartDelays prometheus.Counter

	// Mirrors of the collectors for health checks and snapshots.
	launchCount  atomic.Uint64
	restartCount atomic.Uint64
	workerUp     atomic.Bool
	lastExit     atomic.Int64
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		launches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botkeeper_worker_launches_total",
			Help: "Total worker process launches",
		}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botkeeper_worker_exits_total",
			Help: "Worker exits by reason",
		}, []string{"reason"}),
		lastExitCode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "botkeeper_worker_last_exit_code",
			Help: "Exit code of the most recent worker exit",
		}),
		up: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "botkeeper_worker_up",
			Help: "Whether a worker process is currently running (1=yes, 0=no)",
		}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botkeeper_dependency_installs_total",
			Help: "Dependency installs by result",
		}, []string{"result"}),
		uptime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "botkeeper_worker_uptime_seconds",
			Help:    "How long each worker run lasted",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		restartDelays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botkeeper_restart_delay_seconds_total",
			Help: "Total time spent waiting between worker restarts",
		}),
	}

	m.registry.MustRegister(m.launches, m.exits, m.lastExitCode, m.up, m.installs, m.uptime, m.restartDelays)
	return m
}

// Registry exposes the underlying registry for custom gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordLaunch marks a worker as started.
func (m *Metrics) RecordLaunch() {
	m.launches.Inc()
	m.up.Set(1)
	m.launchCount.Add(1)
	m.workerUp.Store(true)
}

// RecordResult updates every counter from a single immutable Result.
func (m *Metrics) RecordResult(r *Result) {
	m.up.Set(0)
	m.workerUp.Store(false)
	m.exits.WithLabelValues(string(r.Reason)).Inc()
	m.lastExitCode.Set(float64(r.ExitCode))
	m.lastExit.Store(int64(r.ExitCode))
	m.uptime.Observe(r.Duration.Seconds())
}

// RecordRestart counts a scheduled restart and its delay.
func (m *Metrics) RecordRestart(delaySeconds float64) {
	m.restartCount.Add(1)
	m.restartDelays.Add(delaySeconds)
}

// RecordInstall counts a dependency install attempt ("success" or "failure").
func (m *Metrics) RecordInstall(result string) {
	m.installs.WithLabelValues(result).Inc()
}

// Snapshot returns current values for health output.
func (m *Metrics) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"worker_up":      m.workerUp.Load(),
		"launches":       m.launchCount.Load(),
		"restarts":       m.restartCount.Load(),
		"last_exit_code": m.lastExit.Load(),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Text renders the registry in the text exposition format.
func (m *Metrics) Text() ([]byte, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

// WriteTextfile atomically writes the registry for node_exporter's textfile
// collector.
func (m *Metrics) WriteTextfile(path string) error {
	data, err := m.Text()
	if err != nil {
		return err
	}

	tmp := path + ".tmp." + strconv.Itoa(os.Getpid())
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
