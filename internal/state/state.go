package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Phase is where the supervisor loop currently is.
type Phase string

const (
	PhaseSetup   Phase = "setup"
	PhaseRunning Phase = "running"
	PhaseWaiting Phase = "waiting" // between an exit and the next launch
	PhaseStopped Phase = "stopped"
)

// ErrNoState is returned by Read when no supervisor has written a state file.
var ErrNoState = errors.New("no supervisor state found")

// RunState is the snapshot the supervisor publishes for keeperctl.
type RunState struct {
	SessionID     string    `json:"session_id"`
	SupervisorPID int       `json:"supervisor_pid"`
	StartedAt     time.Time `json:"started_at"`
	Phase         Phase     `json:"phase"`

	Runtime     string `json:"runtime,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`

	WorkerPID       int       `json:"worker_pid,omitempty"`
	WorkerStartedAt time.Time `json:"worker_started_at,omitempty"`
	Launches        int       `json:"launches"`

	LastExitCode *int      `json:"last_exit_code,omitempty"`
	LastReason   string    `json:"last_reason,omitempty"`
	LastExitAt   time.Time `json:"last_exit_at,omitempty"`
	NextLaunchAt time.Time `json:"next_launch_at,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Write stores st at path, replacing any previous state atomically.
func Write(path string, st *RunState) error {
	st.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := path + ".tmp." + strconv.Itoa(os.Getpid())
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}

// Read loads the state at path.
func Read(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w at %s", ErrNoState, path)
	}
	if err != nil {
		return nil, err
	}

	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupt state file %s: %w", path, err)
	}
	return &st, nil
}

// Uptime returns how long the current worker has been running.
func (s *RunState) Uptime(now time.Time) time.Duration {
	if s.Phase != PhaseRunning || s.WorkerStartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.WorkerStartedAt)
}
