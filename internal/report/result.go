package report

import (
	"time"

	"github.com/psantana5/botkeeper/internal/logging"
)

// ExitReason describes why a worker terminated
type ExitReason string

const (
	ExitReasonSuccess     ExitReason = "success"      // Exit code 0
	ExitReasonError       ExitReason = "error"        // Exit code != 0
	ExitReasonSignal      ExitReason = "signal"       // Killed by signal
	ExitReasonOOM         ExitReason = "oom"          // Killed by the OOM killer (137)
	ExitReasonStartFailed ExitReason = "start_failed" // Could not be executed
	ExitReasonUnknown     ExitReason = "unknown"
)

// Result is the immutable record of one worker run. Set once, never change.
type Result struct {
	Launch int `json:"launch"`
	PID    int `json:"pid"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`

	ExitCode int        `json:"exit_code"`
	Reason   ExitReason `json:"reason"`
	Signal   string     `json:"signal,omitempty"`

	// Interrupted is true when the operator stopped the supervisor during this run.
	Interrupted bool `json:"interrupted"`
}

// NewResult creates an immutable result
func NewResult(launch, pid, exitCode int, reason ExitReason, startTime, endTime time.Time) *Result {
	return &Result{
		Launch:    launch,
		PID:       pid,
		ExitCode:  exitCode,
		Reason:    reason,
		StartTime: startTime,
		EndTime:   endTime,
		Duration:  endTime.Sub(startTime),
	}
}

// Fields returns the result as structured log fields.
func (r *Result) Fields() map[string]interface{} {
	f := map[string]interface{}{
		"launch":    r.Launch,
		"pid":       r.PID,
		"exit_code": r.ExitCode,
		"reason":    string(r.Reason),
		"uptime":    r.Duration.Round(time.Millisecond).String(),
	}
	if r.Signal != "" {
		f["signal"] = r.Signal
	}
	return f
}

// LogSummary emits the one-line exit record ops grep for.
func (r *Result) LogSummary(logger *logging.Logger) {
	if r.ExitCode == 0 && r.Signal == "" {
		logger.Info("Worker exited", r.Fields())
		return
	}
	logger.Warn("Worker exited", r.Fields())
}
