// Package supervisor keeps a single worker process alive: launch, wait,
// pause, relaunch, until an operator interrupts.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/psantana5/botkeeper/internal/keepawake"
	"github.com/psantana5/botkeeper/internal/logging"
	"github.com/psantana5/botkeeper/internal/report"
	"github.com/psantana5/botkeeper/internal/resources"
	"github.com/psantana5/botkeeper/internal/state"
	"github.com/psantana5/botkeeper/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartFailedCode is the exit code recorded when the worker cannot be executed.
const StartFailedCode = 127

// InterruptedCode is returned when the operator stops the supervisor between runs.
const InterruptedCode = 130

// Options configures a Supervisor. Runtime and Script are required.
type Options struct {
	Runtime    string   // interpreter path
	Script     string   // worker entry point
	Args       []string // forwarded verbatim after Script
	Unbuffered bool
	Optimize   int // 0, 1 (-O) or 2 (-OO)

	Env []string // base environment, os.Environ() when nil
	// Stdin must not be a terminal: the worker runs in its own process group
	// and would stop on SIGTTIN when reading it. Nil reads from /dev/null.
	Stdin  io.Reader
	Output io.Writer // worker stdout and stderr, the logger's writer when nil

	Policy         Policy
	KillGrace      time.Duration
	CrashLoopBurst int

	Inhibitor *keepawake.Inhibitor
	Cgroups   *resources.Cgroups
	Limits    resources.CgroupLimits

	Logger     *logging.Logger
	LogMaxSize int64
	Metrics    *report.Metrics
	History    *report.History
	Tracer     *tracing.Provider
	Textfile   string

	StatePath string
	State     *state.RunState

	// Signals delivers operator interrupts. Cancelling the Run context is
	// treated as SIGTERM.
	Signals <-chan os.Signal
}

// Outcome summarizes a supervisor run once it has stopped.
type Outcome struct {
	Launches     int
	LastExitCode int
	Signal       string // set when the last worker died from a signal
	Interrupted  bool   // true when stopped between runs
}

// ExitCode is the status the supervisor process should exit with.
func (o Outcome) ExitCode() int {
	if o.Interrupted {
		return InterruptedCode
	}
	return o.LastExitCode
}

// Supervisor owns the worker lifecycle.
type Supervisor struct {
	opts      Options
	logger    *logging.Logger
	crashLoop *crashLoopDetector
	st        *state.RunState
}

// New validates opts and fills defaults.
func New(opts Options) (*Supervisor, error) {
	if opts.Runtime == "" {
		return nil, fmt.Errorf("supervisor: runtime is required")
	}
	if opts.Script == "" {
		return nil, fmt.Errorf("supervisor: script is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(logging.INFO, false)
	}
	if opts.Output == nil {
		opts.Output = opts.Logger.Writer()
	}
	if opts.Env == nil {
		opts.Env = os.Environ()
	}
	if opts.Policy.Delay <= 0 {
		opts.Policy = DefaultPolicy()
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 30 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = report.NewMetrics()
	}
	if opts.History == nil {
		opts.History = report.NewHistory(50)
	}

	st := opts.State
	if st == nil {
		st = &state.RunState{SupervisorPID: os.Getpid(), StartedAt: time.Now()}
	}
	st.Runtime = opts.Runtime

	return &Supervisor{
		opts:      opts,
		logger:    opts.Logger.WithField("component", "supervisor"),
		crashLoop: newCrashLoopDetector(opts.CrashLoopBurst),
		st:        st,
	}, nil
}

// Command returns the argv used for every launch, keep-awake wrapping included.
func (s *Supervisor) Command() (string, []string) {
	args := make([]string, 0, len(s.opts.Args)+2)
	switch s.opts.Optimize {
	case 1:
		args = append(args, "-O")
	case 2:
		args = append(args, "-OO")
	}
	args = append(args, s.opts.Script)
	args = append(args, s.opts.Args...)
	return s.opts.Inhibitor.Wrap(s.opts.Runtime, args)
}

func (s *Supervisor) environ() []string {
	env := append([]string(nil), s.opts.Env...)
	if s.opts.Unbuffered {
		env = append(env, "PYTHONUNBUFFERED=1")
	}
	if s.opts.Optimize > 0 {
		env = append(env, "PYTHONOPTIMIZE="+strconv.Itoa(s.opts.Optimize))
	}
	return env
}

// Run launches the worker and relaunches it after every exit until an
// interrupt arrives. The worker is never restarted after an interrupt.
func (s *Supervisor) Run(ctx context.Context) Outcome {
	var (
		outcome     Outcome
		consecutive int
	)

	name, args := s.Command()
	s.logger.Info("Supervisor started", map[string]interface{}{
		"command":   name,
		"args":      args,
		"keepawake": s.opts.Inhibitor.Available(),
	})

	for {
		s.rotateLog()

		outcome.Launches++
		result, interrupted := s.runOnce(ctx, outcome.Launches)
		outcome.LastExitCode = result.ExitCode
		outcome.Signal = result.Signal

		if interrupted {
			s.logger.Info("Worker stopped after interrupt, not restarting", map[string]interface{}{
				"exit_code": result.ExitCode,
				"launches":  outcome.Launches,
			})
			s.setPhase(state.PhaseStopped)
			return outcome
		}

		if s.opts.Policy.Stable(result.Duration) {
			consecutive = 0
		}
		consecutive++
		delay := s.opts.Policy.Next(consecutive)

		if s.crashLoop.looping(time.Now()) {
			s.logger.Warn("Worker is crash looping", map[string]interface{}{
				"restarts_per_minute": s.opts.CrashLoopBurst,
				"consecutive":         consecutive,
			})
		}

		s.logger.Info(fmt.Sprintf("Restarting worker in %s", delay), map[string]interface{}{
			"exit_code": result.ExitCode,
			"restart":   outcome.Launches,
		})
		s.opts.Metrics.RecordRestart(delay.Seconds())
		s.st.NextLaunchAt = time.Now().Add(delay)
		s.setPhase(state.PhaseWaiting)

		if !s.wait(ctx, delay) {
			s.logger.Info("Interrupted while waiting to restart", map[string]interface{}{
				"launches": outcome.Launches,
			})
			outcome.Interrupted = true
			s.setPhase(state.PhaseStopped)
			return outcome
		}
		s.st.NextLaunchAt = time.Time{}
	}
}

// wait sleeps for d and reports false if interrupted first.
func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-s.opts.Signals:
		return false
	case <-ctx.Done():
		return false
	}
}

// runOnce executes one worker to completion. It reports whether an
// interrupt arrived while the worker ran.
func (s *Supervisor) runOnce(ctx context.Context, launch int) (*report.Result, bool) {
	name, args := s.Command()

	ctx, span := s.opts.Tracer.StartSpan(ctx, "worker.run", attribute.Int("launch", launch))

	cmd := exec.Command(name, args...)
	cmd.Env = s.environ()
	cmd.Stdin = s.opts.Stdin
	cmd.Stdout = s.opts.Output
	cmd.Stderr = s.opts.Output

	// Own process group: terminal signals reach the supervisor only, which
	// forwards exactly one to the worker.
	cmd.SysProcAttr = processAttr()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		s.logger.Error("Failed to start worker", map[string]interface{}{
			"command": name,
			"error":   err.Error(),
		})
		result := report.NewResult(launch, 0, StartFailedCode, report.ExitReasonStartFailed, start, time.Now())
		s.finish(result, span, err)
		return result, false
	}

	pid := cmd.Process.Pid
	s.opts.Metrics.RecordLaunch()
	span.SetAttributes(attribute.Int("pid", pid))
	s.logger.Info("Worker started", map[string]interface{}{"pid": pid, "launch": launch})

	s.st.WorkerPID = pid
	s.st.WorkerStartedAt = start
	s.st.Launches = launch
	s.setPhase(state.PhaseRunning)

	cgroupPath := s.applyLimits(launch, pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var (
		interrupted bool
		grace       <-chan time.Time
		ctxDone     = ctx.Done()
	)

running:
	for {
		select {
		case <-done:
			break running
		case sig := <-s.opts.Signals:
			if interrupted {
				s.killGroup(pid, "second interrupt")
				continue
			}
			interrupted = true
			grace = s.forward(pid, toSyscall(sig))
		case <-ctxDone:
			ctxDone = nil
			if !interrupted {
				interrupted = true
				grace = s.forward(pid, syscall.SIGTERM)
			}
		case <-grace:
			grace = nil
			s.killGroup(pid, "grace period elapsed")
		}
	}

	end := time.Now()
	if cgroupPath != "" {
		if err := s.opts.Cgroups.Release(cgroupPath); err != nil {
			s.logger.Debug("Failed to release cgroup", map[string]interface{}{"path": cgroupPath, "error": err.Error()})
		}
	}

	status := determineExit(cmd.ProcessState)
	result := report.NewResult(launch, pid, status.code, status.reason, start, end)
	result.Signal = SignalName(status.signal)
	result.Interrupted = interrupted

	span.SetAttributes(
		attribute.Int("exit_code", result.ExitCode),
		attribute.String("reason", string(result.Reason)),
	)
	s.finish(result, span, nil)
	return result, interrupted
}

// finish records a completed run everywhere it is observed.
func (s *Supervisor) finish(result *report.Result, span trace.Span, err error) {
	result.LogSummary(s.logger)
	s.opts.Metrics.RecordResult(result)
	s.opts.History.Record(result)

	code := result.ExitCode
	s.st.WorkerPID = 0
	s.st.LastExitCode = &code
	s.st.LastReason = string(result.Reason)
	s.st.LastExitAt = result.EndTime
	s.st.Launches = result.Launch

	if s.opts.Textfile != "" {
		if werr := s.opts.Metrics.WriteTextfile(s.opts.Textfile); werr != nil {
			s.logger.Debug("Failed to write metrics textfile", map[string]interface{}{"error": werr.Error()})
		}
	}

	tracing.End(span, err)
}

func (s *Supervisor) forward(pid int, sig syscall.Signal) <-chan time.Time {
	s.logger.Info("Interrupt received, stopping worker", map[string]interface{}{
		"pid":    pid,
		"signal": SignalName(sig),
		"grace":  s.opts.KillGrace.String(),
	})
	if err := syscall.Kill(-pid, sig); err != nil {
		s.logger.Debug("Failed to signal worker group", map[string]interface{}{"error": err.Error()})
	}
	return time.After(s.opts.KillGrace)
}

func (s *Supervisor) killGroup(pid int, why string) {
	s.logger.Warn("Killing worker", map[string]interface{}{"pid": pid, "reason": why})
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		s.logger.Debug("Failed to kill worker group", map[string]interface{}{"error": err.Error()})
	}
}

// applyLimits caps the worker best effort. Failure leaves it uncapped.
func (s *Supervisor) applyLimits(launch, pid int) string {
	if s.opts.Cgroups == nil || s.opts.Limits.Empty() {
		return ""
	}
	path, err := s.opts.Cgroups.Apply("worker-"+strconv.Itoa(launch), pid, s.opts.Limits)
	if err != nil {
		s.logger.Debug("Cgroup limits not applied", map[string]interface{}{"error": err.Error()})
		return ""
	}
	return path
}

func (s *Supervisor) rotateLog() {
	rotated, err := s.opts.Logger.RotateIfNeeded(s.opts.LogMaxSize)
	if err != nil {
		s.logger.Warn("Log rotation failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if rotated {
		s.logger.Info("Log file rotated")
	}
}

func (s *Supervisor) setPhase(p state.Phase) {
	s.st.Phase = p
	if s.opts.StatePath == "" {
		return
	}
	if err := state.Write(s.opts.StatePath, s.st); err != nil {
		s.logger.Debug("Failed to write run state", map[string]interface{}{"error": err.Error()})
	}
}
