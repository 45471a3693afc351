package supervisor

import (
	"fmt"
	"os"
	"syscall"

	"github.com/psantana5/botkeeper/internal/report"
)

// exitStatus is what the supervisor learned from a finished worker.
type exitStatus struct {
	code   int
	reason report.ExitReason
	signal syscall.Signal // zero unless killed by a signal
}

// determineExit classifies a finished process. Signal deaths are reported
// with the shell convention code 128+n.
func determineExit(ps *os.ProcessState) exitStatus {
	if ps == nil {
		return exitStatus{code: -1, reason: report.ExitReasonUnknown}
	}

	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok {
		code := ps.ExitCode()
		if code == 0 {
			return exitStatus{code: 0, reason: report.ExitReasonSuccess}
		}
		return exitStatus{code: code, reason: report.ExitReasonError}
	}

	switch {
	case ws.Exited():
		code := ws.ExitStatus()
		switch code {
		case 0:
			return exitStatus{code: 0, reason: report.ExitReasonSuccess}
		case 137:
			// A wrapper (keep-awake tool, shell) reporting its child was SIGKILLed,
			// which without an operator kill is almost always the OOM killer.
			return exitStatus{code: code, reason: report.ExitReasonOOM}
		default:
			return exitStatus{code: code, reason: report.ExitReasonError}
		}
	case ws.Signaled():
		sig := ws.Signal()
		return exitStatus{code: 128 + int(sig), reason: report.ExitReasonSignal, signal: sig}
	}
	return exitStatus{code: -1, reason: report.ExitReasonUnknown}
}

// SignalName returns the signal name for a signal number
func SignalName(sig syscall.Signal) string {
	switch sig {
	case 0:
		return ""
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	case syscall.SIGABRT:
		return "SIGABRT"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	case syscall.SIGXCPU:
		return "SIGXCPU"
	default:
		return fmt.Sprintf("SIG%d", int(sig))
	}
}

// toSyscall converts an os.Signal for forwarding; anything exotic becomes SIGTERM.
func toSyscall(sig os.Signal) syscall.Signal {
	if s, ok := sig.(syscall.Signal); ok {
		return s
	}
	return syscall.SIGTERM
}
