// Package keepawake launches the worker under the host's "prevent idle
// sleep" facility when one exists. The wrapper tools propagate the child's
// exit status, so wrapping never changes restart behavior.
package keepawake

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

// trialTimeout bounds the trial run of a wrapper tool.
const trialTimeout = 5 * time.Second

// LookPathFunc resolves an executable name to a path.
type LookPathFunc func(file string) (string, error)

// RunFunc executes a command and waits for it.
type RunFunc func(ctx context.Context, name string, args ...string) error

func execRun(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// Inhibitor prefixes a command line with a sleep-prevention tool.
type Inhibitor struct {
	Tool string
	Path string
	Args []string
}

// Available reports whether a facility was found.
func (i *Inhibitor) Available() bool {
	return i != nil && i.Path != ""
}

// Wrap returns the argv to execute. Without a facility the input is returned
// unchanged.
func (i *Inhibitor) Wrap(name string, args []string) (string, []string) {
	if !i.Available() {
		return name, args
	}
	wrapped := make([]string, 0, len(i.Args)+1+len(args))
	wrapped = append(wrapped, i.Args...)
	wrapped = append(wrapped, name)
	wrapped = append(wrapped, args...)
	return i.Path, wrapped
}

// Detect probes for the platform's facility. A tool found on PATH is only
// used after it wraps a trivial command successfully: systemd-inhibit on a
// host without a reachable logind exits before it runs the child. A nil
// result means none; the error says why a found tool was rejected.
func Detect(ctx context.Context, lookPath LookPathFunc, run RunFunc, goos string) (*Inhibitor, error) {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if run == nil {
		run = execRun
	}
	if goos == "" {
		goos = runtime.GOOS
	}

	inh := candidate(lookPath, goos)
	if inh == nil {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, trialTimeout)
	defer cancel()
	name, args := inh.Wrap("true", nil)
	if err := run(ctx, name, args...); err != nil {
		return nil, fmt.Errorf("%s unusable: %w", inh.Tool, err)
	}
	return inh, nil
}

func candidate(lookPath LookPathFunc, goos string) *Inhibitor {
	switch goos {
	case "darwin":
		// -i prevents idle sleep for as long as the child runs.
		if path, err := lookPath("caffeinate"); err == nil {
			return &Inhibitor{Tool: "caffeinate", Path: path, Args: []string{"-i"}}
		}
	case "linux":
		if path, err := lookPath("systemd-inhibit"); err == nil {
			return &Inhibitor{
				Tool: "systemd-inhibit",
				Path: path,
				Args: []string{
					"--what=idle:sleep",
					"--who=botkeeper",
					"--why=Supervised worker is running",
					"--mode=block",
				},
			}
		}
	}
	return nil
}
