// Package probe selects the interpreter the worker runs under.
package probe

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrRuntimeNotFound is matched by every NotFoundError.
var ErrRuntimeNotFound = errors.New("runtime not found")

// LookPathFunc resolves an executable name to a path.
type LookPathFunc func(file string) (string, error)

// Config lists acceptable interpreters, most preferred first.
type Config struct {
	Candidates []string
	Override   string
	Minimum    string
}

// Runtime is the interpreter chosen for this invocation.
type Runtime struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

func (r Runtime) String() string {
	return fmt.Sprintf("%s (%s)", r.Name, r.Path)
}

// NotFoundError is returned when no candidate resolves on PATH.
type NotFoundError struct {
	Tried   []string
	Minimum string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no suitable runtime found (tried %s)", strings.Join(e.Tried, ", "))
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrRuntimeNotFound
}

// Guidance is the operator-facing remediation text.
func (e *NotFoundError) Guidance() string {
	min := e.Minimum
	if min == "" {
		min = "3"
	}
	return fmt.Sprintf("Python %s or newer is required. Install it (e.g. `brew install python@%s` or `apt install python%s`) "+
		"or point PYTHON at an interpreter.", min, min, min)
}

// Find returns the first available interpreter. An explicit override is
// tried first and is authoritative: if it does not resolve, the candidate
// list is not consulted.
func Find(cfg Config, lookPath LookPathFunc) (Runtime, error) {
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	if cfg.Override != "" {
		path, err := lookPath(cfg.Override)
		if err != nil {
			return Runtime{}, &NotFoundError{Tried: []string{cfg.Override}, Minimum: cfg.Minimum}
		}
		return Runtime{Name: cfg.Override, Path: path}, nil
	}

	for _, name := range cfg.Candidates {
		path, err := lookPath(name)
		if err == nil {
			return Runtime{Name: name, Path: path}, nil
		}
	}

	tried := make([]string, len(cfg.Candidates))
	copy(tried, cfg.Candidates)
	return Runtime{}, &NotFoundError{Tried: tried, Minimum: cfg.Minimum}
}
