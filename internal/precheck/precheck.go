// Package precheck verifies files the worker needs before it is launched.
package precheck

import (
	"errors"
	"fmt"
	"os"
)

// ErrMissingSecrets is matched by every MissingError.
var ErrMissingSecrets = errors.New("secrets file missing")

// MissingError carries remediation text for a missing secrets file.
type MissingError struct {
	Path     string
	Template string
	Reason   string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

func (e *MissingError) Is(target error) bool {
	return target == ErrMissingSecrets
}

// Remediation tells the operator how to create the file.
func (e *MissingError) Remediation() string {
	if e.Template == "" {
		return fmt.Sprintf("Create %s with the worker's credentials before starting.", e.Path)
	}
	if _, err := os.Stat(e.Template); err != nil {
		return fmt.Sprintf("Create %s with the worker's credentials (template %s was not found either).", e.Path, e.Template)
	}
	return fmt.Sprintf("Copy the template and fill in your credentials:\n\n    cp %s %s\n    $EDITOR %s\n", e.Template, e.Path, e.Path)
}

// Secrets checks that the secrets file exists and is a regular file. It is
// never opened or parsed here; the worker reads it.
func Secrets(path, template string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &MissingError{Path: path, Template: template, Reason: "not found"}
		}
		return fmt.Errorf("failed to check %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return &MissingError{Path: path, Template: template, Reason: "not a regular file"}
	}
	return nil
}
