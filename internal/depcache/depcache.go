// Package depcache keeps the worker's isolated dependency environment in
// sync with its manifest. Installation only runs when the manifest's
// fingerprint differs from the one recorded after the last successful
// install.
package depcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/psantana5/botkeeper/internal/logging"
)

// ErrManifestMissing is returned when the dependency manifest cannot be read.
var ErrManifestMissing = errors.New("dependency manifest missing")

// Runner executes an external command and waits for it.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with os/exec, streaming their output to Output.
type ExecRunner struct {
	Output io.Writer
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out := r.Output
	if out == nil {
		out = os.Stdout
	}
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}

// InstallError reports a failed environment creation or dependency install.
type InstallError struct {
	Step     string
	ExitCode int
	Err      error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("%s failed (exit %d): %v", e.Step, e.ExitCode, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

func newInstallError(step string, err error) *InstallError {
	code := 1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		code = exitErr.ExitCode()
	}
	return &InstallError{Step: step, ExitCode: code, Err: err}
}

// Options configures a Manager.
type Options struct {
	// Interpreter is the resolved path of the base runtime.
	Interpreter string
	Dir         string
	Manifest    string
	RecordPath  string
	Runner      Runner
	Logger      *logging.Logger
	// OnInstall is called after every install attempt with "success" or "failure".
	OnInstall func(result string)
}

// Manager owns the environment directory and its fingerprint record.
type Manager struct {
	opts Options
}

// New creates a Manager. RecordPath defaults to a file inside Dir.
func New(opts Options) *Manager {
	if opts.RecordPath == "" {
		opts.RecordPath = filepath.Join(opts.Dir, ".requirements.sha256")
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(logging.INFO, false)
	}
	return &Manager{opts: opts}
}

// Python returns the interpreter inside the managed environment.
func (m *Manager) Python() string {
	return EnvPython(m.opts.Dir)
}

// EnvPython returns the interpreter path inside a virtual environment.
func EnvPython(dir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(dir, "Scripts", "python.exe")
	}
	return filepath.Join(dir, "bin", "python")
}

// SyncResult describes what Prepare or Sync did.
type SyncResult struct {
	Created     bool
	Installed   bool
	Fingerprint string
}

// Prepare ensures the environment exists and its dependencies match the manifest.
func (m *Manager) Prepare(ctx context.Context) (SyncResult, error) {
	created, err := m.EnsureEnv(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	res, err := m.Sync(ctx)
	res.Created = created
	return res, err
}

// EnsureEnv creates the environment if it has no interpreter yet and
// bootstraps its package tool until that has succeeded once. A freshly
// created environment has no dependencies, so any record left behind is
// discarded.
func (m *Manager) EnsureEnv(ctx context.Context) (bool, error) {
	created := false
	if _, err := os.Stat(m.Python()); err != nil {
		log := m.opts.Logger.WithField("dir", m.opts.Dir)
		log.Info("Creating isolated environment")

		if err := os.Remove(m.opts.RecordPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("failed to clear stale fingerprint: %w", err)
		}
		if err := m.opts.Runner.Run(ctx, m.opts.Interpreter, "-m", "venv", m.opts.Dir); err != nil {
			return false, newInstallError("environment creation", err)
		}
		created = true
	}

	marker := m.bootstrapMarker()
	if _, err := os.Stat(marker); err == nil {
		return created, nil
	}

	m.opts.Logger.Info("Bootstrapping package installer", map[string]interface{}{"dir": m.opts.Dir})
	if err := m.opts.Runner.Run(ctx, m.Python(), "-m", "pip", "install", "--quiet", "--upgrade", "pip"); err != nil {
		return created, newInstallError("pip bootstrap", err)
	}
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		return created, fmt.Errorf("failed to record bootstrap: %w", err)
	}
	return created, nil
}

// bootstrapMarker exists once the package tool has been bootstrapped.
func (m *Manager) bootstrapMarker() string {
	return filepath.Join(m.opts.Dir, ".bootstrapped")
}

// Sync installs dependencies if the manifest changed since the last
// successful install. The record is written only after the installer
// succeeds.
func (m *Manager) Sync(ctx context.Context) (SyncResult, error) {
	current, err := Fingerprint(m.opts.Manifest)
	if err != nil {
		return SyncResult{}, err
	}

	stored, err := ReadRecord(m.opts.RecordPath)
	if err != nil {
		m.opts.Logger.Warn("Unreadable fingerprint record, reinstalling", map[string]interface{}{"error": err.Error()})
		stored = ""
	}

	if stored != "" && stored == current {
		m.opts.Logger.Info("Dependencies up to date", map[string]interface{}{"fingerprint": short(current)})
		return SyncResult{Fingerprint: current}, nil
	}

	m.opts.Logger.Info("Installing dependencies", map[string]interface{}{
		"manifest":    m.opts.Manifest,
		"fingerprint": short(current),
		"previous":    short(stored),
	})

	if err := m.opts.Runner.Run(ctx, m.Python(), "-m", "pip", "install", "-r", m.opts.Manifest); err != nil {
		m.observe("failure")
		return SyncResult{Fingerprint: current}, newInstallError("dependency install", err)
	}
	m.observe("success")

	if err := WriteRecord(m.opts.RecordPath, current); err != nil {
		return SyncResult{Installed: true, Fingerprint: current}, err
	}

	m.opts.Logger.Info("Dependencies installed", map[string]interface{}{"fingerprint": short(current)})
	return SyncResult{Installed: true, Fingerprint: current}, nil
}

// Status compares the manifest with the stored record without changing anything.
func (m *Manager) Status() (current, stored string, err error) {
	current, err = Fingerprint(m.opts.Manifest)
	if err != nil {
		return "", "", err
	}
	stored, err = ReadRecord(m.opts.RecordPath)
	return current, stored, err
}

func (m *Manager) observe(result string) {
	if m.opts.OnInstall != nil {
		m.opts.OnInstall(result)
	}
}

// Fingerprint returns the lowercase hex SHA-256 of the file's bytes.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrManifestMissing, path)
		}
		return "", fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash manifest: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReadRecord returns the stored fingerprint, or "" if there is none.
func ReadRecord(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read fingerprint record: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteRecord atomically replaces the stored fingerprint.
func WriteRecord(path, fingerprint string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".fingerprint-*")
	if err != nil {
		return fmt.Errorf("failed to create temp record: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(fingerprint + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to persist record: %w", err)
	}
	return nil
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
