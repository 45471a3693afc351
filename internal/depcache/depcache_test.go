package depcache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/psantana5/botkeeper/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls [][]string
	// fail makes any call whose argv contains the substring return the error.
	fail   map[string]error
	onVenv func(dir string)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) error {
	argv := append([]string{name}, args...)
	f.calls = append(f.calls, argv)
	joined := strings.Join(argv, " ")
	for needle, err := range f.fail {
		if strings.Contains(joined, needle) {
			return err
		}
	}
	if len(args) >= 3 && args[0] == "-m" && args[1] == "venv" && f.onVenv != nil {
		f.onVenv(args[2])
	}
	return nil
}

func (f *fakeRunner) installs() int {
	n := 0
	for _, c := range f.calls {
		if strings.Contains(strings.Join(c, " "), "install -r") {
			n++
		}
	}
	return n
}

type fixture struct {
	dir      string
	envDir   string
	manifest string
	record   string
	runner   *fakeRunner
	mgr      *Manager
	logs     *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:      dir,
		envDir:   filepath.Join(dir, ".venv"),
		manifest: filepath.Join(dir, "requirements.txt"),
		runner: &fakeRunner{onVenv: func(d string) {
			py := EnvPython(d)
			os.MkdirAll(filepath.Dir(py), 0755)
			os.WriteFile(py, []byte("#!/bin/sh\n"), 0755)
		}},
		logs: &bytes.Buffer{},
	}
	f.record = filepath.Join(f.envDir, ".requirements.sha256")
	require.NoError(t, os.WriteFile(f.manifest, []byte("websockets==12.0\nhttpx==0.27.0\n"), 0644))

	logger := logging.NewLogger(logging.DEBUG, false)
	logger.SetOutput(f.logs)

	f.mgr = New(Options{
		Interpreter: "/usr/bin/python3.12",
		Dir:         f.envDir,
		Manifest:    f.manifest,
		Runner:      f.runner,
		Logger:      logger,
	})
	return f
}

func TestFingerprint_ChangesWithAnyByte(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "requirements.txt")
	base := []byte("aiohttp==3.9.5\nnumpy==1.26.4\n")

	require.NoError(t, os.WriteFile(path, base, 0644))
	original, err := Fingerprint(path)
	require.NoError(t, err)
	assert.Len(t, original, 64)

	for i := range base {
		mutated := append([]byte(nil), base...)
		mutated[i] ^= 0x01
		require.NoError(t, os.WriteFile(path, mutated, 0644))

		got, err := Fingerprint(path)
		require.NoError(t, err)
		assert.NotEqual(t, original, got, "flipping byte %d must change the fingerprint", i)
	}

	require.NoError(t, os.WriteFile(path, base, 0644))
	again, err := Fingerprint(path)
	require.NoError(t, err)
	assert.Equal(t, original, again, "fingerprint must be deterministic")
}

func TestFingerprint_MissingManifest(t *testing.T) {
	_, err := Fingerprint(filepath.Join(t.TempDir(), "nope.txt"))
	assert.ErrorIs(t, err, ErrManifestMissing)
}

func TestPrepare_FirstRunCreatesEnvAndInstalls(t *testing.T) {
	f := newFixture(t)

	res, err := f.mgr.Prepare(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.True(t, res.Installed)
	require.Len(t, f.runner.calls, 3)
	assert.Equal(t, []string{"/usr/bin/python3.12", "-m", "venv", f.envDir}, f.runner.calls[0])
	assert.Contains(t, strings.Join(f.runner.calls[1], " "), "--upgrade pip")
	assert.Equal(t, 1, f.runner.installs())

	stored, err := ReadRecord(f.record)
	require.NoError(t, err)
	want, _ := Fingerprint(f.manifest)
	assert.Equal(t, want, stored)
}

func TestPrepare_UnchangedManifestSkipsInstall(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Prepare(context.Background())
	require.NoError(t, err)
	f.runner.calls = nil
	f.logs.Reset()

	res, err := f.mgr.Prepare(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Created)
	assert.False(t, res.Installed)
	assert.Empty(t, f.runner.calls, "second run must not invoke any installer")
	assert.Contains(t, f.logs.String(), "up to date")
}

func TestSync_ChangedManifestReinstalls(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Prepare(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(f.manifest, []byte("websockets==12.0\nhttpx==0.28.0\n"), 0644))
	f.runner.calls = nil

	res, err := f.mgr.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Installed)
	assert.Equal(t, 1, f.runner.installs())

	stored, _ := ReadRecord(f.record)
	assert.Equal(t, res.Fingerprint, stored)
}

func TestSync_EmptyOrCorruptRecordReinstalls(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.EnsureEnv(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(f.record, []byte("\n"), 0644))
	res, err := f.mgr.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Installed)

	require.NoError(t, os.WriteFile(f.record, []byte("deadbeef"), 0644))
	res, err = f.mgr.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Installed)
	assert.Equal(t, 2, f.runner.installs())
}

func TestSync_FailedInstallKeepsRecord(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Prepare(context.Background())
	require.NoError(t, err)
	before, _ := ReadRecord(f.record)

	require.NoError(t, os.WriteFile(f.manifest, []byte("broken-package==0.0.0\n"), 0644))
	f.runner.fail = map[string]error{"install -r": errors.New("resolver failed")}

	var results []string
	f.mgr.opts.OnInstall = func(r string) { results = append(results, r) }

	_, err = f.mgr.Sync(context.Background())
	var ie *InstallError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 1, ie.ExitCode)
	assert.Equal(t, []string{"failure"}, results)

	after, _ := ReadRecord(f.record)
	assert.Equal(t, before, after, "record must not change when install fails")

	// The next invocation retries.
	f.runner.fail = nil
	res, err := f.mgr.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Installed)
}

func TestSync_InstallErrorCarriesExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	exitErr := exec.Command("sh", "-c", "exit 3").Run()
	require.Error(t, exitErr)

	f := newFixture(t)
	_, err := f.mgr.EnsureEnv(context.Background())
	require.NoError(t, err)
	f.runner.fail = map[string]error{"install -r": exitErr}

	_, err = f.mgr.Sync(context.Background())
	var ie *InstallError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 3, ie.ExitCode)

	_, statErr := os.Stat(f.record)
	assert.True(t, os.IsNotExist(statErr))
}

func TestEnsureEnv_RecreationDiscardsStaleRecord(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Prepare(context.Background())
	require.NoError(t, err)

	// Environment wiped but record kept elsewhere survives.
	external := filepath.Join(f.dir, "fingerprint")
	current, _ := Fingerprint(f.manifest)
	require.NoError(t, WriteRecord(external, current))
	require.NoError(t, os.RemoveAll(f.envDir))

	f.mgr.opts.RecordPath = external
	f.runner.calls = nil

	res, err := f.mgr.Prepare(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Installed, "a new environment must always be populated")
}

func TestEnsureEnv_FailedBootstrapIsRetried(t *testing.T) {
	f := newFixture(t)
	f.runner.fail = map[string]error{"--upgrade pip": errors.New("no network")}

	created, err := f.mgr.EnsureEnv(context.Background())
	var ie *InstallError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "pip bootstrap", ie.Step)
	assert.True(t, created)
	assert.FileExists(t, f.mgr.Python(), "the interpreter stays for the retry")

	f.runner.fail = nil
	f.runner.calls = nil

	created, err = f.mgr.EnsureEnv(context.Background())
	require.NoError(t, err)
	assert.False(t, created)
	require.Len(t, f.runner.calls, 1, "only the bootstrap is retried")
	assert.Contains(t, strings.Join(f.runner.calls[0], " "), "--upgrade pip")

	f.runner.calls = nil
	_, err = f.mgr.EnsureEnv(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.runner.calls)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)

	current, stored, err := f.mgr.Status()
	require.NoError(t, err)
	assert.NotEmpty(t, current)
	assert.Empty(t, stored)

	_, err = f.mgr.Prepare(context.Background())
	require.NoError(t, err)

	current, stored, err = f.mgr.Status()
	require.NoError(t, err)
	assert.Equal(t, current, stored)
}
