package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/psantana5/botkeeper/internal/config"
	"github.com/psantana5/botkeeper/internal/depcache"
	"github.com/psantana5/botkeeper/internal/keepawake"
	"github.com/psantana5/botkeeper/internal/logging"
	"github.com/psantana5/botkeeper/internal/precheck"
	"github.com/psantana5/botkeeper/internal/probe"
	"github.com/psantana5/botkeeper/internal/report"
	"github.com/psantana5/botkeeper/internal/resources"
	"github.com/psantana5/botkeeper/internal/shutdown"
	"github.com/psantana5/botkeeper/internal/state"
	"github.com/psantana5/botkeeper/internal/supervisor"
	"github.com/psantana5/botkeeper/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const (
	exitSetupFailed   = 1
	exitInvalidConfig = 2
)

// app wires the setup sequence. Fields are swapped in tests.
type app struct {
	stdout io.Writer
	stderr io.Writer

	lookPath  probe.LookPathFunc
	runner    depcache.Runner
	keepAwake keepawake.RunFunc
	signals   func() (<-chan os.Signal, func())
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:  stdout,
		stderr:  stderr,
		signals: shutdown.Notify,
	}
}

// run performs setup then supervises the worker. Setup failures are fatal
// and return before any launch.
func (a *app) run(ctx context.Context, args []string) int {
	cfg, err := config.Load(config.New())
	if err != nil {
		fmt.Fprintf(a.stderr, "botkeeper: %v\n", err)
		return exitInvalidConfig
	}

	logger := a.newLogger(cfg)
	sessionID := uuid.NewString()
	logger = logger.WithField("session", sessionID[:8])

	shut := shutdown.New(10*time.Second, logger)
	defer shut.Shutdown()
	shut.Register("log file", shutdown.CloseResource(logger, "log file"))

	tracer, err := tracing.Init(tracing.Config{
		ServiceName:    "botkeeper",
		ServiceVersion: Version,
		SessionID:      sessionID,
		Endpoint:       cfg.Tracing.Endpoint,
	}, logger)
	if err != nil {
		logger.Warn("Tracing disabled", map[string]interface{}{"error": err.Error()})
	}
	shut.Register("tracer", tracer.Shutdown)

	logger.Info("Starting botkeeper", map[string]interface{}{
		"version": Version,
		"config":  cfg.Source,
		"args":    args,
	})

	st := &state.RunState{
		SessionID:     sessionID,
		SupervisorPID: os.Getpid(),
		StartedAt:     time.Now(),
		Phase:         state.PhaseSetup,
	}

	// Runtime
	_, span := tracer.StartSpan(ctx, "setup.probe")
	rt, err := probe.Find(probe.Config{
		Candidates: cfg.Runtime.Candidates,
		Override:   cfg.Runtime.Override,
		Minimum:    cfg.Runtime.Minimum,
	}, a.lookPath)
	tracing.End(span, err)
	if err != nil {
		logger.Error("Runtime not found", map[string]interface{}{"error": err.Error()})
		var nf *probe.NotFoundError
		if errors.As(err, &nf) {
			fmt.Fprintln(a.stderr, nf.Guidance())
		}
		return exitSetupFailed
	}
	logger.Info("Runtime selected", map[string]interface{}{"name": rt.Name, "path": rt.Path})

	metrics := report.NewMetrics()
	history := report.NewHistory(50)
	if cfg.Metrics.Addr != "" {
		srv := report.NewServer(cfg.Metrics.Addr, metrics, history, logger)
		if err := srv.Start(); err != nil {
			logger.Warn("Metrics server not started", map[string]interface{}{"addr": cfg.Metrics.Addr, "error": err.Error()})
		} else {
			logger.Info("Metrics server listening", map[string]interface{}{"addr": srv.Addr()})
			shut.Register("metrics server", shutdown.StopServer(srv, "metrics"))
		}
	}

	// Dependencies
	runner := a.runner
	if runner == nil {
		runner = depcache.ExecRunner{Output: logger.Writer()}
	}
	deps := depcache.New(depcache.Options{
		Interpreter: rt.Path,
		Dir:         cfg.Env.Dir,
		Manifest:    cfg.Env.Manifest,
		RecordPath:  cfg.Env.FingerprintFile,
		Runner:      runner,
		Logger:      logger.WithField("component", "depcache"),
		OnInstall:   metrics.RecordInstall,
	})

	depCtx, span := tracer.StartSpan(ctx, "setup.deps", attribute.String("manifest", cfg.Env.Manifest))
	synced, err := deps.Prepare(depCtx)
	tracing.End(span, err)
	if err != nil {
		logger.Error("Environment setup failed", map[string]interface{}{"error": err.Error()})
		var installErr *depcache.InstallError
		if errors.As(err, &installErr) {
			return installErr.ExitCode
		}
		return exitSetupFailed
	}
	st.Fingerprint = synced.Fingerprint

	// Resource limits
	outcome, err := resources.RaiseNoFile(cfg.Limits.NoFile)
	if err != nil {
		logger.Warn("Could not raise open file limit", map[string]interface{}{"error": err.Error()})
	} else {
		logger.Debug(outcome.String())
	}

	// Secrets
	if err := precheck.Secrets(cfg.Secrets.File, cfg.Secrets.Template); err != nil {
		logger.Error("Secrets file check failed", map[string]interface{}{"error": err.Error()})
		var missing *precheck.MissingError
		if errors.As(err, &missing) {
			fmt.Fprintln(a.stderr, missing.Remediation())
		}
		return exitSetupFailed
	}

	var inhibitor *keepawake.Inhibitor
	if cfg.KeepAwake.Enabled {
		inhibitor, err = keepawake.Detect(ctx, keepawake.LookPathFunc(a.lookPath), a.keepAwake, "")
		switch {
		case err != nil:
			logger.Debug("Sleep inhibitor rejected, launching directly", map[string]interface{}{"error": err.Error()})
		case inhibitor.Available():
			logger.Info("Preventing idle sleep while the worker runs", map[string]interface{}{"tool": inhibitor.Tool})
		default:
			logger.Debug("No sleep inhibitor available")
		}
	}

	signals, stop := a.signals()
	defer stop()

	sup, err := supervisor.New(supervisor.Options{
		Runtime:    deps.Python(),
		Script:     cfg.Worker.Script,
		Args:       args,
		Unbuffered: cfg.Worker.Unbuffered,
		Optimize:   cfg.Worker.Optimize,
		Policy: supervisor.Policy{
			Delay:       cfg.Restart.Delay,
			MaxDelay:    cfg.Restart.MaxDelay,
			Multiplier:  cfg.Restart.Multiplier,
			StableAfter: cfg.Restart.StableAfter,
		},
		KillGrace:      cfg.Restart.KillGrace,
		CrashLoopBurst: cfg.Restart.CrashLoopBurst,
		Inhibitor:      inhibitor,
		Cgroups:        resources.NewCgroups(""),
		Limits: resources.CgroupLimits{
			CPUQuotaPercent: cfg.Limits.CPUQuota,
			MemoryMB:        cfg.Limits.MemoryMB,
		},
		Logger:     logger,
		LogMaxSize: cfg.Log.MaxSize,
		Metrics:    metrics,
		History:    history,
		Tracer:     tracer,
		Textfile:   cfg.Metrics.Textfile,
		StatePath:  cfg.State.File,
		State:      st,
		Signals:    signals,
	})
	if err != nil {
		logger.Error("Supervisor setup failed", map[string]interface{}{"error": err.Error()})
		return exitSetupFailed
	}

	result := sup.Run(ctx)
	logger.Info("botkeeper stopped", map[string]interface{}{
		"launches":  result.Launches,
		"exit_code": result.ExitCode(),
	})
	return result.ExitCode()
}

// newLogger opens the append-only log file, falling back to console only.
func (a *app) newLogger(cfg *config.Config) *logging.Logger {
	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.File == "" {
		logger := logging.NewLogger(level, cfg.Log.JSON)
		logger.SetOutput(a.stdout)
		return logger
	}

	logger, err := logging.NewFileLogger(cfg.Log.File, level, cfg.Log.JSON)
	if err != nil {
		logger = logging.NewLogger(level, cfg.Log.JSON)
		logger.SetOutput(a.stdout)
		logger.Warn("Log file unavailable, logging to console only", map[string]interface{}{"error": err.Error()})
		return logger
	}
	logger.SetOutput(a.stdout)
	return logger
}
