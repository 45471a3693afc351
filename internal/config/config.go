// Package config builds the supervisor's immutable configuration from
// defaults, an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvConfigFile names the environment variable that points at a YAML config
// file. The supervisor forwards its argv to the worker, so it cannot take a
// --config flag.
const EnvConfigFile = "BOTKEEPER_CONFIG"

// DefaultConfigFile is read when present and EnvConfigFile is unset.
const DefaultConfigFile = "botkeeper.yaml"

// Config is resolved once at startup and treated as read-only afterwards.
type Config struct {
	Runtime   RuntimeConfig   `yaml:"runtime" json:"runtime"`
	Env       EnvConfig       `yaml:"env" json:"env"`
	Worker    WorkerConfig    `yaml:"worker" json:"worker"`
	Secrets   SecretsConfig   `yaml:"secrets" json:"secrets"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Restart   RestartConfig   `yaml:"restart" json:"restart"`
	Limits    LimitsConfig    `yaml:"limits" json:"limits"`
	KeepAwake KeepAwakeConfig `yaml:"keepawake" json:"keepawake"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
	State     StateConfig     `yaml:"state" json:"state"`

	// Source is the config file that was read, empty if none.
	Source string `yaml:"-" json:"-"`
}

type RuntimeConfig struct {
	Candidates []string `yaml:"candidates" json:"candidates"`
	Override   string   `yaml:"override,omitempty" json:"override,omitempty"`
	Minimum    string   `yaml:"minimum" json:"minimum"`
}

type EnvConfig struct {
	Dir             string `yaml:"dir" json:"dir"`
	Manifest        string `yaml:"manifest" json:"manifest"`
	FingerprintFile string `yaml:"fingerprint_file" json:"fingerprint_file"`
}

type WorkerConfig struct {
	Script     string `yaml:"script" json:"script"`
	Unbuffered bool   `yaml:"unbuffered" json:"unbuffered"`
	// Optimize is the interpreter optimization level (0 off, 1 -O, 2 -OO).
	Optimize int `yaml:"optimize" json:"optimize"`
}

type SecretsConfig struct {
	File     string `yaml:"file" json:"file"`
	Template string `yaml:"template" json:"template"`
}

type LogConfig struct {
	File    string `yaml:"file" json:"file"`
	Level   string `yaml:"level" json:"level"`
	JSON    bool   `yaml:"json" json:"json"`
	MaxSize int64  `yaml:"max_size" json:"max_size"`
}

type RestartConfig struct {
	Delay          time.Duration `yaml:"delay" json:"delay"`
	MaxDelay       time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier     float64       `yaml:"multiplier" json:"multiplier"`
	StableAfter    time.Duration `yaml:"stable_after" json:"stable_after"`
	KillGrace      time.Duration `yaml:"kill_grace" json:"kill_grace"`
	CrashLoopBurst int           `yaml:"crash_loop_burst" json:"crash_loop_burst"`
}

type LimitsConfig struct {
	NoFile   uint64 `yaml:"nofile" json:"nofile"`
	CPUQuota int    `yaml:"cpu_quota" json:"cpu_quota"`
	MemoryMB int64  `yaml:"memory_mb" json:"memory_mb"`
}

type KeepAwakeConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type MetricsConfig struct {
	Addr     string `yaml:"addr,omitempty" json:"addr,omitempty"`
	Textfile string `yaml:"textfile,omitempty" json:"textfile,omitempty"`
}

type TracingConfig struct {
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

type StateConfig struct {
	File string `yaml:"file" json:"file"`
}

// ValidationError reports an unusable configuration value.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Key, e.Reason)
}

// New returns a viper instance with defaults and environment bindings set.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("runtime.candidates", "python3.12,python3.11,python3.10,python3")
	v.SetDefault("runtime.minimum", "3.10")
	v.SetDefault("env.dir", ".venv")
	v.SetDefault("env.manifest", "requirements.txt")
	v.SetDefault("worker.script", "bot.py")
	v.SetDefault("worker.unbuffered", true)
	v.SetDefault("worker.optimize", 0)
	v.SetDefault("secrets.file", ".env")
	v.SetDefault("secrets.template", ".env.example")
	v.SetDefault("log.file", "bot.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.max_size", 0)
	v.SetDefault("restart.delay", 5*time.Second)
	v.SetDefault("restart.max_delay", 5*time.Minute)
	v.SetDefault("restart.multiplier", 1.0)
	v.SetDefault("restart.stable_after", time.Minute)
	v.SetDefault("restart.kill_grace", 30*time.Second)
	v.SetDefault("restart.crash_loop_burst", 5)
	v.SetDefault("limits.nofile", 10240)
	v.SetDefault("limits.cpu_quota", 0)
	v.SetDefault("limits.memory_mb", 0)
	v.SetDefault("keepawake.enabled", true)

	v.SetEnvPrefix("BOTKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Interpreter-level variables keep their conventional names.
	v.BindEnv("runtime.override", "BOTKEEPER_RUNTIME_OVERRIDE", "PYTHON")
	v.BindEnv("worker.unbuffered", "BOTKEEPER_WORKER_UNBUFFERED", "PYTHONUNBUFFERED")
	v.BindEnv("worker.optimize", "BOTKEEPER_WORKER_OPTIMIZE", "PYTHONOPTIMIZE")

	return v
}

// Load reads the optional config file and resolves the final Config.
func Load(v *viper.Viper) (*Config, error) {
	source, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Runtime: RuntimeConfig{
			Candidates: stringList(v.Get("runtime.candidates")),
			Override:   strings.TrimSpace(v.GetString("runtime.override")),
			Minimum:    v.GetString("runtime.minimum"),
		},
		Env: EnvConfig{
			Dir:             v.GetString("env.dir"),
			Manifest:        v.GetString("env.manifest"),
			FingerprintFile: v.GetString("env.fingerprint_file"),
		},
		Worker: WorkerConfig{
			Script:     v.GetString("worker.script"),
			Unbuffered: v.GetBool("worker.unbuffered"),
			Optimize:   v.GetInt("worker.optimize"),
		},
		Secrets: SecretsConfig{
			File:     v.GetString("secrets.file"),
			Template: v.GetString("secrets.template"),
		},
		Log: LogConfig{
			File:    v.GetString("log.file"),
			Level:   v.GetString("log.level"),
			JSON:    v.GetBool("log.json"),
			MaxSize: v.GetInt64("log.max_size"),
		},
		Restart: RestartConfig{
			Delay:          v.GetDuration("restart.delay"),
			MaxDelay:       v.GetDuration("restart.max_delay"),
			Multiplier:     v.GetFloat64("restart.multiplier"),
			StableAfter:    v.GetDuration("restart.stable_after"),
			KillGrace:      v.GetDuration("restart.kill_grace"),
			CrashLoopBurst: v.GetInt("restart.crash_loop_burst"),
		},
		Limits: LimitsConfig{
			NoFile:   v.GetUint64("limits.nofile"),
			CPUQuota: v.GetInt("limits.cpu_quota"),
			MemoryMB: v.GetInt64("limits.memory_mb"),
		},
		KeepAwake: KeepAwakeConfig{Enabled: v.GetBool("keepawake.enabled")},
		Metrics: MetricsConfig{
			Addr:     v.GetString("metrics.addr"),
			Textfile: v.GetString("metrics.textfile"),
		},
		Tracing: TracingConfig{Endpoint: v.GetString("tracing.endpoint")},
		State:   StateConfig{File: v.GetString("state.file")},
		Source:  source,
	}

	if cfg.Env.FingerprintFile == "" {
		cfg.Env.FingerprintFile = filepath.Join(cfg.Env.Dir, ".requirements.sha256")
	}
	if cfg.State.File == "" {
		cfg.State.File = filepath.Join(cfg.Env.Dir, "botkeeper.state.json")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the supervisor cannot run with.
func (c *Config) Validate() error {
	switch {
	case len(c.Runtime.Candidates) == 0 && c.Runtime.Override == "":
		return &ValidationError{Key: "runtime.candidates", Reason: "at least one interpreter name is required"}
	case c.Env.Dir == "":
		return &ValidationError{Key: "env.dir", Reason: "must not be empty"}
	case c.Env.Manifest == "":
		return &ValidationError{Key: "env.manifest", Reason: "must not be empty"}
	case c.Worker.Script == "":
		return &ValidationError{Key: "worker.script", Reason: "must not be empty"}
	case c.Worker.Optimize < 0 || c.Worker.Optimize > 2:
		return &ValidationError{Key: "worker.optimize", Reason: "must be 0, 1 or 2"}
	case c.Restart.Delay <= 0:
		return &ValidationError{Key: "restart.delay", Reason: "must be positive"}
	case c.Restart.Multiplier < 1:
		return &ValidationError{Key: "restart.multiplier", Reason: "must be >= 1"}
	case c.Restart.MaxDelay < c.Restart.Delay:
		return &ValidationError{Key: "restart.max_delay", Reason: "must be >= restart.delay"}
	case c.Restart.KillGrace <= 0:
		return &ValidationError{Key: "restart.kill_grace", Reason: "must be positive"}
	case c.Limits.CPUQuota < 0 || c.Limits.MemoryMB < 0:
		return &ValidationError{Key: "limits", Reason: "caps must not be negative"}
	}
	return nil
}

func readConfigFile(v *viper.Viper) (string, error) {
	path := os.Getenv(EnvConfigFile)
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %s: %w", path, err)
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return path, nil
}

// stringList accepts either a YAML list or a comma/space separated string.
func stringList(raw interface{}) []string {
	var parts []string
	switch val := raw.(type) {
	case string:
		parts = strings.FieldsFunc(val, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
	case []string:
		parts = val
	case []interface{}:
		for _, item := range val {
			parts = append(parts, fmt.Sprint(item))
		}
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
