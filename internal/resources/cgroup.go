package resources

// If we are unsure, DO LESS.
// A worker that cannot be capped still runs uncapped.

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultCgroupRoot = "/sys/fs/cgroup"

// cpuPeriod is the scheduler period (100ms in microseconds) quotas are expressed against.
const cpuPeriod = 100000

// CgroupLimits caps a single worker. Zero means unlimited.
type CgroupLimits struct {
	CPUQuotaPercent int // 100 = 1 core
	MemoryMB        int64
}

// Empty reports whether no cap is configured.
func (l CgroupLimits) Empty() bool {
	return l.CPUQuotaPercent <= 0 && l.MemoryMB <= 0
}

// Cgroups handles per-worker cgroup lifecycle only.
// Create. Join. Delete. Nothing else.
type Cgroups struct {
	root    string
	version int
}

// NewCgroups returns a manager rooted at root (the system hierarchy when empty).
func NewCgroups(root string) *Cgroups {
	if root == "" {
		root = defaultCgroupRoot
	}
	version := 1
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err == nil {
		version = 2
	}
	return &Cgroups{root: root, version: version}
}

// Version returns the detected cgroup version (1 or 2).
func (c *Cgroups) Version() int {
	return c.version
}

// Apply creates a cgroup named after the worker launch, moves pid into it and
// writes the caps. It returns the cgroup path for Release, or "" when nothing
// could be applied. Errors are returned for logging only.
func (c *Cgroups) Apply(name string, pid int, limits CgroupLimits) (string, error) {
	if limits.Empty() {
		return "", nil
	}
	if pid <= 0 {
		return "", fmt.Errorf("invalid pid: %d", pid)
	}

	if c.version == 2 {
		return c.applyV2(name, pid, limits)
	}
	return c.applyV1(name, pid, limits)
}

func (c *Cgroups) applyV2(name string, pid int, limits CgroupLimits) (string, error) {
	path := filepath.Join(c.root, "botkeeper", name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("failed to create cgroup: %w", err)
	}

	var errs []string
	if limits.CPUQuotaPercent > 0 {
		quota := limits.CPUQuotaPercent * cpuPeriod / 100
		if err := writeValue(path, "cpu.max", fmt.Sprintf("%d %d", quota, cpuPeriod)); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if limits.MemoryMB > 0 {
		if err := writeValue(path, "memory.max", fmt.Sprintf("%d", limits.MemoryMB*1024*1024)); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if err := writeValue(path, "cgroup.procs", fmt.Sprintf("%d", pid)); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to join cgroup: %w", err)
	}

	if len(errs) > 0 {
		return path, fmt.Errorf("partial cgroup limits: %s", strings.Join(errs, "; "))
	}
	return path, nil
}

func (c *Cgroups) applyV1(name string, pid int, limits CgroupLimits) (string, error) {
	cpuPath := filepath.Join(c.root, "cpu", "botkeeper", name)
	memPath := filepath.Join(c.root, "memory", "botkeeper", name)

	if err := os.MkdirAll(cpuPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create cpu cgroup: %w", err)
	}
	os.MkdirAll(memPath, 0755) // best effort

	if limits.CPUQuotaPercent > 0 {
		quota := limits.CPUQuotaPercent * cpuPeriod / 100
		writeValue(cpuPath, "cpu.cfs_period_us", fmt.Sprintf("%d", cpuPeriod))
		writeValue(cpuPath, "cpu.cfs_quota_us", fmt.Sprintf("%d", quota))
	}
	if limits.MemoryMB > 0 {
		writeValue(memPath, "memory.limit_in_bytes", fmt.Sprintf("%d", limits.MemoryMB*1024*1024))
	}

	if err := writeValue(cpuPath, "cgroup.procs", fmt.Sprintf("%d", pid)); err != nil {
		return "", fmt.Errorf("failed to join cgroup: %w", err)
	}
	writeValue(memPath, "cgroup.procs", fmt.Sprintf("%d", pid))

	return cpuPath, nil
}

// Release removes the cgroup once the worker has exited.
func (c *Cgroups) Release(path string) error {
	if path == "" {
		return nil
	}
	if c.version == 1 {
		memPath := strings.Replace(path, string(filepath.Separator)+"cpu"+string(filepath.Separator),
			string(filepath.Separator)+"memory"+string(filepath.Separator), 1)
		os.Remove(memPath) // best effort
	}
	return os.Remove(path)
}

func writeValue(dir, file, value string) error {
	return os.WriteFile(filepath.Join(dir, file), []byte(value), 0644)
}
