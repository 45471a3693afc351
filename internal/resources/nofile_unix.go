//go:build linux || darwin

package resources

import (
	"errors"
	"strconv"

	"golang.org/x/sys/unix"
)

type rlimiter interface {
	Get(lim *unix.Rlimit) error
	Set(lim *unix.Rlimit) error
}

type sysRlimit struct{}

func (sysRlimit) Get(lim *unix.Rlimit) error { return unix.Getrlimit(unix.RLIMIT_NOFILE, lim) }
func (sysRlimit) Set(lim *unix.Rlimit) error { return unix.Setrlimit(unix.RLIMIT_NOFILE, lim) }

// tolerated reports errors meaning "not allowed here" rather than "broken".
func tolerated(err error) bool {
	return errors.Is(err, unix.EPERM) ||
		errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.ENOSYS) ||
		errors.Is(err, unix.EOPNOTSUPP)
}

func raiseNoFile(target uint64, rl rlimiter) (Outcome, error) {
	out := Outcome{Supported: true}

	var cur unix.Rlimit
	if err := rl.Get(&cur); err != nil {
		if tolerated(err) {
			out.Skipped = err.Error()
			return out, nil
		}
		return out, err
	}
	out.Before = cur.Cur
	out.After = cur.Cur

	if cur.Cur >= target {
		return out, nil
	}

	want := unix.Rlimit{Cur: target, Max: cur.Max}
	if want.Max < target {
		want.Max = target
	}
	err := rl.Set(&want)
	if err == nil {
		out.After = target
		out.Raised = true
		return out, nil
	}
	if !tolerated(err) {
		return out, err
	}

	// Not privileged to lift the hard limit: go as high as it allows.
	if cur.Max > cur.Cur {
		soft := unix.Rlimit{Cur: cur.Max, Max: cur.Max}
		if target < soft.Cur {
			soft.Cur = target
		}
		if err := rl.Set(&soft); err == nil {
			out.After = soft.Cur
			out.Raised = true
			out.Skipped = "hard limit is " + strconv.FormatUint(cur.Max, 10)
			return out, nil
		} else if !tolerated(err) {
			return out, err
		}
	}

	out.Skipped = err.Error()
	return out, nil
}
