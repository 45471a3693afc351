// Package resources tunes OS resource ceilings for the worker. Everything
// here is best-effort: a host that refuses a change keeps running with what
// it has.
package resources

import "fmt"

// DefaultNoFile suits a worker holding many concurrent network connections.
const DefaultNoFile = 10240

// Outcome reports what RaiseNoFile observed and changed.
type Outcome struct {
	Supported bool
	Before    uint64
	After     uint64
	Raised    bool
	// Skipped explains a silently tolerated failure, if any.
	Skipped string
}

func (o Outcome) String() string {
	switch {
	case !o.Supported:
		return "nofile: unsupported on this platform"
	case o.Raised && o.Skipped != "":
		return fmt.Sprintf("nofile: raised %d -> %d (%s)", o.Before, o.After, o.Skipped)
	case o.Raised:
		return fmt.Sprintf("nofile: raised %d -> %d", o.Before, o.After)
	case o.Skipped != "":
		return fmt.Sprintf("nofile: kept %d (%s)", o.After, o.Skipped)
	default:
		return fmt.Sprintf("nofile: already %d", o.After)
	}
}

// RaiseNoFile lifts the open file descriptor limit of the current process
// (inherited by the worker) to at least target. Permission and platform
// refusals are swallowed and reported through Outcome.Skipped; any other
// failure is returned for the caller to log as a warning.
func RaiseNoFile(target uint64) (Outcome, error) {
	if target == 0 {
		target = DefaultNoFile
	}
	return raiseNoFile(target, sysRlimit{})
}
