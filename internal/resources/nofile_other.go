//go:build !linux && !darwin

package resources

type sysRlimit struct{}

func raiseNoFile(uint64, sysRlimit) (Outcome, error) {
	return Outcome{Supported: false}, nil
}
