//go:build linux

package supervisor

import "syscall"

// processAttr puts the worker in its own group and has the kernel send it
// SIGTERM if the supervisor dies without forwarding anything.
func processAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
