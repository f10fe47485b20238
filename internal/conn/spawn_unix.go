//go:build !windows

package conn

import "syscall"

// detachSysProcAttr puts the daemon in its own session so CLI signals
// never reach it.
func detachSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
