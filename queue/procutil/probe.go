// Package procutil answers "is this PID, on this host, still alive?" —
// the single question the recovery engine needs to classify an in-progress
// task as stale by process death rather than by timeout or heartbeat
// absence.
package procutil

import (
	"errors"
	"os"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"
)

// Alive reports whether pid is a live process on host. If host is non-empty
// and does not match the local hostname, Alive conservatively returns
// false: a PID table is only meaningful on the machine that owns it, and
// cross-host liveness is inferred from heartbeats elsewhere, never probed
// directly.
func Alive(pid int32, host string) bool {
	if pid <= 0 {
		return false
	}
	if host != "" {
		if local, err := os.Hostname(); err != nil || local != host {
			return false
		}
	}

	exists, err := process.PidExists(pid)
	if err == nil {
		return exists
	}
	if errors.Is(err, os.ErrPermission) {
		// The PID exists but belongs to another user; the process is
		// alive even though we can't fully inspect it.
		return true
	}
	// gopsutil's /proc walk failed for some other reason (e.g. a
	// non-Linux GOOS where it falls back to a less precise check);
	// fall back to a zero-signal send, the same last resort the
	// recovered Python implementation used.
	return signalZero(pid)
}

func signalZero(pid int32) bool {
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	return false
}
