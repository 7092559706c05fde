// Package recovery scans the in_progress directory, classifies entries as
// stale or live, and republishes stale entries back to todo/ with an
// incremented retry count and an abandonment trace.
package recovery

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gravwell/fstaskqueue/log"
	"github.com/gravwell/fstaskqueue/queue/fsutil"
	"github.com/gravwell/fstaskqueue/queue/lock"
	"github.com/gravwell/fstaskqueue/queue/payload"
	"github.com/gravwell/fstaskqueue/queue/procutil"
)

// FailureReason is stamped on every task recovery republishes.
const FailureReason = "Stale task recovery"

// Engine scans in_progress/ for abandoned work and republishes it to
// todo/.
type Engine struct {
	InProgressDir string
	TodoDir       string
	LockDir       string
	StatusDir     string
	CorruptedDir  string
	Window        time.Duration

	LockTimeout time.Duration
	Logger      *log.Logger
}

func (e *Engine) logger() *log.Logger {
	if e.Logger == nil {
		return log.NewDiscard()
	}
	return e.Logger
}

func (e *Engine) lockTimeout() time.Duration {
	if e.LockTimeout <= 0 {
		return 10 * time.Second
	}
	return e.LockTimeout
}

// RecoverStale performs one recovery pass. currentHost is the local
// hostname, used only for the local-PID staleness check. It returns the
// number of tasks republished; lock-acquisition failure is non-fatal and
// returns 0.
func (e *Engine) RecoverStale(currentHost string) int {
	active := e.activeSessions()

	l, err := lock.Acquire(e.LockDir, lock.StaleCheck, e.lockTimeout(), 3)
	if err != nil {
		e.logger().Warnf("recovery: lock acquisition failed: %v", err)
		return 0
	}
	defer l.Release()

	names, err := fsutil.VisibleEntries(e.InProgressDir)
	if err != nil {
		return 0
	}

	recovered := 0
	for _, name := range names {
		if e.recoverOne(name, active, currentHost) {
			recovered++
		}
	}
	return recovered
}

func (e *Engine) recoverOne(name string, active map[string]bool, currentHost string) bool {
	path := filepath.Join(e.InProgressDir, name)

	var raw map[string]interface{}
	if err := fsutil.DecodePayload(path, &raw); err != nil {
		e.logger().Warnf("recovery: failed to decode %s: %v", name, err)
		e.routeToCorrupted(name, path)
		return false
	}
	p := payload.New(raw)

	if !e.isStale(p, active, currentHost) {
		return false
	}

	recovering := fsutil.MarkerPath(e.InProgressDir, name, "recovering")
	if err := fsutil.SafeRename(path, recovering); err != nil {
		e.logger().Warnf("recovery: failed to reserve %s: %v", name, err)
		return false
	}

	p.MarkFailedForRecovery(FailureReason, currentPID(), time.Now())

	newPath := filepath.Join(e.TodoDir, name)
	if err := fsutil.PublishPayload(newPath, p.Data, 0o644); err != nil {
		e.logger().Warnf("recovery: failed to republish %s: %v", name, err)
		// Best-effort rollback: put it back where it was so it is not
		// lost between in_progress and todo.
		fsutil.SafeRename(recovering, path)
		return false
	}
	fsutil.TryRemove(recovering)
	e.logger().Infof("recovery: republished %s (retries=%d)", name, p.Retries())
	return true
}

// isStale implements the four classification conditions from the
// scheduling spec: any one of them makes an entry stale.
func (e *Engine) isStale(p *payload.Payload, active map[string]bool, currentHost string) bool {
	sessionID := p.SessionID()
	if sessionID != "" {
		if !active[sessionID] {
			return true
		}
	}

	if pid, ok := p.ProcessID(); ok {
		host := p.Host()
		if host == "" || host == currentHost {
			if !procutil.Alive(int32(pid), host) {
				return true
			}
		}
	}

	if started, ok := p.StartedAt(); ok {
		if time.Since(started) > e.Window {
			return true
		}
		return false
	}
	// started_at absent or malformed (Time() returned ok=false covers
	// both cases since an unparseable string and a missing key look
	// identical to the accessor).
	return true
}

func currentPID() int {
	return os.Getpid()
}

func (e *Engine) routeToCorrupted(name, path string) {
	if e.CorruptedDir == "" {
		return
	}
	dst := filepath.Join(e.CorruptedDir, name)
	if err := fsutil.SafeRename(path, dst); err != nil {
		e.logger().Warnf("recovery: failed to route %s to corrupted: %v", name, err)
	}
}

// activeSessions reads .status/*.heartbeat and returns the set of session
// IDs whose file mtime AND decoded last_beat both fall within the
// staleness window.
func (e *Engine) activeSessions() map[string]bool {
	active := map[string]bool{}

	dirEntries, err := os.ReadDir(e.StatusDir)
	if err != nil {
		return active
	}
	now := time.Now()
	for _, de := range dirEntries {
		name := de.Name()
		if !strings.HasSuffix(name, ".heartbeat") {
			continue
		}
		path := filepath.Join(e.StatusDir, name)

		info, err := de.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > e.Window {
			continue
		}

		var raw map[string]interface{}
		if err := fsutil.DecodePayload(path, &raw); err != nil {
			continue
		}
		hb := payload.New(raw)
		beat, ok := hb.Time("last_beat")
		if !ok {
			continue
		}
		if now.Sub(beat) > e.Window {
			continue
		}
		if sid := hb.SessionID(); sid != "" {
			active[sid] = true
		}
	}
	return active
}
