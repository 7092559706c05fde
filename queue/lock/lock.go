// Package lock implements the named, advisory, file-based mutual exclusion
// the rest of the queue package serializes state transitions with. Each
// logical name maps to a single lock file under a lock directory; the OS
// advisory-lock facility (via gofrs/flock, the same library the pack's
// daemon-style services use for single-instance locking) provides the
// actual exclusion.
package lock

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrAcquire is returned when a lock could not be acquired within the
// configured retry budget. Callers convert this into "operation returned
// none/false"; it is never fatal.
var ErrAcquire = errors.New("lock: acquisition failed")

const maxBackoff = 5 * time.Second

// Lock is a held advisory lock. Release is idempotent.
type Lock struct {
	fl   *flock.Flock
	name string
}

// Acquire attempts to take the named lock under dir (dir/name.lock),
// retrying up to maxRetries times with exponential backoff
// (0.1 * 2^attempt * (1+rand[0,1)), capped at 5s) between attempts. Each
// individual attempt blocks for up to timeout waiting on contention.
func Acquire(dir, name string, timeout time.Duration, maxRetries int) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock: create lock dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name+".lock")
	fl := flock.New(path)

	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		ctx, cancel := timeoutContext(timeout)
		locked, err := fl.TryLockContext(ctx, 25*time.Millisecond)
		cancel()
		if err == nil && locked {
			return &Lock{fl: fl, name: name}, nil
		}
		lastErr = err

		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(100*time.Millisecond) * pow2(attempt) * (1 + rand.Float64()))
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			time.Sleep(backoff)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAcquire, name, lastErr)
	}
	return nil, fmt.Errorf("%w: %s", ErrAcquire, name)
}

func pow2(attempt int) float64 {
	v := 1.0
	for i := 0; i < attempt; i++ {
		v *= 2
	}
	return v
}

// Release drops the lock. Releasing an already-released or nil Lock is a
// no-op.
func (l *Lock) Release() {
	if l == nil || l.fl == nil {
		return
	}
	_ = l.fl.Unlock()
}

// Name reports which logical lock this handle holds, for logging.
func (l *Lock) Name() string {
	if l == nil {
		return ""
	}
	return l.name
}
