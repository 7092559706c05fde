package recovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravwell/fstaskqueue/queue/fsutil"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	base := t.TempDir()
	e := &Engine{
		InProgressDir: filepath.Join(base, "in_progress"),
		TodoDir:       filepath.Join(base, "todo"),
		LockDir:       filepath.Join(base, ".locks"),
		StatusDir:     filepath.Join(base, ".status"),
		CorruptedDir:  filepath.Join(base, "corrupted"),
		Window:        15 * time.Minute,
	}
	for _, d := range []string{e.InProgressDir, e.TodoDir, e.LockDir, e.StatusDir, e.CorruptedDir} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	return e
}

func writeHeartbeat(t *testing.T, e *Engine, sessionID string, lastBeat time.Time, mtime time.Time) {
	t.Helper()
	path := filepath.Join(e.StatusDir, sessionID+".heartbeat")
	record := map[string]interface{}{
		"session_id": sessionID,
		"last_beat":  lastBeat.Format(time.RFC3339),
	}
	require.NoError(t, fsutil.PublishPayload(path, record, 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func writeInProgress(t *testing.T, e *Engine, name string, data map[string]interface{}) {
	t.Helper()
	require.NoError(t, fsutil.PublishPayload(filepath.Join(e.InProgressDir, name), data, 0o644))
}

func TestRecoverStaleBySessionAbsence(t *testing.T) {
	e := newTestEngine(t)
	writeInProgress(t, e, "task_a.yaml", map[string]interface{}{
		"session_id": "ghost-session",
		"started_at": time.Now().Format(time.RFC3339),
	})

	n := e.RecoverStale("host-a")
	require.Equal(t, 1, n)

	_, err := os.Stat(filepath.Join(e.InProgressDir, "task_a.yaml"))
	require.True(t, os.IsNotExist(err))

	var raw map[string]interface{}
	require.NoError(t, fsutil.DecodePayload(filepath.Join(e.TodoDir, "task_a.yaml"), &raw))
	require.EqualValues(t, 1, raw["retries"])
	require.Equal(t, FailureReason, raw["failure_reason"])
	require.EqualValues(t, os.Getpid(), raw["recovered_by"])
}

func TestLiveSessionIsNotRecovered(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now()
	writeHeartbeat(t, e, "live-session", now, now)
	writeInProgress(t, e, "task_b.yaml", map[string]interface{}{
		"session_id": "live-session",
		"started_at": now.Format(time.RFC3339),
	})

	n := e.RecoverStale("host-a")
	require.Equal(t, 0, n)

	_, err := os.Stat(filepath.Join(e.InProgressDir, "task_b.yaml"))
	require.NoError(t, err)
}

func TestRecoverStaleByTimeoutWindow(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now()
	writeHeartbeat(t, e, "live-session", now, now)
	old := now.Add(-20 * time.Minute)
	writeInProgress(t, e, "task_c.yaml", map[string]interface{}{
		"session_id": "live-session",
		"started_at": old.Format(time.RFC3339),
	})

	n := e.RecoverStale("host-a")
	require.Equal(t, 1, n)
}

func TestRecoverStaleMissingStartedAt(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now()
	writeHeartbeat(t, e, "live-session", now, now)
	writeInProgress(t, e, "task_d.yaml", map[string]interface{}{
		"session_id": "live-session",
	})

	n := e.RecoverStale("host-a")
	require.Equal(t, 1, n)
}

func TestCorruptedEntryIsRoutedAndSkipped(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.InProgressDir, "bad.yaml"), []byte("not a mapping"), 0o644))
	writeInProgress(t, e, "fine.yaml", map[string]interface{}{
		"session_id": "ghost",
	})

	n := e.RecoverStale("host-a")
	require.Equal(t, 1, n, "only the decodable stale entry should count")

	_, err := os.Stat(filepath.Join(e.CorruptedDir, "bad.yaml"))
	require.NoError(t, err)
}

func TestRetriesMonotonicAcrossRecoveryPasses(t *testing.T) {
	e := newTestEngine(t)
	writeInProgress(t, e, "task_e.yaml", map[string]interface{}{"session_id": "ghost"})
	require.Equal(t, 1, e.RecoverStale("host-a"))

	var raw map[string]interface{}
	require.NoError(t, fsutil.DecodePayload(filepath.Join(e.TodoDir, "task_e.yaml"), &raw))
	require.EqualValues(t, 1, raw["retries"])

	// simulate the task being re-claimed and abandoned again
	require.NoError(t, os.Rename(filepath.Join(e.TodoDir, "task_e.yaml"), filepath.Join(e.InProgressDir, "task_e.yaml")))
	require.Equal(t, 1, e.RecoverStale("host-a"))

	require.NoError(t, fsutil.DecodePayload(filepath.Join(e.TodoDir, "task_e.yaml"), &raw))
	require.EqualValues(t, 2, raw["retries"])
}

func TestShortLockTimeoutUncontendedStillRecovers(t *testing.T) {
	e := newTestEngine(t)
	e.LockTimeout = 10 * time.Millisecond
	writeInProgress(t, e, "task_f.yaml", map[string]interface{}{"session_id": "ghost"})
	n := e.RecoverStale("host-a")
	require.Equal(t, 1, n)
}
