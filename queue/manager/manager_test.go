package manager

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravwell/fstaskqueue/queue/fsutil"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	base := t.TempDir()
	m := &Manager{
		TodoDir:       filepath.Join(base, "todo"),
		InProgressDir: filepath.Join(base, "in_progress"),
		DoneDir:       filepath.Join(base, "done"),
		CorruptedDir:  filepath.Join(base, "corrupted"),
		LockDir:       filepath.Join(base, ".locks"),
		ProcessID:     100,
		SessionID:     "sess-a",
	}
	for _, d := range []string{m.TodoDir, m.InProgressDir, m.DoneDir, m.CorruptedDir, m.LockDir} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	return m
}

func TestCreateAutoFilenameHasYAMLSuffixAndLifecycleFields(t *testing.T) {
	m := newTestManager(t)
	name, ok := m.Create(map[string]interface{}{"priority": 3}, "")
	require.True(t, ok)
	require.True(t, filepath.Ext(name) == ".yaml")

	var raw map[string]interface{}
	require.NoError(t, fsutil.DecodePayload(filepath.Join(m.TodoDir, name), &raw))
	require.EqualValues(t, 3, raw["priority"])
	require.EqualValues(t, 0, raw["retries"])
	require.Equal(t, "sess-a", raw["session_id"])
	require.NotEmpty(t, raw["created_at"])
}

func TestCreateWithExplicitTaskID(t *testing.T) {
	m := newTestManager(t)
	name, ok := m.Create(map[string]interface{}{}, "my_task")
	require.True(t, ok)
	require.Equal(t, "my_task.yaml", name)
}

func TestCountsTreatsMissingDirAsZero(t *testing.T) {
	m := newTestManager(t)
	m.DoneDir = filepath.Join(m.DoneDir, "does-not-exist")
	counts := m.Counts()
	require.Equal(t, 0, counts.Done)
}

func TestOwnedInProgressFiltersByIdentityAndSkipsCorrupt(t *testing.T) {
	m := newTestManager(t)

	owned := map[string]interface{}{"process_id": m.ProcessID, "session_id": m.SessionID}
	require.NoError(t, fsutil.PublishPayload(filepath.Join(m.InProgressDir, "mine.yaml"), owned, 0o644))

	other := map[string]interface{}{"process_id": 999, "session_id": "other-sess"}
	require.NoError(t, fsutil.PublishPayload(filepath.Join(m.InProgressDir, "theirs.yaml"), other, 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(m.InProgressDir, "bad.yaml"), []byte("just a plain scalar, not a mapping"), 0o644))

	result := m.OwnedInProgress()
	require.Len(t, result, 1)
	require.Equal(t, "mine.yaml", result[0].Filename)
}

func TestByProcessCountsExcludesUndefinedPIDs(t *testing.T) {
	m := newTestManager(t)
	a := map[string]interface{}{"process_id": 7}
	b := map[string]interface{}{"process_id": 7}
	c := map[string]interface{}{}
	require.NoError(t, fsutil.PublishPayload(filepath.Join(m.InProgressDir, "a.yaml"), a, 0o644))
	require.NoError(t, fsutil.PublishPayload(filepath.Join(m.InProgressDir, "b.yaml"), b, 0o644))
	require.NoError(t, fsutil.PublishPayload(filepath.Join(m.InProgressDir, "c.yaml"), c, 0o644))

	counts := m.ByProcessCounts()
	require.Equal(t, 2, counts[7])
	require.NotContains(t, counts, 0)
}

func TestCreateWithShortLockBudgetLeavesNoTempFile(t *testing.T) {
	m := newTestManager(t)
	m.LockTimeout = 50 * time.Millisecond
	m.LockRetries = 1

	name, ok := m.Create(map[string]interface{}{}, "contended")
	require.True(t, ok)
	_, err := os.Stat(filepath.Join(m.TodoDir, name+".tmp"))
	require.True(t, os.IsNotExist(err))
}
