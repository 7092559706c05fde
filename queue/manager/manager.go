// Package manager implements task creation, counting, and ownership
// queries — the parts of the scheduler that don't move a task between
// lifecycle states.
package manager

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gravwell/fstaskqueue/log"
	"github.com/gravwell/fstaskqueue/queue/fsutil"
	"github.com/gravwell/fstaskqueue/queue/lock"
	"github.com/gravwell/fstaskqueue/queue/payload"
)

// Manager creates tasks and answers enumeration/ownership questions over a
// queue's directories.
type Manager struct {
	TodoDir       string
	InProgressDir string
	DoneDir       string
	CorruptedDir  string
	LockDir       string
	ProcessID     int
	SessionID     string

	LockTimeout time.Duration
	LockRetries int

	Logger *log.Logger
}

func (m *Manager) logger() *log.Logger {
	if m.Logger == nil {
		return log.NewDiscard()
	}
	return m.Logger
}

// Create writes a new task into the todo directory. If taskID is empty, a
// filename of the form task_<unix>_<rand8>.yaml is synthesized. The
// payload is merged with created_at, created_by, retries=0 and session_id
// before being published under the task_create lock. On any failure
// (encode, lock, or rename) the candidate path is cleaned up and ok is
// false.
func (m *Manager) Create(data map[string]interface{}, taskID string) (filename string, ok bool) {
	taskID = normalizeTaskID(taskID)
	path := filepath.Join(m.TodoDir, taskID)

	p := payload.New(cloneMap(data))
	p.Set("created_at", time.Now().Format(time.RFC3339))
	p.Set("created_by", m.ProcessID)
	p.Set("retries", 0)
	p.Set("session_id", m.SessionID)

	l, err := lock.Acquire(m.LockDir, lock.TaskCreate, m.lockTimeout(), m.lockRetries())
	if err != nil {
		m.logger().Errorf("manager: create %s: lock: %v", taskID, err)
		return "", false
	}
	defer l.Release()

	if err := fsutil.PublishPayload(path, p.Data, 0o644); err != nil {
		m.logger().Errorf("manager: create %s: publish: %v", taskID, err)
		fsutil.TryRemove(path + ".tmp")
		return "", false
	}
	m.logger().Infof("manager: created task %s", taskID)
	return taskID, true
}

func normalizeTaskID(taskID string) string {
	if taskID == "" {
		taskID = fmt.Sprintf("task_%d_%s", time.Now().Unix(), randHex8())
	}
	if !strings.HasSuffix(taskID, fsutil.TaskSuffix) {
		taskID += fsutil.TaskSuffix
	}
	return taskID
}

func randHex8() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Counts reports the number of visible entries in each of the four
// primary directories. A missing directory counts as 0.
type Counts struct {
	Todo       int
	InProgress int
	Done       int
	Corrupted  int
}

func (m *Manager) Counts() Counts {
	var c Counts
	if entries, err := fsutil.VisibleEntries(m.TodoDir); err == nil {
		c.Todo = len(entries)
	}
	if entries, err := fsutil.VisibleEntries(m.InProgressDir); err == nil {
		c.InProgress = len(entries)
	}
	if entries, err := fsutil.VisibleEntries(m.DoneDir); err == nil {
		c.Done = len(entries)
	}
	if entries, err := fsutil.VisibleEntries(m.CorruptedDir); err == nil {
		c.Corrupted = len(entries)
	}
	return c
}

// OwnedTask pairs a decoded payload with its on-disk filename.
type OwnedTask struct {
	Filename string
	Payload  *payload.Payload
}

// OwnedInProgress scans in_progress/ and returns the tasks whose
// (process_id, session_id) match this manager's identity. Decode failures
// are skipped silently: a corrupted entry is recovery's concern, not
// ownership's.
func (m *Manager) OwnedInProgress() []OwnedTask {
	names, err := fsutil.VisibleEntries(m.InProgressDir)
	if err != nil {
		return nil
	}
	var owned []OwnedTask
	for _, name := range names {
		path := filepath.Join(m.InProgressDir, name)
		var raw map[string]interface{}
		if err := fsutil.DecodePayload(path, &raw); err != nil {
			continue
		}
		p := payload.New(raw)
		pid, ok := p.ProcessID()
		if !ok || pid != m.ProcessID {
			continue
		}
		if p.SessionID() != m.SessionID {
			continue
		}
		owned = append(owned, OwnedTask{Filename: name, Payload: p})
	}
	return owned
}

// ByProcessCounts returns a mapping of PID to number of in-progress tasks
// owned by that PID. Entries without a process_id are excluded.
func (m *Manager) ByProcessCounts() map[int]int {
	names, err := fsutil.VisibleEntries(m.InProgressDir)
	if err != nil {
		return nil
	}
	counts := map[int]int{}
	for _, name := range names {
		path := filepath.Join(m.InProgressDir, name)
		var raw map[string]interface{}
		if err := fsutil.DecodePayload(path, &raw); err != nil {
			continue
		}
		p := payload.New(raw)
		pid, ok := p.ProcessID()
		if !ok {
			continue
		}
		counts[pid]++
	}
	return counts
}

func (m *Manager) lockTimeout() time.Duration {
	if m.LockTimeout <= 0 {
		return 10 * time.Second
	}
	return m.LockTimeout
}

func (m *Manager) lockRetries() int {
	if m.LockRetries <= 0 {
		return 3
	}
	return m.LockRetries
}
