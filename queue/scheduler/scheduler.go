// Package scheduler implements the task lifecycle state machine: claiming
// work from todo/, reserving and transferring it to in_progress/, reporting
// progress, and finalizing it into done/. It orchestrates the fsutil,
// lock, payload, heartbeat, and recovery packages to do so.
package scheduler

import (
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gravwell/fstaskqueue/log"
	"github.com/gravwell/fstaskqueue/queue"
	"github.com/gravwell/fstaskqueue/queue/fsutil"
	"github.com/gravwell/fstaskqueue/queue/heartbeat"
	"github.com/gravwell/fstaskqueue/queue/lock"
	"github.com/gravwell/fstaskqueue/queue/payload"
	"github.com/gravwell/fstaskqueue/queue/recovery"
)

// Task pairs a decoded payload with where it currently lives on disk.
type Task struct {
	Filename string
	Path     string
	Payload  *payload.Payload
}

// Options configures a Scheduler beyond the queue.Config tunables.
type Options struct {
	// InstallSignalHandlers registers SIGINT/SIGTERM handlers that flip
	// the shutdown flag, stop the heartbeat, and unlink status files.
	// Because signal handlers are process-global, a process hosting more
	// than one Scheduler should set this false on all but one instance
	// and drive shutdown cooperatively instead.
	InstallSignalHandlers bool
	Logger                *log.Logger
}

// Scheduler owns one session's identity and drives the task lifecycle over
// a queue.Layout.
type Scheduler struct {
	SessionID string
	ProcessID int
	Hostname  string
	StartTime time.Time

	layout queue.Layout
	cfg    queue.Config
	logger *log.Logger

	heartbeat *heartbeat.Publisher
	recovery  *recovery.Engine

	shutdown  int32
	sigCh     chan os.Signal
	closeOnce sync.Once
}

// New constructs a Scheduler rooted at cfg.BaseDir, creates all six
// directories, starts the heartbeat publisher, and (unless disabled)
// installs signal handlers.
func New(cfg queue.Config, opts Options) (*Scheduler, error) {
	layout := queue.NewLayout(cfg.BaseDir)
	for _, d := range layout.Dirs() {
		if err := fsutil.EnsureDir(d); err != nil {
			return nil, err
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.NewDiscard()
	}

	hostname, _ := os.Hostname()

	s := &Scheduler{
		SessionID: uuid.New().String(),
		ProcessID: os.Getpid(),
		Hostname:  hostname,
		StartTime: time.Now(),
		layout:    layout,
		cfg:       cfg,
		logger:    logger,
	}

	s.heartbeat = heartbeat.New(s.SessionID, s.ProcessID, s.Hostname, layout.StatusDir, cfg.HeartbeatInterval, s.StartTime, logger)
	if err := s.heartbeat.Start(); err != nil {
		return nil, err
	}

	s.recovery = &recovery.Engine{
		InProgressDir: layout.InProgress,
		TodoDir:       layout.Todo,
		LockDir:       layout.LockDir,
		StatusDir:     layout.StatusDir,
		CorruptedDir:  layout.Corrupted,
		Window:        cfg.StalenessWindow(),
		LockTimeout:   cfg.LockTimeout,
		Logger:        logger,
	}

	if opts.InstallSignalHandlers {
		s.installSignalHandlers()
	}

	return s, nil
}

func (s *Scheduler) installSignalHandlers() {
	s.sigCh = make(chan os.Signal, 1)
	signal.Notify(s.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.sigCh
		if !ok {
			return
		}
		s.logger.Warnf("scheduler: pid %d shutting down on signal %v", s.ProcessID, sig)
		s.Close()
		if n, ok := sig.(syscall.Signal); ok {
			os.Exit(128 + int(n))
		}
		os.Exit(128)
	}()
}

func (s *Scheduler) isShuttingDown() bool {
	return atomic.LoadInt32(&s.shutdown) != 0
}

// Close flips the shutdown flag, stops the heartbeat, and unlinks the
// session's status file. Close is idempotent.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.shutdown, 1)
		s.heartbeat.Stop()
		fsutil.TryRemove(s.heartbeat.Path())
		if s.sigCh != nil {
			signal.Stop(s.sigCh)
			close(s.sigCh)
		}
	})
}

// ClaimNext selects the highest-priority visible todo task without
// reserving it. If checkStale is true, a recovery pass runs first. The
// returned Task is a read-only snapshot; callers must call
// MoveToInProgress to actually take ownership, since another worker may
// claim the same file between these two calls.
func (s *Scheduler) ClaimNext(checkStale bool) (*Task, bool) {
	if s.isShuttingDown() {
		return nil, false
	}

	fsutil.CleanupOrphans(s.layout.Todo, s.cfg.OrphanAge())
	if checkStale {
		s.recovery.RecoverStale(s.Hostname)
	}

	l, err := lock.Acquire(s.layout.LockDir, lock.TodoLock, 5*time.Second, s.lockRetries())
	if err != nil {
		s.logger.Warnf("scheduler: claim: lock: %v", err)
		return nil, false
	}
	defer l.Release()

	names, err := fsutil.VisibleEntries(s.layout.Todo)
	if err != nil || len(names) == 0 {
		return nil, false
	}

	type candidate struct {
		name     string
		priority int
	}
	candidates := make([]candidate, 0, len(names))
	for _, name := range names {
		path := filepath.Join(s.layout.Todo, name)
		var raw map[string]interface{}
		if err := fsutil.DecodePayload(path, &raw); err != nil {
			continue
		}
		candidates = append(candidates, candidate{name: name, priority: payload.New(raw).Priority()})
	}
	if len(candidates) == 0 {
		return nil, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].priority > candidates[j].priority
	})
	top := candidates[0]

	path := filepath.Join(s.layout.Todo, top.name)
	var raw map[string]interface{}
	if err := fsutil.DecodePayload(path, &raw); err != nil {
		return nil, false
	}
	return &Task{Filename: top.name, Path: path, Payload: payload.New(raw)}, true
}

// MoveToInProgress reserves task (re-checking it is still present in
// todo/) and transfers it to in_progress/, stamping ownership fields. On
// any failure mid-sequence it attempts to roll the reservation marker back
// to the task's original todo/ path.
func (s *Scheduler) MoveToInProgress(task *Task) (*Task, bool) {
	if s.isShuttingDown() || task == nil {
		return nil, false
	}

	reserved := fsutil.MarkerPath(s.layout.Todo, task.Filename, "reserved")
	dst := filepath.Join(s.layout.InProgress, task.Filename)

	l, err := lock.Acquire(s.layout.LockDir, lock.TaskMove, 10*time.Second, s.lockRetries())
	if err != nil {
		s.logger.Warnf("scheduler: move_to_in_progress: lock: %v", err)
		return nil, false
	}
	defer l.Release()

	if _, err := os.Stat(task.Path); err != nil {
		// Another worker already reserved or claimed it.
		return nil, false
	}

	if err := fsutil.SafeRename(task.Path, reserved); err != nil {
		s.logger.Warnf("scheduler: move_to_in_progress: reserve %s: %v", task.Filename, err)
		return nil, false
	}

	task.Payload.MarkStarted(s.ProcessID, s.Hostname, s.SessionID, time.Now())

	if err := fsutil.PublishPayload(dst, task.Payload.Data, 0o644); err != nil {
		s.logger.Warnf("scheduler: move_to_in_progress: publish %s: %v", task.Filename, err)
		fsutil.SafeRename(reserved, task.Path)
		return nil, false
	}

	fsutil.TryRemove(reserved)
	task.Path = dst
	return task, true
}

// MoveToDone finalizes task: success/failure, results, error, and a
// duration computed from started_at, then transfers it to done/.
func (s *Scheduler) MoveToDone(task *Task, success bool, results interface{}, errMsg string) bool {
	if s.isShuttingDown() || task == nil {
		return false
	}

	inProgressPath := task.Path
	completing := fsutil.MarkerPath(s.layout.InProgress, task.Filename, "completing")
	donePath := filepath.Join(s.layout.Done, task.Filename)

	l, err := lock.Acquire(s.layout.LockDir, lock.TaskDone, 10*time.Second, s.lockRetries())
	if err != nil {
		s.logger.Warnf("scheduler: move_to_done: lock: %v", err)
		return false
	}
	defer l.Release()

	if err := fsutil.SafeRename(inProgressPath, completing); err != nil {
		s.logger.Warnf("scheduler: move_to_done: reserve %s: %v", task.Filename, err)
		return false
	}

	task.Payload.MarkCompleted(success, results, errMsg, time.Now())

	if err := fsutil.PublishPayload(donePath, task.Payload.Data, 0o644); err != nil {
		s.logger.Warnf("scheduler: move_to_done: publish %s: %v", task.Filename, err)
		fsutil.SafeRename(completing, inProgressPath)
		return false
	}

	fsutil.TryRemove(completing)
	task.Path = donePath
	return true
}

// ReportProgress re-reads the on-disk record for task (not the cached
// in-memory view), merges pct/msg, and writes it back in place under a
// per-filename progress lock.
func (s *Scheduler) ReportProgress(task *Task, pct *float64, msg string) bool {
	if s.isShuttingDown() || task == nil {
		return false
	}

	l, err := lock.Acquire(s.layout.LockDir, lock.ProgressName(task.Filename), 5*time.Second, s.lockRetries())
	if err != nil {
		s.logger.Warnf("scheduler: report_progress: lock: %v", err)
		return false
	}
	defer l.Release()

	var raw map[string]interface{}
	if err := fsutil.DecodePayload(task.Path, &raw); err != nil {
		s.logger.Warnf("scheduler: report_progress: decode %s: %v", task.Filename, err)
		return false
	}
	current := payload.New(raw)
	current.SetProgress(pct, msg, time.Now())

	if err := fsutil.PublishPayload(task.Path, current.Data, 0o644); err != nil {
		s.logger.Warnf("scheduler: report_progress: publish %s: %v", task.Filename, err)
		return false
	}
	task.Payload = current
	return true
}

func (s *Scheduler) lockRetries() int {
	if s.cfg.LockRetries <= 0 {
		return 5
	}
	return s.cfg.LockRetries
}
