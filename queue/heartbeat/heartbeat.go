// Package heartbeat publishes a scheduler session's liveness record to
// .status/<session_id>.heartbeat on a fixed interval, so that the recovery
// engine elsewhere in the process (or on another host sharing the same
// mount) can infer whether the session is still alive.
//
// The publisher runs on its own goroutine, the direct generalization of the
// source project's daemon thread, and shares no mutable state with its
// owner beyond the identity fields copied in at construction.
package heartbeat

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gravwell/fstaskqueue/log"
	"github.com/gravwell/fstaskqueue/queue/fsutil"
)

// DefaultInterval is the publish cadence when none is specified.
const DefaultInterval = 30 * time.Second

// stopJoinTimeout bounds how long Stop waits for the publish loop to
// notice the stop signal and exit.
const stopJoinTimeout = 5 * time.Second

// Publisher periodically writes a heartbeat record for one scheduler
// session.
type Publisher struct {
	sessionID string
	processID int
	hostname  string
	statusDir string
	interval  time.Duration
	startTime time.Time
	logger    *log.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New constructs a Publisher. It does not start the background loop; call
// Start for that.
func New(sessionID string, processID int, hostname, statusDir string, interval time.Duration, startTime time.Time, logger *log.Logger) *Publisher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = log.NewDiscard()
	}
	return &Publisher{
		sessionID: sessionID,
		processID: processID,
		hostname:  hostname,
		statusDir: statusDir,
		interval:  interval,
		startTime: startTime,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start creates the status directory and begins the publish loop. Start
// must be called at most once per Publisher.
func (p *Publisher) Start() error {
	if err := fsutil.EnsureDir(p.statusDir); err != nil {
		return fmt.Errorf("heartbeat: create status dir: %w", err)
	}
	go p.loop()
	return nil
}

func (p *Publisher) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.publishOnce()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.publishOnce()
		}
	}
}

func (p *Publisher) publishOnce() {
	record := map[string]interface{}{
		"session_id":     p.sessionID,
		"process_id":     p.processID,
		"hostname":       p.hostname,
		"last_beat":      time.Now().Format(time.RFC3339),
		"uptime_seconds": time.Since(p.startTime).Seconds(),
	}
	path := filepath.Join(p.statusDir, p.sessionID+".heartbeat")
	if err := fsutil.PublishPayload(path, record, 0o644); err != nil {
		// Transient write errors are logged and retried on the next
		// tick; they must never crash the publisher.
		p.logger.Errorf("heartbeat: publish failed for session %s: %v", p.sessionID, err)
	}
}

// Stop signals the publish loop to exit and waits up to stopJoinTimeout for
// it to do so. It does not remove the heartbeat file: recovery infers
// death from staleness, not absence. Stop is idempotent.
func (p *Publisher) Stop() {
	p.once.Do(func() {
		close(p.stop)
	})
	select {
	case <-p.done:
	case <-time.After(stopJoinTimeout):
	}
}

// Path returns the on-disk path of this session's heartbeat file.
func (p *Publisher) Path() string {
	return filepath.Join(p.statusDir, p.sessionID+".heartbeat")
}
