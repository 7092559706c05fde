package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TaskSuffix is the canonical extension for a visible task record.
const TaskSuffix = ".yaml"

var transientSuffixes = []string{".reserved", ".completing", ".recovering", ".tmp"}

// VisibleEntries returns the names of visible task files in dir: those
// ending in TaskSuffix and not beginning with '.'. A missing directory is
// reported as an empty listing, not an error, since "no tasks yet" and "not
// yet created" are the same observable state to every caller in this
// package.
func VisibleEntries(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.HasSuffix(name, TaskSuffix) {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

// CleanupOrphans removes transient marker files in dir older than maxAge.
// It runs opportunistically before claim attempts and tolerates entries
// disappearing underneath it (another worker finishing the same cleanup).
func CleanupOrphans(dir string, maxAge time.Duration) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	now := time.Now()
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, ".") && !strings.HasSuffix(name, ".tmp") {
			continue
		}
		if !hasTransientSuffix(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > maxAge {
			TryRemove(filepath.Join(dir, name))
		}
	}
}

func hasTransientSuffix(name string) bool {
	for _, s := range transientSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}
