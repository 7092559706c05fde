// Package fsutil provides the atomic-publish, safe-rename, listing, and
// orphan-cleanup primitives the rest of the queue package is built on.
//
// Every write that must be observable either fully or not at all goes
// through PublishBytes or PublishPayload, mirroring the teacher's
// ingesters/utils.State.Write; every move between queue directories goes
// through SafeRename, which tolerates cross-device mounts by falling back to
// copy-then-unlink, mirroring the source project's safe_rename.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dchest/safefile"
	"github.com/google/renameio"
	"gopkg.in/yaml.v3"
)

// PublishBytes atomically materializes path with the contents of data: the
// write lands in a temp file in the same directory and is renamed into
// place, so concurrent readers only ever observe the old or the fully
// written new content. Grounded on google/renameio, which the teacher
// vendors for exactly this write-then-rename idiom.
func PublishBytes(path string, data []byte, perm os.FileMode) error {
	t, err := renameio.TempFile("", path)
	if err != nil {
		return fmt.Errorf("fsutil: create temp file for %s: %w", path, err)
	}
	defer t.Cleanup()

	if err := t.Chmod(perm); err != nil {
		return fmt.Errorf("fsutil: chmod temp file for %s: %w", path, err)
	}
	if _, err := t.Write(data); err != nil {
		return fmt.Errorf("fsutil: write temp file for %s: %w", path, err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("fsutil: publish %s: %w", path, err)
	}
	return nil
}

// PublishPayload encodes v as YAML and atomically publishes it to path,
// generalizing ingesters/utils.State.Write (which gob-encodes a value into
// a safefile.File) from gob to YAML, and from a single fixed state file to
// an arbitrary queue-directory path.
func PublishPayload(path string, v interface{}, perm os.FileMode) (err error) {
	var fout *safefile.File
	if fout, err = safefile.Create(path, perm); err != nil {
		return fmt.Errorf("fsutil: create safefile for %s: %w", path, err)
	}
	name := fout.Name()
	enc := yaml.NewEncoder(fout)
	if err = enc.Encode(v); err != nil {
		fout.File.Close()
		os.Remove(name)
		return fmt.Errorf("fsutil: encode %s: %w", path, err)
	}
	if err = enc.Close(); err != nil {
		fout.File.Close()
		os.Remove(name)
		return fmt.Errorf("fsutil: flush encoder for %s: %w", path, err)
	}
	if err = fout.Commit(); err != nil {
		fout.File.Close()
		os.Remove(name)
		return fmt.Errorf("fsutil: commit %s: %w", path, err)
	}
	return nil
}

// DecodePayload reads and YAML-decodes the file at path into v.
func DecodePayload(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return yaml.NewDecoder(f).Decode(v)
}

// SafeRename moves src to dst, trying os.Rename first (atomic within a
// device), then falling back to copy-then-unlink for cross-device moves.
// It never panics; on total failure it returns the last error encountered,
// but callers in the recovery and scheduler packages treat any error here
// as "destination may or may not exist, source may or may not still exist"
// and proceed non-fatally, per spec.
func SafeRename(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyThenUnlink(src, dst); err != nil {
		return fmt.Errorf("fsutil: rename %s -> %s: %w", src, dst, err)
	}
	return nil
}

func copyThenUnlink(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

// TryRemove removes path if it exists; any other error, including "does not
// exist", is swallowed, matching the source's try_remove helper used for
// best-effort marker cleanup.
func TryRemove(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// EnsureDir creates dir (and parents) if missing.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// MarkerPath builds a leading-dot transient marker name for filename in dir,
// e.g. MarkerPath("/q/todo", "task_a.yaml", "reserved") ->
// "/q/todo/.task_a.yaml.reserved".
func MarkerPath(dir, filename, suffix string) string {
	return filepath.Join(dir, fmt.Sprintf(".%s.%s", filename, suffix))
}
