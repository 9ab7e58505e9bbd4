// Package filelock coordinates cross-process access to the files the
// pipeline shares with humans and other tools: the PRD document, the
// progress log, and the retrospective artifacts. Writes go through an
// flock-guarded read-modify-write with an atomic temp-file rename so
// readers never observe partial content.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// lockPath derives the sidecar lock file for a target path.
func lockPath(path string) string {
	return path + ".lock"
}

// UpdateFile applies fn to the current content of path (empty slice when
// the file does not exist) and writes the result atomically, all under
// an exclusive flock. fn returning an error aborts without writing.
func UpdateFile(path string, fn func(current []byte) ([]byte, error)) error {
	lock := flock.New(lockPath(path))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer lock.Unlock()

	current, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", path, err)
	}

	updated, err := fn(current)
	if err != nil {
		return err
	}

	return atomicWrite(path, updated)
}

// AppendLine appends one line to path under the file's lock, creating
// the file if needed.
func AppendLine(path string, line string) error {
	return UpdateFile(path, func(current []byte) ([]byte, error) {
		if len(current) > 0 && current[len(current)-1] != '\n' {
			current = append(current, '\n')
		}
		return append(current, []byte(line+"\n")...), nil
	})
}

// WriteFile writes data to path atomically under the file's lock.
func WriteFile(path string, data []byte) error {
	lock := flock.New(lockPath(path))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer lock.Unlock()
	return atomicWrite(path, data)
}

// atomicWrite writes via a temp file in the target directory followed by
// rename, so the temp file is on the same filesystem and the swap is
// atomic.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
