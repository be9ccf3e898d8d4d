// Package sys wraps the handful of filesystem calls the journal and overflow
// cache depend on, so tests can inject failures.
package sys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type CreateHandler func(name string) (*os.File, error)
type OpenHandler func(name string) (*os.File, error)
type OpenFileHandler func(name string, flag int, perm os.FileMode) (*os.File, error)
type RenameHandler func(oldpath, newpath string) error

var Create CreateHandler = func(name string) (*os.File, error) {
	return os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
}

var Open OpenHandler = os.Open

var OpenFile OpenFileHandler = os.OpenFile

var Rename RenameHandler = os.Rename

// Remove deletes name, retrying with backoff. A missing file is not an error.
func Remove(name string) error {
	const retries = 5
	var err error
	for i := 0; i < retries; i++ {
		err = os.Remove(name)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		time.Sleep(10 * time.Millisecond * time.Duration(1<<i))
	}
	return err
}

// WriteFileAtomic writes data to a temp file next to path, fsyncs it and
// renames it over path.
func WriteFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temp file %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write temp file %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync temp file %s: %w", tmp, err)
	}
	// Close before rename; Windows refuses to rename an open file.
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file %s: %w", tmp, err)
	}
	if err := Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", tmp, path, err)
	}
	SyncDir(filepath.Dir(path))
	return nil
}

// SyncDir fsyncs a directory so a rename or create inside it survives a
// crash. Failures are ignored; some platforms cannot sync directory handles.
func SyncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
