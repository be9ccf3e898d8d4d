//go:build !unix

package sys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LockDir falls back to an O_EXCL lock file where flock is unavailable. A
// stale file left by a crash must be removed by hand.
func LockDir(dir, name string) (func() error, error) {
	path := filepath.Join(dir, name+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, err
	}
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	return func() error {
		f.Close()
		return os.Remove(path)
	}, nil
}
