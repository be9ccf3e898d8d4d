// Package checkpoint persists the journal's committed read offset in a small
// sidecar file. The offset is stored as plain decimal text so operators can
// inspect or edit it by hand.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/INLOpen/nexusingest/core"
	"github.com/INLOpen/nexusingest/sys"
)

// Path returns the sidecar location inside a journal directory.
func Path(dir string) string {
	return filepath.Join(dir, core.CommittedOffsetFileName)
}

// Write atomically replaces the sidecar with offset. The new content is
// fsynced before the rename so a crash leaves either the old or the new value.
func Write(dir string, offset int64) error {
	if offset < 0 {
		return fmt.Errorf("refusing to persist negative committed offset %d", offset)
	}
	if err := sys.WriteFileAtomic(Path(dir), []byte(strconv.FormatInt(offset, 10))); err != nil {
		return fmt.Errorf("failed to write committed offset: %w", err)
	}
	return nil
}

// Read returns the persisted offset and whether the sidecar existed. A missing
// sidecar means nothing was ever committed.
func Read(dir string) (int64, bool, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.OffsetUnassigned, false, nil
		}
		return core.OffsetUnassigned, false, fmt.Errorf("failed to read committed offset file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return core.OffsetUnassigned, true, nil
	}
	offset, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return core.OffsetUnassigned, true, fmt.Errorf("invalid committed offset %q: %w", text, err)
	}
	return offset, true, nil
}
