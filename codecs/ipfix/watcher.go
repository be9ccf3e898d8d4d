package ipfix

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// DefinitionWatcher keeps the dictionary in sync with a set of custom
// definition files. A reload that fails keeps the previous dictionary.
type DefinitionWatcher struct {
	paths   []string
	current atomic.Pointer[Definitions]
	logger  *slog.Logger

	mu       sync.Mutex
	onChange []func(*Definitions)
}

var _ DefinitionSource = (*DefinitionWatcher)(nil)

// NewDefinitionWatcher performs the initial load.
func NewDefinitionWatcher(paths []string, logger *slog.Logger) (*DefinitionWatcher, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	w := &DefinitionWatcher{paths: paths, logger: logger.With("component", "IpfixDefinitionWatcher")}
	if _, err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *DefinitionWatcher) Definitions() *Definitions { return w.current.Load() }

// OnChange registers a callback invoked after every successful reload.
func (w *DefinitionWatcher) OnChange(fn func(*Definitions)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Reload re-reads every file.
func (w *DefinitionWatcher) Reload() (*Definitions, error) {
	defs, err := LoadDefinitionFiles(w.paths...)
	if err != nil {
		return nil, err
	}
	w.current.Store(defs)
	w.mu.Lock()
	callbacks := make([]func(*Definitions), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(defs)
	}
	return defs, nil
}

// Run watches the directories of the configured files until ctx is done.
// Directories are watched rather than files so that editors replacing a
// file through a rename are picked up.
func (w *DefinitionWatcher) Run(ctx context.Context) error {
	if len(w.paths) == 0 {
		<-ctx.Done()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ipfix definition watcher: %w", err)
	}
	defer fw.Close()

	watched := make(map[string]struct{}, len(w.paths))
	dirs := make(map[string]struct{})
	for _, p := range w.paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("ipfix definition watcher: %w", err)
		}
		watched[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("ipfix definition watcher add %s: %w", dir, err)
		}
	}
	w.logger.Info("Watching IPFIX definition files", "files", w.paths)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			if _, ok := watched[abs]; !ok {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			defs, err := w.Reload()
			if err != nil {
				w.logger.Warn("Reloading IPFIX definitions failed, keeping previous definitions", "file", ev.Name, "error", err)
				continue
			}
			w.logger.Info("Reloaded IPFIX definitions", "file", ev.Name, "elements", defs.Len())
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("IPFIX definition watcher error", "error", err)
		}
	}
}
