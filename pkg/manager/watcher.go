package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
)

const DefaultReloadDebounce = 200 * time.Millisecond

// Importer applies a configuration bundle
type Importer interface {
	ImportConfiguration(data []byte) (ImportResult, error)
}

// BundleWatcher re-imports a bundle file whenever it is written. The parent
// directory is watched so editors that replace the file are followed.
type BundleWatcher struct {
	path     string
	importer Importer
	debounce time.Duration
	logger   logging.Logger

	reloads  atomic.Uint64
	failures atomic.Uint64
}

func NewBundleWatcher(path string, importer Importer, debounce time.Duration, logger logging.Logger) *BundleWatcher {
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &BundleWatcher{
		path:     filepath.Clean(path),
		importer: importer,
		debounce: debounce,
		logger:   logger,
	}
}

// Run watches until ctx is done
func (w *BundleWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.NewIOError("failed to create bundle watcher", err).WithContext("path", w.path)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return errors.NewIOError("failed to watch bundle directory", err).WithContext("path", w.path)
	}
	w.logger.Infof("Watching configuration bundle, path: %s", w.path)

	var (
		timer   *time.Timer
		trigger <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Infof("Bundle watcher stopped, path: %s", w.path)
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			trigger = timer.C

		case <-trigger:
			trigger = nil
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnf("Bundle watcher error, path: %s, error: %v", w.path, err)
		}
	}
}

func (w *BundleWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.failures.Add(1)
		w.logger.Errorf("Failed to read configuration bundle, path: %s, error: %v", w.path, err)
		return
	}
	result, err := w.importer.ImportConfiguration(data)
	if err != nil {
		w.failures.Add(1)
		w.logger.Errorf("Failed to reload configuration bundle, path: %s, error: %v", w.path, err)
		return
	}
	w.reloads.Add(1)
	w.logger.Infof("Configuration bundle reloaded, path: %s, policies: %d, rules: %d, templates: %d", w.path,
		result.PoliciesAdded+result.PoliciesUpdated, result.RulesAdded+result.RulesUpdated,
		result.TemplatesAdded+result.TemplatesUpdated)
}

// Reloads counts successful imports
func (w *BundleWatcher) Reloads() uint64 {
	return w.reloads.Load()
}

// Failures counts reloads that could not be read or imported
func (w *BundleWatcher) Failures() uint64 {
	return w.failures.Load()
}
