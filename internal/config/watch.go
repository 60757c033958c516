package config

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDelay coalesces the burst of events editors produce for a single save
const reloadDelay = 200 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes the new configuration to
// onChange. Flags set on fs (nil for none) are applied on top of every reload so that the
// command line keeps precedence over the file. The directory is watched rather than the file
// so that atomic renames by editors are seen. Invalid files are logged and skipped. Watch
// blocks until ctx is done.
func Watch(ctx context.Context, path string, fs *flag.FlagSet, logger logrus.FieldLogger, onChange func(*Config)) error {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "config")

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	logger.WithField("path", abs).Info("Watching configuration file")

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		cfg, err := Load(abs)
		if err == nil && fs != nil {
			err = cfg.ApplyFlags(fs)
		}
		if err != nil {
			logger.WithError(err).Warn("Ignoring invalid configuration change")
			return
		}
		logger.WithField("path", abs).Info("Configuration reloaded")
		onChange(cfg)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, reload)
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("Configuration watcher error")
		}
	}
}
