// internal/config/watch.go
package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchThresholds watches the config file and invokes onChange with
// freshly loaded thresholds whenever it is rewritten. Only the
// thresholds section is hot-reloadable; everything else requires a
// restart. The returned stop function releases the watcher.
func WatchThresholds(path string, logger *zap.Logger, onChange func(ThresholdsConfig)) (func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("threshold reload failed", zap.Error(err))
					continue
				}
				logger.Info("thresholds reloaded",
					zap.Int("usageWarning", cfg.Thresholds.UsageWarning),
					zap.Int("usageCritical", cfg.Thresholds.UsageCritical))
				onChange(cfg.Thresholds)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()

	return watcher.Close, nil
}
