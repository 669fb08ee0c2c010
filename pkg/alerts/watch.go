package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ryouol/agent-diagnostics/pkg/logging"
)

// RuleReloadDebounce coalesces the burst of events editors emit on save.
const RuleReloadDebounce = 100 * time.Millisecond

// ReloadRules loads path and upserts its rules into e.
func ReloadRules(e *Engine, path string) error {
	specs, err := LoadRules(path)
	if err != nil {
		return err
	}
	if _, _, err := e.SyncRules(specs); err != nil {
		return fmt.Errorf("sync alert rules: %w", err)
	}
	return nil
}

// WatchRules reloads the rule file at path whenever it changes until ctx is
// cancelled. The parent directory is watched so atomic renames are seen.
// A reload that fails is logged and the previous rules stay in effect.
func WatchRules(ctx context.Context, e *Engine, path string, logger *slog.Logger) error {
	logger = logging.OrDefault(logger).With("component", "rules-watcher")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	debounce := time.NewTimer(RuleReloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

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
			debounce.Reset(RuleReloadDebounce)

		case <-debounce.C:
			if err := ReloadRules(e, abs); err != nil {
				logger.Warn("Alert rules reload failed", "path", abs, "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Rules watcher error", "error", err)
		}
	}
}
