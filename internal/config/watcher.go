package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	log "github.com/nghyane/codex-mux/internal/logging"
)

// Watch reloads the config file on change and invokes onReload with the new
// config. Editors replace files rather than writing in place, so the watch is
// on the directory and events are debounced. Returns a stop function.
func Watch(path string, onReload func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		var prev *Config
		var pending <-chan time.Time
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(250 * time.Millisecond)
			case <-pending:
				pending = nil
				cfg, errLoad := Load(path)
				if errLoad != nil {
					log.WithError(errLoad).Warn("config reload skipped")
					continue
				}
				for _, change := range diffChanges(prev, cfg) {
					log.Infof("config changed: %s", change)
				}
				prev = cfg
				onReload(cfg)
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(errWatch).Warn("config watcher error")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}

// diffChanges reports a redacted list of changed knobs between two loads.
// API keys and tokens are never printed.
func diffChanges(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	changes := make([]string, 0, 8)
	if oldCfg.Debug != newCfg.Debug {
		changes = append(changes, fmt.Sprintf("debug: %t -> %t", oldCfg.Debug, newCfg.Debug))
	}
	if oldCfg.Routing.MaxRetries != newCfg.Routing.MaxRetries {
		changes = append(changes, fmt.Sprintf("routing.max-retries: %d -> %d", oldCfg.Routing.MaxRetries, newCfg.Routing.MaxRetries))
	}
	if oldCfg.Sticky.TTL != newCfg.Sticky.TTL {
		changes = append(changes, fmt.Sprintf("sticky.ttl: %s -> %s", oldCfg.Sticky.TTL, newCfg.Sticky.TTL))
	}
	if oldCfg.Quota.WindowMinutes != newCfg.Quota.WindowMinutes {
		changes = append(changes, fmt.Sprintf("quota.window-minutes: %d -> %d", oldCfg.Quota.WindowMinutes, newCfg.Quota.WindowMinutes))
	}
	if len(oldCfg.APIKeys) != len(newCfg.APIKeys) {
		changes = append(changes, fmt.Sprintf("api-keys: %d -> %d entries", len(oldCfg.APIKeys), len(newCfg.APIKeys)))
	}
	return changes
}
