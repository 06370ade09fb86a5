package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when a hot-reloadable file
// changes, so the running proxy can pick up new rules or header
// exemptions without a restart.
type WatchTargets struct {
	// OnPolicyChange fires when the configured policy rules file is
	// written or created.
	OnPolicyChange func()
	// OnConfigChange fires when config.yaml itself changes, covering the
	// exempted-headers list.
	OnConfigChange func()
}

// Watcher monitors siphon's config directory for changes using fsnotify.
type Watcher struct {
	fsWatcher  *fsnotify.Watcher
	done       chan struct{}
	configName string
	policyName string
}

// NewWatcher watches dir (siphon's config directory) for changes to
// configFile and policyFile (base names).
func NewWatcher(dir, configFile, policyFile string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher:  fw,
		done:       make(chan struct{}),
		configName: filepath.Base(configFile),
		policyName: filepath.Base(policyFile),
	}

	go w.processEvents(targets)

	slog.Info("config watcher started", "dir", dir)
	return w, nil
}

func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			name := filepath.Base(event.Name)
			switch name {
			case w.policyName:
				slog.Info("policy file changed, triggering reload")
				if targets.OnPolicyChange != nil {
					targets.OnPolicyChange()
				}
			case w.configName:
				slog.Info("config file changed, triggering reload")
				if targets.OnConfigChange != nil {
					targets.OnConfigChange()
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
