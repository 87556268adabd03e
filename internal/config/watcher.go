package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"codectx/internal/core"
)

// Guardrails are the runtime-changeable knobs: tuner bounds and recovery
// caps. Everything else requires a restart.
type Guardrails struct {
	Tuning   TuningConfig   `yaml:"tuning"`
	Recovery RecoveryConfig `yaml:"recovery"`
}

// Watcher reloads guardrails when the config file changes on disk.
// Atomic saves (write to temp, rename over) are handled by watching the
// directory as well as the file.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   core.Logger
	mu       sync.RWMutex
	current  Guardrails
	onChange []func(Guardrails)
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher starts watching path. The initial guardrails come from cfg.
func NewWatcher(path string, cfg *Config, logger core.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		logger.Warn("Failed to watch config directory", map[string]interface{}{
			"dir":   filepath.Dir(path),
			"error": err.Error(),
		})
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		logger:  logger,
		current: Guardrails{Tuning: cfg.Tuning, Recovery: cfg.Recovery},
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the latest guardrails.
func (w *Watcher) Current() Guardrails {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked after each successful reload.
func (w *Watcher) OnChange(fn func(Guardrails)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	err := w.watcher.Close()
	<-w.doneCh
	return err
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("Config reload failed", map[string]interface{}{
			"path":  w.path,
			"error": err.Error(),
		})
		return
	}

	var g Guardrails
	if err := yaml.Unmarshal(data, &g); err != nil {
		w.logger.Warn("Config reload rejected: parse error", map[string]interface{}{
			"path":  w.path,
			"error": err.Error(),
		})
		return
	}
	if g.Tuning.MaxStep <= 0 || g.Tuning.MaxStep > 1 || g.Recovery.MaxPerHour < 1 {
		w.logger.Warn("Config reload rejected: out-of-range guardrails", map[string]interface{}{
			"max_step":     g.Tuning.MaxStep,
			"max_per_hour": g.Recovery.MaxPerHour,
		})
		return
	}

	w.mu.Lock()
	w.current = g
	callbacks := append([]func(Guardrails){}, w.onChange...)
	w.mu.Unlock()

	w.logger.Info("Guardrails reloaded", map[string]interface{}{
		"tuning_max_step":       g.Tuning.MaxStep,
		"tuning_min_samples":    g.Tuning.MinSamples,
		"recovery_max_per_hour": g.Recovery.MaxPerHour,
	})
	for _, fn := range callbacks {
		fn(g)
	}
}
