package config

import (
	"sync"

	"whatsbot/internal/models"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Watcher reloads the configuration file when it changes on disk and notifies
// subscribers with the decoded result. Invalid edits are logged and ignored.
type Watcher struct {
	path      string
	logger    *logrus.Logger
	v         *viper.Viper
	mu        sync.RWMutex
	config    *models.Config
	callbacks []func(*models.Config)
}

// NewWatcher loads path once and returns a watcher holding the result.
func NewWatcher(path string, logger *logrus.Logger) (*Watcher, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Watcher{path: path, logger: logger, v: v, config: cfg}, nil
}

// Start begins watching. Callbacks registered later still receive subsequent reloads.
func (w *Watcher) Start() {
	w.v.OnConfigChange(func(e fsnotify.Event) {
		w.reload(e.Name)
	})
	w.v.WatchConfig()
	w.logger.WithField("path", w.path).Info("Configuration watcher started")
}

// Config returns the current configuration
func (w *Watcher) Config() *models.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// OnChange registers a callback to be called when configuration changes
func (w *Watcher) OnChange(cb func(*models.Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

func (w *Watcher) reload(name string) {
	cfg, err := decode(w.v)
	if err != nil {
		w.logger.WithError(err).WithField("path", name).Error("Failed to reload configuration")
		return
	}

	w.mu.Lock()
	w.config = cfg
	callbacks := make([]func(*models.Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded")
	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.WithField("panic", r).Error("Config change callback panicked")
				}
			}()
			cb(cfg)
		}()
	}
}
