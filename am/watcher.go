package am

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/episodic/errors"
	"github.com/teranos/episodic/logger"
)

// ConfigWatcher watches a config file and pushes reloaded configs to callbacks.
// The daemon uses it to hot-reload budget caps.
type ConfigWatcher struct {
	configPath     string
	watcher        *fsnotify.Watcher
	callbacks      []ReloadCallback
	mu             sync.RWMutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	loadFn         func(string) (*Config, error)
	logger         *zap.SugaredLogger
	started        bool
	done           chan struct{}
}

// ReloadCallback is called with the freshly loaded config
type ReloadCallback func(*Config) error

// NewConfigWatcher creates a watcher for configPath
func NewConfigWatcher(configPath string, log *zap.SugaredLogger) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	// Watch the directory: editors replace files by rename, which drops a file watch
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch config directory for %s", configPath)
	}

	return &ConfigWatcher{
		configPath:     configPath,
		watcher:        watcher,
		debouncePeriod: 500 * time.Millisecond,
		loadFn:         LoadFromFile,
		logger:         logger.AddAMSymbol(log.Named("am.watcher")),
		done:           make(chan struct{}),
	}, nil
}

// OnReload registers a callback to be called when config is reloaded
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// Start begins watching for config file changes
func (cw *ConfigWatcher) Start() {
	cw.mu.Lock()
	cw.started = true
	cw.mu.Unlock()
	go cw.watchLoop()
}

func (cw *ConfigWatcher) watchLoop() {
	defer close(cw.done)
	target := filepath.Clean(cw.configPath)

	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cw.logger.Infow("Config watcher detected change",
				"file", event.Name,
				"op", event.Op.String())
			cw.scheduleReload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warnw("Config watcher error", logger.FieldError, err)
		}
	}
}

// scheduleReload debounces rapid file changes and triggers reload
func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}

	cw.debounceTimer = time.AfterFunc(cw.debouncePeriod, func() {
		if err := cw.reload(); err != nil {
			cw.logger.Errorw("Config reload failed", logger.FieldError, err)
		}
	})
}

// reload loads the file and calls every callback; a failing callback does not stop the others
func (cw *ConfigWatcher) reload() error {
	newConfig, err := cw.loadFn(cw.configPath)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	cw.logger.Infow("Config reloaded", "path", cw.configPath)

	cw.mu.RLock()
	callbacks := make([]ReloadCallback, len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(newConfig); err != nil {
			cw.logger.Warnw("Config reload callback error", logger.FieldError, err)
		}
	}

	return nil
}

// Stop stops watching for config changes
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	started := cw.started
	cw.mu.Unlock()
	err := cw.watcher.Close()
	if started {
		<-cw.done
	}
	return err
}
