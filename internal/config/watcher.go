package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"noirdesk/internal/events"
)

// Publisher is the slice of the event bus the watcher needs.
type Publisher interface {
	Publish(event any)
}

// ReloadFunc receives the freshly loaded configuration.
type ReloadFunc func(*Config)

// Watcher reloads the configuration when its file changes and notifies
// subscribers through the event bus.
type Watcher struct {
	path     string
	logger   *zap.Logger
	bus      Publisher
	onReload ReloadFunc

	fw   *fsnotify.Watcher
	done chan struct{}
	once sync.Once

	// debounce collapses the editor write/rename bursts into one reload.
	debounce time.Duration
}

// NewWatcher builds a watcher for the config file at path. onReload may
// be nil.
func NewWatcher(path string, logger *zap.Logger, bus Publisher, onReload ReloadFunc) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace the file via rename, which
	// drops a watch placed on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		logger:   logger,
		bus:      bus,
		onReload: onReload,
		fw:       fw,
		done:     make(chan struct{}),
		debounce: 250 * time.Millisecond,
	}, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop ends watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.done)
		w.fw.Close()
	})
}

func (w *Watcher) loop() {
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-w.done:
			return
		case <-fire:
			w.reload()
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous configuration",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}
	w.logger.Info("configuration reloaded", zap.String("path", w.path))
	if w.onReload != nil {
		w.onReload(cfg)
	}
	if w.bus != nil {
		w.bus.Publish(events.ConfigReloaded{Source: w.path})
	}
}
