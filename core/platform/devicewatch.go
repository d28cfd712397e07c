package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDeviceDir is where ALSA exposes sound device nodes.
const DefaultDeviceDir = "/dev/snd"

// DeviceWatcher reports output device changes by watching a device node
// directory. Plugging a card or pairing a headset creates several nodes at
// once, so notifications are debounced.
type DeviceWatcher struct {
	dir      string
	debounce time.Duration
	clock    clock.Clock
	log      *zap.Logger
	onChange func()

	mu    sync.Mutex
	timer *clock.Timer
}

// NewDeviceWatcher watches dir and calls onChange once per burst of changes.
func NewDeviceWatcher(dir string, debounce time.Duration, clk clock.Clock, log *zap.Logger, onChange func()) *DeviceWatcher {
	if dir == "" {
		dir = DefaultDeviceDir
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DeviceWatcher{dir: dir, debounce: debounce, clock: clk, log: log, onChange: onChange}
}

// Run blocks until ctx is done.
func (w *DeviceWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create device watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info("watching output devices", zap.String("dir", w.dir))

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove) != 0 {
				w.log.Debug("device node changed", zap.String("name", event.Name), zap.String("op", event.Op.String()))
				w.trigger()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("device watcher error", zap.Error(err))
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil
		}
	}
}

func (w *DeviceWatcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.clock.AfterFunc(w.debounce, w.onChange)
}
