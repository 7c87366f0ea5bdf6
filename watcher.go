package devicecheck

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultWatchDebounce coalesces the burst of filesystem events a single
// hotplug produces into one change notification.
const DefaultWatchDebounce = 500 * time.Millisecond

// WatcherConfig configures a DeviceWatcher.
type WatcherConfig struct {
	// Paths are the directories whose entries appear and disappear with
	// devices. Paths that do not exist are skipped.
	Paths []string

	// Debounce is the quiet period before a change fires. Defaults to
	// DefaultWatchDebounce.
	Debounce time.Duration

	// Logger receives watch events. Defaults to a no-op logger.
	Logger zerolog.Logger
}

// DeviceWatcher turns filesystem churn in device directories into
// debounced device change notifications.
type DeviceWatcher struct {
	watcher  *fsnotify.Watcher
	debounce graceTimer
	quiet    time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	subs   map[int]func()
	nextID int

	closeOnce sync.Once
	closeErr  error
}

// NewDeviceWatcher starts watching the configured paths.
func NewDeviceWatcher(cfg WatcherConfig) (*DeviceWatcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultWatchDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	d := &DeviceWatcher{
		watcher: fsw,
		quiet:   cfg.Debounce,
		log:     cfg.Logger.With().Str("component", "watcher").Logger(),
		subs:    make(map[int]func()),
	}
	for _, path := range cfg.Paths {
		if err := fsw.Add(path); err != nil {
			d.log.Debug().Err(err).Str("path", path).Msg("watch path unavailable")
			continue
		}
		d.log.Debug().Str("path", path).Msg("watching")
	}

	go d.loop()
	return d, nil
}

func (d *DeviceWatcher) loop() {
	for {
		select {
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			d.log.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("device path changed")
			d.debounce.Arm(d.quiet, d.fire)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Warn().Err(err).Msg("watch error")
		}
	}
}

func (d *DeviceWatcher) fire() {
	d.mu.Lock()
	subs := make([]func(), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// OnChange registers a callback fired after device paths settle. Returns
// a removal function.
func (d *DeviceWatcher) OnChange(fn func()) (remove func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// Close stops watching. Pending debounced notifications are dropped.
func (d *DeviceWatcher) Close() error {
	d.closeOnce.Do(func() {
		d.debounce.Cancel()
		d.closeErr = d.watcher.Close()
	})
	return d.closeErr
}
