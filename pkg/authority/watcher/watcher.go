// Package watcher reloads the filesystem-backed adapters when devices.csv
// or a start.conf file changes on disk, and records the resulting change
// events in the changelog.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/linuxmuster/lmn-authority/internal/logger"
	"github.com/linuxmuster/lmn-authority/pkg/authority/changelog"
	"github.com/linuxmuster/lmn-authority/pkg/authority/devices"
	"github.com/linuxmuster/lmn-authority/pkg/authority/startconf"
)

// Defaults for event coalescing and failure handling.
const (
	DefaultDebounce   = 500 * time.Millisecond
	DefaultMaxRetries = 3
	DefaultRetryDelay = 200 * time.Millisecond
	DefaultCooldown   = 5 * time.Second
)

// startConfPrefix mirrors the filename convention of the startconf adapter.
const startConfPrefix = "start.conf."

// Options tunes the watcher. Zero values take the package defaults.
type Options struct {
	Debounce   time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Cooldown   time.Duration
}

// Watcher reloads adapters on filesystem changes.
//
// Events are debounced: bursts of writes to the same set of files collapse
// into a single reload. A file that keeps failing to reload goes into a
// per-path cooldown so a corrupt file cannot spin the reload loop; the
// previous snapshot stays served throughout.
type Watcher struct {
	devices   *devices.Adapter
	startconf *startconf.Adapter
	changelog *changelog.Store

	debounce   time.Duration
	maxRetries int
	retryDelay time.Duration
	cooldown   time.Duration

	mu        sync.Mutex
	cooldowns map[string]time.Time

	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
	stopped chan struct{}
}

// New creates a watcher over the given adapters and changelog.
func New(dev *devices.Adapter, sc *startconf.Adapter, cl *changelog.Store, opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	return &Watcher{
		devices:    dev,
		startconf:  sc,
		changelog:  cl,
		debounce:   opts.Debounce,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		cooldown:   opts.Cooldown,
		cooldowns:  map[string]time.Time{},
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Start begins watching in a background goroutine. The devices.csv parent
// directory is watched rather than the file itself so renames and fresh
// writes are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	paths := map[string]struct{}{}
	if p := w.devices.Path(); p != "" {
		paths[filepath.Dir(p)] = struct{}{}
	}
	if d := w.startconf.Dir(); d != "" {
		paths[d] = struct{}{}
	}
	for p := range paths {
		if err := fsw.Add(p); err != nil {
			logger.Warn("failed to watch path", logger.KeyPath, p, logger.KeyError, err)
		}
	}

	go w.loop(ctx)

	logger.Info("file watcher started", "debounce", w.debounce.String(), logger.KeyCount, len(paths))
	return nil
}

// Stop signals the watch goroutine and waits for it to exit.
func (w *Watcher) Stop() {
	select {
	case <-w.stopCh:
		return
	default:
		close(w.stopCh)
	}
	<-w.stopped
	logger.Debug("file watcher stopped")
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.stopped)
	defer w.fsw.Close()

	pending := map[string]struct{}{}
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		timerC = nil
		for path := range pending {
			delete(pending, path)
			w.handleChange(path)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// Deletions never trigger reloads; the last good snapshot
			// stays served.
			if ev.Op&fsnotify.Remove != 0 {
				continue
			}
			if !w.relevant(ev.Name) {
				continue
			}
			pending[ev.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("watch error", logger.KeyError, err)

		case <-timerC:
			flush()
		}
	}
}

// relevant reports whether a changed path belongs to one of our sources.
func (w *Watcher) relevant(path string) bool {
	if path == w.devices.Path() {
		return true
	}
	return strings.HasPrefix(filepath.Base(path), startConfPrefix)
}

// handleChange reloads the adapter responsible for path, retrying a few
// times before putting the path into cooldown.
func (w *Watcher) handleChange(path string) {
	w.mu.Lock()
	until, cooling := w.cooldowns[path]
	w.mu.Unlock()
	if cooling && time.Now().Before(until) {
		logger.Debug("skipping change, path in cooldown", logger.KeyPath, path)
		return
	}

	if _, err := os.Stat(path); err != nil {
		return
	}

	isDevices := path == w.devices.Path()

	for attempt := 1; attempt <= w.maxRetries; attempt++ {
		if w.reload(path, isDevices) {
			return
		}
		logger.Warn("reload attempt failed",
			logger.KeyPath, path,
			logger.KeyAttempt, attempt,
			"maxRetries", w.maxRetries)
		if attempt < w.maxRetries {
			time.Sleep(w.retryDelay)
		}
	}

	logger.Warn("all reload attempts failed, entering cooldown",
		logger.KeyPath, path, "cooldown", w.cooldown.String())
	w.mu.Lock()
	w.cooldowns[path] = time.Now().Add(w.cooldown)
	w.mu.Unlock()
}

// reload performs one reload attempt and records change events on success.
func (w *Watcher) reload(path string, isDevices bool) bool {
	if isDevices {
		if !w.devices.Load() {
			return false
		}
		logger.Info("reloaded devices.csv after file change")
		w.record(changelog.EntityHost, "all")
		w.record(changelog.EntityDHCP, "all")
		return true
	}

	id := strings.TrimPrefix(filepath.Base(path), startConfPrefix)
	if !w.startconf.LoadSingle(id) {
		return false
	}
	logger.Info("reloaded start.conf after file change", logger.KeyGroup, id)
	w.record(changelog.EntityStartConf, id)
	w.record(changelog.EntityConfig, id)
	return true
}

func (w *Watcher) record(entityType, entityID string) {
	if w.changelog == nil {
		return
	}
	if err := w.changelog.RecordChange(entityType, entityID, changelog.ActionUpsert); err != nil {
		logger.Error("failed to record change", logger.KeyEntity, entityType, logger.KeyError, err)
	}
}
