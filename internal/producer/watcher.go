package producer

import (
	"context"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mattjoyce/crossbard/internal/log"
)

const (
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watcher triggers a rediscovery when files under the producer roots change.
type Watcher struct {
	registry *Registry
	roots    []string
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher watches the registry's roots. Events are coalesced for debounce.
func NewWatcher(registry *Registry, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		registry: registry,
		roots:    registry.roots,
		debounce: debounce,
		logger:   log.WithComponent("watcher"),
	}
}

// Run blocks until ctx is cancelled. A watcher that breaks is recreated with
// jittered exponential backoff.
func (w *Watcher) Run(ctx context.Context) error {
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff = min(backoff*2, restartBackoffMax)
		}
		return wait
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	trigger := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			if _, err := w.registry.Rediscover(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("rediscovery failed", "error", err)
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err != nil {
			wait := nextWait()
			w.logger.Warn("watcher init failed", "error", err, "backoff", wait)
			if !sleepCtx(ctx, wait) {
				return nil
			}
			continue
		}

		watched := w.addTree(fw)
		if watched == 0 {
			_ = fw.Close()
			wait := nextWait()
			w.logger.Warn("no producer directories could be watched", "roots", w.roots, "backoff", wait)
			if !sleepCtx(ctx, wait) {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		w.logger.Debug("watcher started", "directories", watched)

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if strings.HasPrefix(filepath.Base(ev.Name), ".") {
					continue
				}
				if ev.Has(fsnotify.Create) {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = fw.Add(ev.Name)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					trigger()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					w.logger.Warn("watch overflow; forcing rediscovery", "error", err)
					trigger()
					continue
				}
				w.logger.Warn("watch error", "error", err)
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := nextWait()
		w.logger.Warn("watcher stopped; restarting", "backoff", wait)
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

// addTree registers every non-hidden directory under the roots.
func (w *Watcher) addTree(fw *fsnotify.Watcher) int {
	count := 0
	for _, root := range w.roots {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			if addErr := fw.Add(path); addErr != nil {
				w.logger.Warn("cannot watch directory", "path", path, "error", addErr)
				return nil
			}
			count++
			return nil
		})
	}
	return count
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
