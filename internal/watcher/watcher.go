// Package watcher discovers session files. It watches each harness's
// root directories through fsnotify and also rescans on a timer, so
// sessions that were deferred (no content yet) or whose events were
// missed still get picked up.
package watcher

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agent-relay/relayd/internal/harness"
	"github.com/agent-relay/relayd/internal/tracker"
)

// Sessions is the part of the tracker the watcher drives.
type Sessions interface {
	StartSession(ctx context.Context, path string, adapter harness.Adapter) (tracker.Outcome, error)
	EndSession(ctx context.Context, path string) error
	Tracks(path string) bool
	Poke(path string)
}

type Config struct {
	// RescanInterval is the fallback full-scan cadence.
	RescanInterval time.Duration
	// RecentWindow bounds how old a file can be and still be adopted
	// during the initial scan; zero adopts everything.
	RecentWindow time.Duration
}

type Watcher struct {
	adapters []harness.Adapter
	sessions Sessions
	cfg      Config

	fs *fsnotify.Watcher

	mu      sync.Mutex
	skipped map[string]bool // paths excluded by repo policy, permanent
	watched map[string]bool // directories added to fsnotify
}

func New(sessions Sessions, adapters []harness.Adapter, cfg Config) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = 30 * time.Second
	}
	return &Watcher{
		adapters: adapters,
		sessions: sessions,
		cfg:      cfg,
		fs:       fs,
		skipped:  make(map[string]bool),
		watched:  make(map[string]bool),
	}, nil
}

// Run scans, then follows filesystem events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	w.scan(ctx, true)

	ticker := time.NewTicker(w.cfg.RescanInterval)
	defer ticker.Stop()
	defer w.fs.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx, false)
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Printf("watcher error: %v", err)
		}
	}
}

// scan walks every adapter root, watching directories and attempting
// any recognized file that is not being tracked yet.
func (w *Watcher) scan(ctx context.Context, initial bool) {
	cutoff := time.Time{}
	if initial && w.cfg.RecentWindow > 0 {
		cutoff = time.Now().Add(-w.cfg.RecentWindow)
	}
	for _, adapter := range w.adapters {
		for _, root := range adapter.Roots() {
			if _, err := os.Stat(root); err != nil {
				continue
			}
			err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if d.IsDir() {
					w.watchDir(path)
					return nil
				}
				if !adapter.RecognizesPath(path) {
					return nil
				}
				if !cutoff.IsZero() {
					if info, err := d.Info(); err == nil && info.ModTime().Before(cutoff) {
						return nil
					}
				}
				w.attempt(ctx, path, adapter)
				return nil
			})
			if err != nil {
				log.Printf("scanning %s: %v", root, err)
			}
		}
	}
}

func (w *Watcher) watchDir(dir string) {
	w.mu.Lock()
	already := w.watched[dir]
	if !already {
		w.watched[dir] = true
	}
	w.mu.Unlock()
	if already {
		return
	}
	if err := w.fs.Add(dir); err != nil {
		log.Printf("watching %s: %v", dir, err)
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	path := event.Name

	if event.Has(fsnotify.Create) {
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			// New project directory; watch it and scan its contents.
			w.watchDir(path)
			w.scanDir(ctx, path)
			return
		}
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		if w.sessions.Tracks(path) {
			if err := w.sessions.EndSession(ctx, path); err != nil {
				log.Printf("ending removed session %s: %v", path, err)
			}
		}
		return
	}

	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	adapter := w.adapterFor(path)
	if adapter == nil {
		return
	}
	if w.sessions.Tracks(path) {
		// Already tracked; just nudge its tailer.
		w.sessions.Poke(path)
		return
	}
	w.attempt(ctx, path, adapter)
}

func (w *Watcher) scanDir(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() {
			w.watchDir(path)
			w.scanDir(ctx, path)
			continue
		}
		if adapter := w.adapterFor(path); adapter != nil {
			w.attempt(ctx, path, adapter)
		}
	}
}

func (w *Watcher) adapterFor(path string) harness.Adapter {
	for _, a := range w.adapters {
		if a.RecognizesPath(path) {
			return a
		}
	}
	return nil
}

// attempt asks the tracker to adopt path. RetryLater is not recorded
// anywhere; the next event or rescan simply tries again.
func (w *Watcher) attempt(ctx context.Context, path string, adapter harness.Adapter) {
	w.mu.Lock()
	excluded := w.skipped[path]
	w.mu.Unlock()
	if excluded || w.sessions.Tracks(path) {
		return
	}

	outcome, err := w.sessions.StartSession(ctx, path, adapter)
	if err != nil {
		log.Printf("starting session for %s: %v", path, err)
		return
	}
	if outcome == tracker.Skipped {
		w.mu.Lock()
		w.skipped[path] = true
		w.mu.Unlock()
	}
}
