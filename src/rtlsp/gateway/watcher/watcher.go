// Package watcher feeds filesystem change batches into the request queue,
// standing in for an external watchman subprocess. Batches arrive on the
// same path as client file-change notifications, so they get the same
// deferral and merging treatment.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/uber-go/tally"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

const _debounce = 100 * time.Millisecond

// Sink receives one batch of absolute changed paths.
type Sink func(files []string)

// Gateway watches the workspace for file changes.
type Gateway interface {
	// Start begins watching root recursively, delivering paths with one of
	// the given extensions to sink. Batches are debounced.
	Start(root string, exts []string, sink Sink) error
	Stop() error
}

// Params defines the dependencies of this gateway.
type Params struct {
	fx.In

	Logger *zap.SugaredLogger
	Stats  tally.Scope
}

type gateway struct {
	logger *zap.SugaredLogger
	stats  tally.Scope

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New returns a filesystem watcher gateway.
func New(p Params) Gateway {
	return &gateway{
		logger: p.Logger,
		stats:  p.Stats.SubScope("watcher"),
	}
}

func (g *gateway) Start(root string, exts []string, sink Sink) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting file watcher: %w", err)
	}

	if err := addRecursive(w, root); err != nil {
		w.Close()
		return fmt.Errorf("watching %q: %w", root, err)
	}

	g.mu.Lock()
	g.watcher = w
	g.done = make(chan struct{})
	done := g.done
	g.mu.Unlock()

	go g.run(w, exts, sink, done)
	return nil
}

func (g *gateway) run(w *fsnotify.Watcher, exts []string, sink Sink, done chan struct{}) {
	defer close(done)

	pending := make(map[string]struct{})
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := make([]string, 0, len(pending))
		for p := range pending {
			batch = append(batch, p)
		}
		pending = make(map[string]struct{})
		g.stats.Counter("batches_delivered").Inc(1)
		sink(batch)
	}

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				flush()
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addRecursive(w, ev.Name); err != nil {
						g.logger.Debugw("watching new directory", "path", ev.Name, "error", err)
					}
					continue
				}
			}
			if !hasExt(ev.Name, exts) {
				continue
			}
			pending[ev.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(_debounce)
			} else {
				timer.Reset(_debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			flush()
		case err, ok := <-w.Errors:
			if !ok {
				flush()
				return
			}
			g.logger.Warnw("file watcher error", "error", err)
		}
	}
}

func (g *gateway) Stop() error {
	g.mu.Lock()
	w, done := g.watcher, g.done
	g.watcher, g.done = nil, nil
	g.mu.Unlock()
	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}

func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

func hasExt(name string, exts []string) bool {
	for _, ext := range exts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
