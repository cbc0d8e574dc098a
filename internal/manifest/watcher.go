package manifest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/pkg/metrics"
)

const defaultDebounce = 500 * time.Millisecond

// Installer is the registry-facing port of the watcher.
type Installer interface {
	Register(ctx context.Context, def *models.ModuleDefinition) (*models.RegistryEntry, error)
}

// Watcher hot-reloads a manifest directory. Filesystem events are debounced
// per file so editors that write in bursts trigger one reload; each settled
// file is re-parsed and its definitions registered. An already-registered
// (module, version) pair is left alone; manifests are immutable per version.
// File removal never unregisters: the module may be active somewhere.
type Watcher struct {
	dir       string
	installer Installer
	log       *slog.Logger
	debounce  time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	fsw     *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher builds a watcher over dir. A debounce <= 0 uses the default.
func NewWatcher(dir string, installer Installer, logger *slog.Logger, debounce time.Duration) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		dir:       dir,
		installer: installer,
		log:       logger.With("component", "manifest"),
		debounce:  debounce,
		pending:   make(map[string]*time.Timer),
	}
}

// Start syncs the directory once, then watches it until ctx is canceled or
// Stop is called. Call at most once.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.Sync(ctx); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}

	w.mu.Lock()
	w.fsw = fsw
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(ctx, fsw)
	w.log.Info("watching manifest directory", "dir", w.dir)
	return nil
}

// Sync loads every manifest in the directory and registers what is new. Files
// that fail to parse are logged and skipped.
func (w *Watcher) Sync(ctx context.Context) error {
	res, err := LoadDir(w.dir)
	if err != nil {
		metrics.CatalogReloadsTotal.WithLabelValues("error").Inc()
		return err
	}
	for _, e := range res.Errors {
		w.log.Warn("manifest skipped", "error", e.Error())
	}
	for _, warning := range res.Warnings {
		w.log.Warn("manifest warning", "warning", warning)
	}

	added := w.registerAll(ctx, res.Definitions)
	metrics.CatalogReloadsTotal.WithLabelValues("ok").Inc()
	w.log.Info("manifest catalog synced",
		"definitions", len(res.Definitions),
		"registered", added,
		"failed_files", len(res.Errors))
	return nil
}

func (w *Watcher) registerAll(ctx context.Context, defs []*models.ModuleDefinition) int {
	added := 0
	for _, def := range defs {
		entry, err := w.installer.Register(ctx, def)
		switch {
		case err == nil:
			added++
			w.log.Info("module registered from manifest",
				"module_id", def.ID,
				"module_version", def.Version,
				"status", string(entry.Status))
		case models.IsKind(err, models.ErrModuleConflict):
			// already registered
		default:
			w.log.Warn("module registration failed",
				"module_id", def.ID,
				"module_version", def.Version,
				"error", err.Error())
		}
	}
	return added
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("manifest watcher error", "error", err.Error())
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if !isManifestFile(ev.Name) {
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[ev.Name]; ok {
		t.Stop()
	}
	path := ev.Name
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.reloadFile(ctx, path)
	})
}

func (w *Watcher) reloadFile(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		return // gone before the debounce settled
	}
	defs, warnings, err := LoadFile(path)
	for _, warning := range warnings {
		w.log.Warn("manifest warning", "file", filepath.Base(path), "warning", warning)
	}
	if err != nil {
		metrics.CatalogReloadsTotal.WithLabelValues("error").Inc()
		w.log.Warn("manifest reload failed", "file", filepath.Base(path), "error", err.Error())
		return
	}

	added := w.registerAll(ctx, defs)
	metrics.CatalogReloadsTotal.WithLabelValues("ok").Inc()
	w.log.Info("manifest reloaded",
		"file", filepath.Base(path),
		"definitions", len(defs),
		"registered", added)
}

// Stop cancels pending reloads and closes the filesystem watcher. Safe to
// call without a prior Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	fsw := w.fsw
	done := w.done
	w.fsw = nil
	w.mu.Unlock()

	if fsw != nil {
		fsw.Close()
		<-done
	}
}
