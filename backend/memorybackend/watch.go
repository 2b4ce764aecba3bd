package memorybackend

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchCatalog loads the catalog at path, then reloads it whenever the file
// changes until ctx ends. A reload that fails to parse keeps the previous
// catalog. The initial load error is returned; later ones are logged.
//
// The parent directory is watched rather than the file so that editors which
// replace the file by rename are handled.
func (b *Backend) WatchCatalog(ctx context.Context, path string) error {
	c, err := LoadCatalog(path)
	if err != nil {
		return err
	}
	b.SetCatalog(c)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("memorybackend: watch catalog: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("memorybackend: watch catalog: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("memorybackend: watch catalog: %w", err)
	}

	go b.runWatch(ctx, w, abs)
	return nil
}

func (b *Backend) runWatch(ctx context.Context, w *fsnotify.Watcher, path string) {
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = w.Close()
	}()

	// Editors often emit several events per save; coalesce them.
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(50 * time.Millisecond)
			}
		case <-debounce:
			debounce = nil
			c, err := LoadCatalog(path)
			if err != nil {
				b.log.WarnContext(ctx, "backend.catalog.reload.fail", slog.String("path", path), slog.String("err", err.Error()))
				continue
			}
			b.SetCatalog(c)
			b.log.InfoContext(ctx, "backend.catalog.reload.ok", slog.String("path", path), slog.Int("shows", len(c.Shows)))
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			b.log.DebugContext(ctx, "backend.catalog.watch.error", slog.String("err", err.Error()))
		}
	}
}
