// Package importer watches a local drop directory and uploads any file
// placed there, removing it once the upload succeeds.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// settleInterval is how often a new file's size is re-checked while
	// waiting for the writer to finish.
	settleInterval = 500 * time.Millisecond

	// settleAttempts bounds how long a still-growing file is watched
	// before giving up on this event. A later write event retries it.
	settleAttempts = 20
)

// uploadFunc performs the actual upload. The importer stays decoupled
// from the mutation layer through it.
type uploadFunc func(ctx context.Context, name string, data []byte, contentType string) error

// Importer uploads files dropped into a directory.
type Importer struct {
	dir    string
	upload uploadFunc
	logger *slog.Logger
}

// New creates an importer for dir. The upload callback receives the
// file name, contents, and a content type guessed from the extension.
func New(dir string, logger *slog.Logger, upload func(ctx context.Context, name string, data []byte, contentType string) error) *Importer {
	return &Importer{
		dir:    dir,
		upload: upload,
		logger: logger,
	}
}

// Run watches the import directory until the context is cancelled.
// Files already present at startup are imported first so a restart
// never strands a drop.
func (i *Importer) Run(ctx context.Context) error {
	if err := os.MkdirAll(i.dir, 0o700); err != nil {
		return fmt.Errorf("creating import directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(i.dir); err != nil {
		return fmt.Errorf("watching import directory: %w", err)
	}

	i.importExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				i.handlePath(ctx, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			i.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// importExisting sweeps files already sitting in the directory.
func (i *Importer) importExisting(ctx context.Context) {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		i.logger.Warn("reading import directory", slog.String("error", err.Error()))

		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		i.handlePath(ctx, filepath.Join(i.dir, entry.Name()))
	}
}

func (i *Importer) handlePath(ctx context.Context, path string) {
	name := filepath.Base(path)
	if shouldIgnore(name) {
		return
	}

	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	if !i.waitSettled(ctx, path) {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		i.logger.Warn("reading dropped file",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)

		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if err := i.upload(ctx, name, data, contentType); err != nil {
		i.logger.Warn("importing file failed, leaving it in place",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := os.Remove(path); err != nil {
		i.logger.Warn("removing imported file",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)

		return
	}

	i.logger.Info("imported file",
		slog.String("name", name),
		slog.Int("size", len(data)),
	)
}

// waitSettled polls the file size until two consecutive reads agree,
// so partially written drops are not uploaded mid-copy.
func (i *Importer) waitSettled(ctx context.Context, path string) bool {
	var lastSize int64 = -1

	for attempt := 0; attempt < settleAttempts; attempt++ {
		info, err := os.Lstat(path)
		if err != nil {
			return false
		}

		if info.Size() == lastSize {
			return true
		}

		lastSize = info.Size()

		select {
		case <-ctx.Done():
			return false
		case <-time.After(settleInterval):
		}
	}

	i.logger.Warn("file still growing, skipping for now", slog.String("path", path))

	return false
}

// shouldIgnore filters hidden files and editor temp files.
func shouldIgnore(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}

	if strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp") || strings.HasSuffix(name, ".part") {
		return true
	}

	return false
}
