package schema

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/humanagencyorg/twilio-stub/pkg/store"
)

// Loader publishes a schema file into the store and optionally keeps it in
// sync when the file changes.
type Loader struct {
	path  string
	store store.Store
}

// NewLoader creates a loader for a .json, .yaml or .yml file.
func NewLoader(path string, st store.Store) *Loader {
	return &Loader{path: path, store: st}
}

// Load parses the file and writes the schema to the store.
func (l *Loader) Load(ctx context.Context) (*Schema, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read schema file %q: %w", l.path, err)
	}

	var s *Schema
	switch strings.ToLower(filepath.Ext(l.path)) {
	case ".yaml", ".yml":
		s, err = DecodeYAML(data)
	case ".json":
		s, err = Decode(data)
	default:
		return nil, fmt.Errorf("schema file %q: unsupported extension", l.path)
	}
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", l.path, err)
	}

	if err := Save(ctx, l.store, s); err != nil {
		return nil, fmt.Errorf("store schema: %w", err)
	}
	return s, nil
}

// Watch reloads the schema whenever the file is written or recreated.
// It blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so watch the directory.
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %q: %w", dir, err)
	}

	target := filepath.Clean(l.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if _, err := l.Load(ctx); err != nil {
					slog.WarnContext(ctx, "schema reload failed",
						slog.String("path", l.path), slog.String("error", err.Error()))
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
