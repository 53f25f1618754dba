package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/phoenix-hypervisor/phoenix/pkg/telemetry"
)

// Loader loads operator policies from a directory of .rego files and can
// keep the engine in sync as files change.
type Loader struct {
	engine *Engine
	logger *telemetry.Logger
}

// NewLoader creates a loader feeding the given engine.
func NewLoader(engine *Engine, logger *telemetry.Logger) *Loader {
	return &Loader{
		engine: engine,
		logger: logger.NewComponentLogger("policy.loader"),
	}
}

// LoadDir compiles every .rego file in dir into the engine. The policy name
// is the file name without extension. A missing directory loads nothing; a
// broken file is logged and skipped.
func (l *Loader) LoadDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read policies directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}

		p := Policy{
			Name:     strings.TrimSuffix(entry.Name(), ".rego"),
			Rego:     string(data),
			Severity: SeverityError,
		}
		if err := l.engine.Add(ctx, p); err != nil {
			l.logger.WithField("path", path).WithError(err).Warn("skipping policy file")
			continue
		}
		loaded++
	}

	l.logger.WithField("count", loaded).WithField("dir", dir).Info("policies loaded")
	return nil
}

// Watch reloads the directory whenever a .rego file changes. It blocks
// until the context is cancelled.
func (l *Loader) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			l.logger.WithField("file", event.Name).WithField("op", event.Op.String()).
				Info("policy change detected, reloading")
			l.engine.RemoveLoaded()
			if err := l.LoadDir(ctx, dir); err != nil {
				l.logger.WithError(err).Error("policy reload failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.WithError(err).Error("policy watcher error")
		}
	}
}
