package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/phoenix-hypervisor/phoenix/pkg/config"
)

func newValidateCommand(version string) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the resource documents and policies",
		Long: `Load both resource documents, run schema validation, resolve
references and feature inheritance, and evaluate admission policies.
Nothing on the hypervisor is touched.

With --watch, validation reruns whenever a document, the transform
script, or a policy file changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(version)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer a.close(ctx)

			if err := runValidation(ctx, a); err != nil && !watch {
				return err
			}
			if !watch {
				return nil
			}
			return watchValidation(ctx, a)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "revalidate on file changes")
	return cmd
}

func runValidation(ctx context.Context, a *app) error {
	store, err := a.loadSpecs(ctx)
	if err != nil {
		return err
	}
	if err := a.checkPolicies(ctx, store); err != nil {
		return err
	}

	lxc, vms := 0, 0
	for _, spec := range store.All() {
		if spec.Kind == config.KindLXC {
			lxc++
		} else {
			vms++
		}
	}
	fmt.Printf("OK: %d container(s), %d vm(s)\n", lxc, vms)
	return nil
}

// watchValidation reruns validation when any watched file changes. Watches
// sit on the parent directories so editors that replace files atomically
// still trigger.
func watchValidation(ctx context.Context, a *app) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	interesting := map[string]bool{
		a.settings.LXCConfigPath: true,
		a.settings.VMConfigPath:  true,
	}
	if a.settings.TransformPath != "" {
		interesting[a.settings.TransformPath] = true
	}

	dirs := map[string]bool{}
	for path := range interesting {
		dirs[filepath.Dir(path)] = true
	}
	dirs[a.settings.PoliciesDir] = true
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			a.logger.WithField("dir", dir).WithError(err).Warn("not watching directory")
		}
	}

	a.logger.Info("watching for changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !interesting[event.Name] && !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			a.logger.WithField("file", event.Name).Info("change detected, revalidating")
			if err := runValidation(ctx, a); err != nil {
				a.logger.WithError(err).Error("validation failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.WithError(err).Error("watcher error")
		}
	}
}
