package features

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/phoenix-hypervisor/phoenix/pkg/config"
	"github.com/phoenix-hypervisor/phoenix/pkg/telemetry"
)

// Registry holds the discovered feature manifests.
type Registry struct {
	mu        sync.RWMutex
	manifests map[string]*Manifest
	logger    *telemetry.Logger
}

// NewRegistry creates an empty feature registry.
func NewRegistry(logger *telemetry.Logger) *Registry {
	return &Registry{
		manifests: make(map[string]*Manifest),
		logger:    logger.NewComponentLogger("features"),
	}
}

// Scan walks dir for <feature>/manifest.yaml files and registers each one.
// A broken manifest is logged and skipped so one bad feature does not take
// the whole directory down. A missing directory yields an empty registry.
func (r *Registry) Scan(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read features directory: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), "manifest.yaml")
		if _, err := os.Stat(path); err != nil {
			continue
		}

		manifest, err := LoadManifest(path)
		if err != nil {
			r.logger.WithField("path", path).WithError(err).Warn("skipping feature manifest")
			continue
		}
		if _, exists := r.manifests[manifest.Name]; exists {
			r.logger.WithField("feature", manifest.Name).Warn("duplicate feature name, keeping first")
			continue
		}
		r.manifests[manifest.Name] = manifest
	}
	return nil
}

// Get retrieves a feature by name.
func (r *Registry) Get(name string) (*Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.manifests[name]
	if !ok {
		return nil, fmt.Errorf("feature %q not found", name)
	}
	return m, nil
}

// List returns the registered feature names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.manifests))
	for name := range r.manifests {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve checks that every feature a spec requests exists and supports the
// spec's kind. It returns the manifests in the spec's order.
func (r *Registry) Resolve(spec *config.ResourceSpec) ([]*Manifest, error) {
	manifests := make([]*Manifest, 0, len(spec.Features))
	for _, name := range spec.Features {
		m, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		if !m.Supports(spec.Kind) {
			return nil, fmt.Errorf("feature %q does not support kind %s", name, spec.Kind)
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}
