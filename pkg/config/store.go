package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// LoadOptions tunes how configuration documents are loaded.
type LoadOptions struct {
	// TransformPath is an optional Starlark script applied to each raw
	// document before validation. The script sees the document as `input`
	// and the document kind as `kind`, and may export a rewritten
	// document as `doc`.
	TransformPath string

	// TransformTimeout bounds script execution. Defaults to 30s.
	TransformTimeout time.Duration
}

// Store holds the validated desired state for every declared resource.
// It is immutable after Load.
type Store struct {
	specs map[int]*ResourceSpec
	order []int
}

// Load reads, transforms, and validates the container and VM documents.
// Either path may be empty when no resources of that kind are declared.
// Any validation failure aborts the load; nothing downstream ever sees a
// partially valid store.
func Load(ctx context.Context, lxcPath, vmPath string, opts LoadOptions) (*Store, error) {
	ld := &loader{
		opts:     opts,
		schemas:  NewSchemaRegistry(),
		validate: validator.New(),
		specs:    make(map[int]*ResourceSpec),
	}

	if lxcPath != "" {
		if err := ld.loadDocument(ctx, lxcPath, KindLXC); err != nil {
			return nil, err
		}
	}
	if vmPath != "" {
		if err := ld.loadDocument(ctx, vmPath, KindVM); err != nil {
			return nil, err
		}
	}

	if err := ld.checkReferences(); err != nil {
		return nil, err
	}
	if err := ld.resolveFeatureInheritance(); err != nil {
		return nil, err
	}

	order := make([]int, 0, len(ld.specs))
	for id := range ld.specs {
		order = append(order, id)
	}
	sort.Ints(order)

	return &Store{specs: ld.specs, order: order}, nil
}

// Get returns the spec for id.
func (s *Store) Get(id int) (*ResourceSpec, error) {
	spec, ok := s.specs[id]
	if !ok {
		return nil, fmt.Errorf("resource %d is not declared", id)
	}
	return spec, nil
}

// Has reports whether id is declared.
func (s *Store) Has(id int) bool {
	_, ok := s.specs[id]
	return ok
}

// All returns every spec in ascending identifier order.
func (s *Store) All() []*ResourceSpec {
	out := make([]*ResourceSpec, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.specs[id])
	}
	return out
}

// IDs returns every declared identifier in ascending order.
func (s *Store) IDs() []int {
	out := make([]int, len(s.order))
	copy(out, s.order)
	return out
}

// Specs returns the identifier-to-spec map. Callers must not modify it.
func (s *Store) Specs() map[int]*ResourceSpec {
	return s.specs
}

// Len returns the number of declared resources.
func (s *Store) Len() int {
	return len(s.specs)
}

type loader struct {
	opts     LoadOptions
	schemas  *SchemaRegistry
	validate *validator.Validate
	specs    map[int]*ResourceSpec
}

func (ld *loader) loadDocument(ctx context.Context, path string, kind Kind) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if ld.opts.TransformPath != "" {
		raw, err = ld.applyTransform(ctx, raw, kind)
		if err != nil {
			return fmt.Errorf("transform failed for %s: %w", path, err)
		}
	}

	if err := ld.schemas.ValidateAgainstSchema(ctx, "document", raw); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	resourceKey := "containers"
	foreignKey := "vms"
	if kind == KindVM {
		resourceKey, foreignKey = foreignKey, resourceKey
	}
	if _, ok := raw[foreignKey]; ok {
		return fmt.Errorf("%s: a %s document must not declare %q", path, kind, foreignKey)
	}

	defaults, _ := raw["defaults"].(map[string]interface{})
	resources, _ := raw[resourceKey].(map[string]interface{})

	for idStr, body := range resources {
		id, err := strconv.Atoi(idStr)
		if err != nil || id <= 0 {
			return fmt.Errorf("%s: invalid resource identifier %q", path, idStr)
		}

		bodyMap, ok := body.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%s: resource %d must be an object", path, id)
		}

		spec, err := ld.buildSpec(ctx, id, kind, defaults, bodyMap)
		if err != nil {
			return fmt.Errorf("%s: resource %d: %w", path, id, err)
		}

		if prev, ok := ld.specs[id]; ok {
			return fmt.Errorf("%s: resource identifier %d already declared as %s %q", path, id, prev.Kind, prev.Name)
		}
		ld.specs[id] = spec
	}

	return nil
}

func (ld *loader) applyTransform(ctx context.Context, raw map[string]interface{}, kind Kind) (map[string]interface{}, error) {
	script, err := os.ReadFile(ld.opts.TransformPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read transform script: %w", err)
	}

	eval := NewStarlarkEvaluator(ld.opts.TransformTimeout)
	result, err := eval.Evaluate(ctx, string(script), map[string]interface{}{
		"input": raw,
		"kind":  string(kind),
	})
	if err != nil {
		return nil, err
	}

	out, ok := result.Output["doc"]
	if !ok {
		// Script chose not to rewrite this document.
		return raw, nil
	}
	doc, ok := out.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("transform script must export doc as an object, got %T", out)
	}
	return doc, nil
}

func (ld *loader) buildSpec(ctx context.Context, id int, kind Kind, defaults, body map[string]interface{}) (*ResourceSpec, error) {
	merged := mergeDefaults(defaults, body)

	if err := ld.schemas.ValidateAgainstSchema(ctx, "resource", merged); err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode merged body: %w", err)
	}

	spec := &ResourceSpec{}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.DisallowUnknownFields()
	if err := dec.Decode(spec); err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}

	spec.ID = id
	spec.Kind = kind

	if spec.Health != nil {
		if err := spec.Health.Validate(); err != nil {
			return nil, err
		}
		if spec.Health.IntervalSeconds == 0 {
			spec.Health.IntervalSeconds = 5
		}
	}
	if spec.CloneFrom == nil && spec.Image == "" {
		return nil, fmt.Errorf("image is required unless clone_from is set")
	}

	if err := ld.validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("invalid spec: %w", err)
	}

	return spec, nil
}

// mergeDefaults layers body over defaults. Nested objects merge key by key;
// everything else, including lists, is replaced wholesale by the body value.
func mergeDefaults(defaults, body map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(defaults)+len(body))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range body {
		if existing, ok := out[k]; ok {
			em, eok := existing.(map[string]interface{})
			bm, bok := v.(map[string]interface{})
			if eok && bok {
				out[k] = mergeDefaults(em, bm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// checkReferences validates dependency and clone references across both
// documents.
func (ld *loader) checkReferences() error {
	for id, spec := range ld.specs {
		for _, dep := range spec.DependsOn {
			if dep == id {
				return fmt.Errorf("resource %d depends on itself", id)
			}
			if _, ok := ld.specs[dep]; !ok {
				return fmt.Errorf("resource %d depends on undeclared resource %d", id, dep)
			}
		}
		if spec.CloneFrom != nil {
			src := *spec.CloneFrom
			if src == id {
				return fmt.Errorf("resource %d clones itself", id)
			}
			parent, ok := ld.specs[src]
			if !ok {
				return fmt.Errorf("resource %d clones undeclared resource %d", id, src)
			}
			if parent.Kind != spec.Kind {
				return fmt.Errorf("resource %d (%s) cannot clone resource %d (%s)", id, spec.Kind, src, parent.Kind)
			}
		}
	}
	return nil
}

// resolveFeatureInheritance expands each cloned resource's feature list to
// include its clone chain's features, ancestors first, without duplicates.
func (ld *loader) resolveFeatureInheritance() error {
	resolved := make(map[int][]string, len(ld.specs))

	var walk func(id int, trail []int) ([]string, error)
	walk = func(id int, trail []int) ([]string, error) {
		if features, ok := resolved[id]; ok {
			return features, nil
		}
		for _, seen := range trail {
			if seen == id {
				return nil, fmt.Errorf("clone cycle involving resources %v", append(trail, id))
			}
		}

		spec := ld.specs[id]
		var inherited []string
		if spec.CloneFrom != nil {
			parent, err := walk(*spec.CloneFrom, append(trail, id))
			if err != nil {
				return nil, err
			}
			inherited = parent
		}

		features := make([]string, 0, len(inherited)+len(spec.Features))
		seen := make(map[string]bool, len(inherited)+len(spec.Features))
		for _, f := range inherited {
			if !seen[f] {
				seen[f] = true
				features = append(features, f)
			}
		}
		for _, f := range spec.Features {
			if !seen[f] {
				seen[f] = true
				features = append(features, f)
			}
		}

		resolved[id] = features
		return features, nil
	}

	for id := range ld.specs {
		features, err := walk(id, nil)
		if err != nil {
			return err
		}
		ld.specs[id].Features = features
	}
	return nil
}
