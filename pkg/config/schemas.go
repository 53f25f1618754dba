package config

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas used to validate raw configuration
// documents before they are decoded into typed specs.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas loaded.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	// Errors are impossible here: the built-in schemas are constants that
	// the test suite compiles.
	_ = sr.RegisterSchema("resource", "#Resource", builtinResourceSchema)
	_ = sr.RegisterSchema("document", "#Document", builtinDocumentSchema)
}

// RegisterSchema compiles source and stores the definition found at defPath
// under the given name.
func (sr *SchemaRegistry) RegisterSchema(name, defPath, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(defPath))
	if err := def.Err(); err != nil {
		return fmt.Errorf("schema %s has no definition %s: %w", name, defPath, err)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema. Definitions
// are closed, so unknown fields are rejected here as well as at decode time.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// Built-in schema definitions

const builtinResourceSchema = `
// Resource schema for a single container or virtual machine body, after
// defaults have been merged beneath it.
#Resource: {
	// Name is the guest hostname
	name: string & =~"^[a-z0-9]([a-z0-9-]*[a-z0-9])?$"

	// Cores is the CPU allocation
	cores: int & >=1

	// MemoryMB is the memory allocation in megabytes
	memory_mb: int & >=16

	// DiskGB is the root disk size, ignored when cloning
	disk_gb?: int & >=0

	// Image is the OS template used by a fresh create
	image?: string

	// Network is the single interface descriptor
	network: {
		bridge:   string & !=""
		address:  string & !=""
		gateway?: string
	}

	// Volumes are host mounts
	volumes?: [...{
		source:    string & !=""
		target:    string & =~"^/"
		read_only?: bool
	}]

	// Features are ordered customization steps
	features?: [...string & =~"^[a-z0-9_-]+$"]

	// App is the optional launch step
	app?: {
		command: string & !=""
		args?: [...string]
	}

	// DependsOn lists prerequisite resource identifiers
	depends_on?: [...int & >0]

	// CloneFrom names a same-kind resource to clone
	clone_from?: int & >0

	// Template marks the resource as a reusable template
	template?: bool

	// Health is the readiness probe
	health?: {
		command?: [...string]
		url?:     string
		attempts: int & >=1
		interval_seconds?: int & >=0
	}
}
`

const builtinDocumentSchema = `
// Document schema for the outer shape of a configuration file. Resource
// bodies are validated individually after the defaults merge.
#Document: {
	defaults?: {...}
	containers?: {[=~"^[0-9]+$"]: {...}}
	vms?: {[=~"^[0-9]+$"]: {...}}
}
`
