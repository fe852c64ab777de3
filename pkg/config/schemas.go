package config

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	// Register built-in schemas
	sr.registerBuiltInSchemas()

	return sr
}

// registerBuiltInSchemas registers all built-in schemas.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	_ = sr.RegisterSchema("unit", builtinUnitSchema)
	_ = sr.RegisterSchema("backend", builtinBackendSchema)
	_ = sr.RegisterSchema("resource", builtinResourceSchema)
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	def := schema.LookupPath(cue.ParsePath("#" + capitalize(schemaName)))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition", schemaName)
	}

	// Convert data to CUE value
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	// Unify with schema (validates)
	unified := def.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

// Built-in schema definitions

const builtinUnitSchema = `
// Unit schema for stackrun unit declarations
#Backend: {
	kind: "sqlite"
	path: string
} | {
	kind: "memory"
} | {
	kind:        "s3"
	bucket:      string
	region:      string
	lock_table:  string
	prefix?:     string
}

#Resource: {
	// Type names the resource kind
	type: string & =~"^[a-z0-9]+\\.[a-z0-9_]+$"

	// Config is the desired configuration document
	config: {...}
}

#Unit: {
	// Environment tags the unit
	environment: string & =~"^[a-z0-9_-]+$"

	// DependsOn lists unit IDs that must complete first
	depends_on?: [...string & =~"^[a-zA-Z0-9_-]+$"]

	// Backend describes where the unit's state lives
	backend: #Backend

	// Tags are labels carried into policy evaluation
	tags?: {[string]: string}

	// Resources declared by this unit, keyed by resource ID
	resources: {[string & =~"^[a-zA-Z0-9_-]+$"]: #Resource}
}
`

const builtinBackendSchema = `
#Backend: {
	kind: "sqlite"
	path: string
} | {
	kind: "memory"
} | {
	kind:        "s3"
	bucket:      string
	region:      string
	lock_table:  string
	prefix?:     string
}
`

const builtinResourceSchema = `
#Resource: {
	type: string & =~"^[a-z0-9]+\\.[a-z0-9_]+$"
	config: {...}
}
`

// ValidateBackend validates a backend declaration against the backend schema.
func (sr *SchemaRegistry) ValidateBackend(ctx context.Context, backend BackendDecl) error {
	return sr.ValidateAgainstSchema(ctx, "backend", backend)
}

// ValidateResource validates a resource declaration against the resource schema.
func (sr *SchemaRegistry) ValidateResource(ctx context.Context, resource ResourceDecl) error {
	return sr.ValidateAgainstSchema(ctx, "resource", resource)
}
