package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// schemaCacheStore caches compiled JSON schemas keyed by operation name, so
// a schema string registered once via WithOptionSchema is compiled at most
// once regardless of how many requests validate against it.
type schemaCacheStore struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

func (c *schemaCacheStore) get(op string) *gojsonschema.Schema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schemas[op]
}

func (c *schemaCacheStore) set(op string, schema *gojsonschema.Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemas[op] = schema
}

// Validator compiles and caches the JSON schemas registered on a Config and
// validates BackendOp.Options documents against them.
type Validator struct {
	cfg   *Config
	cache *schemaCacheStore
}

// NewValidator returns a Validator backed by cfg's OptionSchemas. Schemas
// are compiled lazily, on first use, and cached for the Validator's
// lifetime.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg, cache: &schemaCacheStore{schemas: make(map[string]*gojsonschema.Schema)}}
}

// ValidateOptions checks optionsJSON against the schema registered for op.
// Operations with no registered schema are considered valid (schema
// validation is opt-in per operation).
func (v *Validator) ValidateOptions(op string, optionsJSON []byte) error {
	schemaDoc, registered := v.cfg.OptionSchemas[op]
	if !registered {
		return nil
	}

	schema := v.cache.get(op)
	if schema == nil {
		loader := gojsonschema.NewStringLoader(schemaDoc)
		compiled, err := gojsonschema.NewSchema(loader)
		if err != nil {
			return fmt.Errorf("config: compile schema for op %q: %w", op, err)
		}
		v.cache.set(op, compiled)
		schema = compiled
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(optionsJSON))
	if err != nil {
		return fmt.Errorf("config: validate options for op %q: %w", op, err)
	}
	if result.Valid() {
		return nil
	}

	messages := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		messages = append(messages, fmt.Sprintf("  - %s: %s", e.Field(), e.Description()))
	}
	return fmt.Errorf("config: options for op %q do not match schema:\n%s", op, strings.Join(messages, "\n"))
}
