// Package tools tracks the lifecycle of tool invocations within a turn and
// describes the tools the pipeline can observe in model output. The Tracker
// enforces the pairing discipline (every persisted request eventually gets a
// response); the Registry classifies internal infrastructure tools and holds
// compiled argument schemas.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Descriptor describes one tool.
	Descriptor struct {
		// Name is the canonical tool identifier as it appears in model output.
		Name string
		// Description is prose for operators and UIs.
		Description string
		// Internal marks infrastructure tools (agent handoff mechanisms).
		// Their events follow the normal pairing discipline but are hidden
		// from end users and excluded from the tools-used count.
		Internal bool
		// ArgsSchema is an optional JSON Schema for the tool's arguments.
		ArgsSchema json.RawMessage
	}

	// Registry holds tool descriptors keyed by name. Safe for concurrent use:
	// one registry is typically shared by all pipelines in a process.
	Registry struct {
		mu      sync.RWMutex
		tools   map[string]Descriptor
		schemas map[string]*jsonschema.Schema
	}
)

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Descriptor),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds or replaces a descriptor. The argument schema, when present,
// is compiled once here so validation on the hot path is just a lookup.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return errors.New("tool name is required")
	}
	var compiled *jsonschema.Schema
	if len(d.ArgsSchema) > 0 {
		var doc any
		if err := json.Unmarshal(d.ArgsSchema, &doc); err != nil {
			return fmt.Errorf("unmarshal args schema for %q: %w", d.Name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return fmt.Errorf("add args schema for %q: %w", d.Name, err)
		}
		sch, err := c.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("compile args schema for %q: %w", d.Name, err)
		}
		compiled = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[d.Name] = d
	if compiled != nil {
		r.schemas[d.Name] = compiled
	} else {
		delete(r.schemas, d.Name)
	}
	return nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Internal reports whether name is a registered internal tool. Unregistered
// tools are not internal.
func (r *Registry) Internal(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name].Internal
}

// ValidateArgs checks args against the schema registered for name. Tools
// without a schema, and unregistered tools, always pass. A validation error
// is advisory: callers log it and keep the event.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	r.mu.RLock()
	sch := r.schemas[name]
	r.mu.RUnlock()
	if sch == nil {
		return nil
	}
	var payload any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &payload); err != nil {
			return fmt.Errorf("unmarshal args for %q: %w", name, err)
		}
	}
	if err := sch.Validate(payload); err != nil {
		return fmt.Errorf("args for %q: %w", name, err)
	}
	return nil
}
