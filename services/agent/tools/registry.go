// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/agentcore/pkg/logging"
	"github.com/AleutianAI/agentcore/services/agent/llm"
)

// Registry holds the tools available to the agent.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Tool
	logger *logging.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{
		byName: make(map[string]Tool),
		logger: logger,
	}
}

// Register adds a tool, replacing any prior registration under the same
// name.
//
// Description:
//
//	The tool's definition is validated before registration: the name must
//	be non-empty and no parameter name may begin with an underscore.
//	Underscore-prefixed keys are reserved for arguments the engine injects
//	alongside the model's, so a tool claiming one would collide with the
//	engine at dispatch time.
//
// Inputs:
//   - tool: the tool to register.
//
// Outputs:
//   - error: ErrInvalidParamName for a reserved parameter name, or a
//     validation error for an unusable definition.
//
// Thread Safety: safe for concurrent use.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tools: cannot register nil tool")
	}
	def := tool.Definition()
	if def.Name == "" {
		return fmt.Errorf("tools: tool definition has empty name")
	}
	if def.Name != tool.Name() {
		return fmt.Errorf("tools: tool %q definition names %q", tool.Name(), def.Name)
	}
	for _, p := range def.Params {
		if strings.HasPrefix(p.Name, "_") {
			return fmt.Errorf("%w: tool %q parameter %q", ErrInvalidParamName, def.Name, p.Name)
		}
		if p.Name == "" {
			return fmt.Errorf("tools: tool %q has unnamed parameter", def.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[def.Name]; exists {
		r.logger.Warn("replacing registered tool", "tool", def.Name)
	}
	r.byName[def.Name] = tool
	return nil
}

// Unregister removes a tool by name, reporting whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byName[name]
	delete(r.byName, name)
	return ok
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Declarations converts every registered definition into the wire schema
// sent to the model, sorted by tool name for deterministic requests.
func (r *Registry) Declarations() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	decls := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		decls = append(decls, declarationFor(r.byName[name].Definition()))
	}
	return decls
}

// declarationFor maps a Definition onto the model-facing schema type.
func declarationFor(def Definition) llm.Tool {
	schema := &llm.Schema{
		Type:       llm.TypeObject,
		Properties: make(map[string]*llm.Schema, len(def.Params)),
	}
	for _, p := range def.Params {
		schema.Properties[p.Name] = schemaFor(p)
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return llm.Tool{
		Name:        def.Name,
		Description: def.Description,
		Parameters:  schema,
	}
}

func schemaFor(p ParamDef) *llm.Schema {
	s := &llm.Schema{
		Type:        llm.SchemaType(p.Type),
		Description: p.Description,
		Enum:        p.Enum,
	}
	if p.Items != nil {
		s.Items = schemaFor(*p.Items)
	}
	return s
}

// ValidateArgs checks an argument mapping against a definition: required
// parameters must be present and enum parameters must hold an allowed
// value. Optional parameters with defaults are filled in on the returned
// copy; the input map is not mutated.
func ValidateArgs(def Definition, args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args)+2)
	for k, v := range args {
		out[k] = v
	}
	for _, p := range def.Params {
		v, present := out[p.Name]
		if !present {
			if p.Required {
				return nil, fmt.Errorf("%w: %s.%s", ErrMissingParam, def.Name, p.Name)
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}
		if len(p.Enum) > 0 {
			sv, ok := v.(string)
			if !ok || !containsString(p.Enum, sv) {
				return nil, fmt.Errorf("tools: %s.%s must be one of %v", def.Name, p.Name, p.Enum)
			}
		}
	}
	return out, nil
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
