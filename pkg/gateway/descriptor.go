// Package gateway adapts warehouse capability handlers into MCP tools. Each
// tool is declared by a static Descriptor built at registration time; the
// gateway owns session acquisition, trace tagging, argument merging, and
// response normalization so handlers only see a live session and a complete
// argument map.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/txn2/mcp-warehouse-gateway/pkg/warehouse"
)

// Handler is a capability function. It receives a live warehouse session
// with the trace tag already applied and the merged argument map. Returned
// errors are normalized into the response envelope, never surfaced as
// protocol errors.
type Handler func(ctx context.Context, session warehouse.Session, args map[string]any) (any, error)

// Param describes one public tool parameter.
type Param struct {
	Name        string
	Type        string // JSON Schema type: string, integer, number, boolean
	Description string
	Required    bool
	Default     any
}

// Descriptor statically declares a tool: its public surface, its session
// requirements, and the handler behind it.
type Descriptor struct {
	Name        string
	Description string

	// Params is the public parameter list the input schema is generated
	// from.
	Params []Param

	// SessionKind selects pooled or direct warehouse access.
	SessionKind warehouse.SessionKind

	// InjectArgs are merged into the handler arguments on every call and
	// never appear in the public schema. Client-supplied values for
	// these keys are discarded.
	InjectArgs map[string]any

	Handler Handler
}

// InputSchema generates the JSON Schema for the tool's public parameters.
// Injected arguments are invisible to clients.
func (d *Descriptor) InputSchema() (json.RawMessage, error) {
	properties := make(map[string]any, len(d.Params))
	var required []string
	for _, p := range d.Params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return json.Marshal(schema)
}

// mergeArgs builds the final handler argument map: parameter defaults first,
// then declared client arguments, injected arguments last. Unknown client
// keys are rejected; client attempts to set injected keys are dropped.
func (d *Descriptor) mergeArgs(clientArgs map[string]any) (map[string]any, error) {
	declared := make(map[string]bool, len(d.Params))
	args := make(map[string]any, len(d.Params)+len(d.InjectArgs))

	for _, p := range d.Params {
		declared[p.Name] = true
		if p.Default != nil {
			args[p.Name] = p.Default
		}
	}

	for key, value := range clientArgs {
		if declared[key] {
			args[key] = value
			continue
		}
		if _, injected := d.InjectArgs[key]; injected {
			// Internal argument; the injected value wins below.
			continue
		}
		return nil, fmt.Errorf("unknown argument %q", key)
	}

	for key, value := range d.InjectArgs {
		args[key] = value
	}

	for _, p := range d.Params {
		if p.Required {
			if _, ok := args[p.Name]; !ok {
				return nil, fmt.Errorf("missing required argument %q", p.Name)
			}
		}
	}
	return args, nil
}

// validate checks the descriptor is usable before registration.
func (d *Descriptor) validate() error {
	if d.Name == "" {
		return fmt.Errorf("descriptor missing name")
	}
	if d.Handler == nil {
		return fmt.Errorf("descriptor %q missing handler", d.Name)
	}
	switch d.SessionKind {
	case warehouse.SessionPooled, warehouse.SessionDirect:
	case "":
		return fmt.Errorf("descriptor %q missing session kind", d.Name)
	default:
		return fmt.Errorf("descriptor %q has unknown session kind %q", d.Name, d.SessionKind)
	}
	for _, p := range d.Params {
		if _, collides := d.InjectArgs[p.Name]; collides {
			return fmt.Errorf("descriptor %q declares %q as both public and injected", d.Name, p.Name)
		}
	}
	return nil
}
