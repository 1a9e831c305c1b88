package tool

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// remediation tries to repair arguments that failed schema validation.
// Returns the repaired arguments and whether a repair was applied.
type remediation func(args map[string]any) (map[string]any, bool)

// remediations is keyed by tool name. Repairs are conservative: substitute
// a safe value rather than drop the call.
var remediations = map[string]remediation{
	"todowrite": remediateTodoPriority,
}

var todoPriorities = map[string]struct{}{
	"low": {}, "medium": {}, "high": {}, "critical": {},
}

func remediateTodoPriority(args map[string]any) (map[string]any, bool) {
	todos, ok := args["todos"].([]any)
	if !ok {
		return args, false
	}
	applied := false
	for _, item := range todos {
		todo, ok := item.(map[string]any)
		if !ok {
			continue
		}
		prio, ok := todo["priority"].(string)
		if !ok {
			continue
		}
		if _, known := todoPriorities[prio]; !known {
			todo["priority"] = "medium"
			applied = true
		}
	}
	return args, applied
}

// Validator checks tool arguments against each tool's schema. Schemas are
// compiled once and cached by tool name.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator returns an empty validator.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*jsonschema.Schema)}
}

func (v *Validator) schemaFor(t Tool) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.compiled[t.Name()]; ok {
		return s, nil
	}
	s, err := jsonschema.CompileString(t.Name()+".json", string(t.Schema()))
	if err != nil {
		return nil, err
	}
	v.compiled[t.Name()] = s
	return s, nil
}

// Forget drops a cached schema, for tools that get re-registered.
func (v *Validator) Forget(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.compiled, name)
}

// Validate checks args against the tool's schema. On failure it consults
// the remediation table; a successful repair re-validates and reports
// remediation metadata. An unrepairable failure returns a structured error
// result so the turn continues.
func (v *Validator) Validate(t Tool, args map[string]any) (map[string]any, map[string]any, *Result) {
	schema, err := v.schemaFor(t)
	if err != nil {
		// An uncompilable schema is the tool author's bug, not the
		// model's; let the call through.
		return args, nil, nil
	}
	if args == nil {
		args = map[string]any{}
	}
	verr := schema.Validate(anyArgs(args))
	if verr == nil {
		return args, nil, nil
	}

	if fix, ok := remediations[t.Name()]; ok {
		fixed, applied := fix(args)
		if applied && schema.Validate(anyArgs(fixed)) == nil {
			return fixed, map[string]any{"remediation_applied": true}, nil
		}
	}

	return args, nil, &Result{
		Title:  "Invalid arguments for " + t.Name(),
		Output: fmt.Sprintf("The arguments for %s did not match its schema: %v", t.Name(), verr),
		Metadata: map[string]any{
			"error":      true,
			"validation": verr.Error(),
		},
	}
}

// anyArgs widens the map for the validator, which wants decoded JSON.
func anyArgs(args map[string]any) any { return map[string]any(args) }
