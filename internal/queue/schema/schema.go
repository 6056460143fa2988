// Package schema holds the per-kind JSON Schemas that validate Job payloads
// of kind execute_stage and verify_stage; Candidate documents have no schema
// here (§9 design note: "sum types per kind" realized
// via santhosh-tekuri/jsonschema/v5 rather than a hand-rolled discriminated
// union validator).
package schema

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const executeStageSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["stageId"],
  "properties": {
    "stageId": {"type": "string", "minLength": 1},
    "objective": {"type": "string"},
    "inputs": {"type": "object"}
  }
}`

const verifyStageSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["stageId", "candidatePath"],
  "properties": {
    "stageId": {"type": "string", "minLength": 1},
    "candidatePath": {"type": "string", "minLength": 1}
  }
}`

// Registry compiles and caches schemas by job kind.
type Registry struct {
	compiled map[string]*jsonschema.Schema
}

// NewRegistry compiles the built-in execute_stage/verify_stage schemas.
func NewRegistry() (*Registry, error) {
	r := &Registry{compiled: map[string]*jsonschema.Schema{}}
	sources := map[string]string{
		"execute_stage": executeStageSchema,
		"verify_stage":  verifyStageSchema,
	}
	for kind, src := range sources {
		c := jsonschema.NewCompiler()
		url := "mem://" + kind + ".schema.json"
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", kind, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", kind, err)
		}
		r.compiled[kind] = compiled
	}
	return r, nil
}

// Validate validates doc (already unmarshaled into an any, per the
// jsonschema/v5 API) against the schema registered for kind. Unknown kinds
// are accepted unvalidated — the registry only constrains the kinds the
// core itself defines.
func (r *Registry) Validate(kind string, doc any) error {
	s, ok := r.compiled[kind]
	if !ok {
		return nil
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("payload for kind %q: %w", kind, err)
	}
	return nil
}
