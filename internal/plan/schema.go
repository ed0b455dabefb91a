package plan

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// planSchema constrains the plan documents the agent proposes. The shape
// check runs before structural validation so a malformed proposal is rejected
// with a schema path instead of a decode panic downstream.
const planSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "goal": {"type": "string"},
    "default_platform": {"type": "string"},
    "default_model": {"type": "string"},
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "description"],
        "properties": {
          "id": {"type": "integer", "minimum": 1},
          "description": {"type": "string", "minLength": 1},
          "tier": {"enum": ["top", "mid", "free"]},
          "platform": {"type": "string"},
          "model": {"type": "string"},
          "parallel": {"type": "boolean"},
          "deps": {"type": "array", "items": {"type": "integer", "minimum": 1}},
          "scope_boundary": {"type": "string"}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal plan schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("plan.json", doc); err != nil {
			schemaErr = fmt.Errorf("add plan schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile("plan.json")
	})
	return schema, schemaErr
}

// Parse validates raw against the plan schema, decodes it, and runs the
// structural checks. Returned plans start in StatusNone with every task
// pending; the caller advances the lifecycle.
func Parse(raw []byte) (Plan, error) {
	sch, err := compiledSchema()
	if err != nil {
		return Plan{}, err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return Plan{}, fmt.Errorf("plan document is not JSON: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return Plan{}, fmt.Errorf("plan document rejected by schema: %w", err)
	}

	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return Plan{}, fmt.Errorf("decode plan document: %w", err)
	}
	p.Status = StatusNone
	for i := range p.Tasks {
		p.Tasks[i].Status = TaskPending
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}
