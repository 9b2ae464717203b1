package template

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/zjrosen/maestro/internal/response"
)

// templateSchema structurally validates template documents before they are
// accepted into the store. Numeric bounds and sentinel checks that depend on
// the resolved form run separately in validateResolved.
const templateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name"],
  "properties": {
    "id": {"type": "string", "minLength": 1, "pattern": "^[A-Za-z_][A-Za-z0-9_-]*$"},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "extends": {"type": "string"},
    "config": {
      "type": "object",
      "properties": {
        "maxWorkers": {"type": "integer"},
        "pollIntervalMs": {"type": "integer"},
        "workerTimeoutMs": {"type": "integer"},
        "autoSpawnWorkers": {"type": "boolean"},
        "retryMax": {"type": "integer", "minimum": 0}
      },
      "additionalProperties": false
    },
    "prompts": {
      "type": "object",
      "properties": {
        "analysis": {"type": "string"},
        "taskPlanning": {"type": "string"},
        "worker": {"type": "string"},
        "aggregation": {"type": "string"}
      },
      "additionalProperties": false
    },
    "variables": {"type": "object"},
    "phases": {"type": "array", "items": {"type": "string"}, "minItems": 1}
  },
  "additionalProperties": false
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(templateSchema)))
		if err != nil {
			schemaErr = fmt.Errorf("template: unmarshal schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("template.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("template: add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("template.schema.json")
	})
	return compiledSchema, schemaErr
}

// validateDocument checks a raw template document against the schema.
func validateDocument(doc map[string]any) error {
	s, err := schema()
	if err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("template: schema validation: %w", err)
	}
	return nil
}

// validateResolved enforces the semantic constraints that only hold on a
// fully merged template: numeric bounds and sentinel presence in prompts.
func validateResolved(t *Template) error {
	if t.Config.MaxWorkers < 1 || t.Config.MaxWorkers > 20 {
		return fmt.Errorf("template %q: maxWorkers %d outside [1,20]", t.ID, t.Config.MaxWorkers)
	}
	if t.Config.PollIntervalMs < 100 {
		return fmt.Errorf("template %q: pollIntervalMs %d below 100", t.ID, t.Config.PollIntervalMs)
	}
	if t.Config.WorkerTimeoutMs <= 0 || t.Config.WorkerTimeoutMs > 3600000 {
		return fmt.Errorf("template %q: workerTimeoutMs %d outside (0, 3600000]", t.ID, t.Config.WorkerTimeoutMs)
	}

	prompts := map[string]string{
		"analysis":     t.Prompts.Analysis,
		"taskPlanning": t.Prompts.TaskPlanning,
		"worker":       t.Prompts.Worker,
		"aggregation":  t.Prompts.Aggregation,
	}
	for name, text := range prompts {
		if text == "" {
			return fmt.Errorf("template %q: prompt %q is empty", t.ID, name)
		}
		if !containsSentinels(text) {
			return fmt.Errorf("template %q: prompt %q must instruct the response-block sentinels", t.ID, name)
		}
	}
	return nil
}

func containsSentinels(text string) bool {
	return strings.Contains(text, response.StartSentinel) &&
		strings.Contains(text, response.EndSentinel)
}
