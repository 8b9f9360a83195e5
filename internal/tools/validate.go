package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compiled holds the catalog schemas compiled once on first use.
var compiled struct {
	once    sync.Once
	err     error
	schemas map[string]*jsonschema.Schema
}

func compile() {
	compiled.schemas = make(map[string]*jsonschema.Schema, len(catalog))
	for _, def := range catalog {
		data, err := json.Marshal(def.InputSchema)
		if err != nil {
			compiled.err = fmt.Errorf("tools: marshal schema for %q: %w", def.Name, err)
			return
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			compiled.err = fmt.Errorf("tools: unmarshal schema for %q: %w", def.Name, err)
			return
		}
		c := jsonschema.NewCompiler()
		resource := def.Name + ".json"
		if err := c.AddResource(resource, doc); err != nil {
			compiled.err = fmt.Errorf("tools: add schema resource for %q: %w", def.Name, err)
			return
		}
		schema, err := c.Compile(resource)
		if err != nil {
			compiled.err = fmt.Errorf("tools: compile schema for %q: %w", def.Name, err)
			return
		}
		compiled.schemas[def.Name] = schema
	}
}

// ValidateInput checks a model-produced tool input against the declared
// catalog schema. Unknown tool names validate successfully; the model may
// hallucinate a name and the client router reports those on its own.
func ValidateInput(name string, input map[string]any) error {
	compiled.once.Do(compile)
	if compiled.err != nil {
		return compiled.err
	}
	schema, ok := compiled.schemas[name]
	if !ok {
		return nil
	}
	// The validator wants plain decoded JSON values.
	var value any = input
	if input == nil {
		value = map[string]any{}
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("tools: input for %q: %w", name, err)
	}
	return nil
}
