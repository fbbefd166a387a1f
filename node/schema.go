package node

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aiinpocket/n3n/value"
)

// ValidateAgainstSchema validates a node config against a handler's
// JSON-Schema shaped config schema. Extension keys (x-*) are stripped
// before compilation.
func ValidateAgainstSchema(config value.Map, schema value.Map) error {
	if len(schema) == 0 {
		return nil
	}

	cleaned := stripExtensions(schema)
	data, err := json.Marshal(cleaned)
	if err != nil {
		return fmt.Errorf("marshal config schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode config schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("config.json")
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	// Round-trip the config so numbers take their JSON shape. An absent
	// config validates as an empty object, not null.
	if config == nil {
		config = value.Map{}
	}
	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	var instance any
	if err := json.Unmarshal(payload, &instance); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	return compiled.Validate(instance)
}

func stripExtensions(schema value.Map) value.Map {
	out := make(value.Map, len(schema))
	for k, v := range schema {
		if len(k) > 2 && k[:2] == "x-" {
			continue
		}
		if child, ok := v.(value.Map); ok {
			out[k] = stripExtensions(child)
			continue
		}
		out[k] = v
	}
	return out
}
