package builtin

import (
	"context"
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/aiinpocket/n3n/node"
	"github.com/aiinpocket/n3n/value"
)

// Transform reshapes the node input with a jq query. The query result
// becomes the node output; non-object results land under "result".
type Transform struct{}

func NewTransform() *Transform { return &Transform{} }

func (t *Transform) Descriptor() node.Descriptor {
	return node.Descriptor{
		Type:          "transform",
		DisplayName:   "Transform",
		Category:      "data",
		SupportsAsync: true,
	}
}

func (t *Transform) ConfigSchema() value.Map {
	return value.Map{
		"type":     "object",
		"required": []any{"query"},
		"properties": value.Map{
			"query": value.Map{
				"type":        "string",
				"description": "jq query applied to the node input.",
			},
		},
	}
}

func (t *Transform) Interface() node.InterfaceDef {
	return node.InterfaceDef{
		Inputs:  []node.PortSpec{{Name: "", Type: "object", Cardinality: "one"}},
		Outputs: []node.PortSpec{{Name: "", Type: "object", Cardinality: "one"}},
	}
}

func (t *Transform) Validate(config value.Map) node.ValidationResult {
	src := config.String("query")
	if src == "" {
		return node.Invalid(node.FieldError{Field: "query", Message: "query is required"})
	}
	if _, err := gojq.Parse(src); err != nil {
		return node.Invalid(node.FieldError{Field: "query", Message: err.Error()})
	}
	return node.OK()
}

func (t *Transform) Execute(ctx context.Context, nc *node.Context) (node.Result, error) {
	query, err := gojq.Parse(nc.Config.String("query"))
	if err != nil {
		return node.Failure{Kind: node.FailInvalidInput, Message: fmt.Sprintf("parse query: %v", err)}, nil
	}

	input := map[string]any(nc.InputData)
	if input == nil {
		input = map[string]any{}
	}

	iter := query.RunWithContext(ctx, input)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return node.Failure{Kind: node.FailRuntime, Message: fmt.Sprintf("run query: %v", err)}, nil
		}
		results = append(results, v)
	}

	var out any
	switch len(results) {
	case 0:
		out = nil
	case 1:
		out = results[0]
	default:
		out = results
	}

	if m, ok := value.Normalize(out).(value.Map); ok {
		return node.Success{Output: m}, nil
	}
	return node.Success{Output: value.Map{"result": value.Normalize(out)}}, nil
}
