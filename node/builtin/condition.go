package builtin

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/aiinpocket/n3n/node"
	"github.com/aiinpocket/n3n/value"
)

// Condition evaluates a boolean expression over the node input and
// routes the true/false handles accordingly.
type Condition struct{}

func NewCondition() *Condition { return &Condition{} }

func (c *Condition) Descriptor() node.Descriptor {
	return node.Descriptor{
		Type:          "condition",
		DisplayName:   "Condition",
		Category:      "logic",
		SupportsAsync: true,
	}
}

func (c *Condition) ConfigSchema() value.Map {
	return value.Map{
		"type":     "object",
		"required": []any{"expression"},
		"properties": value.Map{
			"expression": value.Map{
				"type":        "string",
				"description": "Boolean expression over input, trigger, nodes and env.",
			},
		},
	}
}

func (c *Condition) Interface() node.InterfaceDef {
	return node.InterfaceDef{
		Inputs: []node.PortSpec{{Name: "", Type: "object", Cardinality: "one"}},
		Outputs: []node.PortSpec{
			{Name: "true", Type: "object", Cardinality: "one"},
			{Name: "false", Type: "object", Cardinality: "one"},
		},
	}
}

func (c *Condition) Validate(config value.Map) node.ValidationResult {
	src := config.String("expression")
	if src == "" {
		return node.Invalid(node.FieldError{Field: "expression", Message: "expression is required"})
	}
	if _, err := expr.Compile(src, expr.AllowUndefinedVariables(), expr.AsBool()); err != nil {
		return node.Invalid(node.FieldError{Field: "expression", Message: err.Error()})
	}
	return node.OK()
}

func (c *Condition) Execute(_ context.Context, nc *node.Context) (node.Result, error) {
	src := nc.Config.String("expression")
	program, err := expr.Compile(src, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return node.Failure{Kind: node.FailInvalidInput, Message: fmt.Sprintf("compile expression: %v", err)}, nil
	}

	env := map[string]any{
		"input":   map[string]any(nc.InputData),
		"trigger": map[string]any(nc.Trigger),
		"env":     map[string]any(nc.Settings),
		"nodes":   outputsEnv(nc.PreviousOutputs),
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return node.Failure{Kind: node.FailRuntime, Message: fmt.Sprintf("evaluate expression: %v", err)}, nil
	}
	verdict, _ := out.(bool)

	result := nc.InputData
	if result == nil {
		result = value.Map{}
	}
	return node.Success{
		Output:  result.Clone().Merge(value.Map{"result": verdict}),
		Handles: map[string]bool{"true": verdict, "false": !verdict},
	}, nil
}

func outputsEnv(outputs map[string]value.Map) map[string]any {
	env := make(map[string]any, len(outputs))
	for k, v := range outputs {
		env[k] = map[string]any(v)
	}
	return env
}
