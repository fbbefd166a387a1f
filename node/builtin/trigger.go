package builtin

import (
	"context"

	"github.com/aiinpocket/n3n/node"
	"github.com/aiinpocket/n3n/value"
)

// Trigger is the generic entry-point handler: it surfaces the trigger
// input as the node output so downstream nodes can address it.
type Trigger struct {
	desc node.Descriptor
}

// NewTrigger creates a trigger handler for the given type.
func NewTrigger(typ, displayName string) *Trigger {
	return &Trigger{desc: node.Descriptor{
		Type:          typ,
		DisplayName:   displayName,
		Category:      "trigger",
		IsTrigger:     true,
		SupportsAsync: true,
	}}
}

func (t *Trigger) Descriptor() node.Descriptor { return t.desc }

func (t *Trigger) ConfigSchema() value.Map {
	return value.Map{"type": "object", "additionalProperties": true}
}

func (t *Trigger) Interface() node.InterfaceDef {
	return node.InterfaceDef{
		Outputs: []node.PortSpec{{Name: "", Type: "object", Cardinality: "one"}},
	}
}

func (t *Trigger) Validate(value.Map) node.ValidationResult { return node.OK() }

func (t *Trigger) Execute(_ context.Context, nc *node.Context) (node.Result, error) {
	out := nc.InputData
	if out == nil {
		out = value.Map{}
	}
	return node.Success{Output: out}, nil
}
