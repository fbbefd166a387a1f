package builtin

import (
	"context"
	"time"

	"github.com/aiinpocket/n3n/node"
	"github.com/aiinpocket/n3n/value"
)

// SetData merges configured values over the node input.
type SetData struct{}

func NewSetData() *SetData { return &SetData{} }

func (s *SetData) Descriptor() node.Descriptor {
	return node.Descriptor{
		Type:          "setData",
		DisplayName:   "Set Data",
		Category:      "data",
		SupportsAsync: true,
	}
}

func (s *SetData) ConfigSchema() value.Map {
	return value.Map{
		"type":     "object",
		"required": []any{"values"},
		"properties": value.Map{
			"values": value.Map{"type": "object"},
		},
	}
}

func (s *SetData) Interface() node.InterfaceDef {
	return node.InterfaceDef{
		Inputs:  []node.PortSpec{{Name: "", Type: "object", Cardinality: "one"}},
		Outputs: []node.PortSpec{{Name: "", Type: "object", Cardinality: "one"}},
	}
}

func (s *SetData) Validate(config value.Map) node.ValidationResult {
	if config.Map("values") == nil {
		return node.Invalid(node.FieldError{Field: "values", Message: "values object is required"})
	}
	return node.OK()
}

func (s *SetData) Execute(_ context.Context, nc *node.Context) (node.Result, error) {
	out := nc.InputData.Clone()
	if out == nil {
		out = value.Map{}
	}
	out.Merge(nc.Config.Map("values"))
	return node.Success{Output: out}, nil
}

// Log writes a message to the execution log and passes input through.
type Log struct{}

func NewLog() *Log { return &Log{} }

func (l *Log) Descriptor() node.Descriptor {
	return node.Descriptor{
		Type:          "log",
		DisplayName:   "Log",
		Category:      "utility",
		SupportsAsync: true,
	}
}

func (l *Log) ConfigSchema() value.Map {
	return value.Map{
		"type": "object",
		"properties": value.Map{
			"message": value.Map{"type": "string"},
			"level":   value.Map{"type": "string", "enum": []any{"debug", "info", "warn", "error"}},
		},
	}
}

func (l *Log) Interface() node.InterfaceDef {
	return node.InterfaceDef{
		Inputs:  []node.PortSpec{{Name: "", Type: "object", Cardinality: "one"}},
		Outputs: []node.PortSpec{{Name: "", Type: "object", Cardinality: "one"}},
	}
}

func (l *Log) Validate(value.Map) node.ValidationResult { return node.OK() }

func (l *Log) Execute(_ context.Context, nc *node.Context) (node.Result, error) {
	msg := nc.Config.StringOr("message", "log node")
	switch nc.Config.StringOr("level", "info") {
	case "debug":
		nc.Log().Debug(msg, "input", nc.InputData)
	case "warn":
		nc.Log().Warn(msg, "input", nc.InputData)
	case "error":
		nc.Log().Error(msg, "input", nc.InputData)
	default:
		nc.Log().Info(msg, "input", nc.InputData)
	}
	return node.Success{Output: nc.InputData}, nil
}

// NoOp passes its input through unchanged. Useful as a placeholder or a
// fan-out point while sketching a flow.
type NoOp struct{}

func NewNoOp() *NoOp { return &NoOp{} }

func (n *NoOp) Descriptor() node.Descriptor {
	return node.Descriptor{
		Type:          "noop",
		DisplayName:   "No Operation",
		Category:      "utility",
		SupportsAsync: true,
	}
}

func (n *NoOp) ConfigSchema() value.Map {
	return value.Map{"type": "object"}
}

func (n *NoOp) Interface() node.InterfaceDef {
	return node.InterfaceDef{
		Inputs:  []node.PortSpec{{Name: "", Type: "object", Cardinality: "one"}},
		Outputs: []node.PortSpec{{Name: "", Type: "object", Cardinality: "one"}},
	}
}

func (n *NoOp) Validate(value.Map) node.ValidationResult { return node.OK() }

func (n *NoOp) Execute(_ context.Context, nc *node.Context) (node.Result, error) {
	return node.Success{Output: nc.InputData}, nil
}

// Merge joins the outputs of multiple upstream branches. Upstream
// outputs are already merged into the input by arrival order; setting
// mode to "keyed" nests each prior node's output under its node id
// instead.
type Merge struct{}

func NewMerge() *Merge { return &Merge{} }

func (m *Merge) Descriptor() node.Descriptor {
	return node.Descriptor{
		Type:          "merge",
		DisplayName:   "Merge",
		Category:      "data",
		SupportsAsync: true,
	}
}

func (m *Merge) ConfigSchema() value.Map {
	return value.Map{
		"type": "object",
		"properties": value.Map{
			"mode": value.Map{"type": "string", "enum": []any{"combine", "keyed"}},
		},
	}
}

func (m *Merge) Interface() node.InterfaceDef {
	return node.InterfaceDef{
		Inputs:  []node.PortSpec{{Name: "", Type: "object", Cardinality: "many"}},
		Outputs: []node.PortSpec{{Name: "", Type: "object", Cardinality: "one"}},
	}
}

func (m *Merge) Validate(config value.Map) node.ValidationResult {
	switch config.StringOr("mode", "combine") {
	case "combine", "keyed":
		return node.OK()
	}
	return node.Invalid(node.FieldError{Field: "mode", Message: "mode must be combine or keyed"})
}

func (m *Merge) Execute(_ context.Context, nc *node.Context) (node.Result, error) {
	if nc.Config.StringOr("mode", "combine") == "keyed" {
		out := value.Map{}
		for id, data := range nc.PreviousOutputs {
			out[id] = data
		}
		return node.Success{Output: out}, nil
	}
	return node.Success{Output: nc.InputData}, nil
}

// Delay waits a configured number of seconds, observing cancellation.
type Delay struct{}

func NewDelay() *Delay { return &Delay{} }

func (d *Delay) Descriptor() node.Descriptor {
	return node.Descriptor{
		Type:          "delay",
		DisplayName:   "Delay",
		Category:      "utility",
		SupportsAsync: true,
	}
}

func (d *Delay) ConfigSchema() value.Map {
	return value.Map{
		"type":     "object",
		"required": []any{"seconds"},
		"properties": value.Map{
			"seconds": value.Map{"type": "number", "minimum": float64(0)},
		},
	}
}

func (d *Delay) Interface() node.InterfaceDef {
	return node.InterfaceDef{
		Inputs:  []node.PortSpec{{Name: "", Type: "object", Cardinality: "one"}},
		Outputs: []node.PortSpec{{Name: "", Type: "object", Cardinality: "one"}},
	}
}

func (d *Delay) Validate(config value.Map) node.ValidationResult {
	if secs, ok := config.Float("seconds"); !ok || secs < 0 {
		return node.Invalid(node.FieldError{Field: "seconds", Message: "seconds must be a non-negative number"})
	}
	return node.OK()
}

func (d *Delay) Execute(ctx context.Context, nc *node.Context) (node.Result, error) {
	secs, _ := nc.Config.Float("seconds")
	timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return node.Success{Output: nc.InputData}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
