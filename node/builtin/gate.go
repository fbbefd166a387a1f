package builtin

import (
	"context"
	"strconv"

	"github.com/aiinpocket/n3n/node"
	"github.com/aiinpocket/n3n/value"
)

// Approval pauses the execution until the required approvers have acted.
type Approval struct{}

func NewApproval() *Approval { return &Approval{} }

func (a *Approval) Descriptor() node.Descriptor {
	return node.Descriptor{
		Type:        "approval",
		DisplayName: "Approval",
		Category:    "gate",
	}
}

func (a *Approval) ConfigSchema() value.Map {
	return value.Map{
		"type": "object",
		"properties": value.Map{
			"mode":               value.Map{"type": "string", "enum": []any{"all", "any", "majority"}},
			"required_approvers": value.Map{"type": "integer", "minimum": float64(1)},
			"expires_in_seconds": value.Map{"type": "integer", "minimum": float64(1)},
			"message":            value.Map{"type": "string"},
		},
	}
}

func (a *Approval) Interface() node.InterfaceDef {
	return node.InterfaceDef{
		Inputs:  []node.PortSpec{{Name: "", Type: "object", Cardinality: "one"}},
		Outputs: []node.PortSpec{{Name: "", Type: "object", Cardinality: "one"}},
	}
}

func (a *Approval) Validate(config value.Map) node.ValidationResult {
	switch config.StringOr("mode", "all") {
	case "all", "any", "majority":
	default:
		return node.Invalid(node.FieldError{Field: "mode", Message: "mode must be all, any or majority"})
	}
	if n, ok := config.Int("required_approvers"); ok && n < 1 {
		return node.Invalid(node.FieldError{Field: "required_approvers", Message: "required_approvers must be at least 1"})
	}
	return node.OK()
}

func (a *Approval) Execute(_ context.Context, nc *node.Context) (node.Result, error) {
	cond := value.Map{
		"mode":               nc.Config.StringOr("mode", "all"),
		"required_approvers": float64(nc.Config.IntOr("required_approvers", 1)),
	}
	if secs, ok := nc.Config.Int("expires_in_seconds"); ok && secs > 0 {
		cond["expires_in_seconds"] = float64(secs)
	}
	if msg := nc.Config.String("message"); msg != "" {
		cond["message"] = msg
	}
	return node.Pause{Reason: node.PauseApproval, ResumeCondition: cond}, nil
}

// Form pauses the execution until a form submission arrives for it.
type Form struct{}

func NewForm() *Form { return &Form{} }

func (f *Form) Descriptor() node.Descriptor {
	return node.Descriptor{
		Type:        "form",
		DisplayName: "Form",
		Category:    "gate",
	}
}

func (f *Form) ConfigSchema() value.Map {
	return value.Map{
		"type":     "object",
		"required": []any{"fields"},
		"properties": value.Map{
			"title":  value.Map{"type": "string"},
			"fields": value.Map{"type": "array", "items": value.Map{"type": "object"}},
		},
	}
}

func (f *Form) Interface() node.InterfaceDef {
	return node.InterfaceDef{
		Inputs:  []node.PortSpec{{Name: "", Type: "object", Cardinality: "one"}},
		Outputs: []node.PortSpec{{Name: "", Type: "object", Cardinality: "one"}},
	}
}

func (f *Form) Validate(config value.Map) node.ValidationResult {
	fields := config.Slice("fields")
	if len(fields) == 0 {
		return node.Invalid(node.FieldError{Field: "fields", Message: "at least one field is required"})
	}
	for i, raw := range fields {
		field, ok := raw.(value.Map)
		if !ok {
			if m, isMap := raw.(map[string]any); isMap {
				field = value.Map(m)
			} else {
				return node.Invalid(node.FieldError{Field: "fields", Message: "each field must be an object"})
			}
		}
		if field.String("name") == "" {
			return node.Invalid(node.FieldError{Field: "fields", Message: "field " + strconv.Itoa(i) + " is missing a name"})
		}
	}
	return node.OK()
}

func (f *Form) Execute(_ context.Context, nc *node.Context) (node.Result, error) {
	cond := value.Map{"fields": nc.Config.Slice("fields")}
	if title := nc.Config.String("title"); title != "" {
		cond["title"] = title
	}
	return node.Pause{Reason: node.PauseForm, ResumeCondition: cond}, nil
}
