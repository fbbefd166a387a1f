package node

import (
	"context"
	"fmt"

	"github.com/aiinpocket/n3n/value"
)

// ResourceDef describes one resource of a multi-operation handler.
type ResourceDef struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
}

// OperationDef describes one operation on a resource.
type OperationDef struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
}

// OpFunc executes one (resource, operation) pair.
type OpFunc func(ctx context.Context, nc *Context) (Result, error)

type opKey struct{ resource, operation string }

// MultiOperationHandler dispatches internally on config.resource and
// config.operation. Concrete handlers embed it and register operations in
// their constructor; the registry never interprets those fields.
type MultiOperationHandler struct {
	desc       Descriptor
	iface      InterfaceDef
	resources  map[string]ResourceDef
	operations map[string][]OperationDef
	ops        map[opKey]OpFunc
	baseSchema value.Map
}

// NewMultiOperationHandler creates the base with a descriptor, interface
// and the schema properties shared by every operation.
func NewMultiOperationHandler(desc Descriptor, iface InterfaceDef, baseSchema value.Map) *MultiOperationHandler {
	return &MultiOperationHandler{
		desc:       desc,
		iface:      iface,
		resources:  make(map[string]ResourceDef),
		operations: make(map[string][]OperationDef),
		ops:        make(map[opKey]OpFunc),
		baseSchema: baseSchema,
	}
}

// RegisterOperation adds an operation implementation under a resource.
func (h *MultiOperationHandler) RegisterOperation(resource ResourceDef, op OperationDef, fn OpFunc) {
	if _, ok := h.resources[resource.Name]; !ok {
		h.resources[resource.Name] = resource
	}
	h.operations[resource.Name] = append(h.operations[resource.Name], op)
	h.ops[opKey{resource.Name, op.Name}] = fn
}

// Descriptor implements Handler.
func (h *MultiOperationHandler) Descriptor() Descriptor { return h.desc }

// Interface implements Handler.
func (h *MultiOperationHandler) Interface() InterfaceDef { return h.iface }

// ConfigSchema declares the x-multi-operation extension alongside the base
// schema properties.
func (h *MultiOperationHandler) ConfigSchema() value.Map {
	resources := value.Map{}
	for name, r := range h.resources {
		resources[name] = value.Map{"name": r.Name, "display_name": r.DisplayName}
	}
	operations := value.Map{}
	for resource, ops := range h.operations {
		list := make([]any, 0, len(ops))
		for _, op := range ops {
			list = append(list, value.Map{"name": op.Name, "display_name": op.DisplayName})
		}
		operations[resource] = list
	}

	schema := value.Map{
		"type": "object",
		"properties": value.Map{
			"resource":  value.Map{"type": "string"},
			"operation": value.Map{"type": "string"},
		},
		"x-multi-operation": value.Map{
			"resources":  resources,
			"operations": operations,
		},
	}
	if h.baseSchema != nil {
		props := schema.Map("properties")
		for k, v := range h.baseSchema {
			props[k] = v
		}
	}
	return schema
}

// Validate checks that the configured (resource, operation) pair exists.
func (h *MultiOperationHandler) Validate(config value.Map) ValidationResult {
	resource := config.String("resource")
	operation := config.String("operation")
	if resource == "" {
		return Invalid(FieldError{Field: "resource", Message: "resource is required"})
	}
	if operation == "" {
		return Invalid(FieldError{Field: "operation", Message: "operation is required"})
	}
	if _, ok := h.ops[opKey{resource, operation}]; !ok {
		return Invalid(FieldError{
			Field:   "operation",
			Message: fmt.Sprintf("unknown operation %s.%s", resource, operation),
		})
	}
	return OK()
}

// Execute dispatches to the registered operation.
func (h *MultiOperationHandler) Execute(ctx context.Context, nc *Context) (Result, error) {
	key := opKey{nc.Config.String("resource"), nc.Config.String("operation")}
	fn, ok := h.ops[key]
	if !ok {
		return Failure{
			Kind:    FailInvalidInput,
			Message: fmt.Sprintf("unknown operation %s.%s", key.resource, key.operation),
		}, nil
	}
	return fn(ctx, nc)
}
