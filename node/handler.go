// Package node defines the handler contract the engine dispatches against:
// every node type registers a Handler that declares its descriptor, config
// schema, I/O interface and an execute method returning a tagged Result.
package node

import (
	"context"
	"log/slog"

	"github.com/aiinpocket/n3n/value"
)

// Descriptor identifies a handler and its capabilities.
type Descriptor struct {
	Type           string `json:"type"`
	DisplayName    string `json:"display_name"`
	Category       string `json:"category"`
	Icon           string `json:"icon,omitempty"`
	IsTrigger      bool   `json:"is_trigger,omitempty"`
	SupportsAsync  bool   `json:"supports_async,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`

	// MaxRetries is the handler's default retry budget for retriable
	// failures. Zero means no retries.
	MaxRetries int `json:"max_retries,omitempty"`
}

// PortSpec describes one input or output port.
type PortSpec struct {
	Name string `json:"name"`
	// Type is "object", "array" or a scalar type name.
	Type string `json:"type"`
	// Cardinality is "one" or "many".
	Cardinality string `json:"cardinality,omitempty"`
}

// InterfaceDef declares a handler's ports.
type InterfaceDef struct {
	Inputs  []PortSpec `json:"inputs"`
	Outputs []PortSpec `json:"outputs"`
}

// FieldError is a single config validation problem.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult reports the outcome of config validation.
type ValidationResult struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// OK is the successful validation result.
func OK() ValidationResult { return ValidationResult{Valid: true} }

// Invalid builds a failed validation result from field errors.
func Invalid(errs ...FieldError) ValidationResult {
	return ValidationResult{Valid: false, Errors: errs}
}

// CredentialResolver resolves stored credentials for a handler. External
// collaborator; the engine core never sees decrypted material itself.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID, credentialID string) (value.Map, error)
}

// Context carries everything a handler may use during one execution of a
// node. Cancellation flows through the ctx passed to Execute.
type Context struct {
	ExecutionID string
	FlowID      string
	NodeID      string
	NodeType    string
	UserID      string

	// Config is the node configuration after template substitution.
	Config value.Map
	// InputData is the merged output of upstream nodes.
	InputData value.Map
	// PreviousOutputs maps node id to that node's recorded output.
	PreviousOutputs map[string]value.Map
	// Trigger is the execution's trigger input.
	Trigger value.Map
	// Settings holds the flow's settings mapping.
	Settings value.Map

	Credentials CredentialResolver
	Logger      *slog.Logger
}

// Log returns the context logger, defaulting when unset.
func (c *Context) Log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Handler is the uniform multi-operation node contract.
type Handler interface {
	Descriptor() Descriptor
	// ConfigSchema returns a JSON-Schema shaped mapping. Multi-operation
	// handlers declare x-multi-operation with resources and operations.
	ConfigSchema() value.Map
	Interface() InterfaceDef
	Validate(config value.Map) ValidationResult
	Execute(ctx context.Context, nc *Context) (Result, error)
}
