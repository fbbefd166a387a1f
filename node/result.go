package node

import "github.com/aiinpocket/n3n/value"

// FailureKind classifies a node failure for the coordinator's retry and
// error-policy decisions.
type FailureKind string

const (
	FailTimeout      FailureKind = "TIMEOUT"
	FailHandlerCrash FailureKind = "HANDLER_CRASH"
	FailDependency   FailureKind = "DEPENDENCY_FAILURE"
	FailInvalidInput FailureKind = "INVALID_CONFIG"
	FailCredential   FailureKind = "CREDENTIAL_NOT_FOUND"
	FailRuntime      FailureKind = "RUNTIME_ERROR"
)

// PauseReason names why a handler suspended the execution.
type PauseReason string

const (
	PauseApproval PauseReason = "approval"
	PauseForm     PauseReason = "form"
	PauseTimer    PauseReason = "timer"
	PauseWebhook  PauseReason = "webhook"
)

// Result is the tagged outcome of a handler execution. Exactly one of the
// three variants is returned; handlers never signal control flow through
// panics or sentinel errors.
type Result interface{ isResult() }

// Success carries the node output and the set of live outgoing handles.
type Success struct {
	Output value.Map
	// Handles selects which outgoing edges are live. Nil means every
	// handle is live; the default handle ("") is always live.
	Handles map[string]bool
}

// Pause suspends the execution at this node until an external event
// (approval, form submission, timer) resumes it.
type Pause struct {
	Reason PauseReason
	// ResumeCondition is persisted with the execution and interpreted by
	// the subsystem that completes the wait.
	ResumeCondition value.Map
}

// Failure reports a node error. Retriable failures re-enter dispatch with
// backoff while the retry budget lasts.
type Failure struct {
	Kind      FailureKind
	Message   string
	Retriable bool
}

func (Success) isResult() {}
func (Pause) isResult()   {}
func (Failure) isResult() {}

// HandleLive reports whether the named source handle is live given a
// success result's handle map. The default handle is always live when the
// map does not mention it.
func HandleLive(handles map[string]bool, handle string) bool {
	if handles == nil {
		return true
	}
	live, declared := handles[handle]
	if !declared {
		return handle == ""
	}
	return live
}
