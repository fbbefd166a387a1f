package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/aiinpocket/n3n/event"
	"github.com/aiinpocket/n3n/flow"
	"github.com/aiinpocket/n3n/node"
	"github.com/aiinpocket/n3n/storage"
	"github.com/aiinpocket/n3n/template"
	"github.com/aiinpocket/n3n/value"
)

// BackoffFunc computes the delay before retry attempt n (1-based).
// Injectable so tests run without real sleeps.
type BackoffFunc func(attempt int) time.Duration

// DefaultBackoff is exponential with base 1s, factor 2, cap 60s and
// ±25% jitter.
func DefaultBackoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

// outcome is the dispatcher's summary of one node's final disposition.
type outcome struct {
	row       *storage.NodeExecution
	pause     *node.Pause
	failure   *node.Failure
	cancelled bool
}

// dispatcher turns one scheduling decision into a handler invocation:
// template substitution, config validation, timeout and panic fences,
// retry with backoff, and the NodeExecution row writes.
type dispatcher struct {
	store    storage.Store
	registry *node.Registry
	events   event.Sink
	creds    node.CredentialResolver
	logger   *slog.Logger

	defaultTimeout time.Duration
	cancelGrace    time.Duration
	maxRetryCap    int
	backoff        BackoffFunc
}

type dispatchRequest struct {
	exec    *storage.Execution
	def     *flow.Definition
	nd      flow.Node
	seq     int
	input   value.Map
	outputs map[string]value.Map
}

// dispatch runs one node to a terminal or paused row. It never panics
// and never returns an error for handler-level problems; store failures
// surface as DEPENDENCY_FAILURE outcomes.
func (d *dispatcher) dispatch(ctx context.Context, req dispatchRequest) outcome {
	now := time.Now().UTC()
	row := &storage.NodeExecution{
		ExecutionID:   req.exec.ID,
		NodeID:        req.nd.ID,
		ComponentName: req.nd.Type,
		Status:        storage.NodeRunning,
		Seq:           req.seq,
		StartedAt:     now,
	}
	if err := d.store.UpsertNodeExecution(ctx, row); err != nil {
		return d.fail(ctx, row, req, node.Failure{
			Kind:    node.FailDependency,
			Message: fmt.Sprintf("record node start: %v", err),
		})
	}
	d.emit(event.NodeStarted, req, row, "")

	if req.nd.Disabled {
		// Disabled nodes pass their input through untouched.
		return d.complete(ctx, row, req, node.Success{Output: req.input.Clone()})
	}

	handler := d.registry.Get(req.nd.Type)
	if handler == nil {
		msg := fmt.Sprintf("unknown node type %q", req.nd.Type)
		if suggestion := d.registry.FuzzyFind(req.nd.Type); suggestion != "" {
			msg = fmt.Sprintf("%s (did you mean %q?)", msg, suggestion)
		}
		return d.fail(ctx, row, req, node.Failure{Kind: "UNKNOWN_NODE_TYPE", Message: msg})
	}

	scope := template.Scope{
		Input:   req.input,
		Nodes:   req.outputs,
		Trigger: req.exec.TriggerInput,
		Env:     req.def.Settings,
	}
	config := template.Resolve(req.nd.Config, scope)

	if err := node.ValidateAgainstSchema(config, handler.ConfigSchema()); err != nil {
		return d.fail(ctx, row, req, node.Failure{
			Kind:    node.FailInvalidInput,
			Message: fmt.Sprintf("config schema: %v", err),
		})
	}
	if res := handler.Validate(config); !res.Valid {
		return d.fail(ctx, row, req, node.Failure{
			Kind:    node.FailInvalidInput,
			Message: validationMessage(res),
		})
	}

	nc := &node.Context{
		ExecutionID:     req.exec.ID,
		FlowID:          req.exec.FlowID,
		NodeID:          req.nd.ID,
		NodeType:        req.nd.Type,
		UserID:          req.exec.TriggeredBy,
		Config:          config,
		InputData:       req.input,
		PreviousOutputs: req.outputs,
		Trigger:         req.exec.TriggerInput,
		Settings:        req.def.Settings,
		Credentials:     d.creds,
		Logger: d.logger.With(
			"execution_id", req.exec.ID,
			"node_id", req.nd.ID,
			"node_type", req.nd.Type,
		),
	}

	timeout := d.defaultTimeout
	if req.nd.TimeoutSeconds > 0 {
		timeout = time.Duration(req.nd.TimeoutSeconds) * time.Second
	}
	budget := d.retryBudget(handler, req.nd)

	for {
		res, cancelled := d.invoke(ctx, handler, nc, timeout)
		if cancelled {
			return d.cancel(ctx, row, req)
		}

		switch r := res.(type) {
		case node.Success:
			return d.complete(ctx, row, req, r)
		case node.Pause:
			return d.pauseRow(ctx, row, req, r)
		case node.Failure:
			if r.Retriable && row.RetryCount < budget {
				row.RetryCount++
				row.ErrorKind = string(r.Kind)
				row.ErrorMessage = r.Message
				if err := d.store.UpsertNodeExecution(ctx, row); err != nil {
					d.logger.Warn("record node retry", "node_id", row.NodeID, "error", err)
				}
				d.logger.Info("retrying node",
					"execution_id", req.exec.ID,
					"node_id", req.nd.ID,
					"attempt", row.RetryCount,
					"error_kind", r.Kind,
				)
				select {
				case <-time.After(d.backoff(row.RetryCount)):
					continue
				case <-ctx.Done():
					return d.cancel(ctx, row, req)
				}
			}
			return d.fail(ctx, row, req, r)
		default:
			return d.fail(ctx, row, req, node.Failure{
				Kind:    node.FailHandlerCrash,
				Message: "handler returned no result",
			})
		}
	}
}

// invoke runs a single handler attempt under a timeout, fencing panics
// into Failure results. The second return reports execution-level
// cancellation.
func (d *dispatcher) invoke(ctx context.Context, h node.Handler, nc *node.Context, timeout time.Duration) (node.Result, bool) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type attempt struct {
		res   node.Result
		stack string
	}
	done := make(chan attempt, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attempt{
					res: node.Failure{
						Kind:    node.FailHandlerCrash,
						Message: fmt.Sprintf("handler panic: %v", r),
					},
					stack: string(debug.Stack()),
				}
			}
		}()
		res, err := h.Execute(attemptCtx, nc)
		if err != nil {
			done <- attempt{res: node.Failure{Kind: node.FailRuntime, Message: err.Error()}}
			return
		}
		if res == nil {
			res = node.Success{Output: value.Map{}}
		}
		done <- attempt{res: res}
	}()

	select {
	case a := <-done:
		if f, ok := a.res.(node.Failure); ok && a.stack != "" {
			nc.Log().Error("handler crashed", "error", f.Message)
		}
		return a.res, false
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// Execution cancelled; give the handler a grace period to
			// observe its context and return.
			select {
			case a := <-done:
				return a.res, false
			case <-time.After(d.cancelGrace):
				return nil, true
			}
		}
		// Attempt timeout. The handler goroutine is abandoned; its late
		// result is dropped through the buffered channel.
		return node.Failure{Kind: node.FailTimeout, Message: fmt.Sprintf("node exceeded %s timeout", timeout), Retriable: true}, false
	}
}

// retryBudget clamps the node or handler retry budget to the engine cap.
func (d *dispatcher) retryBudget(h node.Handler, nd flow.Node) int {
	budget := h.Descriptor().MaxRetries
	if nd.MaxRetries != nil {
		budget = *nd.MaxRetries
	}
	if budget > d.maxRetryCap {
		budget = d.maxRetryCap
	}
	if budget < 0 {
		budget = 0
	}
	return budget
}

func (d *dispatcher) complete(ctx context.Context, row *storage.NodeExecution, req dispatchRequest, s node.Success) outcome {
	d.finishRow(row, storage.NodeCompleted)
	if s.Output == nil {
		s.Output = value.Map{}
	}
	row.Output = value.Normalize(s.Output).(value.Map)
	row.Handles = s.Handles
	row.ErrorKind = ""
	row.ErrorMessage = ""
	if err := d.store.UpsertNodeExecution(ctx, row); err != nil {
		return d.fail(ctx, row, req, node.Failure{
			Kind:    node.FailDependency,
			Message: fmt.Sprintf("record node output: %v", err),
		})
	}
	d.emit(event.NodeCompleted, req, row, "")
	return outcome{row: row}
}

func (d *dispatcher) pauseRow(ctx context.Context, row *storage.NodeExecution, req dispatchRequest, p node.Pause) outcome {
	row.Status = storage.NodePaused
	row.PauseReason = string(p.Reason)
	row.ResumeCondition = p.ResumeCondition
	if err := d.store.UpsertNodeExecution(ctx, row); err != nil {
		return d.fail(ctx, row, req, node.Failure{
			Kind:    node.FailDependency,
			Message: fmt.Sprintf("record node pause: %v", err),
		})
	}
	d.emit(event.NodePaused, req, row, "")
	return outcome{row: row, pause: &p}
}

func (d *dispatcher) fail(ctx context.Context, row *storage.NodeExecution, req dispatchRequest, f node.Failure) outcome {
	d.finishRow(row, storage.NodeFailed)
	row.ErrorKind = string(f.Kind)
	row.ErrorMessage = f.Message
	if req.nd.Policy() == flow.ContinueOnError {
		// Failed-but-continue nodes expose an empty output; if the
		// handler declares an error port, that handle alone is live.
		row.Output = value.Map{}
		if h := d.registry.Get(req.nd.Type); h != nil && hasErrorPort(h.Interface()) {
			row.Handles = map[string]bool{"error": true}
		}
	}
	if err := d.store.UpsertNodeExecution(ctx, row); err != nil {
		d.logger.Error("record node failure", "node_id", row.NodeID, "error", err)
	}
	d.emit(event.NodeFailed, req, row, string(f.Kind))
	return outcome{row: row, failure: &f}
}

func (d *dispatcher) cancel(_ context.Context, row *storage.NodeExecution, req dispatchRequest) outcome {
	d.finishRow(row, storage.NodeCancelled)
	// The execution context is gone; persist with a fresh one.
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.UpsertNodeExecution(writeCtx, row); err != nil {
		d.logger.Error("record node cancellation", "node_id", row.NodeID, "error", err)
	}
	d.emit(event.NodeCancelled, req, row, "")
	return outcome{row: row, cancelled: true}
}

func (d *dispatcher) finishRow(row *storage.NodeExecution, status storage.NodeExecutionStatus) {
	now := time.Now().UTC()
	row.Status = status
	row.CompletedAt = &now
	row.DurationMs = now.Sub(row.StartedAt).Milliseconds()
	if row.DurationMs < 0 {
		row.DurationMs = 0
	}
}

func (d *dispatcher) emit(typ string, req dispatchRequest, row *storage.NodeExecution, errorKind string) {
	d.events.Emit(event.Event{
		Type:        typ,
		ExecutionID: req.exec.ID,
		FlowID:      req.exec.FlowID,
		NodeID:      row.NodeID,
		NodeType:    row.ComponentName,
		Status:      string(row.Status),
		ErrorKind:   errorKind,
		DurationMs:  row.DurationMs,
		At:          time.Now().UTC(),
	})
}

func hasErrorPort(def node.InterfaceDef) bool {
	for _, p := range def.Outputs {
		if p.Name == "error" {
			return true
		}
	}
	return false
}

func validationMessage(res node.ValidationResult) string {
	if len(res.Errors) == 0 {
		return "invalid node configuration"
	}
	msg := res.Errors[0].Message
	if res.Errors[0].Field != "" {
		msg = res.Errors[0].Field + ": " + msg
	}
	if len(res.Errors) > 1 {
		msg = fmt.Sprintf("%s (+%d more)", msg, len(res.Errors)-1)
	}
	return msg
}
