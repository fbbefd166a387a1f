package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aiinpocket/n3n/event"
	"github.com/aiinpocket/n3n/flow"
	"github.com/aiinpocket/n3n/node"
	"github.com/aiinpocket/n3n/storage"
	"github.com/aiinpocket/n3n/value"
)

// fnHandler adapts a closure to the handler contract for tests.
type fnHandler struct {
	desc  node.Descriptor
	iface node.InterfaceDef
	fn    func(ctx context.Context, nc *node.Context) (node.Result, error)
}

func (h fnHandler) Descriptor() node.Descriptor                { return h.desc }
func (h fnHandler) ConfigSchema() value.Map                    { return value.Map{"type": "object"} }
func (h fnHandler) Interface() node.InterfaceDef               { return h.iface }
func (h fnHandler) Validate(value.Map) node.ValidationResult   { return node.OK() }
func (h fnHandler) Execute(ctx context.Context, nc *node.Context) (node.Result, error) {
	return h.fn(ctx, nc)
}

func trigger(typ string) fnHandler {
	return fnHandler{
		desc: node.Descriptor{Type: typ, IsTrigger: true, SupportsAsync: true},
		fn: func(_ context.Context, nc *node.Context) (node.Result, error) {
			return node.Success{Output: nc.InputData}, nil
		},
	}
}

// stubFlows is an in-memory flow.Store.
type stubFlows struct {
	defs map[string]*flow.Definition
}

func (s stubFlows) GetPublishedVersion(_ context.Context, flowID string) (*flow.Definition, error) {
	d, ok := s.defs[flowID]
	if !ok {
		return nil, flow.ErrNotFound
	}
	return d, nil
}

func (s stubFlows) GetVersion(_ context.Context, flowID string, version int) (*flow.Definition, error) {
	d, ok := s.defs[flowID]
	if !ok || d.Version != version {
		return nil, flow.ErrNotFound
	}
	return d, nil
}

type fixture struct {
	store    *storage.MemoryStore
	registry *node.Registry
	coord    *Coordinator
}

func newFixture(t *testing.T, defs map[string]*flow.Definition, handlers ...node.Handler) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	registry := node.NewRegistry()
	registry.MustRegister(trigger("manualTrigger"))
	for _, h := range handlers {
		registry.MustRegister(h)
	}

	cfg := DefaultConfig()
	cfg.Backoff = func(int) time.Duration { return time.Millisecond }
	cfg.CancelGrace = 50 * time.Millisecond
	logger := slog.New(slog.DiscardHandler)
	c := New(cfg, store, stubFlows{defs: defs}, registry, event.NopSink{}, nil, logger)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop(2 * time.Second) })
	return &fixture{store: store, registry: registry, coord: c}
}

func linearDef(extra ...flow.Node) *flow.Definition {
	nodes := []flow.Node{{ID: "a", Type: "manualTrigger"}}
	edges := []flow.Edge{}
	prev := "a"
	for _, n := range extra {
		nodes = append(nodes, n)
		edges = append(edges, flow.Edge{Source: prev, Target: n.ID})
		prev = n.ID
	}
	return &flow.Definition{FlowID: "f", Version: 1, Published: true, Nodes: nodes, Edges: edges}
}

func waitStatus(t *testing.T, s storage.Store, id string, want storage.ExecutionStatus) *storage.Execution {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last *storage.Execution
	for time.Now().Before(deadline) {
		e, err := s.GetExecution(context.Background(), id)
		if err == nil {
			last = e
			if e.Status == want {
				return e
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if last != nil {
		t.Fatalf("execution %s stuck in %s (error %q), want %s", id, last.Status, last.ErrorMessage, want)
	}
	t.Fatalf("execution %s never appeared", id)
	return nil
}

func nodeRow(t *testing.T, s storage.Store, execID, nodeID string) *storage.NodeExecution {
	t.Helper()
	row, err := s.GetNodeExecution(context.Background(), execID, nodeID)
	if err != nil {
		t.Fatalf("GetNodeExecution(%s): %v", nodeID, err)
	}
	return row
}

func TestLinearFlowCompletes(t *testing.T) {
	http := fnHandler{
		desc: node.Descriptor{Type: "httpRequest", SupportsAsync: true},
		fn: func(_ context.Context, _ *node.Context) (node.Result, error) {
			return node.Success{Output: value.Map{"y": float64(3)}}, nil
		},
	}
	f := newFixture(t, map[string]*flow.Definition{
		"f": linearDef(flow.Node{ID: "b", Type: "httpRequest"}),
	}, http)

	exec, err := f.coord.StartExecution(context.Background(), StartRequest{
		FlowID: "f",
		Input:  value.Map{"x": 2},
	})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	done := waitStatus(t, f.store, exec.ID, storage.ExecutionCompleted)
	if done.DurationMs < 0 {
		t.Errorf("duration = %d", done.DurationMs)
	}

	b := nodeRow(t, f.store, exec.ID, "b")
	if b.Status != storage.NodeCompleted {
		t.Fatalf("node b = %s", b.Status)
	}
	if y, _ := b.Output.Float("y"); y != 3 {
		t.Errorf("output = %v", b.Output)
	}

	rows, _ := f.store.ListNodeExecutions(context.Background(), exec.ID)
	if len(rows) != 2 || rows[0].NodeID != "a" || rows[1].NodeID != "b" {
		t.Errorf("dispatch order = %+v", rows)
	}
}

func TestConditionalBranchSkipsDeadPath(t *testing.T) {
	condition := fnHandler{
		desc: node.Descriptor{Type: "condition", SupportsAsync: true},
		fn: func(_ context.Context, nc *node.Context) (node.Result, error) {
			x, _ := nc.InputData.Float("x")
			live := x > 5
			return node.Success{
				Output:  nc.InputData,
				Handles: map[string]bool{"true": live, "false": !live},
			}, nil
		},
	}
	email := fnHandler{
		desc: node.Descriptor{Type: "email", SupportsAsync: true},
		fn: func(_ context.Context, _ *node.Context) (node.Result, error) {
			return node.Success{Output: value.Map{"sent": true}}, nil
		},
	}
	def := &flow.Definition{
		FlowID: "f", Version: 1, Published: true,
		Nodes: []flow.Node{
			{ID: "a", Type: "manualTrigger"},
			{ID: "c", Type: "condition"},
			{ID: "d", Type: "email"},
			{ID: "e", Type: "email"},
		},
		Edges: []flow.Edge{
			{Source: "a", Target: "c"},
			{Source: "c", SourceHandle: "true", Target: "d"},
			{Source: "c", SourceHandle: "false", Target: "e"},
		},
	}
	f := newFixture(t, map[string]*flow.Definition{"f": def}, condition, email)

	exec, err := f.coord.StartExecution(context.Background(), StartRequest{FlowID: "f", Input: value.Map{"x": 10}})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	waitStatus(t, f.store, exec.ID, storage.ExecutionCompleted)

	if got := nodeRow(t, f.store, exec.ID, "d").Status; got != storage.NodeCompleted {
		t.Errorf("node d = %s, want completed", got)
	}
	if got := nodeRow(t, f.store, exec.ID, "e").Status; got != storage.NodeSkipped {
		t.Errorf("node e = %s, want skipped", got)
	}
}

func TestPauseAndResume(t *testing.T) {
	gate := fnHandler{
		desc: node.Descriptor{Type: "waitGate", SupportsAsync: true},
		fn: func(_ context.Context, _ *node.Context) (node.Result, error) {
			return node.Pause{Reason: node.PauseForm, ResumeCondition: value.Map{"kind": "form"}}, nil
		},
	}
	var sawResume atomic.Value
	sink := fnHandler{
		desc: node.Descriptor{Type: "sink", SupportsAsync: true},
		fn: func(_ context.Context, nc *node.Context) (node.Result, error) {
			sawResume.Store(nc.InputData.String("answer"))
			return node.Success{Output: nc.InputData}, nil
		},
	}
	f := newFixture(t, map[string]*flow.Definition{
		"f": linearDef(flow.Node{ID: "gate", Type: "waitGate"}, flow.Node{ID: "z", Type: "sink"}),
	}, gate, sink)

	exec, err := f.coord.StartExecution(context.Background(), StartRequest{FlowID: "f", Input: value.Map{"x": 1}})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	paused := waitStatus(t, f.store, exec.ID, storage.ExecutionPaused)
	if paused.WaitingNodeID != "gate" {
		t.Fatalf("waiting node = %q", paused.WaitingNodeID)
	}
	if paused.PauseReason != string(node.PauseForm) {
		t.Errorf("pause reason = %q", paused.PauseReason)
	}
	if got := nodeRow(t, f.store, exec.ID, "gate").Status; got != storage.NodePaused {
		t.Fatalf("gate row = %s", got)
	}

	if _, err := f.coord.ResumeExecution(context.Background(), exec.ID, value.Map{"answer": "yes"}, "user-1"); err != nil {
		t.Fatalf("ResumeExecution: %v", err)
	}
	waitStatus(t, f.store, exec.ID, storage.ExecutionCompleted)

	if got, _ := sawResume.Load().(string); got != "yes" {
		t.Errorf("downstream input answer = %q, want yes", got)
	}
	if got := nodeRow(t, f.store, exec.ID, "gate").Output.String("answer"); got != "yes" {
		t.Errorf("gate output = %v", nodeRow(t, f.store, exec.ID, "gate").Output)
	}
}

func TestResumeRequiresPausedState(t *testing.T) {
	f := newFixture(t, map[string]*flow.Definition{"f": linearDef()})

	exec, err := f.coord.StartExecution(context.Background(), StartRequest{FlowID: "f"})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	waitStatus(t, f.store, exec.ID, storage.ExecutionCompleted)

	_, err = f.coord.ResumeExecution(context.Background(), exec.ID, nil, "")
	if CodeOf(err) != CodeAlreadyTerminal {
		t.Errorf("resume completed = %v, want ALREADY_TERMINAL", err)
	}

	_, err = f.coord.ResumeExecution(context.Background(), "exec-missing", nil, "")
	if CodeOf(err) != CodeExecutionNotFound {
		t.Errorf("resume missing = %v, want EXECUTION_NOT_FOUND", err)
	}
}

func TestRetriableFailureSucceedsWithinBudget(t *testing.T) {
	var attempts atomic.Int32
	flaky := fnHandler{
		desc: node.Descriptor{Type: "flaky", SupportsAsync: true, MaxRetries: 3},
		fn: func(_ context.Context, _ *node.Context) (node.Result, error) {
			if attempts.Add(1) <= 2 {
				return node.Failure{Kind: node.FailRuntime, Message: "transient", Retriable: true}, nil
			}
			return node.Success{Output: value.Map{"ok": true}}, nil
		},
	}
	f := newFixture(t, map[string]*flow.Definition{
		"f": linearDef(flow.Node{ID: "r", Type: "flaky"}),
	}, flaky)

	exec, err := f.coord.StartExecution(context.Background(), StartRequest{FlowID: "f"})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	waitStatus(t, f.store, exec.ID, storage.ExecutionCompleted)

	row := nodeRow(t, f.store, exec.ID, "r")
	if row.Status != storage.NodeCompleted {
		t.Errorf("status = %s", row.Status)
	}
	if row.RetryCount != 2 {
		t.Errorf("retryCount = %d, want 2", row.RetryCount)
	}
}

func TestStopOnErrorFailsExecution(t *testing.T) {
	broken := fnHandler{
		desc: node.Descriptor{Type: "broken", SupportsAsync: true},
		fn: func(_ context.Context, _ *node.Context) (node.Result, error) {
			return node.Failure{Kind: node.FailRuntime, Message: "boom"}, nil
		},
	}
	f := newFixture(t, map[string]*flow.Definition{
		"f": linearDef(flow.Node{ID: "b", Type: "broken"}, flow.Node{ID: "c", Type: "broken"}),
	}, broken)

	exec, err := f.coord.StartExecution(context.Background(), StartRequest{FlowID: "f"})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	failed := waitStatus(t, f.store, exec.ID, storage.ExecutionFailed)
	if failed.ErrorKind != "RUNTIME_ERROR" {
		t.Errorf("error kind = %q", failed.ErrorKind)
	}
	if !strings.Contains(failed.ErrorMessage, "boom") {
		t.Errorf("error message = %q", failed.ErrorMessage)
	}
	// The downstream node never ran.
	if _, err := f.store.GetNodeExecution(context.Background(), exec.ID, "c"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("node c row = %v, want not found", err)
	}
}

func TestContinueOnErrorRoutesErrorHandle(t *testing.T) {
	brittle := fnHandler{
		desc:  node.Descriptor{Type: "brittle", SupportsAsync: true},
		iface: node.InterfaceDef{Outputs: []node.PortSpec{{Name: ""}, {Name: "error"}}},
		fn: func(_ context.Context, _ *node.Context) (node.Result, error) {
			return node.Failure{Kind: node.FailRuntime, Message: "boom"}, nil
		},
	}
	probe := fnHandler{
		desc: node.Descriptor{Type: "probe", SupportsAsync: true},
		fn: func(_ context.Context, nc *node.Context) (node.Result, error) {
			return node.Success{Output: nc.InputData}, nil
		},
	}
	def := &flow.Definition{
		FlowID: "f", Version: 1, Published: true,
		Nodes: []flow.Node{
			{ID: "a", Type: "manualTrigger"},
			{ID: "b", Type: "brittle", OnError: flow.ContinueOnError},
			{ID: "ok", Type: "probe"},
			{ID: "rescue", Type: "probe"},
		},
		Edges: []flow.Edge{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "ok"},
			{Source: "b", SourceHandle: "error", Target: "rescue"},
		},
	}
	f := newFixture(t, map[string]*flow.Definition{"f": def}, brittle, probe)

	exec, err := f.coord.StartExecution(context.Background(), StartRequest{FlowID: "f"})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	waitStatus(t, f.store, exec.ID, storage.ExecutionCompleted)

	if got := nodeRow(t, f.store, exec.ID, "b").Status; got != storage.NodeFailed {
		t.Errorf("node b = %s, want failed", got)
	}
	if got := nodeRow(t, f.store, exec.ID, "rescue").Status; got != storage.NodeCompleted {
		t.Errorf("rescue = %s, want completed", got)
	}
	if got := nodeRow(t, f.store, exec.ID, "ok").Status; got != storage.NodeSkipped {
		t.Errorf("ok = %s, want skipped", got)
	}
}

func TestCancelExecution(t *testing.T) {
	slow := fnHandler{
		desc: node.Descriptor{Type: "slow", SupportsAsync: true},
		fn: func(ctx context.Context, _ *node.Context) (node.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	f := newFixture(t, map[string]*flow.Definition{
		"f": linearDef(flow.Node{ID: "s", Type: "slow"}),
	}, slow)

	exec, err := f.coord.StartExecution(context.Background(), StartRequest{FlowID: "f"})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	// Wait until the slow node is actually running.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if row, err := f.store.GetNodeExecution(context.Background(), exec.ID, "s"); err == nil && row.Status == storage.NodeRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancelled, err := f.coord.CancelExecution(context.Background(), exec.ID, "operator request", "user-1")
	if err != nil {
		t.Fatalf("CancelExecution: %v", err)
	}
	if cancelled.CancelReason != "operator request" || cancelled.CancelledAt == nil {
		t.Errorf("cancel fields = %+v", cancelled)
	}

	waitStatus(t, f.store, exec.ID, storage.ExecutionCancelled)
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if row, err := f.store.GetNodeExecution(context.Background(), exec.ID, "s"); err == nil && row.Status.Terminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	row := nodeRow(t, f.store, exec.ID, "s")
	if row.Status != storage.NodeCancelled && row.Status != storage.NodeFailed {
		t.Errorf("slow node = %s, want cancelled", row.Status)
	}

	if _, err := f.coord.CancelExecution(context.Background(), exec.ID, "again", "user-1"); CodeOf(err) != CodeAlreadyTerminal {
		t.Errorf("double cancel = %v, want ALREADY_TERMINAL", err)
	}
}

func TestRetryExecutionChain(t *testing.T) {
	broken := fnHandler{
		desc: node.Descriptor{Type: "broken", SupportsAsync: true},
		fn: func(_ context.Context, _ *node.Context) (node.Result, error) {
			return node.Failure{Kind: node.FailRuntime, Message: "boom"}, nil
		},
	}
	f := newFixture(t, map[string]*flow.Definition{
		"f": linearDef(flow.Node{ID: "b", Type: "broken"}),
	}, broken)

	exec, err := f.coord.StartExecution(context.Background(), StartRequest{FlowID: "f", Input: value.Map{"x": 1}})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	waitStatus(t, f.store, exec.ID, storage.ExecutionFailed)

	retry, err := f.coord.RetryExecution(context.Background(), exec.ID, "user-1")
	if err != nil {
		t.Fatalf("RetryExecution: %v", err)
	}
	if retry.RetryOf != exec.ID || retry.RetryCount != 1 {
		t.Errorf("retry chain = %+v", retry)
	}
	if retry.TriggerType != storage.TriggerRetry {
		t.Errorf("trigger type = %s", retry.TriggerType)
	}
	if x, _ := retry.TriggerInput.Float("x"); x != 1 {
		t.Errorf("trigger input not copied: %v", retry.TriggerInput)
	}
	waitStatus(t, f.store, retry.ID, storage.ExecutionFailed)

	// Exhaust the chain.
	cur := retry
	for cur.RetryCount < cur.MaxRetries {
		next, err := f.coord.RetryExecution(context.Background(), cur.ID, "user-1")
		if err != nil {
			t.Fatalf("RetryExecution at count %d: %v", cur.RetryCount, err)
		}
		waitStatus(t, f.store, next.ID, storage.ExecutionFailed)
		cur, _ = f.store.GetExecution(context.Background(), next.ID)
	}
	if _, err := f.coord.RetryExecution(context.Background(), cur.ID, "user-1"); CodeOf(err) != CodeRetryExhausted {
		t.Errorf("exhausted retry = %v, want RETRY_EXHAUSTED", err)
	}
}

func TestRetryRequiresTerminalFailure(t *testing.T) {
	f := newFixture(t, map[string]*flow.Definition{"f": linearDef()})

	exec, err := f.coord.StartExecution(context.Background(), StartRequest{FlowID: "f"})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	waitStatus(t, f.store, exec.ID, storage.ExecutionCompleted)

	if _, err := f.coord.RetryExecution(context.Background(), exec.ID, ""); CodeOf(err) != CodeNotRetriable {
		t.Errorf("retry completed = %v, want NOT_RETRIABLE", err)
	}
}

func TestUnknownNodeTypeFailsWithSuggestion(t *testing.T) {
	email := fnHandler{
		desc: node.Descriptor{Type: "email", SupportsAsync: true},
		fn: func(_ context.Context, _ *node.Context) (node.Result, error) {
			return node.Success{}, nil
		},
	}
	f := newFixture(t, map[string]*flow.Definition{
		"f": linearDef(flow.Node{ID: "b", Type: "emial"}),
	}, email)

	exec, err := f.coord.StartExecution(context.Background(), StartRequest{FlowID: "f"})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	failed := waitStatus(t, f.store, exec.ID, storage.ExecutionFailed)
	if failed.ErrorKind != "UNKNOWN_NODE_TYPE" {
		t.Errorf("error kind = %q", failed.ErrorKind)
	}
	if !strings.Contains(failed.ErrorMessage, "email") {
		t.Errorf("message %q missing suggestion", failed.ErrorMessage)
	}
}

func TestHandlerPanicIsFenced(t *testing.T) {
	bomb := fnHandler{
		desc: node.Descriptor{Type: "bomb", SupportsAsync: true},
		fn: func(_ context.Context, _ *node.Context) (node.Result, error) {
			panic("kaboom")
		},
	}
	f := newFixture(t, map[string]*flow.Definition{
		"f": linearDef(flow.Node{ID: "b", Type: "bomb"}),
	}, bomb)

	exec, err := f.coord.StartExecution(context.Background(), StartRequest{FlowID: "f"})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	failed := waitStatus(t, f.store, exec.ID, storage.ExecutionFailed)
	if failed.ErrorKind != "HANDLER_CRASH" {
		t.Errorf("error kind = %q, want HANDLER_CRASH", failed.ErrorKind)
	}
}

func TestNodeTimeout(t *testing.T) {
	sleepy := fnHandler{
		desc: node.Descriptor{Type: "sleepy", SupportsAsync: true},
		fn: func(ctx context.Context, _ *node.Context) (node.Result, error) {
			select {
			case <-time.After(10 * time.Second):
				return node.Success{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	f := newFixture(t, map[string]*flow.Definition{
		"f": linearDef(flow.Node{ID: "s", Type: "sleepy", TimeoutSeconds: 1, MaxRetries: intp(0)}),
	}, sleepy)

	exec, err := f.coord.StartExecution(context.Background(), StartRequest{FlowID: "f"})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	failed := waitStatus(t, f.store, exec.ID, storage.ExecutionFailed)
	if failed.ErrorKind != "TIMEOUT" {
		t.Errorf("error kind = %q, want TIMEOUT", failed.ErrorKind)
	}
}

func TestStartErrors(t *testing.T) {
	f := newFixture(t, map[string]*flow.Definition{"f": linearDef()})

	_, err := f.coord.StartExecution(context.Background(), StartRequest{FlowID: "ghost"})
	if CodeOf(err) != CodeFlowNotFound {
		t.Errorf("unknown flow = %v, want FLOW_NOT_FOUND", err)
	}

	_, err = f.coord.StartExecution(context.Background(), StartRequest{FlowID: "f", Version: 9})
	if CodeOf(err) != CodeFlowNotFound {
		t.Errorf("unknown version = %v, want FLOW_NOT_FOUND", err)
	}
}

func TestPauseHookObservesApprovalPause(t *testing.T) {
	gate := fnHandler{
		desc: node.Descriptor{Type: "approval", SupportsAsync: true},
		fn: func(_ context.Context, _ *node.Context) (node.Result, error) {
			return node.Pause{Reason: node.PauseApproval, ResumeCondition: value.Map{"mode": "all"}}, nil
		},
	}
	f := newFixture(t, map[string]*flow.Definition{
		"f": linearDef(flow.Node{ID: "g", Type: "approval"}),
	}, gate)

	var hooked atomic.Value
	f.coord.SetPauseHook(func(_ context.Context, exec *storage.Execution, nodeID string, p node.Pause) {
		hooked.Store(fmt.Sprintf("%s/%s/%s", exec.ID, nodeID, p.Reason))
	})

	exec, err := f.coord.StartExecution(context.Background(), StartRequest{FlowID: "f"})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	waitStatus(t, f.store, exec.ID, storage.ExecutionPaused)

	want := exec.ID + "/g/approval"
	if got, _ := hooked.Load().(string); got != want {
		t.Errorf("hook saw %q, want %q", got, want)
	}
}

func TestCancelHookObservesCancellation(t *testing.T) {
	gate := fnHandler{
		desc: node.Descriptor{Type: "approval", SupportsAsync: true},
		fn: func(_ context.Context, _ *node.Context) (node.Result, error) {
			return node.Pause{Reason: node.PauseApproval, ResumeCondition: value.Map{"mode": "all"}}, nil
		},
	}
	f := newFixture(t, map[string]*flow.Definition{
		"f": linearDef(flow.Node{ID: "g", Type: "approval"}),
	}, gate)

	var cancelled atomic.Value
	f.coord.SetCancelHook(func(_ context.Context, executionID string) {
		cancelled.Store(executionID)
	})

	exec, err := f.coord.StartExecution(context.Background(), StartRequest{FlowID: "f"})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	waitStatus(t, f.store, exec.ID, storage.ExecutionPaused)

	if _, err := f.coord.CancelExecution(context.Background(), exec.ID, "operator request", "user-1"); err != nil {
		t.Fatalf("CancelExecution: %v", err)
	}
	if got, _ := cancelled.Load().(string); got != exec.ID {
		t.Errorf("cancel hook saw %q, want %q", got, exec.ID)
	}
}

func TestRecoverRebuildsLostPauseGate(t *testing.T) {
	gate := fnHandler{
		desc: node.Descriptor{Type: "approval", SupportsAsync: true},
		fn: func(_ context.Context, _ *node.Context) (node.Result, error) {
			return node.Pause{Reason: node.PauseApproval}, nil
		},
	}
	f := newFixture(t, map[string]*flow.Definition{
		"f": linearDef(flow.Node{ID: "g", Type: "approval"}),
	}, gate)

	// A crash between the node pause and the execution pause transition
	// leaves a running execution with empty pause fields; only the row
	// knows why it stopped.
	exec := &storage.Execution{
		ID:            "exec-lost",
		FlowID:        "f",
		FlowVersionID: "f@1",
		Status:        storage.ExecutionRunning,
		TriggerType:   storage.TriggerManual,
		TriggerInput:  value.Map{},
		StartedAt:     time.Now().UTC(),
	}
	if err := f.store.CreateExecution(context.Background(), exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	now := time.Now().UTC()
	rows := []*storage.NodeExecution{
		{ExecutionID: exec.ID, NodeID: "a", ComponentName: "manualTrigger", Status: storage.NodeCompleted, Seq: 0, StartedAt: now, CompletedAt: &now, Output: value.Map{}},
		{ExecutionID: exec.ID, NodeID: "g", ComponentName: "approval", Status: storage.NodePaused, Seq: 1, StartedAt: now,
			PauseReason:     string(node.PauseApproval),
			ResumeCondition: value.Map{"mode": "all", "required_approvers": 2},
		},
	}
	for _, r := range rows {
		if err := f.store.UpsertNodeExecution(context.Background(), r); err != nil {
			t.Fatalf("UpsertNodeExecution(%s): %v", r.NodeID, err)
		}
	}

	var hooked atomic.Value
	f.coord.SetPauseHook(func(_ context.Context, _ *storage.Execution, nodeID string, p node.Pause) {
		hooked.Store(fmt.Sprintf("%s/%s/%d", nodeID, p.Reason, p.ResumeCondition.IntOr("required_approvers", 0)))
	})

	if err := f.coord.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	paused := waitStatus(t, f.store, exec.ID, storage.ExecutionPaused)
	if paused.WaitingNodeID != "g" || paused.PauseReason != string(node.PauseApproval) {
		t.Errorf("recovered pause = waiting %q reason %q", paused.WaitingNodeID, paused.PauseReason)
	}

	// The hook fires just after the transition lands.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := hooked.Load().(string); got != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got, _ := hooked.Load().(string); got != "g/approval/2" {
		t.Errorf("hook saw %q, want g/approval/2", got)
	}
}

func TestInputResolutionTieBreak(t *testing.T) {
	def := &flow.Definition{
		FlowID: "f", Version: 1,
		Nodes: []flow.Node{
			{ID: "a", Type: "t"}, {ID: "b", Type: "t"}, {ID: "z", Type: "t"},
		},
		Edges: []flow.Edge{
			{Source: "b", Target: "z"},
			{Source: "a", Target: "z"},
		},
	}
	outputs := map[string]value.Map{
		"a": {"k": "from-a", "only_a": true},
		"b": {"k": "from-b", "only_b": true},
	}
	input := resolveInputs(def, "z", outputs)
	if input.String("k") != "from-a" {
		t.Errorf("tie went to %q, want from-a", input.String("k"))
	}
	if !input.Bool("only_a") || !input.Bool("only_b") {
		t.Errorf("merge lost keys: %v", input)
	}
}

func TestInputResolutionTargetPort(t *testing.T) {
	def := &flow.Definition{
		FlowID: "f", Version: 1,
		Nodes: []flow.Node{{ID: "a", Type: "t"}, {ID: "z", Type: "t"}},
		Edges: []flow.Edge{{Source: "a", Target: "z", TargetPort: "left"}},
	}
	input := resolveInputs(def, "z", map[string]value.Map{"a": {"v": float64(1)}})
	if v, _ := input.Map("left").Float("v"); v != 1 {
		t.Errorf("port input = %v", input)
	}
}

func intp(v int) *int { return &v }
