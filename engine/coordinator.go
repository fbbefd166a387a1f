package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aiinpocket/n3n/event"
	"github.com/aiinpocket/n3n/flow"
	"github.com/aiinpocket/n3n/node"
	"github.com/aiinpocket/n3n/storage"
	"github.com/aiinpocket/n3n/value"
)

// Config tunes the coordinator and dispatcher.
type Config struct {
	// Workers bounds concurrent node dispatches across all executions.
	Workers int
	// DefaultNodeTimeout applies when a node does not set its own.
	DefaultNodeTimeout time.Duration
	// CancelGrace is how long a cancelled node may keep running before
	// its row is marked cancelled and the handler abandoned.
	CancelGrace time.Duration
	// MaxNodeRetries caps handler-declared retry budgets.
	MaxNodeRetries int
	// ExecutionMaxRetries is the retry-chain budget for new executions.
	ExecutionMaxRetries int
	// Backoff overrides the retry delay schedule; nil means DefaultBackoff.
	Backoff BackoffFunc
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		Workers:             8,
		DefaultNodeTimeout:  60 * time.Second,
		CancelGrace:         5 * time.Second,
		MaxNodeRetries:      10,
		ExecutionMaxRetries: 3,
	}
}

// StartRequest describes one execution start.
type StartRequest struct {
	FlowID      string
	Version     int // 0 resolves the published version
	Input       value.Map
	Context     value.Map
	TriggeredBy string
	TriggerType storage.TriggerType
}

// PauseHook observes pause transitions so the approval gate can create
// its rows when a handler suspends on an approval.
type PauseHook func(ctx context.Context, exec *storage.Execution, nodeID string, p node.Pause)

// CancelHook observes cancel transitions so pending gates tied to the
// execution can be closed.
type CancelHook func(ctx context.Context, executionID string)

// Coordinator owns execution lifecycles: it creates executions, drives
// data-ready scheduling waves over the flow graph, applies pause and
// cancel transitions, and finalizes terminal status.
type Coordinator struct {
	cfg      Config
	store    storage.Store
	flows    flow.Store
	registry *node.Registry
	events   event.Sink
	logger   *slog.Logger

	disp *dispatcher
	sem  *semaphore.Weighted

	pauseHook  PauseHook
	cancelHook CancelHook

	mu       sync.Mutex
	sessions map[string]*session
	baseCtx  context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

// session is the in-memory state of one live execution run.
type session struct {
	cancel context.CancelFunc

	mu    sync.Mutex
	locks map[string]*sync.Mutex // node type -> serialization lock
}

// typeLock returns the per-type mutex serializing handlers that do not
// support async within one execution.
func (s *session) typeLock(nodeType string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[nodeType]
	if !ok {
		l = &sync.Mutex{}
		s.locks[nodeType] = l
	}
	return l
}

// New creates a Coordinator. Call Start before submitting executions.
func New(cfg Config, store storage.Store, flows flow.Store, registry *node.Registry, sink event.Sink, creds node.CredentialResolver, logger *slog.Logger) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.DefaultNodeTimeout <= 0 {
		cfg.DefaultNodeTimeout = DefaultConfig().DefaultNodeTimeout
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultConfig().CancelGrace
	}
	if cfg.MaxNodeRetries <= 0 {
		cfg.MaxNodeRetries = DefaultConfig().MaxNodeRetries
	}
	if cfg.ExecutionMaxRetries <= 0 {
		cfg.ExecutionMaxRetries = DefaultConfig().ExecutionMaxRetries
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if sink == nil {
		sink = event.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		cfg:      cfg,
		store:    store,
		flows:    flows,
		registry: registry,
		events:   sink,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		sessions: make(map[string]*session),
	}
	c.disp = &dispatcher{
		store:          store,
		registry:       registry,
		events:         sink,
		creds:          creds,
		logger:         logger,
		defaultTimeout: cfg.DefaultNodeTimeout,
		cancelGrace:    cfg.CancelGrace,
		maxRetryCap:    cfg.MaxNodeRetries,
		backoff:        cfg.Backoff,
	}
	return c
}

// SetPauseHook installs the pause observer.
func (c *Coordinator) SetPauseHook(h PauseHook) {
	c.mu.Lock()
	c.pauseHook = h
	c.mu.Unlock()
}

// SetCancelHook installs the cancel observer.
func (c *Coordinator) SetCancelHook(h CancelHook) {
	c.mu.Lock()
	c.cancelHook = h
	c.mu.Unlock()
}

// Start makes the coordinator accept work until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseCtx != nil {
		return errors.New("coordinator already started")
	}
	c.baseCtx, c.stop = context.WithCancel(ctx)
	return nil
}

// Stop cancels all live runs and waits for them up to the timeout.
func (c *Coordinator) Stop(timeout time.Duration) error {
	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()
	if stop == nil {
		return nil
	}
	stop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("coordinator stop timed out")
	}
}

// StartExecution creates a pending execution and schedules it.
func (c *Coordinator) StartExecution(ctx context.Context, req StartRequest) (*storage.Execution, error) {
	def, err := c.loadDefinition(ctx, req.FlowID, req.Version)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, Wrap(CodeInvalidDefinition, err, "flow %s", req.FlowID)
	}

	exec := &storage.Execution{
		ID:             storage.NewID("exec"),
		FlowID:         def.FlowID,
		FlowVersionID:  def.VersionID(),
		Status:         storage.ExecutionPending,
		TriggerType:    req.TriggerType,
		TriggerInput:   value.Normalize(req.Input).(value.Map),
		TriggerContext: req.Context,
		TriggeredBy:    req.TriggeredBy,
		StartedAt:      time.Now().UTC(),
		MaxRetries:     c.cfg.ExecutionMaxRetries,
	}
	if exec.TriggerInput == nil {
		exec.TriggerInput = value.Map{}
	}
	if exec.TriggerType == "" {
		exec.TriggerType = storage.TriggerManual
	}
	if err := c.store.CreateExecution(ctx, exec); err != nil {
		return nil, Wrap(CodeDependencyFailure, err, "create execution")
	}

	c.events.Emit(event.Event{
		Type:        event.ExecutionStarted,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		Status:      string(exec.Status),
		At:          time.Now().UTC(),
	})
	c.launch(exec.ID)
	return exec, nil
}

// ResumeExecution completes the waiting node with the resume data and
// re-enters scheduling.
func (c *Coordinator) ResumeExecution(ctx context.Context, executionID string, data value.Map, resumedBy string) (*storage.Execution, error) {
	exec, err := c.getExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, E(CodeAlreadyTerminal, "execution %s is %s", executionID, exec.Status)
	}
	if exec.Status != storage.ExecutionPaused {
		return nil, E(CodeNotPaused, "execution %s is %s", executionID, exec.Status)
	}
	if exec.WaitingNodeID == "" {
		return nil, E(CodeWaitMismatch, "execution %s has no waiting node", executionID)
	}

	row, err := c.store.GetNodeExecution(ctx, executionID, exec.WaitingNodeID)
	if err != nil || row.Status != storage.NodePaused {
		return nil, E(CodeWaitMismatch, "waiting node %s is not paused", exec.WaitingNodeID)
	}

	now := time.Now().UTC()
	row.Status = storage.NodeCompleted
	row.CompletedAt = &now
	row.DurationMs = now.Sub(row.StartedAt).Milliseconds()
	if data == nil {
		data = value.Map{}
	}
	row.Output = value.Normalize(data).(value.Map)
	row.PauseReason = ""
	row.ResumeCondition = nil
	if err := c.store.UpsertNodeExecution(ctx, row); err != nil {
		return nil, Wrap(CodeDependencyFailure, err, "record resume output")
	}

	exec, err = c.transition(ctx, executionID, func(e *storage.Execution) error {
		if e.Status != storage.ExecutionPaused {
			return E(CodeNotPaused, "execution %s is %s", executionID, e.Status)
		}
		e.Status = storage.ExecutionRunning
		e.PausedAt = nil
		e.WaitingNodeID = ""
		e.PauseReason = ""
		e.ResumeCondition = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.events.Emit(event.Event{
		Type:        event.ExecutionResumed,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		NodeID:      row.NodeID,
		Status:      string(exec.Status),
		At:          now,
	})
	c.logger.Info("execution resumed",
		"execution_id", exec.ID,
		"node_id", row.NodeID,
		"resumed_by", resumedBy,
	)
	c.launch(exec.ID)
	return exec, nil
}

// CancelExecution transitions a running or paused execution to
// cancelled and signals any in-flight nodes.
func (c *Coordinator) CancelExecution(ctx context.Context, executionID, reason, userID string) (*storage.Execution, error) {
	exec, err := c.transition(ctx, executionID, func(e *storage.Execution) error {
		if e.Status.Terminal() {
			return E(CodeAlreadyTerminal, "execution %s is %s", executionID, e.Status)
		}
		now := time.Now().UTC()
		e.Status = storage.ExecutionCancelled
		e.CancelReason = reason
		e.CancelledBy = userID
		e.CancelledAt = &now
		e.CompletedAt = &now
		e.DurationMs = now.Sub(e.StartedAt).Milliseconds()
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Signal the live run, if any; otherwise close out the rows here.
	c.mu.Lock()
	sess := c.sessions[executionID]
	hook := c.cancelHook
	c.mu.Unlock()
	if sess != nil {
		sess.cancel()
	} else {
		c.closeOpenRows(ctx, executionID, storage.NodeCancelled)
	}
	if hook != nil {
		hook(ctx, executionID)
	}

	c.events.Emit(event.Event{
		Type:        event.ExecutionCancelled,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		Status:      string(exec.Status),
		At:          time.Now().UTC(),
	})
	return exec, nil
}

// RetryExecution derives a fresh execution from a failed or cancelled
// one, extending its retry chain.
func (c *Coordinator) RetryExecution(ctx context.Context, executionID, userID string) (*storage.Execution, error) {
	old, err := c.getExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if old.Status != storage.ExecutionFailed && old.Status != storage.ExecutionCancelled {
		return nil, E(CodeNotRetriable, "execution %s is %s", executionID, old.Status)
	}
	if !old.CanRetry() {
		return nil, E(CodeRetryExhausted, "execution %s used %d of %d retries", executionID, old.RetryCount, old.MaxRetries)
	}

	exec := &storage.Execution{
		ID:             storage.NewID("exec"),
		FlowID:         old.FlowID,
		FlowVersionID:  old.FlowVersionID,
		Status:         storage.ExecutionPending,
		TriggerType:    storage.TriggerRetry,
		TriggerInput:   old.TriggerInput.Clone(),
		TriggerContext: old.TriggerContext.Clone(),
		TriggeredBy:    userID,
		StartedAt:      time.Now().UTC(),
		RetryOf:        old.ID,
		RetryCount:     old.RetryCount + 1,
		MaxRetries:     old.MaxRetries,
	}
	if err := c.store.CreateExecution(ctx, exec); err != nil {
		return nil, Wrap(CodeDependencyFailure, err, "create retry execution")
	}
	c.events.Emit(event.Event{
		Type:        event.ExecutionStarted,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		Status:      string(exec.Status),
		At:          time.Now().UTC(),
	})
	c.launch(exec.ID)
	return exec, nil
}

// Recover relaunches executions left pending or running by an earlier
// process. Paused executions stay idle until an external resume.
func (c *Coordinator) Recover(ctx context.Context) error {
	for _, status := range []storage.ExecutionStatus{storage.ExecutionPending, storage.ExecutionRunning} {
		execs, err := c.store.ListExecutions(ctx, storage.ExecutionFilter{Status: status})
		if err != nil {
			return fmt.Errorf("list %s executions: %w", status, err)
		}
		for _, e := range execs {
			c.logger.Info("recovering execution", "execution_id", e.ID, "status", e.Status)
			c.launch(e.ID)
		}
	}
	return nil
}

// launch schedules the run loop for an execution.
func (c *Coordinator) launch(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseCtx == nil || c.baseCtx.Err() != nil {
		c.logger.Warn("coordinator not running, execution stays pending", "execution_id", executionID)
		return
	}
	if _, live := c.sessions[executionID]; live {
		return
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	sess := &session{cancel: cancel, locks: make(map[string]*sync.Mutex)}
	c.sessions[executionID] = sess

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer func() {
			c.mu.Lock()
			delete(c.sessions, executionID)
			c.mu.Unlock()
		}()
		c.run(ctx, sess, executionID)
	}()
}

// run drives one execution from its current durable state to a pause or
// a terminal status.
func (c *Coordinator) run(ctx context.Context, sess *session, executionID string) {
	exec, err := c.getExecution(ctx, executionID)
	if err != nil {
		c.logger.Error("load execution", "execution_id", executionID, "error", err)
		return
	}
	if exec.Status.Terminal() || exec.Status == storage.ExecutionPaused {
		return
	}

	flowID, version, err := flow.ParseVersionID(exec.FlowVersionID)
	if err != nil {
		c.failExecution(ctx, exec, CodeInvalidDefinition, err.Error())
		return
	}
	def, err := c.flows.GetVersion(ctx, flowID, version)
	if err != nil {
		c.failExecution(ctx, exec, CodeFlowNotFound, fmt.Sprintf("flow version %s: %v", exec.FlowVersionID, err))
		return
	}

	if exec.Status == storage.ExecutionPending {
		exec, err = c.transition(ctx, executionID, func(e *storage.Execution) error {
			if e.Status != storage.ExecutionPending {
				return nil
			}
			e.Status = storage.ExecutionRunning
			return nil
		})
		if err != nil {
			c.logger.Error("start execution", "execution_id", executionID, "error", err)
			return
		}
	}

	// Rehydrate node state from the store.
	rows, err := c.store.ListNodeExecutions(ctx, executionID)
	if err != nil {
		c.failExecution(ctx, exec, CodeDependencyFailure, fmt.Sprintf("load node executions: %v", err))
		return
	}
	state := make(map[string]*storage.NodeExecution, len(rows))
	outputs := make(map[string]value.Map, len(rows))
	seq := 0
	for _, r := range rows {
		state[r.NodeID] = r
		if r.Status == storage.NodeCompleted {
			outputs[r.NodeID] = r.Output
		}
		if r.Seq >= seq {
			seq = r.Seq + 1
		}
	}

	for {
		if ctx.Err() != nil {
			c.finalizeCancelled(executionID, state)
			return
		}

		// A paused row parks the whole execution on that node.
		if paused := firstPaused(state); paused != nil {
			if exec.Status != storage.ExecutionPaused {
				// Crash recovery: the row paused but the execution
				// transition never landed. The row carries its own copy
				// of the pause metadata; the execution fields are empty
				// in exactly this window.
				c.pauseExecution(ctx, exec, paused.NodeID, node.Pause{
					Reason:          node.PauseReason(paused.PauseReason),
					ResumeCondition: paused.ResumeCondition,
				})
			}
			return
		}

		ready, skipped := planWave(c.registry, def, state)
		for _, nodeID := range skipped {
			row := c.writeSkipped(ctx, exec, def, nodeID, seq)
			seq++
			state[nodeID] = row
		}
		if len(ready) == 0 {
			c.finishExecution(ctx, exec, def, state)
			return
		}

		outcomes := c.dispatchWave(ctx, sess, exec, def, ready, seq, state, outputs)
		seq += len(ready)

		var stop *node.Failure
		var stopNode string
		cancelled := false
		for i, o := range outcomes {
			if o.row != nil {
				state[o.row.NodeID] = o.row
				if o.row.Status == storage.NodeCompleted {
					outputs[o.row.NodeID] = o.row.Output
				}
			}
			if o.cancelled {
				cancelled = true
			}
			if o.pause != nil {
				c.pauseExecution(ctx, exec, ready[i].ID, *o.pause)
			}
			if o.failure != nil && ready[i].Policy() == flow.StopOnError && stop == nil {
				stop = o.failure
				stopNode = ready[i].ID
			}
		}

		if cancelled || ctx.Err() != nil {
			c.finalizeCancelled(executionID, state)
			return
		}
		if stop != nil {
			c.closeOpen(ctx, executionID, state, storage.NodeCancelled)
			c.failExecution(ctx, exec, Code(stop.Kind), fmt.Sprintf("node %s: %s", stopNode, stop.Message))
			return
		}

		// Refresh status; Cancel may have raced the wave.
		exec, err = c.getExecution(ctx, executionID)
		if err != nil {
			c.logger.Error("reload execution", "execution_id", executionID, "error", err)
			return
		}
		if exec.Status.Terminal() || exec.Status == storage.ExecutionPaused {
			return
		}
	}
}

// dispatchWave runs all ready nodes, bounded by the worker pool, in
// ascending node id order.
func (c *Coordinator) dispatchWave(ctx context.Context, sess *session, exec *storage.Execution, def *flow.Definition, ready []flow.Node, seqBase int, state map[string]*storage.NodeExecution, outputs map[string]value.Map) []outcome {
	outcomes := make([]outcome, len(ready))
	var wg sync.WaitGroup
	for i, nd := range ready {
		input := resolveInputs(def, nd.ID, outputs)
		if len(def.Incoming(nd.ID)) == 0 {
			// Trigger nodes receive the trigger input directly.
			input = exec.TriggerInput.Clone()
		}
		req := dispatchRequest{
			exec:    exec,
			def:     def,
			nd:      nd,
			seq:     seqBase + i,
			input:   input,
			outputs: outputs,
		}

		if err := c.sem.Acquire(ctx, 1); err != nil {
			outcomes[i] = outcome{cancelled: true}
			continue
		}
		wg.Add(1)
		go func(i int, req dispatchRequest) {
			defer wg.Done()
			defer c.sem.Release(1)
			if h := c.registry.Get(req.nd.Type); h != nil && !h.Descriptor().SupportsAsync {
				l := sess.typeLock(req.nd.Type)
				l.Lock()
				defer l.Unlock()
			}
			outcomes[i] = c.disp.dispatch(ctx, req)
		}(i, req)
	}
	wg.Wait()
	return outcomes
}

// pauseExecution persists the paused state and notifies the pause hook.
func (c *Coordinator) pauseExecution(ctx context.Context, exec *storage.Execution, nodeID string, p node.Pause) {
	now := time.Now().UTC()
	updated, err := c.transition(ctx, exec.ID, func(e *storage.Execution) error {
		if e.Status.Terminal() {
			return E(CodeAlreadyTerminal, "execution %s is %s", exec.ID, e.Status)
		}
		e.Status = storage.ExecutionPaused
		e.PausedAt = &now
		e.WaitingNodeID = nodeID
		e.PauseReason = string(p.Reason)
		e.ResumeCondition = p.ResumeCondition
		return nil
	})
	if err != nil {
		c.logger.Error("pause execution", "execution_id", exec.ID, "error", err)
		return
	}
	*exec = *updated

	c.events.Emit(event.Event{
		Type:        event.ExecutionPaused,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		NodeID:      nodeID,
		Status:      string(exec.Status),
		At:          now,
	})
	c.mu.Lock()
	hook := c.pauseHook
	c.mu.Unlock()
	if hook != nil {
		hook(ctx, exec, nodeID, p)
	}
}

// finishExecution runs when no node is ready: every reachable node has
// a terminal row, so the execution completes.
func (c *Coordinator) finishExecution(ctx context.Context, exec *storage.Execution, def *flow.Definition, state map[string]*storage.NodeExecution) {
	// Anything still unresolved is unreachable from a live path.
	for _, nd := range def.Nodes {
		if _, ok := state[nd.ID]; !ok {
			c.writeSkipped(ctx, exec, def, nd.ID, len(state))
			state[nd.ID] = &storage.NodeExecution{NodeID: nd.ID, Status: storage.NodeSkipped}
		}
	}

	now := time.Now().UTC()
	updated, err := c.transition(ctx, exec.ID, func(e *storage.Execution) error {
		if e.Status.Terminal() {
			return E(CodeAlreadyTerminal, "execution %s is %s", exec.ID, e.Status)
		}
		e.Status = storage.ExecutionCompleted
		e.CompletedAt = &now
		e.DurationMs = now.Sub(e.StartedAt).Milliseconds()
		if e.DurationMs < 0 {
			e.DurationMs = 0
		}
		return nil
	})
	if err != nil {
		if CodeOf(err) != CodeAlreadyTerminal {
			c.logger.Error("complete execution", "execution_id", exec.ID, "error", err)
		}
		return
	}
	c.events.Emit(event.Event{
		Type:        event.ExecutionCompleted,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		Status:      string(updated.Status),
		DurationMs:  updated.DurationMs,
		At:          now,
	})
}

// failExecution transitions to failed with an error summary.
func (c *Coordinator) failExecution(ctx context.Context, exec *storage.Execution, kind Code, message string) {
	now := time.Now().UTC()
	updated, err := c.transition(ctx, exec.ID, func(e *storage.Execution) error {
		if e.Status.Terminal() {
			return E(CodeAlreadyTerminal, "execution %s is %s", exec.ID, e.Status)
		}
		e.Status = storage.ExecutionFailed
		e.CompletedAt = &now
		e.DurationMs = now.Sub(e.StartedAt).Milliseconds()
		if e.DurationMs < 0 {
			e.DurationMs = 0
		}
		e.ErrorKind = string(kind)
		e.ErrorMessage = message
		return nil
	})
	if err != nil {
		if CodeOf(err) != CodeAlreadyTerminal {
			c.logger.Error("fail execution", "execution_id", exec.ID, "error", err)
		}
		return
	}
	c.events.Emit(event.Event{
		Type:        event.ExecutionFailed,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		Status:      string(updated.Status),
		ErrorKind:   string(kind),
		DurationMs:  updated.DurationMs,
		At:          now,
	})
}

// finalizeCancelled closes out node rows after a cancellation signal.
// The execution row was already transitioned by CancelExecution or is
// being torn down by coordinator shutdown, in which case it stays
// running for recovery.
func (c *Coordinator) finalizeCancelled(executionID string, state map[string]*storage.NodeExecution) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := c.getExecution(ctx, executionID)
	if err != nil || exec.Status != storage.ExecutionCancelled {
		return
	}
	c.closeOpen(ctx, executionID, state, storage.NodeCancelled)
}

// closeOpen marks every non-terminal row in state with the status.
func (c *Coordinator) closeOpen(ctx context.Context, executionID string, state map[string]*storage.NodeExecution, status storage.NodeExecutionStatus) {
	for _, row := range state {
		if row.Status.Terminal() {
			continue
		}
		now := time.Now().UTC()
		row.Status = status
		row.CompletedAt = &now
		if err := c.store.UpsertNodeExecution(ctx, row); err != nil {
			c.logger.Warn("close node row", "execution_id", executionID, "node_id", row.NodeID, "error", err)
		}
	}
}

// closeOpenRows is closeOpen against the store for executions without a
// live session.
func (c *Coordinator) closeOpenRows(ctx context.Context, executionID string, status storage.NodeExecutionStatus) {
	rows, err := c.store.ListNodeExecutions(ctx, executionID)
	if err != nil {
		c.logger.Warn("list node rows", "execution_id", executionID, "error", err)
		return
	}
	state := make(map[string]*storage.NodeExecution, len(rows))
	for _, r := range rows {
		state[r.NodeID] = r
	}
	c.closeOpen(ctx, executionID, state, status)
}

func (c *Coordinator) writeSkipped(ctx context.Context, exec *storage.Execution, def *flow.Definition, nodeID string, seq int) *storage.NodeExecution {
	now := time.Now().UTC()
	nd := def.NodeByID(nodeID)
	row := &storage.NodeExecution{
		ExecutionID: exec.ID,
		NodeID:      nodeID,
		Status:      storage.NodeSkipped,
		Seq:         seq,
		StartedAt:   now,
		CompletedAt: &now,
	}
	if nd != nil {
		row.ComponentName = nd.Type
	}
	if err := c.store.UpsertNodeExecution(ctx, row); err != nil {
		c.logger.Warn("record skipped node", "execution_id", exec.ID, "node_id", nodeID, "error", err)
	}
	c.events.Emit(event.Event{
		Type:        event.NodeSkipped,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		NodeID:      nodeID,
		NodeType:    row.ComponentName,
		Status:      string(row.Status),
		At:          now,
	})
	return row
}

// transition applies a mutation to an execution under optimistic
// concurrency, retrying on conflicts.
func (c *Coordinator) transition(ctx context.Context, executionID string, mutate func(*storage.Execution) error) (*storage.Execution, error) {
	for attempt := 0; attempt < 5; attempt++ {
		exec, err := c.getExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if err := mutate(exec); err != nil {
			return nil, err
		}
		err = c.store.UpdateExecution(ctx, exec)
		if err == nil {
			return exec, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, Wrap(CodeDependencyFailure, err, "update execution %s", executionID)
		}
	}
	return nil, E(CodeDependencyFailure, "execution %s update kept conflicting", executionID)
}

func (c *Coordinator) getExecution(ctx context.Context, executionID string) (*storage.Execution, error) {
	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, E(CodeExecutionNotFound, "execution %s", executionID)
		}
		return nil, Wrap(CodeDependencyFailure, err, "get execution %s", executionID)
	}
	return exec, nil
}

func (c *Coordinator) loadDefinition(ctx context.Context, flowID string, version int) (*flow.Definition, error) {
	var (
		def *flow.Definition
		err error
	)
	if version > 0 {
		def, err = c.flows.GetVersion(ctx, flowID, version)
	} else {
		def, err = c.flows.GetPublishedVersion(ctx, flowID)
	}
	if err != nil {
		switch {
		case errors.Is(err, flow.ErrNoPublishedVersion):
			return nil, E(CodeNoPublishedVersion, "flow %s has no published version", flowID)
		case errors.Is(err, flow.ErrNotFound):
			return nil, E(CodeFlowNotFound, "flow %s", flowID)
		default:
			return nil, Wrap(CodeDependencyFailure, err, "load flow %s", flowID)
		}
	}
	return def, nil
}

// firstPaused returns the paused row with the smallest node id, or nil.
func firstPaused(state map[string]*storage.NodeExecution) *storage.NodeExecution {
	var found *storage.NodeExecution
	for _, row := range state {
		if row.Status != storage.NodePaused {
			continue
		}
		if found == nil || row.NodeID < found.NodeID {
			found = row
		}
	}
	return found
}

// planWave computes the next ready set and the nodes whose every
// incoming edge is suppressed. Runs to a fixpoint so skips propagate
// through chains of suppressed nodes.
func planWave(registry *node.Registry, def *flow.Definition, state map[string]*storage.NodeExecution) (ready []flow.Node, skipped []string) {
	resolved := make(map[string]*storage.NodeExecution, len(state))
	for k, v := range state {
		resolved[k] = v
	}

	for {
		changed := false
		for _, nd := range def.Nodes {
			if _, has := resolved[nd.ID]; has {
				continue
			}
			in := def.Incoming(nd.ID)
			if len(in) == 0 {
				// Roots dispatch once at the start; only triggers (or
				// unknown types, which must fail visibly) run.
				h := registry.Get(nd.Type)
				if h == nil || h.Descriptor().IsTrigger || nd.Disabled {
					ready = append(ready, nd)
					resolved[nd.ID] = &storage.NodeExecution{NodeID: nd.ID, Status: storage.NodeRunning}
				} else {
					skipped = append(skipped, nd.ID)
					resolved[nd.ID] = &storage.NodeExecution{NodeID: nd.ID, Status: storage.NodeSkipped}
				}
				changed = true
				continue
			}

			live, dead, waiting := 0, 0, 0
			for _, e := range in {
				switch edgeState(resolved[e.Source], e) {
				case edgeLive:
					live++
				case edgeDead:
					dead++
				default:
					waiting++
				}
			}
			switch {
			case waiting > 0:
				// Not decidable yet.
			case live > 0:
				ready = append(ready, nd)
				resolved[nd.ID] = &storage.NodeExecution{NodeID: nd.ID, Status: storage.NodeRunning}
				changed = true
			default:
				skipped = append(skipped, nd.ID)
				resolved[nd.ID] = &storage.NodeExecution{NodeID: nd.ID, Status: storage.NodeSkipped}
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	sort.Strings(skipped)
	return ready, skipped
}

type edgeStatus int

const (
	edgeWaiting edgeStatus = iota
	edgeLive
	edgeDead
)

// edgeState classifies one incoming edge against its source row.
func edgeState(src *storage.NodeExecution, e flow.Edge) edgeStatus {
	if src == nil {
		return edgeWaiting
	}
	switch src.Status {
	case storage.NodeCompleted:
		if node.HandleLive(src.Handles, e.SourceHandle) {
			return edgeLive
		}
		return edgeDead
	case storage.NodeFailed:
		// Failed-but-continue sources route only handles the dispatcher
		// marked live explicitly (the error handle), or everything when
		// no handle map was set.
		if src.Handles == nil {
			return edgeLive
		}
		if src.Handles[e.SourceHandle] {
			return edgeLive
		}
		return edgeDead
	case storage.NodeSkipped, storage.NodeCancelled:
		return edgeDead
	default:
		return edgeWaiting
	}
}
