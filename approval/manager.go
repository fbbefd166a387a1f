// Package approval implements the approval gate: it materializes
// approval rows when an execution pauses on an approval node, applies
// user decisions under the mode quorum rules, and resumes the execution
// on resolution. A background sweeper expires overdue approvals.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aiinpocket/n3n/engine"
	"github.com/aiinpocket/n3n/node"
	"github.com/aiinpocket/n3n/storage"
	"github.com/aiinpocket/n3n/value"
)

// Resumer re-enters a paused execution. Implemented by the coordinator.
type Resumer interface {
	ResumeExecution(ctx context.Context, executionID string, data value.Map, resumedBy string) (*storage.Execution, error)
}

// Manager owns approval rows and their resolution.
type Manager struct {
	store  storage.Store
	coord  Resumer
	logger *slog.Logger

	sweepInterval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Manager. sweepInterval <= 0 disables the expiry sweeper.
func New(store storage.Store, coord Resumer, logger *slog.Logger, sweepInterval time.Duration) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:         store,
		coord:         coord,
		logger:        logger,
		sweepInterval: sweepInterval,
	}
}

// OnPause matches the coordinator's pause hook: when a handler pauses
// on an approval, create the pending approval row from the resume
// condition.
func (m *Manager) OnPause(ctx context.Context, exec *storage.Execution, nodeID string, p node.Pause) {
	if p.Reason != node.PauseApproval {
		return
	}
	if _, err := m.store.FindPendingApproval(ctx, exec.ID, nodeID); err == nil {
		return // already gated, e.g. after crash recovery
	}

	a := &storage.ExecutionApproval{
		ID:                storage.NewID("appr"),
		ExecutionID:       exec.ID,
		NodeID:            nodeID,
		Mode:              storage.ApprovalMode(p.ResumeCondition.StringOr("mode", string(storage.ApprovalAny))),
		RequiredApprovers: p.ResumeCondition.IntOr("required_approvers", 1),
		Status:            storage.ApprovalPending,
		CreatedAt:         time.Now().UTC(),
	}
	if a.RequiredApprovers < 1 {
		a.RequiredApprovers = 1
	}
	if secs, ok := p.ResumeCondition.Int("expires_in_seconds"); ok && secs > 0 {
		exp := a.CreatedAt.Add(time.Duration(secs) * time.Second)
		a.ExpiresAt = &exp
	}
	if err := m.store.CreateApproval(ctx, a); err != nil {
		m.logger.Error("create approval", "execution_id", exec.ID, "node_id", nodeID, "error", err)
		return
	}
	m.logger.Info("approval gate opened",
		"approval_id", a.ID,
		"execution_id", exec.ID,
		"node_id", nodeID,
		"mode", a.Mode,
		"required_approvers", a.RequiredApprovers,
	)
}

// Act records one user's decision and resolves the approval when the
// mode's quorum is reached. Duplicate actors get ALREADY_ACTED; acting
// on a resolved approval gets ALREADY_RESOLVED.
func (m *Manager) Act(ctx context.Context, approvalID, userID, action, comment string) (*storage.ExecutionApproval, error) {
	if action != "approve" && action != "reject" {
		return nil, engine.E(engine.CodeInvalidConfig, "action must be approve or reject, got %q", action)
	}
	if userID == "" {
		return nil, engine.E(engine.CodeUnauthorized, "approval actions require a user")
	}

	a, err := m.getApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status != storage.ApprovalPending {
		return nil, engine.E(engine.CodeAlreadyResolved, "approval %s is %s", approvalID, a.Status)
	}
	if exec, err := m.store.GetExecution(ctx, a.ExecutionID); err == nil && exec.Status.Terminal() {
		// The execution ended without resolving the gate. Close the
		// orphaned row instead of recording a decision nobody can act on.
		now := time.Now().UTC()
		a.Status = storage.ApprovalCancelled
		a.ResolvedAt = &now
		if uerr := m.store.UpdateApproval(ctx, a); uerr != nil {
			m.logger.Warn("close orphaned approval", "approval_id", a.ID, "error", uerr)
		}
		return nil, engine.E(engine.CodeAlreadyResolved, "execution %s is %s", a.ExecutionID, exec.Status)
	}

	act := &storage.ApprovalAction{
		ApprovalID: approvalID,
		UserID:     userID,
		Action:     action,
		Comment:    comment,
		ActedAt:    time.Now().UTC(),
	}
	if err := m.store.AddApprovalAction(ctx, act); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, engine.E(engine.CodeAlreadyActed, "user %s already acted on approval %s", userID, approvalID)
		}
		return nil, engine.Wrap(engine.CodeDependencyFailure, err, "record approval action")
	}

	// Counters derive from the action rows so a crash between the two
	// writes cannot desynchronize them.
	for attempt := 0; attempt < 5; attempt++ {
		actions, err := m.store.ListApprovalActions(ctx, approvalID)
		if err != nil {
			return nil, engine.Wrap(engine.CodeDependencyFailure, err, "list approval actions")
		}
		a.ApprovedCount, a.RejectedCount = tally(actions)

		decision := evaluate(a)
		if decision != storage.ApprovalPending {
			now := time.Now().UTC()
			a.Status = decision
			a.ResolvedAt = &now
		}

		err = m.store.UpdateApproval(ctx, a)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, engine.Wrap(engine.CodeDependencyFailure, err, "update approval")
		}
		if a, err = m.getApproval(ctx, approvalID); err != nil {
			return nil, err
		}
		if a.Status != storage.ApprovalPending {
			return a, nil // another actor resolved it first
		}
	}

	if a.Status == storage.ApprovalApproved || a.Status == storage.ApprovalRejected {
		m.resume(ctx, a)
	}
	return a, nil
}

// CancelFor marks the pending approval of an execution cancelled, e.g.
// when the execution itself is cancelled.
func (m *Manager) CancelFor(ctx context.Context, executionID string) {
	pending, err := m.store.ListPendingApprovals(ctx)
	if err != nil {
		m.logger.Warn("list pending approvals", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, a := range pending {
		if a.ExecutionID != executionID {
			continue
		}
		a.Status = storage.ApprovalCancelled
		a.ResolvedAt = &now
		if err := m.store.UpdateApproval(ctx, a); err != nil {
			m.logger.Warn("cancel approval", "approval_id", a.ID, "error", err)
		}
	}
}

// Sweep expires pending approvals whose deadline has passed and resumes
// their executions with an expired decision.
func (m *Manager) Sweep(ctx context.Context) error {
	pending, err := m.store.ListPendingApprovals(ctx)
	if err != nil {
		return fmt.Errorf("list pending approvals: %w", err)
	}
	now := time.Now().UTC()
	for _, a := range pending {
		if a.ExpiresAt == nil || now.Before(*a.ExpiresAt) {
			continue
		}
		a.Status = storage.ApprovalExpired
		a.ResolvedAt = &now
		if err := m.store.UpdateApproval(ctx, a); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue // a racing action resolved it
			}
			m.logger.Error("expire approval", "approval_id", a.ID, "error", err)
			continue
		}
		m.logger.Info("approval expired", "approval_id", a.ID, "execution_id", a.ExecutionID)
		m.resume(ctx, a)
	}
	return nil
}

// Start launches the periodic expiry sweeper.
func (m *Manager) Start(ctx context.Context) error {
	if m.sweepInterval <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return errors.New("approval manager already started")
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if err := m.Sweep(sweepCtx); err != nil {
					m.logger.Error("approval sweep", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the sweeper.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("approval sweeper stop timed out")
	}
}

func (m *Manager) resume(ctx context.Context, a *storage.ExecutionApproval) {
	actions, err := m.store.ListApprovalActions(ctx, a.ID)
	if err != nil {
		m.logger.Error("list approval actions for resume", "approval_id", a.ID, "error", err)
		actions = nil
	}
	acted := make([]any, 0, len(actions))
	for _, act := range actions {
		acted = append(acted, value.Map{
			"user_id":  act.UserID,
			"action":   act.Action,
			"comment":  act.Comment,
			"acted_at": act.ActedAt.Format(time.RFC3339),
		})
	}
	data := value.Map{
		"decision":       decisionName(a.Status),
		"approved":       a.Status == storage.ApprovalApproved,
		"approved_count": a.ApprovedCount,
		"rejected_count": a.RejectedCount,
		"actions":        acted,
	}
	if _, err := m.coord.ResumeExecution(ctx, a.ExecutionID, data, "approval:"+a.ID); err != nil {
		m.logger.Error("resume after approval",
			"approval_id", a.ID,
			"execution_id", a.ExecutionID,
			"decision", a.Status,
			"error", err,
		)
	}
}

func (m *Manager) getApproval(ctx context.Context, approvalID string) (*storage.ExecutionApproval, error) {
	a, err := m.store.GetApproval(ctx, approvalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, engine.E(engine.CodeExecutionNotFound, "approval %s", approvalID)
		}
		return nil, engine.Wrap(engine.CodeDependencyFailure, err, "get approval %s", approvalID)
	}
	return a, nil
}

func tally(actions []*storage.ApprovalAction) (approved, rejected int) {
	for _, a := range actions {
		if a.Action == "approve" {
			approved++
		} else {
			rejected++
		}
	}
	return approved, rejected
}

// evaluate applies the quorum rules for the approval mode.
func evaluate(a *storage.ExecutionApproval) storage.ApprovalStatus {
	switch a.Mode {
	case storage.ApprovalAll:
		if a.RejectedCount > 0 {
			return storage.ApprovalRejected
		}
		if a.ApprovedCount >= a.RequiredApprovers {
			return storage.ApprovalApproved
		}
	case storage.ApprovalMajority:
		if a.RejectedCount*2 > a.RequiredApprovers {
			return storage.ApprovalRejected
		}
		if a.ApprovedCount*2 > a.RequiredApprovers {
			return storage.ApprovalApproved
		}
	default: // any
		if a.RejectedCount > 0 {
			return storage.ApprovalRejected
		}
		if a.ApprovedCount > 0 {
			return storage.ApprovalApproved
		}
	}
	return storage.ApprovalPending
}

func decisionName(s storage.ApprovalStatus) string {
	switch s {
	case storage.ApprovalApproved:
		return "approved"
	case storage.ApprovalRejected:
		return "rejected"
	case storage.ApprovalExpired:
		return "expired"
	default:
		return string(s)
	}
}
