package storage

import (
	"context"
	"time"
)

// ExecutionFilter narrows execution listings.
type ExecutionFilter struct {
	FlowID string
	Status ExecutionStatus
	Limit  int
}

// Store is the durable store contract the engine, trigger ingress,
// approval gate and housekeeping share. All writes to one Execution
// serialize through optimistic concurrency on the entity Revision:
// Update* calls return ErrConflict when the revision is stale and the
// caller re-reads and retries.
type Store interface {
	// Executions.
	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	// UpdateExecution writes e if e.Revision matches the stored row and
	// bumps e.Revision on success.
	UpdateExecution(ctx context.Context, e *Execution) error
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error)
	// CountActiveExecutions counts executions of a flow in pending,
	// running or paused status. Used for the scheduled-trigger cap.
	CountActiveExecutions(ctx context.Context, flowID string) (int, error)
	// TerminalExecutionsBefore pages executions in terminal statuses
	// whose StartedAt precedes the cutoff, oldest first.
	TerminalExecutionsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Execution, error)
	// DeleteExecution removes the execution and its node executions.
	DeleteExecution(ctx context.Context, id string) error

	// Node executions, keyed by (executionID, nodeID).
	UpsertNodeExecution(ctx context.Context, n *NodeExecution) error
	GetNodeExecution(ctx context.Context, executionID, nodeID string) (*NodeExecution, error)
	// ListNodeExecutions returns all rows for an execution in dispatch
	// (Seq) order.
	ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error)

	// Approvals.
	CreateApproval(ctx context.Context, a *ExecutionApproval) error
	GetApproval(ctx context.Context, id string) (*ExecutionApproval, error)
	// FindPendingApproval returns the pending approval for the pair, or
	// ErrNotFound.
	FindPendingApproval(ctx context.Context, executionID, nodeID string) (*ExecutionApproval, error)
	UpdateApproval(ctx context.Context, a *ExecutionApproval) error
	ListPendingApprovals(ctx context.Context) ([]*ExecutionApproval, error)
	// AddApprovalAction appends an action; returns ErrDuplicate when the
	// (approvalID, userID) pair already acted.
	AddApprovalAction(ctx context.Context, a *ApprovalAction) error
	ListApprovalActions(ctx context.Context, approvalID string) ([]*ApprovalAction, error)

	// Form triggers and submissions.
	CreateFormTrigger(ctx context.Context, f *FormTrigger) error
	GetFormTrigger(ctx context.Context, token string) (*FormTrigger, error)
	UpdateFormTrigger(ctx context.Context, f *FormTrigger) error
	CreateFormSubmission(ctx context.Context, s *FormSubmission) error
	// FindFormSubmission returns the submission recorded for an in-flow
	// form node, or ErrNotFound.
	FindFormSubmission(ctx context.Context, executionID, nodeID string) (*FormSubmission, error)

	// Webhooks, keyed by (path, method).
	PutWebhook(ctx context.Context, w *Webhook) error
	GetWebhook(ctx context.Context, path, method string) (*Webhook, error)
	ListWebhooks(ctx context.Context) ([]*Webhook, error)
	DeleteWebhook(ctx context.Context, path, method string) error

	// Schedules.
	PutSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context) ([]*Schedule, error)

	// Housekeeping.
	CreateHousekeepingJob(ctx context.Context, j *HousekeepingJob) error
	UpdateHousekeepingJob(ctx context.Context, j *HousekeepingJob) error
	// RunningHousekeepingJob returns the running job of a type, or
	// ErrNotFound when none is running.
	RunningHousekeepingJob(ctx context.Context, jobType string) (*HousekeepingJob, error)
	ListHousekeepingJobs(ctx context.Context, limit int) ([]*HousekeepingJob, error)

	// History.
	ArchiveExecution(ctx context.Context, h *ExecutionHistory) error
	ListHistoryBefore(ctx context.Context, cutoff time.Time, limit int) ([]*ExecutionHistory, error)
	DeleteHistory(ctx context.Context, executionID string) error
	CountHistory(ctx context.Context) (int, error)
}
