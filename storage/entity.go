// Package storage provides durable entity storage for the workflow engine
// using NATS KV. Every entity is one row keyed by its id; writes to hot
// rows use optimistic concurrency on the KV revision.
package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aiinpocket/n3n/value"
)

// EntityType represents the type of entity stored in KV.
type EntityType string

const (
	EntityTypeExecution      EntityType = "execution"
	EntityTypeNodeExecution  EntityType = "node_execution"
	EntityTypeApproval       EntityType = "approval"
	EntityTypeApprovalAction EntityType = "approval_action"
	EntityTypeFormTrigger    EntityType = "form_trigger"
	EntityTypeFormSubmission EntityType = "form_submission"
	EntityTypeWebhook        EntityType = "webhook"
	EntityTypeSchedule       EntityType = "schedule"
	EntityTypeHousekeeping   EntityType = "housekeeping_job"
	EntityTypeHistory        EntityType = "execution_history"
)

// Bucket names for each entity type.
const (
	BucketExecutions      = "N3N_EXECUTIONS"
	BucketNodeExecutions  = "N3N_NODE_EXECUTIONS"
	BucketApprovals       = "N3N_APPROVALS"
	BucketApprovalActions = "N3N_APPROVAL_ACTIONS"
	BucketFormTriggers    = "N3N_FORM_TRIGGERS"
	BucketFormSubmissions = "N3N_FORM_SUBMISSIONS"
	BucketWebhooks        = "N3N_WEBHOOKS"
	BucketSchedules       = "N3N_SCHEDULES"
	BucketHousekeeping    = "N3N_HOUSEKEEPING"
	BucketHistory         = "N3N_HISTORY"
)

// NewID generates a new unique entity id with a short type prefix, e.g.
// "exec-5f0c...".
func NewID(prefix string) string {
	return prefix + "-" + uuid.New().String()
}

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// TriggerType names how an execution was started.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerWebhook  TriggerType = "webhook"
	TriggerSchedule TriggerType = "schedule"
	TriggerForm     TriggerType = "form"
	TriggerRetry    TriggerType = "retry"
)

// Execution is one run of a flow version from trigger to terminal status.
type Execution struct {
	ID            string          `json:"id"`
	FlowID        string          `json:"flow_id"`
	FlowVersionID string          `json:"flow_version_id"`
	Status        ExecutionStatus `json:"status"`

	TriggerType    TriggerType `json:"trigger_type"`
	TriggerInput   value.Map   `json:"trigger_input,omitempty"`
	TriggerContext value.Map   `json:"trigger_context,omitempty"`
	TriggeredBy    string      `json:"triggered_by,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`

	// Retry chain fields.
	RetryOf    string `json:"retry_of,omitempty"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`

	// Pause fields, set while Status == paused.
	PausedAt        *time.Time `json:"paused_at,omitempty"`
	WaitingNodeID   string     `json:"waiting_node_id,omitempty"`
	PauseReason     string     `json:"pause_reason,omitempty"`
	ResumeCondition value.Map  `json:"resume_condition,omitempty"`

	// Cancellation fields.
	CancelReason string     `json:"cancel_reason,omitempty"`
	CancelledBy  string     `json:"cancelled_by,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`

	// Failure summary for terminal failed executions.
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Revision is the store's optimistic concurrency token. Zero on
	// create; the store rejects updates with a stale revision.
	Revision uint64 `json:"-"`
}

// CanRetry reports whether a new retry execution may be derived.
func (e *Execution) CanRetry() bool {
	return (e.Status == ExecutionFailed || e.Status == ExecutionCancelled) &&
		e.RetryCount < e.MaxRetries
}

// NodeExecutionStatus is the lifecycle state of one node attempt.
type NodeExecutionStatus string

const (
	NodePending   NodeExecutionStatus = "pending"
	NodeRunning   NodeExecutionStatus = "running"
	NodePaused    NodeExecutionStatus = "paused"
	NodeCompleted NodeExecutionStatus = "completed"
	NodeFailed    NodeExecutionStatus = "failed"
	NodeSkipped   NodeExecutionStatus = "skipped"
	NodeCancelled NodeExecutionStatus = "cancelled"
)

// Terminal reports whether the node state admits no further transitions.
func (s NodeExecutionStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// NodeExecution is one attempt by the engine to run a single node within
// an execution. The (ExecutionID, NodeID) pair is unique.
type NodeExecution struct {
	ExecutionID      string              `json:"execution_id"`
	NodeID           string              `json:"node_id"`
	ComponentName    string              `json:"component_name"`
	ComponentVersion string              `json:"component_version,omitempty"`
	Status           NodeExecutionStatus `json:"status"`

	// Seq is the dispatch order within the execution, for ordered reads.
	Seq int `json:"seq"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`

	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorStack   string `json:"error_stack,omitempty"`
	RetryCount   int    `json:"retry_count"`

	Output value.Map `json:"output,omitempty"`
	// Handles records the live outgoing handles from a completed node.
	Handles map[string]bool `json:"handles,omitempty"`

	// Pause fields, set while Status == paused. The row keeps its own
	// copy so recovery can rebuild the gate when the execution pause
	// transition never landed.
	PauseReason     string    `json:"pause_reason,omitempty"`
	ResumeCondition value.Map `json:"resume_condition,omitempty"`

	Revision uint64 `json:"-"`
}

// Key returns the composite storage key for the pair.
func (n *NodeExecution) Key() string {
	return NodeExecutionKey(n.ExecutionID, n.NodeID)
}

// NodeExecutionKey builds the composite key for (executionID, nodeID).
func NodeExecutionKey(executionID, nodeID string) string {
	return executionID + "." + nodeID
}

// ApprovalMode decides how approval actions resolve the gate.
type ApprovalMode string

const (
	ApprovalAny      ApprovalMode = "any"
	ApprovalAll      ApprovalMode = "all"
	ApprovalMajority ApprovalMode = "majority"
)

// ApprovalStatus is the lifecycle of an approval gate.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// ExecutionApproval gates a paused execution at a node until enough
// decisions arrive. At most one pending approval exists per
// (ExecutionID, NodeID).
type ExecutionApproval struct {
	ID          string `json:"id"`
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`

	Mode              ApprovalMode   `json:"mode"`
	RequiredApprovers int            `json:"required_approvers"`
	Status            ApprovalStatus `json:"status"`
	ApprovedCount     int            `json:"approved_count"`
	RejectedCount     int            `json:"rejected_count"`

	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	Revision uint64 `json:"-"`
}

// ApprovalAction is one user's immutable decision on an approval.
type ApprovalAction struct {
	ApprovalID string    `json:"approval_id"`
	UserID     string    `json:"user_id"`
	Action     string    `json:"action"` // approve | reject
	Comment    string    `json:"comment,omitempty"`
	ActedAt    time.Time `json:"acted_at"`
}

// Key returns the composite storage key enforcing one action per user.
func (a *ApprovalAction) Key() string {
	return a.ApprovalID + "." + sanitizeKeySegment(a.UserID)
}

// FormTrigger is the registration of a public form that starts or resumes
// a flow. The token is globally unique.
type FormTrigger struct {
	Token  string `json:"token"`
	FlowID string `json:"flow_id"`
	NodeID string `json:"node_id"`

	Config value.Map `json:"config,omitempty"`

	IsActive        bool       `json:"is_active"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	MaxSubmissions  int        `json:"max_submissions"` // 0 = unlimited
	SubmissionCount int        `json:"submission_count"`

	CreatedAt time.Time `json:"created_at"`
	Revision  uint64    `json:"-"`
}

// CanAcceptSubmission applies the lifecycle gate: active, unexpired, and
// below the submission cap.
func (f *FormTrigger) CanAcceptSubmission(now time.Time) bool {
	if !f.IsActive {
		return false
	}
	if f.ExpiresAt != nil && !now.Before(*f.ExpiresAt) {
		return false
	}
	if f.MaxSubmissions > 0 && f.SubmissionCount >= f.MaxSubmissions {
		return false
	}
	return true
}

// FormSubmission records one submitted payload, either anonymous for
// trigger forms or tied to (ExecutionID, NodeID) for in-flow forms.
type FormSubmission struct {
	ID          string `json:"id"`
	Token       string `json:"token,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	NodeID      string `json:"node_id,omitempty"`

	Payload value.Map `json:"payload"`

	SubmittedBy string    `json:"submitted_by,omitempty"`
	SubmittedIP string    `json:"submitted_ip,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// WebhookAuthType selects the webhook authentication scheme.
type WebhookAuthType string

const (
	WebhookAuthNone   WebhookAuthType = "none"
	WebhookAuthHMAC   WebhookAuthType = "hmac"
	WebhookAuthBearer WebhookAuthType = "bearer"
)

// Webhook maps an ingress (path, method) pair to a flow.
type Webhook struct {
	Path     string          `json:"path"`
	Method   string          `json:"method"`
	FlowID   string          `json:"flow_id"`
	AuthType WebhookAuthType `json:"auth_type"`
	// AuthConfig holds the secret or token for hmac/bearer auth.
	AuthConfig value.Map `json:"auth_config,omitempty"`
	IsActive   bool      `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	Revision  uint64    `json:"-"`
}

// Key returns the composite storage key for (path, method).
func (w *Webhook) Key() string {
	return WebhookKey(w.Path, w.Method)
}

// WebhookKey builds the composite key for a (path, method) pair. The
// path is sanitized so slashes survive as a KV key segment.
func WebhookKey(path, method string) string {
	return sanitizeKeySegment(path) + "." + strings.ToUpper(method)
}

// Schedule fires a flow on a cron expression or fixed interval.
type Schedule struct {
	ID     string `json:"id"`
	FlowID string `json:"flow_id"`
	UserID string `json:"user_id,omitempty"`

	// Exactly one of CronExpression or IntervalMs is set.
	CronExpression string `json:"cron_expression,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	IntervalMs     int64  `json:"interval_ms,omitempty"`

	Paused    bool      `json:"paused"`
	CreatedAt time.Time `json:"created_at"`
	Revision  uint64    `json:"-"`
}

// HousekeepingStatus is the lifecycle of a housekeeping run.
type HousekeepingStatus string

const (
	HousekeepingRunning   HousekeepingStatus = "running"
	HousekeepingCompleted HousekeepingStatus = "completed"
	HousekeepingFailed    HousekeepingStatus = "failed"
)

// HousekeepingJob records one archival/retention run.
type HousekeepingJob struct {
	ID      string             `json:"id"`
	JobType string             `json:"job_type"`
	Status  HousekeepingStatus `json:"status"`

	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	ScannedCount  int        `json:"scanned_count"`
	DeletedCount  int        `json:"deleted_count"`
	ArchivedCount int        `json:"archived_count"`
	BatchCount    int        `json:"batch_count"`
	Error         string     `json:"error,omitempty"`

	Revision uint64 `json:"-"`
}

// ExecutionHistory is the archived form of a terminal execution.
type ExecutionHistory struct {
	ExecutionID   string          `json:"execution_id"`
	FlowID        string          `json:"flow_id"`
	FlowVersionID string          `json:"flow_version_id"`
	Status        ExecutionStatus `json:"status"`
	TriggerType   TriggerType     `json:"trigger_type"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	DurationMs    int64           `json:"duration_ms,omitempty"`
	NodeCount     int             `json:"node_count"`
	ArchivedAt    time.Time       `json:"archived_at"`
}

// sanitizeKeySegment makes an arbitrary string safe as a KV key segment.
func sanitizeKeySegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteString(fmt.Sprintf("%%%02x", r))
		}
	}
	return b.String()
}
