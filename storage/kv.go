package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// KVStore implements Store on NATS JetStream KV, one bucket per entity
// type. Hot rows (executions, approvals, form triggers) carry the KV
// revision as their optimistic concurrency token.
type KVStore struct {
	executions      jetstream.KeyValue
	nodeExecutions  jetstream.KeyValue
	approvals       jetstream.KeyValue
	approvalActions jetstream.KeyValue
	formTriggers    jetstream.KeyValue
	formSubmissions jetstream.KeyValue
	webhooks        jetstream.KeyValue
	schedules       jetstream.KeyValue
	housekeeping    jetstream.KeyValue
	history         jetstream.KeyValue
}

var _ Store = (*KVStore)(nil)

// NewKVStore creates a KVStore with the given JetStream context,
// creating the KV buckets if they don't exist.
func NewKVStore(ctx context.Context, js jetstream.JetStream) (*KVStore, error) {
	s := &KVStore{}
	for _, b := range []struct {
		name string
		kv   *jetstream.KeyValue
	}{
		{BucketExecutions, &s.executions},
		{BucketNodeExecutions, &s.nodeExecutions},
		{BucketApprovals, &s.approvals},
		{BucketApprovalActions, &s.approvalActions},
		{BucketFormTriggers, &s.formTriggers},
		{BucketFormSubmissions, &s.formSubmissions},
		{BucketWebhooks, &s.webhooks},
		{BucketSchedules, &s.schedules},
		{BucketHousekeeping, &s.housekeeping},
		{BucketHistory, &s.history},
	} {
		kv, err := getOrCreateBucket(ctx, js, b.name)
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", b.name, err)
		}
		*b.kv = kv
	}
	return s, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("n3n %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// --- executions ---

func (s *KVStore) CreateExecution(ctx context.Context, e *Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	rev, err := s.executions.Create(ctx, e.ID, data)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrDuplicate
		}
		return fmt.Errorf("store execution: %w", err)
	}
	e.Revision = rev
	return nil
}

func (s *KVStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	entry, err := s.executions.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	var e Execution
	if err := json.Unmarshal(entry.Value(), &e); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	e.Revision = entry.Revision()
	return &e, nil
}

func (s *KVStore) UpdateExecution(ctx context.Context, e *Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	rev, err := s.executions.Update(ctx, e.ID, data, e.Revision)
	if err != nil {
		if isWrongRevision(err) {
			return ErrConflict
		}
		return fmt.Errorf("update execution: %w", err)
	}
	e.Revision = rev
	return nil
}

func (s *KVStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error) {
	keys, err := s.allKeys(ctx, s.executions)
	if err != nil {
		return nil, err
	}

	out := make([]*Execution, 0, len(keys))
	for _, key := range keys {
		entry, err := s.executions.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var e Execution
		if err := json.Unmarshal(entry.Value(), &e); err != nil {
			continue
		}
		if f.FlowID != "" && e.FlowID != f.FlowID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		e.Revision = entry.Revision()
		out = append(out, &e)
	}

	// Newest first, the order the API lists them in.
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *KVStore) CountActiveExecutions(ctx context.Context, flowID string) (int, error) {
	all, err := s.ListExecutions(ctx, ExecutionFilter{FlowID: flowID})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range all {
		if !e.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

func (s *KVStore) TerminalExecutionsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Execution, error) {
	all, err := s.ListExecutions(ctx, ExecutionFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]*Execution, 0, limit)
	for _, e := range all {
		if e.Status.Terminal() && e.StartedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *KVStore) DeleteExecution(ctx context.Context, id string) error {
	keys, err := s.allKeys(ctx, s.nodeExecutions)
	if err != nil {
		return err
	}
	prefix := id + "."
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			if err := s.nodeExecutions.Delete(ctx, key); err != nil && !isNotFound(err) {
				return fmt.Errorf("delete node execution %s: %w", key, err)
			}
		}
	}
	if err := s.executions.Delete(ctx, id); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete execution: %w", err)
	}
	return nil
}

// --- node executions ---

func (s *KVStore) UpsertNodeExecution(ctx context.Context, n *NodeExecution) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal node execution: %w", err)
	}
	rev, err := s.nodeExecutions.Put(ctx, n.Key(), data)
	if err != nil {
		return fmt.Errorf("store node execution: %w", err)
	}
	n.Revision = rev
	return nil
}

func (s *KVStore) GetNodeExecution(ctx context.Context, executionID, nodeID string) (*NodeExecution, error) {
	entry, err := s.nodeExecutions.Get(ctx, NodeExecutionKey(executionID, nodeID))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get node execution: %w", err)
	}
	var n NodeExecution
	if err := json.Unmarshal(entry.Value(), &n); err != nil {
		return nil, fmt.Errorf("unmarshal node execution: %w", err)
	}
	n.Revision = entry.Revision()
	return &n, nil
}

func (s *KVStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error) {
	keys, err := s.allKeys(ctx, s.nodeExecutions)
	if err != nil {
		return nil, err
	}
	prefix := executionID + "."
	out := make([]*NodeExecution, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.nodeExecutions.Get(ctx, key)
		if err != nil {
			continue
		}
		var n NodeExecution
		if err := json.Unmarshal(entry.Value(), &n); err != nil {
			continue
		}
		n.Revision = entry.Revision()
		out = append(out, &n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// --- approvals ---

func (s *KVStore) CreateApproval(ctx context.Context, a *ExecutionApproval) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	rev, err := s.approvals.Create(ctx, a.ID, data)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrDuplicate
		}
		return fmt.Errorf("store approval: %w", err)
	}
	a.Revision = rev
	return nil
}

func (s *KVStore) GetApproval(ctx context.Context, id string) (*ExecutionApproval, error) {
	entry, err := s.approvals.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get approval: %w", err)
	}
	var a ExecutionApproval
	if err := json.Unmarshal(entry.Value(), &a); err != nil {
		return nil, fmt.Errorf("unmarshal approval: %w", err)
	}
	a.Revision = entry.Revision()
	return &a, nil
}

func (s *KVStore) FindPendingApproval(ctx context.Context, executionID, nodeID string) (*ExecutionApproval, error) {
	pending, err := s.ListPendingApprovals(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range pending {
		if a.ExecutionID == executionID && a.NodeID == nodeID {
			return a, nil
		}
	}
	return nil, ErrNotFound
}

func (s *KVStore) UpdateApproval(ctx context.Context, a *ExecutionApproval) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	rev, err := s.approvals.Update(ctx, a.ID, data, a.Revision)
	if err != nil {
		if isWrongRevision(err) {
			return ErrConflict
		}
		return fmt.Errorf("update approval: %w", err)
	}
	a.Revision = rev
	return nil
}

func (s *KVStore) ListPendingApprovals(ctx context.Context) ([]*ExecutionApproval, error) {
	keys, err := s.allKeys(ctx, s.approvals)
	if err != nil {
		return nil, err
	}
	out := make([]*ExecutionApproval, 0)
	for _, key := range keys {
		entry, err := s.approvals.Get(ctx, key)
		if err != nil {
			continue
		}
		var a ExecutionApproval
		if err := json.Unmarshal(entry.Value(), &a); err != nil {
			continue
		}
		if a.Status != ApprovalPending {
			continue
		}
		a.Revision = entry.Revision()
		out = append(out, &a)
	}
	return out, nil
}

func (s *KVStore) AddApprovalAction(ctx context.Context, a *ApprovalAction) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal approval action: %w", err)
	}
	if _, err := s.approvalActions.Create(ctx, a.Key(), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrDuplicate
		}
		return fmt.Errorf("store approval action: %w", err)
	}
	return nil
}

func (s *KVStore) ListApprovalActions(ctx context.Context, approvalID string) ([]*ApprovalAction, error) {
	keys, err := s.allKeys(ctx, s.approvalActions)
	if err != nil {
		return nil, err
	}
	prefix := approvalID + "."
	out := make([]*ApprovalAction, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.approvalActions.Get(ctx, key)
		if err != nil {
			continue
		}
		var a ApprovalAction
		if err := json.Unmarshal(entry.Value(), &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActedAt.Before(out[j].ActedAt) })
	return out, nil
}

// --- form triggers and submissions ---

func (s *KVStore) CreateFormTrigger(ctx context.Context, f *FormTrigger) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal form trigger: %w", err)
	}
	rev, err := s.formTriggers.Create(ctx, f.Token, data)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrDuplicate
		}
		return fmt.Errorf("store form trigger: %w", err)
	}
	f.Revision = rev
	return nil
}

func (s *KVStore) GetFormTrigger(ctx context.Context, token string) (*FormTrigger, error) {
	entry, err := s.formTriggers.Get(ctx, token)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get form trigger: %w", err)
	}
	var f FormTrigger
	if err := json.Unmarshal(entry.Value(), &f); err != nil {
		return nil, fmt.Errorf("unmarshal form trigger: %w", err)
	}
	f.Revision = entry.Revision()
	return &f, nil
}

func (s *KVStore) UpdateFormTrigger(ctx context.Context, f *FormTrigger) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal form trigger: %w", err)
	}
	rev, err := s.formTriggers.Update(ctx, f.Token, data, f.Revision)
	if err != nil {
		if isWrongRevision(err) {
			return ErrConflict
		}
		return fmt.Errorf("update form trigger: %w", err)
	}
	f.Revision = rev
	return nil
}

func (s *KVStore) CreateFormSubmission(ctx context.Context, sub *FormSubmission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal form submission: %w", err)
	}
	if _, err := s.formSubmissions.Create(ctx, sub.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrDuplicate
		}
		return fmt.Errorf("store form submission: %w", err)
	}
	return nil
}

func (s *KVStore) FindFormSubmission(ctx context.Context, executionID, nodeID string) (*FormSubmission, error) {
	keys, err := s.allKeys(ctx, s.formSubmissions)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		entry, err := s.formSubmissions.Get(ctx, key)
		if err != nil {
			continue
		}
		var sub FormSubmission
		if err := json.Unmarshal(entry.Value(), &sub); err != nil {
			continue
		}
		if sub.ExecutionID == executionID && sub.NodeID == nodeID {
			return &sub, nil
		}
	}
	return nil, ErrNotFound
}

// --- webhooks ---

func (s *KVStore) PutWebhook(ctx context.Context, w *Webhook) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal webhook: %w", err)
	}
	rev, err := s.webhooks.Put(ctx, w.Key(), data)
	if err != nil {
		return fmt.Errorf("store webhook: %w", err)
	}
	w.Revision = rev
	return nil
}

func (s *KVStore) GetWebhook(ctx context.Context, path, method string) (*Webhook, error) {
	entry, err := s.webhooks.Get(ctx, WebhookKey(path, method))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	var w Webhook
	if err := json.Unmarshal(entry.Value(), &w); err != nil {
		return nil, fmt.Errorf("unmarshal webhook: %w", err)
	}
	w.Revision = entry.Revision()
	return &w, nil
}

func (s *KVStore) ListWebhooks(ctx context.Context) ([]*Webhook, error) {
	keys, err := s.allKeys(ctx, s.webhooks)
	if err != nil {
		return nil, err
	}
	out := make([]*Webhook, 0, len(keys))
	for _, key := range keys {
		entry, err := s.webhooks.Get(ctx, key)
		if err != nil {
			continue
		}
		var w Webhook
		if err := json.Unmarshal(entry.Value(), &w); err != nil {
			continue
		}
		w.Revision = entry.Revision()
		out = append(out, &w)
	}
	return out, nil
}

func (s *KVStore) DeleteWebhook(ctx context.Context, path, method string) error {
	if err := s.webhooks.Delete(ctx, WebhookKey(path, method)); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

// --- schedules ---

func (s *KVStore) PutSchedule(ctx context.Context, sched *Schedule) error {
	data, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	rev, err := s.schedules.Put(ctx, sched.ID, data)
	if err != nil {
		return fmt.Errorf("store schedule: %w", err)
	}
	sched.Revision = rev
	return nil
}

func (s *KVStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	entry, err := s.schedules.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	var sched Schedule
	if err := json.Unmarshal(entry.Value(), &sched); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}
	sched.Revision = entry.Revision()
	return &sched, nil
}

func (s *KVStore) DeleteSchedule(ctx context.Context, id string) error {
	if err := s.schedules.Delete(ctx, id); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

func (s *KVStore) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	keys, err := s.allKeys(ctx, s.schedules)
	if err != nil {
		return nil, err
	}
	out := make([]*Schedule, 0, len(keys))
	for _, key := range keys {
		entry, err := s.schedules.Get(ctx, key)
		if err != nil {
			continue
		}
		var sched Schedule
		if err := json.Unmarshal(entry.Value(), &sched); err != nil {
			continue
		}
		sched.Revision = entry.Revision()
		out = append(out, &sched)
	}
	return out, nil
}

// --- housekeeping ---

func (s *KVStore) CreateHousekeepingJob(ctx context.Context, j *HousekeepingJob) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal housekeeping job: %w", err)
	}
	rev, err := s.housekeeping.Create(ctx, j.ID, data)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrDuplicate
		}
		return fmt.Errorf("store housekeeping job: %w", err)
	}
	j.Revision = rev
	return nil
}

func (s *KVStore) UpdateHousekeepingJob(ctx context.Context, j *HousekeepingJob) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal housekeeping job: %w", err)
	}
	rev, err := s.housekeeping.Update(ctx, j.ID, data, j.Revision)
	if err != nil {
		if isWrongRevision(err) {
			return ErrConflict
		}
		return fmt.Errorf("update housekeeping job: %w", err)
	}
	j.Revision = rev
	return nil
}

func (s *KVStore) RunningHousekeepingJob(ctx context.Context, jobType string) (*HousekeepingJob, error) {
	jobs, err := s.ListHousekeepingJobs(ctx, 0)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.JobType == jobType && j.Status == HousekeepingRunning {
			return j, nil
		}
	}
	return nil, ErrNotFound
}

func (s *KVStore) ListHousekeepingJobs(ctx context.Context, limit int) ([]*HousekeepingJob, error) {
	keys, err := s.allKeys(ctx, s.housekeeping)
	if err != nil {
		return nil, err
	}
	out := make([]*HousekeepingJob, 0, len(keys))
	for _, key := range keys {
		entry, err := s.housekeeping.Get(ctx, key)
		if err != nil {
			continue
		}
		var j HousekeepingJob
		if err := json.Unmarshal(entry.Value(), &j); err != nil {
			continue
		}
		j.Revision = entry.Revision()
		out = append(out, &j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- history ---

func (s *KVStore) ArchiveExecution(ctx context.Context, h *ExecutionHistory) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal execution history: %w", err)
	}
	if _, err := s.history.Put(ctx, h.ExecutionID, data); err != nil {
		return fmt.Errorf("store execution history: %w", err)
	}
	return nil
}

func (s *KVStore) ListHistoryBefore(ctx context.Context, cutoff time.Time, limit int) ([]*ExecutionHistory, error) {
	keys, err := s.allKeys(ctx, s.history)
	if err != nil {
		return nil, err
	}
	out := make([]*ExecutionHistory, 0)
	for _, key := range keys {
		entry, err := s.history.Get(ctx, key)
		if err != nil {
			continue
		}
		var h ExecutionHistory
		if err := json.Unmarshal(entry.Value(), &h); err != nil {
			continue
		}
		if h.ArchivedAt.Before(cutoff) {
			out = append(out, &h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArchivedAt.Before(out[j].ArchivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *KVStore) DeleteHistory(ctx context.Context, executionID string) error {
	if err := s.history.Delete(ctx, executionID); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete execution history: %w", err)
	}
	return nil
}

func (s *KVStore) CountHistory(ctx context.Context) (int, error) {
	keys, err := s.allKeys(ctx, s.history)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// allKeys lists every key in a bucket, treating an empty bucket as an
// empty list.
func (s *KVStore) allKeys(ctx context.Context, kv jetstream.KeyValue) ([]string, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) ||
		(err != nil && strings.Contains(err.Error(), "key not found"))
}

// isWrongRevision checks if an error indicates a CAS write lost to a
// concurrent update.
func isWrongRevision(err error) bool {
	return err != nil && strings.Contains(err.Error(), "wrong last sequence")
}
