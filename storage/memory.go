package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory with the same revision
// semantics as the KV-backed store. Used by tests and the embedded dev
// mode before a JetStream connection exists.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memEntry
	nextRev uint64
}

type memEntry struct {
	data []byte
	rev  uint64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	buckets := make(map[string]map[string]memEntry)
	for _, name := range []string{
		BucketExecutions, BucketNodeExecutions, BucketApprovals,
		BucketApprovalActions, BucketFormTriggers, BucketFormSubmissions,
		BucketWebhooks, BucketSchedules, BucketHousekeeping, BucketHistory,
	} {
		buckets[name] = make(map[string]memEntry)
	}
	return &MemoryStore{buckets: buckets}
}

func (s *MemoryStore) bucket(name string) map[string]memEntry {
	return s.buckets[name]
}

// create inserts a row, failing with ErrDuplicate when the key exists.
func (s *MemoryStore) create(bucket, key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal %s entry: %w", bucket, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucket(bucket)
	if _, exists := b[key]; exists {
		return 0, ErrDuplicate
	}
	s.nextRev++
	b[key] = memEntry{data: data, rev: s.nextRev}
	return s.nextRev, nil
}

// put writes a row unconditionally.
func (s *MemoryStore) put(bucket, key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal %s entry: %w", bucket, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRev++
	s.bucket(bucket)[key] = memEntry{data: data, rev: s.nextRev}
	return s.nextRev, nil
}

// update writes a row only when rev matches the stored revision.
func (s *MemoryStore) update(bucket, key string, v any, rev uint64) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal %s entry: %w", bucket, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucket(bucket)
	cur, exists := b[key]
	if !exists {
		return 0, ErrNotFound
	}
	if cur.rev != rev {
		return 0, ErrConflict
	}
	s.nextRev++
	b[key] = memEntry{data: data, rev: s.nextRev}
	return s.nextRev, nil
}

func (s *MemoryStore) get(bucket, key string, v any) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, exists := s.bucket(bucket)[key]
	if !exists {
		return 0, ErrNotFound
	}
	if err := json.Unmarshal(entry.data, v); err != nil {
		return 0, fmt.Errorf("unmarshal %s entry: %w", bucket, err)
	}
	return entry.rev, nil
}

func (s *MemoryStore) delete(bucket, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bucket(bucket), key)
}

// each visits every row of a bucket under the read lock.
func (s *MemoryStore) each(bucket string, visit func(key string, data []byte, rev uint64)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, entry := range s.bucket(bucket) {
		visit(key, entry.data, entry.rev)
	}
}

// --- executions ---

func (s *MemoryStore) CreateExecution(_ context.Context, e *Execution) error {
	rev, err := s.create(BucketExecutions, e.ID, e)
	if err != nil {
		return err
	}
	e.Revision = rev
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	var e Execution
	rev, err := s.get(BucketExecutions, id, &e)
	if err != nil {
		return nil, err
	}
	e.Revision = rev
	return &e, nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, e *Execution) error {
	rev, err := s.update(BucketExecutions, e.ID, e, e.Revision)
	if err != nil {
		return err
	}
	e.Revision = rev
	return nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, f ExecutionFilter) ([]*Execution, error) {
	out := make([]*Execution, 0)
	s.each(BucketExecutions, func(_ string, data []byte, rev uint64) {
		var e Execution
		if json.Unmarshal(data, &e) != nil {
			return
		}
		if f.FlowID != "" && e.FlowID != f.FlowID {
			return
		}
		if f.Status != "" && e.Status != f.Status {
			return
		}
		e.Revision = rev
		out = append(out, &e)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountActiveExecutions(ctx context.Context, flowID string) (int, error) {
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

func (s *MemoryStore) TerminalExecutionsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Execution, error) {
	all, err := s.ListExecutions(ctx, ExecutionFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]*Execution, 0)
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

func (s *MemoryStore) DeleteExecution(_ context.Context, id string) error {
	prefix := id + "."
	var nodeKeys []string
	s.each(BucketNodeExecutions, func(key string, _ []byte, _ uint64) {
		if strings.HasPrefix(key, prefix) {
			nodeKeys = append(nodeKeys, key)
		}
	})
	for _, key := range nodeKeys {
		s.delete(BucketNodeExecutions, key)
	}
	s.delete(BucketExecutions, id)
	return nil
}

// --- node executions ---

func (s *MemoryStore) UpsertNodeExecution(_ context.Context, n *NodeExecution) error {
	rev, err := s.put(BucketNodeExecutions, n.Key(), n)
	if err != nil {
		return err
	}
	n.Revision = rev
	return nil
}

func (s *MemoryStore) GetNodeExecution(_ context.Context, executionID, nodeID string) (*NodeExecution, error) {
	var n NodeExecution
	rev, err := s.get(BucketNodeExecutions, NodeExecutionKey(executionID, nodeID), &n)
	if err != nil {
		return nil, err
	}
	n.Revision = rev
	return &n, nil
}

func (s *MemoryStore) ListNodeExecutions(_ context.Context, executionID string) ([]*NodeExecution, error) {
	prefix := executionID + "."
	out := make([]*NodeExecution, 0)
	s.each(BucketNodeExecutions, func(key string, data []byte, rev uint64) {
		if !strings.HasPrefix(key, prefix) {
			return
		}
		var n NodeExecution
		if json.Unmarshal(data, &n) != nil {
			return
		}
		n.Revision = rev
		out = append(out, &n)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// --- approvals ---

func (s *MemoryStore) CreateApproval(_ context.Context, a *ExecutionApproval) error {
	rev, err := s.create(BucketApprovals, a.ID, a)
	if err != nil {
		return err
	}
	a.Revision = rev
	return nil
}

func (s *MemoryStore) GetApproval(_ context.Context, id string) (*ExecutionApproval, error) {
	var a ExecutionApproval
	rev, err := s.get(BucketApprovals, id, &a)
	if err != nil {
		return nil, err
	}
	a.Revision = rev
	return &a, nil
}

func (s *MemoryStore) FindPendingApproval(ctx context.Context, executionID, nodeID string) (*ExecutionApproval, error) {
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

func (s *MemoryStore) UpdateApproval(_ context.Context, a *ExecutionApproval) error {
	rev, err := s.update(BucketApprovals, a.ID, a, a.Revision)
	if err != nil {
		return err
	}
	a.Revision = rev
	return nil
}

func (s *MemoryStore) ListPendingApprovals(_ context.Context) ([]*ExecutionApproval, error) {
	out := make([]*ExecutionApproval, 0)
	s.each(BucketApprovals, func(_ string, data []byte, rev uint64) {
		var a ExecutionApproval
		if json.Unmarshal(data, &a) != nil {
			return
		}
		if a.Status != ApprovalPending {
			return
		}
		a.Revision = rev
		out = append(out, &a)
	})
	return out, nil
}

func (s *MemoryStore) AddApprovalAction(_ context.Context, a *ApprovalAction) error {
	_, err := s.create(BucketApprovalActions, a.Key(), a)
	return err
}

func (s *MemoryStore) ListApprovalActions(_ context.Context, approvalID string) ([]*ApprovalAction, error) {
	prefix := approvalID + "."
	out := make([]*ApprovalAction, 0)
	s.each(BucketApprovalActions, func(key string, data []byte, _ uint64) {
		if !strings.HasPrefix(key, prefix) {
			return
		}
		var a ApprovalAction
		if json.Unmarshal(data, &a) != nil {
			return
		}
		out = append(out, &a)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ActedAt.Before(out[j].ActedAt) })
	return out, nil
}

// --- form triggers and submissions ---

func (s *MemoryStore) CreateFormTrigger(_ context.Context, f *FormTrigger) error {
	rev, err := s.create(BucketFormTriggers, f.Token, f)
	if err != nil {
		return err
	}
	f.Revision = rev
	return nil
}

func (s *MemoryStore) GetFormTrigger(_ context.Context, token string) (*FormTrigger, error) {
	var f FormTrigger
	rev, err := s.get(BucketFormTriggers, token, &f)
	if err != nil {
		return nil, err
	}
	f.Revision = rev
	return &f, nil
}

func (s *MemoryStore) UpdateFormTrigger(_ context.Context, f *FormTrigger) error {
	rev, err := s.update(BucketFormTriggers, f.Token, f, f.Revision)
	if err != nil {
		return err
	}
	f.Revision = rev
	return nil
}

func (s *MemoryStore) CreateFormSubmission(_ context.Context, sub *FormSubmission) error {
	_, err := s.create(BucketFormSubmissions, sub.ID, sub)
	return err
}

func (s *MemoryStore) FindFormSubmission(_ context.Context, executionID, nodeID string) (*FormSubmission, error) {
	var found *FormSubmission
	s.each(BucketFormSubmissions, func(_ string, data []byte, _ uint64) {
		if found != nil {
			return
		}
		var sub FormSubmission
		if json.Unmarshal(data, &sub) != nil {
			return
		}
		if sub.ExecutionID == executionID && sub.NodeID == nodeID {
			found = &sub
		}
	})
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// --- webhooks ---

func (s *MemoryStore) PutWebhook(_ context.Context, w *Webhook) error {
	rev, err := s.put(BucketWebhooks, w.Key(), w)
	if err != nil {
		return err
	}
	w.Revision = rev
	return nil
}

func (s *MemoryStore) GetWebhook(_ context.Context, path, method string) (*Webhook, error) {
	var w Webhook
	rev, err := s.get(BucketWebhooks, WebhookKey(path, method), &w)
	if err != nil {
		return nil, err
	}
	w.Revision = rev
	return &w, nil
}

func (s *MemoryStore) ListWebhooks(_ context.Context) ([]*Webhook, error) {
	out := make([]*Webhook, 0)
	s.each(BucketWebhooks, func(_ string, data []byte, rev uint64) {
		var w Webhook
		if json.Unmarshal(data, &w) != nil {
			return
		}
		w.Revision = rev
		out = append(out, &w)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *MemoryStore) DeleteWebhook(_ context.Context, path, method string) error {
	s.delete(BucketWebhooks, WebhookKey(path, method))
	return nil
}

// --- schedules ---

func (s *MemoryStore) PutSchedule(_ context.Context, sched *Schedule) error {
	rev, err := s.put(BucketSchedules, sched.ID, sched)
	if err != nil {
		return err
	}
	sched.Revision = rev
	return nil
}

func (s *MemoryStore) GetSchedule(_ context.Context, id string) (*Schedule, error) {
	var sched Schedule
	rev, err := s.get(BucketSchedules, id, &sched)
	if err != nil {
		return nil, err
	}
	sched.Revision = rev
	return &sched, nil
}

func (s *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	s.delete(BucketSchedules, id)
	return nil
}

func (s *MemoryStore) ListSchedules(_ context.Context) ([]*Schedule, error) {
	out := make([]*Schedule, 0)
	s.each(BucketSchedules, func(_ string, data []byte, rev uint64) {
		var sched Schedule
		if json.Unmarshal(data, &sched) != nil {
			return
		}
		sched.Revision = rev
		out = append(out, &sched)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- housekeeping ---

func (s *MemoryStore) CreateHousekeepingJob(_ context.Context, j *HousekeepingJob) error {
	rev, err := s.create(BucketHousekeeping, j.ID, j)
	if err != nil {
		return err
	}
	j.Revision = rev
	return nil
}

func (s *MemoryStore) UpdateHousekeepingJob(_ context.Context, j *HousekeepingJob) error {
	rev, err := s.update(BucketHousekeeping, j.ID, j, j.Revision)
	if err != nil {
		return err
	}
	j.Revision = rev
	return nil
}

func (s *MemoryStore) RunningHousekeepingJob(ctx context.Context, jobType string) (*HousekeepingJob, error) {
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

func (s *MemoryStore) ListHousekeepingJobs(_ context.Context, limit int) ([]*HousekeepingJob, error) {
	out := make([]*HousekeepingJob, 0)
	s.each(BucketHousekeeping, func(_ string, data []byte, rev uint64) {
		var j HousekeepingJob
		if json.Unmarshal(data, &j) != nil {
			return
		}
		j.Revision = rev
		out = append(out, &j)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- history ---

func (s *MemoryStore) ArchiveExecution(_ context.Context, h *ExecutionHistory) error {
	_, err := s.put(BucketHistory, h.ExecutionID, h)
	return err
}

func (s *MemoryStore) ListHistoryBefore(_ context.Context, cutoff time.Time, limit int) ([]*ExecutionHistory, error) {
	out := make([]*ExecutionHistory, 0)
	s.each(BucketHistory, func(_ string, data []byte, _ uint64) {
		var h ExecutionHistory
		if json.Unmarshal(data, &h) != nil {
			return
		}
		if h.ArchivedAt.Before(cutoff) {
			out = append(out, &h)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ArchivedAt.Before(out[j].ArchivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteHistory(_ context.Context, executionID string) error {
	s.delete(BucketHistory, executionID)
	return nil
}

func (s *MemoryStore) CountHistory(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bucket(BucketHistory)), nil
}
