package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aiinpocket/n3n/engine"
	"github.com/aiinpocket/n3n/storage"
	"github.com/aiinpocket/n3n/value"
)

// minIntervalMs is the smallest accepted interval schedule period.
const minIntervalMs = 10_000

// Scheduler fires flow executions from cron and interval schedules. The
// store is the durable source of truth; Start reloads every schedule so
// a restart resumes firing.
type Scheduler struct {
	store  storage.Store
	coord  Starter
	logger *slog.Logger

	// maxConcurrent caps in-flight executions per flow for scheduled
	// fires; 0 disables the cap.
	maxConcurrent int

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]*scheduleEntry
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

type scheduleEntry struct {
	cronID cron.EntryID
	// cancel stops the interval loop; nil for cron entries.
	cancel context.CancelFunc
}

// NewScheduler builds a scheduler. maxConcurrent caps scheduled fires
// per flow; 0 means unlimited.
func NewScheduler(store storage.Store, coord Starter, logger *slog.Logger, maxConcurrent int) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:         store,
		coord:         coord,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		cron:          cron.New(),
		entries:       make(map[string]*scheduleEntry),
	}
}

// Start reloads all stored schedules and begins firing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx, s.stop = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		if sched.Paused {
			continue
		}
		if err := s.arm(sched); err != nil {
			s.logger.Error("schedule reload failed", "schedule_id", sched.ID, "error", err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "schedules", len(schedules))
	return nil
}

// Stop halts firing. In-flight fires finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stop != nil {
		s.stop()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// Create validates and persists a schedule, then arms it unless paused.
func (s *Scheduler) Create(ctx context.Context, sched *storage.Schedule) error {
	if err := validateSchedule(sched); err != nil {
		return err
	}
	if sched.ID == "" {
		sched.ID = storage.NewID("sched")
	}
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}
	if err := s.store.PutSchedule(ctx, sched); err != nil {
		return err
	}
	if sched.Paused {
		return nil
	}
	return s.arm(sched)
}

// TriggerNow fires a schedule immediately without touching its timer.
func (s *Scheduler) TriggerNow(ctx context.Context, scheduleID string) (*storage.Execution, error) {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	return s.start(ctx, sched)
}

// Pause stops firing without deleting the schedule.
func (s *Scheduler) Pause(ctx context.Context, scheduleID string) error {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	sched.Paused = true
	if err := s.store.PutSchedule(ctx, sched); err != nil {
		return err
	}
	s.disarm(scheduleID)
	return nil
}

// Resume re-arms a paused schedule.
func (s *Scheduler) Resume(ctx context.Context, scheduleID string) error {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	sched.Paused = false
	if err := s.store.PutSchedule(ctx, sched); err != nil {
		return err
	}
	return s.arm(sched)
}

// Unschedule disarms and deletes a schedule.
func (s *Scheduler) Unschedule(ctx context.Context, scheduleID string) error {
	s.disarm(scheduleID)
	return s.store.DeleteSchedule(ctx, scheduleID)
}

func validateSchedule(sched *storage.Schedule) error {
	hasCron := sched.CronExpression != ""
	hasInterval := sched.IntervalMs != 0
	if hasCron == hasInterval {
		return engine.E(engine.CodeInvalidConfig, "exactly one of cron_expression or interval_ms is required")
	}
	if hasInterval {
		if sched.IntervalMs < minIntervalMs {
			return engine.E(engine.CodeInvalidConfig, "interval_ms must be at least %d", minIntervalMs)
		}
		return nil
	}
	if sched.Timezone != "" {
		if _, err := time.LoadLocation(sched.Timezone); err != nil {
			return engine.E(engine.CodeInvalidConfig, "unknown timezone %q", sched.Timezone)
		}
	}
	spec := cronSpec(sched)
	if _, err := cron.ParseStandard(stripTZ(spec)); err != nil {
		return engine.Wrap(engine.CodeInvalidConfig, err, "invalid cron expression %q", sched.CronExpression)
	}
	return nil
}

// cronSpec renders the cron line with its timezone prefix.
func cronSpec(sched *storage.Schedule) string {
	if sched.Timezone != "" {
		return "CRON_TZ=" + sched.Timezone + " " + sched.CronExpression
	}
	return sched.CronExpression
}

func stripTZ(spec string) string {
	if len(spec) > 8 && spec[:8] == "CRON_TZ=" {
		for i := 8; i < len(spec); i++ {
			if spec[i] == ' ' {
				return spec[i+1:]
			}
		}
	}
	return spec
}

// arm registers the schedule with the runtime. Interval schedules drop
// ticks that land while a fire is still running, so a slow fire never
// queues a backlog.
func (s *Scheduler) arm(sched *storage.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[sched.ID]; exists {
		return nil
	}

	scheduleID := sched.ID
	if sched.IntervalMs > 0 {
		ctx, cancel := context.WithCancel(s.base())
		s.entries[scheduleID] = &scheduleEntry{cancel: cancel}
		s.wg.Add(1)
		go s.intervalLoop(ctx, scheduleID, time.Duration(sched.IntervalMs)*time.Millisecond)
		return nil
	}

	id, err := s.cron.AddFunc(cronSpec(sched), func() {
		s.fire(s.base(), scheduleID)
	})
	if err != nil {
		return engine.Wrap(engine.CodeInvalidConfig, err, "arm schedule %s", scheduleID)
	}
	s.entries[scheduleID] = &scheduleEntry{cronID: id}
	return nil
}

func (s *Scheduler) disarm(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[scheduleID]
	if !ok {
		return
	}
	delete(s.entries, scheduleID)
	if entry.cancel != nil {
		entry.cancel()
		return
	}
	s.cron.Remove(entry.cronID)
}

func (s *Scheduler) base() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

func (s *Scheduler) intervalLoop(ctx context.Context, scheduleID string, every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, scheduleID)
			// The ticker buffers one tick; a fire slower than the
			// interval would otherwise get an immediate second fire.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// fire starts one execution for the schedule. Firing re-reads the row
// so a pause or delete that raced the tick is honored.
func (s *Scheduler) fire(ctx context.Context, scheduleID string) {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		s.logger.Warn("scheduled fire skipped", "schedule_id", scheduleID, "error", err)
		return
	}
	if sched.Paused {
		return
	}
	if _, err := s.start(ctx, sched); err != nil {
		s.logger.Error("scheduled fire failed", "schedule_id", scheduleID, "flow_id", sched.FlowID, "error", err)
	}
}

func (s *Scheduler) start(ctx context.Context, sched *storage.Schedule) (*storage.Execution, error) {
	if s.maxConcurrent > 0 {
		active, err := s.store.CountActiveExecutions(ctx, sched.FlowID)
		if err != nil {
			return nil, err
		}
		if active >= s.maxConcurrent {
			return nil, engine.E(engine.CodeRateLimited,
				"flow %s has %d active executions, cap is %d", sched.FlowID, active, s.maxConcurrent)
		}
	}
	exec, err := s.coord.StartExecution(ctx, engine.StartRequest{
		FlowID: sched.FlowID,
		Input:  value.Map{"schedule_id": sched.ID, "fired_at": time.Now().UTC().Format(time.RFC3339)},
		Context: value.Map{
			"schedule_id":     sched.ID,
			"cron_expression": sched.CronExpression,
			"interval_ms":     float64(sched.IntervalMs),
		},
		TriggeredBy: sched.UserID,
		TriggerType: storage.TriggerSchedule,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("schedule fired", "schedule_id", sched.ID, "execution_id", exec.ID)
	return exec, nil
}
