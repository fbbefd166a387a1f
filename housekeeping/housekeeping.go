// Package housekeeping archives and deletes old terminal executions on
// a schedule, recording each run as a HousekeepingJob row.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aiinpocket/n3n/storage"
)

// JobTypeRetention is the execution retention job type.
const JobTypeRetention = "execution_retention"

// ErrAlreadyRunning is returned when a run of the same job type is
// already in flight.
var ErrAlreadyRunning = errors.New("housekeeping job already running")

// Config tunes the housekeeper.
type Config struct {
	// CronExpression schedules the daily run. Default "0 2 * * *".
	CronExpression string
	// RetentionDays keeps terminal executions younger than this.
	RetentionDays int
	// HistoryRetentionDays applies a separate retention to archived
	// history rows.
	HistoryRetentionDays int
	// BatchSize bounds how many executions one batch processes.
	BatchSize int
	// Archive controls whether executions are copied to history before
	// deletion or deleted directly.
	Archive bool
}

// DefaultConfig returns the housekeeper defaults.
func DefaultConfig() Config {
	return Config{
		CronExpression:       "0 2 * * *",
		RetentionDays:        30,
		HistoryRetentionDays: 90,
		BatchSize:            100,
		Archive:              true,
	}
}

// Report summarizes one retention run.
type Report struct {
	JobID         string
	Scanned       int
	Archived      int
	Deleted       int
	Batches       int
	HistoryPruned int
}

// Housekeeper runs retention passes over the execution store.
type Housekeeper struct {
	store  storage.Store
	cfg    Config
	logger *slog.Logger

	cron *cron.Cron
	// now is swapped in tests.
	now func() time.Time
}

// New builds a housekeeper. Zero config fields fall back to defaults.
func New(store storage.Store, cfg Config, logger *slog.Logger) *Housekeeper {
	def := DefaultConfig()
	if cfg.CronExpression == "" {
		cfg.CronExpression = def.CronExpression
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = def.RetentionDays
	}
	if cfg.HistoryRetentionDays <= 0 {
		cfg.HistoryRetentionDays = def.HistoryRetentionDays
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Housekeeper{
		store:  store,
		cfg:    cfg,
		logger: logger,
		cron:   cron.New(),
		now:    time.Now,
	}
}

// Start schedules the daily run.
func (h *Housekeeper) Start(ctx context.Context) error {
	base := context.WithoutCancel(ctx)
	_, err := h.cron.AddFunc(h.cfg.CronExpression, func() {
		if _, err := h.Run(base); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			h.logger.Error("housekeeping run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule housekeeping: %w", err)
	}
	h.cron.Start()
	h.logger.Info("housekeeping started", "cron", h.cfg.CronExpression, "retention_days", h.cfg.RetentionDays)
	return nil
}

// Stop halts the schedule. An in-flight run finishes.
func (h *Housekeeper) Stop() {
	<-h.cron.Stop().Done()
}

// Run executes one retention pass. It refuses to start while another
// run of the same job type is recorded as running.
func (h *Housekeeper) Run(ctx context.Context) (*Report, error) {
	if _, err := h.store.RunningHousekeepingJob(ctx, JobTypeRetention); err == nil {
		return nil, ErrAlreadyRunning
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	job := &storage.HousekeepingJob{
		ID:        storage.NewID("hk"),
		JobType:   JobTypeRetention,
		Status:    storage.HousekeepingRunning,
		StartedAt: h.now().UTC(),
	}
	if err := h.store.CreateHousekeepingJob(ctx, job); err != nil {
		return nil, err
	}

	report, runErr := h.sweep(ctx, job)

	now := h.now().UTC()
	job.FinishedAt = &now
	if runErr != nil {
		job.Status = storage.HousekeepingFailed
		job.Error = runErr.Error()
	} else {
		job.Status = storage.HousekeepingCompleted
	}
	if err := h.store.UpdateHousekeepingJob(ctx, job); err != nil {
		h.logger.Error("housekeeping job row update failed", "job_id", job.ID, "error", err)
	}
	if runErr != nil {
		return nil, runErr
	}
	h.logger.Info("housekeeping completed",
		"job_id", job.ID,
		"scanned", report.Scanned,
		"archived", report.Archived,
		"deleted", report.Deleted,
		"batches", report.Batches)
	return report, nil
}

func (h *Housekeeper) sweep(ctx context.Context, job *storage.HousekeepingJob) (*Report, error) {
	report := &Report{JobID: job.ID}
	cutoff := h.now().UTC().AddDate(0, 0, -h.cfg.RetentionDays)

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := h.store.TerminalExecutionsBefore(ctx, cutoff, h.cfg.BatchSize)
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			break
		}
		report.Batches++
		job.BatchCount = report.Batches

		for _, exec := range batch {
			report.Scanned++
			if h.cfg.Archive {
				if err := h.archive(ctx, exec); err != nil {
					return report, err
				}
				report.Archived++
			}
			if err := h.store.DeleteExecution(ctx, exec.ID); err != nil {
				return report, err
			}
			report.Deleted++
		}

		job.ScannedCount = report.Scanned
		job.ArchivedCount = report.Archived
		job.DeletedCount = report.Deleted
		if err := h.store.UpdateHousekeepingJob(ctx, job); err != nil {
			h.logger.Warn("housekeeping progress write failed", "job_id", job.ID, "error", err)
		}
	}

	if err := h.pruneHistory(ctx, report); err != nil {
		return report, err
	}
	return report, nil
}

func (h *Housekeeper) archive(ctx context.Context, exec *storage.Execution) error {
	rows, err := h.store.ListNodeExecutions(ctx, exec.ID)
	if err != nil {
		return err
	}
	return h.store.ArchiveExecution(ctx, &storage.ExecutionHistory{
		ExecutionID:   exec.ID,
		FlowID:        exec.FlowID,
		FlowVersionID: exec.FlowVersionID,
		Status:        exec.Status,
		TriggerType:   exec.TriggerType,
		StartedAt:     exec.StartedAt,
		CompletedAt:   exec.CompletedAt,
		DurationMs:    exec.DurationMs,
		NodeCount:     len(rows),
		ArchivedAt:    h.now().UTC(),
	})
}

// pruneHistory applies the separate history retention.
func (h *Housekeeper) pruneHistory(ctx context.Context, report *Report) error {
	cutoff := h.now().UTC().AddDate(0, 0, -h.cfg.HistoryRetentionDays)
	for {
		batch, err := h.store.ListHistoryBefore(ctx, cutoff, h.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, row := range batch {
			if err := h.store.DeleteHistory(ctx, row.ExecutionID); err != nil {
				return err
			}
			report.HistoryPruned++
		}
	}
}
