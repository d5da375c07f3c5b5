// Package scheduler runs periodic maintenance: audit log backups with
// retention, brokerage data exports, and approval token sweeps. Schedules
// are cron expressions; both 5-field (minute precision) and 6-field
// (second precision) forms are accepted.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"tradegate/internal/audit"
	"tradegate/internal/broker"
	"tradegate/internal/errs"
)

// ExportJob periodically pulls a brokerage report and writes it to disk.
type ExportJob struct {
	Name     string        `yaml:"name" json:"name"`
	QueryID  string        `yaml:"query_id" json:"query_id"`
	Schedule string        `yaml:"schedule" json:"schedule"`
	Lookback time.Duration `yaml:"lookback" json:"lookback"` // report window ending now
	Dir      string        `yaml:"dir" json:"dir"`
}

// Config declares the scheduled work.
type Config struct {
	BackupSchedule string      `yaml:"backup_schedule" json:"backup_schedule"`
	BackupDir      string      `yaml:"backup_dir" json:"backup_dir"`
	RetentionDays  int         `yaml:"retention_days" json:"retention_days"` // 0 = keep forever
	TokenSweep     string      `yaml:"token_sweep" json:"token_sweep"`
	Exports        []ExportJob `yaml:"exports" json:"exports"`
}

// Fetch cadence for a requested report that is still generating.
const (
	fetchAttempts = 10
	fetchInterval = 2 * time.Second
)

// Scheduler owns the cron runner and the job implementations.
type Scheduler struct {
	cfg      Config
	cron     *cron.Cron
	broker   broker.Adapter
	auditLog audit.Store
	logger   *slog.Logger
	sweepFn  func() int // approval token sweep hook, may be nil

	fetchWait time.Duration
}

// cronParser accepts both standard 5-field expressions and 6-field
// expressions with a leading seconds column.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New builds a scheduler. Jobs are registered on Start.
func New(cfg Config, adapter broker.Adapter, auditLog audit.Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		cron:      cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC)),
		broker:    adapter,
		auditLog:  auditLog,
		logger:    logger.With("component", "scheduler"),
		fetchWait: fetchInterval,
	}
}

// SetTokenSweep installs the approval token sweep hook.
func (s *Scheduler) SetTokenSweep(fn func() int) { s.sweepFn = fn }

// Start registers all configured jobs and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.BackupSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.BackupSchedule, func() { s.runBackup(ctx) }); err != nil {
			return fmt.Errorf("backup schedule %q: %w", s.cfg.BackupSchedule, err)
		}
	}
	if s.cfg.TokenSweep != "" && s.sweepFn != nil {
		if _, err := s.cron.AddFunc(s.cfg.TokenSweep, func() {
			if n := s.sweepFn(); n > 0 {
				s.logger.Info("swept expired tokens", "count", n)
			}
		}); err != nil {
			return fmt.Errorf("token sweep schedule %q: %w", s.cfg.TokenSweep, err)
		}
	}
	for _, job := range s.cfg.Exports {
		job := job
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.runExport(ctx, job) }); err != nil {
			return fmt.Errorf("export %q schedule %q: %w", job.Name, job.Schedule, err)
		}
	}

	s.cron.Start()
	if err := s.auditLog.Append(ctx, audit.NewEvent(audit.EventSchedulerStarted, "", map[string]any{
		"exports": len(s.cfg.Exports),
	})); err != nil {
		return err
	}
	s.logger.Info("scheduler started", "exports", len(s.cfg.Exports))
	return nil
}

// Stop halts the cron runner, waiting for running jobs to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	if err := s.auditLog.Append(ctx, audit.NewEvent(audit.EventSchedulerStopped, "", nil)); err != nil {
		s.logger.Error("audit write failed", "error", err)
	}
	s.logger.Info("scheduler stopped")
}

// runBackup snapshots the audit log and prunes old backups.
func (s *Scheduler) runBackup(ctx context.Context) {
	manifest, err := audit.Backup(ctx, s.auditLog, s.cfg.BackupDir)
	if err != nil {
		s.logger.Error("backup failed", "error", err)
		return
	}
	s.logger.Info("audit backup written",
		"file", manifest.File, "events", manifest.Events)

	if s.cfg.RetentionDays > 0 {
		removed, err := pruneDir(s.cfg.BackupDir, time.Duration(s.cfg.RetentionDays)*24*time.Hour)
		if err != nil {
			s.logger.Error("backup retention failed", "error", err)
			return
		}
		if removed > 0 {
			s.logger.Info("old backups pruned", "count", removed)
		}
	}
}

// runExport requests one report, waits for it, and writes it to disk.
func (s *Scheduler) runExport(ctx context.Context, job ExportJob) {
	now := time.Now().UTC()
	from := now.Add(-job.Lookback)

	if err := s.auditLog.Append(ctx, audit.NewEvent(audit.EventExportJobStarted, "", map[string]any{
		"job":      job.Name,
		"query_id": job.QueryID,
		"from":     from.Format("2006-01-02"),
		"to":       now.Format("2006-01-02"),
	})); err != nil {
		s.logger.Error("audit write failed", "job", job.Name, "error", err)
		return
	}

	data, err := s.fetchReport(ctx, job, from, now)
	if err != nil {
		s.failExport(ctx, job, err)
		return
	}

	if err := os.MkdirAll(job.Dir, 0o755); err != nil {
		s.failExport(ctx, job, err)
		return
	}
	name := fmt.Sprintf("%s_%s.csv", job.Name, now.Format("20060102T150405Z"))
	path := filepath.Join(job.Dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.failExport(ctx, job, err)
		return
	}

	if err := s.auditLog.Append(ctx, audit.NewEvent(audit.EventExportJobCompleted, "", map[string]any{
		"job":   job.Name,
		"file":  path,
		"bytes": len(data),
	})); err != nil {
		s.logger.Error("audit write failed", "job", job.Name, "error", err)
		return
	}
	s.logger.Info("export completed", "job", job.Name, "file", path)
}

func (s *Scheduler) fetchReport(ctx context.Context, job ExportJob, from, to time.Time) ([]byte, error) {
	ref, err := s.broker.RequestReport(ctx, job.QueryID, from, to)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		data, err := s.broker.FetchReport(ctx, ref)
		if err == nil {
			return data, nil
		}
		if !errs.IsKind(err, errs.KindResource) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.fetchWait):
		}
	}
	return nil, fmt.Errorf("report %s not ready after %d attempts", ref, fetchAttempts)
}

func (s *Scheduler) failExport(ctx context.Context, job ExportJob, cause error) {
	s.logger.Error("export failed", "job", job.Name, "error", cause)
	if err := s.auditLog.Append(ctx, audit.NewEvent(audit.EventExportJobFailed, "", map[string]any{
		"job":   job.Name,
		"error": cause.Error(),
	})); err != nil {
		s.logger.Error("audit write failed", "job", job.Name, "error", err)
	}
}

// pruneDir removes regular files older than maxAge. Subdirectories are
// left alone.
func pruneDir(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
