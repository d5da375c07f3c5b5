package scheduler

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tradegate/internal/audit"
	"tradegate/internal/broker"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *audit.MemoryStore) {
	t.Helper()
	log := audit.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(cfg, broker.NewMock(broker.MockConfig{Seed: 1}), log, logger)
	s.fetchWait = time.Millisecond
	return s, log
}

func TestCronExpressions(t *testing.T) {
	t.Parallel()

	valid := []string{
		"0 2 * * *",      // 5-field: daily at 02:00
		"*/5 * * * *",    // 5-field: every 5 minutes
		"30 0 2 * * *",   // 6-field with seconds
		"@hourly",        // descriptor
	}
	for _, expr := range valid {
		if _, err := cronParser.Parse(expr); err != nil {
			t.Errorf("Parse(%q): %v", expr, err)
		}
	}
	invalid := []string{"", "not a cron", "61 * * * *", "* * * * * * *"}
	for _, expr := range invalid {
		if _, err := cronParser.Parse(expr); err == nil {
			t.Errorf("Parse(%q): expected error", expr)
		}
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, Config{BackupSchedule: "not a cron"})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid backup schedule")
	}
}

func TestRunExport(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	job := ExportJob{
		Name:     "trades",
		QueryID:  "Q123",
		Schedule: "0 3 * * *",
		Lookback: 24 * time.Hour,
		Dir:      dir,
	}
	s, log := newTestScheduler(t, Config{Exports: []ExportJob{job}})

	s.runExport(context.Background(), job)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("files = %d, want 1", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty export file")
	}

	stats, _ := log.Stats(context.Background())
	if stats[audit.EventExportJobStarted] != 1 || stats[audit.EventExportJobCompleted] != 1 {
		t.Fatalf("audit stats = %v", stats)
	}
	if stats[audit.EventExportJobFailed] != 0 {
		t.Fatalf("unexpected failure events: %v", stats)
	}
}

func TestRunBackupWithRetention(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, log := newTestScheduler(t, Config{BackupDir: dir, RetentionDays: 7})

	// Seed the log so the backup has content.
	for i := 0; i < 3; i++ {
		if err := log.Append(context.Background(), audit.NewEvent(audit.EventSystemStarted, "", nil)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// An old stray file that retention should remove.
	stale := filepath.Join(dir, "audit_backup_20200101T000000Z.jsonl")
	if err := os.WriteFile(stale, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("write stale: %v", err)
	}
	old := time.Now().Add(-30 * 24 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	s.runBackup(context.Background())

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale backup should have been pruned")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var backup string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".jsonl" {
			backup = filepath.Join(dir, e.Name())
		}
	}
	if backup == "" {
		t.Fatal("no backup file written")
	}
	if err := audit.VerifyBackup(backup); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestTokenSweepJob(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, Config{TokenSweep: "*/1 * * * *"})
	swept := 0
	s.SetTokenSweep(func() int { swept++; return 1 })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	// The job is registered; invoke the sweep hook directly to confirm
	// wiring (cron firing is robfig's concern, not ours).
	if s.sweepFn() != 1 || swept != 1 {
		t.Fatal("sweep hook not wired")
	}
}
