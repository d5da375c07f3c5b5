package killswitch

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"tradegate/internal/audit"
	"tradegate/internal/errs"
)

func newTestSwitch(t *testing.T, opts Options) (*Switch, *audit.MemoryStore) {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "kill_switch.json")
	}
	store := audit.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(opts, store, logger)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return s, store
}

func TestActivateRelease(t *testing.T) {
	t.Parallel()

	s, store := newTestSwitch(t, Options{})
	ctx := context.Background()

	if s.IsEnabled() {
		t.Fatal("fresh switch should be off")
	}
	if err := s.CheckOrFail("submit_order"); err != nil {
		t.Fatalf("CheckOrFail on disabled switch = %v, want nil", err)
	}

	if err := s.Activate(ctx, "suspicious activity", "ops"); err != nil {
		t.Fatalf("Activate error: %v", err)
	}
	if !s.IsEnabled() {
		t.Error("switch should be on after Activate")
	}

	err := s.CheckOrFail("submit_order")
	if err == nil {
		t.Fatal("CheckOrFail on enabled switch should fail")
	}
	if errs.KindOf(err) != errs.KindPolicy || errs.ReasonOf(err) != errs.ReasonKillSwitchActive {
		t.Errorf("CheckOrFail kind/reason = %s/%s", errs.KindOf(err), errs.ReasonOf(err))
	}

	if err := s.Release(ctx, "ops"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if s.IsEnabled() {
		t.Error("switch should be off after Release")
	}

	stats, _ := store.Stats(ctx)
	if stats[audit.EventKillSwitchActivated] != 1 || stats[audit.EventKillSwitchReleased] != 1 {
		t.Errorf("audit stats = %v, want one activation and one release", stats)
	}
}

func TestActivateRequiresReason(t *testing.T) {
	t.Parallel()

	s, _ := newTestSwitch(t, Options{})
	if err := s.Activate(context.Background(), "", "ops"); err == nil {
		t.Error("Activate without reason should fail")
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kill_switch.json")
	s1, _ := newTestSwitch(t, Options{Path: path})
	if err := s1.Activate(context.Background(), "drill before restart", "ops"); err != nil {
		t.Fatalf("Activate error: %v", err)
	}

	s2, _ := newTestSwitch(t, Options{Path: path})
	if !s2.IsEnabled() {
		t.Error("activated state should survive restart")
	}
	if got := s2.Current().Reason; got != "drill before restart" {
		t.Errorf("persisted reason = %q", got)
	}
}

func TestEnvOverrideWins(t *testing.T) {
	t.Parallel()

	s, _ := newTestSwitch(t, Options{EnvOverride: true, OverrideReason: "maintenance"})
	if !s.IsEnabled() {
		t.Fatal("override should force the switch on")
	}

	// Cannot release while the override is set.
	err := s.Release(context.Background(), "ops")
	if err == nil {
		t.Fatal("Release under env override should fail")
	}
	if errs.KindOf(err) != errs.KindPolicy {
		t.Errorf("Release error kind = %s, want POLICY", errs.KindOf(err))
	}
	if !s.IsEnabled() {
		t.Error("switch must stay on under override")
	}
}
