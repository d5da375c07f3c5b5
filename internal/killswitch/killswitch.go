// Package killswitch implements the process-wide emergency halt.
//
// The switch is consulted by every write path (order submission, cancel,
// modify, auto-approval, token consumption). State survives restarts via a
// JSON file written atomically (tmp file then rename). An environment
// override can force-activate the switch independently of stored state;
// while the override is set the switch cannot be released.
package killswitch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tradegate/internal/audit"
	"tradegate/internal/errs"
)

// State is the persisted switch record.
type State struct {
	Enabled     bool      `json:"enabled"`
	Reason      string    `json:"reason,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	ReleasedAt  time.Time `json:"released_at,omitempty"`
}

// Switch is the kill switch. A single writer path (Activate/Release) mutates
// state; readers are unbounded.
type Switch struct {
	mu             sync.RWMutex
	state          State
	path           string
	envOverride    bool   // KILL_SWITCH_ENABLED forces activation
	overrideReason string // KILL_SWITCH_REASON
	store          audit.Store
	logger         *slog.Logger
}

// Options configures a Switch.
type Options struct {
	Path           string // state file, e.g. data/kill_switch.json
	EnvOverride    bool   // from KILL_SWITCH_ENABLED
	OverrideReason string // from KILL_SWITCH_REASON
}

// New loads persisted state (if any) and applies the environment override.
func New(opts Options, store audit.Store, logger *slog.Logger) (*Switch, error) {
	s := &Switch{
		path:           opts.Path,
		envOverride:    opts.EnvOverride,
		overrideReason: opts.OverrideReason,
		store:          store,
		logger:         logger.With("component", "kill-switch"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	if s.envOverride {
		s.state.Enabled = true
		if s.overrideReason != "" {
			s.state.Reason = s.overrideReason
		} else if s.state.Reason == "" {
			s.state.Reason = "environment override"
		}
		s.logger.Warn("kill switch forced on by environment", "reason", s.state.Reason)
	}
	return s, nil
}

// IsEnabled reports whether the switch is currently on. The environment
// override always wins.
func (s *Switch) IsEnabled() bool {
	if s.envOverride {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Enabled
}

// Current returns a copy of the effective state.
func (s *Switch) Current() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state
	if s.envOverride {
		st.Enabled = true
	}
	return st
}

// Overridden reports whether the environment override is in effect.
func (s *Switch) Overridden() bool { return s.envOverride }

// CheckOrFail returns a Policy error naming the blocked operation when the
// switch is on. Call on entry to every write path.
func (s *Switch) CheckOrFail(op string) error {
	if !s.IsEnabled() {
		return nil
	}
	st := s.Current()
	return errs.New(errs.KindPolicy, errs.ReasonKillSwitchActive,
		"operation %s blocked by kill switch (reason: %s)", op, st.Reason)
}

// Activate turns the switch on, persists, and audits. Idempotent: activating
// an already-on switch refreshes reason and actor.
func (s *Switch) Activate(ctx context.Context, reason, actor string) error {
	if reason == "" {
		return errs.New(errs.KindValidation, errs.ReasonValidationFailed, "activation reason is required")
	}

	s.mu.Lock()
	s.state = State{
		Enabled:     true,
		Reason:      reason,
		Actor:       actor,
		ActivatedAt: time.Now().UTC(),
	}
	err := s.persist()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.logger.Warn("kill switch activated", "reason", reason, "actor", actor)
	if err := s.store.Append(ctx, audit.NewEvent(audit.EventKillSwitchActivated, "", map[string]any{
		"reason": reason,
		"actor":  actor,
	})); err != nil {
		return errs.Wrap(errs.KindInternal, errs.ReasonAuditFailed, err)
	}
	return nil
}

// Release turns the switch off. Fails while the environment override is set:
// the operator must clear KILL_SWITCH_ENABLED and restart.
func (s *Switch) Release(ctx context.Context, actor string) error {
	if s.envOverride {
		return errs.New(errs.KindPolicy, errs.ReasonKillSwitchActive,
			"kill switch is forced on by KILL_SWITCH_ENABLED; unset it to release")
	}

	s.mu.Lock()
	s.state.Enabled = false
	s.state.Actor = actor
	s.state.ReleasedAt = time.Now().UTC()
	err := s.persist()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.logger.Info("kill switch released", "actor", actor)
	if err := s.store.Append(ctx, audit.NewEvent(audit.EventKillSwitchReleased, "", map[string]any{
		"actor": actor,
	})); err != nil {
		return errs.Wrap(errs.KindInternal, errs.ReasonAuditFailed, err)
	}
	return nil
}

// load reads the persisted state. A missing file means a fresh switch.
func (s *Switch) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read kill switch state: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return fmt.Errorf("unmarshal kill switch state: %w", err)
	}
	return nil
}

// persist writes state atomically. Caller holds the lock.
func (s *Switch) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create kill switch dir: %w", err)
	}
	data, err := json.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("marshal kill switch state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write kill switch state: %w", err)
	}
	return os.Rename(tmp, s.path)
}
