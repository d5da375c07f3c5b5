// Package config defines all configuration for the trading gateway.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TG_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"tradegate/internal/approval"
	"tradegate/internal/gateway"
	"tradegate/internal/killswitch"
	"tradegate/internal/scheduler"
	"tradegate/internal/sim"
	"tradegate/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Env              string `mapstructure:"env"`
	StrictValidation bool   `mapstructure:"strict_validation"`

	Server       ServerConfig       `mapstructure:"server"`
	Broker       BrokerConfig       `mapstructure:"broker"`
	Audit        AuditConfig        `mapstructure:"audit"`
	KillSwitch   KillSwitchConfig   `mapstructure:"kill_switch"`
	Risk         RiskConfig         `mapstructure:"risk"`
	Sim          SimConfig          `mapstructure:"sim"`
	AutoApproval AutoApprovalConfig `mapstructure:"auto_approval"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// BrokerConfig selects and configures the brokerage adapter.
//
//   - Mode: "mock" (deterministic paper account) or "rest".
//   - BaseURL/APIKey: REST gateway location and credential. The key comes
//     from TG_BROKER_API_KEY, never the YAML file.
//   - ReadOnly: refuse all order submission at the adapter.
//   - Seed: mock price generator seed, so paper runs are reproducible.
type BrokerConfig struct {
	Mode      string `mapstructure:"mode"`
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	AccountID string `mapstructure:"account_id"`
	ReadOnly  bool   `mapstructure:"read_only"`
	Seed      int64  `mapstructure:"seed"`
}

// AuditConfig sets where the event log is persisted. An empty DatabaseURL
// falls back to the in-memory store (paper runs and tests).
type AuditConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
}

// KillSwitchConfig sets where kill switch state survives restarts.
type KillSwitchConfig struct {
	Path string `mapstructure:"path"`
}

// RiskConfig points at the YAML rule policy. An empty path runs the
// built-in defaults without hot reload.
type RiskConfig struct {
	PolicyPath string `mapstructure:"policy_path"`
}

// SimConfig overrides the simulator's cost model. Values are decimal
// strings; empty fields keep the defaults.
type SimConfig struct {
	BaseSlippageBps    string `mapstructure:"base_slippage_bps"`
	MarketImpactFactor string `mapstructure:"market_impact_factor"`
	LiquidityProxy     string `mapstructure:"liquidity_proxy"`
	PerShareRate       string `mapstructure:"per_share_rate"`
	MinFee             string `mapstructure:"min_fee"`
	MaxFeeFraction     string `mapstructure:"max_fee_fraction"`
}

// AutoApprovalConfig points at the standing auto-approval policy file.
// No file means auto-approval stays disabled.
type AutoApprovalConfig struct {
	PolicyPath string `mapstructure:"policy_path"`
}

// GatewayConfig sets the per-minute rate budgets for agent tool calls.
// RATE_LIMIT_PER_TOOL, RATE_LIMIT_PER_SESSION, and RATE_LIMIT_GLOBAL
// override the file values.
type GatewayConfig struct {
	RateLimitPerTool    float64 `mapstructure:"rate_limit_per_tool"`
	RateLimitPerSession float64 `mapstructure:"rate_limit_per_session"`
	RateLimitGlobal     float64 `mapstructure:"rate_limit_global"`
}

// ExportJobConfig is one scheduled audit export.
type ExportJobConfig struct {
	Name     string `mapstructure:"name"`
	QueryID  string `mapstructure:"query_id"`
	Schedule string `mapstructure:"schedule"`
	Dir      string `mapstructure:"dir"`
}

// SchedulerConfig controls background jobs: audit backups with retention,
// expired-token sweeps, and report exports.
type SchedulerConfig struct {
	BackupSchedule string            `mapstructure:"backup_schedule"`
	BackupDir      string            `mapstructure:"backup_dir"`
	RetentionDays  int               `mapstructure:"retention_days"`
	TokenSweep     string            `mapstructure:"token_sweep"`
	Exports        []ExportJobConfig `mapstructure:"exports"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TG_BROKER_API_KEY and DATABASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "dev")
	v.SetDefault("strict_validation", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("broker.mode", "mock")
	v.SetDefault("broker.account_id", "DU123456")
	v.SetDefault("kill_switch.path", "data/kill_switch.json")
	v.SetDefault("gateway.rate_limit_per_tool", float64(gateway.PerToolPerMinute))
	v.SetDefault("gateway.rate_limit_per_session", float64(gateway.PerSessionPerMinute))
	v.SetDefault("gateway.rate_limit_global", float64(gateway.GlobalPerMinute))
	v.SetDefault("scheduler.backup_dir", "data/backups")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("TG_BROKER_API_KEY"); key != "" {
		cfg.Broker.APIKey = key
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Audit.DatabaseURL = url
	}
	if ro := os.Getenv("TG_READ_ONLY"); ro == "true" || ro == "1" {
		cfg.Broker.ReadOnly = true
	}
	if ro := os.Getenv("READONLY_MODE"); ro == "true" || ro == "1" {
		cfg.Broker.ReadOnly = true
	}
	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if sv := os.Getenv("STRICT_VALIDATION"); sv != "" {
		cfg.StrictValidation = sv == "true" || sv == "1"
	}
	if p := os.Getenv("RISK_POLICY_PATH"); p != "" {
		cfg.Risk.PolicyPath = p
	}
	for env, dst := range map[string]*float64{
		"RATE_LIMIT_PER_TOOL":    &cfg.Gateway.RateLimitPerTool,
		"RATE_LIMIT_PER_SESSION": &cfg.Gateway.RateLimitPerSession,
		"RATE_LIMIT_GLOBAL":      &cfg.Gateway.RateLimitGlobal,
	} {
		raw := os.Getenv(env)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a number", env, raw)
		}
		*dst = n
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Env {
	case "dev", "paper", "live":
	default:
		return fmt.Errorf("env must be \"dev\", \"paper\", or \"live\", got %q", c.Env)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Gateway.RateLimitPerTool <= 0 || c.Gateway.RateLimitPerSession <= 0 || c.Gateway.RateLimitGlobal <= 0 {
		return fmt.Errorf("gateway rate limits must be positive")
	}
	switch c.Broker.Mode {
	case "mock":
	case "rest":
		if c.Broker.BaseURL == "" {
			return fmt.Errorf("broker.base_url is required in rest mode")
		}
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required in rest mode (set TG_BROKER_API_KEY)")
		}
	default:
		return fmt.Errorf("broker.mode must be \"mock\" or \"rest\", got %q", c.Broker.Mode)
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}
	if c.KillSwitch.Path == "" {
		return fmt.Errorf("kill_switch.path is required")
	}
	if c.Scheduler.RetentionDays < 0 {
		return fmt.Errorf("scheduler.retention_days must be >= 0")
	}
	if c.Scheduler.BackupSchedule != "" && c.Scheduler.BackupDir == "" {
		return fmt.Errorf("scheduler.backup_dir is required when backups are scheduled")
	}
	if _, err := c.SimConfig(); err != nil {
		return err
	}
	return nil
}

// KillSwitchOptions builds the switch options, folding in the
// KILL_SWITCH_ENABLED / KILL_SWITCH_REASON environment override.
func (c *Config) KillSwitchOptions() killswitch.Options {
	enabled := os.Getenv("KILL_SWITCH_ENABLED")
	return killswitch.Options{
		Path:           c.KillSwitch.Path,
		EnvOverride:    enabled == "true" || enabled == "1",
		OverrideReason: os.Getenv("KILL_SWITCH_REASON"),
	}
}

// SimConfig converts the decimal-string overrides into the simulator's
// cost model, starting from the defaults.
func (c *Config) SimConfig() (sim.Config, error) {
	out := sim.DefaultConfig()
	fields := []struct {
		raw  string
		name string
		dst  *decimal.Decimal
	}{
		{c.Sim.BaseSlippageBps, "sim.base_slippage_bps", &out.BaseSlippageBps},
		{c.Sim.MarketImpactFactor, "sim.market_impact_factor", &out.MarketImpactFactor},
		{c.Sim.LiquidityProxy, "sim.liquidity_proxy", &out.LiquidityProxy},
		{c.Sim.PerShareRate, "sim.per_share_rate", &out.PerShareRate},
		{c.Sim.MinFee, "sim.min_fee", &out.MinFee},
		{c.Sim.MaxFeeFraction, "sim.max_fee_fraction", &out.MaxFeeFraction},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return sim.Config{}, fmt.Errorf("%s: %q is not a decimal", f.name, f.raw)
		}
		*f.dst = d
	}
	return out, nil
}

// autoPolicyFile mirrors the auto-approval YAML layout. Notional values
// are decimal strings.
type autoPolicyFile struct {
	Enabled           bool     `yaml:"enabled"`
	MaxNotional       string   `yaml:"max_notional"`
	AllowedSymbols    []string `yaml:"allowed_symbols"`
	BlockedSymbols    []string `yaml:"blocked_symbols"`
	AllowedTypes      []string `yaml:"allowed_types"`
	AllowedOrderTypes []string `yaml:"allowed_order_types"`
	Windows           []struct {
		Start string `yaml:"start"`
		End   string `yaml:"end"`
	} `yaml:"windows"`
	MaxPositionPct string `yaml:"max_position_pct"`
	DCA            []struct {
		Symbol      string `yaml:"symbol"`
		MaxNotional string `yaml:"max_notional"`
		Days        []int  `yaml:"days"` // 0 = Sunday
	} `yaml:"dca"`
}

// LoadAutoPolicy reads the standing auto-approval policy, or the disabled
// default when no path is configured. AUTO_APPROVAL and
// AUTO_APPROVAL_MAX_NOTIONAL override the file.
func (c *Config) LoadAutoPolicy() (approval.AutoPolicy, error) {
	if c.AutoApproval.PolicyPath == "" {
		return applyAutoPolicyEnv(approval.DefaultAutoPolicy())
	}
	data, err := os.ReadFile(c.AutoApproval.PolicyPath)
	if err != nil {
		return approval.AutoPolicy{}, fmt.Errorf("read auto-approval policy: %w", err)
	}
	var f autoPolicyFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return approval.AutoPolicy{}, fmt.Errorf("parse auto-approval policy: %w", err)
	}

	p := approval.DefaultAutoPolicy()
	p.Enabled = f.Enabled
	p.AllowedSymbols = f.AllowedSymbols
	p.BlockedSymbols = f.BlockedSymbols
	for _, t := range f.AllowedTypes {
		p.AllowedTypes = append(p.AllowedTypes, types.InstrumentType(strings.ToUpper(t)))
	}
	if len(f.AllowedOrderTypes) > 0 {
		p.AllowedOrderTypes = nil
		for _, t := range f.AllowedOrderTypes {
			p.AllowedOrderTypes = append(p.AllowedOrderTypes, types.OrderType(strings.ToUpper(t)))
		}
	}
	for _, w := range f.Windows {
		p.Windows = append(p.Windows, approval.Window{Start: w.Start, End: w.End})
	}
	if f.MaxNotional != "" {
		d, err := decimal.NewFromString(f.MaxNotional)
		if err != nil {
			return approval.AutoPolicy{}, fmt.Errorf("auto-approval max_notional %q: %w", f.MaxNotional, err)
		}
		p.MaxNotional = d
	}
	if f.MaxPositionPct != "" {
		d, err := decimal.NewFromString(f.MaxPositionPct)
		if err != nil {
			return approval.AutoPolicy{}, fmt.Errorf("auto-approval max_position_pct %q: %w", f.MaxPositionPct, err)
		}
		p.MaxPositionPct = d
	}
	for _, d := range f.DCA {
		sched := approval.DCASchedule{Symbol: strings.ToUpper(d.Symbol)}
		if d.MaxNotional != "" {
			n, err := decimal.NewFromString(d.MaxNotional)
			if err != nil {
				return approval.AutoPolicy{}, fmt.Errorf("dca %s max_notional %q: %w", d.Symbol, d.MaxNotional, err)
			}
			sched.MaxNotional = n
		}
		for _, day := range d.Days {
			if day < 0 || day > 6 {
				return approval.AutoPolicy{}, fmt.Errorf("dca %s: day %d out of range", d.Symbol, day)
			}
			sched.Days = append(sched.Days, time.Weekday(day))
		}
		p.DCA = append(p.DCA, sched)
	}
	return applyAutoPolicyEnv(p)
}

func applyAutoPolicyEnv(p approval.AutoPolicy) (approval.AutoPolicy, error) {
	if v := os.Getenv("AUTO_APPROVAL"); v != "" {
		p.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AUTO_APPROVAL_MAX_NOTIONAL"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return approval.AutoPolicy{}, fmt.Errorf("AUTO_APPROVAL_MAX_NOTIONAL %q: %w", v, err)
		}
		p.MaxNotional = d
	}
	return p, nil
}

// SchedulerConfig converts the config section into the scheduler's shape.
// Exports cover the trailing day by default.
func (c *Config) SchedulerConfig() scheduler.Config {
	out := scheduler.Config{
		BackupSchedule: c.Scheduler.BackupSchedule,
		BackupDir:      c.Scheduler.BackupDir,
		RetentionDays:  c.Scheduler.RetentionDays,
		TokenSweep:     c.Scheduler.TokenSweep,
	}
	for _, e := range c.Scheduler.Exports {
		out.Exports = append(out.Exports, scheduler.ExportJob{
			Name:     e.Name,
			QueryID:  e.QueryID,
			Schedule: e.Schedule,
			Lookback: 24 * time.Hour,
			Dir:      e.Dir,
		})
	}
	return out
}
