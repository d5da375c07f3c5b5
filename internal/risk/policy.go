package risk

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"tradegate/pkg/types"
)

// RuleConfig is the per-rule activation record. A disabled rule always
// passes. Limit is interpreted per rule (dollars, percent, bps, count).
type RuleConfig struct {
	Enabled  bool
	Limit    decimal.Decimal
	Severity types.Severity
}

// TradingHours describes the session the engine enforces for R5 and R12.
// Times are minutes since midnight in Timezone.
type TradingHours struct {
	Open            string // "14:30"
	Close           string // "21:00"
	Timezone        string // IANA name, default UTC
	AllowPreMarket  bool
	AllowAfterHours bool
	EdgeMinutes     int // R12: first/last N minutes of the session
}

// Policy is the full rule set the engine evaluates against. Loaded from
// YAML; hot-reloadable.
type Policy struct {
	Rules      map[types.RuleID]RuleConfig
	Hours      TradingHours
	Sectors    map[string]string          // symbol → sector (R3; empty = no-op)
	Volatility map[string]decimal.Decimal // symbol → annualized vol (R9)
	Liquidity  map[string]decimal.Decimal // symbol → avg daily dollar volume (R6)
}

// DefaultPolicy returns the conservative built-in rule set used when no
// policy file is configured.
func DefaultPolicy() Policy {
	blocker := func(limit string) RuleConfig {
		return RuleConfig{Enabled: true, Limit: decimal.RequireFromString(limit), Severity: types.SeverityBlocker}
	}
	return Policy{
		Rules: map[types.RuleID]RuleConfig{
			types.RuleMaxNotional:      blocker("50000"), // dollars per trade
			types.RulePositionWeight:   blocker("10"),    // percent of portfolio
			types.RuleSectorWeight:     blocker("30"),    // percent of portfolio
			types.RuleSlippage:         blocker("50"),    // basis points
			types.RuleTradingWindow:    {Enabled: true, Severity: types.SeverityBlocker},
			types.RuleLiquidity:        blocker("100000"), // min avg daily dollar volume
			types.RuleDailyTrades:      blocker("50"),     // trades per day
			types.RuleDailyLoss:        blocker("5000"),   // dollars of daily loss
			types.RuleVolatilitySizing: blocker("2"),      // percent of portfolio at risk
			types.RuleCorrelation:      {Enabled: false, Limit: decimal.NewFromInt(40), Severity: types.SeverityBlocker},
			types.RuleDrawdown:         blocker("10"), // percent off high-water mark
			types.RuleSessionEdge:      {Enabled: true, Limit: decimal.NewFromInt(10), Severity: types.SeverityBlocker},
		},
		Hours: TradingHours{
			Open:        "14:30",
			Close:       "21:00",
			Timezone:    "UTC",
			EdgeMinutes: 10,
		},
	}
}

// policyFile mirrors the YAML document layout.
type policyFile struct {
	Rules map[string]struct {
		Enabled  *bool  `yaml:"enabled"`
		Limit    string `yaml:"limit"`
		Severity string `yaml:"severity"`
	} `yaml:"rules"`
	TradingHours struct {
		Open            string `yaml:"open"`
		Close           string `yaml:"close"`
		Timezone        string `yaml:"timezone"`
		AllowPreMarket  bool   `yaml:"allow_pre_market"`
		AllowAfterHours bool   `yaml:"allow_after_hours"`
		EdgeMinutes     int    `yaml:"edge_minutes"`
	} `yaml:"trading_hours"`
	Sectors    map[string]string `yaml:"sectors"`
	Volatility map[string]string `yaml:"volatility"`
	Liquidity  map[string]string `yaml:"liquidity"`
}

// LoadPolicy reads and validates a YAML policy file. Unknown rule ids and
// malformed limits are errors: a half-understood policy must not silently
// weaken the gate.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read risk policy: %w", err)
	}
	var f policyFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return Policy{}, fmt.Errorf("parse risk policy: %w", err)
	}

	p := DefaultPolicy()
	for id, rc := range f.Rules {
		base, ok := p.Rules[types.RuleID(id)]
		if !ok {
			return Policy{}, fmt.Errorf("risk policy: unknown rule %q", id)
		}
		if rc.Enabled != nil {
			base.Enabled = *rc.Enabled
		}
		if rc.Limit != "" {
			limit, err := decimal.NewFromString(rc.Limit)
			if err != nil {
				return Policy{}, fmt.Errorf("risk policy: rule %s limit %q: %w", id, rc.Limit, err)
			}
			base.Limit = limit
		}
		if rc.Severity != "" {
			switch s := types.Severity(rc.Severity); s {
			case types.SeverityBlocker, types.SeverityMajor, types.SeverityMinor:
				base.Severity = s
			default:
				return Policy{}, fmt.Errorf("risk policy: rule %s severity %q is not valid", id, rc.Severity)
			}
		}
		p.Rules[types.RuleID(id)] = base
	}

	if f.TradingHours.Open != "" {
		p.Hours.Open = f.TradingHours.Open
	}
	if f.TradingHours.Close != "" {
		p.Hours.Close = f.TradingHours.Close
	}
	if f.TradingHours.Timezone != "" {
		p.Hours.Timezone = f.TradingHours.Timezone
	}
	p.Hours.AllowPreMarket = f.TradingHours.AllowPreMarket
	p.Hours.AllowAfterHours = f.TradingHours.AllowAfterHours
	if f.TradingHours.EdgeMinutes > 0 {
		p.Hours.EdgeMinutes = f.TradingHours.EdgeMinutes
	}

	if len(f.Sectors) > 0 {
		p.Sectors = f.Sectors
	}
	if len(f.Volatility) > 0 {
		p.Volatility = make(map[string]decimal.Decimal, len(f.Volatility))
		for sym, v := range f.Volatility {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return Policy{}, fmt.Errorf("risk policy: volatility for %s: %w", sym, err)
			}
			p.Volatility[sym] = d
		}
	}
	if len(f.Liquidity) > 0 {
		p.Liquidity = make(map[string]decimal.Decimal, len(f.Liquidity))
		for sym, v := range f.Liquidity {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return Policy{}, fmt.Errorf("risk policy: liquidity for %s: %w", sym, err)
			}
			p.Liquidity[sym] = d
		}
	}

	if _, _, err := p.Hours.window(time.Now()); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// window resolves the session open/close for the day containing now.
func (h TradingHours) window(now time.Time) (open, close time.Time, err error) {
	loc := time.UTC
	if h.Timezone != "" && h.Timezone != "UTC" {
		loc, err = time.LoadLocation(h.Timezone)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("risk policy: timezone %q: %w", h.Timezone, err)
		}
	}
	local := now.In(loc)

	parse := func(s string) (time.Time, error) {
		t, err := time.Parse("15:04", s)
		if err != nil {
			return time.Time{}, fmt.Errorf("risk policy: session time %q: %w", s, err)
		}
		return time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
	}
	if open, err = parse(h.Open); err != nil {
		return
	}
	close, err = parse(h.Close)
	return
}
