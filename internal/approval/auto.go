package approval

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/pkg/types"
)

// Window is a daily UTC time window in which auto-approval is allowed,
// "HH:MM" inclusive start, exclusive end.
type Window struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

func (w Window) contains(now time.Time) (bool, error) {
	start, err := time.Parse("15:04", w.Start)
	if err != nil {
		return false, fmt.Errorf("window start %q: %w", w.Start, err)
	}
	end, err := time.Parse("15:04", w.End)
	if err != nil {
		return false, fmt.Errorf("window end %q: %w", w.End, err)
	}
	minutes := now.UTC().Hour()*60 + now.UTC().Minute()
	s := start.Hour()*60 + start.Minute()
	e := end.Hour()*60 + end.Minute()
	return minutes >= s && minutes < e, nil
}

// DCASchedule pre-authorizes a recurring buy: the named symbol, BUY side
// only, on the listed weekdays, up to the per-order notional.
type DCASchedule struct {
	Symbol      string          `yaml:"symbol" json:"symbol"`
	MaxNotional decimal.Decimal `yaml:"max_notional" json:"max_notional"`
	Days        []time.Weekday  `yaml:"days" json:"days"`
}

func (d DCASchedule) matches(intent types.OrderIntent, notional decimal.Decimal, now time.Time) bool {
	if intent.Side != types.BUY {
		return false
	}
	if !strings.EqualFold(d.Symbol, intent.Instrument.Symbol) {
		return false
	}
	if notional.GreaterThan(d.MaxNotional) {
		return false
	}
	if len(d.Days) == 0 {
		return true
	}
	day := now.UTC().Weekday()
	for _, w := range d.Days {
		if w == day {
			return true
		}
	}
	return false
}

// AutoPolicy decides whether a risk-approved proposal may skip the human
// approval step. Everything is an allowlist: an empty symbol allowlist
// (with no DCA schedules) means nothing is auto-approved.
type AutoPolicy struct {
	Enabled           bool                   `yaml:"enabled" json:"enabled"`
	MaxNotional       decimal.Decimal        `yaml:"max_notional" json:"max_notional"` // default $1,000
	AllowedSymbols    []string               `yaml:"allowed_symbols" json:"allowed_symbols"`
	BlockedSymbols    []string               `yaml:"blocked_symbols" json:"blocked_symbols"`
	AllowedTypes      []types.InstrumentType `yaml:"allowed_types" json:"allowed_types"`
	AllowedOrderTypes []types.OrderType      `yaml:"allowed_order_types" json:"allowed_order_types"`
	Windows           []Window               `yaml:"windows" json:"windows"`
	MaxPositionPct    decimal.Decimal        `yaml:"max_position_pct" json:"max_position_pct"`
	DCA               []DCASchedule          `yaml:"dca" json:"dca"`
}

// DefaultAutoPolicy is disabled with a $1,000 notional ceiling. Enabling
// auto-approval is an explicit configuration act.
func DefaultAutoPolicy() AutoPolicy {
	return AutoPolicy{
		Enabled:           false,
		MaxNotional:       decimal.NewFromInt(1000),
		AllowedOrderTypes: []types.OrderType{types.OrderTypeMKT, types.OrderTypeLMT},
	}
}

// Evaluate decides whether the proposal qualifies for auto-approval.
// The returned reason is audited either way. The kill switch is checked by
// the service, not here.
func (p AutoPolicy) Evaluate(proposal types.OrderProposal, portfolio types.Portfolio, now time.Time) (bool, string) {
	if !p.Enabled {
		return false, "auto-approval disabled"
	}

	intent := proposal.Intent
	symbol := intent.Instrument.Symbol
	for _, b := range p.BlockedSymbols {
		if strings.EqualFold(b, symbol) {
			return false, fmt.Sprintf("symbol %s is blocklisted", symbol)
		}
	}

	notional := decimal.Zero
	if proposal.Simulation != nil {
		notional = proposal.Simulation.GrossNotional
	}

	// DCA schedules bypass the general allowlist checks but never the
	// blocklist above.
	for _, d := range p.DCA {
		if d.matches(intent, notional, now) {
			return true, fmt.Sprintf("dca schedule for %s", symbol)
		}
	}

	allowed := false
	for _, a := range p.AllowedSymbols {
		if strings.EqualFold(a, symbol) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, fmt.Sprintf("symbol %s is not allowlisted", symbol)
	}

	if len(p.AllowedTypes) > 0 {
		ok := false
		for _, t := range p.AllowedTypes {
			if t == intent.Instrument.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false, fmt.Sprintf("instrument type %s is not allowlisted", intent.Instrument.Type)
		}
	}

	if len(p.AllowedOrderTypes) > 0 {
		ok := false
		for _, t := range p.AllowedOrderTypes {
			if t == intent.OrderType {
				ok = true
				break
			}
		}
		if !ok {
			return false, fmt.Sprintf("order type %s is not allowlisted", intent.OrderType)
		}
	}

	if len(p.Windows) > 0 {
		inWindow := false
		for _, w := range p.Windows {
			ok, err := w.contains(now)
			if err != nil {
				return false, err.Error()
			}
			if ok {
				inWindow = true
				break
			}
		}
		if !inWindow {
			return false, "outside auto-approval time windows"
		}
	}

	ceiling := p.MaxNotional
	if ceiling.IsZero() {
		ceiling = decimal.NewFromInt(1000)
	}
	if notional.GreaterThan(ceiling) {
		return false, fmt.Sprintf("notional %s exceeds auto-approval ceiling %s", notional, ceiling)
	}

	if p.MaxPositionPct.IsPositive() && proposal.Simulation != nil && portfolio.TotalValue.IsPositive() {
		pct := proposal.Simulation.ExposureAfter.
			Div(portfolio.TotalValue).
			Mul(decimal.NewFromInt(100))
		if pct.GreaterThan(p.MaxPositionPct) {
			return false, fmt.Sprintf("position would be %s%% of account, limit %s%%",
				pct.Round(2), p.MaxPositionPct)
		}
	}

	return true, "within auto-approval policy"
}
